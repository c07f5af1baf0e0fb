package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

type outboxRepository struct{ s *Store }

func (r outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	defer r.s.enter(ctx)()
	if _, exists := r.s.data.outbox[msg.ID]; exists {
		return conflict("outbox message %s already exists", msg.ID)
	}
	if msg.Status == "" {
		msg.Status = domain.OutboxStatusPending
	}
	r.s.data.outbox[msg.ID] = cloneOutbox(msg)
	return nil
}

func (r outboxRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	defer r.s.enter(ctx)()
	var due []domain.OutboxMessage
	for _, msg := range r.s.data.outbox {
		if msg.Status == domain.OutboxStatusPending && !msg.NextAttemptAt.After(now) {
			due = append(due, msg)
		}
	}
	slices.SortFunc(due, func(a, b domain.OutboxMessage) int {
		if c := a.NextAttemptAt.Compare(b.NextAttemptAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.OutboxMessage, len(due))
	for i, msg := range due {
		out[i] = cloneOutbox(msg)
		msg.NextAttemptAt = now.Add(lease)
		r.s.data.outbox[msg.ID] = msg
	}
	return out, nil
}

func (r outboxRepository) MarkDelivered(ctx context.Context, messageID string, deliveredAt time.Time) error {
	defer r.s.enter(ctx)()
	msg, ok := r.s.data.outbox[messageID]
	if !ok {
		return notFound("outbox message %s not found", messageID)
	}
	msg.Status = domain.OutboxStatusDelivered
	msg.DeliveredAt = &deliveredAt
	msg.LastError = ""
	r.s.data.outbox[messageID] = msg
	return nil
}

func (r outboxRepository) MarkFailed(ctx context.Context, update repositories.OutboxFailure) error {
	defer r.s.enter(ctx)()
	msg, ok := r.s.data.outbox[update.MessageID]
	if !ok {
		return notFound("outbox message %s not found", update.MessageID)
	}
	msg.Attempts = update.Attempts
	msg.NextAttemptAt = update.NextAttemptAt
	msg.LastError = update.LastError
	if update.Dead {
		msg.Status = domain.OutboxStatusDead
	}
	r.s.data.outbox[update.MessageID] = msg
	return nil
}

// OutboxMessages returns every stored message ordered by creation time. It is intended for tests.
func (s *Store) OutboxMessages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxMessage, 0, len(s.data.outbox))
	for _, msg := range s.data.outbox {
		out = append(out, cloneOutbox(msg))
	}
	slices.SortFunc(out, func(a, b domain.OutboxMessage) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
