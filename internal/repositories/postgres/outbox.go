package postgres

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	pg "github.com/Antinna/HTTP-3/internal/platform/postgres"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

type outboxRepository struct {
	pool *pgxpool.Pool
}

func (r outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	if msg.Status == "" {
		msg.Status = domain.OutboxStatusPending
	}
	_, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO outbox_messages (id, kind, aggregate_id, event_type, payload, status, attempts, next_attempt_at,
			last_error, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, string(msg.Kind), msg.AggregateID, msg.EventType, jsonObject(msg.Payload), string(msg.Status),
		msg.Attempts, msg.NextAttemptAt, msg.LastError, msg.CreatedAt, msg.DeliveredAt)
	return pg.WrapError("enqueue outbox message", err)
}

// ClaimDue leases due rows in one statement. SKIP LOCKED lets concurrent relays split the backlog instead of
// waiting on each other.
func (r outboxRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox_messages
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			SELECT m.id, m.next_attempt_at FROM outbox_messages m JOIN due USING (id)
		)
		UPDATE outbox_messages o SET next_attempt_at = $3
		FROM claimed
		WHERE o.id = claimed.id
		RETURNING o.id, o.kind, o.aggregate_id, o.event_type, o.payload, o.status, o.attempts,
			claimed.next_attempt_at, o.last_error, o.created_at, o.delivered_at`,
		now, limit, now.Add(lease))
	if err != nil {
		return nil, pg.WrapError("claim outbox messages", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var (
			msg          domain.OutboxMessage
			kind, status string
		)
		if err := rows.Scan(&msg.ID, &kind, &msg.AggregateID, &msg.EventType, &msg.Payload, &status, &msg.Attempts,
			&msg.NextAttemptAt, &msg.LastError, &msg.CreatedAt, &msg.DeliveredAt); err != nil {
			return nil, pg.WrapError("claim outbox messages", err)
		}
		msg.Kind = domain.OutboxKind(kind)
		msg.Status = domain.OutboxStatus(status)
		msg.NextAttemptAt = msg.NextAttemptAt.UTC()
		msg.CreatedAt = msg.CreatedAt.UTC()
		msg.DeliveredAt = utcPtr(msg.DeliveredAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, pg.WrapError("claim outbox messages", err)
	}
	// RETURNING order is unspecified.
	slices.SortFunc(out, func(a, b domain.OutboxMessage) int {
		if c := a.NextAttemptAt.Compare(b.NextAttemptAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r outboxRepository) MarkDelivered(ctx context.Context, messageID string, deliveredAt time.Time) error {
	tag, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE outbox_messages SET status = 'delivered', delivered_at = $2, last_error = ''
		WHERE id = $1`, messageID, deliveredAt)
	if err != nil {
		return pg.WrapError("mark outbox delivered", err)
	}
	if tag.RowsAffected() == 0 {
		return pg.NotFound("mark outbox delivered", "outbox message %s not found", messageID)
	}
	return nil
}

func (r outboxRepository) MarkFailed(ctx context.Context, update repositories.OutboxFailure) error {
	status := domain.OutboxStatusPending
	if update.Dead {
		status = domain.OutboxStatusDead
	}
	tag, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE outbox_messages SET attempts = $2, next_attempt_at = $3, last_error = $4, status = $5
		WHERE id = $1`,
		update.MessageID, update.Attempts, update.NextAttemptAt, update.LastError, string(status))
	if err != nil {
		return pg.WrapError("mark outbox failed", err)
	}
	if tag.RowsAffected() == 0 {
		return pg.NotFound("mark outbox failed", "outbox message %s not found", update.MessageID)
	}
	return nil
}
