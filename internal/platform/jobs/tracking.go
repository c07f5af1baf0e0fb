package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	pfirestore "github.com/Antinna/HTTP-3/internal/platform/firestore"
	"github.com/Antinna/HTTP-3/internal/services"
)

const defaultTrackingCollection = "orderTracking"

// trackedFields are copied from the event payload onto the tracking document when present.
var trackedFields = []string{
	"orderNumber",
	"status",
	"previousStatus",
	"paymentStatus",
	"deliveryPersonId",
	"estimatedDeliveryTime",
	"actualDeliveryTime",
	"totalDisplay",
	"reason",
}

// TrackingDocument is the shape of orderTracking/{orderId}. Mobile clients listen to it for live status.
type TrackingDocument struct {
	OrderID     string         `firestore:"orderId"`
	LastEvent   string         `firestore:"lastEvent"`
	LastEventID string         `firestore:"lastEventId"`
	LastEventAt time.Time      `firestore:"lastEventAt"`
	Fields      map[string]any `firestore:"fields"`
	UpdatedAt   time.Time      `firestore:"updatedAt"`
}

// TrackingSink mirrors order and dispatch events into Firestore. Events older than the one already stored are
// ignored, so a retried message can never move the document backwards.
type TrackingSink struct {
	provider   *pfirestore.Provider
	collection string
	now        func() time.Time
}

var _ services.NotificationSink = (*TrackingSink)(nil)

// NewTrackingSink constructs the mirror sink.
func NewTrackingSink(provider *pfirestore.Provider, collection string) (*TrackingSink, error) {
	if provider == nil {
		return nil, errors.New("tracking sink: firestore provider is required")
	}
	if collection = strings.TrimSpace(collection); collection == "" {
		collection = defaultTrackingCollection
	}
	return &TrackingSink{provider: provider, collection: collection, now: time.Now}, nil
}

// Tracks reports whether the event type changes what a customer sees on the tracking screen.
func Tracks(eventType string) bool {
	return strings.HasPrefix(eventType, "order.") || strings.HasPrefix(eventType, "dispatch.") ||
		strings.HasPrefix(eventType, "payment.")
}

// Deliver merges the event into the order's tracking document.
func (s *TrackingSink) Deliver(ctx context.Context, msg domain.OutboxMessage) error {
	if s == nil || s.provider == nil {
		return errors.New("tracking sink: not initialised")
	}
	if msg.AggregateID == "" || !Tracks(msg.EventType) {
		return nil
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(s.collection).Doc(msg.AggregateID)

	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current TrackingDocument
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&current); err != nil {
				return err
			}
		}
		if next, ok := mergeTracking(current, msg, s.now().UTC()); ok {
			return tx.Set(ref, next)
		}
		return nil
	})
}

// mergeTracking folds msg into doc. It reports false when msg is older than what doc already reflects.
func mergeTracking(doc TrackingDocument, msg domain.OutboxMessage, now time.Time) (TrackingDocument, bool) {
	occurred := msg.CreatedAt.UTC()
	if !doc.LastEventAt.IsZero() && occurred.Before(doc.LastEventAt) {
		return doc, false
	}
	if doc.LastEventID == msg.ID {
		return doc, false
	}

	fields := make(map[string]any, len(trackedFields))
	for k, v := range doc.Fields {
		fields[k] = v
	}
	for _, key := range trackedFields {
		if v, ok := msg.Payload[key]; ok {
			fields[key] = v
		}
	}

	return TrackingDocument{
		OrderID:     msg.AggregateID,
		LastEvent:   msg.EventType,
		LastEventID: msg.ID,
		LastEventAt: occurred,
		Fields:      fields,
		UpdatedAt:   now,
	}, true
}
