package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/services"
)

const meterName = "github.com/Antinna/HTTP-3/internal/platform/jobs"

// NamedSink labels a sink for logs and metrics.
type NamedSink struct {
	Name string
	Sink services.NotificationSink
	// Required sinks make the whole delivery fail when they fail. Optional sink failures are only logged.
	Required bool
}

// FanOut delivers each notification to every configured sink concurrently.
type FanOut struct {
	sinks      []NamedSink
	logger     *zap.Logger
	deliveries metric.Int64Counter
}

var _ services.NotificationSink = (*FanOut)(nil)

// FanOutOption customises the fan-out.
type FanOutOption func(*fanOutConfig)

type fanOutConfig struct {
	logger *zap.Logger
	meter  metric.Meter
}

// WithFanOutLogger sets the logger for optional sink failures.
func WithFanOutLogger(logger *zap.Logger) FanOutOption {
	return func(cfg *fanOutConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithFanOutMeter injects a custom OpenTelemetry meter.
func WithFanOutMeter(m metric.Meter) FanOutOption {
	return func(cfg *fanOutConfig) {
		if m != nil {
			cfg.meter = m
		}
	}
}

// NewFanOut builds a fan-out over the non-nil sinks.
func NewFanOut(sinks []NamedSink, opts ...FanOutOption) (*FanOut, error) {
	cfg := fanOutConfig{logger: zap.NewNop(), meter: otel.GetMeterProvider().Meter(meterName)}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	var kept []NamedSink
	for _, s := range sinks {
		if s.Sink == nil {
			continue
		}
		if s.Name == "" {
			return nil, errors.New("fan-out: sink name is required")
		}
		kept = append(kept, s)
	}

	deliveries, err := cfg.meter.Int64Counter(
		"notifications.sink.deliveries",
		metric.WithDescription("Notification deliveries per sink and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("fan-out: create counter: %w", err)
	}
	return &FanOut{sinks: kept, logger: cfg.logger, deliveries: deliveries}, nil
}

// Sinks returns the names of the configured sinks.
func (f *FanOut) Sinks() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name
	}
	return names
}

// Deliver waits for every sink. The returned error joins the failures of required sinks; it is permanent only
// when every required failure is permanent.
//
// Delivery is at-least-once per sink: a failed required sink makes the relay retry the whole message, so sinks
// that already succeeded see it again. Consumers dedupe on the message id.
func (f *FanOut) Deliver(ctx context.Context, msg domain.OutboxMessage) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, s := range f.sinks {
		g.Go(func() error {
			err := s.Sink.Deliver(ctx, msg)
			f.record(ctx, s.Name, msg.EventType, err)
			if err == nil {
				return nil
			}
			if !s.Required {
				f.logger.Warn("optional notification sink failed",
					zap.String("sink", s.Name),
					zap.String("event", msg.EventType),
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	for _, err := range errs {
		if !errors.Is(err, services.ErrPermanent) {
			// Flattened so a permanent failure of one sink does not mark the whole message dead.
			return fmt.Errorf("notification delivery: %v", joined)
		}
	}
	return joined
}

func (f *FanOut) record(ctx context.Context, sink, event string, err error) {
	outcome := "delivered"
	switch {
	case errors.Is(err, services.ErrPermanent):
		outcome = "rejected"
	case err != nil:
		outcome = "failed"
	}
	f.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}
