package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling the protected function while the breaker is open.
var ErrOpen = errors.New("resilience: circuit breaker is open")

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// Cooldown is how long the breaker stays open before letting trial calls through.
	Cooldown time.Duration
	// MaxTrials bounds concurrent calls while half-open.
	MaxTrials int
	// IsFailure decides which errors count against the breaker. Defaults to every non-nil error except
	// context cancellation.
	IsFailure func(error) bool
	Clock     func() time.Time
	Logger    *zap.Logger
	Meter     metric.Meter
}

// CircuitBreaker stops calling a failing dependency for a cooldown period.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	maxTrials   int
	isFailure   func(error) bool
	clock       func() time.Time
	logger      *zap.Logger
	transitions metric.Int64Counter

	mu       sync.Mutex
	state    State
	failures int
	trials   int
	openedAt time.Time
}

// NewCircuitBreaker builds a breaker, substituting defaults for unset fields.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "unnamed"
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxTrials <= 0 {
		cfg.MaxTrials = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("github.com/Antinna/HTTP-3/internal/platform/resilience")
	}
	transitions, err := meter.Int64Counter("circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		cfg.Logger.Warn("circuit breaker metric unavailable", zap.Error(err))
	}

	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		maxTrials:   cfg.MaxTrials,
		isFailure:   cfg.IsFailure,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(zap.String("breaker", cfg.Name)),
		transitions: transitions,
	}
}

// State returns the current position, moving open to half-open once the cooldown has passed.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Execute runs fn unless the breaker is open.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(ctx, err)
	return err
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.trials >= b.maxTrials {
			return ErrOpen
		}
		b.trials++
	}
	return nil
}

func (b *CircuitBreaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.isFailure(err) {
		b.failures++
		switch b.state {
		case StateHalfOpen:
			b.setState(ctx, StateOpen)
		case StateClosed:
			if b.failures >= b.maxFailures {
				b.setState(ctx, StateOpen)
			}
		}
		return
	}

	if b.state == StateHalfOpen {
		b.trials--
		b.setState(ctx, StateClosed)
	}
	b.failures = 0
}

func (b *CircuitBreaker) advance() {
	if b.state == StateOpen && b.clock().Sub(b.openedAt) >= b.cooldown {
		b.setState(context.Background(), StateHalfOpen)
	}
}

func (b *CircuitBreaker) setState(ctx context.Context, next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	switch next {
	case StateOpen:
		b.openedAt = b.clock()
		b.trials = 0
	case StateHalfOpen:
		b.trials = 0
	case StateClosed:
		b.failures = 0
		b.trials = 0
	}

	b.logger.Info("circuit breaker state changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
	if b.transitions != nil {
		b.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("to", next.String()),
		))
	}
}
