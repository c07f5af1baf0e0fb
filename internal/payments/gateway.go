package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/resilience"
)

// Status enumerates the normalised payment states shared across gateways.
type Status string

const (
	// StatusPending indicates the payment awaits customer action or an asynchronous gateway callback.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway captured the funds.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway rejected the payment.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedMethod is returned when no gateway is routed for a payment method.
	ErrUnsupportedMethod = errors.New("payments: unsupported payment method")
	// ErrUnavailable marks gateway failures that are safe to retry.
	ErrUnavailable = errors.New("payments: gateway unavailable")
	// ErrDeclined marks permanent rejections such as declined cards.
	ErrDeclined = errors.New("payments: declined")
)

// ChargeRequest asks a gateway to collect an amount for an order.
type ChargeRequest struct {
	OrderID        string
	OrderNumber    string
	CustomerID     string
	Method         domain.PaymentMethod
	Amount         decimal.Decimal
	Currency       string
	TransactionID  string
	IdempotencyKey string
	Metadata       map[string]string
}

// ChargeResult is the gateway's answer to a charge.
type ChargeResult struct {
	Gateway              string
	GatewayTransactionID string
	Status               Status
	ClientSecret         string
	RedirectURL          string
	ReceiptURL           string
	Raw                  map[string]any
}

// RefundRequest asks a gateway to return funds for an earlier charge.
type RefundRequest struct {
	GatewayTransactionID string
	Amount               decimal.Decimal
	Currency             string
	Reason               string
	IdempotencyKey       string
	Metadata             map[string]string
}

// RefundResult is the gateway's answer to a refund.
type RefundResult struct {
	RefundID string
	Status   Status
	Raw      map[string]any
}

// Gateway is a payment service provider adapter.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Manager routes payment methods to gateways and guards each gateway with a circuit breaker.
type Manager struct {
	gateways map[string]Gateway
	routes   map[domain.PaymentMethod]string
	breakers map[string]*resilience.CircuitBreaker
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	breaker func(gateway string) *resilience.CircuitBreaker
}

// WithBreakers installs a circuit breaker per gateway, built by factory.
func WithBreakers(factory func(gateway string) *resilience.CircuitBreaker) ManagerOption {
	return func(o *managerOptions) {
		o.breaker = factory
	}
}

// NewManager registers gateways and the method routes that select them.
func NewManager(gateways []Gateway, routes map[domain.PaymentMethod]string, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	options := managerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	m := &Manager{
		gateways: make(map[string]Gateway, len(gateways)),
		routes:   make(map[domain.PaymentMethod]string, len(routes)),
		breakers: make(map[string]*resilience.CircuitBreaker, len(gateways)),
	}
	for _, gw := range gateways {
		if gw == nil {
			return nil, errors.New("payments: nil gateway")
		}
		name := strings.ToLower(strings.TrimSpace(gw.Name()))
		if name == "" {
			return nil, errors.New("payments: gateway name is required")
		}
		m.gateways[name] = gw
		if options.breaker != nil {
			m.breakers[name] = options.breaker(name)
		}
	}
	for method, name := range routes {
		name = strings.ToLower(strings.TrimSpace(name))
		if !method.Valid() {
			return nil, fmt.Errorf("payments: unknown payment method %q", method)
		}
		if _, ok := m.gateways[name]; !ok {
			return nil, fmt.Errorf("payments: method %s routed to unregistered gateway %q", method, name)
		}
		m.routes[method] = name
	}
	return m, nil
}

// Route returns the gateway name serving method.
func (m *Manager) Route(method domain.PaymentMethod) (string, error) {
	name, ok := m.routes[method]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return name, nil
}

// Supports reports whether method has a gateway.
func (m *Manager) Supports(method domain.PaymentMethod) bool {
	_, ok := m.routes[method]
	return ok
}

// Charge sends req to the gateway routed for its method.
func (m *Manager) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	name, err := m.Route(req.Method)
	if err != nil {
		return ChargeResult{}, err
	}
	if !req.Amount.IsPositive() {
		return ChargeResult{}, fmt.Errorf("payments: charge amount must be positive")
	}

	var result ChargeResult
	err = m.guard(ctx, name, func(ctx context.Context) error {
		var callErr error
		result, callErr = m.gateways[name].Charge(ctx, req)
		return callErr
	})
	if err != nil {
		return ChargeResult{}, err
	}
	result.Gateway = name
	return result, nil
}

// Refund sends req to the named gateway, which must be the one that took the original charge.
func (m *Manager) Refund(ctx context.Context, gateway string, req RefundRequest) (RefundResult, error) {
	name := strings.ToLower(strings.TrimSpace(gateway))
	gw, ok := m.gateways[name]
	if !ok {
		return RefundResult{}, fmt.Errorf("payments: unknown gateway %q", gateway)
	}
	if !req.Amount.IsPositive() {
		return RefundResult{}, fmt.Errorf("payments: refund amount must be positive")
	}

	var result RefundResult
	err := m.guard(ctx, name, func(ctx context.Context) error {
		var callErr error
		result, callErr = gw.Refund(ctx, req)
		return callErr
	})
	return result, err
}

func (m *Manager) guard(ctx context.Context, name string, fn func(context.Context) error) error {
	breaker := m.breakers[name]
	if breaker == nil {
		return fn(ctx)
	}
	err := breaker.Execute(ctx, fn)
	if errors.Is(err, resilience.ErrOpen) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, name, err)
	}
	return err
}

// IsBreakerFailure reports whether err should count against a gateway's circuit breaker.
func IsBreakerFailure(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// MinorUnits converts a two-decimal currency amount into the smallest currency unit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts the smallest currency unit back into a decimal amount.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
