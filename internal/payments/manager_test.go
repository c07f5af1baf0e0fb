package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/resilience"
)

type fakeGateway struct {
	name      string
	charges   int
	refunds   int
	chargeErr error
	result    ChargeResult
}

func (f *fakeGateway) Name() string { return f.name }

func (f *fakeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	f.charges++
	return f.result, f.chargeErr
}

func (f *fakeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	f.refunds++
	return RefundResult{Status: StatusSucceeded}, nil
}

func TestManagerRoutesByMethod(t *testing.T) {
	card := &fakeGateway{name: "stripe", result: ChargeResult{GatewayTransactionID: "pi_1"}}
	mgr, err := NewManager([]Gateway{card, CashGateway{}}, map[domain.PaymentMethod]string{
		domain.PaymentMethodCreditCard: "stripe",
		domain.PaymentMethodCOD:        CashGatewayName,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	result, err := mgr.Charge(context.Background(), ChargeRequest{
		Method: domain.PaymentMethodCreditCard,
		Amount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Gateway != "stripe" || card.charges != 1 {
		t.Fatalf("expected stripe to take the charge, got %+v", result)
	}

	cod, err := mgr.Charge(context.Background(), ChargeRequest{
		Method:        domain.PaymentMethodCOD,
		Amount:        decimal.NewFromInt(100),
		TransactionID: "txn-1",
	})
	if err != nil {
		t.Fatalf("cod charge: %v", err)
	}
	if cod.Status != StatusPending || cod.GatewayTransactionID != "cod_txn-1" {
		t.Fatalf("unexpected cod result %+v", cod)
	}
}

func TestManagerUnsupportedMethod(t *testing.T) {
	mgr, err := NewManager([]Gateway{CashGateway{}}, map[domain.PaymentMethod]string{domain.PaymentMethodCOD: CashGatewayName})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, err = mgr.Charge(context.Background(), ChargeRequest{Method: domain.PaymentMethodUPI, Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}
}

func TestNewManagerValidatesRoutes(t *testing.T) {
	if _, err := NewManager(nil, nil); err == nil {
		t.Fatalf("expected error without gateways")
	}
	_, err := NewManager([]Gateway{CashGateway{}}, map[domain.PaymentMethod]string{domain.PaymentMethodUPI: "missing"})
	if err == nil {
		t.Fatalf("expected error for unregistered gateway route")
	}
}

func TestManagerBreakerOpensOnUnavailableGateway(t *testing.T) {
	down := &fakeGateway{name: "stripe", chargeErr: ErrUnavailable}
	mgr, err := NewManager([]Gateway{down}, map[domain.PaymentMethod]string{domain.PaymentMethodCreditCard: "stripe"},
		WithBreakers(func(name string) *resilience.CircuitBreaker {
			return resilience.NewCircuitBreaker(resilience.BreakerConfig{
				Name:        name,
				MaxFailures: 2,
				Cooldown:    time.Hour,
				IsFailure:   IsBreakerFailure,
			})
		}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	req := ChargeRequest{Method: domain.PaymentMethodCreditCard, Amount: decimal.NewFromInt(10)}
	for i := 0; i < 2; i++ {
		if _, err := mgr.Charge(context.Background(), req); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	_, err = mgr.Charge(context.Background(), req)
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if down.charges != 2 {
		t.Fatalf("expected breaker to short-circuit the third call, gateway saw %d", down.charges)
	}
}

func TestMinorUnits(t *testing.T) {
	if got := MinorUnits(decimal.RequireFromString("312.505")); got != 31251 {
		t.Fatalf("expected 31251, got %d", got)
	}
	if got := FromMinorUnits(31250); !got.Equal(decimal.RequireFromString("312.50")) {
		t.Fatalf("expected 312.50, got %s", got)
	}
}
