package di

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/payments"
	"github.com/Antinna/HTTP-3/internal/platform/config"
	"github.com/Antinna/HTTP-3/internal/repositories/memory"
	"github.com/Antinna/HTTP-3/internal/services"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Deliver(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, msg.EventType)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Payments:   config.PaymentsConfig{Currency: "inr"},
		Restaurant: config.RestaurantConfig{Latitude: 12.9716, Longitude: 77.5946, TimeZone: "Asia/Kolkata"},
		Outbox: config.OutboxConfig{
			BatchSize:      10,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			Lease:          time.Minute,
		},
	}
}

func TestNewContainerWiresOrderFlow(t *testing.T) {
	// 13:30 in Kolkata, inside default opening hours.
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.New(memory.WithClock(clock))
	store.Seed(
		[]domain.MenuCategory{{ID: "mains", Name: "Mains", IsActive: true}},
		[]domain.MenuItem{{ID: "paneer", CategoryID: "mains", Name: "Paneer Tikka", Price: decimal.RequireFromString("150.00"), IsAvailable: true}},
		nil,
	)
	manager, err := payments.NewManager([]payments.Gateway{payments.CashGateway{}},
		map[domain.PaymentMethod]string{domain.PaymentMethodCOD: payments.CashGatewayName})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sink := &recordingSink{}

	c, err := NewContainer(context.Background(), testConfig(), Dependencies{
		Registry: store,
		Gateways: manager,
		Sink:     sink,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if c.Services.System != nil {
		t.Fatalf("system service needs a health repository")
	}

	order, err := c.Services.Orders.PlaceOrder(context.Background(), services.PlaceOrderCommand{
		Actor: services.Actor{UserID: "user-1", Role: services.RoleCustomer},
		Items: []services.CartLine{{MenuItemID: "paneer", Quantity: 1}},
		DeliveryAddress: domain.Address{
			Line1:    "12 MG Road",
			City:     "Bengaluru",
			Location: domain.Coordinates{Lat: 12.9750, Lng: 77.6000},
		},
		PaymentMethod: domain.PaymentMethodCOD,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.ID == "" {
		t.Fatalf("expected an order id")
	}

	result, err := c.Services.Relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Delivered == 0 || len(sink.events) == 0 {
		t.Fatalf("expected the relay to deliver the order events, got %+v", result)
	}
	if !slices.Contains(sink.events, services.EventOrderCreated) {
		t.Fatalf("expected %s to be delivered, got %v", services.EventOrderCreated, sink.events)
	}
}

func TestNewContainerValidatesDependencies(t *testing.T) {
	if _, err := NewContainer(context.Background(), testConfig(), Dependencies{}); err == nil {
		t.Fatalf("expected an error without a registry")
	}
	cfg := testConfig()
	cfg.Restaurant.TimeZone = "Mars/Olympus"
	manager, _ := payments.NewManager([]payments.Gateway{payments.CashGateway{}}, nil)
	_, err := NewContainer(context.Background(), cfg, Dependencies{
		Registry: memory.New(),
		Gateways: manager,
		Sink:     &recordingSink{},
	})
	if err == nil {
		t.Fatalf("expected an error for an unknown time zone")
	}
}
