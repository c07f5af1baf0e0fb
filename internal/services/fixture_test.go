package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories/memory"
)

var (
	fixtureNow      = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	nearbyAddress   = domain.Address{Line1: "12 MG Road", City: "Bengaluru", Location: domain.Coordinates{Lat: 12.9850, Lng: 77.6050}}
	customerActor   = Actor{UserID: "user-1", Role: RoleCustomer}
	adminActor      = Actor{UserID: "admin-1", Role: RoleAdmin}
	defaultCartLine = []CartLine{{MenuItemID: "paneer", Quantity: 2}, {MenuItemID: "dal", Quantity: 1}}
)

type fixture struct {
	t        *testing.T
	store    *memory.Store
	config   *ConfigProvider
	outbox   *OutboxWriter
	orders   OrderService
	dispatch DispatchService
	payments PaymentReconciler
	now      time.Time
	suffixes []string
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	settings map[string]string
	suffixes []string
	gateways ChargeRouter
}

func withSettings(values map[string]string) fixtureOption {
	return func(c *fixtureConfig) { c.settings = values }
}

func withOrderNumberSuffixes(values ...string) fixtureOption {
	return func(c *fixtureConfig) { c.suffixes = values }
}

func withGateways(router ChargeRouter) fixtureOption {
	return func(c *fixtureConfig) { c.gateways = router }
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("id-%05d", n.Add(1))
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &fixture{t: t, now: fixtureNow}
	clock := func() time.Time { return f.now }
	ids := sequentialIDs()
	ctx := context.Background()

	f.store = memory.New(memory.WithClock(clock))
	f.store.Seed(
		[]domain.MenuCategory{{ID: "mains", Name: "Mains", IsActive: true}},
		[]domain.MenuItem{
			{ID: "paneer", CategoryID: "mains", Name: "Paneer Tikka", Price: dec("100.00"), IsAvailable: true},
			{ID: "dal", CategoryID: "mains", Name: "Dal Makhani", Price: dec("50.00"), IsAvailable: true},
			{ID: "biryani", CategoryID: "mains", Name: "Biryani", Price: dec("220.00"), IsAvailable: false},
		},
		nil,
	)

	settings := map[string]string{
		SettingTaxPercentage:    "5",
		SettingDeliveryFee:      "50",
		SettingMinOrderAmount:   "100",
		SettingDeliveryRadiusKM: "10",
	}
	for key, value := range cfg.settings {
		settings[key] = value
	}
	var rows []domain.SystemSetting
	for key, value := range settings {
		rows = append(rows, domain.SystemSetting{Key: key, Value: value})
	}
	if err := f.store.Settings().Upsert(ctx, rows); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	var err error
	f.config, err = NewConfigProvider(ConfigProviderDeps{Settings: f.store.Settings(), Clock: clock})
	if err != nil {
		t.Fatalf("NewConfigProvider: %v", err)
	}
	if err := f.config.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	f.outbox, err = NewOutboxWriter(OutboxWriterDeps{Outbox: f.store.Outbox(), Clock: clock, IDGenerator: ids})
	if err != nil {
		t.Fatalf("NewOutboxWriter: %v", err)
	}

	f.dispatch, err = NewDispatchService(DispatchServiceDeps{
		Orders:     f.store.Orders(),
		Personnel:  f.store.DeliveryPersonnel(),
		UnitOfWork: f.store,
		Config:     f.config,
		Notifier:   f.outbox,
		Restaurant: restaurant,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewDispatchService: %v", err)
	}

	f.suffixes = cfg.suffixes
	var suffix func() string
	if len(f.suffixes) > 0 {
		suffix = func() string {
			next := f.suffixes[0]
			if len(f.suffixes) > 1 {
				f.suffixes = f.suffixes[1:]
			}
			return next
		}
	}
	f.orders, err = NewOrderService(OrderServiceDeps{
		Orders:       f.store.Orders(),
		Payments:     f.store.Payments(),
		Tips:         f.store.Tips(),
		Personnel:    f.store.DeliveryPersonnel(),
		Menu:         f.store.Menu(),
		UnitOfWork:   f.store,
		Config:       f.config,
		Dispatch:     f.dispatch,
		Notifier:     f.outbox,
		Refunds:      f.outbox,
		Restaurant:   restaurant,
		Clock:        clock,
		IDGenerator:  ids,
		NumberSuffix: suffix,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	f.payments, err = NewPaymentReconciler(PaymentReconcilerDeps{
		Orders:      f.store.Orders(),
		Payments:    f.store.Payments(),
		Tips:        f.store.Tips(),
		UnitOfWork:  f.store,
		Lifecycle:   f.orders,
		Gateways:    cfg.gateways,
		Notifier:    f.outbox,
		Refunds:     f.outbox,
		Clock:       clock,
		IDGenerator: ids,
	})
	if err != nil {
		t.Fatalf("NewPaymentReconciler: %v", err)
	}
	return f
}

func (f *fixture) addRider(id string, mutate func(p *domain.DeliveryPersonnel)) domain.DeliveryPersonnel {
	f.t.Helper()
	person := domain.DeliveryPersonnel{
		ID:          id,
		UserID:      "rider-user-" + id,
		Name:        "Rider " + id,
		Phone:       "+9100000000",
		VehicleType: "scooter",
		Status:      domain.DeliveryStatusAvailable,
		Rating:      dec("4.5"),
		IsActive:    true,
	}
	if mutate != nil {
		mutate(&person)
	}
	f.store.Seed(nil, nil, []domain.DeliveryPersonnel{person})
	return person
}

func (f *fixture) rider(id string) domain.DeliveryPersonnel {
	f.t.Helper()
	person, err := f.store.DeliveryPersonnel().FindByID(context.Background(), id)
	if err != nil {
		f.t.Fatalf("find rider %s: %v", id, err)
	}
	return person
}

func (f *fixture) order(id string) domain.Order {
	f.t.Helper()
	order, err := f.store.Orders().FindByID(context.Background(), id)
	if err != nil {
		f.t.Fatalf("find order %s: %v", id, err)
	}
	return order
}

func (f *fixture) place(method domain.PaymentMethod, tip string) domain.Order {
	f.t.Helper()
	cmd := PlaceOrderCommand{
		Actor:           customerActor,
		Items:           defaultCartLine,
		DeliveryAddress: nearbyAddress,
		PaymentMethod:   method,
	}
	if tip != "" {
		cmd.Tip = dec(tip)
	}
	order, err := f.orders.PlaceOrder(context.Background(), cmd)
	if err != nil {
		f.t.Fatalf("PlaceOrder: %v", err)
	}
	return order
}

func (f *fixture) move(orderID string, target domain.OrderStatus, actor Actor) domain.Order {
	f.t.Helper()
	order, err := f.orders.Transition(context.Background(), TransitionCommand{OrderID: orderID, Target: target, Actor: actor})
	if err != nil {
		f.t.Fatalf("Transition to %s: %v", target, err)
	}
	return order
}

// forceStatus writes a status directly, bypassing the state machine.
func (f *fixture) forceStatus(orderID string, status domain.OrderStatus) {
	f.t.Helper()
	order := f.order(orderID)
	order.Status = status
	if err := f.store.Orders().Update(context.Background(), order); err != nil {
		f.t.Fatalf("force status: %v", err)
	}
}

func (f *fixture) events(eventType string) []domain.OutboxMessage {
	var out []domain.OutboxMessage
	for _, msg := range f.store.OutboxMessages() {
		if msg.EventType == eventType {
			out = append(out, msg)
		}
	}
	return out
}

func riderActor(person domain.DeliveryPersonnel) Actor {
	return Actor{UserID: person.UserID, Role: RoleDeliveryPerson}
}
