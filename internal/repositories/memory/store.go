// Package memory is an in-process repository registry. Transactions serialise on a single mutex and roll back
// by restoring a snapshot, which gives serializable semantics for tests and the memory:// development driver.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

// Error categorises failures the same way the postgres driver does.
type Error struct {
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string       { return "memory: " + e.msg }
func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return false }

var _ repositories.RepositoryError = (*Error)(nil)

func notFound(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...), conflict: true}
}

type state struct {
	orders          map[string]domain.Order
	orderNumbers    map[string]string
	payments        map[string]domain.Payment
	paymentByTxn    map[string]string
	tips            map[string]domain.TipTransaction
	personnel       map[string]domain.DeliveryPersonnel
	personnelByUser map[string]string
	categories      map[string]domain.MenuCategory
	items           map[string]domain.MenuItem
	settings        map[string]domain.SystemSetting
	outbox          map[string]domain.OutboxMessage
}

func newState() *state {
	return &state{
		orders:          map[string]domain.Order{},
		orderNumbers:    map[string]string{},
		payments:        map[string]domain.Payment{},
		paymentByTxn:    map[string]string{},
		tips:            map[string]domain.TipTransaction{},
		personnel:       map[string]domain.DeliveryPersonnel{},
		personnelByUser: map[string]string{},
		categories:      map[string]domain.MenuCategory{},
		items:           map[string]domain.MenuItem{},
		settings:        map[string]domain.SystemSetting{},
		outbox:          map[string]domain.OutboxMessage{},
	}
}

// snapshot copies the maps. Entities are stored by value and cloned on every read and write, so a shallow map
// copy is enough to restore on rollback.
func (s *state) snapshot() *state {
	return &state{
		orders:          maps.Clone(s.orders),
		orderNumbers:    maps.Clone(s.orderNumbers),
		payments:        maps.Clone(s.payments),
		paymentByTxn:    maps.Clone(s.paymentByTxn),
		tips:            maps.Clone(s.tips),
		personnel:       maps.Clone(s.personnel),
		personnelByUser: maps.Clone(s.personnelByUser),
		categories:      maps.Clone(s.categories),
		items:           maps.Clone(s.items),
		settings:        maps.Clone(s.settings),
		outbox:          maps.Clone(s.outbox),
	}
}

// Store implements repositories.Registry in memory.
type Store struct {
	mu    sync.Mutex
	data  *state
	clock func() time.Time
}

var _ repositories.Registry = (*Store)(nil)

// Option customises the store.
type Option func(*Store)

// WithClock overrides the clock used for UpdatedAt stamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{data: newState(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type txKey struct{ store *Store }

func (s *Store) inTx(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(txKey{store: s}).(bool)
	return owner
}

// enter takes the store lock unless ctx already holds it through RunInTx.
func (s *Store) enter(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// RunInTx runs fn with exclusive access to the store. Any error restores the state seen on entry.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.data.snapshot()
	err := fn(context.WithValue(ctx, txKey{store: s}, true))
	if err != nil {
		s.data = saved
	}
	return err
}

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// Orders returns the order repository.
func (s *Store) Orders() repositories.OrderRepository { return orderRepository{s} }

// Payments returns the payment repository.
func (s *Store) Payments() repositories.PaymentRepository { return paymentRepository{s} }

// Tips returns the tip repository.
func (s *Store) Tips() repositories.TipRepository { return tipRepository{s} }

// DeliveryPersonnel returns the delivery personnel repository.
func (s *Store) DeliveryPersonnel() repositories.DeliveryPersonnelRepository {
	return personnelRepository{s}
}

// Menu returns the catalog repository.
func (s *Store) Menu() repositories.MenuRepository { return menuRepository{s} }

// Settings returns the settings repository.
func (s *Store) Settings() repositories.SettingsRepository { return settingsRepository{s} }

// Outbox returns the outbox repository.
func (s *Store) Outbox() repositories.OutboxRepository { return outboxRepository{s} }

// Seed loads catalog data and personnel directly, bypassing validation. It is meant for tests and the
// development driver.
func (s *Store) Seed(categories []domain.MenuCategory, items []domain.MenuItem, personnel []domain.DeliveryPersonnel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range categories {
		s.data.categories[c.ID] = c
	}
	for _, item := range items {
		s.data.items[item.ID] = cloneMenuItem(item)
	}
	for _, p := range personnel {
		s.data.personnel[p.ID] = clonePersonnel(p)
		s.data.personnelByUser[p.UserID] = p.ID
	}
}

func cloneOrder(o domain.Order) domain.Order {
	out := o
	out.DeliveryPersonID = cloneString(o.DeliveryPersonID)
	out.EstimatedDeliveryTime = cloneTime(o.EstimatedDeliveryTime)
	out.ActualDeliveryTime = cloneTime(o.ActualDeliveryTime)
	if o.Items != nil {
		out.Items = make([]domain.OrderItem, len(o.Items))
		for i, item := range o.Items {
			item.Customizations = maps.Clone(item.Customizations)
			out.Items[i] = item
		}
	}
	return out
}

func clonePayment(p domain.Payment) domain.Payment {
	out := p
	out.GatewayResponse = maps.Clone(p.GatewayResponse)
	out.PaidAt = cloneTime(p.PaidAt)
	return out
}

func cloneTip(t domain.TipTransaction) domain.TipTransaction {
	out := t
	out.DeliveryPersonID = cloneString(t.DeliveryPersonID)
	return out
}

func clonePersonnel(p domain.DeliveryPersonnel) domain.DeliveryPersonnel {
	out := p
	if p.Location != nil {
		loc := *p.Location
		out.Location = &loc
	}
	out.LocationUpdatedAt = cloneTime(p.LocationUpdatedAt)
	return out
}

func cloneMenuItem(item domain.MenuItem) domain.MenuItem {
	out := item
	out.Ingredients = append([]string(nil), item.Ingredients...)
	out.Allergens = append([]string(nil), item.Allergens...)
	return out
}

func cloneOutbox(m domain.OutboxMessage) domain.OutboxMessage {
	out := m
	out.Payload = maps.Clone(m.Payload)
	out.DeliveredAt = cloneTime(m.DeliveredAt)
	return out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
