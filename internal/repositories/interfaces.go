package repositories

import (
	"context"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	Tips() TipRepository
	DeliveryPersonnel() DeliveryPersonnelRepository
	Menu() MenuRepository
	Settings() SettingsRepository
	Outbox() OutboxRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repository calls made with the
// context passed to fn participate in the same transaction; nested RunInTx calls join the outer one.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders and their line items.
type OrderRepository interface {
	// Insert stores the order header and items. A duplicate order number yields a conflict error.
	Insert(ctx context.Context, order domain.Order) error
	// Update writes the mutable header fields of an existing order.
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// LockByID loads the order and holds a row lock until the surrounding transaction ends.
	LockByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ListAwaitingDispatch returns ready orders without a delivery person that have used fewer than maxAttempts
	// dispatch attempts, least recently touched first.
	ListAwaitingDispatch(ctx context.Context, maxAttempts, limit int) ([]domain.Order, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID           string
	DeliveryPersonID string
	Statuses         []domain.OrderStatus
	Pagination       domain.Pagination
}

// PaymentRepository persists payment attempts. TransactionID is unique.
type PaymentRepository interface {
	Append(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	// FindByTransactionID loads the payment and locks it when called inside a transaction.
	FindByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// TipRepository persists the optional tip attached to an order.
type TipRepository interface {
	Insert(ctx context.Context, tip domain.TipTransaction) error
	Update(ctx context.Context, tip domain.TipTransaction) error
	FindByOrder(ctx context.Context, orderID string) (domain.TipTransaction, error)
}

// DeliveryPersonnelMutator mutates a locked delivery personnel record. Returning an error aborts the update.
type DeliveryPersonnelMutator func(person *domain.DeliveryPersonnel) error

// DeliveryPersonnelRepository persists riders and supports the conditional claim used by dispatch.
type DeliveryPersonnelRepository interface {
	Insert(ctx context.Context, person domain.DeliveryPersonnel) error
	FindByID(ctx context.Context, personID string) (domain.DeliveryPersonnel, error)
	FindByUserID(ctx context.Context, userID string) (domain.DeliveryPersonnel, error)
	List(ctx context.Context, activeOnly bool) ([]domain.DeliveryPersonnel, error)
	// ListAvailable returns active personnel whose status is available.
	ListAvailable(ctx context.Context) ([]domain.DeliveryPersonnel, error)
	// Update applies mutate to the locked row and persists the result.
	Update(ctx context.Context, personID string, mutate DeliveryPersonnelMutator) (domain.DeliveryPersonnel, error)
	// Claim atomically flips an active, available person to busy. It reports false when the person was
	// no longer claimable.
	Claim(ctx context.Context, personID string) (bool, error)
	// CompareAndSetStatus changes the status only when it currently equals from.
	CompareAndSetStatus(ctx context.Context, personID string, from, to domain.DeliveryStatus) (bool, error)
}

// MenuRepository reads the catalog.
type MenuRepository interface {
	ListCategories(ctx context.Context) ([]domain.MenuCategory, error)
	ListItems(ctx context.Context, availableOnly bool) ([]domain.MenuItem, error)
	FindItems(ctx context.Context, itemIDs []string) (map[string]domain.MenuItem, error)
}

// SettingsRepository stores operational configuration rows.
type SettingsRepository interface {
	List(ctx context.Context) ([]domain.SystemSetting, error)
	Upsert(ctx context.Context, settings []domain.SystemSetting) error
}

// OutboxRepository stores side effects committed alongside state changes.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg domain.OutboxMessage) error
	// ClaimDue returns up to limit pending messages due at now, pushing their next attempt out by lease so
	// concurrent relays do not pick the same rows.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.OutboxMessage, error)
	MarkDelivered(ctx context.Context, messageID string, deliveredAt time.Time) error
	MarkFailed(ctx context.Context, update OutboxFailure) error
}

// OutboxFailure records a failed delivery attempt.
type OutboxFailure struct {
	MessageID     string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Dead          bool
}

// HealthRepository exposes dependency health information for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
