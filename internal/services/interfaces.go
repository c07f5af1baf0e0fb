package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

// Role classifies the caller of a service operation.
type Role string

const (
	RoleCustomer       Role = "customer"
	RoleDeliveryPerson Role = "delivery_person"
	RoleAdmin          Role = "admin"
	// RoleSystem is used by webhooks, schedulers and internal callers.
	RoleSystem Role = "system"
)

// Actor identifies who is performing an operation.
type Actor struct {
	UserID string
	Role   Role
}

// SystemActor returns the actor used for internally triggered transitions.
func SystemActor() Actor {
	return Actor{UserID: "system", Role: RoleSystem}
}

// IsStaff reports whether the actor bypasses ownership checks.
func (a Actor) IsStaff() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// OrderListFilter is the repository filter re-exported for handlers.
type OrderListFilter = repositories.OrderListFilter

// OrderService owns the order lifecycle.
type OrderService interface {
	Quote(ctx context.Context, cmd QuoteCommand) (Quote, error)
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string, actor Actor) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter, actor Actor) (domain.CursorPage[domain.Order], error)
	Transition(ctx context.Context, cmd TransitionCommand) (domain.Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
}

// CartLine is one requested menu line.
type CartLine struct {
	MenuItemID     string
	Quantity       int
	Customizations map[string]string
	Instructions   string
}

// QuoteCommand prices a cart without persisting anything.
type QuoteCommand struct {
	Items           []CartLine
	DeliveryAddress domain.Address
	Tip             decimal.Decimal
}

// Quote is the priced cart plus delivery feasibility.
type Quote struct {
	Pricing      domain.PricingResult
	DistanceKM   decimal.Decimal
	WithinRadius bool
	Lines        []domain.OrderItem
	MeetsMinimum bool
	Minimum      decimal.Decimal
}

// PlaceOrderCommand submits a cart for delivery.
type PlaceOrderCommand struct {
	Actor               Actor
	Items               []CartLine
	DeliveryAddress     domain.Address
	PaymentMethod       domain.PaymentMethod
	Tip                 decimal.Decimal
	SpecialInstructions string
}

// TransitionCommand requests a status change.
type TransitionCommand struct {
	OrderID string
	Target  domain.OrderStatus
	Actor   Actor
	Reason  string
}

// CancelOrderCommand cancels an order that has not yet been handed to a rider.
type CancelOrderCommand struct {
	OrderID string
	Actor   Actor
	Reason  string
}

// PaymentReconciler tracks payment attempts and settles or refunds them.
type PaymentReconciler interface {
	RecordAttempt(ctx context.Context, cmd RecordAttemptCommand) (domain.Payment, error)
	InitiateCharge(ctx context.Context, cmd InitiateChargeCommand) (ChargeOutcome, error)
	Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (domain.Payment, error)
	Refund(ctx context.Context, cmd RefundCommand) (domain.Payment, error)
	ListPayments(ctx context.Context, orderID string, actor Actor) ([]domain.Payment, error)
}

// RecordAttemptCommand creates a pending payment keyed by TransactionID.
type RecordAttemptCommand struct {
	OrderID       string
	Method        domain.PaymentMethod
	Amount        decimal.Decimal
	TransactionID string
	Gateway       string
}

// InitiateChargeCommand records an attempt for the order's balance and sends it to the gateway.
type InitiateChargeCommand struct {
	OrderID       string
	TransactionID string
	Actor         Actor
}

// ChargeOutcome is the recorded payment plus anything the client needs to finish paying.
type ChargeOutcome struct {
	Payment      domain.Payment
	ClientSecret string
	RedirectURL  string
}

// PaymentOutcome is the terminal result reported by a gateway.
type PaymentOutcome string

const (
	PaymentOutcomeCompleted PaymentOutcome = "completed"
	PaymentOutcomeFailed    PaymentOutcome = "failed"
)

// ConfirmPaymentCommand settles a pending payment.
type ConfirmPaymentCommand struct {
	TransactionID        string
	Outcome              PaymentOutcome
	GatewayTransactionID string
	ReceiptURL           string
	GatewayResponse      map[string]any
}

// RefundCommand returns part or all of a completed payment.
type RefundCommand struct {
	PaymentID string
	Amount    decimal.Decimal
	Reason    string
	Actor     Actor
}

// DispatchService selects and assigns delivery personnel.
type DispatchService interface {
	Select(ctx context.Context, order domain.Order) (*domain.DeliveryPersonnel, error)
	DispatchOrder(ctx context.Context, orderID string) (DispatchResult, error)
	DispatchPending(ctx context.Context, limit int) ([]DispatchResult, error)
	AssignManually(ctx context.Context, cmd AssignCommand) (domain.Order, error)
}

// DispatchResult reports the outcome of one dispatch attempt.
type DispatchResult struct {
	OrderID          string
	DeliveryPersonID string
	Attempts         int
	Err              error
}

// Assigned reports whether a person was claimed.
func (r DispatchResult) Assigned() bool {
	return r.DeliveryPersonID != "" && r.Err == nil
}

// AssignCommand assigns a specific person to an order.
type AssignCommand struct {
	OrderID  string
	PersonID string
	Actor    Actor
}

// PersonnelService manages delivery personnel records and their self-service updates.
type PersonnelService interface {
	Register(ctx context.Context, cmd RegisterPersonnelCommand) (domain.DeliveryPersonnel, error)
	List(ctx context.Context, activeOnly bool) ([]domain.DeliveryPersonnel, error)
	SetActive(ctx context.Context, personID string, active bool) (domain.DeliveryPersonnel, error)
	Me(ctx context.Context, userID string) (domain.DeliveryPersonnel, error)
	UpdateLocation(ctx context.Context, userID string, location domain.Coordinates) (domain.DeliveryPersonnel, error)
	SetAvailability(ctx context.Context, userID string, status domain.DeliveryStatus) (domain.DeliveryPersonnel, error)
}

// RegisterPersonnelCommand creates a delivery personnel record for an existing user.
type RegisterPersonnelCommand struct {
	UserID        string
	Name          string
	Phone         string
	VehicleType   string
	VehicleNumber string
	LicenseNumber string
}

// MenuService reads the public catalog.
type MenuService interface {
	Menu(ctx context.Context) (Menu, error)
}

// Menu groups available items under their categories.
type Menu struct {
	Categories []MenuSection
}

// MenuSection is one category with its items.
type MenuSection struct {
	Category domain.MenuCategory
	Items    []domain.MenuItem
}

// SettingsService lets administrators edit operational configuration.
type SettingsService interface {
	List(ctx context.Context) ([]domain.SystemSetting, error)
	Update(ctx context.Context, cmd UpdateSettingsCommand) ([]domain.SystemSetting, error)
}

// UpdateSettingsCommand upserts settings values.
type UpdateSettingsCommand struct {
	Values map[string]string
	Actor  Actor
}

// OutboxRelay delivers committed side effects.
type OutboxRelay interface {
	Drain(ctx context.Context) (DrainResult, error)
	Run(ctx context.Context, interval time.Duration)
}

// DrainResult summarises one relay pass.
type DrainResult struct {
	Claimed   int
	Delivered int
	Retried   int
	Dead      int
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// SystemHealthReport is the domain health report re-exported for handlers.
type SystemHealthReport = domain.SystemHealthReport
