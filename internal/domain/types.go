package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusReadyForPickup OrderStatus = "ready_for_pickup"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPreparing,
	OrderStatusReadyForPickup,
	OrderStatusOutForDelivery,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Valid reports whether the status is a known value.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// PaymentMethod identifies how the customer pays for an order.
type PaymentMethod string

const (
	PaymentMethodCOD           PaymentMethod = "cod"
	PaymentMethodUPI           PaymentMethod = "upi"
	PaymentMethodDebitCard     PaymentMethod = "debit_card"
	PaymentMethodCreditCard    PaymentMethod = "credit_card"
	PaymentMethodNetBanking    PaymentMethod = "net_banking"
	PaymentMethodDigitalWallet PaymentMethod = "digital_wallet"
)

// PaymentMethods lists supported payment methods.
var PaymentMethods = []PaymentMethod{
	PaymentMethodCOD,
	PaymentMethodUPI,
	PaymentMethodDebitCard,
	PaymentMethodCreditCard,
	PaymentMethodNetBanking,
	PaymentMethodDigitalWallet,
}

// IsOnline reports whether the method settles through a gateway before fulfilment.
func (m PaymentMethod) IsOnline() bool {
	return m != PaymentMethodCOD
}

// Valid reports whether the method is supported.
func (m PaymentMethod) Valid() bool {
	for _, candidate := range PaymentMethods {
		if candidate == m {
			return true
		}
	}
	return false
}

// ProcessingFeePercent returns the gateway processing fee charged for the method.
func (m PaymentMethod) ProcessingFeePercent() decimal.Decimal {
	switch m {
	case PaymentMethodDebitCard:
		return decimal.NewFromInt(1)
	case PaymentMethodNetBanking:
		return decimal.RequireFromString("1.5")
	case PaymentMethodCreditCard:
		return decimal.NewFromInt(2)
	case PaymentMethodDigitalWallet:
		return decimal.RequireFromString("0.5")
	default:
		return decimal.Zero
	}
}

// PaymentStatus tracks settlement of a payment or of an order as a whole.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// DeliveryStatus is the availability of a delivery person.
type DeliveryStatus string

const (
	DeliveryStatusAvailable DeliveryStatus = "available"
	DeliveryStatusBusy      DeliveryStatus = "busy"
	DeliveryStatusOffline   DeliveryStatus = "offline"
)

// TipStatus tracks a tip independently of the order payment.
type TipStatus string

const (
	TipStatusPending   TipStatus = "pending"
	TipStatusCompleted TipStatus = "completed"
	TipStatusFailed    TipStatus = "failed"
)

// Coordinates is a WGS84 latitude/longitude pair in degrees.
type Coordinates struct {
	Lat float64
	Lng float64
}

// Address is a structured delivery address.
type Address struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Landmark   string
	Location   Coordinates
}

// Order is the aggregate root of the ordering flow.
type Order struct {
	ID                    string
	OrderNumber           string
	UserID                string
	Status                OrderStatus
	DeliveryAddress       Address
	DeliveryDistanceKM    decimal.Decimal
	Subtotal              decimal.Decimal
	DeliveryFee           decimal.Decimal
	TaxAmount             decimal.Decimal
	TipAmount             decimal.Decimal
	TotalAmount           decimal.Decimal
	PaymentStatus         PaymentStatus
	PaymentMethod         PaymentMethod
	DeliveryPersonID      *string
	EstimatedDeliveryTime *time.Time
	ActualDeliveryTime    *time.Time
	SpecialInstructions   string
	CancelReason          string
	DispatchAttempts      int
	Items                 []OrderItem
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasDeliveryPerson reports whether a delivery person is assigned.
func (o Order) HasDeliveryPerson() bool {
	return o.DeliveryPersonID != nil && *o.DeliveryPersonID != ""
}

// OrderItem is a priced line of an order. UnitPrice is a snapshot taken at order time.
type OrderItem struct {
	ID             string
	OrderID        string
	MenuItemID     string
	Name           string
	Quantity       int
	UnitPrice      decimal.Decimal
	LineTotal      decimal.Decimal
	Customizations map[string]string
	Instructions   string
}

// MenuCategory groups menu items for display.
type MenuCategory struct {
	ID          string
	Name        string
	Description string
	SortOrder   int
	IsActive    bool
}

// MenuItem is a catalog entry orders take price snapshots from.
type MenuItem struct {
	ID              string
	CategoryID      string
	Name            string
	Description     string
	Price           decimal.Decimal
	ImageURL        string
	IsVegetarian    bool
	IsVegan         bool
	IsGlutenFree    bool
	SpiceLevel      int
	IsAvailable     bool
	Ingredients     []string
	Allergens       []string
	PrepTimeMinutes int
	SortOrder       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Payment is a single settlement attempt for an order.
type Payment struct {
	ID                   string
	OrderID              string
	Method               PaymentMethod
	Gateway              string
	TransactionID        string
	GatewayTransactionID string
	Amount               decimal.Decimal
	RefundedAmount       decimal.Decimal
	Status               PaymentStatus
	GatewayResponse      map[string]any
	ReceiptURL           string
	PaidAt               *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Refundable returns the completed amount that has not yet been refunded.
func (p Payment) Refundable() decimal.Decimal {
	switch p.Status {
	case PaymentStatusCompleted, PaymentStatusPartiallyRefunded:
		remaining := p.Amount.Sub(p.RefundedAmount)
		if remaining.IsNegative() {
			return decimal.Zero
		}
		return remaining
	default:
		return decimal.Zero
	}
}

// TipTransaction is an optional gratuity tied to an order and its delivery person.
type TipTransaction struct {
	ID               string
	OrderID          string
	DeliveryPersonID *string
	Amount           decimal.Decimal
	Status           TipStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeliveryPersonnel describes a rider eligible for dispatch.
type DeliveryPersonnel struct {
	ID                string
	UserID            string
	Name              string
	Phone             string
	VehicleType       string
	VehicleNumber     string
	LicenseNumber     string
	Status            DeliveryStatus
	Location          *Coordinates
	LocationUpdatedAt *time.Time
	Rating            decimal.Decimal
	TotalDeliveries   int
	TotalEarnings     decimal.Decimal
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RecentLocationWindow bounds how old a reported location may be and still be used for dispatch.
const RecentLocationWindow = 10 * time.Minute

// HasRecentLocation reports whether the last reported position is fresh enough to rank by.
func (p DeliveryPersonnel) HasRecentLocation(now time.Time) bool {
	if p.Location == nil || p.LocationUpdatedAt == nil {
		return false
	}
	return now.Sub(*p.LocationUpdatedAt) <= RecentLocationWindow
}

// SystemSetting is a single operational configuration row.
type SystemSetting struct {
	Key         string
	Value       string
	Description string
	UpdatedBy   string
	UpdatedAt   time.Time
}

// OutboxStatus tracks delivery of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusDelivered OutboxStatus = "delivered"
	OutboxStatusDead      OutboxStatus = "dead"
)

// OutboxKind selects the relay handler for an outbox message.
type OutboxKind string

const (
	OutboxKindNotification OutboxKind = "notification"
	OutboxKindRefund       OutboxKind = "refund"
)

// OutboxMessage is a side effect recorded in the same transaction as the state change that caused it.
type OutboxMessage struct {
	ID            string
	Kind          OutboxKind
	AggregateID   string
	EventType     string
	Payload       map[string]any
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
