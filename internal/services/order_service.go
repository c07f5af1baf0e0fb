package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/pagination"
	"github.com/Antinna/HTTP-3/internal/platform/textutil"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

const (
	orderNumberAttempts    = 3
	maxInstructionRunes    = 500
	maxCancelReasonRunes   = 280
	maxAddressFieldRunes   = 200
	maxItemsPerOrder       = 50
	maxQuantityPerLine     = 99
	orderNumberDateLayout  = "20060102"
	tracerName             = "github.com/Antinna/HTTP-3/internal/services"
	paymentGatewayCashName = "cod"
)

// DispatchSelector picks and claims a delivery person for an order.
type DispatchSelector interface {
	Select(ctx context.Context, order domain.Order) (*domain.DeliveryPersonnel, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Payments   repositories.PaymentRepository
	Tips       repositories.TipRepository
	Personnel  repositories.DeliveryPersonnelRepository
	Menu       repositories.MenuRepository
	UnitOfWork repositories.UnitOfWork
	Config     *ConfigProvider
	Dispatch   DispatchSelector
	Notifier   Notifier
	Refunds    RefundQueue
	// Restaurant is the pickup point every distance is measured from.
	Restaurant domain.Coordinates
	// Location is the restaurant time zone used for opening hours and order numbers.
	Location    *time.Location
	Clock       func() time.Time
	IDGenerator func() string
	// NumberSuffix returns the random part of an order number.
	NumberSuffix func() string
	Tracer       trace.Tracer
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	tips       repositories.TipRepository
	personnel  repositories.DeliveryPersonnelRepository
	menu       repositories.MenuRepository
	unitOfWork repositories.UnitOfWork
	config     *ConfigProvider
	dispatch   DispatchSelector
	notifier   Notifier
	ledger     refundLedger
	restaurant domain.Coordinates
	location   *time.Location
	clock      func() time.Time
	newID      func() string
	suffix     func() string
	tracer     trace.Tracer
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment repository is required")
	}
	if deps.Tips == nil {
		return nil, errors.New("order service: tip repository is required")
	}
	if deps.Personnel == nil {
		return nil, errors.New("order service: delivery personnel repository is required")
	}
	if deps.Menu == nil {
		return nil, errors.New("order service: menu repository is required")
	}
	if deps.Config == nil {
		return nil, errors.New("order service: config provider is required")
	}
	if deps.Dispatch == nil {
		return nil, errors.New("order service: dispatch selector is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("order service: notifier is required")
	}
	if err := validateCoordinates(deps.Restaurant); err != nil {
		return nil, fmt.Errorf("order service: restaurant location: %w", err)
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	suffix := deps.NumberSuffix
	if suffix == nil {
		suffix = func() string {
			return fmt.Sprintf("%06d", rand.IntN(1_000_000))
		}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	utc := func() time.Time {
		return clock().UTC()
	}
	return &orderService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		tips:       deps.Tips,
		personnel:  deps.Personnel,
		menu:       deps.Menu,
		unitOfWork: unit,
		config:     deps.Config,
		dispatch:   deps.Dispatch,
		notifier:   deps.Notifier,
		ledger: refundLedger{
			payments: deps.Payments,
			queue:    deps.Refunds,
			notifier: deps.Notifier,
			clock:    utc,
		},
		restaurant: deps.Restaurant,
		location:   location,
		clock:      utc,
		newID:      idGen,
		suffix:     suffix,
		tracer:     tracer,
		logger:     logger,
	}, nil
}

func (s *orderService) Quote(ctx context.Context, cmd QuoteCommand) (Quote, error) {
	return s.quote(ctx, s.config.Current(), cmd)
}

func (s *orderService) quote(ctx context.Context, settings *Settings, cmd QuoteCommand) (Quote, error) {
	if err := validateCartLines(cmd.Items); err != nil {
		return Quote{}, err
	}
	if isZeroCoordinates(cmd.DeliveryAddress.Location) {
		return Quote{}, validationError("delivery address coordinates are required")
	}
	if cmd.Tip.IsNegative() {
		return Quote{}, validationError("tip must not be negative")
	}

	ids := make([]string, 0, len(cmd.Items))
	for _, line := range cmd.Items {
		ids = append(ids, line.MenuItemID)
	}
	catalog, err := s.menu.FindItems(ctx, ids)
	if err != nil {
		return Quote{}, mapRepositoryError(err)
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	pricing := make([]domain.PricingLine, 0, len(cmd.Items))
	for _, line := range cmd.Items {
		menuItem, ok := catalog[line.MenuItemID]
		if !ok {
			return Quote{}, validationError("menu item %s does not exist", line.MenuItemID)
		}
		if !menuItem.IsAvailable {
			return Quote{}, validationError("menu item %s is not available", menuItem.Name)
		}
		items = append(items, domain.OrderItem{
			MenuItemID:     menuItem.ID,
			Name:           menuItem.Name,
			Quantity:       line.Quantity,
			UnitPrice:      menuItem.Price,
			LineTotal:      LineTotal(menuItem.Price, line.Quantity).Round(moneyScale),
			Customizations: textutil.NormalizeCustomizations(line.Customizations),
			Instructions:   textutil.SanitizePlainText(line.Instructions, maxInstructionRunes),
		})
		pricing = append(pricing, domain.PricingLine{UnitPrice: menuItem.Price, Quantity: line.Quantity})
	}

	distance, err := EstimateDistance(s.restaurant, cmd.DeliveryAddress.Location, settings.DeliveryRadiusKM)
	if err != nil {
		return Quote{}, err
	}
	priced, err := CalculatePrice(pricing, settings.TaxPercent, settings.DeliveryFee, cmd.Tip)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Pricing:      priced,
		DistanceKM:   distance.KM,
		WithinRadius: distance.WithinRadius,
		Lines:        items,
		MeetsMinimum: priced.Subtotal.GreaterThanOrEqual(settings.MinOrderAmount),
		Minimum:      settings.MinOrderAmount,
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.PlaceOrder")
	defer span.End()

	order, err := s.placeOrder(ctx, cmd)
	if err != nil {
		recordSpanError(span, err)
		return domain.Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.number", order.OrderNumber))
	return order, nil
}

func (s *orderService) placeOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error) {
	userID := strings.TrimSpace(cmd.Actor.UserID)
	if userID == "" {
		return domain.Order{}, validationError("customer id is required")
	}
	if !cmd.PaymentMethod.Valid() {
		return domain.Order{}, validationError("unsupported payment method %q", cmd.PaymentMethod)
	}
	address, err := sanitizeAddress(cmd.DeliveryAddress)
	if err != nil {
		return domain.Order{}, err
	}

	settings := s.config.Current()
	now := s.clock()
	if !settings.AcceptingOrders {
		return domain.Order{}, validationError("the restaurant is not accepting orders")
	}
	if !settings.IsOpen(now.In(s.location)) {
		return domain.Order{}, validationError("the restaurant is closed")
	}

	var placed domain.Order
	for attempt := 1; attempt <= orderNumberAttempts; attempt++ {
		number := s.orderNumber(now)
		err = s.runInTx(ctx, func(txCtx context.Context) error {
			quote, err := s.quote(txCtx, settings, QuoteCommand{Items: cmd.Items, DeliveryAddress: address, Tip: cmd.Tip})
			if err != nil {
				return err
			}
			if !quote.WithinRadius {
				return validationError("delivery address is %s km away, outside the %s km radius", quote.DistanceKM.String(), settings.DeliveryRadiusKM.String())
			}
			if !quote.MeetsMinimum {
				return validationError("subtotal %s is below the minimum order amount %s", quote.Pricing.Subtotal.StringFixed(moneyScale), quote.Minimum.StringFixed(moneyScale))
			}

			order := s.buildOrder(userID, number, address, cmd, quote, now)
			if err := s.orders.Insert(txCtx, order); err != nil {
				return mapRepositoryError(err)
			}
			if err := s.recordPlacementRows(txCtx, order, now); err != nil {
				return err
			}
			if err := s.notifier.Notify(txCtx, order.ID, EventOrderCreated, orderPayload(order, "")); err != nil {
				return err
			}
			placed = order
			return nil
		})
		if err == nil {
			return placed, nil
		}
		if !errors.Is(err, ErrConflict) {
			return domain.Order{}, err
		}
		s.logger(ctx, "order.number.collision", map[string]any{
			"orderNumber": number,
			"attempt":     attempt,
		})
	}
	return domain.Order{}, fmt.Errorf("%w: could not allocate a unique order number after %d attempts", ErrExhaustedRetry, orderNumberAttempts)
}

func (s *orderService) buildOrder(userID, number string, address domain.Address, cmd PlaceOrderCommand, quote Quote, now time.Time) domain.Order {
	orderID := s.newID()
	items := make([]domain.OrderItem, len(quote.Lines))
	for i, line := range quote.Lines {
		line.ID = s.newID()
		line.OrderID = orderID
		items[i] = line
	}
	return domain.Order{
		ID:                  orderID,
		OrderNumber:         number,
		UserID:              userID,
		Status:              domain.OrderStatusPending,
		DeliveryAddress:     address,
		DeliveryDistanceKM:  quote.DistanceKM,
		Subtotal:            quote.Pricing.Subtotal,
		DeliveryFee:         quote.Pricing.DeliveryFee,
		TaxAmount:           quote.Pricing.TaxAmount,
		TipAmount:           quote.Pricing.TipAmount,
		TotalAmount:         quote.Pricing.TotalAmount,
		PaymentStatus:       domain.PaymentStatusPending,
		PaymentMethod:       cmd.PaymentMethod,
		SpecialInstructions: textutil.SanitizePlainText(cmd.SpecialInstructions, maxInstructionRunes),
		Items:               items,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// recordPlacementRows writes the pending tip and, for cash orders, the pending cash payment collected at the door.
func (s *orderService) recordPlacementRows(ctx context.Context, order domain.Order, now time.Time) error {
	if order.TipAmount.IsPositive() {
		tip := domain.TipTransaction{
			ID:        s.newID(),
			OrderID:   order.ID,
			Amount:    order.TipAmount,
			Status:    domain.TipStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.tips.Insert(ctx, tip); err != nil {
			return mapRepositoryError(err)
		}
	}
	if order.PaymentMethod.IsOnline() {
		return nil
	}
	payment := domain.Payment{
		ID:             s.newID(),
		OrderID:        order.ID,
		Method:         domain.PaymentMethodCOD,
		Gateway:        paymentGatewayCashName,
		TransactionID:  "cod-" + order.ID,
		Amount:         order.TotalAmount,
		RefundedAmount: decimal.Zero,
		Status:         domain.PaymentStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.Append(ctx, payment); err != nil {
		return mapRepositoryError(err)
	}
	return nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, actor Actor) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, validationError("order id is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	if err := s.authorizeView(ctx, order, actor); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter, actor Actor) (domain.CursorPage[domain.Order], error) {
	switch actor.Role {
	case RoleCustomer:
		if actor.UserID == "" {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: customer id is required", ErrForbidden)
		}
		filter.UserID = actor.UserID
		filter.DeliveryPersonID = ""
	case RoleDeliveryPerson:
		person, err := s.personnel.FindByUserID(ctx, actor.UserID)
		if err != nil {
			if isRepoNotFound(err) {
				return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: no delivery profile for user", ErrForbidden)
			}
			return domain.CursorPage[domain.Order]{}, mapRepositoryError(err)
		}
		filter.UserID = ""
		filter.DeliveryPersonID = person.ID
	case RoleAdmin, RoleSystem:
	default:
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: unknown role %q", ErrForbidden, actor.Role)
	}
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return domain.CursorPage[domain.Order]{}, validationError("unknown order status %q", status)
		}
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[domain.Order]{}, validationError("invalid page token")
		}
		return domain.CursorPage[domain.Order]{}, mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) Transition(ctx context.Context, cmd TransitionCommand) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.Transition", trace.WithAttributes(
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.target", string(cmd.Target)),
	))
	defer span.End()

	if cmd.Target == domain.OrderStatusCancelled {
		order, err := s.cancel(ctx, CancelOrderCommand{OrderID: cmd.OrderID, Actor: cmd.Actor, Reason: cmd.Reason})
		if err != nil {
			recordSpanError(span, err)
		}
		return order, err
	}

	order, err := s.transition(ctx, cmd)
	if err != nil {
		recordSpanError(span, err)
		return domain.Order{}, err
	}
	return order, nil
}

func (s *orderService) transition(ctx context.Context, cmd TransitionCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, validationError("order id is required")
	}
	if !cmd.Target.Valid() {
		return domain.Order{}, validationError("unknown order status %q", cmd.Target)
	}

	var result domain.Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if !canTransition(order.Status, cmd.Target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, cmd.Target)
		}
		if err := s.authorizeTransition(txCtx, order, cmd.Target, cmd.Actor); err != nil {
			return err
		}

		previous := order.Status
		now := s.clock()
		switch cmd.Target {
		case domain.OrderStatusConfirmed:
			err = s.confirmEffects(order)
		case domain.OrderStatusReadyForPickup:
			err = s.readyEffects(txCtx, &order, now)
		case domain.OrderStatusOutForDelivery:
			err = s.pickupEffects(txCtx, order)
		case domain.OrderStatusDelivered:
			err = s.deliveredEffects(txCtx, &order, now)
		}
		if err != nil {
			return err
		}

		order.Status = cmd.Target
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err)
		}
		payload := orderPayload(order, previous)
		payload["actorRole"] = string(cmd.Actor.Role)
		if err := s.notifier.Notify(txCtx, order.ID, EventOrderStatusChanged, payload); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.logger(ctx, "order.status.changed", map[string]any{
		"orderID": result.ID,
		"status":  string(result.Status),
		"actor":   cmd.Actor.UserID,
	})
	return result, nil
}

func (s *orderService) confirmEffects(order domain.Order) error {
	switch {
	case order.PaymentMethod == domain.PaymentMethodCOD:
		if order.PaymentStatus == domain.PaymentStatusPending || order.PaymentStatus == domain.PaymentStatusCompleted {
			return nil
		}
	case order.PaymentStatus == domain.PaymentStatusCompleted:
		return nil
	}
	return fmt.Errorf("%w: payment status %s does not allow confirmation", ErrInvalidTransition, order.PaymentStatus)
}

func (s *orderService) readyEffects(ctx context.Context, order *domain.Order, now time.Time) error {
	settings := s.config.Current()
	eta := now.Add(settings.AvgPrepTime + TravelTime(order.DeliveryDistanceKM, settings.RiderSpeedKMH))
	order.EstimatedDeliveryTime = &eta

	// An earlier manual assignment is kept.
	if order.HasDeliveryPerson() {
		return nil
	}
	person, err := s.dispatch.Select(ctx, *order)
	if err != nil {
		return err
	}
	if person == nil {
		order.DispatchAttempts++
		return s.notifier.Notify(ctx, order.ID, EventDispatchPending, map[string]any{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
			"attempts":    order.DispatchAttempts,
		})
	}
	personID := person.ID
	order.DeliveryPersonID = &personID
	return s.notifier.Notify(ctx, order.ID, EventDispatchAssigned, map[string]any{
		"orderId":          order.ID,
		"orderNumber":      order.OrderNumber,
		"deliveryPersonId": personID,
		"manual":           false,
	})
}

func (s *orderService) pickupEffects(ctx context.Context, order domain.Order) error {
	if !order.HasDeliveryPerson() {
		return fmt.Errorf("%w: no delivery person is assigned", ErrInvalidTransition)
	}
	personID := *order.DeliveryPersonID
	flipped, err := s.personnel.CompareAndSetStatus(ctx, personID, domain.DeliveryStatusAvailable, domain.DeliveryStatusBusy)
	if err != nil {
		return mapRepositoryError(err)
	}
	if flipped {
		return nil
	}
	person, err := s.personnel.FindByID(ctx, personID)
	if err != nil {
		return mapRepositoryError(err)
	}
	if person.Status != domain.DeliveryStatusBusy {
		return fmt.Errorf("%w: delivery person is %s", ErrConflict, person.Status)
	}
	return nil
}

func (s *orderService) deliveredEffects(ctx context.Context, order *domain.Order, now time.Time) error {
	if !order.HasDeliveryPerson() {
		return fmt.Errorf("%w: no delivery person is assigned", ErrInvalidTransition)
	}
	personID := *order.DeliveryPersonID
	delivered := now
	order.ActualDeliveryTime = &delivered

	if order.PaymentMethod == domain.PaymentMethodCOD {
		if err := s.settleCashPayment(ctx, order, now); err != nil {
			return err
		}
	}
	tipCredit, err := s.settleTip(ctx, *order, personID, now)
	if err != nil {
		return err
	}

	share := s.config.Current().RiderFeeSharePercent
	earning := order.DeliveryFee.Mul(share).Div(hundred).Add(tipCredit).Round(moneyScale)
	_, err = s.personnel.Update(ctx, personID, func(person *domain.DeliveryPersonnel) error {
		person.Status = domain.DeliveryStatusAvailable
		person.TotalDeliveries++
		person.TotalEarnings = person.TotalEarnings.Add(earning)
		return nil
	})
	if err != nil {
		return mapRepositoryError(err)
	}
	return nil
}

func (s *orderService) settleCashPayment(ctx context.Context, order *domain.Order, now time.Time) error {
	payments, err := s.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return mapRepositoryError(err)
	}
	for _, payment := range payments {
		if payment.Method != domain.PaymentMethodCOD || payment.Status != domain.PaymentStatusPending {
			continue
		}
		locked, err := s.payments.FindByTransactionID(ctx, payment.TransactionID)
		if err != nil {
			return mapRepositoryError(err)
		}
		paidAt := now
		locked.Status = domain.PaymentStatusCompleted
		locked.PaidAt = &paidAt
		locked.UpdatedAt = now
		if err := s.payments.Update(ctx, locked); err != nil {
			return mapRepositoryError(err)
		}
		err = s.notifier.Notify(ctx, order.ID, EventPaymentCompleted, map[string]any{
			"orderId":   order.ID,
			"paymentId": locked.ID,
			"method":    string(locked.Method),
			"amount":    locked.Amount.StringFixed(moneyScale),
		})
		if err != nil {
			return err
		}
	}
	order.PaymentStatus = domain.PaymentStatusCompleted
	return nil
}

// settleTip completes a pending cash tip and returns the completed amount owed to the rider.
func (s *orderService) settleTip(ctx context.Context, order domain.Order, personID string, now time.Time) (decimal.Decimal, error) {
	tip, err := s.tips.FindByOrder(ctx, order.ID)
	if err != nil {
		if isRepoNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, mapRepositoryError(err)
	}
	if tip.Status == domain.TipStatusPending && order.PaymentMethod == domain.PaymentMethodCOD {
		tip.Status = domain.TipStatusCompleted
	}
	tip.DeliveryPersonID = &personID
	tip.UpdatedAt = now
	if err := s.tips.Update(ctx, tip); err != nil {
		return decimal.Zero, mapRepositoryError(err)
	}
	if tip.Status != domain.TipStatusCompleted {
		return decimal.Zero, nil
	}
	return tip.Amount, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "orders.Cancel", trace.WithAttributes(attribute.String("order.id", cmd.OrderID)))
	defer span.End()

	order, err := s.cancel(ctx, cmd)
	if err != nil {
		recordSpanError(span, err)
		return domain.Order{}, err
	}
	return order, nil
}

func (s *orderService) cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, validationError("order id is required")
	}
	reason := textutil.SanitizePlainText(cmd.Reason, maxCancelReasonRunes)

	var result domain.Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if err := s.authorizeCancel(order, cmd.Actor); err != nil {
			return err
		}
		if !CanCancel(order.Status) {
			return fmt.Errorf("%w: %s orders cannot be cancelled", ErrInvalidTransition, order.Status)
		}

		previous := order.Status
		now := s.clock()
		if order.HasDeliveryPerson() {
			if _, err := s.personnel.CompareAndSetStatus(txCtx, *order.DeliveryPersonID, domain.DeliveryStatusBusy, domain.DeliveryStatusAvailable); err != nil {
				return mapRepositoryError(err)
			}
		}
		if err := s.unwindPayments(txCtx, &order, now); err != nil {
			return err
		}
		if err := s.failPendingTip(txCtx, order.ID, now); err != nil {
			return err
		}

		order.Status = domain.OrderStatusCancelled
		order.CancelReason = reason
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err)
		}
		payload := orderPayload(order, previous)
		payload["reason"] = reason
		payload["actorRole"] = string(cmd.Actor.Role)
		if err := s.notifier.Notify(txCtx, order.ID, EventOrderCancelled, payload); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.logger(ctx, "order.cancelled", map[string]any{
		"orderID": result.ID,
		"actor":   cmd.Actor.UserID,
	})
	return result, nil
}

// unwindPayments refunds settled payments in full and voids the pending cash payment.
func (s *orderService) unwindPayments(ctx context.Context, order *domain.Order, now time.Time) error {
	payments, err := s.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return mapRepositoryError(err)
	}
	for i, payment := range payments {
		switch {
		case payment.Refundable().IsPositive():
			locked, err := s.payments.FindByTransactionID(ctx, payment.TransactionID)
			if err != nil {
				return mapRepositoryError(err)
			}
			updated, err := s.ledger.refund(ctx, locked, locked.Refundable(), "order_cancelled")
			if err != nil {
				return err
			}
			payments[i] = updated
		case payment.Method == domain.PaymentMethodCOD && payment.Status == domain.PaymentStatusPending:
			payment.Status = domain.PaymentStatusFailed
			payment.UpdatedAt = now
			if err := s.payments.Update(ctx, payment); err != nil {
				return mapRepositoryError(err)
			}
			payments[i] = payment
		}
	}
	order.PaymentStatus = summarisePaymentStatus(*order, payments)
	return nil
}

func (s *orderService) failPendingTip(ctx context.Context, orderID string, now time.Time) error {
	tip, err := s.tips.FindByOrder(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return mapRepositoryError(err)
	}
	if tip.Status != domain.TipStatusPending {
		return nil
	}
	tip.Status = domain.TipStatusFailed
	tip.UpdatedAt = now
	if err := s.tips.Update(ctx, tip); err != nil {
		return mapRepositoryError(err)
	}
	return nil
}

func (s *orderService) authorizeView(ctx context.Context, order domain.Order, actor Actor) error {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return nil
	case RoleCustomer:
		if actor.UserID != "" && order.UserID == actor.UserID {
			return nil
		}
	case RoleDeliveryPerson:
		if ok, err := s.isAssignee(ctx, order, actor); err != nil || ok {
			return err
		}
	}
	return fmt.Errorf("%w: order %s is not visible to caller", ErrForbidden, order.ID)
}

func (s *orderService) authorizeTransition(ctx context.Context, order domain.Order, target domain.OrderStatus, actor Actor) error {
	if actor.IsStaff() {
		return nil
	}
	if actor.Role == RoleDeliveryPerson && (target == domain.OrderStatusOutForDelivery || target == domain.OrderStatusDelivered) {
		ok, err := s.isAssignee(ctx, order, actor)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		return fmt.Errorf("%w: only the assigned delivery person may do this", ErrForbidden)
	}
	return fmt.Errorf("%w: role %q may not move orders to %s", ErrForbidden, actor.Role, target)
}

func (s *orderService) authorizeCancel(order domain.Order, actor Actor) error {
	if actor.IsStaff() {
		return nil
	}
	if actor.Role == RoleCustomer && actor.UserID != "" && order.UserID == actor.UserID {
		return nil
	}
	return fmt.Errorf("%w: caller may not cancel order %s", ErrForbidden, order.ID)
}

func (s *orderService) isAssignee(ctx context.Context, order domain.Order, actor Actor) (bool, error) {
	if !order.HasDeliveryPerson() || actor.UserID == "" {
		return false, nil
	}
	person, err := s.personnel.FindByUserID(ctx, actor.UserID)
	if err != nil {
		if isRepoNotFound(err) {
			return false, nil
		}
		return false, mapRepositoryError(err)
	}
	return person.ID == *order.DeliveryPersonID, nil
}

func (s *orderService) orderNumber(now time.Time) string {
	return "ORD-" + now.In(s.location).Format(orderNumberDateLayout) + "-" + s.suffix()
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func validateCartLines(lines []CartLine) error {
	if len(lines) == 0 {
		return validationError("at least one item is required")
	}
	if len(lines) > maxItemsPerOrder {
		return validationError("at most %d lines are allowed", maxItemsPerOrder)
	}
	for i, line := range lines {
		if strings.TrimSpace(line.MenuItemID) == "" {
			return validationError("line %d: menu item id is required", i)
		}
		if line.Quantity < 1 || line.Quantity > maxQuantityPerLine {
			return validationError("line %d: quantity must be between 1 and %d", i, maxQuantityPerLine)
		}
	}
	return nil
}

func sanitizeAddress(address domain.Address) (domain.Address, error) {
	address.Line1 = textutil.SanitizePlainText(address.Line1, maxAddressFieldRunes)
	address.Line2 = textutil.SanitizePlainText(address.Line2, maxAddressFieldRunes)
	address.City = textutil.SanitizePlainText(address.City, maxAddressFieldRunes)
	address.State = textutil.SanitizePlainText(address.State, maxAddressFieldRunes)
	address.PostalCode = textutil.SanitizePlainText(address.PostalCode, 20)
	address.Landmark = textutil.SanitizePlainText(address.Landmark, maxAddressFieldRunes)
	if address.Line1 == "" {
		return domain.Address{}, validationError("delivery address line1 is required")
	}
	if isZeroCoordinates(address.Location) {
		return domain.Address{}, validationError("delivery address coordinates are required")
	}
	if err := validateCoordinates(address.Location); err != nil {
		return domain.Address{}, err
	}
	return address, nil
}

func isZeroCoordinates(c domain.Coordinates) bool {
	return c.Lat == 0 && c.Lng == 0
}

func orderPayload(order domain.Order, previous domain.OrderStatus) map[string]any {
	payload := map[string]any{
		"orderId":       order.ID,
		"orderNumber":   order.OrderNumber,
		"userId":        order.UserID,
		"status":        string(order.Status),
		"paymentStatus": string(order.PaymentStatus),
		"paymentMethod": string(order.PaymentMethod),
		"total":         order.TotalAmount.StringFixed(moneyScale),
		"totalDisplay":  textutil.FormatAmount(order.TotalAmount, textutil.DefaultCurrency, language.Und),
	}
	if previous != "" {
		payload["previousStatus"] = string(previous)
	}
	if order.HasDeliveryPerson() {
		payload["deliveryPersonId"] = *order.DeliveryPersonID
	}
	if order.EstimatedDeliveryTime != nil {
		payload["estimatedDeliveryTime"] = order.EstimatedDeliveryTime.UTC().Format(time.RFC3339)
	}
	if order.ActualDeliveryTime != nil {
		payload["actualDeliveryTime"] = order.ActualDeliveryTime.UTC().Format(time.RFC3339)
	}
	return payload
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
