package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

const defaultDispatchBatch = 20

// DispatchServiceDeps bundles collaborators required by the dispatcher.
type DispatchServiceDeps struct {
	Orders     repositories.OrderRepository
	Personnel  repositories.DeliveryPersonnelRepository
	UnitOfWork repositories.UnitOfWork
	Config     *ConfigProvider
	Notifier   Notifier
	Restaurant domain.Coordinates
	Clock      func() time.Time
	Tracer     trace.Tracer
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type dispatchService struct {
	orders     repositories.OrderRepository
	personnel  repositories.DeliveryPersonnelRepository
	unitOfWork repositories.UnitOfWork
	config     *ConfigProvider
	notifier   Notifier
	restaurant domain.Coordinates
	clock      func() time.Time
	tracer     trace.Tracer
	logger     func(context.Context, string, map[string]any)
}

// NewDispatchService constructs the dispatcher. The returned value also satisfies DispatchSelector.
func NewDispatchService(deps DispatchServiceDeps) (DispatchService, error) {
	if deps.Orders == nil {
		return nil, errors.New("dispatch service: order repository is required")
	}
	if deps.Personnel == nil {
		return nil, errors.New("dispatch service: delivery personnel repository is required")
	}
	if deps.Config == nil {
		return nil, errors.New("dispatch service: config provider is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("dispatch service: notifier is required")
	}
	if err := validateCoordinates(deps.Restaurant); err != nil {
		return nil, fmt.Errorf("dispatch service: restaurant location: %w", err)
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &dispatchService{
		orders:     deps.Orders,
		personnel:  deps.Personnel,
		unitOfWork: unit,
		config:     deps.Config,
		notifier:   deps.Notifier,
		restaurant: deps.Restaurant,
		clock: func() time.Time {
			return clock().UTC()
		},
		tracer: tracer,
		logger: logger,
	}, nil
}

type rankedCandidate struct {
	person   domain.DeliveryPersonnel
	distance float64
}

// Select claims the best available person for order, or returns nil when nobody could be claimed.
func (s *dispatchService) Select(ctx context.Context, order domain.Order) (*domain.DeliveryPersonnel, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.Select", trace.WithAttributes(attribute.String("order.id", order.ID)))
	defer span.End()

	candidates, err := s.personnel.ListAvailable(ctx)
	if err != nil {
		err = mapRepositoryError(err)
		recordSpanError(span, err)
		return nil, err
	}
	ranked := rankCandidates(candidates, s.restaurant, s.clock())
	span.SetAttributes(attribute.Int("dispatch.candidates", len(ranked)))

	for _, candidate := range ranked {
		claimed, err := s.personnel.Claim(ctx, candidate.person.ID)
		if err != nil {
			if isRepoNotFound(err) {
				continue
			}
			err = mapRepositoryError(err)
			recordSpanError(span, err)
			return nil, err
		}
		if !claimed {
			s.logger(ctx, "dispatch.claim.lost", map[string]any{
				"orderID":  order.ID,
				"personID": candidate.person.ID,
			})
			continue
		}
		person := candidate.person
		person.Status = domain.DeliveryStatusBusy
		span.SetAttributes(attribute.String("dispatch.person_id", person.ID))
		return &person, nil
	}
	return nil, nil
}

// rankCandidates orders active, available people by distance to the restaurant, then rating, then fewest
// deliveries. People without a fresh location are treated as already at the restaurant.
func rankCandidates(people []domain.DeliveryPersonnel, restaurant domain.Coordinates, now time.Time) []rankedCandidate {
	ranked := make([]rankedCandidate, 0, len(people))
	for _, person := range people {
		if !person.IsActive || person.Status != domain.DeliveryStatusAvailable {
			continue
		}
		var dist float64
		if person.HasRecentLocation(now) {
			dist = haversineKM(*person.Location, restaurant)
		}
		ranked = append(ranked, rankedCandidate{person: person, distance: roundKM(dist)})
	}
	slices.SortStableFunc(ranked, func(a, b rankedCandidate) int {
		switch {
		case a.distance < b.distance:
			return -1
		case a.distance > b.distance:
			return 1
		}
		if c := b.person.Rating.Cmp(a.person.Rating); c != 0 {
			return c
		}
		if a.person.TotalDeliveries != b.person.TotalDeliveries {
			return a.person.TotalDeliveries - b.person.TotalDeliveries
		}
		return strings.Compare(a.person.ID, b.person.ID)
	})
	return ranked
}

func roundKM(km float64) float64 {
	return decimal.NewFromFloat(km).Round(distancePrecisionScale).InexactFloat64()
}

func (s *dispatchService) DispatchOrder(ctx context.Context, orderID string) (DispatchResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return DispatchResult{}, validationError("order id is required")
	}
	maxAttempts := s.config.Current().DispatchMaxAttempts

	result := DispatchResult{OrderID: orderID}
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if order.Status != domain.OrderStatusReadyForPickup {
			return fmt.Errorf("%w: order is %s, dispatch needs %s", ErrInvalidTransition, order.Status, domain.OrderStatusReadyForPickup)
		}
		result.Attempts = order.DispatchAttempts
		if order.HasDeliveryPerson() {
			result.DeliveryPersonID = *order.DeliveryPersonID
			return nil
		}
		if order.DispatchAttempts >= maxAttempts {
			result.Err = fmt.Errorf("%w: %d dispatch attempts used", ErrExhaustedRetry, order.DispatchAttempts)
			return nil
		}

		person, err := s.Select(txCtx, order)
		if err != nil {
			return err
		}
		order.UpdatedAt = s.clock()
		if person != nil {
			personID := person.ID
			order.DeliveryPersonID = &personID
			if err := s.orders.Update(txCtx, order); err != nil {
				return mapRepositoryError(err)
			}
			result.DeliveryPersonID = personID
			return s.notifier.Notify(txCtx, order.ID, EventDispatchAssigned, map[string]any{
				"orderId":          order.ID,
				"orderNumber":      order.OrderNumber,
				"deliveryPersonId": personID,
				"attempts":         order.DispatchAttempts,
				"manual":           false,
			})
		}

		order.DispatchAttempts++
		result.Attempts = order.DispatchAttempts
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err)
		}
		event := EventDispatchPending
		if order.DispatchAttempts >= maxAttempts {
			event = EventDispatchExhausted
			result.Err = fmt.Errorf("%w: no delivery person after %d attempts", ErrExhaustedRetry, order.DispatchAttempts)
		}
		return s.notifier.Notify(txCtx, order.ID, event, map[string]any{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
			"attempts":    order.DispatchAttempts,
		})
	})
	if err != nil {
		return DispatchResult{}, err
	}
	return result, nil
}

func (s *dispatchService) DispatchPending(ctx context.Context, limit int) ([]DispatchResult, error) {
	if limit <= 0 {
		limit = defaultDispatchBatch
	}
	maxAttempts := s.config.Current().DispatchMaxAttempts
	waiting, err := s.orders.ListAwaitingDispatch(ctx, maxAttempts, limit)
	if err != nil {
		return nil, mapRepositoryError(err)
	}

	results := make([]DispatchResult, 0, len(waiting))
	for _, order := range waiting {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := s.DispatchOrder(ctx, order.ID)
		if err != nil {
			// The order moved on since it was listed; report and keep going.
			result = DispatchResult{OrderID: order.ID, Err: err}
		}
		results = append(results, result)
	}

	assigned := 0
	for _, r := range results {
		if r.Assigned() {
			assigned++
		}
	}
	s.logger(ctx, "dispatch.tick", map[string]any{
		"waiting":  len(waiting),
		"assigned": assigned,
	})
	return results, nil
}

func (s *dispatchService) AssignManually(ctx context.Context, cmd AssignCommand) (domain.Order, error) {
	if !cmd.Actor.IsStaff() {
		return domain.Order{}, fmt.Errorf("%w: only administrators can assign orders", ErrForbidden)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	personID := strings.TrimSpace(cmd.PersonID)
	if orderID == "" || personID == "" {
		return domain.Order{}, validationError("order id and delivery person id are required")
	}

	var result domain.Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		switch order.Status {
		case domain.OrderStatusConfirmed, domain.OrderStatusPreparing, domain.OrderStatusReadyForPickup:
		default:
			return fmt.Errorf("%w: cannot assign a delivery person to a %s order", ErrInvalidTransition, order.Status)
		}
		if order.HasDeliveryPerson() && *order.DeliveryPersonID == personID {
			result = order
			return nil
		}

		if _, err := s.personnel.FindByID(txCtx, personID); err != nil {
			return mapRepositoryError(err)
		}
		claimed, err := s.personnel.Claim(txCtx, personID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if !claimed {
			return fmt.Errorf("%w: delivery person %s is not available", ErrConflict, personID)
		}
		var previous string
		if order.HasDeliveryPerson() {
			previous = *order.DeliveryPersonID
			if _, err := s.personnel.CompareAndSetStatus(txCtx, previous, domain.DeliveryStatusBusy, domain.DeliveryStatusAvailable); err != nil {
				return mapRepositoryError(err)
			}
		}

		order.DeliveryPersonID = &personID
		order.DispatchAttempts = 0
		order.UpdatedAt = s.clock()
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err)
		}
		payload := map[string]any{
			"orderId":          order.ID,
			"orderNumber":      order.OrderNumber,
			"deliveryPersonId": personID,
			"manual":           true,
		}
		if previous != "" {
			payload["replacedDeliveryPersonId"] = previous
		}
		if err := s.notifier.Notify(txCtx, order.ID, EventDispatchAssigned, payload); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.logger(ctx, "dispatch.manual", map[string]any{
		"orderID":  result.ID,
		"personID": personID,
		"actor":    cmd.Actor.UserID,
	})
	return result, nil
}

func (s *dispatchService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return s.unitOfWork.RunInTx(ctx, fn)
}
