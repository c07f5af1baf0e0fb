package memory

import (
	"context"
	"slices"
	"strings"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/pagination"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	defer r.s.enter(ctx)()
	data := r.s.data
	if _, exists := data.orders[order.ID]; exists {
		return conflict("order %s already exists", order.ID)
	}
	if _, taken := data.orderNumbers[order.OrderNumber]; taken {
		return conflict("order number %s already exists", order.OrderNumber)
	}
	data.orders[order.ID] = cloneOrder(order)
	data.orderNumbers[order.OrderNumber] = order.ID
	return nil
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	defer r.s.enter(ctx)()
	current, ok := r.s.data.orders[order.ID]
	if !ok {
		return notFound("order %s not found", order.ID)
	}
	// Items are immutable after insert.
	order.Items = current.Items
	r.s.data.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	defer r.s.enter(ctx)()
	order, ok := r.s.data.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r orderRepository) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.FindByID(ctx, orderID)
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := pagination.NormalizePageSize(filter.Pagination.PageSize, pagination.Options{})

	defer r.s.enter(ctx)()
	matches := make([]domain.Order, 0)
	for _, order := range r.s.data.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.DeliveryPersonID != "" && (order.DeliveryPersonID == nil || *order.DeliveryPersonID != filter.DeliveryPersonID) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
			continue
		}
		if !cursor.After(order.CreatedAt, order.ID) {
			continue
		}
		matches = append(matches, order)
	}
	slices.SortFunc(matches, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	page := domain.CursorPage[domain.Order]{}
	if len(matches) > size {
		last := matches[size-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
		matches = matches[:size]
	}
	page.Items = make([]domain.Order, len(matches))
	for i, order := range matches {
		page.Items[i] = cloneOrder(order)
	}
	return page, nil
}

func (r orderRepository) ListAwaitingDispatch(ctx context.Context, maxAttempts, limit int) ([]domain.Order, error) {
	defer r.s.enter(ctx)()
	var waiting []domain.Order
	for _, order := range r.s.data.orders {
		if order.Status != domain.OrderStatusReadyForPickup || order.HasDeliveryPerson() {
			continue
		}
		if maxAttempts <= 0 || order.DispatchAttempts < maxAttempts {
			waiting = append(waiting, order)
		}
	}
	slices.SortFunc(waiting, func(a, b domain.Order) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(waiting) > limit {
		waiting = waiting[:limit]
	}
	out := make([]domain.Order, len(waiting))
	for i, order := range waiting {
		out[i] = cloneOrder(order)
	}
	return out, nil
}
