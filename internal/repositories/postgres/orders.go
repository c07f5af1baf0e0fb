package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/pagination"
	pg "github.com/Antinna/HTTP-3/internal/platform/postgres"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

const orderColumns = `id, order_number, user_id, status, address_line1, address_line2, address_city, address_state,
	address_postal_code, address_landmark, address_latitude, address_longitude, delivery_distance_km, subtotal,
	delivery_fee, tax_amount, tip_amount, total_amount, payment_status, payment_method, delivery_person_id,
	estimated_delivery_time, actual_delivery_time, special_instructions, cancel_reason, dispatch_attempts,
	created_at, updated_at`

type orderRepository struct {
	pool *pgxpool.Pool
}

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	return pg.WrapError("insert order", inTx(ctx, r.pool, func(ctx context.Context) error {
		db := pg.Conn(ctx, r.pool)
		addr := order.DeliveryAddress
		_, err := db.Exec(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21,
				$22, $23, $24, $25, $26, $27, $28)`,
			order.ID, order.OrderNumber, order.UserID, string(order.Status), addr.Line1, addr.Line2, addr.City,
			addr.State, addr.PostalCode, addr.Landmark, addr.Location.Lat, addr.Location.Lng, order.DeliveryDistanceKM,
			order.Subtotal, order.DeliveryFee, order.TaxAmount, order.TipAmount, order.TotalAmount,
			string(order.PaymentStatus), string(order.PaymentMethod), order.DeliveryPersonID,
			order.EstimatedDeliveryTime, order.ActualDeliveryTime, order.SpecialInstructions, order.CancelReason,
			order.DispatchAttempts, order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return err
		}
		for i, item := range order.Items {
			customizations := item.Customizations
			if customizations == nil {
				customizations = map[string]string{}
			}
			_, err := db.Exec(ctx, `
				INSERT INTO order_items (id, order_id, position, menu_item_id, name, quantity, unit_price, line_total,
					customizations, instructions)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				item.ID, order.ID, i, item.MenuItemID, item.Name, item.Quantity, item.UnitPrice, item.LineTotal,
				customizations, item.Instructions)
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	tag, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE orders SET status = $2, delivery_distance_km = $3, subtotal = $4, delivery_fee = $5, tax_amount = $6,
			tip_amount = $7, total_amount = $8, payment_status = $9, delivery_person_id = $10,
			estimated_delivery_time = $11, actual_delivery_time = $12, special_instructions = $13,
			cancel_reason = $14, dispatch_attempts = $15, updated_at = $16
		WHERE id = $1`,
		order.ID, string(order.Status), order.DeliveryDistanceKM, order.Subtotal, order.DeliveryFee,
		order.TaxAmount, order.TipAmount, order.TotalAmount, string(order.PaymentStatus), order.DeliveryPersonID,
		order.EstimatedDeliveryTime, order.ActualDeliveryTime, order.SpecialInstructions, order.CancelReason,
		order.DispatchAttempts, order.UpdatedAt)
	if err != nil {
		return pg.WrapError("update order", err)
	}
	if tag.RowsAffected() == 0 {
		return pg.NotFound("update order", "order %s not found", order.ID)
	}
	return nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "find order", orderID, "")
}

func (r orderRepository) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "lock order", orderID, " FOR UPDATE")
}

func (r orderRepository) findOne(ctx context.Context, op, orderID, suffix string) (domain.Order, error) {
	db := pg.Conn(ctx, r.pool)
	order, err := scanOrder(db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+suffix, orderID))
	if err != nil {
		if isNoRows(err) {
			return domain.Order{}, pg.NotFound(op, "order %s not found", orderID)
		}
		return domain.Order{}, pg.WrapError(op, err)
	}
	orders := []domain.Order{order}
	if err := r.loadItems(ctx, orders); err != nil {
		return domain.Order{}, err
	}
	return orders[0], nil
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := pagination.NormalizePageSize(filter.Pagination.PageSize, pagination.Options{})

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if filter.DeliveryPersonID != "" {
		where = append(where, "delivery_person_id = "+arg(filter.DeliveryPersonID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if !cursor.IsZero() {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(cursor.CreatedAt), arg(cursor.ID)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(size+1)

	orders, err := r.query(ctx, "list orders", query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	if len(orders) > size {
		last := orders[size-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
		orders = orders[:size]
	}
	if err := r.loadItems(ctx, orders); err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	page.Items = orders
	return page, nil
}

func (r orderRepository) ListAwaitingDispatch(ctx context.Context, maxAttempts, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = 'ready_for_pickup' AND delivery_person_id IS NULL AND ($1 <= 0 OR dispatch_attempts < $1)
		ORDER BY updated_at, id`
	args := []any{maxAttempts}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	orders, err := r.query(ctx, "list awaiting dispatch", query, args...)
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r orderRepository) query(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, pg.WrapError(op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, pg.WrapError(op, err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, pg.WrapError(op, err)
	}
	return orders, nil
}

// loadItems fills Items for every order with a single query.
func (r orderRepository) loadItems(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		index[order.ID] = i
	}

	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, order_id, menu_item_id, name, quantity, unit_price, line_total, customizations, instructions
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return pg.WrapError("load order items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.MenuItemID, &item.Name, &item.Quantity, &item.UnitPrice,
			&item.LineTotal, &item.Customizations, &item.Instructions); err != nil {
			return pg.WrapError("load order items", err)
		}
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return pg.WrapError("load order items", rows.Err())
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                         domain.Order
		status, paymentStatus, method string
	)
	addr := &order.DeliveryAddress
	err := row.Scan(&order.ID, &order.OrderNumber, &order.UserID, &status, &addr.Line1, &addr.Line2, &addr.City,
		&addr.State, &addr.PostalCode, &addr.Landmark, &addr.Location.Lat, &addr.Location.Lng,
		&order.DeliveryDistanceKM, &order.Subtotal, &order.DeliveryFee, &order.TaxAmount, &order.TipAmount,
		&order.TotalAmount, &paymentStatus, &method, &order.DeliveryPersonID, &order.EstimatedDeliveryTime,
		&order.ActualDeliveryTime, &order.SpecialInstructions, &order.CancelReason, &order.DispatchAttempts,
		&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.PaymentMethod = domain.PaymentMethod(method)
	order.EstimatedDeliveryTime = utcPtr(order.EstimatedDeliveryTime)
	order.ActualDeliveryTime = utcPtr(order.ActualDeliveryTime)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}
