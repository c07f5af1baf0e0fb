package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	pg "github.com/Antinna/HTTP-3/internal/platform/postgres"
)

const paymentColumns = `id, order_id, method, gateway, transaction_id, gateway_transaction_id, amount, refunded_amount,
	status, gateway_response, receipt_url, paid_at, created_at, updated_at`

type paymentRepository struct {
	pool *pgxpool.Pool
}

func (r paymentRepository) Append(ctx context.Context, payment domain.Payment) error {
	_, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		payment.ID, payment.OrderID, string(payment.Method), payment.Gateway, payment.TransactionID,
		payment.GatewayTransactionID, payment.Amount, payment.RefundedAmount, string(payment.Status),
		jsonObject(payment.GatewayResponse), payment.ReceiptURL, payment.PaidAt, payment.CreatedAt, payment.UpdatedAt)
	return pg.WrapError("append payment", err)
}

// Update never touches transaction_id; a row whose transaction id differs is reported as not found.
func (r paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	tag, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE payments SET gateway = $3, gateway_transaction_id = $4, amount = $5, refunded_amount = $6,
			status = $7, gateway_response = $8, receipt_url = $9, paid_at = $10, updated_at = $11
		WHERE id = $1 AND transaction_id = $2`,
		payment.ID, payment.TransactionID, payment.Gateway, payment.GatewayTransactionID, payment.Amount,
		payment.RefundedAmount, string(payment.Status), jsonObject(payment.GatewayResponse), payment.ReceiptURL,
		payment.PaidAt, payment.UpdatedAt)
	if err != nil {
		return pg.WrapError("update payment", err)
	}
	if tag.RowsAffected() == 0 {
		return pg.NotFound("update payment", "payment %s with transaction %s not found", payment.ID, payment.TransactionID)
	}
	return nil
}

func (r paymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	row := pg.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID)
	payment, err := scanPayment(row)
	if isNoRows(err) {
		return domain.Payment{}, pg.NotFound("find payment", "payment %s not found", paymentID)
	}
	return payment, pg.WrapError("find payment", err)
}

func (r paymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1`
	if pg.InTx(ctx) {
		query += " FOR UPDATE"
	}
	payment, err := scanPayment(pg.Conn(ctx, r.pool).QueryRow(ctx, query, transactionID))
	if isNoRows(err) {
		return domain.Payment{}, pg.NotFound("find payment", "transaction %s not found", transactionID)
	}
	return payment, pg.WrapError("find payment", err)
}

func (r paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, pg.WrapError("list payments", err)
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, pg.WrapError("list payments", err)
		}
		out = append(out, payment)
	}
	return out, pg.WrapError("list payments", rows.Err())
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p              domain.Payment
		method, status string
	)
	if err := row.Scan(&p.ID, &p.OrderID, &method, &p.Gateway, &p.TransactionID, &p.GatewayTransactionID, &p.Amount,
		&p.RefundedAmount, &status, &p.GatewayResponse, &p.ReceiptURL, &p.PaidAt, &p.CreatedAt,
		&p.UpdatedAt); err != nil {
		return domain.Payment{}, err
	}
	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentStatus(status)
	p.PaidAt = utcPtr(p.PaidAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

type tipRepository struct {
	pool *pgxpool.Pool
}

func (r tipRepository) Insert(ctx context.Context, tip domain.TipTransaction) error {
	_, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO tip_transactions (id, order_id, delivery_person_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tip.ID, tip.OrderID, tip.DeliveryPersonID, tip.Amount, string(tip.Status), tip.CreatedAt, tip.UpdatedAt)
	return pg.WrapError("insert tip", err)
}

func (r tipRepository) Update(ctx context.Context, tip domain.TipTransaction) error {
	tag, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE tip_transactions SET delivery_person_id = $3, amount = $4, status = $5, updated_at = $6
		WHERE id = $1 AND order_id = $2`,
		tip.ID, tip.OrderID, tip.DeliveryPersonID, tip.Amount, string(tip.Status), tip.UpdatedAt)
	if err != nil {
		return pg.WrapError("update tip", err)
	}
	if tag.RowsAffected() == 0 {
		return pg.NotFound("update tip", "tip %s not found", tip.ID)
	}
	return nil
}

func (r tipRepository) FindByOrder(ctx context.Context, orderID string) (domain.TipTransaction, error) {
	var (
		tip    domain.TipTransaction
		status string
	)
	err := pg.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, order_id, delivery_person_id, amount, status, created_at, updated_at
		FROM tip_transactions WHERE order_id = $1`, orderID).
		Scan(&tip.ID, &tip.OrderID, &tip.DeliveryPersonID, &tip.Amount, &status, &tip.CreatedAt, &tip.UpdatedAt)
	if isNoRows(err) {
		return domain.TipTransaction{}, pg.NotFound("find tip", "tip for order %s not found", orderID)
	}
	if err != nil {
		return domain.TipTransaction{}, pg.WrapError("find tip", err)
	}
	tip.Status = domain.TipStatus(status)
	tip.CreatedAt = tip.CreatedAt.UTC()
	tip.UpdatedAt = tip.UpdatedAt.UTC()
	return tip, nil
}

func jsonObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
