package memory

import (
	"context"
	"slices"
	"strings"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

type paymentRepository struct{ s *Store }

func (r paymentRepository) Append(ctx context.Context, payment domain.Payment) error {
	defer r.s.enter(ctx)()
	data := r.s.data
	if _, exists := data.payments[payment.ID]; exists {
		return conflict("payment %s already exists", payment.ID)
	}
	if _, taken := data.paymentByTxn[payment.TransactionID]; taken {
		return conflict("transaction %s already recorded", payment.TransactionID)
	}
	data.payments[payment.ID] = clonePayment(payment)
	data.paymentByTxn[payment.TransactionID] = payment.ID
	return nil
}

func (r paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	defer r.s.enter(ctx)()
	current, ok := r.s.data.payments[payment.ID]
	if !ok {
		return notFound("payment %s not found", payment.ID)
	}
	if current.TransactionID != payment.TransactionID {
		return conflict("payment %s transaction id is immutable", payment.ID)
	}
	r.s.data.payments[payment.ID] = clonePayment(payment)
	return nil
}

func (r paymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	defer r.s.enter(ctx)()
	payment, ok := r.s.data.payments[paymentID]
	if !ok {
		return domain.Payment{}, notFound("payment %s not found", paymentID)
	}
	return clonePayment(payment), nil
}

func (r paymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error) {
	defer r.s.enter(ctx)()
	id, ok := r.s.data.paymentByTxn[transactionID]
	if !ok {
		return domain.Payment{}, notFound("transaction %s not found", transactionID)
	}
	return clonePayment(r.s.data.payments[id]), nil
}

func (r paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	defer r.s.enter(ctx)()
	var out []domain.Payment
	for _, payment := range r.s.data.payments {
		if payment.OrderID == orderID {
			out = append(out, clonePayment(payment))
		}
	}
	slices.SortFunc(out, func(a, b domain.Payment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

type tipRepository struct{ s *Store }

func (r tipRepository) Insert(ctx context.Context, tip domain.TipTransaction) error {
	defer r.s.enter(ctx)()
	if _, exists := r.s.data.tips[tip.OrderID]; exists {
		return conflict("order %s already has a tip", tip.OrderID)
	}
	r.s.data.tips[tip.OrderID] = cloneTip(tip)
	return nil
}

func (r tipRepository) Update(ctx context.Context, tip domain.TipTransaction) error {
	defer r.s.enter(ctx)()
	current, ok := r.s.data.tips[tip.OrderID]
	if !ok || current.ID != tip.ID {
		return notFound("tip %s not found", tip.ID)
	}
	r.s.data.tips[tip.OrderID] = cloneTip(tip)
	return nil
}

func (r tipRepository) FindByOrder(ctx context.Context, orderID string) (domain.TipTransaction, error) {
	defer r.s.enter(ctx)()
	tip, ok := r.s.data.tips[orderID]
	if !ok {
		return domain.TipTransaction{}, notFound("tip for order %s not found", orderID)
	}
	return cloneTip(tip), nil
}
