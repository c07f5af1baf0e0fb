package handlers

import (
	"testing"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

func TestStatusCatalogCoversEveryStatus(t *testing.T) {
	catalog := statusCatalog()
	if len(catalog) != len(domain.OrderStatuses) {
		t.Fatalf("expected %d statuses, got %d", len(domain.OrderStatuses), len(catalog))
	}

	wantProgress := map[string]int{
		"pending":          10,
		"confirmed":        25,
		"preparing":        50,
		"ready_for_pickup": 75,
		"out_for_delivery": 90,
		"delivered":        100,
		"cancelled":        0,
	}
	for _, entry := range catalog {
		if entry.Progress != wantProgress[entry.Value] {
			t.Fatalf("%s: expected progress %d, got %d", entry.Value, wantProgress[entry.Value], entry.Progress)
		}
		if entry.Label == "" || entry.Color == "" {
			t.Fatalf("%s: missing label or color", entry.Value)
		}
	}
}

func TestPresentStatusFollowsTransitions(t *testing.T) {
	ready := presentStatus(domain.OrderStatusReadyForPickup)
	if ready.CanCancel {
		t.Fatalf("ready_for_pickup must not be cancellable")
	}
	if len(ready.Next) != 1 || ready.Next[0] != "out_for_delivery" {
		t.Fatalf("unexpected next statuses %v", ready.Next)
	}

	pending := presentStatus(domain.OrderStatusPending)
	if !pending.CanCancel {
		t.Fatalf("pending orders must be cancellable")
	}

	delivered := presentStatus(domain.OrderStatusDelivered)
	if len(delivered.Next) != 0 {
		t.Fatalf("delivered is terminal, got next %v", delivered.Next)
	}
}

func TestPaymentMethodCatalogMarksAvailability(t *testing.T) {
	catalog := paymentMethodCatalog(func(m domain.PaymentMethod) bool { return m == domain.PaymentMethodCOD })
	if len(catalog) != len(domain.PaymentMethods) {
		t.Fatalf("expected %d methods, got %d", len(domain.PaymentMethods), len(catalog))
	}
	for _, entry := range catalog {
		switch entry.Value {
		case "cod":
			if !entry.Available || entry.Online {
				t.Fatalf("cod should be available and offline: %+v", entry)
			}
		case "credit_card":
			if entry.Available || entry.ProcessingFeePercent != "2" {
				t.Fatalf("unexpected credit card entry %+v", entry)
			}
		case "net_banking":
			if entry.ProcessingFeePercent != "1.5" {
				t.Fatalf("expected 1.5%% for net banking, got %s", entry.ProcessingFeePercent)
			}
		}
	}
}
