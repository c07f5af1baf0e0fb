package services

import (
	"testing"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

func TestTransitionGraphEdges(t *testing.T) {
	edges := map[[2]domain.OrderStatus]bool{
		{domain.OrderStatusPending, domain.OrderStatusConfirmed}:             true,
		{domain.OrderStatusPending, domain.OrderStatusCancelled}:             true,
		{domain.OrderStatusConfirmed, domain.OrderStatusPreparing}:           true,
		{domain.OrderStatusConfirmed, domain.OrderStatusCancelled}:           true,
		{domain.OrderStatusPreparing, domain.OrderStatusReadyForPickup}:      true,
		{domain.OrderStatusPreparing, domain.OrderStatusCancelled}:           true,
		{domain.OrderStatusReadyForPickup, domain.OrderStatusOutForDelivery}: true,
		{domain.OrderStatusOutForDelivery, domain.OrderStatusDelivered}:      true,
	}
	for _, from := range domain.OrderStatuses {
		for _, to := range domain.OrderStatuses {
			want := edges[[2]domain.OrderStatus{from, to}]
			if got := canTransition(from, to); got != want {
				t.Fatalf("canTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for _, status := range domain.OrderStatuses {
		if status.IsTerminal() && len(NextStatuses(status)) != 0 {
			t.Fatalf("terminal status %s has successors", status)
		}
	}
	if CanCancel(domain.OrderStatusReadyForPickup) || CanCancel(domain.OrderStatusOutForDelivery) {
		t.Fatalf("orders handed to dispatch must not be cancellable")
	}
}
