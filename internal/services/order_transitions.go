package services

import (
	"slices"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:        {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:      {domain.OrderStatusPreparing, domain.OrderStatusCancelled},
	domain.OrderStatusPreparing:      {domain.OrderStatusReadyForPickup, domain.OrderStatusCancelled},
	domain.OrderStatusReadyForPickup: {domain.OrderStatusOutForDelivery},
	domain.OrderStatusOutForDelivery: {domain.OrderStatusDelivered},
}

// canTransition reports whether target is a direct successor of current. Self-transitions are not edges.
func canTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

// NextStatuses returns the statuses reachable from status in one step.
func NextStatuses(status domain.OrderStatus) []domain.OrderStatus {
	return slices.Clone(orderStateTransitions[status])
}

// CanCancel reports whether an order in status may still be cancelled.
func CanCancel(status domain.OrderStatus) bool {
	return canTransition(status, domain.OrderStatusCancelled)
}
