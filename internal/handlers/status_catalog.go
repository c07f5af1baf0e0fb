package handlers

import (
	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/services"
)

// statusPresentation is how clients render an order status. It is presentation only; the transition table
// in services stays the source of truth for next and can_cancel.
type statusPresentation struct {
	Value     string   `json:"value"`
	Label     string   `json:"label"`
	Icon      string   `json:"icon"`
	Color     string   `json:"color"`
	Progress  int      `json:"progress"`
	CanCancel bool     `json:"can_cancel"`
	Next      []string `json:"next"`
}

type statusStyle struct {
	label    string
	icon     string
	color    string
	progress int
}

var statusStyles = map[domain.OrderStatus]statusStyle{
	domain.OrderStatusPending:        {label: "Pending", icon: "⏳", color: "#FFA500", progress: 10},
	domain.OrderStatusConfirmed:      {label: "Confirmed", icon: "✅", color: "#32CD32", progress: 25},
	domain.OrderStatusPreparing:      {label: "Preparing", icon: "👨‍🍳", color: "#1E90FF", progress: 50},
	domain.OrderStatusReadyForPickup: {label: "Ready for Pickup", icon: "📦", color: "#9370DB", progress: 75},
	domain.OrderStatusOutForDelivery: {label: "Out for Delivery", icon: "🚚", color: "#FF6347", progress: 90},
	domain.OrderStatusDelivered:      {label: "Delivered", icon: "🎉", color: "#228B22", progress: 100},
	domain.OrderStatusCancelled:      {label: "Cancelled", icon: "❌", color: "#DC143C", progress: 0},
}

func presentStatus(status domain.OrderStatus) statusPresentation {
	style, ok := statusStyles[status]
	if !ok {
		style = statusStyle{label: string(status), icon: "•", color: "#808080"}
	}
	next := services.NextStatuses(status)
	names := make([]string, 0, len(next))
	for _, s := range next {
		names = append(names, string(s))
	}
	return statusPresentation{
		Value:     string(status),
		Label:     style.label,
		Icon:      style.icon,
		Color:     style.color,
		Progress:  style.progress,
		CanCancel: services.CanCancel(status),
		Next:      names,
	}
}

func statusCatalog() []statusPresentation {
	out := make([]statusPresentation, 0, len(domain.OrderStatuses))
	for _, status := range domain.OrderStatuses {
		out = append(out, presentStatus(status))
	}
	return out
}

type paymentMethodPresentation struct {
	Value                string `json:"value"`
	Label                string `json:"label"`
	Icon                 string `json:"icon"`
	Online               bool   `json:"online"`
	ProcessingFeePercent string `json:"processing_fee_percent"`
	Available            bool   `json:"available"`
}

var paymentMethodStyles = map[domain.PaymentMethod][2]string{
	domain.PaymentMethodCOD:           {"Cash on Delivery", "💵"},
	domain.PaymentMethodUPI:           {"UPI", "📱"},
	domain.PaymentMethodDebitCard:     {"Debit Card", "💳"},
	domain.PaymentMethodCreditCard:    {"Credit Card", "💳"},
	domain.PaymentMethodNetBanking:    {"Net Banking", "🏦"},
	domain.PaymentMethodDigitalWallet: {"Digital Wallet", "📲"},
}

// paymentMethodCatalog lists every method. available reports whether a gateway is routed for it; a nil
// supports func marks everything available.
func paymentMethodCatalog(supports func(domain.PaymentMethod) bool) []paymentMethodPresentation {
	out := make([]paymentMethodPresentation, 0, len(domain.PaymentMethods))
	for _, method := range domain.PaymentMethods {
		style := paymentMethodStyles[method]
		out = append(out, paymentMethodPresentation{
			Value:                string(method),
			Label:                style[0],
			Icon:                 style[1],
			Online:               method.IsOnline(),
			ProcessingFeePercent: method.ProcessingFeePercent().String(),
			Available:            supports == nil || supports(method),
		})
	}
	return out
}
