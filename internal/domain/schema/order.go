package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus tracks where an order sits in the store's fulfilment flow.
type OrderStatus string

const (
	// OrderStatusAwaitingConfirmation is assigned to every order entering the local queue.
	OrderStatusAwaitingConfirmation OrderStatus = "AwaitingConfirmation"
	// OrderStatusConfirmed marks an order accepted by the store.
	OrderStatusConfirmed OrderStatus = "Confirmed"
	// OrderStatusPreparing marks an order in the kitchen.
	OrderStatusPreparing OrderStatus = "Preparing"
	// OrderStatusDispatched marks an order out for delivery.
	OrderStatusDispatched OrderStatus = "Dispatched"
	// OrderStatusDelivered marks a completed order.
	OrderStatusDelivered OrderStatus = "Delivered"
	// OrderStatusCancelled marks an order rejected or withdrawn.
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusAwaitingConfirmation, OrderStatusConfirmed, OrderStatusPreparing,
		OrderStatusDispatched, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// OrderItem is one line of a canonical order.
type OrderItem struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Notes     string          `json:"notes"`
	Category  string          `json:"category"`
}

// Customer identifies who placed the order and where it goes.
type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// Order is the canonical, upstream-independent representation of an order.
// Total is trusted from upstream and is not reconciled against item subtotals.
type Order struct {
	ID         string          `json:"id"`
	Items      []OrderItem     `json:"items"`
	Customer   Customer        `json:"customer"`
	Total      decimal.Decimal `json:"total"`
	Notes      string          `json:"notes"`
	CreatedAt  time.Time       `json:"createdAt"`
	Status     OrderStatus     `json:"status"`
	Origin     string          `json:"origin"`
	SourceType string          `json:"sourceType"`
}

// Clone returns a deep copy safe to hand to consumers.
func (o Order) Clone() Order {
	out := o
	if o.Items != nil {
		out.Items = make([]OrderItem, len(o.Items))
		copy(out.Items, o.Items)
	}
	return out
}

// ItemsSubtotal sums the subtotal of every item.
func (o Order) ItemsSubtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range o.Items {
		sum = sum.Add(item.Subtotal)
	}
	return sum
}
