package models

import "github.com/shopspring/decimal"

const (
	EventOrderCreated   = "order_created"
	EventPaymentSuccess = "payment_success"
	EventPaymentFailed  = "payment_failed"
)

type OrderEvent struct {
	OrderID     int64            `json:"order_id"`
	OrderNumber string           `json:"order_number"`
	UserID      int64            `json:"user_id"`
	Status      OrderStatus      `json:"status"`
	TotalPrice  decimal.Decimal  `json:"total_price"`
	Items       []OrderEventItem `json:"items,omitempty"`
	EventType   string           `json:"event_type"` // order_created, payment_success, payment_failed
}

type OrderEventItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

func NewOrderCreatedEvent(order *Order) OrderEvent {
	items := make([]OrderEventItem, len(order.Items))
	for i, item := range order.Items {
		items[i] = OrderEventItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return OrderEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      order.Status,
		TotalPrice:  order.TotalAmount,
		Items:       items,
		EventType:   EventOrderCreated,
	}
}
