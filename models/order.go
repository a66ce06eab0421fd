package models

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Upper bounds of the INTEGER columns that hold product ids and quantities.
// Binding tags repeat these values because struct tags cannot reference constants.
const (
	MaxProductID = math.MaxInt32
	MaxQuantity  = math.MaxInt32
)

// PaymentMethodCOD is the only payment method checkout accepts.
const PaymentMethodCOD = "cod"

type Order struct {
	ID                 int64           `json:"id" db:"id"`
	UserID             int64           `json:"user_id" db:"user_id"`
	OrderNumber        string          `json:"order_number" db:"order_number"`
	Status             OrderStatus     `json:"status" db:"status"`
	PaymentStatus      PaymentStatus   `json:"payment_status" db:"payment_status"`
	PaymentMethod      string          `json:"payment_method" db:"payment_method"`
	TotalAmount        decimal.Decimal `json:"total_amount" db:"total_amount"`
	ShippingName       string          `json:"shipping_name" db:"shipping_name"`
	ShippingAddress    string          `json:"shipping_address" db:"shipping_address"`
	ShippingCity       string          `json:"shipping_city" db:"shipping_city"`
	ShippingPostalCode string          `json:"shipping_postal_code" db:"shipping_postal_code"`
	ShippingPhone      string          `json:"shipping_phone" db:"shipping_phone"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
	Items              []OrderItem     `json:"items" db:"-"`
}

// OrderItem snapshots the product name and price at purchase time.
type OrderItem struct {
	ID          int64           `json:"id" db:"id"`
	OrderID     int64           `json:"order_id" db:"order_id"`
	ProductID   int64           `json:"product_id" db:"product_id"`
	ProductName string          `json:"product_name" db:"product_name"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    int             `json:"quantity" db:"quantity"`
	Total       decimal.Decimal `json:"total" db:"total"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

type PlaceOrderRequest struct {
	Items              []OrderLineRequest `json:"items" binding:"required,min=1,dive"`
	ShippingName       string             `json:"shipping_name" binding:"required,notblank"`
	ShippingAddress    string             `json:"shipping_address" binding:"required,notblank"`
	ShippingCity       string             `json:"shipping_city" binding:"required,notblank"`
	ShippingPostalCode string             `json:"shipping_postal_code" binding:"required,notblank"`
	ShippingPhone      string             `json:"shipping_phone" binding:"required,notblank"`
}

type OrderLineRequest struct {
	ProductID int64 `json:"product_id" binding:"required,gt=0,lte=2147483647"`
	Quantity  int   `json:"quantity" binding:"required,gte=1,lte=2147483647"`
}

type OrderPage struct {
	Data        []Order `json:"data"`
	CurrentPage int     `json:"current_page"`
	PerPage     int     `json:"per_page"`
	Total       int     `json:"total"`
	LastPage    int     `json:"last_page"`
}

type DashboardStats struct {
	TotalOrders  int             `json:"total_orders"`
	TotalSpent   decimal.Decimal `json:"total_spent"`
	RecentOrders []Order         `json:"recent_orders"`
}
