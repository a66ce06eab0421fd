package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartItem struct {
	ID           int64           `json:"id" db:"id"`
	CartID       int64           `json:"cart_id" db:"cart_id"`
	ProductID    int64           `json:"product_id" db:"product_id"`
	ProductTitle string          `json:"product_title" db:"product_title"`
	Quantity     int             `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	ProductPrice decimal.Decimal `json:"product_price" db:"product_price"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Cart totals are priced at the current product price, not the price at add time.
type Cart struct {
	Items []CartItem      `json:"items"`
	Total decimal.Decimal `json:"total"`
}

type AddToCartRequest struct {
	ProductID int64 `json:"product_id" binding:"required,gt=0,lte=2147483647"`
	Quantity  int   `json:"quantity" binding:"required,gte=1,lte=2147483647"`
}

type UpdateCartItemRequest struct {
	Quantity int `json:"quantity" binding:"required,gte=1,lte=2147483647"`
}
