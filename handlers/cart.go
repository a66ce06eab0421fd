package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"storefront-svc/middleware"
	"storefront-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	cartItemsQuery = `SELECT ci.id, ci.cart_id, ci.product_id, p.title AS product_title, ci.quantity, ci.price,
	p.price AS product_price, ci.created_at, ci.updated_at
	FROM cart_items ci
	JOIN carts c ON c.id = ci.cart_id
	JOIN products p ON p.id = ci.product_id
	WHERE c.user_id = $1
	ORDER BY ci.id`

	upsertCartQuery = `INSERT INTO carts (user_id) VALUES ($1)
	ON CONFLICT (user_id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
	RETURNING id`

	findCartItemQuery = "SELECT id, quantity FROM cart_items WHERE cart_id = $1 AND product_id = $2"

	insertCartItemQuery = "INSERT INTO cart_items (cart_id, product_id, quantity, price) VALUES ($1, $2, $3, $4)"

	setCartItemQuantityQuery = "UPDATE cart_items SET quantity = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2"

	ownedCartItemStockQuery = `SELECT p.quantity
	FROM cart_items ci
	JOIN carts c ON c.id = ci.cart_id
	JOIN products p ON p.id = ci.product_id
	WHERE ci.id = $1 AND c.user_id = $2`

	deleteCartItemQuery = "DELETE FROM cart_items ci USING carts c WHERE ci.cart_id = c.id AND ci.id = $1 AND c.user_id = $2"

	clearCartItemsQuery = "DELETE FROM cart_items ci USING carts c WHERE ci.cart_id = c.id AND c.user_id = $1"
)

type CartHandler struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewCartHandler(db *sqlx.DB, logger *zap.Logger) *CartHandler {
	registerValidators()
	return &CartHandler{db: db, logger: logger}
}

func (h *CartHandler) GetCart(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "GetCart")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}

	cart := models.Cart{Items: []models.CartItem{}, Total: decimal.Zero}
	if err := h.db.SelectContext(ctx, &cart.Items, cartItemsQuery, userID); err != nil {
		h.internalError(c, span, "Failed to fetch cart", err)
		return
	}
	for _, item := range cart.Items {
		cart.Total = cart.Total.Add(item.ProductPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	span.SetAttributes(attribute.Int("cart.items", len(cart.Items)))
	c.JSON(http.StatusOK, gin.H{"data": cart})
}

func (h *CartHandler) AddItem(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "AddCartItem")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}

	var req models.AddToCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": invalidDataMessage, "errors": validationErrors(err)})
		return
	}

	var product models.Product
	if err := h.db.GetContext(ctx, &product, getProductQuery, req.ProductID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"message": invalidDataMessage,
				"errors":  map[string]string{"product_id": "The selected product does not exist."},
			})
			return
		}
		h.internalError(c, span, "Failed to fetch product", err)
		return
	}

	if product.Quantity < req.Quantity {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Insufficient stock"})
		return
	}

	var cartID int64
	if err := h.db.GetContext(ctx, &cartID, upsertCartQuery, userID); err != nil {
		h.internalError(c, span, "Failed to create cart", err)
		return
	}

	var existing struct {
		ID       int64 `db:"id"`
		Quantity int   `db:"quantity"`
	}
	err := h.db.GetContext(ctx, &existing, findCartItemQuery, cartID, product.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = h.db.ExecContext(ctx, insertCartItemQuery, cartID, product.ID, req.Quantity, product.Price)
	case err == nil:
		quantity := existing.Quantity + req.Quantity
		if quantity > product.Quantity {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Quantity exceeds available stock"})
			return
		}
		_, err = h.db.ExecContext(ctx, setCartItemQuantityQuery, quantity, existing.ID)
	}
	if err != nil {
		h.internalError(c, span, "Failed to save cart item", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Item added to cart"})
}

func (h *CartHandler) UpdateItem(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "UpdateCartItem")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}

	itemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Cart item not found."})
		return
	}

	var req models.UpdateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": invalidDataMessage, "errors": validationErrors(err)})
		return
	}

	var stock int
	if err := h.db.GetContext(ctx, &stock, ownedCartItemStockQuery, itemID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Cart item not found."})
			return
		}
		h.internalError(c, span, "Failed to fetch cart item", err)
		return
	}

	if req.Quantity > stock {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Quantity exceeds available stock"})
		return
	}

	if _, err := h.db.ExecContext(ctx, setCartItemQuantityQuery, req.Quantity, itemID); err != nil {
		h.internalError(c, span, "Failed to update cart item", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cart updated"})
}

func (h *CartHandler) RemoveItem(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "RemoveCartItem")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}

	itemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Cart item not found."})
		return
	}

	res, err := h.db.ExecContext(ctx, deleteCartItemQuery, itemID, userID)
	if err != nil {
		h.internalError(c, span, "Failed to remove cart item", err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": "Cart item not found."})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Item removed from cart"})
}

func (h *CartHandler) ClearCart(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "ClearCart")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}

	if _, err := h.db.ExecContext(ctx, clearCartItemsQuery, userID); err != nil {
		h.internalError(c, span, "Failed to clear cart", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cart cleared"})
}

func (h *CartHandler) internalError(c *gin.Context, span trace.Span, msg string, err error) {
	span.RecordError(err)
	h.logger.Error(msg, zap.String("trace_id", middleware.GetTraceID(c.Request.Context())), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
}
