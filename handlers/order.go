package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"storefront-svc/checkout"
	"storefront-svc/middleware"
	"storefront-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	ordersPerPage = 10

	orderColumns = `id, user_id, order_number, status, payment_status, payment_method, total_amount,
	shipping_name, shipping_address, shipping_city, shipping_postal_code, shipping_phone, created_at, updated_at`

	countOrdersQuery = "SELECT COUNT(*) FROM orders WHERE user_id = $1"

	listOrdersQuery = "SELECT " + orderColumns + " FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3"

	getOrderQuery = "SELECT " + orderColumns + " FROM orders WHERE id = $1"

	orderItemsQuery = `SELECT id, order_id, product_id, product_name, price, quantity, total, created_at
	FROM order_items WHERE order_id = ANY($1) ORDER BY id`
)

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID int64, req models.PlaceOrderRequest) (*models.Order, error)
}

type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, order *models.Order) error
}

type ProductInvalidator interface {
	Invalidate(ctx context.Context, ids ...int64)
}

type OrderHandler struct {
	db        *sqlx.DB
	placer    OrderPlacer
	publisher EventPublisher
	products  ProductInvalidator
	logger    *zap.Logger
}

func NewOrderHandler(db *sqlx.DB, placer OrderPlacer, publisher EventPublisher, products ProductInvalidator, logger *zap.Logger) *OrderHandler {
	registerValidators()
	return &OrderHandler{
		db:        db,
		placer:    placer,
		publisher: publisher,
		products:  products,
		logger:    logger,
	}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}
	traceID := middleware.GetTraceID(ctx)

	var req models.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RecordOrderFailure(middleware.ReasonValidation)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message": invalidDataMessage,
			"errors":  validationErrors(err),
		})
		return
	}

	order, err := h.placer.PlaceOrder(ctx, userID, req)
	if err != nil {
		span.RecordError(err)
		h.respondPlacementError(c, err, userID, len(req.Items), traceID)
		return
	}

	middleware.RecordOrderPlaced()
	span.SetAttributes(attribute.Int64("order.id", order.ID))
	h.logger.Info("Order placed",
		zap.String("trace_id", traceID),
		zap.Int64("user_id", userID),
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
	)

	if h.products != nil {
		h.products.Invalidate(ctx, touchedProducts(order)...)
	}
	if h.publisher != nil {
		if err := h.publisher.PublishOrderCreated(ctx, order); err != nil {
			h.logger.Warn("Failed to publish order_created event",
				zap.String("trace_id", traceID),
				zap.Int64("order_id", order.ID),
				zap.Error(err),
			)
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Order placed successfully",
		"order":   order,
	})
}

func (h *OrderHandler) respondPlacementError(c *gin.Context, err error, userID int64, itemCount int, traceID string) {
	var (
		validationErr *checkout.ValidationError
		stockErr      *checkout.InsufficientStockError
	)

	switch {
	case errors.As(err, &validationErr):
		middleware.RecordOrderFailure(middleware.ReasonValidation)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message": invalidDataMessage,
			"errors":  validationErr.Fields,
		})

	case errors.As(err, &stockErr):
		middleware.RecordOrderFailure(middleware.ReasonInsufficientStock)
		h.logger.Info("Order rejected for insufficient stock",
			zap.String("trace_id", traceID),
			zap.Int64("user_id", userID),
			zap.Any("shortages", stockErr.Shortages),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"message":  "Order placement failed",
			"error":    stockErr.Error(),
			"products": stockErr.Shortages,
		})

	case checkout.IsTransient(err):
		middleware.RecordOrderFailure(middleware.ReasonTransient)
		h.logger.Warn("Order placement hit a transient failure",
			zap.String("trace_id", traceID),
			zap.Int64("user_id", userID),
			zap.Int("item_count", itemCount),
			zap.Error(err),
		)
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"message":   "Order placement failed",
			"error":     "The order could not be placed right now, please retry.",
			"retryable": true,
		})

	default:
		middleware.RecordOrderFailure(middleware.ReasonInternal)
		h.logger.Error("Order placement failed",
			zap.String("trace_id", traceID),
			zap.Int64("user_id", userID),
			zap.Int("item_count", itemCount),
			zap.Error(err),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "Order placement failed",
			"error":   "Order placement failed",
		})
	}
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "ListOrders")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	var total int
	if err := h.db.GetContext(ctx, &total, countOrdersQuery, userID); err != nil {
		h.internalError(c, span, "Failed to count orders", err)
		return
	}

	orders := []models.Order{}
	if err := h.db.SelectContext(ctx, &orders, listOrdersQuery, userID, ordersPerPage, (page-1)*ordersPerPage); err != nil {
		h.internalError(c, span, "Failed to fetch orders", err)
		return
	}
	if err := loadOrderItems(ctx, h.db, orders); err != nil {
		h.internalError(c, span, "Failed to fetch order items", err)
		return
	}

	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	c.JSON(http.StatusOK, models.OrderPage{
		Data:        orders,
		CurrentPage: page,
		PerPage:     ordersPerPage,
		Total:       total,
		LastPage:    lastPage(total, ordersPerPage),
	})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Order not found."})
		return
	}
	span.SetAttributes(attribute.Int64("order.id", id))

	var order models.Order
	if err := h.db.GetContext(ctx, &order, getOrderQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Order not found."})
			return
		}
		h.internalError(c, span, "Failed to fetch order", err)
		return
	}

	if order.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"message": "This action is unauthorized."})
		return
	}

	orders := []models.Order{order}
	if err := loadOrderItems(ctx, h.db, orders); err != nil {
		h.internalError(c, span, "Failed to fetch order items", err)
		return
	}

	c.JSON(http.StatusOK, orders[0])
}

func (h *OrderHandler) internalError(c *gin.Context, span trace.Span, msg string, err error) {
	span.RecordError(err)
	h.logger.Error(msg, zap.String("trace_id", middleware.GetTraceID(c.Request.Context())), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
}

// loadOrderItems fills Items on every order with a single query.
func loadOrderItems(ctx context.Context, db *sqlx.DB, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
		index[orders[i].ID] = i
		orders[i].Items = []models.OrderItem{}
	}

	var items []models.OrderItem
	if err := db.SelectContext(ctx, &items, orderItemsQuery, pq.Array(ids)); err != nil {
		return err
	}
	for _, item := range items {
		if i, ok := index[item.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}
	return nil
}

func lastPage(total, perPage int) int {
	if total <= 0 {
		return 1
	}
	return (total + perPage - 1) / perPage
}

func touchedProducts(order *models.Order) []int64 {
	seen := make(map[int64]bool, len(order.Items))
	ids := make([]int64, 0, len(order.Items))
	for _, item := range order.Items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}
	return ids
}
