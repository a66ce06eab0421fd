package handlers

import (
	"net/http"

	"storefront-svc/middleware"
	"storefront-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	recentOrdersLimit = 5

	totalSpentQuery = "SELECT COALESCE(SUM(total_amount), 0) FROM orders WHERE user_id = $1 AND payment_status = $2"

	recentOrdersQuery = "SELECT " + orderColumns + " FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2"
)

type DashboardHandler struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewDashboardHandler(db *sqlx.DB, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{db: db, logger: logger}
}

// Stats counts every order but only sums the ones already paid.
func (h *DashboardHandler) Stats(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "DashboardStats")
	defer span.End()

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}

	stats := models.DashboardStats{
		TotalSpent:   decimal.Zero,
		RecentOrders: []models.Order{},
	}

	fail := func(msg string, err error) {
		span.RecordError(err)
		h.logger.Error(msg, zap.String("trace_id", middleware.GetTraceID(ctx)), zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
	}

	if err := h.db.GetContext(ctx, &stats.TotalOrders, countOrdersQuery, userID); err != nil {
		fail("Failed to count orders", err)
		return
	}
	if err := h.db.GetContext(ctx, &stats.TotalSpent, totalSpentQuery, userID, models.PaymentStatusPaid); err != nil {
		fail("Failed to sum paid orders", err)
		return
	}
	if err := h.db.SelectContext(ctx, &stats.RecentOrders, recentOrdersQuery, userID, recentOrdersLimit); err != nil {
		fail("Failed to fetch recent orders", err)
		return
	}
	if err := loadOrderItems(ctx, h.db, stats.RecentOrders); err != nil {
		fail("Failed to fetch order items", err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
