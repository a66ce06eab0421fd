package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"storefront-svc/circuitbreaker"
	"storefront-svc/middleware"
	"storefront-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	productColumns = "id, title, price, quantity, status, created_at, updated_at"

	getProductQuery = "SELECT " + productColumns + " FROM products WHERE id = $1"

	defaultProductsPerPage = 20
	maxProductsPerPage     = 100
)

// sortableProductColumns maps sort_by values to columns; anything else is rejected.
var sortableProductColumns = map[string]string{
	"created_at": "created_at",
	"price":      "price",
	"title":      "title",
}

type ProductCache interface {
	Get(ctx context.Context, id int64) (*models.Product, bool)
	Set(ctx context.Context, product *models.Product)
}

type ProductHandler struct {
	db             *sqlx.DB
	cache          ProductCache
	logger         *zap.Logger
	circuitBreaker *circuitbreaker.CircuitBreaker
}

func NewProductHandler(db *sqlx.DB, cache ProductCache, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		db:             db,
		cache:          cache,
		logger:         logger,
		circuitBreaker: breaker,
	}
}

// GetProduct serves from Redis when possible. The stock figure it returns is
// informational; checkout re-reads the row under lock.
func (h *ProductHandler) GetProduct(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "GetProduct")
	defer span.End()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Product not found."})
		return
	}
	span.SetAttributes(attribute.Int64("product.id", id))

	if product, ok := h.cache.Get(ctx, id); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		c.JSON(http.StatusOK, product)
		return
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	var product models.Product
	dbErr := h.circuitBreaker.Execute(ctx, func() error {
		err := h.db.GetContext(ctx, &product, getProductQuery, id)
		if errors.Is(err, sql.ErrNoRows) {
			// not found does not count against the breaker
			return nil
		}
		return err
	})

	if dbErr != nil {
		if errors.Is(dbErr, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Service temporarily unavailable"})
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch product",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int64("product_id", id),
			zap.Error(dbErr),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
		return
	}
	if product.ID == 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": "Product not found."})
		return
	}

	h.cache.Set(ctx, &product)
	c.JSON(http.StatusOK, product)
}

type productFilter struct {
	where  []string
	args   []any
	order  string
	limit  int
	offset int
	page   int
}

// parseProductFilter reads the listing query string. Invalid values are
// reported per parameter.
func parseProductFilter(c *gin.Context) (productFilter, map[string]string) {
	f := productFilter{
		where: []string{"status = $1"},
		args:  []any{models.ProductStatusActive},
	}
	fields := make(map[string]string)

	for _, bound := range []struct{ param, op string }{{"min_price", ">="}, {"max_price", "<="}} {
		raw, ok := c.GetQuery(bound.param)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil || price.IsNegative() {
			fields[bound.param] = "Must be a non-negative number."
			continue
		}
		f.args = append(f.args, price)
		f.where = append(f.where, fmt.Sprintf("price %s $%d", bound.op, len(f.args)))
	}

	column, ok := sortableProductColumns[c.DefaultQuery("sort_by", "created_at")]
	if !ok {
		fields["sort_by"] = "Must be one of created_at, price, title."
	}
	direction := strings.ToUpper(c.DefaultQuery("sort_order", "desc"))
	if direction != "ASC" && direction != "DESC" {
		fields["sort_order"] = "Must be asc or desc."
	}
	f.order = fmt.Sprintf("%s %s, id %s", column, direction, direction)

	perPage, err := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultProductsPerPage)))
	if err != nil || perPage < 1 || perPage > maxProductsPerPage {
		fields["per_page"] = fmt.Sprintf("Must be between 1 and %d.", maxProductsPerPage)
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	f.limit = perPage
	f.page = page
	f.offset = (page - 1) * perPage
	return f, fields
}

func (f productFilter) countQuery() string {
	return "SELECT COUNT(*) FROM products WHERE " + strings.Join(f.where, " AND ")
}

func (f productFilter) listQuery() (string, []any) {
	args := append(append([]any{}, f.args...), f.limit, f.offset)
	query := fmt.Sprintf("SELECT %s FROM products WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d",
		productColumns, strings.Join(f.where, " AND "), f.order, len(args)-1, len(args))
	return query, args
}

// ListProducts pages through active products. Listings bypass the cache.
func (h *ProductHandler) ListProducts(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-service").Start(c.Request.Context(), "ListProducts")
	defer span.End()

	filter, fields := parseProductFilter(c)
	if len(fields) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message": invalidDataMessage,
			"errors":  fields,
		})
		return
	}

	var total int
	products := []models.Product{}
	err := h.circuitBreaker.Execute(ctx, func() error {
		if err := h.db.GetContext(ctx, &total, filter.countQuery(), filter.args...); err != nil {
			return err
		}
		query, args := filter.listQuery()
		return h.db.SelectContext(ctx, &products, query, args...)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Service temporarily unavailable"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to list products",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("products.count", len(products)))
	c.JSON(http.StatusOK, models.ProductPage{
		Data:        products,
		CurrentPage: filter.page,
		PerPage:     filter.limit,
		Total:       total,
		LastPage:    lastPage(total, filter.limit),
	})
}
