// Package checkout places orders. A placement locks every requested product
// row, verifies stock, decrements inventory, writes the order with its items
// and clears the buyer's cart inside a single database transaction.
package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"storefront-svc/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	setLockTimeoutQuery = "SELECT set_config('lock_timeout', $1, true)"

	lockProductQuery = "SELECT id, title, price, quantity, status FROM products WHERE id = $1 FOR UPDATE"

	decrementStockQuery = "UPDATE products SET quantity = quantity - $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND quantity >= $1"

	insertOrderQuery = `INSERT INTO orders (user_id, order_number, status, payment_status, payment_method, total_amount,
	shipping_name, shipping_address, shipping_city, shipping_postal_code, shipping_phone)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING id, created_at, updated_at`

	insertOrderItemQuery = `INSERT INTO order_items (order_id, product_id, product_name, price, quantity, total)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id, created_at`

	clearCartQuery = "DELETE FROM carts WHERE user_id = $1"
)

type Service struct {
	db             *sqlx.DB
	logger         *zap.Logger
	lockTimeout    time.Duration
	maxAttempts    int
	newOrderNumber func() string
}

type Option func(*Service)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithOrderNumberAttempts sets how many times a placement is re-run after an
// order number collision.
func WithOrderNumberAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithOrderNumberGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newOrderNumber = fn
		}
	}
}

func NewService(db *sqlx.DB, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		db:             db,
		logger:         logger,
		lockTimeout:    5 * time.Second,
		maxAttempts:    3,
		newOrderNumber: NewOrderNumber,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder creates an order for userID or returns an error with no side
// effects. Errors are *ValidationError, *InsufficientStockError,
// *TransientError or an unexpected persistence error.
func (s *Service) PlaceOrder(ctx context.Context, userID int64, req models.PlaceOrderRequest) (*models.Order, error) {
	ctx, span := otel.Tracer("storefront-service").Start(ctx, "checkout.PlaceOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int("items.count", len(req.Items)),
	)

	if err := validateRequest(req); err != nil {
		span.RecordError(err)
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		order, err := s.placeOnce(ctx, userID, req, s.newOrderNumber())
		if err == nil {
			span.SetAttributes(
				attribute.Int64("order.id", order.ID),
				attribute.String("order.number", order.OrderNumber),
			)
			return order, nil
		}

		if isOrderNumberConflict(err) && attempt < s.maxAttempts {
			s.logger.Warn("Order number collision, retrying placement",
				zap.Int64("user_id", userID),
				zap.Int("attempt", attempt),
			)
			continue
		}

		err = classify(err)
		span.RecordError(err)
		return nil, err
	}
}

func (s *Service) placeOnce(ctx context.Context, userID int64, req models.PlaceOrderRequest, orderNumber string) (*models.Order, error) {
	requested, ids := aggregate(req.Items)

	var order *models.Order
	err := s.transact(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, setLockTimeoutQuery, fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}

		products, err := lockProducts(ctx, tx, ids, req.Items)
		if err != nil {
			return err
		}

		if err := checkStock(req.Items, requested, products); err != nil {
			return err
		}

		for _, id := range ids {
			if err := decrementStock(ctx, tx, id, requested[id]); err != nil {
				return err
			}
		}

		order = buildOrder(userID, orderNumber, req, products)

		if err := insertOrder(ctx, tx, order); err != nil {
			return err
		}

		for i := range order.Items {
			if err := insertOrderItem(ctx, tx, order.ID, &order.Items[i]); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, clearCartQuery, userID); err != nil {
			return fmt.Errorf("failed to clear cart: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// transact runs fn inside a transaction, rolling back on error or panic.
func (s *Service) transact(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("Failed to roll back order transaction", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// aggregate sums quantities per product and returns the distinct product ids
// in ascending order. Locks are always taken in that order so that two
// checkouts with overlapping carts cannot deadlock. Sums are bounded by
// validateRequest.
func aggregate(lines []models.OrderLineRequest) (map[int64]int, []int64) {
	requested := make(map[int64]int, len(lines))
	for _, line := range lines {
		requested[line.ProductID] += line.Quantity
	}

	ids := make([]int64, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return requested, ids
}

func lockProducts(ctx context.Context, tx *sqlx.Tx, ids []int64, lines []models.OrderLineRequest) (map[int64]models.Product, error) {
	products := make(map[int64]models.Product, len(ids))
	missing := make(map[int64]bool)

	for _, id := range ids {
		var p models.Product
		err := tx.GetContext(ctx, &p, lockProductQuery, id)
		if errors.Is(err, sql.ErrNoRows) {
			missing[id] = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock product %d: %w", id, err)
		}
		products[id] = p
	}

	if len(missing) > 0 {
		fields := make(map[string]string)
		for i, line := range lines {
			if missing[line.ProductID] {
				fields[fmt.Sprintf("items[%d].product_id", i)] = "The selected product does not exist."
			}
		}
		return nil, &ValidationError{Fields: fields}
	}
	return products, nil
}

// checkStock reports shortages in the order products first appear in the request.
func checkStock(lines []models.OrderLineRequest, requested map[int64]int, products map[int64]models.Product) error {
	var shortages []StockShortage
	seen := make(map[int64]bool, len(products))

	for _, line := range lines {
		if seen[line.ProductID] {
			continue
		}
		seen[line.ProductID] = true

		p := products[line.ProductID]
		if p.Quantity < requested[line.ProductID] {
			shortages = append(shortages, StockShortage{
				ProductID: p.ID,
				Title:     p.Title,
				Requested: requested[line.ProductID],
				Available: p.Quantity,
			})
		}
	}

	if len(shortages) > 0 {
		return &InsufficientStockError{Shortages: shortages}
	}
	return nil
}

func decrementStock(ctx context.Context, tx *sqlx.Tx, productID int64, quantity int) error {
	res, err := tx.ExecContext(ctx, decrementStockQuery, quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to decrement stock for product %d: %w", productID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to decrement stock for product %d: %w", productID, err)
	}
	if n != 1 {
		return fmt.Errorf("stock for product %d changed while locked", productID)
	}
	return nil
}

func buildOrder(userID int64, orderNumber string, req models.PlaceOrderRequest, products map[int64]models.Product) *models.Order {
	order := &models.Order{
		UserID:             userID,
		OrderNumber:        orderNumber,
		Status:             models.OrderStatusPending,
		PaymentStatus:      models.PaymentStatusPending,
		PaymentMethod:      models.PaymentMethodCOD,
		TotalAmount:        decimal.Zero,
		ShippingName:       req.ShippingName,
		ShippingAddress:    req.ShippingAddress,
		ShippingCity:       req.ShippingCity,
		ShippingPostalCode: req.ShippingPostalCode,
		ShippingPhone:      req.ShippingPhone,
		Items:              make([]models.OrderItem, 0, len(req.Items)),
	}

	for _, line := range req.Items {
		p := products[line.ProductID]
		total := p.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))

		order.Items = append(order.Items, models.OrderItem{
			ProductID:   p.ID,
			ProductName: p.Title,
			Price:       p.Price,
			Quantity:    line.Quantity,
			Total:       total,
		})
		order.TotalAmount = order.TotalAmount.Add(total)
	}
	return order
}

func insertOrder(ctx context.Context, tx *sqlx.Tx, order *models.Order) error {
	err := tx.QueryRowxContext(ctx, insertOrderQuery,
		order.UserID,
		order.OrderNumber,
		order.Status,
		order.PaymentStatus,
		order.PaymentMethod,
		order.TotalAmount,
		order.ShippingName,
		order.ShippingAddress,
		order.ShippingCity,
		order.ShippingPostalCode,
		order.ShippingPhone,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func insertOrderItem(ctx context.Context, tx *sqlx.Tx, orderID int64, item *models.OrderItem) error {
	item.OrderID = orderID
	err := tx.QueryRowxContext(ctx, insertOrderItemQuery,
		orderID,
		item.ProductID,
		item.ProductName,
		item.Price,
		item.Quantity,
		item.Total,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order item for product %d: %w", item.ProductID, err)
	}
	return nil
}

func validateRequest(req models.PlaceOrderRequest) error {
	fields := make(map[string]string)

	if len(req.Items) == 0 {
		fields["items"] = "At least one item is required."
	}
	totals := make(map[int64]int, len(req.Items))
	for i, line := range req.Items {
		validID := line.ProductID > 0 && line.ProductID <= models.MaxProductID
		if !validID {
			fields[fmt.Sprintf("items[%d].product_id", i)] = "A valid product is required."
		}

		switch {
		case line.Quantity < 1:
			fields[fmt.Sprintf("items[%d].quantity", i)] = "Quantity must be at least 1."
		case line.Quantity > models.MaxQuantity:
			fields[fmt.Sprintf("items[%d].quantity", i)] = fmt.Sprintf("Quantity may not be greater than %d.", models.MaxQuantity)
		case validID:
			// totals stay within MaxQuantity, so aggregate cannot overflow
			if line.Quantity > models.MaxQuantity-totals[line.ProductID] {
				fields[fmt.Sprintf("items[%d].quantity", i)] = fmt.Sprintf("Total quantity for a product may not be greater than %d.", models.MaxQuantity)
				continue
			}
			totals[line.ProductID] += line.Quantity
		}
	}

	shipping := map[string]string{
		"shipping_name":        req.ShippingName,
		"shipping_address":     req.ShippingAddress,
		"shipping_city":        req.ShippingCity,
		"shipping_postal_code": req.ShippingPostalCode,
		"shipping_phone":       req.ShippingPhone,
	}
	for field, value := range shipping {
		if strings.TrimSpace(value) == "" {
			fields[field] = "This field is required."
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
