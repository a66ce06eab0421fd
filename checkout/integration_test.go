//go:build integration

package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront-svc/database"
	"storefront-svc/models"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func setupPostgres(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("storefrontdb"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	db, err := database.InitDB(dsn, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.Migrate(db, logger))
	return db
}

func seedProduct(t *testing.T, db *sqlx.DB, title, price string, quantity int) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowx(
		"INSERT INTO products (title, price, quantity, status) VALUES ($1, $2, $3, 'active') RETURNING id",
		title, price, quantity,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func stockOf(t *testing.T, db *sqlx.DB, id int64) int {
	t.Helper()
	var quantity int
	require.NoError(t, db.Get(&quantity, "SELECT quantity FROM products WHERE id = $1", id))
	return quantity
}

func TestIntegration_LastUnitRace(t *testing.T) {
	db := setupPostgres(t)
	svc := NewService(db, zaptest.NewLogger(t))
	productID := seedProduct(t, db, "Last One", "49.99", 1)

	const buyers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		shortages int
	)

	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := svc.PlaceOrder(context.Background(), userID, shippingRequest(
				models.OrderLineRequest{ProductID: productID, Quantity: 1},
			))

			mu.Lock()
			defer mu.Unlock()
			var stockErr *InsufficientStockError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &stockErr):
				shortages++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, buyers-1, shortages)
	assert.Equal(t, 0, stockOf(t, db, productID))

	var orders int
	require.NoError(t, db.Get(&orders, "SELECT COUNT(*) FROM orders"))
	assert.Equal(t, 1, orders)
}

func TestIntegration_OverlappingCartsDoNotDeadlock(t *testing.T) {
	db := setupPostgres(t)
	svc := NewService(db, zaptest.NewLogger(t), WithLockTimeout(10*time.Second))
	a := seedProduct(t, db, "A", "10.00", 100)
	b := seedProduct(t, db, "B", "20.00", 100)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		lines := []models.OrderLineRequest{{ProductID: a, Quantity: 1}, {ProductID: b, Quantity: 1}}
		if i%2 == 1 {
			lines[0], lines[1] = lines[1], lines[0]
		}
		wg.Add(1)
		go func(userID int64, lines []models.OrderLineRequest) {
			defer wg.Done()
			_, err := svc.PlaceOrder(context.Background(), userID, shippingRequest(lines...))
			errs <- err
		}(int64(i+1), lines)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 80, stockOf(t, db, a))
	assert.Equal(t, 80, stockOf(t, db, b))
}

func TestIntegration_FailedPlacementLeavesNoTrace(t *testing.T) {
	db := setupPostgres(t)
	svc := NewService(db, zaptest.NewLogger(t))
	a := seedProduct(t, db, "A", "100.00", 10)
	b := seedProduct(t, db, "B", "15.00", 2)

	_, err := svc.PlaceOrder(context.Background(), 1, shippingRequest(
		models.OrderLineRequest{ProductID: a, Quantity: 3},
		models.OrderLineRequest{ProductID: b, Quantity: 5},
	))

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 10, stockOf(t, db, a))
	assert.Equal(t, 2, stockOf(t, db, b))

	var items int
	require.NoError(t, db.Get(&items, "SELECT COUNT(*) FROM order_items"))
	assert.Zero(t, items)
}

func TestIntegration_ClearsCart(t *testing.T) {
	db := setupPostgres(t)
	svc := NewService(db, zaptest.NewLogger(t))
	a := seedProduct(t, db, "A", "5.00", 10)

	var cartID int64
	require.NoError(t, db.QueryRowx("INSERT INTO carts (user_id) VALUES ($1) RETURNING id", 9).Scan(&cartID))
	_, err := db.Exec("INSERT INTO cart_items (cart_id, product_id, quantity, price) VALUES ($1, $2, 2, 5.00)", cartID, a)
	require.NoError(t, err)

	order, err := svc.PlaceOrder(context.Background(), 9, shippingRequest(
		models.OrderLineRequest{ProductID: a, Quantity: 2},
	))
	require.NoError(t, err)
	assert.Equal(t, "10", order.TotalAmount.String())

	var carts, cartItems int
	require.NoError(t, db.Get(&carts, "SELECT COUNT(*) FROM carts WHERE user_id = 9"))
	require.NoError(t, db.Get(&cartItems, "SELECT COUNT(*) FROM cart_items"))
	assert.Zero(t, carts)
	assert.Zero(t, cartItems)
}
