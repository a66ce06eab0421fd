package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"storefront-svc/middleware"
	"storefront-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var orderColumnNames = []string{
	"id", "user_id", "order_number", "status", "payment_status", "payment_method", "total_amount",
	"shipping_name", "shipping_address", "shipping_city", "shipping_postal_code", "shipping_phone",
	"created_at", "updated_at",
}

var orderItemColumnNames = []string{"id", "order_id", "product_id", "product_name", "price", "quantity", "total", "created_at"}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
}

// newRouter authenticates every request as userID; zero leaves it anonymous.
func newRouter(userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if userID > 0 {
			middleware.SetUserID(c, userID)
		}
		c.Next()
	})
	return router
}

func addOrderRow(rows *sqlmock.Rows, id, userID int64, number, paymentStatus, total string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, userID, number, "pending", paymentStatus, "cod", total,
		"Jane Doe", "12 Market Street", "Springfield", "12345", "555-0100", now, now)
}

func perform(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

type fakePlacer struct {
	order *models.Order
	err   error
	calls int
	req   models.PlaceOrderRequest
}

func (f *fakePlacer) PlaceOrder(_ context.Context, _ int64, req models.PlaceOrderRequest) (*models.Order, error) {
	f.calls++
	f.req = req
	return f.order, f.err
}

type fakePublisher struct {
	published []*models.Order
	err       error
}

func (f *fakePublisher) PublishOrderCreated(_ context.Context, order *models.Order) error {
	f.published = append(f.published, order)
	return f.err
}

type fakeProductCache struct {
	products    map[int64]*models.Product
	stored      []*models.Product
	invalidated []int64
}

func (f *fakeProductCache) Get(_ context.Context, id int64) (*models.Product, bool) {
	p, ok := f.products[id]
	return p, ok
}

func (f *fakeProductCache) Set(_ context.Context, product *models.Product) {
	f.stored = append(f.stored, product)
}

func (f *fakeProductCache) Invalidate(_ context.Context, ids ...int64) {
	f.invalidated = append(f.invalidated, ids...)
}
