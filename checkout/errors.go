package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
)

// ValidationError reports request fields that were rejected before any write.
// Keys use the JSON path of the field, e.g. "items[1].quantity".
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid order request: " + strings.Join(parts, "; ")
}

type StockShortage struct {
	ProductID int64  `json:"product_id"`
	Title     string `json:"title"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientStockError lists every product whose stock could not cover the
// requested quantity.
type InsufficientStockError struct {
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	titles := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		titles[i] = s.Title
	}
	return "Insufficient stock for product: " + strings.Join(titles, ", ")
}

// TransientError wraps storage failures that are safe to retry as a whole,
// such as a lock wait timeout or a detected deadlock.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient persistence failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const orderNumberConstraint = "orders_order_number_key"

func classify(err error) error {
	var ve *ValidationError
	var se *InsufficientStockError
	if errors.As(err, &ve) || errors.As(err, &se) {
		return err
	}
	if isTransientCause(err) {
		return &TransientError{Err: err}
	}
	return err
}

func isTransientCause(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Name() {
	case "lock_not_available", "deadlock_detected", "serialization_failure", "query_canceled":
		return true
	}
	return false
}

func isOrderNumberConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) &&
		pqErr.Code.Name() == "unique_violation" &&
		pqErr.Constraint == orderNumberConstraint
}
