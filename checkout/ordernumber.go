package checkout

import (
	"strings"

	"github.com/google/uuid"
)

const (
	orderNumberPrefix = "ORD-"
	orderNumberLength = 10
)

// NewOrderNumber returns "ORD-" followed by ten uppercase characters of a
// random UUID. Uniqueness is enforced by the orders_order_number_key constraint.
func NewOrderNumber() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return orderNumberPrefix + strings.ToUpper(id[:orderNumberLength])
}
