package checkout

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewOrderNumber(t *testing.T) {
	pattern := regexp.MustCompile(`^ORD-[0-9A-F]{10}$`)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n := NewOrderNumber()
		assert.Regexp(t, pattern, n)
		assert.False(t, seen[n], "duplicate order number %s", n)
		seen[n] = true
	}
}
