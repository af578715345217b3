package trading

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TradeStatus is the lifecycle state of a trade: pending -> filled on the
// synchronous execution path, pending -> cancelled reserved for asynchronous
// fill reporting.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusFilled    TradeStatus = "filled"
	StatusCancelled TradeStatus = "cancelled"
)

// Trade is an immutable execution record.
type Trade struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Quantity  float64     `json:"quantity"`
	Price     float64     `json:"price"`
	Timestamp time.Time   `json:"timestamp"`
	Status    TradeStatus `json:"status"`
}

// NewTradeID builds a unique trade id: millisecond timestamp plus a random
// suffix, sortable by creation time.
func NewTradeID(now time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("T%d-%s", now.UnixMilli(), suffix)
}
