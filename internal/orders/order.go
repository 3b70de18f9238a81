// Package orders owns the open-order table, the order state machine,
// and fill accounting. It is the only caller of the order-entry
// collaborator and the only writer of the ledger.
package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoterd/quoterd/internal/market"
)

// Status tracks the order lifecycle.
type Status uint8

const (
	StatusNew Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRejected:
		return "REJECTED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status ends the order's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Order is one entry of the open-order table.
type Order struct {
	ClientOrderID     string          `json:"client_order_id"`
	ExchangeID        string          `json:"exchange_id,omitempty"`
	Symbol            string          `json:"symbol"`
	Side              market.Side     `json:"side"`
	Kind              string          `json:"kind"`
	Price             decimal.Decimal `json:"price"`
	Qty               decimal.Decimal `json:"qty"`
	FilledQty         decimal.Decimal `json:"filled_qty"`
	Status            Status          `json:"status"`
	PendingCancel     bool            `json:"pending_cancel,omitempty"`
	SpreadBpsAtSubmit decimal.Decimal `json:"spread_bps_at_submit"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Age returns the order's age at now.
func (o Order) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}
