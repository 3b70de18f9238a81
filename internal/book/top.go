package book

import (
	"time"

	"github.com/shopspring/decimal"
)

var bpsFactor = decimal.NewFromInt(10000)

// Top is a compact top-of-book snapshot. It is produced on each applied
// update and consumed once by the quoting loop.
type Top struct {
	Symbol    string
	BidPrice  decimal.Decimal
	BidQty    decimal.Decimal
	AskPrice  decimal.Decimal
	AskQty    decimal.Decimal
	Spread    decimal.Decimal
	SpreadBps decimal.Decimal
	Mid       decimal.Decimal
	Seq       uint64
	At        time.Time
	Valid     bool
}

// Top copies out the current top of book. Valid is false when either
// side is empty or the book is awaiting a resync snapshot.
func (b *Book) Top() Top {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := Top{Symbol: b.symbol, Seq: b.seq, At: b.lastUpdate}
	bid, okB := b.bestLocked(SideBid)
	ask, okA := b.bestLocked(SideAsk)
	if !okB || !okA || !b.synced {
		return t
	}

	t.BidPrice, t.BidQty = bid.Price, bid.Qty
	t.AskPrice, t.AskQty = ask.Price, ask.Qty
	t.Spread = ask.Price.Sub(bid.Price)
	t.Mid = bid.Price.Add(ask.Price).Div(two)
	if t.Mid.Sign() > 0 {
		t.SpreadBps = t.Spread.Div(t.Mid).Mul(bpsFactor)
	}
	t.Valid = true
	return t
}
