// Package ledger is the single authoritative store for net position,
// entry price, realized PnL, and session counters. All mutations go
// through ApplyFill under one critical section so that two fills can
// never observe the same previous position.
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoterd/quoterd/internal/market"
)

// Fill is one execution applied to the ledger.
type Fill struct {
	ClientOrderID string
	Side          market.Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	At            time.Time
}

// Delta describes one ledger mutation, emitted to the PnL listener.
type Delta struct {
	Fill             Fill
	PreviousPosition decimal.Decimal
	NetPosition      decimal.Decimal
	VWAPEntry        decimal.Decimal
	RealizedPnL      decimal.Decimal // cumulative after the fill
	RealizedChange   decimal.Decimal // contribution of this fill
}

// Snapshot is a point-in-time read of the ledger.
type Snapshot struct {
	NetPosition  decimal.Decimal
	VWAPEntry    decimal.Decimal
	RealizedPnL  decimal.Decimal
	Volume       decimal.Decimal
	BuyTrades    uint64
	SellTrades   uint64
	BuyVolume    decimal.Decimal
	SellVolume   decimal.Decimal
	MinSpreadBps decimal.Decimal
	MaxSpreadBps decimal.Decimal
	SessionStart time.Time
}

// Ledger tracks position and PnL for one session.
type Ledger struct {
	applyMu sync.Mutex // serializes ApplyFill and its callback, taken before mu
	mu      sync.Mutex

	position decimal.Decimal
	vwap     decimal.Decimal
	realized decimal.Decimal

	volume     decimal.Decimal
	buyTrades  uint64
	sellTrades uint64
	buyVolume  decimal.Decimal
	sellVolume decimal.Decimal

	minSpreadBps decimal.Decimal
	maxSpreadBps decimal.Decimal
	spreadSeen   bool

	sessionStart time.Time
	onDelta      func(Delta)
}

// New creates an empty ledger. onDelta, when non-nil, is invoked after
// every mutation, in mutation order, with no ledger lock held, so the
// listener may read back through the accessors.
func New(onDelta func(Delta)) *Ledger {
	return &Ledger{
		sessionStart: time.Now().UTC(),
		onDelta:      onDelta,
	}
}

// ApplyFill folds one fill into position, entry price, and realized
// PnL. A buy that covers a short (or a sell that unwinds a long)
// realizes PnL against the entry VWAP; quantity beyond flat re-opens at
// the fill price.
func (l *Ledger) ApplyFill(f Fill) Delta {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	prev := l.position
	signed := market.Signed(f.Side, f.Qty)
	next := prev.Add(signed)

	var realizedChange decimal.Decimal
	switch {
	case prev.Sign() >= 0 && f.Side == market.SideBuy:
		// extending a long (or opening from flat)
		if next.Sign() > 0 {
			weighted := l.vwap.Mul(prev.Abs()).Add(f.Qty.Mul(f.Price))
			l.vwap = weighted.Div(next.Abs())
		} else {
			l.vwap = f.Price
		}
	case prev.Sign() <= 0 && f.Side == market.SideSell:
		// extending a short (or opening from flat)
		if next.Sign() < 0 {
			weighted := l.vwap.Mul(prev.Abs()).Add(f.Qty.Mul(f.Price))
			l.vwap = weighted.Div(next.Abs())
		} else {
			l.vwap = f.Price
		}
	case f.Side == market.SideSell:
		// unwinding a long
		closed := decimal.Min(f.Qty, prev)
		realizedChange = f.Price.Sub(l.vwap).Mul(closed)
		if next.Sign() < 0 {
			l.vwap = f.Price // crossed through flat, re-opened short
		} else if next.Sign() == 0 {
			l.vwap = decimal.Zero
		}
	default:
		// buying back a short
		closed := decimal.Min(f.Qty, prev.Neg())
		realizedChange = l.vwap.Sub(f.Price).Mul(closed)
		if next.Sign() > 0 {
			l.vwap = f.Price
		} else if next.Sign() == 0 {
			l.vwap = decimal.Zero
		}
	}

	l.position = next
	l.realized = l.realized.Add(realizedChange)
	l.volume = l.volume.Add(f.Qty)
	if f.Side == market.SideBuy {
		l.buyTrades++
		l.buyVolume = l.buyVolume.Add(f.Qty)
	} else {
		l.sellTrades++
		l.sellVolume = l.sellVolume.Add(f.Qty)
	}

	delta := Delta{
		Fill:             f,
		PreviousPosition: prev,
		NetPosition:      next,
		VWAPEntry:        l.vwap,
		RealizedPnL:      l.realized,
		RealizedChange:   realizedChange,
	}
	l.mu.Unlock()

	if l.onDelta != nil {
		l.onDelta(delta)
	}
	return delta
}

// ObserveSpread records the spread seen at submission time for the
// session min/max counters.
func (l *Ledger) ObserveSpread(spreadBps decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.spreadSeen {
		l.minSpreadBps = spreadBps
		l.maxSpreadBps = spreadBps
		l.spreadSeen = true
		return
	}
	if spreadBps.LessThan(l.minSpreadBps) {
		l.minSpreadBps = spreadBps
	}
	if spreadBps.GreaterThan(l.maxSpreadBps) {
		l.maxSpreadBps = spreadBps
	}
}

// Position returns the current net position.
func (l *Ledger) Position() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

// RealizedPnL returns the cumulative realized PnL.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}

// UnrealizedPnL marks the open position against the given price.
func (l *Ledger) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(l.vwap).Mul(l.position)
}

// Snapshot copies out the full ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		NetPosition:  l.position,
		VWAPEntry:    l.vwap,
		RealizedPnL:  l.realized,
		Volume:       l.volume,
		BuyTrades:    l.buyTrades,
		SellTrades:   l.sellTrades,
		BuyVolume:    l.buyVolume,
		SellVolume:   l.sellVolume,
		MinSpreadBps: l.minSpreadBps,
		MaxSpreadBps: l.maxSpreadBps,
		SessionStart: l.sessionStart,
	}
}
