// Package strategy computes two-sided quoting intents. Compute is a
// pure function of the top of book, the net position, and the
// configured parameters; it performs no I/O and holds no state.
package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/quoterd/quoterd/internal/book"
)

var (
	one       = decimal.NewFromInt(1)
	two       = decimal.NewFromInt(2)
	half      = decimal.RequireFromString("0.5")
	sizeBoost = decimal.RequireFromString("1.5")
	levelFade = decimal.RequireFromString("0.1")
)

// Params are the quoting parameters. All prices are in quote units,
// quantities in base units.
type Params struct {
	TickSize        decimal.Decimal
	BaseOffsetTicks decimal.Decimal // quote this many ticks behind the touch
	MinSpreadTicks  decimal.Decimal // floor on our quoted spread
	OrderQty        decimal.Decimal
	NeutralBand     decimal.Decimal // |position| below this is considered flat
	MaxPosition     decimal.Decimal
	NumLevels       int // ladder depth
}

// Quote is one price level of an intent.
type Quote struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Intent is the output of one strategy evaluation. Bids[0] / Asks[0]
// are the primary quotes; further entries form the ladder.
type Intent struct {
	PlaceBid bool
	PlaceAsk bool
	Bids     []Quote
	Asks     []Quote
	Seq      uint64
	Reason   string
}

// Empty reports whether the intent places nothing.
func (i Intent) Empty() bool { return !i.PlaceBid && !i.PlaceAsk }

// Compute derives a quoting intent from the latest top of book and the
// current net position.
func Compute(top book.Top, position decimal.Decimal, p Params) Intent {
	if !top.Valid {
		return Intent{Seq: top.Seq, Reason: "top of book not quotable"}
	}
	if p.TickSize.Sign() <= 0 || p.OrderQty.Sign() <= 0 {
		return Intent{Seq: top.Seq, Reason: "quoting disabled by parameters"}
	}

	tick := p.TickSize
	offset := p.BaseOffsetTicks.Mul(tick)
	bid := top.BidPrice.Sub(offset)
	ask := top.AskPrice.Add(offset)
	reason := "two-sided"

	// enforce the spread floor around mid
	floor := p.MinSpreadTicks.Mul(tick)
	if ask.Sub(bid).LessThan(floor) {
		halfFloor := floor.Div(two)
		bid = top.Mid.Sub(halfFloor)
		ask = top.Mid.Add(halfFloor)
		reason = "spread floor"
	}

	bidQty := p.OrderQty
	askQty := p.OrderQty

	// inventory skew: shrink and fade the side that grows the position,
	// grow and tighten the side that reduces it
	if p.NeutralBand.Sign() > 0 && position.Abs().GreaterThan(p.NeutralBand) {
		scale := one.Sub(decimal.Min(one, position.Abs().Div(p.NeutralBand.Mul(two))))
		halfTick := tick.Div(two)
		if position.Sign() > 0 {
			bidQty = bidQty.Mul(half).Mul(scale)
			askQty = askQty.Mul(sizeBoost)
			ask = ask.Sub(halfTick)
			reason = "skew long"
		} else {
			askQty = askQty.Mul(half).Mul(scale)
			bidQty = bidQty.Mul(sizeBoost)
			bid = bid.Add(halfTick)
			reason = "skew short"
		}
	}

	// suppress a side that would push the position past the limit
	if p.MaxPosition.Sign() > 0 {
		if position.Add(bidQty).GreaterThan(p.MaxPosition) {
			bidQty = decimal.Zero
		}
		if position.Sub(askQty).LessThan(p.MaxPosition.Neg()) {
			askQty = decimal.Zero
		}
	}

	levels := p.NumLevels
	if levels < 1 {
		levels = 1
	}
	intent := Intent{Seq: top.Seq, Reason: reason}
	intent.Bids = ladder(bid, bidQty, tick, levels, true)
	intent.Asks = ladder(ask, askQty, tick, levels, false)
	intent.PlaceBid = len(intent.Bids) > 0
	intent.PlaceAsk = len(intent.Asks) > 0
	return intent
}

// ladder replicates the primary quote into progressively worse prices
// and smaller sizes. Bids snap down to the tick grid, asks snap up.
func ladder(price, qty, tick decimal.Decimal, levels int, isBid bool) []Quote {
	out := make([]Quote, 0, levels)
	for k := 0; k < levels; k++ {
		size := qty.Mul(one.Sub(levelFade.Mul(decimal.NewFromInt(int64(k)))))
		if size.Sign() <= 0 {
			break
		}
		var px decimal.Decimal
		if isBid {
			px = snapDown(price.Sub(tick.Mul(decimal.NewFromInt(int64(k)))), tick)
		} else {
			px = snapUp(price.Add(tick.Mul(decimal.NewFromInt(int64(k)))), tick)
		}
		if px.Sign() <= 0 {
			break
		}
		out = append(out, Quote{Price: px, Qty: size})
	}
	return out
}

func snapDown(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Floor().Mul(tick)
}

func snapUp(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Ceil().Mul(tick)
}
