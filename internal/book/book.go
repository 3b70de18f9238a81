// Package book maintains an incremental L2 order book for a single symbol.
//
// The book is mutated only by the market-data ingress; readers copy out
// a Top snapshot under a short critical section.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Side selects one half of the book.
type Side uint8

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// Level is an aggregate price level.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// ApplyResult classifies the outcome of applying a delta.
type ApplyResult uint8

const (
	// Applied means the delta mutated the book.
	Applied ApplyResult = iota
	// Stale means the delta's sequence is not newer than the last applied one.
	Stale
	// Gap means a sequence gap was detected; the caller must resync.
	Gap
	// Crossed means the delta would cross the book and was dropped.
	Crossed
)

const defaultMaxDepth = 100

// Book is the L2 book for one symbol.
type Book struct {
	symbol   string
	maxDepth int

	mu         sync.Mutex
	bids       []Level // price descending
	asks       []Level // price ascending
	seq        uint64  // monotonic counter of applied updates
	feedSeq    uint64  // last feed-supplied sequence, 0 until a snapshot arrives
	synced     bool
	lastUpdate time.Time

	crossedDrops uint64
	staleDrops   uint64
}

// New creates an empty book. maxDepth <= 0 selects the default of 100
// levels per side.
func New(symbol string, maxDepth int) *Book {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	return &Book{symbol: symbol, maxDepth: maxDepth}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// ApplySnapshot clears one side and installs the listed levels. Levels
// with qty <= 0 are omitted. Levels that would cross the resting
// opposite side are dropped and counted. feedSeq rebases the sequence
// gate; pass 0 for unsequenced feeds.
func (b *Book) ApplySnapshot(side Side, levels []Level, feedSeq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fresh := make([]Level, 0, len(levels))
	for _, lv := range levels {
		if lv.Qty.Sign() <= 0 || lv.Price.Sign() <= 0 {
			continue
		}
		fresh = append(fresh, lv)
	}
	if side == SideBid {
		sort.Slice(fresh, func(i, j int) bool { return fresh[i].Price.GreaterThan(fresh[j].Price) })
		b.bids = fresh
	} else {
		sort.Slice(fresh, func(i, j int) bool { return fresh[i].Price.LessThan(fresh[j].Price) })
		b.asks = fresh
	}
	b.uncross(side)
	b.trimLocked()

	if feedSeq > 0 {
		b.feedSeq = feedSeq
	}
	b.synced = true
	b.seq++
	b.lastUpdate = time.Now().UTC()
}

// ApplyDelta sets the level at price to qty (absolute replacement); qty
// of zero removes the level. Out-of-order deltas are dropped, a gap is
// reported to the caller, and crossing deltas are dropped and counted.
func (b *Book) ApplyDelta(side Side, price, qty decimal.Decimal, feedSeq uint64) ApplyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if feedSeq > 0 && b.feedSeq > 0 {
		switch {
		case feedSeq <= b.feedSeq:
			b.staleDrops++
			return Stale
		case feedSeq > b.feedSeq+1:
			b.synced = false
			return Gap
		}
	}

	if qty.Sign() > 0 && b.wouldCross(side, price) {
		b.crossedDrops++
		if feedSeq > 0 {
			b.feedSeq = feedSeq
		}
		return Crossed
	}

	b.setLevelLocked(side, price, qty)
	b.trimLocked()
	if feedSeq > 0 {
		b.feedSeq = feedSeq
	}
	b.seq++
	b.lastUpdate = time.Now().UTC()
	return Applied
}

// Best returns the top level of one side.
func (b *Book) Best(side Side) (Level, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bestLocked(side)
}

// MidPrice returns the midpoint of the best bid and ask.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, okB := b.bestLocked(SideBid)
	ask, okA := b.bestLocked(SideAsk)
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(two), true
}

// Depth returns up to n levels from the top of one side.
func (b *Book) Depth(side Side, n int) []Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.bids
	if side == SideAsk {
		src = b.asks
	}
	if n <= 0 || n > len(src) {
		n = len(src)
	}
	out := make([]Level, n)
	copy(out, src[:n])
	return out
}

// Levels returns the number of levels resting on one side.
func (b *Book) Levels(side Side) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if side == SideBid {
		return len(b.bids)
	}
	return len(b.asks)
}

// LastSeq returns the monotonic counter of applied updates.
func (b *Book) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// CrossedDrops returns the count of crossing deltas dropped.
func (b *Book) CrossedDrops() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.crossedDrops
}

// StaleDrops returns the count of out-of-order deltas dropped.
func (b *Book) StaleDrops() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.staleDrops
}

var two = decimal.NewFromInt(2)

func (b *Book) bestLocked(side Side) (Level, bool) {
	if side == SideBid {
		if len(b.bids) == 0 {
			return Level{}, false
		}
		return b.bids[0], true
	}
	if len(b.asks) == 0 {
		return Level{}, false
	}
	return b.asks[0], true
}

func (b *Book) wouldCross(side Side, price decimal.Decimal) bool {
	if side == SideBid {
		if best, ok := b.bestLocked(SideAsk); ok {
			return price.GreaterThanOrEqual(best.Price)
		}
		return false
	}
	if best, ok := b.bestLocked(SideBid); ok {
		return price.LessThanOrEqual(best.Price)
	}
	return false
}

// uncross drops levels on the freshly installed side that cross the
// resting opposite side's best.
func (b *Book) uncross(installed Side) {
	if installed == SideBid {
		best, ok := b.bestLocked(SideAsk)
		if !ok {
			return
		}
		for len(b.bids) > 0 && b.bids[0].Price.GreaterThanOrEqual(best.Price) {
			b.bids = b.bids[1:]
			b.crossedDrops++
		}
		return
	}
	best, ok := b.bestLocked(SideBid)
	if !ok {
		return
	}
	for len(b.asks) > 0 && b.asks[0].Price.LessThanOrEqual(best.Price) {
		b.asks = b.asks[1:]
		b.crossedDrops++
	}
}

func (b *Book) setLevelLocked(side Side, price, qty decimal.Decimal) {
	var (
		levels *[]Level
		less   func(a, p decimal.Decimal) bool
	)
	if side == SideBid {
		levels = &b.bids
		less = func(a, p decimal.Decimal) bool { return a.GreaterThan(p) } // descending
	} else {
		levels = &b.asks
		less = func(a, p decimal.Decimal) bool { return a.LessThan(p) } // ascending
	}

	idx := sort.Search(len(*levels), func(i int) bool {
		return !less((*levels)[i].Price, price)
	})
	found := idx < len(*levels) && (*levels)[idx].Price.Equal(price)

	switch {
	case qty.Sign() <= 0 && found:
		*levels = append((*levels)[:idx], (*levels)[idx+1:]...)
	case qty.Sign() <= 0:
		// removing an absent level is a no-op
	case found:
		(*levels)[idx].Qty = qty
	default:
		*levels = append(*levels, Level{})
		copy((*levels)[idx+1:], (*levels)[idx:])
		(*levels)[idx] = Level{Price: price, Qty: qty}
	}
}

func (b *Book) trimLocked() {
	if len(b.bids) > b.maxDepth {
		b.bids = b.bids[:b.maxDepth]
	}
	if len(b.asks) > b.maxDepth {
		b.asks = b.asks[:b.maxDepth]
	}
}
