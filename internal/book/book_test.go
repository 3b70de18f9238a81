package book

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func seedBook(t *testing.T) *Book {
	t.Helper()
	b := New("BTC-USD", 0)
	b.ApplySnapshot(SideBid, []Level{
		{Price: d("100.00"), Qty: d("1")},
		{Price: d("99.99"), Qty: d("2")},
	}, 10)
	b.ApplySnapshot(SideAsk, []Level{
		{Price: d("100.01"), Qty: d("1")},
		{Price: d("100.02"), Qty: d("3")},
	}, 10)
	return b
}

func TestSnapshotOrderingAndBest(t *testing.T) {
	b := seedBook(t)

	bid, ok := b.Best(SideBid)
	if !ok || !bid.Price.Equal(d("100.00")) {
		t.Fatalf("best bid = %v ok=%v, want 100.00", bid.Price, ok)
	}
	ask, ok := b.Best(SideAsk)
	if !ok || !ask.Price.Equal(d("100.01")) {
		t.Fatalf("best ask = %v ok=%v, want 100.01", ask.Price, ok)
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	levels := []Level{
		{Price: d("100.00"), Qty: d("1")},
		{Price: d("99.98"), Qty: d("5")},
	}
	b := New("BTC-USD", 0)
	b.ApplySnapshot(SideBid, levels, 5)
	first := b.Depth(SideBid, 0)
	b.ApplySnapshot(SideBid, levels, 6)
	second := b.Depth(SideBid, 0)

	if len(first) != len(second) {
		t.Fatalf("depth changed after re-applying snapshot: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Price.Equal(second[i].Price) || !first[i].Qty.Equal(second[i].Qty) {
			t.Fatalf("level %d mismatch: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestDeltaSetAndRemove(t *testing.T) {
	b := seedBook(t)

	if res := b.ApplyDelta(SideBid, d("99.995"), d("4"), 11); res != Applied {
		t.Fatalf("insert delta result = %v, want Applied", res)
	}
	if got := b.Levels(SideBid); got != 3 {
		t.Fatalf("bid levels = %d, want 3", got)
	}

	// absolute replacement, not additive
	if res := b.ApplyDelta(SideBid, d("100.00"), d("9"), 12); res != Applied {
		t.Fatalf("replace delta result = %v, want Applied", res)
	}
	bid, _ := b.Best(SideBid)
	if !bid.Qty.Equal(d("9")) {
		t.Fatalf("best bid qty = %v, want 9", bid.Qty)
	}

	if res := b.ApplyDelta(SideBid, d("100.00"), decimal.Zero, 13); res != Applied {
		t.Fatalf("remove delta result = %v, want Applied", res)
	}
	bid, _ = b.Best(SideBid)
	if !bid.Price.Equal(d("99.995")) {
		t.Fatalf("best bid after removal = %v, want 99.995", bid.Price)
	}
}

func TestCrossingDeltaDropped(t *testing.T) {
	b := seedBook(t)

	if res := b.ApplyDelta(SideBid, d("100.05"), d("1"), 11); res != Crossed {
		t.Fatalf("crossing delta result = %v, want Crossed", res)
	}
	if b.CrossedDrops() != 1 {
		t.Fatalf("crossed drops = %d, want 1", b.CrossedDrops())
	}
	bid, _ := b.Best(SideBid)
	ask, _ := b.Best(SideAsk)
	if !bid.Price.LessThan(ask.Price) {
		t.Fatalf("book crossed after rejected delta: bid=%v ask=%v", bid.Price, ask.Price)
	}
}

func TestSequenceGating(t *testing.T) {
	b := seedBook(t)

	if res := b.ApplyDelta(SideBid, d("99.90"), d("1"), 10); res != Stale {
		t.Fatalf("stale delta result = %v, want Stale", res)
	}
	if res := b.ApplyDelta(SideBid, d("99.90"), d("1"), 9); res != Stale {
		t.Fatalf("old delta result = %v, want Stale", res)
	}
	if res := b.ApplyDelta(SideBid, d("99.90"), d("1"), 12); res != Gap {
		t.Fatalf("gapped delta result = %v, want Gap", res)
	}
	if top := b.Top(); top.Valid {
		t.Fatal("top valid after gap, want invalid until resync")
	}

	// a fresh snapshot resyncs the book
	b.ApplySnapshot(SideBid, []Level{{Price: d("101.00"), Qty: d("1")}}, 20)
	b.ApplySnapshot(SideAsk, []Level{{Price: d("101.10"), Qty: d("1")}}, 20)
	top := b.Top()
	if !top.Valid || !top.BidPrice.Equal(d("101.00")) || !top.AskPrice.Equal(d("101.10")) {
		t.Fatalf("top after resync = %+v", top)
	}
	if res := b.ApplyDelta(SideBid, d("100.90"), d("1"), 21); res != Applied {
		t.Fatalf("delta after resync = %v, want Applied", res)
	}
}

func TestDepthCap(t *testing.T) {
	b := New("BTC-USD", 3)
	for i := 0; i < 6; i++ {
		price := decimal.NewFromInt(int64(100 - i))
		if res := b.ApplyDelta(SideBid, price, d("1"), 0); res != Applied {
			t.Fatalf("delta %d result = %v", i, res)
		}
	}
	if got := b.Levels(SideBid); got != 3 {
		t.Fatalf("bid levels = %d, want 3", got)
	}
	levels := b.Depth(SideBid, 0)
	if !levels[0].Price.Equal(d("100")) || !levels[2].Price.Equal(d("98")) {
		t.Fatalf("kept wrong levels: %+v", levels)
	}
}

func TestTopSpreadBps(t *testing.T) {
	b := seedBook(t)
	top := b.Top()
	if !top.Valid {
		t.Fatal("top invalid")
	}
	if !top.Spread.Equal(d("0.01")) {
		t.Fatalf("spread = %v, want 0.01", top.Spread)
	}
	// (100.01-100.00)/100.005*10000 ~= 0.99995 bps
	if top.SpreadBps.LessThan(d("0.9999")) || top.SpreadBps.GreaterThan(d("1.0001")) {
		t.Fatalf("spread bps = %v, want ~1", top.SpreadBps)
	}
}

func TestTopInvalidWhenSideEmpty(t *testing.T) {
	b := New("BTC-USD", 0)
	if top := b.Top(); top.Valid {
		t.Fatal("empty book top marked valid")
	}
	b.ApplySnapshot(SideBid, []Level{{Price: d("100"), Qty: d("1")}}, 1)
	if top := b.Top(); top.Valid {
		t.Fatal("one-sided book top marked valid")
	}
}

func TestSnapshotUncrosses(t *testing.T) {
	b := New("BTC-USD", 0)
	b.ApplySnapshot(SideAsk, []Level{{Price: d("100.01"), Qty: d("1")}}, 1)
	b.ApplySnapshot(SideBid, []Level{
		{Price: d("100.02"), Qty: d("1")}, // crosses resting ask
		{Price: d("100.00"), Qty: d("1")},
	}, 2)

	bid, _ := b.Best(SideBid)
	if !bid.Price.Equal(d("100.00")) {
		t.Fatalf("best bid = %v, want 100.00", bid.Price)
	}
	if b.CrossedDrops() != 1 {
		t.Fatalf("crossed drops = %d, want 1", b.CrossedDrops())
	}
}
