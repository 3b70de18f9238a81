package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoterd/quoterd/internal/market"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(side market.Side, qty, price string) Fill {
	return Fill{
		ClientOrderID: "x",
		Side:          side,
		Qty:           d(qty),
		Price:         d(price),
		At:            time.Now(),
	}
}

func TestRoundTripRealizesPnL(t *testing.T) {
	l := New(nil)
	l.ApplyFill(fill(market.SideBuy, "0.01", "100.00"))
	delta := l.ApplyFill(fill(market.SideSell, "0.01", "100.50"))

	if !delta.NetPosition.IsZero() {
		t.Fatalf("net position = %v, want 0", delta.NetPosition)
	}
	if !delta.RealizedPnL.Equal(d("0.005")) {
		t.Fatalf("realized pnl = %v, want 0.005", delta.RealizedPnL)
	}
}

func TestVWAPWeightsAcrossBuys(t *testing.T) {
	l := New(nil)
	l.ApplyFill(fill(market.SideBuy, "1", "100"))
	delta := l.ApplyFill(fill(market.SideBuy, "1", "110"))

	if !delta.VWAPEntry.Equal(d("105")) {
		t.Fatalf("vwap = %v, want 105", delta.VWAPEntry)
	}
	if !delta.NetPosition.Equal(d("2")) {
		t.Fatalf("position = %v, want 2", delta.NetPosition)
	}
}

func TestPartialUnwindKeepsEntry(t *testing.T) {
	l := New(nil)
	l.ApplyFill(fill(market.SideBuy, "2", "100"))
	delta := l.ApplyFill(fill(market.SideSell, "1", "103"))

	if !delta.RealizedChange.Equal(d("3")) {
		t.Fatalf("realized change = %v, want 3", delta.RealizedChange)
	}
	if !delta.VWAPEntry.Equal(d("100")) {
		t.Fatalf("vwap = %v, want entry kept at 100", delta.VWAPEntry)
	}
}

func TestSellThroughFlatReopensShort(t *testing.T) {
	l := New(nil)
	l.ApplyFill(fill(market.SideBuy, "1", "100"))
	delta := l.ApplyFill(fill(market.SideSell, "3", "102"))

	if !delta.NetPosition.Equal(d("-2")) {
		t.Fatalf("position = %v, want -2", delta.NetPosition)
	}
	// only the long unit realizes; the short re-opens at the fill price
	if !delta.RealizedChange.Equal(d("2")) {
		t.Fatalf("realized change = %v, want 2", delta.RealizedChange)
	}
	if !delta.VWAPEntry.Equal(d("102")) {
		t.Fatalf("vwap = %v, want 102", delta.VWAPEntry)
	}
}

func TestShortCoverRealizes(t *testing.T) {
	l := New(nil)
	l.ApplyFill(fill(market.SideSell, "1", "100"))
	delta := l.ApplyFill(fill(market.SideBuy, "1", "98"))

	if !delta.RealizedPnL.Equal(d("2")) {
		t.Fatalf("realized = %v, want 2", delta.RealizedPnL)
	}
	if !delta.NetPosition.IsZero() {
		t.Fatalf("position = %v, want 0", delta.NetPosition)
	}
}

func TestPositionMatchesSignedFillSum(t *testing.T) {
	l := New(nil)
	fills := []Fill{
		fill(market.SideBuy, "0.5", "100"),
		fill(market.SideSell, "0.2", "101"),
		fill(market.SideBuy, "0.1", "99"),
		fill(market.SideSell, "0.7", "100"),
		fill(market.SideBuy, "0.3", "98"),
	}
	want := decimal.Zero
	for _, f := range fills {
		want = want.Add(market.Signed(f.Side, f.Qty))
		l.ApplyFill(f)
	}
	if !l.Position().Equal(want) {
		t.Fatalf("position = %v, want signed sum %v", l.Position(), want)
	}
}

func TestDeltasObserveDistinctPreviousPositions(t *testing.T) {
	var (
		mu   sync.Mutex
		prev = map[string]int{}
	)
	l := New(func(delta Delta) {
		mu.Lock()
		prev[delta.PreviousPosition.String()]++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.ApplyFill(fill(market.SideBuy, "1", "100"))
		}()
	}
	wg.Wait()

	// serialized mutation: every fill saw a unique previous position
	if len(prev) != 50 {
		t.Fatalf("distinct previous positions = %d, want 50", len(prev))
	}
	if !l.Position().Equal(d("50")) {
		t.Fatalf("position = %v, want 50", l.Position())
	}
}

func TestSpreadCounters(t *testing.T) {
	l := New(nil)
	l.ObserveSpread(d("2.5"))
	l.ObserveSpread(d("1.0"))
	l.ObserveSpread(d("4.0"))

	snap := l.Snapshot()
	if !snap.MinSpreadBps.Equal(d("1.0")) || !snap.MaxSpreadBps.Equal(d("4.0")) {
		t.Fatalf("spread min/max = %v/%v, want 1.0/4.0", snap.MinSpreadBps, snap.MaxSpreadBps)
	}
}

func TestDeltaListenerMayReadLedger(t *testing.T) {
	var got Delta
	var seen decimal.Decimal
	var l *Ledger
	l = New(func(d Delta) {
		got = d
		seen = l.RealizedPnL() // reads back through the accessors
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.ApplyFill(fill(market.SideBuy, "0.01", "100.00"))
		l.ApplyFill(fill(market.SideSell, "0.01", "100.50"))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ApplyFill did not return while a listener reads the ledger")
	}
	if !got.RealizedPnL.Equal(d("0.005")) {
		t.Fatalf("listener delta realized = %v, want 0.005", got.RealizedPnL)
	}
	if !seen.Equal(d("0.005")) {
		t.Fatalf("listener accessor read = %v, want 0.005", seen)
	}
}

func TestDeltaListenerOrdering(t *testing.T) {
	var mu sync.Mutex
	var positions []decimal.Decimal
	l := New(func(d Delta) {
		mu.Lock()
		positions = append(positions, d.NetPosition)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.ApplyFill(fill(market.SideBuy, "1", "100"))
		}()
	}
	wg.Wait()

	if len(positions) != 20 {
		t.Fatalf("listener saw %d deltas, want 20", len(positions))
	}
	for i, p := range positions {
		if !p.Equal(decimal.NewFromInt(int64(i + 1))) {
			t.Fatalf("delta %d carried position %v, want %d", i, p, i+1)
		}
	}
}
