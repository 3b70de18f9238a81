package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoterd/quoterd/internal/ledger"
	"github.com/quoterd/quoterd/internal/market"
	"github.com/quoterd/quoterd/internal/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubVenue struct {
	mu       sync.Mutex
	places   int
	cancels  int
	placeErr error
}

func (s *stubVenue) Place(_ context.Context, req venue.PlaceRequest) (venue.PlaceResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.places++
	if s.placeErr != nil {
		return venue.PlaceResponse{}, s.placeErr
	}
	return venue.PlaceResponse{ExchangeID: "x-" + req.ClientOrderID, Status: venue.AckAccepted}, nil
}

func (s *stubVenue) Cancel(_ context.Context, _ venue.CancelRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return nil
}

func (s *stubVenue) Status(_ context.Context, _ string) (venue.StatusResponse, error) {
	return venue.StatusResponse{}, nil
}

func (s *stubVenue) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.places, s.cancels
}

type stubGate struct {
	allow  bool
	reason string
	subs   int
}

func (g *stubGate) MayPlace(market.Side, decimal.Decimal) (bool, string) {
	return g.allow, g.reason
}

func (g *stubGate) RecordSubmission(time.Time) { g.subs++ }

func quiet() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nilWriter{})
	return log
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func newManager(t *testing.T, v venue.OrderEntry, gate RiskGate) (*Manager, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(nil)
	m := New(Config{
		Symbol:   "BTC-USD",
		TickSize: d("0.01"),
		MinQty:   d("0.001"),
		MaxQty:   d("1"),
	}, v, gate, led, quiet())
	return m, led
}

func TestSubmitIdempotent(t *testing.T) {
	v := &stubVenue{}
	m, _ := newManager(t, v, &stubGate{allow: true})

	ack1, err := m.SubmitWithID(context.Background(), "dup-1", market.SideBuy, d("100.00"), d("0.01"))
	require.NoError(t, err)
	require.Equal(t, "x-dup-1", ack1.ExchangeID)

	ack2, err := m.SubmitWithID(context.Background(), "dup-1", market.SideBuy, d("100.00"), d("0.01"))
	require.NoError(t, err)
	assert.Equal(t, ack1.ClientOrderID, ack2.ClientOrderID)

	places, _ := v.counts()
	assert.Equal(t, 1, places, "resubmission must not reach the venue")
}

func TestSubmitRiskDeniedSkipsVenue(t *testing.T) {
	v := &stubVenue{}
	m, _ := newManager(t, v, &stubGate{allow: false, reason: "position limit exceeded"})

	_, err := m.Submit(context.Background(), market.SideBuy, d("100.00"), d("0.01"))
	require.ErrorIs(t, err, ErrRiskRejected)
	assert.Contains(t, err.Error(), "position limit exceeded")

	places, _ := v.counts()
	assert.Zero(t, places, "denied order must never reach the venue")
	assert.Empty(t, m.OpenOrders())
}

func TestSubmitValidation(t *testing.T) {
	v := &stubVenue{}
	m, _ := newManager(t, v, &stubGate{allow: true})
	ctx := context.Background()

	_, err := m.Submit(ctx, market.SideBuy, d("100.005"), d("0.01"))
	assert.ErrorIs(t, err, ErrInvalidOrder, "off-tick price")

	_, err = m.Submit(ctx, market.SideBuy, d("100.00"), d("0.0001"))
	assert.ErrorIs(t, err, ErrInvalidOrder, "qty below minimum")

	_, err = m.Submit(ctx, market.SideUnknown, d("100.00"), d("0.01"))
	assert.ErrorIs(t, err, ErrInvalidOrder, "bad side")

	places, _ := v.counts()
	assert.Zero(t, places)
}

func TestCancelIdempotent(t *testing.T) {
	v := &stubVenue{}
	m, _ := newManager(t, v, &stubGate{allow: true})
	ctx := context.Background()

	_, err := m.SubmitWithID(ctx, "c-1", market.SideSell, d("101.00"), d("0.01"))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, "c-1"))
	require.NoError(t, m.Cancel(ctx, "c-1"))
	require.NoError(t, m.Cancel(ctx, "never-existed"))

	_, cancels := v.counts()
	assert.Equal(t, 1, cancels, "repeated cancels collapse to one venue call")
	assert.Empty(t, m.OpenOrders())
}

func TestFillLifecycle(t *testing.T) {
	v := &stubVenue{}
	m, led := newManager(t, v, &stubGate{allow: true})
	ctx := context.Background()

	_, err := m.SubmitWithID(ctx, "f-1", market.SideBuy, d("100.00"), d("0.01"))
	require.NoError(t, err)

	now := time.Now().UTC()
	m.OnFill(venue.Fill{ClientOrderID: "f-1", Side: market.SideBuy, Qty: d("0.004"), Price: d("100.00"), At: now})

	open := m.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, StatusPartiallyFilled, open[0].Status)
	assert.True(t, open[0].Remaining().Equal(d("0.006")))

	m.OnFill(venue.Fill{ClientOrderID: "f-1", Side: market.SideBuy, Qty: d("0.006"), Price: d("100.00"), At: now})

	assert.Empty(t, m.OpenOrders(), "filled order leaves the table")
	assert.True(t, led.Position().Equal(d("0.01")))
	assert.Equal(t, uint64(1), m.Stats().Filled)
}

func TestSweepCancelsAtTimeout(t *testing.T) {
	v := &stubVenue{}
	led := ledger.New(nil)
	m := New(Config{
		Symbol:       "BTC-USD",
		TickSize:     d("0.01"),
		OrderTimeout: 30 * time.Millisecond,
	}, v, &stubGate{allow: true}, led, quiet())
	ctx := context.Background()

	_, err := m.SubmitWithID(ctx, "s-1", market.SideBuy, d("100.00"), d("0.01"))
	require.NoError(t, err)

	m.SweepStale(ctx)
	_, cancels := v.counts()
	assert.Zero(t, cancels, "fresh order must not be swept")

	// push the order's age exactly to the timeout boundary
	m.mu.Lock()
	m.table["s-1"].CreatedAt = time.Now().UTC().Add(-30 * time.Millisecond)
	m.mu.Unlock()

	m.SweepStale(ctx)
	_, cancels = v.counts()
	assert.Equal(t, 1, cancels, "order aged to the timeout is canceled")
}

func TestPlaceRetryOnTransient(t *testing.T) {
	boom := venue.NewError(venue.KindValidation, "bad order")
	v := &stubVenue{placeErr: boom}
	led := ledger.New(nil)
	m := New(Config{
		Symbol:       "BTC-USD",
		TickSize:     d("0.01"),
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, v, &stubGate{allow: true}, led, quiet())

	_, err := m.SubmitWithID(context.Background(), "r-1", market.SideBuy, d("100.00"), d("0.01"))
	require.Error(t, err)

	places, _ := v.counts()
	assert.Equal(t, 1, places, "validation failures never retry")
	assert.Empty(t, m.OpenOrders())

	v2 := &stubVenue{placeErr: errors.New("connection reset")}
	m2 := New(Config{
		Symbol:       "BTC-USD",
		TickSize:     d("0.01"),
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, v2, &stubGate{allow: true}, led, quiet())

	_, err = m2.SubmitWithID(context.Background(), "r-2", market.SideBuy, d("100.00"), d("0.01"))
	require.Error(t, err)

	places, _ = v2.counts()
	assert.Equal(t, 3, places, "transient failures retry up to the cap")
}

func TestRecordSubmissionOnAccept(t *testing.T) {
	v := &stubVenue{}
	gate := &stubGate{allow: true}
	m, _ := newManager(t, v, gate)

	_, err := m.Submit(context.Background(), market.SideBuy, d("100.00"), d("0.01"))
	require.NoError(t, err)
	assert.Equal(t, 1, gate.subs)
}
