package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoterd/quoterd/internal/book"
	"github.com/quoterd/quoterd/internal/bus"
)

func newFeed(t *testing.T, cfg Config) (*Feed, *book.Book, *bus.Latest[book.Top]) {
	t.Helper()
	if cfg.Symbol == "" {
		cfg.Symbol = "BTC-USD"
	}
	b := book.New(cfg.Symbol, 0)
	tops := bus.NewLatest[book.Top]()
	log := logrus.New()
	log.SetOutput(discard{})
	return New(cfg, b, tops, log), b, tops
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestHandleSnapshotPublishesTop(t *testing.T) {
	f, b, tops := newFeed(t, Config{})

	raw := `{"type":"snapshot","symbol":"BTC-USD","sequence":10,
		"bids":[["100.00","1"],["99.99","2"]],
		"asks":[["100.02","1"],["100.03","2"]]}`
	require.NoError(t, f.handle([]byte(raw)))

	assert.Equal(t, StateStreaming, f.State())
	assert.Equal(t, 2, b.Levels(book.SideBid))

	top, ok := tops.Take()
	require.True(t, ok)
	assert.True(t, top.BidPrice.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, top.AskPrice.Equal(decimal.RequireFromString("100.02")))
}

func TestHandleUpdateAppliesChanges(t *testing.T) {
	f, b, tops := newFeed(t, Config{})

	require.NoError(t, f.handle([]byte(`{"type":"snapshot","symbol":"BTC-USD","sequence":10,
		"bids":[["100.00","1"]],"asks":[["100.02","1"]]}`)))
	tops.Take()

	require.NoError(t, f.handle([]byte(`{"type":"l2update","symbol":"BTC-USD","sequence":11,
		"changes":[["buy","100.01","0.5"],["sell","100.02","0"]]}`)))

	best, ok := b.Best(book.SideBid)
	require.True(t, ok)
	assert.True(t, best.Price.Equal(decimal.RequireFromString("100.01")))
	assert.Equal(t, 0, b.Levels(book.SideAsk), "zero qty removes the level")

	top, ok := tops.Take()
	require.True(t, ok)
	assert.True(t, top.BidPrice.Equal(decimal.RequireFromString("100.01")))
}

func TestHandleGapForcesResync(t *testing.T) {
	f, _, _ := newFeed(t, Config{})

	require.NoError(t, f.handle([]byte(`{"type":"snapshot","symbol":"BTC-USD","sequence":10,
		"bids":[["100.00","1"]],"asks":[["100.02","1"]]}`)))

	err := f.handle([]byte(`{"type":"l2update","symbol":"BTC-USD","sequence":15,
		"changes":[["buy","100.01","0.5"]]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestHandleRejectsForeignSymbolAndGarbage(t *testing.T) {
	f, _, tops := newFeed(t, Config{})

	assert.Error(t, f.handle([]byte(`{"type":"snapshot","symbol":"ETH-USD","sequence":1}`)))
	assert.Error(t, f.handle([]byte(`not json`)))
	assert.Error(t, f.handle([]byte(`{"type":"l2update","symbol":"BTC-USD","changes":[["buy","oops","1"]]}`)))
	assert.NoError(t, f.handle([]byte(`{"type":"heartbeat","symbol":"BTC-USD"}`)))

	_, ok := tops.Take()
	assert.False(t, ok, "nothing published for rejected input")
}

func TestRunStreamsFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub message
		if err := conn.ReadJSON(&sub); err != nil || sub.Type != "subscribe" {
			return
		}
		_ = conn.WriteJSON(message{Type: "subscriptions", Channels: sub.Channels})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"snapshot","symbol":"BTC-USD","sequence":1,
			"bids":[["100.00","1"]],"asks":[["100.02","1"]]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"l2update","symbol":"BTC-USD","sequence":2,
			"changes":[["buy","100.01","0.5"]]}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	f, _, tops := newFeed(t, Config{URL: url, MaxReconnects: 1, ReconnectBase: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	want := decimal.RequireFromString("100.01")
	for {
		select {
		case <-deadline:
			t.Fatal("top never reached the updated bid")
		default:
		}
		top, ok := tops.Wait(ctx)
		require.True(t, ok)
		if top.BidPrice.Equal(want) {
			break
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feed did not stop on cancel")
	}
}
