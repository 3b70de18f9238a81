// Package feed maintains the market-data websocket session: connect,
// subscribe, apply snapshots and deltas to the book, and publish the
// top of book to the strategy hand-off.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quoterd/quoterd/internal/book"
	"github.com/quoterd/quoterd/internal/bus"
)

// State tracks the feed session lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

var errSequenceGap = errors.New("sequence gap")

// Config tunes the websocket session.
type Config struct {
	URL              string
	Symbol           string
	Depth            int
	HeartbeatTimeout time.Duration // read deadline, default 60s
	DialTimeout      time.Duration
	ReconnectBase    time.Duration // default 1s
	ReconnectMax     time.Duration // default 60s
	MaxReconnects    int           // 0 means retry forever
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	return c
}

// message is the wire envelope. Prices and quantities travel as strings
// to keep decimal exactness.
type message struct {
	Type     string     `json:"type"`
	Symbol   string     `json:"symbol"`
	Sequence uint64     `json:"sequence,omitempty"`
	Bids     [][]string `json:"bids,omitempty"`    // [price, qty]
	Asks     [][]string `json:"asks,omitempty"`    // [price, qty]
	Changes  [][]string `json:"changes,omitempty"` // [side, price, qty]
	Channels []string   `json:"channels,omitempty"`
}

// Feed is the market-data ingress worker.
type Feed struct {
	cfg  Config
	book *book.Book
	tops *bus.Latest[book.Top]
	log  *logrus.Logger

	state      atomic.Int32
	reconnects atomic.Uint64
	messages   atomic.Uint64
	gaps       atomic.Uint64
}

// New creates a feed that drives the given book and publishes tops to
// the hand-off slot.
func New(cfg Config, b *book.Book, tops *bus.Latest[book.Top], log *logrus.Logger) *Feed {
	return &Feed{cfg: cfg.withDefaults(), book: b, tops: tops, log: log}
}

// State returns the current session state.
func (f *Feed) State() State { return State(f.state.Load()) }

// Reconnects returns the number of reconnect attempts made.
func (f *Feed) Reconnects() uint64 { return f.reconnects.Load() }

// Messages returns the number of data messages applied.
func (f *Feed) Messages() uint64 { return f.messages.Load() }

// Gaps returns the number of sequence gaps that forced a resync.
func (f *Feed) Gaps() uint64 { return f.gaps.Load() }

// Run owns the session until the context is canceled. Disconnects and
// sequence gaps tear the session down and reconnect with exponential
// backoff; a fresh subscription always starts from a snapshot.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.cfg.ReconnectBase
	attempts := 0
	for {
		if ctx.Err() != nil {
			f.state.Store(int32(StateDisconnected))
			return ctx.Err()
		}

		err := f.session(ctx)
		f.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		f.reconnects.Add(1)
		if f.cfg.MaxReconnects > 0 && attempts > f.cfg.MaxReconnects {
			return fmt.Errorf("feed gave up after %d reconnects: %w", attempts-1, err)
		}
		if f.log != nil {
			f.log.WithError(err).WithField("backoff", backoff.String()).Warn("feed session ended, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.ReconnectMax {
			backoff = f.cfg.ReconnectMax
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	f.state.Store(int32(StateConnecting))

	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	// unblock the read loop on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		_ = conn.Close()
	})
	defer stop()

	sub := message{Type: "subscribe", Symbol: f.cfg.Symbol, Channels: []string{"level2", "heartbeat"}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.state.Store(int32(StateSubscribed))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.HeartbeatTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := f.handle(raw); err != nil {
			if errors.Is(err, errSequenceGap) {
				f.gaps.Add(1)
				return err
			}
			if f.log != nil {
				f.log.WithError(err).Warn("feed message dropped")
			}
		}
	}
}

// handle decodes and applies one wire message. A sequence gap is
// returned as an error so the session resyncs through a fresh snapshot.
func (f *Feed) handle(raw []byte) error {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	switch msg.Type {
	case "snapshot":
		if msg.Symbol != "" && msg.Symbol != f.cfg.Symbol {
			return fmt.Errorf("snapshot for foreign symbol %q", msg.Symbol)
		}
		bids, err := parseLevels(msg.Bids)
		if err != nil {
			return fmt.Errorf("snapshot bids: %w", err)
		}
		asks, err := parseLevels(msg.Asks)
		if err != nil {
			return fmt.Errorf("snapshot asks: %w", err)
		}
		f.book.ApplySnapshot(book.SideBid, bids, msg.Sequence)
		f.book.ApplySnapshot(book.SideAsk, asks, msg.Sequence)
		f.state.Store(int32(StateStreaming))
		f.messages.Add(1)
		f.publishTop()
		return nil

	case "l2update":
		if msg.Symbol != "" && msg.Symbol != f.cfg.Symbol {
			return fmt.Errorf("update for foreign symbol %q", msg.Symbol)
		}
		applied := false
		for _, ch := range msg.Changes {
			if len(ch) != 3 {
				return fmt.Errorf("malformed change %v", ch)
			}
			side, err := parseSide(ch[0])
			if err != nil {
				return err
			}
			price, err := decimal.NewFromString(ch[1])
			if err != nil {
				return fmt.Errorf("price %q: %w", ch[1], err)
			}
			qty, err := decimal.NewFromString(ch[2])
			if err != nil {
				return fmt.Errorf("qty %q: %w", ch[2], err)
			}
			switch f.book.ApplyDelta(side, price, qty, msg.Sequence) {
			case book.Gap:
				return fmt.Errorf("%w at seq %d", errSequenceGap, msg.Sequence)
			case book.Applied:
				applied = true
			}
		}
		if applied {
			f.messages.Add(1)
			f.publishTop()
		}
		return nil

	case "heartbeat", "subscriptions":
		return nil

	case "error":
		return fmt.Errorf("feed error message: %s", string(raw))

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (f *Feed) publishTop() {
	if f.tops == nil {
		return
	}
	top := f.book.Top()
	if top.Valid {
		f.tops.Publish(top)
	}
}

func parseLevels(pairs [][]string) ([]book.Level, error) {
	out := make([]book.Level, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("malformed level %v", p)
		}
		price, err := decimal.NewFromString(p[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", p[0], err)
		}
		qty, err := decimal.NewFromString(p[1])
		if err != nil {
			return nil, fmt.Errorf("qty %q: %w", p[1], err)
		}
		out = append(out, book.Level{Price: price, Qty: qty})
	}
	return out, nil
}

func parseSide(s string) (book.Side, error) {
	switch s {
	case "buy", "bid":
		return book.SideBid, nil
	case "sell", "ask":
		return book.SideAsk, nil
	default:
		return book.SideBid, fmt.Errorf("unknown side %q", s)
	}
}
