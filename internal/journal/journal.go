// Package journal appends trade, PnL, and session-summary records to
// line-delimited JSON files. Writes are queued through a buffered
// channel so the trading path never blocks on disk.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quoterd/quoterd/internal/ledger"
	"github.com/quoterd/quoterd/internal/orders"
)

const (
	streamTrades  = "trades"
	streamPnL     = "pnl"
	streamSummary = "summary"
)

// Config tunes the journal.
type Config struct {
	Dir           string
	QueueSize     int           // default 1024
	FlushInterval time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

// PnLRecord is one ledger mutation as journaled.
type PnLRecord struct {
	At             time.Time       `json:"at"`
	ClientOrderID  string          `json:"client_order_id"`
	Side           string          `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	Price          decimal.Decimal `json:"price"`
	Position       decimal.Decimal `json:"position"`
	VWAPEntry      decimal.Decimal `json:"vwap_entry"`
	RealizedChange decimal.Decimal `json:"realized_change"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
}

// SessionSummary is the end-of-session report.
type SessionSummary struct {
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
	Symbol       string          `json:"symbol"`
	Trades       uint64          `json:"trades"`
	BuyTrades    uint64          `json:"buy_trades"`
	SellTrades   uint64          `json:"sell_trades"`
	Volume       decimal.Decimal `json:"volume"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	NetPosition  decimal.Decimal `json:"net_position"`
	MinSpreadBps decimal.Decimal `json:"min_spread_bps"`
	MaxSpreadBps decimal.Decimal `json:"max_spread_bps"`
	Placed       uint64          `json:"orders_placed"`
	Canceled     uint64          `json:"orders_canceled"`
	Rejected     uint64          `json:"orders_rejected"`
}

type entry struct {
	stream string
	data   []byte
}

// Journal is the append-only session recorder.
type Journal struct {
	cfg Config
	log *logrus.Logger

	qmu     sync.RWMutex
	queue   chan entry
	done    chan struct{}
	closed  atomic.Bool
	lastErr atomic.Pointer[error]
	drops   atomic.Uint64

	mu      sync.Mutex
	files   map[string]*os.File
	writers map[string]*bufio.Writer
}

// New creates the journal directory and opens the streams.
func New(cfg Config, log *logrus.Logger) (*Journal, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &Journal{
		cfg:     cfg,
		log:     log,
		queue:   make(chan entry, cfg.QueueSize),
		done:    make(chan struct{}),
		files:   make(map[string]*os.File),
		writers: make(map[string]*bufio.Writer),
	}
	for _, stream := range []string{streamTrades, streamPnL, streamSummary} {
		path := filepath.Join(cfg.Dir, stream+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			j.closeFilesLocked()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		j.files[stream] = f
		j.writers[stream] = bufio.NewWriter(f)
	}
	go j.run()
	return j, nil
}

// WriteTrade journals one fill.
func (j *Journal) WriteTrade(t orders.TradeRecord) {
	j.enqueue(streamTrades, t)
}

// WritePnL journals one ledger mutation.
func (j *Journal) WritePnL(d ledger.Delta) {
	j.enqueue(streamPnL, PnLRecord{
		At:             d.Fill.At,
		ClientOrderID:  d.Fill.ClientOrderID,
		Side:           d.Fill.Side.String(),
		Qty:            d.Fill.Qty,
		Price:          d.Fill.Price,
		Position:       d.NetPosition,
		VWAPEntry:      d.VWAPEntry,
		RealizedChange: d.RealizedChange,
		RealizedPnL:    d.RealizedPnL,
	})
}

// WriteSummary journals the end-of-session report.
func (j *Journal) WriteSummary(s SessionSummary) {
	j.enqueue(streamSummary, s)
}

// Err returns the last write error, if any.
func (j *Journal) Err() error {
	if p := j.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Drops returns the number of records dropped on queue overflow.
func (j *Journal) Drops() uint64 { return j.drops.Load() }

// Close drains the queue, flushes, and closes the files.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return j.Err()
	}
	j.qmu.Lock()
	close(j.queue)
	j.qmu.Unlock()
	<-j.done

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, w := range j.writers {
		if err := w.Flush(); err != nil {
			j.storeErr(err)
		}
	}
	j.closeFilesLocked()
	return j.Err()
}

func (j *Journal) enqueue(stream string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		j.storeErr(err)
		return
	}
	j.qmu.RLock()
	defer j.qmu.RUnlock()
	if j.closed.Load() {
		return
	}
	select {
	case j.queue <- entry{stream: stream, data: data}:
	default:
		j.drops.Add(1)
		if j.log != nil {
			j.log.WithField("stream", stream).Warn("journal queue full, record dropped")
		}
	}
}

func (j *Journal) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-j.queue:
			if !ok {
				for e := range j.queue {
					j.write(e)
				}
				return
			}
			j.write(e)
		case <-ticker.C:
			j.flush()
		}
	}
}

func (j *Journal) write(e entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	w, ok := j.writers[e.stream]
	if !ok {
		return
	}
	if _, err := w.Write(append(e.data, '\n')); err != nil {
		j.storeErr(err)
	}
}

func (j *Journal) flush() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, w := range j.writers {
		if err := w.Flush(); err != nil {
			j.storeErr(err)
		}
	}
}

func (j *Journal) storeErr(err error) {
	j.lastErr.Store(&err)
	if j.log != nil {
		j.log.WithError(err).Error("journal write failed")
	}
}

func (j *Journal) closeFilesLocked() {
	for stream, f := range j.files {
		_ = f.Close()
		delete(j.files, stream)
	}
}
