package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/sonyflake"
	"golang.org/x/time/rate"

	"github.com/quoterd/quoterd/internal/book"
	"github.com/quoterd/quoterd/internal/ledger"
	"github.com/quoterd/quoterd/internal/market"
	"github.com/quoterd/quoterd/internal/venue"
)

var (
	ErrRiskRejected = errors.New("risk rejected")
	ErrInvalidOrder = errors.New("invalid order")
)

// RiskGate is the capability the manager holds on the risk supervisor.
type RiskGate interface {
	MayPlace(side market.Side, qty decimal.Decimal) (bool, string)
	RecordSubmission(at time.Time)
}

// Cache persists non-terminal orders for crash recovery.
type Cache interface {
	SaveOrder(ctx context.Context, o Order) error
	RemoveOrder(ctx context.Context, clientOrderID string) error
	LoadOrders(ctx context.Context) ([]Order, error)
}

// Archive receives terminal orders for long-term storage.
type Archive interface {
	ArchiveOrder(ctx context.Context, o Order) error
}

// TradeRecord is one fill as reported to the trade journal.
type TradeRecord struct {
	At            time.Time
	ClientOrderID string
	Symbol        string
	Side          market.Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Realized      decimal.Decimal
	Position      decimal.Decimal
}

// TradeWriter consumes trade records.
type TradeWriter interface {
	WriteTrade(t TradeRecord)
}

// Ack is the result of a submission.
type Ack struct {
	ClientOrderID string
	ExchangeID    string
}

// Config tunes the manager.
type Config struct {
	Symbol         string
	TickSize       decimal.Decimal
	MinQty         decimal.Decimal
	MaxQty         decimal.Decimal
	PriceBandPct   decimal.Decimal // sanity band around the last mid, e.g. 0.10
	OrderTimeout   time.Duration   // stale NEW orders are canceled past this age
	CancelGrace    time.Duration   // unacked cancels expire locally past this
	MaxRetries     int
	RetryBackoff   time.Duration
	RequestTimeout time.Duration
	RatePerSec     float64 // outbound venue throttle, 0 disables
}

func (c Config) withDefaults() Config {
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 500 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	return c
}

// Stats are the manager's session counters.
type Stats struct {
	Placed   uint64
	Filled   uint64
	Canceled uint64
	Rejected uint64
	Expired  uint64
	Open     int
}

// Manager owns the open-order table and the client order id allocator.
type Manager struct {
	cfg    Config
	entry  venue.OrderEntry
	risk   RiskGate
	ledger *ledger.Ledger
	cache  Cache       // optional
	arch   Archive     // optional
	trades TradeWriter // optional
	log    *logrus.Logger

	limiter *rate.Limiter
	flake   *sonyflake.Sonyflake
	localID atomic.Uint64

	mu      sync.Mutex
	table   map[string]*Order
	asked   map[string]time.Time // pending-cancel issue times
	lastTop atomic.Pointer[book.Top]

	placed   atomic.Uint64
	filled   atomic.Uint64
	canceled atomic.Uint64
	rejected atomic.Uint64
	expired  atomic.Uint64
}

// New creates a manager. Cache, archive, and trade writer may be nil.
func New(cfg Config, entry venue.OrderEntry, gate RiskGate, led *ledger.Ledger, log *logrus.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:    cfg,
		entry:  entry,
		risk:   gate,
		ledger: led,
		log:    log,
		table:  make(map[string]*Order),
		asked:  make(map[string]time.Time),
		flake:  sonyflake.NewSonyflake(sonyflake.Settings{}),
	}
	if cfg.RatePerSec > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return m
}

// SetCache wires the recovery cache.
func (m *Manager) SetCache(c Cache) { m.cache = c }

// SetArchive wires the terminal-order archive.
func (m *Manager) SetArchive(a Archive) { m.arch = a }

// SetTradeWriter wires the trade journal.
func (m *Manager) SetTradeWriter(w TradeWriter) { m.trades = w }

// ObserveTop records the latest top of book for the validation band and
// the session spread counters.
func (m *Manager) ObserveTop(top book.Top) {
	m.lastTop.Store(&top)
}

// Submit validates, risk-checks, and forwards a new limit order,
// allocating a fresh client order id.
func (m *Manager) Submit(ctx context.Context, side market.Side, price, qty decimal.Decimal) (Ack, error) {
	return m.SubmitWithID(ctx, m.nextID(), side, price, qty)
}

// SubmitWithID is Submit with a caller-provided client order id. A
// resubmission under an id already in the table returns the existing
// entry without a second venue call.
func (m *Manager) SubmitWithID(ctx context.Context, clientOrderID string, side market.Side, price, qty decimal.Decimal) (Ack, error) {
	if err := m.validate(side, price, qty); err != nil {
		m.rejected.Add(1)
		return Ack{}, err
	}

	if ok, reason := m.risk.MayPlace(side, qty); !ok {
		m.rejected.Add(1)
		return Ack{}, fmt.Errorf("%w: %s", ErrRiskRejected, reason)
	}

	now := time.Now().UTC()
	o := &Order{
		ClientOrderID: clientOrderID,
		Symbol:        m.cfg.Symbol,
		Side:          side,
		Kind:          "LIMIT",
		Price:         price,
		Qty:           qty,
		Status:        StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if top := m.lastTop.Load(); top != nil && top.Valid {
		o.SpreadBpsAtSubmit = top.SpreadBps
		m.ledger.ObserveSpread(top.SpreadBps)
	}

	m.mu.Lock()
	if existing, ok := m.table[clientOrderID]; ok {
		ack := Ack{ClientOrderID: existing.ClientOrderID, ExchangeID: existing.ExchangeID}
		m.mu.Unlock()
		return ack, nil
	}
	m.table[clientOrderID] = o
	m.mu.Unlock()
	m.cacheSave(ctx, *o)

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			m.finalize(ctx, clientOrderID, StatusRejected)
			return Ack{}, venue.WrapError(venue.KindTransient, "throttle wait", err)
		}
	}

	resp, err := m.placeWithRetry(ctx, venue.PlaceRequest{
		ClientOrderID: clientOrderID,
		Symbol:        m.cfg.Symbol,
		Side:          side,
		Kind:          "LIMIT",
		TimeInForce:   "GTC",
		Price:         price,
		Qty:           qty,
	})
	if err != nil {
		m.finalize(ctx, clientOrderID, StatusRejected)
		return Ack{}, err
	}
	if resp.Status == venue.AckRejected {
		m.finalize(ctx, clientOrderID, StatusRejected)
		return Ack{}, venue.NewError(venue.KindValidation, "order rejected by venue")
	}

	m.mu.Lock()
	if cur, ok := m.table[clientOrderID]; ok {
		cur.ExchangeID = resp.ExchangeID
		cur.UpdatedAt = time.Now().UTC()
	}
	m.mu.Unlock()

	m.risk.RecordSubmission(time.Now().UTC())
	m.placed.Add(1)
	return Ack{ClientOrderID: clientOrderID, ExchangeID: resp.ExchangeID}, nil
}

// Cancel marks an order pending-cancel and asks the venue to pull it.
// Unknown or already-terminal ids succeed silently.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	o, ok := m.table[clientOrderID]
	if !ok || o.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	o.PendingCancel = true
	o.UpdatedAt = time.Now().UTC()
	if _, asked := m.asked[clientOrderID]; !asked {
		m.asked[clientOrderID] = time.Now().UTC()
	}
	req := venue.CancelRequest{
		ClientOrderID: o.ClientOrderID,
		ExchangeID:    o.ExchangeID,
		Symbol:        o.Symbol,
	}
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	if err := m.entry.Cancel(cctx, req); err != nil {
		// leave pending; the stale sweep expires it after the grace window
		if m.log != nil {
			m.log.WithError(err).WithField("client_order_id", clientOrderID).Warn("cancel request failed")
		}
		return err
	}

	m.canceled.Add(1)
	m.finalize(ctx, clientOrderID, StatusCanceled)
	return nil
}

// OnFill advances the order state machine and the ledger for one
// execution report.
func (m *Manager) OnFill(f venue.Fill) {
	m.mu.Lock()
	o, ok := m.table[f.ClientOrderID]
	if !ok {
		m.mu.Unlock()
		if m.log != nil {
			m.log.WithField("client_order_id", f.ClientOrderID).Warn("fill for unknown order")
		}
		return
	}
	o.FilledQty = o.FilledQty.Add(f.Qty)
	o.UpdatedAt = f.At
	done := o.FilledQty.GreaterThanOrEqual(o.Qty)
	if done {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	snapshot := *o
	m.mu.Unlock()

	delta := m.ledger.ApplyFill(ledger.Fill{
		ClientOrderID: f.ClientOrderID,
		Side:          f.Side,
		Qty:           f.Qty,
		Price:         f.Price,
		At:            f.At,
	})

	if m.trades != nil {
		m.trades.WriteTrade(TradeRecord{
			At:            f.At,
			ClientOrderID: f.ClientOrderID,
			Symbol:        snapshot.Symbol,
			Side:          f.Side,
			Qty:           f.Qty,
			Price:         f.Price,
			Realized:      delta.RealizedChange,
			Position:      delta.NetPosition,
		})
	}

	ctx := context.Background()
	if done {
		m.filled.Add(1)
		m.finalize(ctx, f.ClientOrderID, StatusFilled)
	} else {
		m.cacheSave(ctx, snapshot)
	}
}

// SweepStale cancels orders older than the configured timeout and
// locally expires cancels that never got acked within the grace
// window.
func (m *Manager) SweepStale(ctx context.Context) {
	now := time.Now().UTC()

	var toCancel, toExpire []string
	m.mu.Lock()
	for id, o := range m.table {
		if o.Status.Terminal() {
			continue
		}
		if askedAt, asked := m.asked[id]; asked {
			if now.Sub(askedAt) >= m.cfg.CancelGrace {
				toExpire = append(toExpire, id)
			}
			continue
		}
		if o.Age(now) >= m.cfg.OrderTimeout {
			toCancel = append(toCancel, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toExpire {
		m.expired.Add(1)
		m.finalize(ctx, id, StatusExpired)
		if m.log != nil {
			m.log.WithField("client_order_id", id).Warn("order expired locally")
		}
	}
	for _, id := range toCancel {
		_ = m.Cancel(ctx, id)
	}
}

// Recover rebuilds the open-order table from the cache, reconciling
// each entry against the venue.
func (m *Manager) Recover(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	cached, err := m.cache.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("load cached orders: %w", err)
	}
	for _, o := range cached {
		st, err := m.entry.Status(ctx, o.ClientOrderID)
		if err != nil || !st.Found || !st.Open {
			_ = m.cache.RemoveOrder(ctx, o.ClientOrderID)
			continue
		}
		restored := o
		restored.FilledQty = st.FilledQty
		m.mu.Lock()
		m.table[restored.ClientOrderID] = &restored
		m.mu.Unlock()
		if m.log != nil {
			m.log.WithField("client_order_id", o.ClientOrderID).Info("recovered open order")
		}
	}
	return nil
}

// OpenOrders copies out the non-terminal orders.
func (m *Manager) OpenOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.table))
	for _, o := range m.table {
		out = append(out, *o)
	}
	return out
}

// Stats copies out the session counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	open := len(m.table)
	m.mu.Unlock()
	return Stats{
		Placed:   m.placed.Load(),
		Filled:   m.filled.Load(),
		Canceled: m.canceled.Load(),
		Rejected: m.rejected.Load(),
		Expired:  m.expired.Load(),
		Open:     open,
	}
}

// CancelAll pulls every open order, used during shutdown.
func (m *Manager) CancelAll(ctx context.Context) {
	for _, o := range m.OpenOrders() {
		_ = m.Cancel(ctx, o.ClientOrderID)
	}
}

func (m *Manager) placeWithRetry(ctx context.Context, req venue.PlaceRequest) (venue.PlaceResponse, error) {
	backoff := m.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		resp, err := m.entry.Place(cctx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		switch venue.KindOf(err) {
		case venue.KindTransient:
			select {
			case <-ctx.Done():
				return venue.PlaceResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		default:
			// validation, rate-limit, and consistency failures never retry
			return venue.PlaceResponse{}, err
		}
	}
	return venue.PlaceResponse{}, fmt.Errorf("place retries exhausted: %w", lastErr)
}

// finalize moves an order to a terminal state, drops it from the table
// and the cache, and archives it.
func (m *Manager) finalize(ctx context.Context, clientOrderID string, status Status) {
	m.mu.Lock()
	o, ok := m.table[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	o.Status = status
	o.PendingCancel = false
	o.UpdatedAt = time.Now().UTC()
	snapshot := *o
	delete(m.table, clientOrderID)
	delete(m.asked, clientOrderID)
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.RemoveOrder(ctx, clientOrderID); err != nil && m.log != nil {
			m.log.WithError(err).Warn("cache remove failed")
		}
	}
	if m.arch != nil {
		if err := m.arch.ArchiveOrder(ctx, snapshot); err != nil && m.log != nil {
			m.log.WithError(err).Warn("order archive failed")
		}
	}
}

func (m *Manager) cacheSave(ctx context.Context, o Order) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SaveOrder(ctx, o); err != nil && m.log != nil {
		m.log.WithError(err).Warn("cache save failed")
	}
}

// validate applies the local order checks; failures never reach risk
// or the venue.
func (m *Manager) validate(side market.Side, price, qty decimal.Decimal) error {
	if m.cfg.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: bad side", ErrInvalidOrder)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive price", ErrInvalidOrder)
	}
	if m.cfg.TickSize.Sign() > 0 && !price.Mod(m.cfg.TickSize).IsZero() {
		return fmt.Errorf("%w: price %s off the %s tick grid", ErrInvalidOrder, price, m.cfg.TickSize)
	}
	if m.cfg.MinQty.Sign() > 0 && qty.LessThan(m.cfg.MinQty) {
		return fmt.Errorf("%w: qty below minimum", ErrInvalidOrder)
	}
	if m.cfg.MaxQty.Sign() > 0 && qty.GreaterThan(m.cfg.MaxQty) {
		return fmt.Errorf("%w: qty above maximum", ErrInvalidOrder)
	}
	if qty.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive qty", ErrInvalidOrder)
	}
	if m.cfg.PriceBandPct.Sign() > 0 {
		if top := m.lastTop.Load(); top != nil && top.Valid && top.Mid.Sign() > 0 {
			dev := price.Sub(top.Mid).Abs().Div(top.Mid)
			if dev.GreaterThan(m.cfg.PriceBandPct) {
				return fmt.Errorf("%w: price %s outside sanity band around %s", ErrInvalidOrder, price, top.Mid)
			}
		}
	}
	return nil
}

func (m *Manager) nextID() string {
	if m.flake != nil {
		if id, err := m.flake.NextID(); err == nil {
			return "q" + strconv.FormatUint(id, 36)
		}
	}
	return "ql" + strconv.FormatUint(m.localID.Add(1), 10) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
