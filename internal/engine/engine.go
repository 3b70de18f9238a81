// Package engine wires the workers together and supervises the session:
// market-data ingress, the quoting loop, fill processing, and the risk
// monitor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quoterd/quoterd/internal/book"
	"github.com/quoterd/quoterd/internal/bus"
	"github.com/quoterd/quoterd/internal/config"
	"github.com/quoterd/quoterd/internal/feed"
	"github.com/quoterd/quoterd/internal/journal"
	"github.com/quoterd/quoterd/internal/ledger"
	"github.com/quoterd/quoterd/internal/market"
	"github.com/quoterd/quoterd/internal/metrics"
	"github.com/quoterd/quoterd/internal/orders"
	"github.com/quoterd/quoterd/internal/risk"
	"github.com/quoterd/quoterd/internal/store"
	"github.com/quoterd/quoterd/internal/strategy"
	"github.com/quoterd/quoterd/internal/venue"
)

const (
	fillQueueSize = 1024
	joinTimeout   = 2 * time.Second
)

// Engine owns the session lifecycle.
type Engine struct {
	cfg config.Config
	log *logrus.Logger

	book  *book.Book
	tops  *bus.Latest[book.Top]
	fills *bus.Queue[venue.Fill]

	feed    *feed.Feed
	ledger  *ledger.Ledger
	riskSup *risk.Supervisor
	manager *orders.Manager
	paper   *venue.Paper

	jnl     *journal.Journal
	met     *metrics.Metrics
	cache   *store.OrderCache
	archive *store.Archive

	startedAt time.Time
	params    strategy.Params

	cycleMu sync.Mutex
	lastTop atomic.Pointer[book.Top]
}

// New assembles the engine from configuration. Optional collaborators
// (cache, archive, journal, metrics) are wired only when enabled.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		log:       log,
		startedAt: time.Now().UTC(),
	}

	e.book = book.New(cfg.Symbol, cfg.Feed.Depth)
	e.tops = bus.NewLatest[book.Top]()
	e.fills = bus.NewQueue[venue.Fill](fillQueueSize)

	e.ledger = ledger.New(e.onDelta)
	e.riskSup = risk.New(risk.Limits{
		PositionLimit:   cfg.Risk.PositionLimit,
		DailyLossLimit:  cfg.Risk.DailyLossLimit,
		DrawdownLimit:   cfg.Risk.DrawdownLimit,
		OrderRateLimit:  cfg.Risk.OrderRateLimit,
		BreakerEnabled:  cfg.Risk.BreakerEnabled,
		PositionWarnPct: cfg.Risk.PositionWarnPct,
		PnLWarnPct:      cfg.Risk.PnLWarnPct,
	}, e.ledger, log)

	entry, err := e.buildVenue()
	if err != nil {
		return nil, err
	}

	e.manager = orders.New(orders.Config{
		Symbol:         cfg.Symbol,
		TickSize:       cfg.Strategy.TickSize,
		MinQty:         cfg.Orders.MinQty,
		MaxQty:         cfg.Orders.MaxQty,
		PriceBandPct:   cfg.Orders.PriceBandPct,
		OrderTimeout:   cfg.Orders.OrderTimeout,
		CancelGrace:    cfg.Orders.CancelGrace,
		MaxRetries:     cfg.Orders.MaxRetries,
		RetryBackoff:   cfg.Orders.RetryBackoff,
		RequestTimeout: cfg.Orders.RequestTimeout,
		RatePerSec:     cfg.Orders.RatePerSec,
	}, entry, e.riskSup, e.ledger, log)

	if cfg.Cache.Enabled {
		cache, err := store.NewOrderCache(ctx, store.RedisOption{
			Addr:      cfg.Cache.Addr,
			Password:  cfg.Cache.Password,
			DB:        cfg.Cache.DB,
			KeyPrefix: cfg.Cache.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("order cache: %w", err)
		}
		e.cache = cache
		e.manager.SetCache(cache)
	}

	if cfg.Archive.Enabled {
		archive, err := store.NewArchive(store.PostgresOption{
			Host:       cfg.Archive.Host,
			Port:       cfg.Archive.Port,
			User:       cfg.Archive.User,
			Password:   cfg.Archive.Password,
			Database:   cfg.Archive.Database,
			SSLMode:    cfg.Archive.SSLMode,
			ConnString: cfg.Archive.ConnString,
		})
		if err != nil {
			return nil, fmt.Errorf("order archive: %w", err)
		}
		e.archive = archive
		e.manager.SetArchive(archive)
	}

	if cfg.Journal.Enabled {
		jnl, err := journal.New(journal.Config{
			Dir:           cfg.Journal.Dir,
			FlushInterval: cfg.Journal.FlushInterval,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		e.jnl = jnl
		e.manager.SetTradeWriter(jnl)
	}

	if cfg.Metrics.Enabled {
		e.met = metrics.New()
	}

	e.feed = feed.New(feed.Config{
		URL:              cfg.Feed.URL,
		Symbol:           cfg.Symbol,
		Depth:            cfg.Feed.Depth,
		HeartbeatTimeout: cfg.Feed.HeartbeatTimeout,
		ReconnectBase:    cfg.Feed.ReconnectBase,
		ReconnectMax:     cfg.Feed.ReconnectMax,
		MaxReconnects:    cfg.Feed.MaxReconnects,
	}, e.book, e.tops, log)

	e.params = strategy.Params{
		TickSize:        cfg.Strategy.TickSize,
		BaseOffsetTicks: cfg.Strategy.BaseOffsetTicks,
		MinSpreadTicks:  cfg.Strategy.MinSpreadTicks,
		OrderQty:        cfg.Strategy.OrderQty,
		NeutralBand:     cfg.Strategy.NeutralBand,
		MaxPosition:     cfg.Risk.PositionLimit,
		NumLevels:       cfg.Strategy.NumLevels,
	}

	return e, nil
}

func (e *Engine) buildVenue() (venue.OrderEntry, error) {
	switch e.cfg.Mode {
	case config.ModePaper:
		e.paper = venue.NewPaper(venue.PaperConfig{
			FillProbability: e.cfg.Paper.FillProbability,
			FillDelay:       e.cfg.Paper.FillDelay,
			PartialRatio:    e.cfg.Paper.PartialRatio,
			Seed:            e.cfg.Paper.Seed,
		})
		e.paper.OnFill(func(f venue.Fill) {
			if err := e.fills.TryPublish(f); err != nil && e.log != nil {
				e.log.WithError(err).WithField("client_order_id", f.ClientOrderID).Error("fill dropped")
			}
		})
		return e.paper, nil
	case config.ModeLive:
		return nil, errors.New("live mode requires a venue adapter; none is configured")
	default:
		return nil, fmt.Errorf("unknown mode %q", e.cfg.Mode)
	}
}

// onDelta fans one ledger mutation out to risk, journal, and metrics.
// It runs inside the ledger's critical section ordering.
func (e *Engine) onDelta(d ledger.Delta) {
	e.riskSup.OnRealized(d.RealizedPnL)
	if e.jnl != nil {
		e.jnl.WritePnL(d)
	}
	if e.met != nil {
		pos, _ := d.NetPosition.Float64()
		pnl, _ := d.RealizedPnL.Float64()
		e.met.Position.Set(pos)
		e.met.RealizedPnL.Set(pnl)
	}
}

// Run blocks until the context is canceled, then shuts the session down
// and writes the summary.
func (e *Engine) Run(ctx context.Context) error {
	if e.log != nil {
		e.log.WithFields(logrus.Fields{
			"symbol": e.cfg.Symbol,
			"mode":   string(e.cfg.Mode),
		}).Info("session starting")
	}

	if e.cache != nil {
		if err := e.manager.Recover(ctx); err != nil && e.log != nil {
			e.log.WithError(err).Warn("order recovery failed")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	if e.met != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.met.Serve(runCtx, e.cfg.Metrics.Addr, e.log); err != nil && e.log != nil {
				e.log.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.feed.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			if e.log != nil {
				e.log.WithError(err).Error("feed terminated")
			}
			cancel() // no market data means no session
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.riskSup.Run(runCtx, e.cfg.Risk.CheckInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.fills.Run(runCtx, e.manager.OnFill)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.quoteLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.housekeeping(runCtx)
	}()

	<-runCtx.Done()
	e.shutdown(&wg)
	return ctx.Err()
}

// quoteLoop consumes top-of-book updates, computes intents, and
// reconciles the resting quotes against them.
func (e *Engine) quoteLoop(ctx context.Context) {
	for {
		top, ok := e.tops.Wait(ctx)
		if !ok {
			return
		}
		e.lastTop.Store(&top)
		e.manager.ObserveTop(top)
		if e.met != nil {
			e.met.TopUpdates.Inc()
			bps, _ := top.SpreadBps.Float64()
			e.met.SpreadBps.Set(bps)
		}
		e.cycle(ctx, top)
	}
}

// housekeeping sweeps stale orders and re-quotes on an idle market.
func (e *Engine) housekeeping(ctx context.Context) {
	refresh := e.cfg.Strategy.RefreshInterval
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.manager.SweepStale(ctx)
			if top := e.lastTop.Load(); top != nil && top.Valid {
				e.cycle(ctx, *top)
			}
		}
	}
}

// cycle runs one evaluate-and-reconcile pass.
func (e *Engine) cycle(ctx context.Context, top book.Top) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	intent := strategy.Compute(top, e.ledger.Position(), e.params)

	if tripped, _ := e.riskSup.BreakerActive(); tripped {
		e.manager.CancelAll(ctx)
		e.updateGauges()
		return
	}

	e.reconcile(ctx, market.SideBuy, intent.Bids, intent.PlaceBid)
	e.reconcile(ctx, market.SideSell, intent.Asks, intent.PlaceAsk)

	if e.met != nil {
		e.met.QuoteCycle.Observe(time.Since(start).Seconds())
	}
	e.updateGauges()
}

// reconcile cancels resting quotes that no longer match the intent and
// submits the missing ones.
func (e *Engine) reconcile(ctx context.Context, side market.Side, want []strategy.Quote, place bool) {
	open := e.manager.OpenOrders()

	wanted := func(price decimal.Decimal) bool {
		if !place {
			return false
		}
		for _, q := range want {
			if q.Price.Equal(price) {
				return true
			}
		}
		return false
	}

	resting := make(map[string]bool)
	for _, o := range open {
		if o.Side != side || o.PendingCancel {
			continue
		}
		if !wanted(o.Price) {
			_ = e.manager.Cancel(ctx, o.ClientOrderID)
			continue
		}
		resting[o.Price.String()] = true
	}

	if !place {
		return
	}
	for _, q := range want {
		if resting[q.Price.String()] {
			continue
		}
		if _, err := e.manager.Submit(ctx, side, q.Price, q.Qty); err != nil {
			if errors.Is(err, orders.ErrRiskRejected) {
				return // one veto vetoes the rest of this side
			}
			if e.log != nil {
				e.log.WithError(err).WithField("side", side.String()).Warn("quote placement failed")
			}
		}
	}
}

func (e *Engine) updateGauges() {
	if e.met == nil {
		return
	}
	stats := e.manager.Stats()
	e.met.OpenOrders.Set(float64(stats.Open))
	e.met.OrdersPlaced.Set(float64(stats.Placed))
	e.met.OrdersFilled.Set(float64(stats.Filled))
	e.met.OrdersCanceled.Set(float64(stats.Canceled))
	e.met.OrdersRejected.Set(float64(stats.Rejected))
	e.met.OrdersExpired.Set(float64(stats.Expired))
	e.met.TopDrops.Set(float64(e.tops.Drops()))
	e.met.FeedGaps.Set(float64(e.feed.Gaps()))
	e.met.FeedReconnects.Set(float64(e.feed.Reconnects()))
	if tripped, _ := e.riskSup.BreakerActive(); tripped {
		e.met.Breaker.Set(1)
	} else {
		e.met.Breaker.Set(0)
	}
}

// shutdown cancels resting orders, joins the workers, and records the
// session summary.
func (e *Engine) shutdown(wg *sync.WaitGroup) {
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	e.manager.CancelAll(ctx)
	if e.paper != nil {
		e.paper.Close()
	}
	e.tops.Close()
	e.fills.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		if e.log != nil {
			e.log.Warn("workers did not stop within the join timeout")
		}
	}

	summary := e.summary()
	if e.jnl != nil {
		e.jnl.WriteSummary(summary)
		if err := e.jnl.Close(); err != nil && e.log != nil {
			e.log.WithError(err).Error("journal close failed")
		}
	}
	if e.archive != nil {
		if err := e.archive.ArchiveSession(ctx, summary); err != nil && e.log != nil {
			e.log.WithError(err).Error("session archive failed")
		}
		_ = e.archive.Close()
	}
	if e.cache != nil {
		_ = e.cache.Close()
	}

	if e.log != nil {
		e.log.WithFields(logrus.Fields{
			"trades":       summary.Trades,
			"volume":       summary.Volume.String(),
			"realized_pnl": summary.RealizedPnL.String(),
			"net_position": summary.NetPosition.String(),
		}).Info("session ended")
	}
}

func (e *Engine) summary() journal.SessionSummary {
	snap := e.ledger.Snapshot()
	stats := e.manager.Stats()
	return journal.SessionSummary{
		StartedAt:    e.startedAt,
		EndedAt:      time.Now().UTC(),
		Symbol:       e.cfg.Symbol,
		Trades:       snap.BuyTrades + snap.SellTrades,
		BuyTrades:    snap.BuyTrades,
		SellTrades:   snap.SellTrades,
		Volume:       snap.Volume,
		RealizedPnL:  snap.RealizedPnL,
		NetPosition:  snap.NetPosition,
		MinSpreadBps: snap.MinSpreadBps,
		MaxSpreadBps: snap.MaxSpreadBps,
		Placed:       stats.Placed,
		Canceled:     stats.Canceled,
		Rejected:     stats.Rejected,
	}
}
