package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	FillProbability float64       // chance a resting order fills, default 0.9
	FillDelay       time.Duration // latency before the fill report
	PartialRatio    float64       // >0 splits the fill into two reports
	Seed            int64         // 0 seeds from the clock
}

func (c PaperConfig) withDefaults() PaperConfig {
	if c.FillProbability <= 0 || c.FillProbability > 1 {
		c.FillProbability = 0.9
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

type paperOrder struct {
	req    PlaceRequest
	timer  *time.Timer
	filled bool
}

// Paper simulates the order-entry collaborator so the engine runs
// unchanged in paper-trading mode. Fills are probabilistic and arrive
// asynchronously like real execution reports.
type Paper struct {
	cfg PaperConfig

	mu     sync.Mutex
	orders map[string]*paperOrder
	rng    *rand.Rand
	nextID uint64
	onFill FillFunc
	closed bool
}

// NewPaper creates the simulator.
func NewPaper(cfg PaperConfig) *Paper {
	cfg = cfg.withDefaults()
	return &Paper{
		cfg:    cfg,
		orders: make(map[string]*paperOrder),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// OnFill registers the execution-report consumer.
func (p *Paper) OnFill(fn FillFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFill = fn
}

// Place accepts a limit order and schedules a simulated fill.
func (p *Paper) Place(_ context.Context, req PlaceRequest) (PlaceResponse, error) {
	if req.ClientOrderID == "" {
		return PlaceResponse{}, NewError(KindValidation, "missing client order id")
	}
	if req.Qty.Sign() <= 0 || req.Price.Sign() <= 0 {
		return PlaceResponse{Status: AckRejected}, NewError(KindValidation, "non-positive price or qty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return PlaceResponse{}, NewError(KindTransient, "paper venue closed")
	}
	if _, ok := p.orders[req.ClientOrderID]; ok {
		// idempotent resubmission
		return PlaceResponse{ExchangeID: p.exchangeID(req.ClientOrderID), Status: AckAccepted}, nil
	}

	o := &paperOrder{req: req}
	p.orders[req.ClientOrderID] = o
	p.nextID++

	if p.rng.Float64() < p.cfg.FillProbability {
		delay := p.cfg.FillDelay
		o.timer = time.AfterFunc(delay, func() { p.fill(req.ClientOrderID) })
	}
	return PlaceResponse{ExchangeID: p.exchangeID(req.ClientOrderID), Status: AckAccepted}, nil
}

// Cancel removes a resting simulated order. Unknown ids succeed.
func (p *Paper) Cancel(_ context.Context, req CancelRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[req.ClientOrderID]
	if !ok {
		return nil
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	delete(p.orders, req.ClientOrderID)
	return nil
}

// Status reports the simulator's view of an order.
func (p *Paper) Status(_ context.Context, clientOrderID string) (StatusResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		return StatusResponse{}, nil
	}
	resp := StatusResponse{Found: true, Open: !o.filled}
	if o.filled {
		resp.FilledQty = o.req.Qty
		resp.AvgPrice = o.req.Price
	}
	return resp, nil
}

// Close stops the simulator; pending fills are dropped.
func (p *Paper) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, o := range p.orders {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(p.orders, id)
	}
}

func (p *Paper) fill(clientOrderID string) {
	p.mu.Lock()
	o, ok := p.orders[clientOrderID]
	if !ok || o.filled || p.closed {
		p.mu.Unlock()
		return
	}
	o.filled = true
	fn := p.onFill
	req := o.req
	partial := p.cfg.PartialRatio
	delete(p.orders, clientOrderID)
	p.mu.Unlock()

	if fn == nil {
		return
	}
	now := time.Now().UTC()
	if partial > 0 && partial < 1 {
		first := req.Qty.Mul(decimal.NewFromFloat(partial)).Round(8)
		rest := req.Qty.Sub(first)
		fn(Fill{ClientOrderID: clientOrderID, Side: req.Side, Qty: first, Price: req.Price, At: now})
		if rest.Sign() > 0 {
			fn(Fill{ClientOrderID: clientOrderID, Side: req.Side, Qty: rest, Price: req.Price, At: now})
		}
		return
	}
	fn(Fill{ClientOrderID: clientOrderID, Side: req.Side, Qty: req.Qty, Price: req.Price, At: now})
}

func (p *Paper) exchangeID(clientOrderID string) string {
	return fmt.Sprintf("paper-%s", clientOrderID)
}
