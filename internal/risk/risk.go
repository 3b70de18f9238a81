// Package risk implements the pre-trade gate and the periodic risk
// monitor. The supervisor reads ledger state through a narrow view and
// latches a circuit breaker that vetoes all submissions until an
// operator resets it.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quoterd/quoterd/internal/market"
)

const (
	ReasonPositionLimit = "position limit exceeded"
	ReasonDailyLoss     = "daily loss limit exceeded"
	ReasonDrawdown      = "drawdown limit exceeded"
	ReasonOrderRate     = "order rate limit exceeded"
)

const (
	maxEvents         = 1000
	rateWindow        = time.Second
	defaultPosWarnPct = 0.8
	defaultPnlWarnPct = 0.7
)

// LedgerView is the capability the supervisor holds on the ledger.
type LedgerView interface {
	Position() decimal.Decimal
	RealizedPnL() decimal.Decimal
}

// Limits are the static risk limits.
type Limits struct {
	PositionLimit  decimal.Decimal // absolute net position cap, 0 disables
	DailyLossLimit decimal.Decimal // negative; breach when daily PnL <= limit
	DrawdownLimit  decimal.Decimal // positive; breach when peak - daily PnL >= limit
	OrderRateLimit int             // submissions per rolling second, 0 disables
	BreakerEnabled bool

	PositionWarnPct float64 // warn at this utilization, default 0.8
	PnLWarnPct      float64 // warn at this fraction of the loss limit, default 0.7
}

// EventLevel grades a risk event.
type EventLevel uint8

const (
	LevelInfo EventLevel = iota
	LevelWarning
	LevelCritical
)

func (l EventLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "info"
	}
}

// Event is one recorded risk observation.
type Event struct {
	Level   EventLevel
	Message string
	Value   decimal.Decimal
	Limit   decimal.Decimal
	At      time.Time
}

// Snapshot is a point-in-time view for metrics and operators.
type Snapshot struct {
	DailyPnL       decimal.Decimal
	PeakPnL        decimal.Decimal
	Drawdown       decimal.Decimal
	OrdersLastSec  int
	BreakerActive  bool
	BreakerReason  string
	RejectedCount  uint64
	PositionLimit  decimal.Decimal
	DailyLossLimit decimal.Decimal
}

// Supervisor gates submissions and monitors the session.
type Supervisor struct {
	limits Limits
	ledger LedgerView
	log    *logrus.Logger
	now    func() time.Time

	mu            sync.Mutex
	baseline      decimal.Decimal // realized PnL at the daily boundary
	peak          decimal.Decimal
	submissions   []time.Time
	tripped       bool
	reason        string
	events        []Event
	rejected      uint64
	warnedPos     bool
	warnedPnL     bool
	dayStart      time.Time
}

// New creates a supervisor over the given ledger view.
func New(limits Limits, ledger LedgerView, log *logrus.Logger) *Supervisor {
	if limits.PositionWarnPct <= 0 {
		limits.PositionWarnPct = defaultPosWarnPct
	}
	if limits.PnLWarnPct <= 0 {
		limits.PnLWarnPct = defaultPnlWarnPct
	}
	s := &Supervisor{
		limits: limits,
		ledger: ledger,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.dayStart = s.now().Truncate(24 * time.Hour)
	return s
}

// MayPlace runs the position, financial, and operational checks for a
// prospective order. A false result carries the classified reason; no
// call to the order-entry collaborator may follow a rejection.
func (s *Supervisor) MayPlace(side market.Side, qty decimal.Decimal) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tripped {
		s.rejected++
		return false, s.reason
	}

	if s.limits.PositionLimit.Sign() > 0 {
		projected := s.ledger.Position().Add(market.Signed(side, qty))
		if projected.Abs().GreaterThan(s.limits.PositionLimit) {
			s.rejected++
			s.recordLocked(LevelWarning, ReasonPositionLimit, projected.Abs(), s.limits.PositionLimit)
			return false, ReasonPositionLimit
		}
	}

	if reason, breached := s.financialBreachLocked(); breached {
		s.tripLocked(reason)
		s.rejected++
		return false, reason
	}

	if s.limits.OrderRateLimit > 0 {
		if s.ordersInWindowLocked(s.now()) >= s.limits.OrderRateLimit {
			s.rejected++
			return false, ReasonOrderRate
		}
	}

	return true, ""
}

// RecordSubmission appends a submission timestamp to the rolling
// window. Called by the order manager after each venue submission.
func (s *Supervisor) RecordSubmission(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, at)
	s.pruneWindowLocked(at)
}

// OnRealized receives the cumulative realized PnL after each ledger
// mutation and updates the peak/drawdown tracking.
func (s *Supervisor) OnRealized(realized decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	daily := realized.Sub(s.baseline)
	if daily.GreaterThan(s.peak) {
		s.peak = daily
	}
	if reason, breached := s.financialBreachLocked(); breached {
		s.tripLocked(reason)
	}
	s.warnLocked(daily)
}

// Trip latches the circuit breaker. It stays latched until Reset.
func (s *Supervisor) Trip(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tripLocked(reason)
}

// Reset clears the breaker. This is an explicit operator action; the
// breaker never resets automatically.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tripped {
		return
	}
	s.tripped = false
	s.reason = ""
	if s.log != nil {
		s.log.Warn("circuit breaker reset by operator")
	}
}

// BreakerActive reports the breaker state and reason.
func (s *Supervisor) BreakerActive() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped, s.reason
}

// RecentEvents returns up to n of the most recent risk events.
func (s *Supervisor) RecentEvents(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	out := make([]Event, n)
	copy(out, s.events[len(s.events)-n:])
	return out
}

// Snapshot copies out the supervisor state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	daily := s.ledger.RealizedPnL().Sub(s.baseline)
	return Snapshot{
		DailyPnL:       daily,
		PeakPnL:        s.peak,
		Drawdown:       s.peak.Sub(daily),
		OrdersLastSec:  s.ordersInWindowLocked(s.now()),
		BreakerActive:  s.tripped,
		BreakerReason:  s.reason,
		RejectedCount:  s.rejected,
		PositionLimit:  s.limits.PositionLimit,
		DailyLossLimit: s.limits.DailyLossLimit,
	}
}

// Run is the periodic monitor worker: it re-evaluates financial limits,
// emits utilization warnings, and rolls the daily boundary at UTC
// midnight.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Supervisor) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if day := now.Truncate(24 * time.Hour); day.After(s.dayStart) {
		s.dayStart = day
		s.baseline = s.ledger.RealizedPnL()
		s.peak = decimal.Zero
		s.submissions = s.submissions[:0]
		s.warnedPos = false
		s.warnedPnL = false
		if s.log != nil {
			s.log.Info("daily risk counters reset")
		}
	}
	s.pruneWindowLocked(now)

	daily := s.ledger.RealizedPnL().Sub(s.baseline)
	if daily.GreaterThan(s.peak) {
		s.peak = daily
	}
	if reason, breached := s.financialBreachLocked(); breached {
		s.tripLocked(reason)
	}
	s.warnLocked(daily)
}

func (s *Supervisor) financialBreachLocked() (string, bool) {
	daily := s.ledger.RealizedPnL().Sub(s.baseline)
	if s.limits.DailyLossLimit.Sign() < 0 && daily.LessThanOrEqual(s.limits.DailyLossLimit) {
		return ReasonDailyLoss, true
	}
	if s.limits.DrawdownLimit.Sign() > 0 && s.peak.Sub(daily).GreaterThanOrEqual(s.limits.DrawdownLimit) {
		return ReasonDrawdown, true
	}
	return "", false
}

func (s *Supervisor) warnLocked(daily decimal.Decimal) {
	if s.limits.PositionLimit.Sign() > 0 {
		util := s.ledger.Position().Abs().Div(s.limits.PositionLimit)
		warnAt := decimal.NewFromFloat(s.limits.PositionWarnPct)
		switch {
		case util.GreaterThanOrEqual(warnAt) && !s.warnedPos:
			s.warnedPos = true
			s.recordLocked(LevelWarning, "position utilization high", util, warnAt)
			if s.log != nil {
				s.log.WithField("utilization", util.String()).Warn("position limit utilization high")
			}
		case util.LessThan(warnAt):
			s.warnedPos = false
		}
	}

	if s.limits.DailyLossLimit.Sign() < 0 && daily.Sign() < 0 {
		util := daily.Div(s.limits.DailyLossLimit) // both negative
		warnAt := decimal.NewFromFloat(s.limits.PnLWarnPct)
		switch {
		case util.GreaterThanOrEqual(warnAt) && !s.warnedPnL:
			s.warnedPnL = true
			s.recordLocked(LevelWarning, "daily loss utilization high", util, warnAt)
			if s.log != nil {
				s.log.WithField("utilization", util.String()).Warn("daily loss limit utilization high")
			}
		case util.LessThan(warnAt):
			s.warnedPnL = false
		}
	}
}

func (s *Supervisor) tripLocked(reason string) {
	if !s.limits.BreakerEnabled || s.tripped {
		return
	}
	s.tripped = true
	s.reason = reason
	s.recordLocked(LevelCritical, reason, decimal.Zero, decimal.Zero)
	if s.log != nil {
		s.log.WithField("reason", reason).Error("circuit breaker tripped")
	}
}

func (s *Supervisor) recordLocked(level EventLevel, message string, value, limit decimal.Decimal) {
	s.events = append(s.events, Event{
		Level:   level,
		Message: message,
		Value:   value,
		Limit:   limit,
		At:      s.now(),
	})
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
}

func (s *Supervisor) ordersInWindowLocked(now time.Time) int {
	s.pruneWindowLocked(now)
	return len(s.submissions)
}

func (s *Supervisor) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	idx := 0
	for idx < len(s.submissions) && !s.submissions[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		s.submissions = append(s.submissions[:0], s.submissions[idx:]...)
	}
}
