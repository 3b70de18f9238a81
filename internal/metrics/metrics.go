// Package metrics exposes the engine's counters and gauges over a
// Prometheus endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics is the engine's metric set, backed by a private registry.
type Metrics struct {
	reg *prometheus.Registry

	TopUpdates     prometheus.Counter
	TopDrops       prometheus.Gauge
	FeedGaps       prometheus.Gauge
	FeedReconnects prometheus.Gauge

	OrdersPlaced   prometheus.Gauge
	OrdersFilled   prometheus.Gauge
	OrdersCanceled prometheus.Gauge
	OrdersRejected prometheus.Gauge
	OrdersExpired  prometheus.Gauge

	Position    prometheus.Gauge
	RealizedPnL prometheus.Gauge
	SpreadBps   prometheus.Gauge
	OpenOrders  prometheus.Gauge
	Breaker     prometheus.Gauge

	QuoteCycle prometheus.Histogram
}

// New builds the metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		TopUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "quoterd_top_updates_total",
			Help: "Top-of-book updates consumed by the strategy.",
		}),
		TopDrops: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_top_drops",
			Help: "Top-of-book updates overwritten before consumption.",
		}),
		FeedGaps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_feed_gaps",
			Help: "Sequence gaps that forced a feed resync.",
		}),
		FeedReconnects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_feed_reconnects",
			Help: "Feed reconnect attempts.",
		}),
		OrdersPlaced: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_orders_placed",
			Help: "Orders accepted by the venue.",
		}),
		OrdersFilled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_orders_filled",
			Help: "Orders fully filled.",
		}),
		OrdersCanceled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_orders_canceled",
			Help: "Orders canceled.",
		}),
		OrdersRejected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_orders_rejected",
			Help: "Orders rejected locally or by the venue.",
		}),
		OrdersExpired: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_orders_expired",
			Help: "Orders expired locally after an unacked cancel.",
		}),
		Position: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_net_position",
			Help: "Current net position in base units.",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_realized_pnl",
			Help: "Cumulative realized PnL in quote units.",
		}),
		SpreadBps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_spread_bps",
			Help: "Last observed top-of-book spread in basis points.",
		}),
		OpenOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_open_orders",
			Help: "Orders currently resting.",
		}),
		Breaker: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quoterd_breaker_active",
			Help: "1 while the circuit breaker is latched.",
		}),
		QuoteCycle: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quoterd_quote_cycle_seconds",
			Help:    "Latency of one quote computation and placement cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP listener until the context is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	if log != nil {
		log.WithField("addr", addr).Info("metrics listener started")
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
