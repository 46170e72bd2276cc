// Package metrics is the process-scope telemetry registry: a singleton set
// of Prometheus collectors, registered at package init and used directly as
// package variables by every component, mutated afterward only through their
// own atomic Inc/Set/Observe methods (per spec.md §9's "global state" design note).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyBuckets is the histogram bucket set spec.md §4.8 pins for both
// latency_signal_to_ack_ms and latency_ack_to_fill_ms.
var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000}

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Market ticks ingested"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals emitted by strategies"},
		[]string{"strategy", "symbol"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders accepted by risk"},
		[]string{"symbol"},
	)
	RiskRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "risk_rejects_total", Help: "Signals rejected by risk"},
		[]string{"reason"},
	)
	ExecReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "exec_reports_total", Help: "Execution reports received"},
		[]string{"venue", "status"},
	)
	WsReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "WebSocket reconnect cycles"},
		[]string{"venue"},
	)
	RecorderDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "recorder_drops_total", Help: "Events dropped by the recorder"},
	)

	ConfigFeedMode = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "config_feed_mode", Help: "Active feed mode (encoded)"},
	)
	ConfigVenueMode = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "config_venue_mode", Help: "Active venue mode (encoded)"},
	)
	ConfigSymbol = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "config_symbol", Help: "Configured symbol present (1)"},
		[]string{"symbol"},
	)
	ConfigStrategyActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "config_strategy_active", Help: "Strategy enabled (1)"},
		[]string{"strategy"},
	)
	WsConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "ws_connected", Help: "WebSocket connection up (1) or down (0)"},
		[]string{"venue"},
	)
	WsLastEventAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "ws_last_event_age_seconds", Help: "Seconds since the last WS event"},
		[]string{"venue"},
	)
	InventoryQty = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "inventory_qty", Help: "Signed position quantity"},
		[]string{"symbol", "venue"},
	)
	UnrealizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "unrealized_pnl", Help: "Unrealized PnL"},
		[]string{"symbol", "venue"},
	)
	RealizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "realized_pnl", Help: "Realized PnL"},
		[]string{"symbol", "venue"},
	)

	LatencySignalToAckMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "latency_signal_to_ack_ms", Help: "Signal-to-ACK latency", Buckets: latencyBuckets},
		[]string{"venue"},
	)
	LatencyAckToFillMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "latency_ack_to_fill_ms", Help: "ACK-to-fill latency", Buckets: latencyBuckets},
		[]string{"venue"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, SignalsTotal, OrdersTotal, RiskRejectsTotal, ExecReportsTotal,
		WsReconnectsTotal, RecorderDropsTotal,
		ConfigFeedMode, ConfigVenueMode, ConfigSymbol, ConfigStrategyActive,
		WsConnected, WsLastEventAgeSeconds, InventoryQty, UnrealizedPnL, RealizedPnL,
		LatencySignalToAckMs, LatencyAckToFillMs,
	)
}

// Serve starts the telemetry HTTP server in the background and returns the
// *http.Server so the caller can Shutdown it during drain.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("tradecore\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully stops the telemetry server, bounding the wait per
// spec.md §5's drain window.
func Shutdown(srv *http.Server, timeout time.Duration) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
