// Command engine is the trading pipeline's process entry point: it loads
// configuration, wires Feed -> Strategies -> Risk -> Router -> Gateway ->
// Positions/Recorder, serves telemetry, and drains on SIGINT/SIGTERM.
//
// Grounded on the teacher's cmd/paper/main.go (ossignal.NotifyContext,
// metrics.Serve, a feed goroutine, a shutdown select loop), generalized
// from one hardcoded strategy/exchange pair into the full multi-stage,
// multi-strategy, multi-task topology of spec.md §2's data-flow diagram.
package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/config"
	"tradecore/internal/domain"
	"tradecore/internal/feed"
	"tradecore/internal/gateway"
	"tradecore/internal/logging"
	"tradecore/internal/metrics"
	"tradecore/internal/positions"
	"tradecore/internal/recorder"
	"tradecore/internal/risk"
	"tradecore/internal/router"
	"tradecore/internal/strategy"
)

// drainTimeout bounds how long in-flight work gets to finish after
// shutdown is signaled, per spec.md §5.
const drainTimeout = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	log := logging.New(envOr("LOG_LEVEL", "info"))

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	symbols := normalizeAll(cfg.Symbols)
	setConfigGauges(cfg, symbols)

	metricsSrv := metrics.Serve(fmt.Sprintf("0.0.0.0:%d", cfg.MetricsPort))
	log.Info().Uint("port", cfg.MetricsPort).Msg("telemetry listening")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.System{}

	rec, recorderBus := buildRecorder(cfg, log)
	book := positions.NewBook()
	riskEngine := risk.NewEngine(risk.Limits{
		PxMin:       cfg.PxMinF(),
		PxMax:       cfg.PxMaxF(),
		MaxNotional: cfg.MaxNotionalF(),
		MaxQPS:      float64(cfg.MaxQPS),
	}, symbols)
	rt := router.New(
		router.Weights{W1: cfg.RouterW1, W2: cfg.RouterW2, W3: cfg.RouterW3, Delta: cfg.RouterDelta},
		[]string{cfg.VenueMode}, cfg.VenueMode, log,
	)
	gw, err := buildGateway(cfg, log, clk)
	if err != nil {
		log.Error().Err(err).Msg("failed to build gateway")
		return 1
	}
	dispatchers := buildDispatchers(cfg, log, clk)
	mdFeed := buildFeed(cfg, symbols, log, clk)

	mdBus := bus.NewDropOldest[domain.MdTick](bus.MdBusCapacity, nil)
	sigBus := bus.NewBlocking[domain.Signal](bus.SigBusCapacity)
	ordBus := bus.NewBlocking[domain.Order](bus.OrdBusCapacity)
	execBus := bus.NewBlocking[domain.ExecReport](bus.ExecBusCapacity)

	var wg sync.WaitGroup
	runTask := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("task", name).Msg("task stopped unexpectedly")
				cancel()
			}
		}()
	}

	if rec != nil {
		runTask("recorder", func() error { return rec.Run(ctx, recorderBus) })
	}
	runTask("feed", func() error { return mdFeed.Run(ctx, mdBus) })
	for _, d := range dispatchers {
		d := d
		runTask("strategy:"+string(d.dispatcher.Kind()), func() error {
			return d.dispatcher.Run(ctx, d.in, sigBus)
		})
	}
	runTask("router", func() error { return rt.Run(ctx, ordBus, execBus) })
	runTask("gateway:"+gw.Venue(), func() error { return gw.Run(ctx, rt.VenueBus(gw.Venue()), execBus) })
	runTask("md-fanout", func() error { return fanOutTicks(ctx, mdBus, dispatchers, book, recorderBus) })
	runTask("risk", func() error { return runRisk(ctx, riskEngine, sigBus, ordBus, book, cfg.VenueMode, recorderBus) })
	runTask("exec-fanin", func() error { return fanInExec(ctx, execBus, book, recorderBus) })

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-drainCtx.Done():
		log.Warn().Msg("drain timeout exceeded, exiting anyway")
	}

	metrics.Shutdown(metricsSrv, drainTimeout)
	log.Info().Msg("shutdown complete")
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizeAll(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = domain.NormalizeSymbol(s)
	}
	return out
}

func setConfigGauges(cfg *config.Config, symbols []string) {
	metrics.ConfigFeedMode.Set(encodeMode(cfg.FeedMode))
	metrics.ConfigVenueMode.Set(encodeMode(cfg.VenueMode))
	for _, s := range symbols {
		metrics.ConfigSymbol.WithLabelValues(s).Set(1)
	}
	for _, s := range cfg.Strategies {
		metrics.ConfigStrategyActive.WithLabelValues(s).Set(1)
	}
}

func encodeMode(mode string) float64 {
	switch mode {
	case config.ModeMock:
		return 0
	case config.ModeBinanceSandbox:
		return 1
	case config.ModeBinanceMainnet:
		return 2
	default:
		return -1
	}
}

func buildFeed(cfg *config.Config, symbols []string, log zerolog.Logger, clk clock.Clock) *feed.Feed {
	provider := feed.ProviderMock
	if cfg.FeedMode != config.ModeMock {
		provider = feed.ProviderBinance
	}
	return feed.New(provider, cfg.FeedMode, symbols, log, clk,
		feed.MockParams{},
		feed.ExchangeParams{WSURL: cfg.BinanceWSURL},
	)
}

func buildGateway(cfg *config.Config, log zerolog.Logger, clk clock.Clock) (gateway.Gateway, error) {
	switch cfg.VenueMode {
	case config.ModeMock:
		return gateway.NewMockGateway(cfg.VenueMode, log, clk, 0), nil
	case config.ModeBinanceSandbox, config.ModeBinanceMainnet:
		return gateway.NewBinanceGateway(cfg.VenueMode, gateway.BinanceConfig{
			RESTURL:      cfg.BinanceRESTURL,
			WSURL:        cfg.BinanceWSURL,
			APIKey:       cfg.BinanceAPIKey,
			APISecret:    cfg.BinanceAPISecret,
			RecvWindowMs: cfg.BinanceRecvWindowMs,
		}, log, clk), nil
	default:
		return nil, fmt.Errorf("unknown venue mode %q", cfg.VenueMode)
	}
}

func buildRecorder(cfg *config.Config, log zerolog.Logger) (*recorder.Recorder, *bus.DropOldest[domain.Event]) {
	if cfg.RecordFile == "" {
		return nil, nil
	}
	recorderBus := bus.NewDropOldest[domain.Event](bus.RecorderCapacity, func(domain.Event) {
		metrics.RecorderDropsTotal.Inc()
	})
	return recorder.New(cfg.RecordFile, log), recorderBus
}

// dispatcherHandle pairs a strategy Dispatcher with the private MdBus that
// feeds it, since a Dispatcher does not own its input bus.
type dispatcherHandle struct {
	dispatcher *strategy.Dispatcher
	in         *bus.DropOldest[domain.MdTick]
}

func buildDispatchers(cfg *config.Config, log zerolog.Logger, clk clock.Clock) []dispatcherHandle {
	handles := make([]dispatcherHandle, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		kind := strategy.ParseKind(s)
		handles = append(handles, dispatcherHandle{
			dispatcher: strategy.NewDispatcher(kind, int(cfg.StrategyWorkers), strategy.Params{}, log, clk, strategy.DefaultCooldown),
			in:         bus.NewDropOldest[domain.MdTick](bus.MdBusCapacity, nil),
		})
	}
	return handles
}

// fanOutTicks reads the primary market-data bus once and forwards each tick
// to positions (mark-to-market), the recorder (if enabled) and every
// strategy dispatcher's own bus, per spec.md §2's "Feed also -> Positions"
// edge.
func fanOutTicks(ctx context.Context, mdBus *bus.DropOldest[domain.MdTick], dispatchers []dispatcherHandle, book *positions.Book, recorderBus *bus.DropOldest[domain.Event]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-mdBus.Recv():
			if !ok {
				return nil
			}
			metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()
			book.OnTick(tick)
			if recorderBus != nil {
				recorderBus.Send(domain.NewMdEvent(tick))
			}
			for _, d := range dispatchers {
				d.in.Send(tick)
			}
		}
	}
}

// runRisk consumes signals, applies the risk gate, and forwards accepted
// orders onward to the router; positions.TrackOrder correlates the order to
// (symbol, side, venue) before any exec report can reference it, since the
// engine only ever routes to the single configured venue.
func runRisk(ctx context.Context, engine *risk.Engine, sigBus *bus.Blocking[domain.Signal], ordBus *bus.Blocking[domain.Order], book *positions.Book, venue string, recorderBus *bus.DropOldest[domain.Event]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigBus.Recv():
			if !ok {
				return nil
			}
			if recorderBus != nil {
				recorderBus.Send(domain.NewSigEvent(sig))
			}
			order, reject := engine.Check(sig)
			if reject != nil {
				metrics.RiskRejectsTotal.WithLabelValues(string(reject.Reason)).Inc()
				continue
			}
			metrics.OrdersTotal.WithLabelValues(order.Symbol).Inc()
			book.TrackOrder(order, venue)
			if recorderBus != nil {
				recorderBus.Send(domain.NewOrdEvent(order))
			}
			if err := ordBus.Send(ctx, order); err != nil {
				return nil
			}
		}
	}
}

// fanInExec consumes the shared exec-report bus once and applies each
// report to positions and the recorder; metrics are counted by the
// producer (gateway or router) at emission time.
func fanInExec(ctx context.Context, execBus *bus.Blocking[domain.ExecReport], book *positions.Book, recorderBus *bus.DropOldest[domain.Event]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case report, ok := <-execBus.Recv():
			if !ok {
				return nil
			}
			book.OnExecReport(report)
			if recorderBus != nil {
				recorderBus.Send(domain.NewExecEvent(report))
			}
		}
	}
}
