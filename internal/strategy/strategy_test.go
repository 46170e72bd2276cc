package strategy

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/domain"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func tick(symbol string, bid, ask float64, ts int64) domain.MdTick {
	return domain.MdTick{Symbol: symbol, BidPx: bid, AskPx: ask, TsMs: ts}
}

func TestMeanReversionEmitsBuyBelowBand(t *testing.T) {
	m := newMeanReversion(Params{NMR: 4, EdgeBps: 5, KSigma: 0.001})
	// Fill window with a flat series around 100 so sigma stays tiny.
	for i := 0; i < 4; i++ {
		if sig := m.OnTick(tick("BTCUSDT", 99.99, 100.01, int64(i))); sig != nil {
			t.Fatalf("unexpected signal while filling window: %+v", sig)
		}
	}
	sig := m.OnTick(tick("BTCUSDT", 90, 90.02, 100))
	if sig == nil {
		t.Fatalf("expected a buy signal on a large downward deviation")
	}
	if sig.Side != domain.Buy {
		t.Fatalf("expected BUY, got %s", sig.Side)
	}
	if sig.RefPx != 90.02 {
		t.Fatalf("expected ref_px = ask (90.02), got %v", sig.RefPx)
	}
}

func TestMeanReversionEmitsSellAboveBand(t *testing.T) {
	m := newMeanReversion(Params{NMR: 4, EdgeBps: 5, KSigma: 0.001})
	for i := 0; i < 4; i++ {
		m.OnTick(tick("ETHUSDT", 99.99, 100.01, int64(i)))
	}
	sig := m.OnTick(tick("ETHUSDT", 110, 110.02, 100))
	if sig == nil {
		t.Fatalf("expected a sell signal on a large upward deviation")
	}
	if sig.Side != domain.Sell {
		t.Fatalf("expected SELL, got %s", sig.Side)
	}
	if sig.RefPx != 110 {
		t.Fatalf("expected ref_px = bid (110), got %v", sig.RefPx)
	}
}

func TestMeanReversionSilentBeforeWindowFull(t *testing.T) {
	m := newMeanReversion(Params{NMR: 10})
	if sig := m.OnTick(tick("SOLUSDT", 50, 50.1, 1)); sig != nil {
		t.Fatalf("expected no signal before window fills, got %+v", sig)
	}
}

func TestMACrossoverEmitsOnSignChange(t *testing.T) {
	c := newMACrossover(Params{NF: 2, NS: 4, EdgeBps: 1})
	prices := []float64{100, 100, 100, 100, 130, 140}
	var got *domain.Signal
	for i, p := range prices {
		if sig := c.OnTick(tick("BTCUSDT", p-0.01, p+0.01, int64(i))); sig != nil {
			got = sig
		}
	}
	if got == nil {
		t.Fatalf("expected a crossover signal once fast overtakes slow")
	}
	if got.Side != domain.Buy {
		t.Fatalf("expected BUY on upward crossover, got %s", got.Side)
	}
}

func TestMACrossoverNoRepeatSignalWithoutFlip(t *testing.T) {
	c := newMACrossover(Params{NF: 2, NS: 4, EdgeBps: 1})
	prices := []float64{100, 100, 100, 100, 130, 140, 150, 160}
	var signals int
	for i, p := range prices {
		if sig := c.OnTick(tick("BTCUSDT", p-0.01, p+0.01, int64(i))); sig != nil {
			signals++
		}
	}
	if signals != 1 {
		t.Fatalf("expected exactly one signal for one sign flip, got %d", signals)
	}
}

func TestVolBreakoutEmitsOnNewHigh(t *testing.T) {
	v := newVolBreakout(Params{NVB: 4, EdgeBps: 1, TickSize: 0.001})
	for i := 0; i < 4; i++ {
		v.OnTick(tick("BTCUSDT", 99.99, 100.01, int64(i)))
	}
	sig := v.OnTick(tick("BTCUSDT", 104.9, 105.1, 100))
	if sig == nil {
		t.Fatalf("expected a breakout buy signal")
	}
	if sig.Side != domain.Buy {
		t.Fatalf("expected BUY, got %s", sig.Side)
	}
}

func TestVolBreakoutEmitsOnNewLow(t *testing.T) {
	v := newVolBreakout(Params{NVB: 4, EdgeBps: 1, TickSize: 0.001})
	for i := 0; i < 4; i++ {
		v.OnTick(tick("ETHUSDT", 99.99, 100.01, int64(i)))
	}
	sig := v.OnTick(tick("ETHUSDT", 94.9, 95.1, 100))
	if sig == nil {
		t.Fatalf("expected a breakout sell signal")
	}
	if sig.Side != domain.Sell {
		t.Fatalf("expected SELL, got %s", sig.Side)
	}
}

func TestBuildDefaultsToMeanReversion(t *testing.T) {
	s := Build(domain.StrategyKind("unknown"), Params{})
	if s.Kind() != domain.MeanReversion {
		t.Fatalf("expected mean_reversion for an unrecognized kind, got %s", s.Kind())
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]domain.StrategyKind{
		"ma_crossover": domain.MaCrossover,
		"MA_CROSS":     domain.MaCrossover,
		"vol_breakout": domain.VolBreakout,
		"":             domain.MeanReversion,
		"garbage":      domain.MeanReversion,
	}
	for in, want := range cases {
		if got := ParseKind(in); got != want {
			t.Fatalf("ParseKind(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestDispatcherEnforcesCooldown(t *testing.T) {
	params := Params{NMR: 2, EdgeBps: 0.0001, KSigma: 0.0000001}
	d := NewDispatcher(domain.MeanReversion, 1, params, discardLogger(), clock.System{}, time.Hour)

	mdBus := bus.NewDropOldest[domain.MdTick](16, nil)
	sigBus := bus.NewBlocking[domain.Signal](16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, mdBus, sigBus) }()

	mdBus.Send(tick("BTCUSDT", 99.99, 100.01, 1))
	mdBus.Send(tick("BTCUSDT", 99.99, 100.01, 2))
	// Large deviation should trigger a signal, then a second large deviation
	// on the opposite side should be suppressed by the (kind,symbol) cooldown.
	mdBus.Send(tick("BTCUSDT", 1, 1.02, 3))
	mdBus.Send(tick("BTCUSDT", 200, 200.02, 4))

	select {
	case sig := <-sigBus.Recv():
		if sig.Symbol != "BTCUSDT" {
			t.Fatalf("unexpected symbol: %s", sig.Symbol)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first signal")
	}

	select {
	case sig := <-sigBus.Recv():
		t.Fatalf("expected cooldown to suppress a second signal, got %+v", sig)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestSymbolHashIsStableAndDistributesAcrossWorkers(t *testing.T) {
	seen := map[uint32]bool{}
	for _, s := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "ADAUSDT"} {
		h1 := symbolHash(s)
		h2 := symbolHash(s)
		if h1 != h2 {
			t.Fatalf("hash not stable for %s", s)
		}
		seen[h1%4] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected symbols to distribute across at least 2 buckets, got %d", len(seen))
	}
}
