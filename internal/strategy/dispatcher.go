package strategy

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/domain"
	"tradecore/internal/metrics"
)

// DefaultCooldown is the minimum spacing between two emissions from the same
// (kind, symbol) pair, per spec.md §4.2.
const DefaultCooldown = 250 * time.Millisecond

// Dispatcher owns a homogeneous worker pool for one strategy kind. Each
// worker owns a disjoint subset of symbols (hash(symbol) mod W), so strategy
// state never needs cross-worker synchronization.
type Dispatcher struct {
	kind     domain.StrategyKind
	workers  []*worker
	log      zerolog.Logger
	clk      clock.Clock
	cooldown time.Duration
}

type worker struct {
	in       chan domain.MdTick
	strat    Strategy
	lastSent map[string]int64 // symbol -> ms of last emitted signal
}

// NewDispatcher builds a Dispatcher of width workers for kind.
func NewDispatcher(kind domain.StrategyKind, workers int, params Params, log zerolog.Logger, clk clock.Clock, cooldown time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	d := &Dispatcher{kind: kind, log: log, clk: clk, cooldown: cooldown}
	d.workers = make([]*worker, workers)
	for i := range d.workers {
		d.workers[i] = &worker{
			in:       make(chan domain.MdTick, 256),
			strat:    Build(kind, params),
			lastSent: make(map[string]int64),
		}
	}
	return d
}

// Kind reports which strategy kind this dispatcher runs.
func (d *Dispatcher) Kind() domain.StrategyKind { return d.kind }

// Run fans MdBus ticks out to the owning worker per symbol and forwards
// emitted signals onto sigBus, honoring per-(kind,symbol) cooldown. Blocks
// until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context, in *bus.DropOldest[domain.MdTick], sigBus *bus.Blocking[domain.Signal]) error {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			d.runWorker(ctx, w, sigBus)
		}(w)
	}

	defer func() {
		for _, w := range d.workers {
			close(w.in)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-in.Recv():
			if !ok {
				return nil
			}
			w := d.workers[symbolHash(tick.Symbol)%uint32(len(d.workers))]
			select {
			case w.in <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, w *worker, sigBus *bus.Blocking[domain.Signal]) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-w.in:
			if !ok {
				return
			}
			sig := w.strat.OnTick(tick)
			if sig == nil {
				continue
			}
			nowMs := d.clk.NowMs()
			if last, seen := w.lastSent[tick.Symbol]; seen && nowMs-last < d.cooldown.Milliseconds() {
				continue
			}
			w.lastSent[tick.Symbol] = nowMs
			metrics.SignalsTotal.WithLabelValues(string(d.kind), tick.Symbol).Inc()
			if err := sigBus.Send(ctx, *sig); err != nil {
				return
			}
		}
	}
}

func symbolHash(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32()
}
