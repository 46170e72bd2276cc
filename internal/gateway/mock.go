package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/domain"
	"tradecore/internal/metrics"
)

// MockGateway simulates a venue for local development, grounded on the
// teacher's internal/execution/execution.go Executor.Submit (metrics
// increment + structured log), extended with the ACK-then-FILLED timing
// model of spec.md §4.5.1.
type MockGateway struct {
	venue   string
	log     zerolog.Logger
	clk     clock.Clock
	pReject float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockGateway builds a MockGateway. pReject is the probability, in
// [0,1], that an order is rejected instead of acknowledged; spec.md §4.5.1
// defaults it to 0.
func NewMockGateway(venue string, log zerolog.Logger, clk clock.Clock, pReject float64) *MockGateway {
	return &MockGateway{
		venue:   venue,
		log:     log,
		clk:     clk,
		pReject: pReject,
		rng:     rand.New(rand.NewSource(1)),
	}
}

func (g *MockGateway) Venue() string { return g.venue }

// Run reads routed orders and spawns one task per order. Each task's own
// ACK-then-FILLED sequence is strictly ordered, which is all spec.md §5
// requires ("ACK precedes FILLED for any given order.id"); orders
// themselves may complete out of order relative to one another.
func (g *MockGateway) Run(ctx context.Context, in *bus.TimedBlock[domain.Order], execBus *bus.Blocking[domain.ExecReport]) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case order, ok := <-in.Recv():
			if !ok {
				return nil
			}
			wg.Add(1)
			go func(o domain.Order) {
				defer wg.Done()
				g.process(ctx, o, execBus)
			}(order)
		}
	}
}

func (g *MockGateway) process(ctx context.Context, order domain.Order, execBus *bus.Blocking[domain.ExecReport]) {
	if !g.sleep(ctx, g.uniform(0.2, 1.0)) {
		return
	}
	if g.reject() {
		_ = execBus.Send(ctx, domain.ExecReport{
			OrderID: order.ID, Venue: g.venue, Status: domain.Rejected,
			TsMs: g.clk.NowMs(), ReasonCode: "MOCK_REJECT",
		})
		metrics.ExecReportsTotal.WithLabelValues(g.venue, string(domain.Rejected)).Inc()
		return
	}

	ackMs := g.clk.NowMs()
	if err := execBus.Send(ctx, domain.ExecReport{OrderID: order.ID, Venue: g.venue, Status: domain.Ack, TsMs: ackMs}); err != nil {
		return
	}
	metrics.ExecReportsTotal.WithLabelValues(g.venue, string(domain.Ack)).Inc()
	metrics.LatencySignalToAckMs.WithLabelValues(g.venue).Observe(float64(ackMs - order.TsMs))

	if !g.sleep(ctx, g.uniform(1, 10)) {
		return
	}
	slipBps := g.normal() * 0.5
	avgPx := order.LimitPx * (1 + slipBps/10000)
	fillMs := g.clk.NowMs()
	_ = execBus.Send(ctx, domain.ExecReport{
		OrderID: order.ID, Venue: g.venue, Status: domain.Filled,
		FilledQty: order.Qty, AvgPx: avgPx, TsMs: fillMs,
	})
	metrics.ExecReportsTotal.WithLabelValues(g.venue, string(domain.Filled)).Inc()
	metrics.LatencyAckToFillMs.WithLabelValues(g.venue).Observe(float64(fillMs - ackMs))
}

func (g *MockGateway) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (g *MockGateway) uniform(loMs, hiMs float64) time.Duration {
	g.mu.Lock()
	v := loMs + g.rng.Float64()*(hiMs-loMs)
	g.mu.Unlock()
	return time.Duration(v * float64(time.Millisecond))
}

func (g *MockGateway) normal() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.NormFloat64()
}

func (g *MockGateway) reject() bool {
	if g.pReject <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64() < g.pReject
}
