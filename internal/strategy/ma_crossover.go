package strategy

import (
	"math"

	"tradecore/internal/domain"
)

// maCrossover emits on a fast/slow SMA sign change whose magnitude clears
// edge_bps·slow/10000, per spec.md §4.2.2.
type maCrossover struct {
	params Params
	fast   map[string]*ring
	slow   map[string]*ring
	sign   map[string]int // prior sign of fast-slow: -1, 0, +1
}

func newMACrossover(params Params) *maCrossover {
	return &maCrossover{
		params: params,
		fast:   make(map[string]*ring),
		slow:   make(map[string]*ring),
		sign:   make(map[string]int),
	}
}

func (m *maCrossover) Kind() domain.StrategyKind { return domain.MaCrossover }

func (m *maCrossover) OnTick(t domain.MdTick) *domain.Signal {
	fast := m.fast[t.Symbol]
	if fast == nil {
		fast = newRing(m.params.NF)
		m.fast[t.Symbol] = fast
	}
	slow := m.slow[t.Symbol]
	if slow == nil {
		slow = newRing(m.params.NS)
		m.slow[t.Symbol] = slow
	}
	mid := t.Mid()
	fast.push(mid)
	slow.push(mid)
	if !fast.ready() || !slow.ready() {
		return nil
	}

	fastAvg := fast.mean()
	slowAvg := slow.mean()
	diff := fastAvg - slowAvg
	curSign := sign(diff)
	prevSign, seen := m.sign[t.Symbol]
	m.sign[t.Symbol] = curSign

	if !seen || curSign == prevSign || curSign == 0 {
		return nil
	}
	if math.Abs(diff) < m.params.EdgeBps*math.Abs(slowAvg)/10000 {
		return nil
	}

	if curSign > 0 {
		sig := domain.NewSignal(domain.MaCrossover, t.Symbol, domain.Buy, t.AskPx, 1, t.TsMs, "ma_crossover_up")
		return &sig
	}
	sig := domain.NewSignal(domain.MaCrossover, t.Symbol, domain.Sell, t.BidPx, 1, t.TsMs, "ma_crossover_down")
	return &sig
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
