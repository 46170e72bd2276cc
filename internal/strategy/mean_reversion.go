package strategy

import (
	"math"

	"tradecore/internal/domain"
)

// meanReversion fades price away from a rolling mean once the deviation
// exceeds max(edge_bps·μ/10000, k_sigma·σ), per spec.md §4.2.1.
type meanReversion struct {
	params Params
	series map[string]*ring
}

func newMeanReversion(params Params) *meanReversion {
	return &meanReversion{params: params, series: make(map[string]*ring)}
}

func (m *meanReversion) Kind() domain.StrategyKind { return domain.MeanReversion }

func (m *meanReversion) OnTick(t domain.MdTick) *domain.Signal {
	r := m.series[t.Symbol]
	if r == nil {
		r = newRing(m.params.NMR)
		m.series[t.Symbol] = r
	}
	mid := t.Mid()
	r.push(mid)
	if !r.ready() {
		return nil
	}

	mu := r.mean()
	sigma := r.stddev(mu)
	edgePx := math.Max(m.params.EdgeBps*mu/10000, m.params.KSigma*sigma)
	if edgePx <= 0 {
		return nil
	}

	if t.AskPx <= mu-edgePx {
		urgency := clamp((mu-edgePx-t.AskPx)/edgePx, 0, 1)
		sig := domain.NewSignal(domain.MeanReversion, t.Symbol, domain.Buy, t.AskPx, urgency, t.TsMs, "mean_reversion_low")
		return &sig
	}
	if t.BidPx >= mu+edgePx {
		urgency := clamp((t.BidPx-(mu+edgePx))/edgePx, 0, 1)
		sig := domain.NewSignal(domain.MeanReversion, t.Symbol, domain.Sell, t.BidPx, urgency, t.TsMs, "mean_reversion_high")
		return &sig
	}
	return nil
}
