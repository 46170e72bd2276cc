package strategy

import (
	"math"

	"tradecore/internal/domain"
)

// volBreakout emits when price clears the rolling high/low by more than
// edge_bps and by more than one tick, per spec.md §4.2.3. When both sides
// trigger on the same tick (a crossed or very wide market), the side with
// the larger absolute distance wins.
type volBreakout struct {
	params Params
	series map[string]*ring
}

func newVolBreakout(params Params) *volBreakout {
	return &volBreakout{params: params, series: make(map[string]*ring)}
}

func (v *volBreakout) Kind() domain.StrategyKind { return domain.VolBreakout }

func (v *volBreakout) OnTick(t domain.MdTick) *domain.Signal {
	r := v.series[t.Symbol]
	if r == nil {
		r = newRing(v.params.NVB)
		v.series[t.Symbol] = r
	}
	mid := t.Mid()
	r.push(mid)
	if !r.ready() {
		return nil
	}

	hh, ll := r.highLow()
	buyThresh := hh + v.params.EdgeBps*hh/10000
	sellThresh := ll - v.params.EdgeBps*ll/10000

	buyDist := t.AskPx - buyThresh
	sellDist := sellThresh - t.BidPx
	buyOK := buyDist > 0 && (t.AskPx-hh) > v.params.TickSize
	sellOK := sellDist > 0 && (ll-t.BidPx) > v.params.TickSize

	switch {
	case buyOK && sellOK:
		if math.Abs(buyDist) >= math.Abs(sellDist) {
			sig := domain.NewSignal(domain.VolBreakout, t.Symbol, domain.Buy, t.AskPx, 1, t.TsMs, "vol_breakout_up")
			return &sig
		}
		sig := domain.NewSignal(domain.VolBreakout, t.Symbol, domain.Sell, t.BidPx, 1, t.TsMs, "vol_breakout_down")
		return &sig
	case buyOK:
		sig := domain.NewSignal(domain.VolBreakout, t.Symbol, domain.Buy, t.AskPx, 1, t.TsMs, "vol_breakout_up")
		return &sig
	case sellOK:
		sig := domain.NewSignal(domain.VolBreakout, t.Symbol, domain.Sell, t.BidPx, 1, t.TsMs, "vol_breakout_down")
		return &sig
	default:
		return nil
	}
}
