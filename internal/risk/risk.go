// Package risk turns a Signal into an Order or a Reject, applying the
// fail-fast checks of spec.md §4.3: symbol allow-list, price band, sizing,
// notional cap and a global rate limit.
//
// Grounded on the teacher's internal/risk/risk.go (a single Limits.Allow
// notional check), generalized into the full chain, with the token bucket
// grounded in Aidin1998-finalex's rate-limiting middleware use of
// golang.org/x/time/rate.
package risk

import (
	"math"

	"golang.org/x/time/rate"

	"tradecore/internal/domain"
)

// RejectReason names why a signal was rejected, used as the risk_rejects_total
// counter's label per spec.md §4.8.
type RejectReason string

const (
	ReasonSymbolNotAllowed RejectReason = "SYMBOL_NOT_ALLOWED"
	ReasonPriceBand        RejectReason = "PRICE_BAND"
	ReasonMinLot           RejectReason = "MIN_LOT"
	ReasonNotionalCap      RejectReason = "NOTIONAL_CAP"
	ReasonThrottled        RejectReason = "THROTTLED"
)

// Reject is returned by Check when a signal fails a risk rule.
type Reject struct {
	Reason RejectReason
}

func (r *Reject) Error() string { return string(r.Reason) }

// Limits collects every risk knob from spec.md §4.3/§6.
type Limits struct {
	Symbols       map[string]struct{}
	PxMin         float64
	PxMax         float64
	MaxNotional   float64
	PerSymbolCap  float64 // qty cap, unlimited when zero
	LotSize       float64
	MinLot        float64
	SlipBps       float64
	MaxQPS        float64
}

// applyDefaults fills the sizing knobs the config layer doesn't expose
// directly, matching spec.md §4.3's defaults.
func (l *Limits) applyDefaults() {
	if l.LotSize <= 0 {
		l.LotSize = 0.0001
	}
	if l.MinLot <= 0 {
		l.MinLot = l.LotSize
	}
	if l.PerSymbolCap <= 0 {
		l.PerSymbolCap = math.MaxFloat64
	}
	if l.SlipBps < 0 {
		l.SlipBps = 0
	}
}

// Engine applies Limits to signals, throttling with a global token bucket
// sized MaxQPS tokens/sec with burst MaxQPS, per spec.md §4.3.
type Engine struct {
	limits  Limits
	limiter *rate.Limiter
}

// NewEngine builds an Engine. Symbols must already be normalized
// (domain.NormalizeSymbol).
func NewEngine(limits Limits, symbols []string) *Engine {
	limits.applyDefaults()
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[domain.NormalizeSymbol(s)] = struct{}{}
	}
	limits.Symbols = set

	qps := limits.MaxQPS
	if qps <= 0 {
		qps = 10
	}
	return &Engine{
		limits:  limits,
		limiter: rate.NewLimiter(rate.Limit(qps), int(qps)),
	}
}

// Check runs the fail-fast chain of spec.md §4.3 and returns either an
// Order or a *Reject.
func (e *Engine) Check(sig domain.Signal) (domain.Order, *Reject) {
	if _, ok := e.limits.Symbols[sig.Symbol]; !ok {
		return domain.Order{}, &Reject{ReasonSymbolNotAllowed}
	}
	if sig.RefPx < e.limits.PxMin || sig.RefPx > e.limits.PxMax {
		return domain.Order{}, &Reject{ReasonPriceBand}
	}

	qty := e.sizeQty(sig.RefPx)
	if qty < e.limits.MinLot {
		return domain.Order{}, &Reject{ReasonMinLot}
	}
	if qty*sig.RefPx > e.limits.MaxNotional {
		return domain.Order{}, &Reject{ReasonNotionalCap}
	}
	if !e.limiter.Allow() {
		return domain.Order{}, &Reject{ReasonThrottled}
	}

	limitPx := sig.RefPx * (1 + e.limits.SlipBps*sig.Side.Sign()/10000)
	order := domain.NewOrder(sig.ID, sig.Symbol, sig.Side, limitPx, qty, domain.IOC, "", sig.TsMs)
	return order, nil
}

// sizeQty computes qty = min(MAX_NOTIONAL/ref_px, per_symbol_cap), rounded
// down to the nearest lot_size, per spec.md §4.3. Signal urgency does not
// scale quantity (see SPEC_FULL.md §9's Open Question resolution).
func (e *Engine) sizeQty(refPx float64) float64 {
	if refPx <= 0 {
		return 0
	}
	raw := math.Min(e.limits.MaxNotional/refPx, e.limits.PerSymbolCap)
	lots := math.Floor(raw / e.limits.LotSize)
	return lots * e.limits.LotSize
}
