// Package domain holds the value types shared by every stage of the trading
// pipeline: ticks in, signals and orders through risk and routing, execution
// reports back, and the positions they settle into.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Side is the direction of a signal, order or fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign returns +1 for Buy and -1 for Sell.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Opposite flips the side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TIF is an order's time-in-force.
type TIF string

const (
	IOC TIF = "IOC"
	GTC TIF = "GTC"
)

// NormalizeSymbol case-folds a symbol to the canonical uppercase form used
// throughout the pipeline. Applied once on ingress per spec.
func NormalizeSymbol(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}

// MdTick is a per-symbol top-of-book snapshot.
type MdTick struct {
	Symbol string
	BidPx  float64
	AskPx  float64
	BidQty float64
	AskQty float64
	TsMs   int64
	Seq    uint64
}

// Mid returns the midpoint price.
func (t MdTick) Mid() float64 {
	return (t.BidPx + t.AskPx) / 2
}

// StrategyKind tags which strategy produced a Signal.
type StrategyKind string

const (
	MeanReversion StrategyKind = "mean_reversion"
	MaCrossover   StrategyKind = "ma_crossover"
	VolBreakout   StrategyKind = "vol_breakout"
)

// Signal is an immutable trading bias emitted by a strategy worker.
type Signal struct {
	ID           string
	StrategyKind StrategyKind
	Symbol       string
	Side         Side
	RefPx        float64
	Urgency      float64
	TsMs         int64
	ReasonCode   string
}

// NewSignal stamps a fresh UUID and clamps urgency into [0,1].
func NewSignal(kind StrategyKind, symbol string, side Side, refPx, urgency float64, tsMs int64, reason string) Signal {
	if urgency < 0 {
		urgency = 0
	}
	if urgency > 1 {
		urgency = 1
	}
	return Signal{
		ID:           uuid.NewString(),
		StrategyKind: kind,
		Symbol:       symbol,
		Side:         side,
		RefPx:        refPx,
		Urgency:      urgency,
		TsMs:         tsMs,
		ReasonCode:   reason,
	}
}

// Order is a risk-accepted request routed to a venue.
type Order struct {
	ID             string
	ParentSignalID string
	Symbol         string
	Side           Side
	LimitPx        float64
	Qty            float64
	TIF            TIF
	VenuePref      string
	TsMs           int64
}

// NewOrder stamps a fresh UUID for the order.
func NewOrder(parentSignalID, symbol string, side Side, limitPx, qty float64, tif TIF, venuePref string, tsMs int64) Order {
	return Order{
		ID:             uuid.NewString(),
		ParentSignalID: parentSignalID,
		Symbol:         symbol,
		Side:           side,
		LimitPx:        limitPx,
		Qty:            qty,
		TIF:            tif,
		VenuePref:      venuePref,
		TsMs:           tsMs,
	}
}

// ExecStatus is the lifecycle status of an order at a venue.
type ExecStatus string

const (
	Ack      ExecStatus = "ACK"
	Partial  ExecStatus = "PARTIAL"
	Filled   ExecStatus = "FILLED"
	Rejected ExecStatus = "REJECTED"
	Canceled ExecStatus = "CANCELED"
)

// Terminal reports whether the status admits no further reports for the order.
func (s ExecStatus) Terminal() bool {
	switch s {
	case Filled, Rejected, Canceled:
		return true
	default:
		return false
	}
}

// ExecReport is a venue's acknowledgement of order state. FilledQty is
// cumulative and non-decreasing within an order's lifetime; once Status
// reaches a terminal value (Filled/Rejected/Canceled) no further reports
// are accepted for that order.
type ExecReport struct {
	OrderID    string
	Venue      string
	Status     ExecStatus
	FilledQty  float64
	AvgPx      float64
	TsMs       int64
	ReasonCode string
}

// Position is the inventory and PnL state for one (symbol, venue) pair, or
// the symbol-level aggregate across venues.
type Position struct {
	Symbol        string
	Venue         string
	Qty           float64
	AvgEntryPx    float64
	RealizedPnL   float64
	LastMarkPx    float64
	UnrealizedPnL float64
}

// Recompute refreshes UnrealizedPnL from Qty/AvgEntryPx/LastMarkPx per the
// invariant in spec.md §3.
func (p *Position) Recompute() {
	if p.Qty == 0 {
		p.UnrealizedPnL = 0
		return
	}
	p.UnrealizedPnL = p.Qty * (p.LastMarkPx - p.AvgEntryPx)
}

// EventKind discriminates the recorder's tagged union.
type EventKind string

const (
	EventMd   EventKind = "md"
	EventSig  EventKind = "sig"
	EventOrd  EventKind = "ord"
	EventExec EventKind = "exec"
)

// Event wraps exactly one of the four entity kinds for the audit sink.
type Event struct {
	Kind EventKind
	Md   *MdTick
	Sig  *Signal
	Ord  *Order
	Exec *ExecReport
}

// NewMdEvent, NewSigEvent, NewOrdEvent and NewExecEvent build a tagged Event
// around one entity each.
func NewMdEvent(t MdTick) Event     { return Event{Kind: EventMd, Md: &t} }
func NewSigEvent(s Signal) Event    { return Event{Kind: EventSig, Sig: &s} }
func NewOrdEvent(o Order) Event     { return Event{Kind: EventOrd, Ord: &o} }
func NewExecEvent(e ExecReport) Event { return Event{Kind: EventExec, Exec: &e} }

// NowMs returns the current time as epoch milliseconds, used where a clock
// isn't threaded through explicitly.
func NowMs(t time.Time) int64 { return t.UnixMilli() }
