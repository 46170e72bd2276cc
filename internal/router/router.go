// Package router selects a venue for each risk-accepted Order and fans it
// out onto that venue's bus, per spec.md §4.4. It has no direct analogue in
// the teacher, which only ever spoke to a single venue; its dispatch style
// is grounded in the teacher's provider-switch and scoring/merge loops
// (internal/exchange/feed.go's Run, internal/exchange/discovery.go's
// DexScreenerDiscovery scan-and-sort).
package router

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/domain"
	"tradecore/internal/metrics"
)

// Weights are the router's scoring coefficients from spec.md §4.4:
// score = w1·fill_rate − w2·latency_ms − w3·reject_rate.
type Weights struct {
	W1    float64
	W2    float64
	W3    float64
	Delta float64 // stickiness band
}

// DefaultWeights matches SPEC_FULL.md §9's resolution of the router's Open
// Question: w1=1.0, w2=0.01, w3=1.0, δ=0.05.
func DefaultWeights() Weights {
	return Weights{W1: 1.0, W2: 0.01, W3: 1.0, Delta: 0.05}
}

// VenueState is a venue's live health snapshot.
type VenueState struct {
	Up            bool
	FillRate      float64
	LatencyP50Ms  float64
	RejectRate    float64
}

// score computes the venue's routing score; a down venue scores −∞.
func (v VenueState) score(w Weights) float64 {
	if !v.Up {
		return math.Inf(-1)
	}
	return w.W1*v.FillRate - w.W2*v.LatencyP50Ms - w.W3*v.RejectRate
}

// Router owns per-venue live state (behind a single lock, per spec.md §5)
// and a TimedBlock order bus per venue.
type Router struct {
	weights     Weights
	singleVenue string // non-empty selects single-venue mode

	mu     sync.RWMutex
	states map[string]*VenueState

	venueBuses map[string]*bus.TimedBlock[domain.Order]
	log        zerolog.Logger
}

// New builds a Router. When singleVenue is non-empty the router always
// targets that venue (spec.md §4.4's "Single-venue enabled" policy);
// otherwise it scores across every venue named in venues.
func New(weights Weights, venues []string, singleVenue string, log zerolog.Logger) *Router {
	r := &Router{
		weights:     weights,
		singleVenue: singleVenue,
		states:      make(map[string]*VenueState),
		venueBuses:  make(map[string]*bus.TimedBlock[domain.Order]),
		log:         log,
	}
	for _, v := range venues {
		r.states[v] = &VenueState{Up: true}
		r.venueBuses[v] = bus.NewTimedBlock[domain.Order](bus.VenueBusCapacity, bus.VenueBusBlockTimeout)
	}
	return r
}

// VenueBus exposes the per-venue order bus for a gateway to consume.
func (r *Router) VenueBus(venue string) *bus.TimedBlock[domain.Order] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.venueBuses[venue]
}

// UpdateVenue replaces a venue's live health snapshot, adding the venue if
// it is not yet known.
func (r *Router) UpdateVenue(venue string, up bool, fillRate, latencyP50Ms, rejectRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[venue]
	if !ok {
		s = &VenueState{}
		r.states[venue] = s
	}
	s.Up = up
	s.FillRate = fillRate
	s.LatencyP50Ms = latencyP50Ms
	s.RejectRate = rejectRate
}

// ErrNoVenue is returned when no venue is up to route to.
type ErrNoVenue struct{}

func (ErrNoVenue) Error() string { return "NO_VENUE" }

// Select picks the destination venue for order, applying the stickiness
// rule: if order.VenuePref scores within Delta of the top-scored venue, the
// preference wins. Never splits an order across venues.
func (r *Router) Select(order domain.Order) (string, error) {
	if r.singleVenue != "" {
		r.mu.RLock()
		s, ok := r.states[r.singleVenue]
		r.mu.RUnlock()
		if !ok || !s.Up {
			return "", ErrNoVenue{}
		}
		return r.singleVenue, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var top string
	topScore := math.Inf(-1)
	for venue, s := range r.states {
		sc := s.score(r.weights)
		if sc > topScore {
			topScore = sc
			top = venue
		}
	}
	if top == "" || math.IsInf(topScore, -1) {
		return "", ErrNoVenue{}
	}

	if order.VenuePref != "" && order.VenuePref != top {
		if s, ok := r.states[order.VenuePref]; ok {
			prefScore := s.score(r.weights)
			if topScore-prefScore <= r.weights.Delta {
				return order.VenuePref, nil
			}
		}
	}
	return top, nil
}

// Run consumes accepted orders from ordBus, routes each to a venue bus, and
// synthesizes a REJECTED ExecReport onto execBus for NO_VENUE and CONGESTED
// outcomes so no order silently vanishes.
func (r *Router) Run(ctx context.Context, ordBus *bus.Blocking[domain.Order], execBus *bus.Blocking[domain.ExecReport]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case order, ok := <-ordBus.Recv():
			if !ok {
				return nil
			}
			r.route(ctx, order, execBus)
		}
	}
}

func (r *Router) route(ctx context.Context, order domain.Order, execBus *bus.Blocking[domain.ExecReport]) {
	venue, err := r.Select(order)
	if err != nil {
		r.reject(ctx, order, "", "NO_VENUE", execBus)
		return
	}
	vb := r.VenueBus(venue)
	if vb == nil {
		r.reject(ctx, order, venue, "NO_VENUE", execBus)
		return
	}
	if err := vb.Send(ctx, order); err != nil {
		r.log.Warn().Str("venue", venue).Str("order_id", order.ID).Err(err).Msg("venue bus congested")
		r.reject(ctx, order, venue, "CONGESTED", execBus)
	}
}

func (r *Router) reject(ctx context.Context, order domain.Order, venue, reason string, execBus *bus.Blocking[domain.ExecReport]) {
	report := domain.ExecReport{
		OrderID:    order.ID,
		Venue:      venue,
		Status:     domain.Rejected,
		TsMs:       order.TsMs,
		ReasonCode: reason,
	}
	_ = execBus.Send(ctx, report)
	metrics.ExecReportsTotal.WithLabelValues(venueLabel(venue), string(domain.Rejected)).Inc()
}

// venueLabel avoids an empty venue label on the metric when Select itself
// failed before a venue was even chosen.
func venueLabel(venue string) string {
	if venue == "" {
		return "none"
	}
	return venue
}
