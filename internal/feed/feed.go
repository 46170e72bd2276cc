// Package feed produces normalized domain.MdTick values onto the market
// data bus, either from a mock geometric random walk generator or from a
// live exchange WebSocket top-of-book stream, per spec.md §4.1.
//
// Grounded on the teacher's internal/exchange/feed.go (runStub ticker loop,
// per-symbol snapshot/dedup) and feed_binance.go (WS dial, ping/pong,
// backoff reconnect loop), generalized into the explicit Connecting /
// Connected / Backoff state machine spec.md §4.1 names.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/domain"
	"tradecore/internal/metrics"
)

// Provider selects the feed implementation.
type Provider string

const (
	ProviderMock    Provider = "mock"
	ProviderBinance Provider = "binance"
)

// State names the reconnect state machine's states, exposed for tests and
// logging.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackoff    State = "backoff"
)

// MockParams tunes the mock geometric random walk generator.
type MockParams struct {
	SeedPrices    map[string]float64
	TicksPerSec   float64 // per symbol, default 100
	SpreadBps     float64 // default 2 (0.02%)
	Volatility    float64 // per-tick log-return std dev, default 0.0005
	PriceBandMin  float64
	PriceBandMax  float64
}

func (p *MockParams) applyDefaults(symbols []string) {
	if p.TicksPerSec <= 0 {
		p.TicksPerSec = 100
	}
	if p.SpreadBps <= 0 {
		p.SpreadBps = 2
	}
	if p.Volatility <= 0 {
		p.Volatility = 0.0005
	}
	if p.SeedPrices == nil {
		p.SeedPrices = map[string]float64{}
	}
	for _, s := range symbols {
		if _, ok := p.SeedPrices[s]; !ok {
			p.SeedPrices[s] = 100
		}
	}
	if p.PriceBandMax <= 0 {
		p.PriceBandMax = math.MaxFloat64
	}
}

// ExchangeParams configures the live WebSocket feed.
type ExchangeParams struct {
	WSURL          string
	StallThreshold time.Duration // default 15s
	BackoffBase    time.Duration // default 1s
	BackoffCap     time.Duration // default 30s
	PingInterval   time.Duration // default 15s
	HandshakeTimeout time.Duration // default 5s
}

func (p *ExchangeParams) applyDefaults() {
	if p.StallThreshold <= 0 {
		p.StallThreshold = 15 * time.Second
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 30 * time.Second
	}
	if p.PingInterval <= 0 {
		p.PingInterval = 15 * time.Second
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = 5 * time.Second
	}
}

// Feed streams top-of-book ticks for a configured symbol set onto a bus.
type Feed struct {
	provider Provider
	venue    string
	symbols  []string
	log      zerolog.Logger
	clk      clock.Clock

	mock     MockParams
	exchange ExchangeParams

	everConnected bool
	reconnects    int
	mu            sync.Mutex
}

// New constructs a Feed. venue names the label used on telemetry (e.g.
// "mock" or "binance").
func New(provider Provider, venue string, symbols []string, log zerolog.Logger, clk clock.Clock, mock MockParams, exchange ExchangeParams) *Feed {
	syms := make([]string, len(symbols))
	for i, s := range symbols {
		syms[i] = domain.NormalizeSymbol(s)
	}
	mock.applyDefaults(syms)
	exchange.applyDefaults()
	return &Feed{
		provider: provider,
		venue:    venue,
		symbols:  syms,
		log:      log,
		clk:      clk,
		mock:     mock,
		exchange: exchange,
	}
}

// Run streams ticks onto out until ctx is canceled.
func (f *Feed) Run(ctx context.Context, out *bus.DropOldest[domain.MdTick]) error {
	switch f.provider {
	case ProviderBinance:
		return f.runExchange(ctx, out)
	default:
		return f.runMock(ctx, out)
	}
}

// Reconnects reports the number of Connecting->Connected transitions after
// the first, for tests and telemetry cross-checks.
func (f *Feed) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

// runMock spawns one goroutine per symbol emitting a geometric random walk.
func (f *Feed) runMock(ctx context.Context, out *bus.DropOldest[domain.MdTick]) error {
	var wg sync.WaitGroup
	for _, sym := range f.symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			f.runMockSymbol(ctx, symbol, out)
		}(sym)
	}
	wg.Wait()
	return ctx.Err()
}

func (f *Feed) runMockSymbol(ctx context.Context, symbol string, out *bus.DropOldest[domain.MdTick]) {
	interval := time.Duration(float64(time.Second) / f.mock.TicksPerSec)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(int64(hashSeed(symbol))))
	mid := f.mock.SeedPrices[symbol]
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logReturn := rng.NormFloat64() * f.mock.Volatility
			mid *= math.Exp(logReturn)
			if mid < f.mock.PriceBandMin {
				mid = f.mock.PriceBandMin
			}
			if mid > f.mock.PriceBandMax {
				mid = f.mock.PriceBandMax
			}
			spread := mid * f.mock.SpreadBps / 10000
			seq++
			tick := domain.MdTick{
				Symbol: symbol,
				BidPx:  mid - spread/2,
				AskPx:  mid + spread/2,
				BidQty: 1 + rng.Float64()*9,
				AskQty: 1 + rng.Float64()*9,
				TsMs:   f.clk.NowMs(),
				Seq:    seq,
			}
			out.Send(tick)
			metrics.TicksTotal.WithLabelValues(symbol).Inc()
		}
	}
}

func hashSeed(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// bookTickerEnvelope matches Binance's combined-stream bookTicker payload
// shape: {"stream":"btcusdt@bookTicker","data":{"s":"BTCUSDT","b":"...", ...}}.
type bookTickerEnvelope struct {
	Stream string          `json:"stream"`
	Data   bookTickerFrame `json:"data"`
}

type bookTickerFrame struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

func (f *Feed) runExchange(ctx context.Context, out *bus.DropOldest[domain.MdTick]) error {
	seq := make(map[string]uint64, len(f.symbols))
	backoff := f.exchange.BackoffBase
	state := StateConnecting

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.WsConnected.WithLabelValues(f.venue).Set(0)
		state = StateConnecting
		err := f.consumeExchangeStream(ctx, out, seq, &state)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.WsConnected.WithLabelValues(f.venue).Set(0)
		if err != nil {
			f.log.Warn().Err(err).Str("venue", f.venue).Msg("feed disconnected, backing off")
		}
		state = StateBackoff
		jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(f.exchange.BackoffCap), float64(backoff)*2))
	}
}

func (f *Feed) consumeExchangeStream(ctx context.Context, out *bus.DropOldest[domain.MdTick], seq map[string]uint64, state *State) error {
	streams := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		streams[i] = strings.ToLower(s) + "@bookTicker"
	}
	url := fmt.Sprintf("%s/stream?streams=%s", f.exchange.WSURL, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: f.exchange.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	*state = StateConnected
	f.mu.Lock()
	if f.everConnected {
		f.reconnects++
		metrics.WsReconnectsTotal.WithLabelValues(f.venue).Inc()
	}
	f.everConnected = true
	f.mu.Unlock()
	metrics.WsConnected.WithLabelValues(f.venue).Set(1)
	f.log.Info().Str("venue", f.venue).Strs("symbols", f.symbols).Msg("market data feed connected")

	lastEvent := f.clk.Now()
	var lastEventMu sync.Mutex

	conn.SetReadLimit(1 << 20)
	conn.SetPongHandler(func(string) error { return nil })

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	stallCtx, cancelStall := context.WithCancel(ctx)
	defer cancelStall()
	go f.stallWatch(stallCtx, conn, &lastEventMu, &lastEvent)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		lastEventMu.Lock()
		lastEvent = f.clk.Now()
		lastEventMu.Unlock()
		metrics.WsLastEventAgeSeconds.WithLabelValues(f.venue).Set(0)

		var env bookTickerEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			f.log.Warn().Err(err).Str("venue", f.venue).Msg("unparseable market data frame")
			continue
		}
		tick, err := parseBookTicker(env.Data, f.clk.NowMs())
		if err != nil {
			f.log.Warn().Err(err).Str("venue", f.venue).Msg("invalid book ticker payload")
			continue
		}
		seq[tick.Symbol]++
		tick.Seq = seq[tick.Symbol]
		out.Send(tick)
		metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.exchange.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// stallWatch forces the connection closed if no frame arrives within the
// configured stall threshold, per spec.md §4.1.
func (f *Feed) stallWatch(ctx context.Context, conn *websocket.Conn, mu *sync.Mutex, lastEvent *time.Time) {
	ticker := time.NewTicker(f.exchange.StallThreshold / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mu.Lock()
			age := f.clk.Now().Sub(*lastEvent)
			mu.Unlock()
			metrics.WsLastEventAgeSeconds.WithLabelValues(f.venue).Set(age.Seconds())
			if age >= f.exchange.StallThreshold {
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func parseBookTicker(d bookTickerFrame, tsMs int64) (domain.MdTick, error) {
	if d.Symbol == "" {
		return domain.MdTick{}, fmt.Errorf("book ticker missing symbol")
	}
	bid, err := strconv.ParseFloat(d.BidPrice, 64)
	if err != nil {
		return domain.MdTick{}, fmt.Errorf("invalid bid price: %w", err)
	}
	ask, err := strconv.ParseFloat(d.AskPrice, 64)
	if err != nil {
		return domain.MdTick{}, fmt.Errorf("invalid ask price: %w", err)
	}
	if bid > ask {
		return domain.MdTick{}, fmt.Errorf("crossed book: bid %v > ask %v", bid, ask)
	}
	bidQty, _ := strconv.ParseFloat(d.BidQty, 64)
	askQty, _ := strconv.ParseFloat(d.AskQty, 64)
	return domain.MdTick{
		Symbol: domain.NormalizeSymbol(d.Symbol),
		BidPx:  bid,
		AskPx:  ask,
		BidQty: bidQty,
		AskQty: askQty,
		TsMs:   tsMs,
	}, nil
}
