package feed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/clock"
	"tradecore/internal/domain"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func TestMockFeedEmitsTicksWithinPriceBand(t *testing.T) {
	f := New(ProviderMock, "mock", []string{"btcusdt"}, discardLogger(), clock.System{}, MockParams{
		TicksPerSec:  2000,
		Volatility:   0.01,
		PriceBandMin: 90,
		PriceBandMax: 110,
		SeedPrices:   map[string]float64{"BTCUSDT": 100},
	}, ExchangeParams{})

	out := bus.NewDropOldest[domain.MdTick](64, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx, out)
		close(done)
	}()

	var seen int
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case tick := <-out.Recv():
			seen++
			if tick.Symbol != "BTCUSDT" {
				t.Fatalf("unexpected symbol: %s", tick.Symbol)
			}
			if tick.BidPx > tick.AskPx {
				t.Fatalf("crossed book: bid %v ask %v", tick.BidPx, tick.AskPx)
			}
			mid := tick.Mid()
			if mid < 90 || mid > 110 {
				t.Fatalf("mid %v outside price band [90,110]", mid)
			}
			if seen >= 5 {
				break loop
			}
		case <-timeout:
			t.Fatalf("timed out waiting for ticks, saw %d", seen)
		}
	}
	<-done
}

func TestMockFeedSequenceIncreasesPerSymbol(t *testing.T) {
	f := New(ProviderMock, "mock", []string{"ethusdt"}, discardLogger(), clock.System{}, MockParams{
		TicksPerSec: 1000,
		SeedPrices:  map[string]float64{"ETHUSDT": 2000},
	}, ExchangeParams{})

	out := bus.NewDropOldest[domain.MdTick](256, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	go func() { _ = f.Run(ctx, out) }()

	var last uint64
	deadline := time.After(150 * time.Millisecond)
	count := 0
	for count < 10 {
		select {
		case tick := <-out.Recv():
			if tick.Seq <= last {
				t.Fatalf("expected strictly increasing seq, got %d after %d", tick.Seq, last)
			}
			last = tick.Seq
			count++
		case <-deadline:
			t.Fatalf("timed out collecting sequenced ticks, got %d", count)
		}
	}
}

// fakeBookTickerServer serves one bookTicker frame per symbol then holds the
// connection open, letting tests exercise the parse path without a real
// exchange.
func fakeBookTickerServer(t *testing.T, symbol string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frame := `{"stream":"` + symbol + `@bookTicker","data":{"s":"` + symbol + `","b":"100.0","B":"1.0","a":"100.5","A":"2.0"}}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		time.Sleep(200 * time.Millisecond)
	}))
	return srv
}

func TestExchangeFeedParsesBookTicker(t *testing.T) {
	srv := fakeBookTickerServer(t, "BTCUSDT")
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	f := New(ProviderBinance, "binance", []string{"btcusdt"}, discardLogger(), clock.System{}, MockParams{}, ExchangeParams{
		WSURL:          wsURL,
		StallThreshold: time.Second,
	})

	out := bus.NewDropOldest[domain.MdTick](8, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	go func() { _ = f.Run(ctx, out) }()

	select {
	case tick := <-out.Recv():
		if tick.Symbol != "BTCUSDT" {
			t.Fatalf("expected BTCUSDT, got %s", tick.Symbol)
		}
		if tick.BidPx != 100.0 || tick.AskPx != 100.5 {
			t.Fatalf("unexpected prices: bid=%v ask=%v", tick.BidPx, tick.AskPx)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for parsed tick")
	}
}

func TestParseBookTickerRejectsCrossedBook(t *testing.T) {
	_, err := parseBookTicker(bookTickerFrame{Symbol: "BTCUSDT", BidPrice: "101", AskPrice: "100"}, 0)
	if err == nil {
		t.Fatalf("expected error for crossed book")
	}
}

func TestParseBookTickerRejectsMissingSymbol(t *testing.T) {
	_, err := parseBookTicker(bookTickerFrame{BidPrice: "100", AskPrice: "101"}, 0)
	if err == nil {
		t.Fatalf("expected error for missing symbol")
	}
}
