package risk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(Limits{
		PxMin:       1000,
		PxMax:       2000,
		MaxNotional: 100000,
		LotSize:     0.001,
		MinLot:      0.001,
		MaxQPS:      1000,
	}, []string{"BTCUSDT"})
}

func sig(symbol string, refPx float64) domain.Signal {
	return domain.NewSignal(domain.MeanReversion, symbol, domain.Buy, refPx, 0, 0, "test")
}

func TestCheckRejectsUnknownSymbol(t *testing.T) {
	e := newTestEngine(t)
	_, rej := e.Check(sig("ETHUSDT", 1500))
	require.NotNil(t, rej)
	require.Equal(t, ReasonSymbolNotAllowed, rej.Reason)
}

func TestCheckPriceBandBoundaries(t *testing.T) {
	e := newTestEngine(t)

	_, rej := e.Check(sig("BTCUSDT", 1000))
	require.Nil(t, rej, "ref_px = PX_MIN should be accepted")

	_, rej = e.Check(sig("BTCUSDT", 999.999))
	require.NotNil(t, rej, "ref_px < PX_MIN should be rejected")
	require.Equal(t, ReasonPriceBand, rej.Reason)

	_, rej = e.Check(sig("BTCUSDT", 2000.001))
	require.NotNil(t, rej, "ref_px > PX_MAX should be rejected")
	require.Equal(t, ReasonPriceBand, rej.Reason)
}

func TestCheckNotionalCapExactlyAtLimitAccepted(t *testing.T) {
	e := NewEngine(Limits{
		PxMin: 1, PxMax: 1000, MaxNotional: 1000, LotSize: 1, MinLot: 1, MaxQPS: 1000,
	}, []string{"BTCUSDT"})
	order, rej := e.Check(sig("BTCUSDT", 1000))
	require.Nil(t, rej, "notional exactly at MAX_NOTIONAL should be accepted")
	require.LessOrEqual(t, order.Qty*order.LimitPx, 1000.0000001)
}

func TestCheckRejectsBelowMinLot(t *testing.T) {
	e := NewEngine(Limits{
		PxMin: 1, PxMax: 1e9, MaxNotional: 1, LotSize: 1, MinLot: 5, MaxQPS: 1000,
	}, []string{"BTCUSDT"})
	// MaxNotional/refPx = 1/100 = 0.01, floored to lot 1 => 0. Below MinLot.
	_, rej := e.Check(sig("BTCUSDT", 100))
	require.NotNil(t, rej)
	require.Equal(t, ReasonMinLot, rej.Reason)
}

func TestCheckOrderCarriesParentSignalID(t *testing.T) {
	e := newTestEngine(t)
	s := sig("BTCUSDT", 1500)
	order, rej := e.Check(s)
	require.Nil(t, rej)
	require.Equal(t, s.ID, order.ParentSignalID)
	require.Equal(t, domain.IOC, order.TIF)
}

func TestCheckAppliesSlippageToLimitPrice(t *testing.T) {
	e := NewEngine(Limits{
		PxMin: 1, PxMax: 1e9, MaxNotional: 1e9, LotSize: 0.001, MinLot: 0.001, SlipBps: 10, MaxQPS: 1000,
	}, []string{"BTCUSDT"})

	buy, rej := e.Check(sig("BTCUSDT", 100))
	require.Nil(t, rej)
	require.Equal(t, 100*(1+10.0/10000), buy.LimitPx)

	sellSig := domain.NewSignal(domain.MeanReversion, "BTCUSDT", domain.Sell, 100, 0, 0, "test")
	sell, rej := e.Check(sellSig)
	require.Nil(t, rej)
	require.Equal(t, 100*(1-10.0/10000), sell.LimitPx)
}

func TestCheckThrottlesBeyondBurst(t *testing.T) {
	e := NewEngine(Limits{
		PxMin: 1, PxMax: 1e9, MaxNotional: 1e9, LotSize: 0.001, MinLot: 0.001, MaxQPS: 10,
	}, []string{"BTCUSDT"})

	accepted, rejectedThrottled := 0, 0
	for i := 0; i < 100; i++ {
		_, rej := e.Check(sig("BTCUSDT", 100))
		switch {
		case rej == nil:
			accepted++
		case rej.Reason == ReasonThrottled:
			rejectedThrottled++
		default:
			t.Fatalf("unexpected reject reason: %s", rej.Reason)
		}
	}
	require.Equal(t, 10, accepted, "expected exactly 10 orders accepted within the burst")
	require.Equal(t, 90, rejectedThrottled)
}
