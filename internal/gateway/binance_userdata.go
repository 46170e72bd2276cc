package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/internal/bus"
	"tradecore/internal/domain"
	"tradecore/internal/metrics"
)

const listenKeyKeepaliveInterval = 30 * time.Minute

// runUserData owns the listenKey lifecycle and the user-data WebSocket
// stream, per spec.md §4.5.2, reconnecting with a fresh key on every drop.
func (g *BinanceGateway) runUserData(ctx context.Context, execBus *bus.Blocking[domain.ExecReport]) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		listenKey, err := g.obtainListenKey(ctx)
		if err != nil {
			g.log.Warn().Err(err).Str("venue", g.venue).Msg("failed to obtain listenKey")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(30*time.Second), float64(backoff)*2))
			continue
		}
		backoff = time.Second

		err = g.consumeUserDataStream(ctx, listenKey, execBus)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			g.log.Warn().Err(err).Str("venue", g.venue).Msg("user-data stream disconnected, obtaining a fresh listenKey")
		}
	}
}

func (g *BinanceGateway) obtainListenKey(ctx context.Context) (string, error) {
	if g.listenKeyOverride != "" {
		return g.listenKeyOverride, nil
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.cfg.RESTURL+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("userDataStream: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

func (g *BinanceGateway) keepaliveListenKey(ctx context.Context, listenKey string) {
	params := url.Values{"listenKey": {listenKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.cfg.RESTURL+"/api/v3/userDataStream?"+params.Encode(), nil)
	if err != nil {
		return
	}
	req.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)
	resp, err := g.http.Do(req)
	if err != nil {
		g.log.Warn().Err(err).Str("venue", g.venue).Msg("listenKey keepalive failed")
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// executionReport mirrors the fields of Binance's user-data executionReport
// event that spec.md §4.5.2 requires.
type executionReport struct {
	EventType         string `json:"e"`
	ClientOrderID     string `json:"c"`
	Side              string `json:"S"`
	OrderStatus       string `json:"X"`
	CumulativeFilled  string `json:"z"`
	LastFilledPrice   string `json:"L"`
	AvgPrice          string `json:"ap"`
	RejectReason      string `json:"r"`
}

func (g *BinanceGateway) consumeUserDataStream(ctx context.Context, listenKey string, execBus *bus.Blocking[domain.ExecReport]) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, g.cfg.WSURL+"/ws/"+listenKey, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	keepaliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(listenKeyKeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.keepaliveListenKey(keepaliveCtx, listenKey)
			case <-keepaliveCtx.Done():
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt executionReport
		if err := json.Unmarshal(message, &evt); err != nil {
			g.log.Warn().Err(err).Str("venue", g.venue).Msg("unparseable user-data frame")
			continue
		}
		if evt.EventType != "executionReport" {
			continue
		}
		g.handleExecutionReport(ctx, evt, execBus)
	}
}

func (g *BinanceGateway) handleExecutionReport(ctx context.Context, evt executionReport, execBus *bus.Blocking[domain.ExecReport]) {
	meta, ok := g.lookupOrder(evt.ClientOrderID)
	if !ok {
		return
	}

	cumFilled, _ := strconv.ParseFloat(evt.CumulativeFilled, 64)

	g.mu.Lock()
	if meta.terminal {
		g.mu.Unlock()
		return
	}
	if evt.OrderStatus != "NEW" && cumFilled == meta.lastCumFilled {
		// Same (client_order_id, cumulative_filled_qty) pair already
		// processed: dedup per spec.md §4.5.2.
		g.mu.Unlock()
		return
	}
	meta.lastCumFilled = cumFilled
	meta.ackObserved = true
	g.mu.Unlock()

	status, terminal := mapExecutionStatus(evt.OrderStatus)
	avgPx, _ := strconv.ParseFloat(evt.AvgPrice, 64)
	if avgPx == 0 {
		avgPx, _ = strconv.ParseFloat(evt.LastFilledPrice, 64)
	}

	// FilledQty is cumulative, per spec.md §3 ("filled_qty is cumulative and
	// non-decreasing"); positions derives the incremental fill itself.
	report := domain.ExecReport{
		OrderID:    evt.ClientOrderID,
		Venue:      g.venue,
		Status:     status,
		FilledQty:  cumFilled,
		AvgPx:      avgPx,
		TsMs:       g.clk.NowMs(),
		ReasonCode: evt.RejectReason,
	}
	_ = execBus.Send(ctx, report)
	metrics.ExecReportsTotal.WithLabelValues(g.venue, string(status)).Inc()

	if terminal {
		g.markTerminal(evt.ClientOrderID)
	}
}

// mapExecutionStatus maps Binance order status strings to domain.ExecStatus
// per spec.md §4.5.2: terminal exchange statuses stay terminal locally;
// NEW/PARTIALLY_FILLED map to ACK/PARTIAL.
func mapExecutionStatus(binanceStatus string) (status domain.ExecStatus, terminal bool) {
	switch binanceStatus {
	case "NEW":
		return domain.Ack, false
	case "PARTIALLY_FILLED":
		return domain.Partial, false
	case "FILLED":
		return domain.Filled, true
	case "CANCELED":
		return domain.Canceled, true
	case "EXPIRED":
		return domain.Canceled, true
	case "REJECTED":
		return domain.Rejected, true
	default:
		return domain.Ack, false
	}
}
