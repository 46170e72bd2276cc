package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/domain"
	"tradecore/internal/metrics"
)

// runSubmitter consumes routed orders and places each as a signed REST
// POST /api/v3/order, per spec.md §4.5.2. client_order_id = order.id makes
// retried submissions idempotent.
func (g *BinanceGateway) runSubmitter(ctx context.Context, in *bus.TimedBlock[domain.Order], execBus *bus.Blocking[domain.ExecReport]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case order, ok := <-in.Recv():
			if !ok {
				return nil
			}
			g.trackOrder(order)
			g.submitWithRetries(ctx, order, execBus)
		}
	}
}

func (g *BinanceGateway) submitWithRetries(ctx context.Context, order domain.Order, execBus *bus.Blocking[domain.ExecReport]) {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt <= g.cfg.NRetries; attempt++ {
		status, body, err := g.postOrder(ctx, order)
		if err == nil && status/100 == 2 {
			g.emitAckOnce(ctx, order.ID, execBus)
			return
		}
		if err == nil && status/100 == 4 {
			code := parseBinanceErrorCode(body)
			if code == binanceDuplicateOrderCode {
				// Idempotent replay of an order the exchange already has.
				g.emitAckOnce(ctx, order.ID, execBus)
				return
			}
			g.markTerminal(order.ID)
			_ = execBus.Send(ctx, domain.ExecReport{
				OrderID: order.ID, Venue: g.venue, Status: domain.Rejected,
				TsMs: g.clk.NowMs(), ReasonCode: fmt.Sprintf("EXCHANGE_%d", code),
			})
			metrics.ExecReportsTotal.WithLabelValues(g.venue, string(domain.Rejected)).Inc()
			return
		}

		if attempt == g.cfg.NRetries {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	g.markTerminal(order.ID)
	_ = execBus.Send(ctx, domain.ExecReport{
		OrderID: order.ID, Venue: g.venue, Status: domain.Rejected,
		TsMs: g.clk.NowMs(), ReasonCode: "UNREACHABLE",
	})
	metrics.ExecReportsTotal.WithLabelValues(g.venue, string(domain.Rejected)).Inc()
}

func (g *BinanceGateway) markTerminal(clientOrderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if meta, ok := g.orders[clientOrderID]; ok {
		meta.terminal = true
	}
}

// binanceDuplicateOrderCode is the exchange's "duplicate client order id"
// error code, treated as a successful idempotent resubmission.
const binanceDuplicateOrderCode = -2010

type binanceErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func parseBinanceErrorCode(body []byte) int {
	var e binanceErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return 0
	}
	return e.Code
}

// postOrder signs and sends the order request. It never returns a non-nil
// error for a well-formed HTTP response, even a 4xx/5xx one — those are
// reported via the returned status code so the retry loop can distinguish
// "venue rejected" from "network/transport failure".
func (g *BinanceGateway) postOrder(ctx context.Context, order domain.Order) (status int, body []byte, err error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", string(order.TIF))
	params.Set("quantity", strconv.FormatFloat(order.Qty, 'f', -1, 64))
	params.Set("price", strconv.FormatFloat(order.LimitPx, 'f', -1, 64))
	params.Set("newClientOrderId", order.ID)
	params.Set("timestamp", strconv.FormatInt(g.clk.NowMs(), 10))
	params.Set("recvWindow", strconv.FormatUint(uint64(g.cfg.RecvWindowMs), 10))

	query := params.Encode()
	params.Set("signature", g.sign(query))

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.cfg.RESTURL+"/api/v3/order?"+params.Encode(), nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// sign computes the HMAC-SHA256 signature of the URL-encoded query string,
// grounded in gregtusar-Basis/pkg/coinbase/client.go's hmac.New(sha256.New,
// secret) signing pattern.
func (g *BinanceGateway) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
