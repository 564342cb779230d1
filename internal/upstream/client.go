package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nwcmux/walletmux/internal/errs"
)

// Timeouts holds the per-operation budgets of §4.6 ("defaults:
// info/balance 15s, make/lookup 20s, pay 60s").
type Timeouts struct {
	Info   time.Duration
	Make   time.Duration
	Lookup time.Duration
	Pay    time.Duration
}

// HTTPClient is the concrete Adapter implementation: a single upstream
// wallet reached over HTTP/JSON for request/response calls and a
// websocket for the notification stream. The adapter is not declared
// thread-safe by the upstream, so the core-facing methods serialize
// through callMu (§4.6: "otherwise the core must wrap it with a mutex").
type HTTPClient struct {
	baseURL  string
	token    string
	http     *http.Client
	timeouts Timeouts

	callMu sync.Mutex
}

// NewHTTPClient builds an Adapter against baseURL, authenticating with
// token (sent as a bearer header) when non-empty.
func NewHTTPClient(baseURL, token string, timeouts Timeouts) *HTTPClient {
	return &HTTPClient{
		baseURL:  baseURL,
		token:    token,
		http:     &http.Client{},
		timeouts: timeouts,
	}
}

type upstreamErrorBody struct {
	Error string `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, timeout time.Duration, method, path string, body any, out any) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("upstream: %w", errs.ErrTimeout)
		}
		return fmt.Errorf("upstream: %w: %v", errs.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("upstream: %w: %v", errs.ErrUpstreamFailure, err)
	}

	if resp.StatusCode >= 400 {
		var e upstreamErrorBody
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = string(raw)
		}
		return fmt.Errorf("upstream: %w: %s", errs.ErrUpstreamFailure, e.Error)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("upstream: %w: malformed response: %v", errs.ErrUpstreamFailure, err)
		}
		if rec, ok := out.(rawRecorder); ok {
			rec.setRaw(string(raw))
		}
	}
	return nil
}

func (c *HTTPClient) GetInfo(ctx context.Context) (*Info, error) {
	var out Info
	if err := c.do(ctx, c.timeouts.Info, http.MethodGet, "/get_info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type makeInvoiceRequest struct {
	AmountMsats     int64  `json:"amount_msats"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	ExpirySeconds   int64  `json:"expiry,omitempty"`
}

func (c *HTTPClient) MakeInvoice(ctx context.Context, amountMsats int64, opts MakeInvoiceOpts) (*Invoice, error) {
	req := makeInvoiceRequest{
		AmountMsats:     amountMsats,
		Description:     opts.Description,
		DescriptionHash: opts.DescriptionHash,
		ExpirySeconds:   opts.ExpirySeconds,
	}
	var out Invoice
	if err := c.do(ctx, c.timeouts.Make, http.MethodPost, "/make_invoice", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type payInvoiceRequest struct {
	Invoice     string `json:"invoice"`
	AmountMsats *int64 `json:"amount_msats,omitempty"`
}

func (c *HTTPClient) PayInvoice(ctx context.Context, invoice string, amountOverrideMsats *int64) (*PaymentResult, error) {
	req := payInvoiceRequest{Invoice: invoice, AmountMsats: amountOverrideMsats}
	var out PaymentResult
	if err := c.do(ctx, c.timeouts.Pay, http.MethodPost, "/pay_invoice", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) LookupInvoice(ctx context.Context, paymentHash, invoice string) (*Invoice, error) {
	path := fmt.Sprintf("/lookup_invoice?payment_hash=%s&invoice=%s", paymentHash, invoice)
	var out Invoice
	if err := c.do(ctx, c.timeouts.Lookup, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SupportsNotifications() bool { return true }

// Notifications dials a websocket stream of payment_received events,
// reconnecting transparently while ctx is live.
func (c *HTTPClient) Notifications(ctx context.Context) (<-chan Notification, error) {
	wsURL := toWebsocketURL(c.baseURL) + "/notifications"
	out := make(chan Notification, 64)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			header := http.Header{}
			if c.token != "" {
				header.Set("Authorization", "Bearer "+c.token)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
			if err != nil {
				log.Warnf("upstream: notification stream dial failed: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				}
			}

			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					log.Warnf("upstream: notification stream read error: %v", err)
					conn.Close()
					break
				}
				var n Notification
				if err := json.Unmarshal(raw, &n); err != nil {
					log.Warnf("upstream: notification stream received malformed frame: %v", err)
					continue
				}
				n.Raw = string(raw)
				select {
				case out <- n:
				case <-ctx.Done():
					conn.Close()
					return
				}
			}
		}
	}()

	return out, nil
}

func toWebsocketURL(httpURL string) string {
	switch {
	case len(httpURL) >= 5 && httpURL[:5] == "https":
		return "wss" + httpURL[5:]
	case len(httpURL) >= 4 && httpURL[:4] == "http":
		return "ws" + httpURL[4:]
	default:
		return httpURL
	}
}
