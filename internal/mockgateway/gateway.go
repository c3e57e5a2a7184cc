// Package mockgateway imitates the Daraja sandbox: OAuth, STK push and the asynchronous result callback.
package mockgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mpesa-service/internal/mpesa"
	"mpesa-service/internal/payload"
)

type Mode string

const (
	ModeSuccess   Mode = "success"
	ModeCancelled Mode = "cancelled"
	ModeFailed    Mode = "failed"
	// ModeRandom settles half of the requests successfully and fails the rest.
	ModeRandom Mode = "random"
	// ModeSilent never calls back, as when the payer ignores the prompt.
	ModeSilent Mode = "silent"
)

const (
	TokenPath   = "/oauth/v1/generate"
	PushPath    = "/mpesa/stkpush/v1/processrequest"
	contentType = "application/json"
	errorRate   = 0.5
	issuedToken = "mock-access-token"
)

type Options struct {
	ConsumerKey    string
	ConsumerSecret string
	Mode           Mode
	Delay          time.Duration
	// Deliveries is how many times each callback is posted, to exercise idempotent receivers.
	Deliveries int
}

type Gateway struct {
	opts    Options
	client  *http.Client
	logger  *slog.Logger
	calls   callCounter
	pending sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options, logger *slog.Logger) *Gateway {
	if opts.Deliveries < 1 {
		opts.Deliveries = 1
	}
	if opts.Mode == "" {
		opts.Mode = ModeSuccess
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		opts:   opts,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+TokenPath, g.token)
	mux.HandleFunc("POST "+PushPath, g.push)
	return loggingMiddleware(g.logger, g.calls.middleware(g.logger, mux))
}

// Calls returns how many requests path has received.
func (g *Gateway) Calls(path string) int {
	return g.calls.get(path)
}

// Wait blocks until every scheduled callback has been delivered or abandoned.
func (g *Gateway) Wait() {
	g.pending.Wait()
}

// Close abandons scheduled callbacks.
func (g *Gateway) Close() {
	g.cancel()
	g.pending.Wait()
}

func (g *Gateway) token(w http.ResponseWriter, r *http.Request) {
	key, secret, ok := r.BasicAuth()
	if !ok || key != g.opts.ConsumerKey || secret != g.opts.ConsumerSecret {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"errorCode":    "400.008.01",
			"errorMessage": "Invalid Authentication passed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": issuedToken,
		"expires_in":   "3599",
	})
}

func (g *Gateway) push(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+issuedToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"requestId":    uuid.NewString(),
			"errorCode":    "404.001.03",
			"errorMessage": "Invalid Access Token",
		})
		return
	}

	var req mpesa.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallBackURL == "" || req.Amount < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"requestId":    uuid.NewString(),
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid request body",
		})
		return
	}

	merchantID := fmt.Sprintf("%d-%d-1", rand.IntN(90000)+10000, rand.IntN(90000000)+10000000)
	checkoutID := "ws_CO_" + time.Now().Format("02012006150405") + strings.ToUpper(uuid.NewString()[:8])

	writeJSON(w, http.StatusOK, mpesa.PushResponse{
		MerchantRequestID:   merchantID,
		CheckoutRequestID:   checkoutID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	})

	if g.opts.Mode == ModeSilent {
		return
	}

	body := g.callbackBody(merchantID, checkoutID, req)
	g.pending.Add(1)
	go g.deliver(req.CallBackURL, body)
}

func (g *Gateway) deliver(url string, body []byte) {
	defer g.pending.Done()

	select {
	case <-time.After(g.opts.Delay):
	case <-g.ctx.Done():
		return
	}

	for i := 0; i < g.opts.Deliveries; i++ {
		req, err := http.NewRequestWithContext(g.ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			g.logger.Error("Error creating callback request", "error", err)
			return
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := g.client.Do(req)
		if err != nil {
			g.logger.Error("Error delivering callback", "url", url, "error", err)
			continue
		}
		_ = resp.Body.Close()
		g.logger.Info("Callback delivered", "url", url, "status", resp.StatusCode, "attempt", i+1)
	}
}

func (g *Gateway) callbackBody(merchantID, checkoutID string, req mpesa.PushRequest) []byte {
	mode := g.opts.Mode
	if mode == ModeRandom {
		mode = ModeSuccess
		if rand.Float64() < errorRate {
			mode = ModeFailed
		}
	}

	stk := &payload.STKCallback{
		MerchantRequestID: merchantID,
		CheckoutRequestID: checkoutID,
	}
	code := 0
	switch mode {
	case ModeCancelled:
		code = 1
		stk.ResultDesc = "Request cancelled by user"
	case ModeFailed:
		code = 2001
		stk.ResultDesc = "The initiator information is invalid."
	default:
		stk.ResultDesc = "The service request is processed successfully."
		stk.CallbackMetadata = &payload.Metadata{Item: []payload.MetadataItem{
			{Name: "Amount", Value: req.Amount},
			{Name: payload.ReceiptNumberItem, Value: receiptNumber()},
			{Name: "TransactionDate", Value: time.Now().Format("20060102150405")},
			{Name: "PhoneNumber", Value: req.PhoneNumber},
		}}
	}
	stk.ResultCode = &code

	body, _ := json.Marshal(payload.Callback{Body: &payload.CallbackBody{STKCallback: stk}})
	return body
}

func receiptNumber() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
