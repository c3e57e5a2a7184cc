// Package mpesa talks to the Safaricom Daraja API: OAuth credentials and STK push requests.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"mpesa-service/internal/config"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"

	timestampLayout = "20060102150405"

	defaultTimeoutMs = 15_000
)

type Config struct {
	BaseURL          string
	ConsumerKey      string
	ConsumerSecret   string
	ShortCode        string
	Passkey          string
	CountryCode      string
	CallbackURL      string
	TransactionType  string
	AccountReference string
	TransactionDesc  string
	Timeout          time.Duration
	RefreshEarly     time.Duration
}

func ConfigFrom(cfg config.Mpesa) Config {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeoutMs * time.Millisecond
	}
	return Config{
		BaseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		ConsumerKey:      cfg.ConsumerKey,
		ConsumerSecret:   cfg.ConsumerSecret,
		ShortCode:        cfg.ShortCode,
		Passkey:          cfg.Passkey,
		CountryCode:      cfg.CountryCode,
		CallbackURL:      cfg.CallbackURL,
		TransactionType:  cfg.TransactionType,
		AccountReference: cfg.AccountReference,
		TransactionDesc:  cfg.TransactionDesc,
		Timeout:          timeout,
		RefreshEarly:     time.Duration(cfg.TokenRefreshEarly) * time.Millisecond,
	}
}

type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	token     string
	refreshAt time.Time
	group     singleflight.Group
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}
}

// AccessToken returns a cached bearer token, fetching a new one when none is cached or the cached
// one is within RefreshEarly of expiring. Concurrent refreshes share one request, which is not
// cancelled with the caller that started it; the client timeout bounds it.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.refreshAt) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("token", func() (any, error) {
		return c.fetchToken(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	body, status, err := c.do(req)
	if err != nil {
		return "", errors.Wrap(err, "request access token")
	}
	if status >= 400 {
		return "", gatewayError(status, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", errors.Wrap(err, "decode access token")
	}
	if tr.AccessToken == "" {
		return "", &GatewayError{StatusCode: status, Message: "empty access token"}
	}

	ttl := time.Hour
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	early := c.cfg.RefreshEarly
	if early >= ttl {
		early = ttl / 2
	}

	c.mu.Lock()
	c.token = tr.AccessToken
	c.refreshAt = c.now().Add(ttl - early)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "Access token acquired", "expiresIn", ttl.String())
	return tr.AccessToken, nil
}

// InvalidateToken drops the cached token so the next call fetches a fresh one.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) Timestamp() string {
	return c.now().Format(timestampLayout)
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// BuildPushRequest validates phone and amount and assembles the push payload for the configured shortcode.
func (c *Client) BuildPushRequest(phone string, amount int64) (*PushRequest, error) {
	if !ValidPhone(phone, c.cfg.CountryCode) {
		return nil, ErrInvalidPhone
	}
	if amount < 1 {
		return nil, ErrInvalidAmount
	}

	timestamp := c.Timestamp()
	return &PushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  c.cfg.AccountReference,
		TransactionDesc:   c.cfg.TransactionDesc,
	}, nil
}

// Submit sends the push request. Any outcome other than an accepted request with a checkout id is an error.
func (c *Client) Submit(ctx context.Context, pr *PushRequest) (*PushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "access token")
	}

	reqBody, err := json.Marshal(pr)
	if err != nil {
		return nil, errors.Wrap(err, "encode push request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+pushPath, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "build push request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.InfoContext(ctx, "Sending STK push", "phone", MaskPhone(pr.PhoneNumber), "amount", pr.Amount, "timestamp", pr.Timestamp)

	body, status, err := c.do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send push request")
	}
	if status == http.StatusUnauthorized {
		c.InvalidateToken()
	}
	if status >= 400 {
		return nil, gatewayError(status, body)
	}

	var resp PushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decode push response")
	}
	resp.Raw = json.RawMessage(body)

	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, &GatewayError{StatusCode: status, Code: resp.ResponseCode, Message: resp.ResponseDescription}
	}

	c.logger.InfoContext(ctx, "STK push accepted", "checkoutId", resp.CheckoutRequestID)
	return &resp, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read response body")
	}
	return body, resp.StatusCode, nil
}

func gatewayError(status int, body []byte) *GatewayError {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.ErrorMessage != "" {
		return &GatewayError{StatusCode: status, Code: er.ErrorCode, Message: er.ErrorMessage}
	}
	return &GatewayError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
