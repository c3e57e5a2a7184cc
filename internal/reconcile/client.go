// Package reconcile drives a booking's payment from initiation to a confirmed local record.
package reconcile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"mpesa-service/internal/broadcast"
	"mpesa-service/internal/transaction"
)

// APIError is a non-2xx answer from the payment server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the payment server's public endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		logger:  logger,
	}
}

type initiateRequest struct {
	Phone  string          `json:"phone"`
	Amount decimal.Decimal `json:"amount"`
}

type initiateResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Mpesa   struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		CustomerMessage   string `json:"CustomerMessage"`
	} `json:"mpesa"`
}

// Initiate asks the server to send the payment prompt and returns the checkout id.
func (c *Client) Initiate(ctx context.Context, phone string, amount decimal.Decimal) (string, error) {
	body, err := json.Marshal(initiateRequest{Phone: phone, Amount: amount})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stkpush", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build initiate request")
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, status, err := c.do(req)
	if err != nil {
		return "", errors.Wrap(err, "send initiate request")
	}

	var resp initiateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", errors.Wrapf(err, "decode initiate response (http %d)", status)
	}
	if status >= 400 || !resp.Success {
		return "", &APIError{StatusCode: status, Message: resp.Error}
	}
	if resp.Mpesa.CheckoutRequestID == "" {
		return "", &APIError{StatusCode: status, Message: "no checkout id in response"}
	}
	return resp.Mpesa.CheckoutRequestID, nil
}

// Status returns the server's view of checkoutID. An id the server does not know is reported
// as StatusUnknown rather than an error.
func (c *Client) Status(ctx context.Context, checkoutID string) (transaction.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transaction-status/"+url.PathEscape(checkoutID), nil)
	if err != nil {
		return transaction.Record{}, errors.Wrap(err, "build status request")
	}

	body, status, err := c.do(req)
	if err != nil {
		return transaction.Record{}, errors.Wrap(err, "send status request")
	}
	if status == http.StatusNotFound {
		return transaction.Record{CheckoutID: checkoutID, Status: transaction.StatusUnknown}, nil
	}
	if status >= 400 {
		return transaction.Record{}, &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}

	var rec transaction.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return transaction.Record{}, errors.Wrap(err, "decode status response")
	}
	return rec, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// Subscribe opens the live-update stream and calls handle for every event until the stream
// ends or ctx is cancelled. It returns the reconnect delay the server asked for, if any.
func (c *Client) Subscribe(ctx context.Context, handle func(broadcast.Event)) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return 0, errors.Wrap(err, "build events request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "open events stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &APIError{StatusCode: resp.StatusCode, Message: "events stream refused"}
	}

	var (
		retry time.Duration
		data  strings.Builder
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.dispatch(ctx, data.String(), handle)
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "retry:"):
			if ms, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "retry:"))); err == nil {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if ctx.Err() != nil {
		return retry, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return retry, errors.Wrap(err, "read events stream")
	}
	return retry, io.EOF
}

func (c *Client) dispatch(ctx context.Context, data string, handle func(broadcast.Event)) {
	var e broadcast.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		c.logger.WarnContext(ctx, "Skipping undecodable live update", "error", err)
		return
	}
	handle(e)
}
