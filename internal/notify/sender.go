// Package notify sends booking confirmation emails through EmailJS.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"mpesa-service/internal/config"
)

const sendPath = "/api/v1.0/email/send"

var (
	sentCounter   = metrics.GetOrCreateCounter(`email_total{result="sent"}`)
	failedCounter = metrics.GetOrCreateCounter(`email_total{result="failed"}`)
)

type EmailSender struct {
	client *http.Client
	cfg    config.Email
	logger *slog.Logger
}

func NewEmailSender(cfg config.Email, logger *slog.Logger) *EmailSender {
	return &EmailSender{
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		cfg:    cfg,
		logger: logger,
	}
}

// Enabled reports whether a service and template are configured.
func (s *EmailSender) Enabled() bool {
	return s.cfg.ServiceID != "" && s.cfg.TemplateID != ""
}

type sendRequest struct {
	ServiceID      string         `json:"service_id"`
	TemplateID     string         `json:"template_id"`
	UserID         string         `json:"user_id"`
	AccessToken    string         `json:"accessToken,omitempty"`
	TemplateParams map[string]any `json:"template_params"`
}

// Send renders the configured template with params and delivers it.
func (s *EmailSender) Send(ctx context.Context, params map[string]any) error {
	body, err := json.Marshal(sendRequest{
		ServiceID:      s.cfg.ServiceID,
		TemplateID:     s.cfg.TemplateID,
		UserID:         s.cfg.PublicKey,
		AccessToken:    s.cfg.AccessToken,
		TemplateParams: params,
	})
	if err != nil {
		return err
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + sendPath
	s.logger.DebugContext(ctx, "Sending email", "url", url, "template", s.cfg.TemplateID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		failedCounter.Inc()
		s.logger.ErrorContext(ctx, "Error sending email", "error", err)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failedCounter.Inc()
		return err
	}

	if resp.StatusCode >= 400 {
		failedCounter.Inc()
		s.logger.ErrorContext(ctx, "Received error response", "status", resp.Status, "body", string(respBody))
		return fmt.Errorf("error response: %s", resp.Status)
	}

	sentCounter.Inc()
	s.logger.InfoContext(ctx, "Email sent", "template", s.cfg.TemplateID)
	return nil
}
