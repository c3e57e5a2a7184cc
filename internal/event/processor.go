// Package event turns broker transaction events into audit log lines.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"mpesa-service/internal/logcontext"
	"mpesa-service/internal/message"
	"mpesa-service/internal/transaction"
)

var (
	auditWrittenCounter = metrics.GetOrCreateCounter(`audit_events_total{result="written"}`)
	auditSkippedCounter = metrics.GetOrCreateCounter(`audit_events_total{result="skipped"}`)
	auditErrorCounter   = metrics.GetOrCreateCounter(`audit_events_total{result="error"}`)
)

// Processor appends one line per settled transaction to the audit file.
type Processor struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

func NewProcessor(path string, logger *slog.Logger) *Processor {
	return &Processor{path: path, logger: logger}
}

func (p *Processor) Process(ctx context.Context, e message.TransactionEvent) error {
	ctx = logcontext.AppendCtx(ctx, slog.String("checkoutId", e.Payload.CheckoutID))

	if !transaction.Status(e.Payload.Status).Terminal() {
		auditSkippedCounter.Inc()
		p.logger.DebugContext(ctx, "Skipping non-terminal event", "event", e.Event)
		return nil
	}

	if err := p.append(FormatLine(e)); err != nil {
		auditErrorCounter.Inc()
		p.logger.ErrorContext(ctx, "Error writing audit line", "error", err)
		return err
	}

	auditWrittenCounter.Inc()
	p.logger.InfoContext(ctx, "Audit line written", "event", e.Event)
	return nil
}

func (p *Processor) append(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit dir: %w", err)
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	return nil
}

// FormatLine renders e as a single newline-terminated audit entry.
func FormatLine(e message.TransactionEvent) string {
	code := "-"
	if e.Payload.ResultCode != nil {
		code = fmt.Sprint(*e.Payload.ResultCode)
	}
	receipt := e.Payload.ReceiptNumber
	if receipt == "" {
		receipt = "-"
	}
	return fmt.Sprintf("[%s] Transaction %s | checkout_id=%s | result_code=%s | receipt=%s | desc=%q | event_id=%s\n",
		e.OccurredAt.UTC().Format(time.RFC3339), e.Payload.Status, e.Payload.CheckoutID, code, receipt,
		e.Payload.ResultDesc, e.ID)
}
