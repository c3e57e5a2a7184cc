package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mpesa-service/internal/event"
	"mpesa-service/internal/kafka"
	"mpesa-service/internal/rabbitmq"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Append settled transactions from the broker to the audit log",
	RunE:  runAudit,
}

func runAudit(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor := event.NewProcessor(cfg.Audit.File, logger)
	logger.Info("Starting audit worker", "broker", cfg.Broker.Kind, "file", cfg.Audit.File)

	switch cfg.Broker.Kind {
	case "kafka":
		reader := kafka.NewReader(cfg.Broker.Kafka)
		defer reader.Close()
		return kafka.ReadTransactionEvents(ctx, reader, processor, logger)
	case "rabbitmq":
		return rabbitmq.NewConsumer(cfg.Broker.RabbitMQ.URL, cfg.Broker.RabbitMQ.Queue, processor, logger).Run(ctx)
	default:
		return fmt.Errorf("audit needs broker.kind kafka or rabbitmq, got %q", cfg.Broker.Kind)
	}
}
