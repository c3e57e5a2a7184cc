package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mpesa-service/internal/archive"
	"mpesa-service/internal/broadcast"
	"mpesa-service/internal/callback"
	"mpesa-service/internal/config"
	"mpesa-service/internal/db"
	"mpesa-service/internal/kafka"
	"mpesa-service/internal/metrics"
	"mpesa-service/internal/mpesa"
	"mpesa-service/internal/rabbitmq"
	"mpesa-service/internal/server"
	"mpesa-service/internal/service"
	"mpesa-service/internal/transaction"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the payment server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Setup(cfg.Metrics, logger)

	store := transaction.NewStore()
	hub := broadcast.NewHub(cfg.Events.BufferSize, logger)

	broker, closeBroker, err := newBrokerPublisher(cfg.Broker)
	if err != nil {
		return err
	}
	defer closeBroker()
	notifier := broadcast.NewNotifier(hub, broker, logger)

	signer := callback.NewSigner(cfg.Callback.Secret, time.Duration(cfg.Callback.TokenTTL)*time.Millisecond)
	if !signer.Enabled() {
		logger.Warn("callback.secret is not set, callbacks are accepted without a token")
	}

	var (
		archiveReader service.ArchiveReader
		archiveWriter archive.Repository
	)
	if cfg.Database.URL != "" {
		if err := db.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		pool, err := db.GetPool(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		repo := db.NewArchiveRepository(pool)
		if archived, err := repo.Count(ctx); err != nil {
			logger.Warn("Error counting archived transactions", "error", err)
		} else {
			logger.Info("Transaction archive ready", "archived", archived)
		}
		archiveReader = repo
		archiveWriter = repo
	} else {
		logger.Info("database.url is not set, settled transactions are evicted without archiving")
	}

	gateway := mpesa.NewClient(mpesa.ConfigFrom(cfg.Mpesa), logger)
	payments := service.NewPaymentService(gateway, store, archiveReader, notifier, signer,
		service.Options{TestMSISDN: cfg.Mpesa.TestMSISDN, CountryCode: cfg.Mpesa.CountryCode, MaxAmount: cfg.Mpesa.MaxAmount}, logger)
	receiver := callback.NewReceiver(store, notifier, signer, logger)

	archiver := archive.NewArchiver(store, archiveWriter,
		time.Duration(cfg.Archive.RetentionMs)*time.Millisecond,
		time.Duration(cfg.Archive.IntervalMs)*time.Millisecond,
		logger)

	rdb := server.NewRedisClient(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}
	limiter := server.RateLimit(cfg.RateLimit, rdb, logger)

	srv := server.New(payments, receiver, hub, server.OptionsFrom(cfg.Server, cfg.Events), limiter, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(":" + cfg.Server.Port)
	})
	g.Go(func() error {
		return archiver.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newBrokerPublisher returns the publisher for the configured broker, or nil for "none".
func newBrokerPublisher(cfg config.Broker) (broadcast.BrokerPublisher, func(), error) {
	switch cfg.Kind {
	case "", "none":
		return nil, func() {}, nil
	case "kafka":
		writer := kafka.NewWriter(cfg.Kafka)
		return kafka.NewPublisher(writer), func() {
			if err := writer.Close(); err != nil {
				logger.Error("Error closing kafka writer", "error", err)
			}
		}, nil
	case "rabbitmq":
		publisher := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Error("Error closing rabbitmq publisher", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker.kind %q (want kafka, rabbitmq or none)", cfg.Kind)
	}
}
