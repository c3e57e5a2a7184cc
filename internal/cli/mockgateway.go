package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mpesa-service/internal/mockgateway"
)

var mockGatewayCmd = &cobra.Command{
	Use:   "mock-gateway",
	Short: "Run a sandbox stand-in for the Daraja API",
	Long: `mock-gateway serves the OAuth and STK push endpoints and, after a delay, posts the
result callback to the CallBackURL of each push request. Point mpesa.base-url at it for local runs.`,
	RunE: runMockGateway,
}

func init() {
	mockGatewayCmd.Flags().String("port", "8089", "Port to listen on")
	mockGatewayCmd.Flags().String("mode", string(mockgateway.ModeSuccess), "Callback outcome: success, cancelled, failed, random, silent")
	mockGatewayCmd.Flags().Duration("delay", 2*time.Second, "Delay before the callback is posted")
	mockGatewayCmd.Flags().Int("deliveries", 1, "How many times each callback is posted")
}

func runMockGateway(cmd *cobra.Command, _ []string) error {
	port, _ := cmd.Flags().GetString("port")
	mode, _ := cmd.Flags().GetString("mode")
	delay, _ := cmd.Flags().GetDuration("delay")
	deliveries, _ := cmd.Flags().GetInt("deliveries")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := mockgateway.New(mockgateway.Options{
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		Mode:           mockgateway.Mode(mode),
		Delay:          delay,
		Deliveries:     deliveries,
	}, logger)
	defer gateway.Close()

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Mock gateway listening", "addr", srv.Addr, "mode", mode, "delay", delay)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
