// Package cli holds the mpesa-service commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mpesa-service/internal/config"
	"mpesa-service/internal/logging"
)

var (
	configPath string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mpesa-service",
	Short: "M-PESA STK push payments with asynchronous confirmation",
	Long: `mpesa-service initiates M-PESA STK push payments, receives the gateway's result
callbacks and publishes each outcome to live subscribers, a message broker and a status endpoint.

It also ships the booking-side tooling that pays for a booking and reconciles it against the
server, a sandbox gateway for local runs and an audit worker for the broker stream.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger = logging.GetLogger(cfg.Logs)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", ".", "Directory searched for config.yaml")
}

// Execute runs the command named on the command line.
func Execute() error {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(mockGatewayCmd)
	rootCmd.AddCommand(bookCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
