package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"billscan_worker/config"
	"billscan_worker/internal/bootstrap"
	"billscan_worker/pkg/logger"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "billscan",
		Short:         "Detect recurring billing services in a mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $BILLSCAN_CONFIG or ./config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(scanCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scan worker, or both",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if err := cfg.ValidateServer(); err != nil {
				return fmt.Errorf("invalid config:\n%w", err)
			}

			log := logger.Init(logger.Config{
				Level:   cfg.LogLevel,
				Pretty:  cfg.LogPretty,
				Service: "billscan-" + cfg.Mode,
			})
			return bootstrap.Serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "run mode: api, worker or all (overrides MODE)")
	return cmd
}
