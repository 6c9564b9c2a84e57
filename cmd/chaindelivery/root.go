package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/config"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/logging"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

func newRootCmd() *cobra.Command {
	var role string

	root := &cobra.Command{
		Use:           "chaindelivery",
		Short:         "Peer-to-peer food delivery: customers post jobs, agents claim them, payment settles on a ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.LoadConfig(); err != nil {
				return err
			}
			if role != "" {
				cfg.Role = role
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&role, "role", "", "customer or agent (overrides APP_ROLE)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newShellCmd())
	root.AddCommand(newLedgerCmd())
	root.AddCommand(newExtractCmd())
	root.AddCommand(newJobsCmd())
	root.AddCommand(newResetCmd())
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
