package main

import (
	"os"

	"github.com/spf13/cobra"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run one session behind the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(ctx)
		},
	}
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run one session from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Shell(ctx, os.Stdin, cmd.OutOrStdout())
		},
	}
}
