package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/app"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/extraction"
)

func newExtractCmd() *cobra.Command {
	var location string

	c := &cobra.Command{
		Use:   "extract <prompt>",
		Short: "Show how a free-text order would be extracted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			order := extraction.Extract(strings.Join(args, " "), location)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(order)
		},
	}
	c.Flags().StringVar(&location, "location", "", "delivery location")
	return c
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the shared job store",
	}
	cmd.AddCommand(newJobsListCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var payments bool

	c := &cobra.Command{
		Use:   "list",
		Short: "List jobs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.OpenStore(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			out := cmd.OutOrStdout()
			jobs, err := a.Store.ListJobs(ctx)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(out, "id=%s status=%s pay=%.2f dish=%q restaurant=%q agent=%q changed=%s\n",
					j.ID, j.Status, j.EstimatedPay, j.Dish, j.Restaurant, j.AgentName, j.LastStateChange.Format(time.RFC3339))
			}
			if !payments {
				return nil
			}
			ns, err := a.Store.ListPaymentNotifications(ctx)
			if err != nil {
				return err
			}
			for _, n := range ns {
				fmt.Fprintf(out, "payment order=%s amount=%.2f %s to=%s tx=%s\n",
					n.OrderID, n.Amount, n.Currency, n.AgentWallet, n.TxHash)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&payments, "payments", false, "also list payment notifications")
	return c
}

func newResetCmd() *cobra.Command {
	var yes bool

	c := &cobra.Command{
		Use:   "reset",
		Short: "Delete every job, confirmation and payment notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			a, err := app.OpenStore(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store.Reset(context.Background()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "store reset")
			return nil
		},
	}
	c.Flags().BoolVar(&yes, "yes", false, "confirm")
	return c
}
