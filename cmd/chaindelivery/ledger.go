package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/ledger"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

func newLedgerCmd() *cobra.Command {
	var (
		addr       string
		feePercent float64
	)

	c := &cobra.Command{
		Use:   "ledger",
		Short: "Serve the demo ledger over gRPC for wallets built with WALLET_BACKEND=grpc",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := wallet.ParseChain(cfg.Wallet.Chain)
			if err != nil {
				return err
			}
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			l := wallet.NewLedger(wallet.LedgerConfig{
				Chain:          chain,
				InitialBalance: cfg.Wallet.Balance,
				FeePercent:     feePercent,
			})
			return ledger.NewServer(l, logger).Serve(ctx, lis)
		},
	}
	c.Flags().StringVar(&addr, "addr", ":7070", "listen address")
	c.Flags().Float64Var(&feePercent, "fee-percent", 0, "platform fee charged on each payment, in percent")
	return c
}
