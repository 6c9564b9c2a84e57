package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Chain string

const (
	ChainETH Chain = "eth"
	ChainICP Chain = "icp"
)

func (c Chain) Currency() string {
	if c == ChainICP {
		return "ICP"
	}
	return "ETH"
}

func ParseChain(s string) (Chain, error) {
	switch Chain(s) {
	case ChainETH, ChainICP:
		return Chain(s), nil
	case "":
		return ChainETH, nil
	}
	return "", fmt.Errorf("unknown chain %q", s)
}

var (
	ErrNotConnected      = errors.New("wallet not connected")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRejected          = errors.New("transaction rejected by user")
	ErrNoPayee           = errors.New("payee address is required")
)

type OrderRequest struct {
	Restaurant     string  `json:"restaurant"`
	Dish           string  `json:"dish"`
	Quantity       int     `json:"quantity"`
	PickupLocation string  `json:"pickupLocation"`
	DropLocation   string  `json:"dropLocation"`
	Amount         float64 `json:"amount"`
}

type PaymentRequest struct {
	OrderID      string  `json:"orderId"`
	Amount       float64 `json:"amount"`
	PayeeAddress string  `json:"payeeAddress"`
}

// Receipt describes a settled payment. TxRef is opaque and safe to truncate.
type Receipt struct {
	TxRef         string
	BlockHeight   int64
	Fee           string
	Confirmations int
	Currency      string
}

// Service is one identity's view of a wallet backend.
type Service interface {
	Connect(ctx context.Context) (string, error)
	Address() (string, bool)
	Currency() string
	RegisterAgent(ctx context.Context, name string) (string, error)
	PostOrder(ctx context.Context, req OrderRequest) (string, error)
	ConfirmOrder(ctx context.Context, orderID string) (string, error)
	PayAgent(ctx context.Context, req PaymentRequest) (Receipt, error)
	Balance(ctx context.Context) (float64, error)
}

// ShortRef shortens a transaction reference for display.
func ShortRef(ref string) string {
	if len(ref) <= 14 {
		return ref
	}
	return ref[:8] + "..." + ref[len(ref)-6:]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
