package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/apperr"
)

// Approver asks the wallet owner to sign a payment. Returning false cancels it.
type Approver func(ctx context.Context, req PaymentRequest) bool

// Simulated is one identity on a shared in-memory Ledger.
type Simulated struct {
	ledger  *Ledger
	seed    []byte
	latency time.Duration
	approve Approver
	logger  *zap.Logger

	mu      sync.RWMutex
	address string
}

type SimOption func(*Simulated)

func WithLatency(d time.Duration) SimOption { return func(s *Simulated) { s.latency = d } }
func WithSeed(seed []byte) SimOption       { return func(s *Simulated) { s.seed = seed } }
func WithApprover(a Approver) SimOption    { return func(s *Simulated) { s.approve = a } }
func WithLogger(l *zap.Logger) SimOption   { return func(s *Simulated) { s.logger = l } }

func NewSimulated(ledger *Ledger, opts ...SimOption) *Simulated {
	s := &Simulated{ledger: ledger, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	if s.seed == nil {
		s.seed = NewSeed()
	}
	return s
}

func (s *Simulated) Connect(ctx context.Context) (string, error) {
	if err := sleep(ctx, s.latency); err != nil {
		return "", apperr.Connectivity(err.Error())
	}
	addr := s.ledger.Open(s.seed)
	s.mu.Lock()
	s.address = addr
	s.mu.Unlock()
	s.logger.Info("wallet connected", zap.String("address", addr), zap.String("chain", string(s.ledger.Chain())))
	return addr, nil
}

func (s *Simulated) Address() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, s.address != ""
}

func (s *Simulated) Currency() string { return s.ledger.Chain().Currency() }

func (s *Simulated) caller() (string, error) {
	addr, ok := s.Address()
	if !ok {
		return "", apperr.Connectivity(ErrNotConnected.Error())
	}
	return addr, nil
}

func (s *Simulated) RegisterAgent(ctx context.Context, name string) (string, error) {
	caller, err := s.caller()
	if err != nil {
		return "", err
	}
	if err := sleep(ctx, s.latency); err != nil {
		return "", Classify("registerAgent", err)
	}
	ref, err := s.ledger.RegisterAgent(ctx, caller, name)
	return ref, Classify("registerAgent", err)
}

func (s *Simulated) PostOrder(ctx context.Context, req OrderRequest) (string, error) {
	caller, err := s.caller()
	if err != nil {
		return "", err
	}
	if err := sleep(ctx, s.latency); err != nil {
		return "", Classify("postOrder", err)
	}
	id, err := s.ledger.PostOrder(ctx, caller, req)
	return id, Classify("postOrder", err)
}

func (s *Simulated) ConfirmOrder(ctx context.Context, orderID string) (string, error) {
	caller, err := s.caller()
	if err != nil {
		return "", err
	}
	if err := sleep(ctx, s.latency); err != nil {
		return "", Classify("confirmOrder", err)
	}
	ref, err := s.ledger.ConfirmOrder(ctx, caller, orderID)
	return ref, Classify("confirmOrder", err)
}

func (s *Simulated) PayAgent(ctx context.Context, req PaymentRequest) (Receipt, error) {
	caller, err := s.caller()
	if err != nil {
		return Receipt{}, err
	}
	if s.approve != nil && !s.approve(ctx, req) {
		return Receipt{}, Classify("payAgent", ErrRejected)
	}
	if err := sleep(ctx, s.latency); err != nil {
		return Receipt{}, Classify("payAgent", err)
	}
	r, err := s.ledger.PayAgent(ctx, caller, req)
	if err != nil {
		return Receipt{}, Classify("payAgent", err)
	}
	s.logger.Info("payment confirmed",
		zap.String("order_id", req.OrderID),
		zap.String("tx", ShortRef(r.TxRef)),
		zap.Int64("block", r.BlockHeight))
	return r, nil
}

func (s *Simulated) Balance(ctx context.Context) (float64, error) {
	caller, err := s.caller()
	if err != nil {
		return 0, err
	}
	b, err := s.ledger.Balance(ctx, caller)
	return b, Classify("balance", err)
}

// Classify converts ledger errors into the apperr taxonomy.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConnected):
		return apperr.Connectivity(err.Error())
	case errors.Is(err, ErrInsufficientFunds):
		return apperr.Service(op, apperr.KindInsufficientFunds, err)
	case errors.Is(err, ErrRejected), errors.Is(err, context.Canceled):
		return apperr.Service(op, apperr.KindCancelled, err)
	}
	return apperr.Service(op, apperr.KindGeneric, err)
}
