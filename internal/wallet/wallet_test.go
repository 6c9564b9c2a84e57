package wallet

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/apperr"
)

var txRefPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

func connected(t *testing.T, l *Ledger, seed string, opts ...SimOption) *Simulated {
	t.Helper()
	s := NewSimulated(l, append([]SimOption{WithSeed([]byte(seed))}, opts...)...)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	return s
}

func TestDeriveAddress(t *testing.T) {
	eth := DeriveAddress(ChainETH, []byte("seed"))
	assert.Regexp(t, `^0x[0-9a-f]{40}$`, eth)
	assert.Equal(t, eth, DeriveAddress(ChainETH, []byte("seed")))
	assert.NotEqual(t, eth, DeriveAddress(ChainETH, []byte("other")))

	icp := DeriveAddress(ChainICP, []byte("seed"))
	groups := strings.Split(icp, "-")
	// 4 crc bytes + 29 principal bytes encode to 53 base32 characters.
	require.Len(t, groups, 11)
	for _, g := range groups[:10] {
		assert.Len(t, g, 5)
	}
	assert.Len(t, groups[10], 3)
	assert.Equal(t, strings.ToLower(icp), icp)
}

func TestNewTxRef(t *testing.T) {
	a, b := NewTxRef(), NewTxRef()
	assert.Regexp(t, txRefPattern, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "0x123456...abcdef", ShortRef("0x1234567890abcdef"))
	assert.Equal(t, "0xabc", ShortRef("0xabc"))
}

func TestParseChain(t *testing.T) {
	c, err := ParseChain("")
	require.NoError(t, err)
	assert.Equal(t, ChainETH, c)

	c, err = ParseChain("icp")
	require.NoError(t, err)
	assert.Equal(t, "ICP", c.Currency())

	_, err = ParseChain("sol")
	assert.Error(t, err)
}

func TestSimulated_NotConnected(t *testing.T) {
	s := NewSimulated(NewLedger(LedgerConfig{InitialBalance: 1}))
	ctx := context.Background()

	_, ok := s.Address()
	assert.False(t, ok)

	_, err := s.PostOrder(ctx, OrderRequest{Amount: 1})
	assert.True(t, apperr.IsConnectivity(err))
	_, err = s.ConfirmOrder(ctx, "1")
	assert.True(t, apperr.IsConnectivity(err))
	_, err = s.PayAgent(ctx, PaymentRequest{OrderID: "1", Amount: 1, PayeeAddress: "0x1"})
	assert.True(t, apperr.IsConnectivity(err))
	_, err = s.RegisterAgent(ctx, "Ravi")
	assert.True(t, apperr.IsConnectivity(err))
}

func TestSimulated_OrderLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(LedgerConfig{InitialBalance: 10})
	customer := connected(t, l, "customer")
	agent := connected(t, l, "agent")
	agentAddr, _ := agent.Address()

	first, err := customer.PostOrder(ctx, OrderRequest{Dish: "pizza", Quantity: 1, Amount: 2})
	require.NoError(t, err)
	second, err := customer.PostOrder(ctx, OrderRequest{Dish: "naan", Quantity: 1, Amount: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	ref, err := agent.ConfirmOrder(ctx, first)
	require.NoError(t, err)
	assert.Regexp(t, txRefPattern, ref)

	o, ok := l.Order(first)
	require.True(t, ok)
	assert.Equal(t, OrderConfirmed, o.State)
	assert.Equal(t, agentAddr, o.Agent)

	r, err := customer.PayAgent(ctx, PaymentRequest{OrderID: first, Amount: 2, PayeeAddress: agentAddr})
	require.NoError(t, err)
	assert.Regexp(t, txRefPattern, r.TxRef)
	assert.Equal(t, "ETH", r.Currency)
	assert.GreaterOrEqual(t, r.Confirmations, 1)
	assert.LessOrEqual(t, r.Confirmations, 10)

	custBal, err := customer.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10-2-0.0001, custBal, 1e-9)
	agentBal, err := agent.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 12, agentBal, 1e-9)

	o, _ = l.Order(first)
	assert.Equal(t, OrderCompleted, o.State)

	_, err = agent.ConfirmOrder(ctx, first)
	assert.Equal(t, apperr.KindGeneric, apperr.KindOf(err), "a paid order cannot be reconfirmed")

	custAddr, _ := customer.Address()
	assert.Len(t, l.Transactions(custAddr), 3)
}

func TestSimulated_ConfirmUnknownOrder(t *testing.T) {
	l := NewLedger(LedgerConfig{})
	agent := connected(t, l, "agent")

	ref, err := agent.ConfirmOrder(context.Background(), "1700000000000")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
}

func TestSimulated_PaymentFailures(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(LedgerConfig{InitialBalance: 1})

	t.Run("insufficient funds", func(t *testing.T) {
		s := connected(t, l, "poor")
		_, err := s.PayAgent(ctx, PaymentRequest{OrderID: "1", Amount: 1, PayeeAddress: "0xabc"})
		assert.Equal(t, apperr.KindInsufficientFunds, apperr.KindOf(err))
		bal, _ := s.Balance(ctx)
		assert.InDelta(t, 1, bal, 1e-9)
	})

	t.Run("rejected by user", func(t *testing.T) {
		called := false
		s := connected(t, l, "shy", WithApprover(func(context.Context, PaymentRequest) bool {
			called = true
			return false
		}))
		_, err := s.PayAgent(ctx, PaymentRequest{OrderID: "1", Amount: 0.1, PayeeAddress: "0xabc"})
		assert.True(t, called)
		assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
	})

	t.Run("no payee", func(t *testing.T) {
		s := connected(t, l, "lost")
		_, err := s.PayAgent(ctx, PaymentRequest{OrderID: "1", Amount: 0.1})
		assert.ErrorIs(t, err, ErrNoPayee)
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := connected(t, l, "slow", WithLatency(time.Second))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.PayAgent(cctx, PaymentRequest{OrderID: "1", Amount: 0.1, PayeeAddress: "0xabc"})
		assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
	})
}

func TestLedger_FeePercent(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(LedgerConfig{InitialBalance: 100, FeePercent: 2, TxFee: 0.5})
	s := connected(t, l, "payer")

	r, err := s.PayAgent(ctx, PaymentRequest{OrderID: "9", Amount: 10, PayeeAddress: "0xdef"})
	require.NoError(t, err)
	fee, err := strconv.ParseFloat(r.Fee, 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, fee, 1e-9)
	bal, _ := s.Balance(ctx)
	assert.InDelta(t, 89.3, bal, 1e-9)
}

func TestRegisterAgent(t *testing.T) {
	l := NewLedger(LedgerConfig{})
	s := connected(t, l, "agent")
	addr, _ := s.Address()

	_, err := s.RegisterAgent(context.Background(), "")
	assert.Error(t, err)

	_, err = s.RegisterAgent(context.Background(), "Ravi")
	require.NoError(t, err)
	assert.Equal(t, "Ravi", l.AgentName(addr))
}

func TestNew(t *testing.T) {
	l := NewLedger(LedgerConfig{})

	svc, err := New(Options{}, l)
	require.NoError(t, err)
	assert.IsType(t, &Simulated{}, svc)

	_, err = New(Options{Backend: BackendSimulated}, nil)
	assert.Error(t, err)

	_, err = New(Options{Backend: BackendGRPC}, nil)
	assert.Error(t, err)

	svc, err = New(Options{Backend: BackendGRPC, LedgerAddr: "localhost:0"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &GRPCClient{}, svc)
	_ = svc.(*GRPCClient).Close()

	_, err = New(Options{Backend: "metamask"}, l)
	assert.Error(t, err)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"connectivity", apperr.Connectivity("no wallet"), codes.Unauthenticated},
		{"insufficient funds", Classify("payAgent", ErrInsufficientFunds), codes.FailedPrecondition},
		{"rejected", Classify("payAgent", ErrRejected), codes.Canceled},
		{"validation", apperr.Validation("seed", "required"), codes.InvalidArgument},
		{"status kept", status.Error(codes.InvalidArgument, "seed is required"), codes.InvalidArgument},
		{"untyped", ErrNoPayee, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(ToStatus(tt.err)))
		})
	}
	assert.NoError(t, ToStatus(nil))
}
