package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/apperr"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/broker"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/storage"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

type fakeWallet struct {
	mu        sync.Mutex
	address   string
	connected bool

	postErr    error
	confirmErr error
	payErr     error
	orderID    string

	posts    int
	confirms int
	pays     []wallet.PaymentRequest
}

func newFakeWallet(addr string) *fakeWallet {
	return &fakeWallet{address: addr}
}

func (w *fakeWallet) Connect(context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
	return w.address, nil
}

func (w *fakeWallet) Address() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return "", false
	}
	return w.address, true
}

func (w *fakeWallet) Currency() string { return "ETH" }

func (w *fakeWallet) RegisterAgent(context.Context, string) (string, error) {
	return wallet.NewTxRef(), nil
}

func (w *fakeWallet) PostOrder(context.Context, wallet.OrderRequest) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.posts++
	if w.postErr != nil {
		return "", w.postErr
	}
	return w.orderID, nil
}

func (w *fakeWallet) ConfirmOrder(context.Context, string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.confirms++
	if w.confirmErr != nil {
		return "", w.confirmErr
	}
	return wallet.NewTxRef(), nil
}

func (w *fakeWallet) PayAgent(_ context.Context, req wallet.PaymentRequest) (wallet.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pays = append(w.pays, req)
	if w.payErr != nil {
		return wallet.Receipt{}, w.payErr
	}
	return wallet.Receipt{TxRef: wallet.NewTxRef(), BlockHeight: 5_000_001, Fee: "0.0001", Confirmations: 3, Currency: "ETH"}, nil
}

func (w *fakeWallet) Balance(context.Context) (float64, error) { return 10, nil }

func (w *fakeWallet) payCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pays)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []broker.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e broker.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []broker.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broker.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

var errBackend = apperr.Service("payAgent", apperr.KindGeneric, context.DeadlineExceeded)

func newStore() *storage.Store {
	return storage.New(storage.NewMemoryKV())
}

func connect(t *testing.T, s interface {
	ConnectWallet(context.Context) (string, error)
}) {
	t.Helper()
	_, err := s.ConnectWallet(context.Background())
	require.NoError(t, err)
}

// slowStore parks the named write until release is closed.
type slowStore struct {
	*storage.Store
	op      string
	entered chan struct{}
	release chan struct{}
}

func newSlowStore(op string) *slowStore {
	return &slowStore{
		Store:   newStore(),
		op:      op,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *slowStore) park(op string) {
	if op != s.op {
		return
	}
	close(s.entered)
	<-s.release
}

func (s *slowStore) InsertJob(ctx context.Context, job models.Job) error {
	s.park("InsertJob")
	return s.Store.InsertJob(ctx, job)
}

func (s *slowStore) AppendConfirmation(ctx context.Context, c models.AgentConfirmation) error {
	s.park("AppendConfirmation")
	return s.Store.AppendConfirmation(ctx, c)
}

func (s *slowStore) AppendPaymentNotification(ctx context.Context, n models.PaymentNotification) error {
	s.park("AppendPaymentNotification")
	return s.Store.AppendPaymentNotification(ctx, n)
}

// whileParked waits for the store to park, checks that snapshot still returns,
// then lets the write finish.
func whileParked(t *testing.T, s *slowStore, snapshot func()) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s was never called", s.op)
	}

	done := make(chan struct{})
	go func() {
		snapshot()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(s.release)
		t.Fatalf("snapshot blocked while %s was in flight", s.op)
	}
	close(s.release)
}
