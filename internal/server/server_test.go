package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/apperr"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/config"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/service"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/storage"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

func newTestConfig() *config.Config {
	return &config.Config{
		HTTPPort: "8080",
		Username: "testuser",
		Password: "testpass",
	}
}

type pair struct {
	store    *storage.Store
	ledger   *wallet.Ledger
	customer *service.CustomerSession
	agent    *service.AgentSession
	cmux     http.Handler
	amux     http.Handler
}

func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{
		store:  storage.New(storage.NewMemoryKV()),
		ledger: wallet.NewLedger(wallet.LedgerConfig{InitialBalance: 1000}),
	}
	cw := wallet.NewSimulated(p.ledger)
	aw := wallet.NewSimulated(p.ledger)
	p.customer = service.NewCustomerSession(service.Deps{Store: p.store, Wallet: cw}, "Asha")
	p.agent = service.NewAgentSession(service.Deps{Store: p.store, Wallet: aw})
	cfg := newTestConfig()
	p.cmux = NewCustomerServer(p.customer, cw, cfg, zap.NewNop()).Handler()
	p.amux = NewAgentServer(p.agent, aw, cfg, zap.NewNop()).Handler()
	return p
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	req.SetBasicAuth("testuser", "testpass")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	p := newPair(t)

	rec := do(t, p.cmux, http.MethodPost, "/orders", submitRequest{Prompt: "2 biryani from Spice Hub", Location: "Koramangala"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wallet not connected")

	require.Equal(t, http.StatusOK, do(t, p.cmux, http.MethodPost, "/wallet/connect", nil).Code)
	require.Equal(t, http.StatusOK, do(t, p.amux, http.MethodPost, "/wallet/connect", nil).Code)

	rec = do(t, p.cmux, http.MethodPost, "/orders", submitRequest{Prompt: "2 biryani from Spice Hub", Location: "Koramangala"})
	require.Equal(t, http.StatusOK, rec.Code)
	order := decode[models.ExtractedOrder](t, rec)
	assert.Equal(t, "Spice Hub", order.Restaurant)
	assert.Equal(t, 2, order.Quantity)

	rec = do(t, p.cmux, http.MethodPost, "/orders/confirm", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decode[models.Job](t, rec)
	assert.Equal(t, models.JobStatusAvailable, job.Status)

	rec = do(t, p.amux, http.MethodGet, "/jobs?refresh=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[[]models.Job](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	rec = do(t, p.cmux, http.MethodPost, "/orders/pay", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no confirmation yet")

	rec = do(t, p.amux, http.MethodPost, "/jobs/"+job.ID+"/claim", claimRequest{Name: "Ravi"})
	require.Equal(t, http.StatusOK, rec.Code)
	c := decode[models.AgentConfirmation](t, rec)
	assert.Equal(t, job.ID, c.OrderID)

	got, err := p.customer.PollConfirmation(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)

	rec = do(t, p.cmux, http.MethodPost, "/orders/pay", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	n := decode[models.PaymentNotification](t, rec)
	assert.Equal(t, c.AgentWallet, n.AgentWallet)

	_, err = p.agent.PollPayments(context.Background())
	require.NoError(t, err)
	rec = do(t, p.amux, http.MethodGet, "/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.PaymentNotification](t, rec), 1)

	rec = do(t, p.cmux, http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.CustomerCompleted, decode[service.CustomerView](t, rec).State)
}

func TestClaimUnknownJob(t *testing.T) {
	p := newPair(t)
	require.Equal(t, http.StatusOK, do(t, p.amux, http.MethodPost, "/wallet/connect", nil).Code)

	rec := do(t, p.amux, http.MethodPost, "/jobs/nope/claim", claimRequest{Name: "Ravi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, p.amux, http.MethodGet, "/session", nil)
	assert.Equal(t, service.AgentBrowsing, decode[service.AgentView](t, rec).State)
}

func TestBadRequests(t *testing.T) {
	p := newPair(t)

	t.Run("bad JSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader("badjson"))
		req.SetBasicAuth("testuser", "testpass")
		rec := httptest.NewRecorder()
		p.cmux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown filter", func(t *testing.T) {
		rec := do(t, p.amux, http.MethodGet, "/jobs?filter=cheap", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/wallet/connect", nil)
		rec := httptest.NewRecorder()
		p.cmux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("route belongs to the other role", func(t *testing.T) {
		rec := do(t, p.cmux, http.MethodGet, "/jobs", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("x", "y"), http.StatusBadRequest},
		{apperr.Connectivity("x"), http.StatusUnauthorized},
		{apperr.StaleRead("1"), http.StatusNotFound},
		{apperr.Service("payAgent", apperr.KindInsufficientFunds, nil), http.StatusPaymentRequired},
		{apperr.Service("payAgent", apperr.KindCancelled, nil), http.StatusConflict},
		{apperr.Service("payAgent", apperr.KindGeneric, nil), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), tt.err.Error())
	}
}
