package integrations

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/audit"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/config"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/db"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/ledger"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/server"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/service"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/storage"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

const (
	testUsername = "admin"
	testPassword = "secret"
)

// IntegrationSuite runs a customer and an agent against one SQL store and one
// gRPC ledger. Postgres is used when TEST_DSN is set, sqlite otherwise.
type IntegrationSuite struct {
	suite.Suite

	db       *sql.DB
	store    *storage.Store
	cancel   context.CancelFunc
	pool     *audit.AuditWorkerPool
	wallets  []*wallet.GRPCClient
	customer *service.CustomerSession
	agent    *service.AgentSession
	cserver  *httptest.Server
	aserver  *httptest.Server
}

func (s *IntegrationSuite) SetupSuite() {
	driver, dsn := "sqlite", filepath.Join(s.T().TempDir(), "integration.db")
	if v := os.Getenv("TEST_DSN"); v != "" {
		driver, dsn = "pgx", v
	}
	var err error
	s.db, err = db.NewDB(driver, dsn)
	s.Require().NoError(err)

	s.store = storage.New(storage.NewSQLKV(s.db, driver), storage.WithAtomicUpdates())
	s.Require().NoError(s.store.Reset(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	gateway := ledger.NewServer(wallet.NewLedger(wallet.LedgerConfig{Chain: wallet.ChainETH, InitialBalance: 1000}), zap.NewNop())
	go func() { _ = gateway.Serve(ctx, lis) }()

	s.pool = audit.NewAuditWorkerPool(audit.AuditPoolConfig{BatchSize: 1, Timeout: 50 * time.Millisecond, ChannelSize: 64}, zap.NewNop(), audit.NewDBProcessor(s.db))
	s.pool.Start(ctx, 1)

	newWallet := func(seed string) *wallet.GRPCClient {
		w, err := wallet.DialLedger(lis.Addr().String(), []byte(seed))
		s.Require().NoError(err)
		s.wallets = append(s.wallets, w)
		return w
	}
	cw, aw := newWallet("integration-customer"), newWallet("integration-agent")

	s.customer = service.NewCustomerSession(service.Deps{Store: s.store, Wallet: cw, Audit: s.pool}, "Asha")
	s.agent = service.NewAgentSession(service.Deps{Store: s.store, Wallet: aw, Audit: s.pool})

	cfg := &config.Config{Username: testUsername, Password: testPassword}
	s.cserver = httptest.NewServer(server.NewCustomerServer(s.customer, cw, cfg, zap.NewNop()).Handler())
	s.aserver = httptest.NewServer(server.NewAgentServer(s.agent, aw, cfg, zap.NewNop()).Handler())
}

func (s *IntegrationSuite) TearDownSuite() {
	s.cserver.Close()
	s.aserver.Close()
	for _, w := range s.wallets {
		_ = w.Close()
	}
	s.cancel()
	_ = s.db.Close()
}

func (s *IntegrationSuite) TestDeliveryLifecycle() {
	resp, _ := s.doRequest(s.cserver, http.MethodPost, "/wallet/connect", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	resp, _ = s.doRequest(s.aserver, http.MethodPost, "/wallet/connect", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, _ = s.doRequest(s.aserver, http.MethodPost, "/agents/register", map[string]string{"name": "Ravi"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, body := s.doRequest(s.cserver, http.MethodPost, "/orders", map[string]string{
		"prompt":   "Get 3 pizza from Dominos Koramangala for dinner",
		"location": "HSR Layout",
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode, string(body))

	resp, body = s.doRequest(s.cserver, http.MethodPost, "/orders/confirm", map[string]string{"pickup": "Dominos, 80ft Road"})
	s.Require().Equal(http.StatusCreated, resp.StatusCode, string(body))
	var job models.Job
	s.Require().NoError(json.Unmarshal(body, &job))
	s.Equal(750.0, job.EstimatedPay)

	resp, body = s.doRequest(s.aserver, http.MethodGet, "/jobs?filter=high_pay&refresh=true", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var jobs []models.Job
	s.Require().NoError(json.Unmarshal(body, &jobs))
	s.Require().Len(jobs, 1)
	s.Equal(job.ID, jobs[0].ID)

	resp, body = s.doRequest(s.aserver, http.MethodPost, "/jobs/"+job.ID+"/claim", map[string]string{"name": "Ravi"})
	s.Require().Equal(http.StatusOK, resp.StatusCode, string(body))

	c, err := s.customer.PollConfirmation(context.Background())
	s.Require().NoError(err)
	s.Require().NotNil(c)

	resp, body = s.doRequest(s.cserver, http.MethodPost, "/orders/pay", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode, string(body))
	var n models.PaymentNotification
	s.Require().NoError(json.Unmarshal(body, &n))
	s.Equal("ETH", n.Currency)
	s.Equal(c.AgentWallet, n.AgentWallet)
	s.NotZero(n.BlockchainData.BlockHeight)

	fresh, err := s.agent.PollPayments(context.Background())
	s.Require().NoError(err)
	s.Equal(1, fresh)

	stored, err := s.store.ListJobs(context.Background())
	s.Require().NoError(err)
	s.Equal(models.JobStatusCompleted, stored[models.FindJob(stored, job.ID)].Status)

	resp, body = s.doRequest(s.aserver, http.MethodGet, "/wallet", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var w struct {
		Balance float64 `json:"balance"`
	}
	s.Require().NoError(json.Unmarshal(body, &w))
	s.InDelta(1750.0, w.Balance, 0.0001)

	s.Eventually(func() bool {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_logs WHERE order_id = $1`, job.ID).Scan(&count)
		return err == nil && count > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func (s *IntegrationSuite) TestClaimOfVanishedJob() {
	resp, _ := s.doRequest(s.aserver, http.MethodPost, "/wallet/connect", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, _ = s.doRequest(s.aserver, http.MethodPost, "/jobs/does-not-exist/claim", map[string]string{"name": "Ravi"})
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *IntegrationSuite) doRequest(ts *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	var reqBody []byte
	var err error
	if body != nil {
		reqBody, err = json.Marshal(body)
		s.Require().NoError(err)
	}

	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(reqBody))
	s.Require().NoError(err)
	req.SetBasicAuth(testUsername, testPassword)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	respBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	s.Require().NoError(err)
	return resp, respBody
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationSuite))
}
