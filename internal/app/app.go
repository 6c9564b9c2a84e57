// Package app wires configured backends into running sessions.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/audit"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/broker"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/cache"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/config"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/db"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/extraction"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/handler"
	taskprocessor "gitlab.ozon.dev/qwestard/chaindelivery/internal/processor"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/repository"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/server"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/service"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/storage"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Store     *storage.Store
	Ledger    *wallet.Ledger
	Wallet    wallet.Service
	Publisher broker.Publisher

	db      *sql.DB
	fileKV  *storage.FileKV
	rabbit  *broker.Rabbit
	relay   *taskprocessor.TaskProcessor
	closers []func() error
}

// New opens the store, the wallet and the broker publisher named by cfg.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, Publisher: broker.Nop{}}
	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openWallet(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBroker(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// OpenStore opens only the configured store, for maintenance commands.
func OpenStore(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, Publisher: broker.Nop{}}
	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore() error {
	var kv storage.KV
	switch a.cfg.Store.Backend {
	case "memory":
		kv = storage.NewMemoryKV()
	case "file":
		fkv, err := storage.NewFileKV(a.cfg.Store.Dir, a.logger)
		if err != nil {
			return fmt.Errorf("open file store: %w", err)
		}
		a.fileKV = fkv
		kv = fkv
	case "sql":
		database, err := db.NewDB(a.cfg.Store.Driver, a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.db = database
		a.closers = append(a.closers, database.Close)
		kv = storage.NewSQLKV(database, a.cfg.Store.Driver)
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}

	var opts []storage.Option
	if a.cfg.Store.Locking {
		opts = append(opts, storage.WithAtomicUpdates())
	}
	a.Store = storage.New(kv, opts...)
	a.logger.Info("store opened", zap.String("backend", a.cfg.Store.Backend), zap.Bool("locking", a.cfg.Store.Locking))
	return nil
}

func (a *App) openWallet() error {
	chain, err := wallet.ParseChain(a.cfg.Wallet.Chain)
	if err != nil {
		return err
	}
	var seed []byte
	if a.cfg.Wallet.Seed != "" {
		seed = []byte(a.cfg.Wallet.Seed)
	}
	if a.cfg.Wallet.Backend == "" || a.cfg.Wallet.Backend == wallet.BackendSimulated {
		a.Ledger = wallet.NewLedger(wallet.LedgerConfig{Chain: chain, InitialBalance: a.cfg.Wallet.Balance})
	}
	w, err := wallet.New(wallet.Options{
		Backend:    a.cfg.Wallet.Backend,
		Latency:    a.cfg.Wallet.Latency,
		LedgerAddr: a.cfg.Wallet.LedgerAddr,
		Seed:       seed,
		Logger:     a.logger,
	}, a.Ledger)
	if err != nil {
		return err
	}
	if c, ok := w.(*wallet.GRPCClient); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.Wallet = w
	return nil
}

func (a *App) openBroker() error {
	switch a.cfg.Broker.Kind {
	case "kafka":
		p, err := broker.NewKafkaPublisher(a.cfg.Broker.KafkaBrokers, a.cfg.Broker.KafkaTopic, a.logger)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		a.Publisher = p
	case "rabbitmq":
		r, err := broker.DialRabbit(a.cfg.Broker.AMQPURL, a.cfg.Broker.Exchange, a.logger)
		if err != nil {
			return err
		}
		a.rabbit = r
		a.Publisher = r
	default:
		return nil
	}
	a.closers = append(a.closers, a.Publisher.Close)

	// With a SQL store, sessions write events to the outbox table and the
	// relay forwards them.
	if a.db != nil {
		repo := repository.NewSQLTaskRepository(a.db)
		a.relay = taskprocessor.NewTaskProcessor(repo, a.Publisher, time.Second, 50, a.logger)
		a.Publisher = taskprocessor.NewOutbox(repo)
	}
	return nil
}

// runRelay starts the outbox relay, if any. The returned func waits for it.
func (a *App) runRelay(ctx context.Context) func() {
	if a.relay == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.relay.Start(ctx)
	}()
	return func() { <-done }
}

func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = errors.Join(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}

// events streams broker events, or nil when no broker is configured.
func (a *App) events(ctx context.Context) (<-chan broker.Event, error) {
	switch a.cfg.Broker.Kind {
	case "kafka":
		group := a.cfg.Broker.KafkaGroupID + "-" + a.cfg.Role
		return broker.ConsumeKafka(ctx, a.cfg.Broker.KafkaBrokers, group, a.cfg.Broker.KafkaTopic, a.logger)
	case "rabbitmq":
		return a.rabbit.Subscribe(ctx)
	}
	return nil, nil
}

// Signals builds the two sync subscriptions: job changes (which also covers
// the confirmation slot) and payments. Each is a ticker merged with whatever
// push hints are available from the file watcher and the broker.
func (a *App) Signals(ctx context.Context) (jobs, payments cache.Subscription, err error) {
	var keys <-chan string
	if a.fileKV != nil {
		if keys, err = a.fileKV.Watch(ctx); err != nil {
			a.logger.Warn("file watch unavailable, polling only", zap.Error(err))
			keys = nil
		}
	}
	events, err := a.events(ctx)
	if err != nil {
		return nil, nil, err
	}

	jobsHint := make(chan struct{}, 1)
	paymentsHint := make(chan struct{}, 1)
	if keys != nil || events != nil {
		go route(ctx, keys, events, jobsHint, paymentsHint)
	}

	jobs = cache.Merge(cache.NewTicker(a.cfg.Sync.JobsInterval), cache.FromChannel(jobsHint))
	payments = cache.Merge(cache.NewTicker(a.cfg.Sync.PaymentsInterval), cache.FromChannel(paymentsHint))
	return jobs, payments, nil
}

func route(ctx context.Context, keys <-chan string, events <-chan broker.Event, jobs, payments chan<- struct{}) {
	hint := func(c chan<- struct{}) {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	for keys != nil || events != nil {
		select {
		case <-ctx.Done():
			return
		case k, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			if k == storage.KeyPayments {
				hint(payments)
			} else {
				hint(jobs)
			}
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if e.Kind == broker.KindPaymentSent {
				hint(payments)
			} else {
				hint(jobs)
			}
		}
	}
}

func (a *App) deps(auditLog audit.Logger) service.Deps {
	var ex extraction.Extractor = extraction.Heuristic{}
	if a.cfg.Sync.ExtractDelay > 0 {
		ex = extraction.Delayed(ex, a.cfg.Sync.ExtractDelay)
	}
	return service.Deps{
		Store:     a.Store,
		Wallet:    a.Wallet,
		Extractor: ex,
		Publisher: a.Publisher,
		Audit:     auditLog,
		Logger:    a.logger,
	}
}

func (a *App) auditPool() *audit.AuditWorkerPool {
	procs := []audit.AuditLogProcessor{audit.NewZapProcessor(a.logger, "")}
	if a.db != nil {
		procs = append(procs, audit.NewDBProcessor(a.db))
	}
	return audit.NewAuditWorkerPool(audit.DefaultPoolConfig(), a.logger, procs...)
}

func (a *App) startAudit() (*audit.AuditWorkerPool, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := a.auditPool()
	pool.Start(ctx, 2)
	return pool, func() { pool.Shutdown(cancel) }
}

// Shell runs the configured role's session from a line-oriented terminal on
// in and out, with its sync loops in the background.
func (a *App) Shell(ctx context.Context, in io.Reader, out io.Writer) error {
	pool, stopAudit := a.startAudit()
	defer stopAudit()

	// Cancelled when the shell returns, which also ends the watchers behind Signals.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobsSub, paymentsSub, err := a.Signals(ctx)
	if err != nil {
		return err
	}

	stopRelay := a.runRelay(ctx)
	defer func() {
		cancel()
		stopRelay()
	}()

	var h *handler.Handler
	switch a.cfg.Role {
	case config.RoleAgent:
		s := service.NewAgentSession(a.deps(pool))
		if err := s.Start(ctx, jobsSub, paymentsSub); err != nil {
			jobsSub.Stop()
			paymentsSub.Stop()
			return err
		}
		defer s.Stop()
		h = handler.NewAgent(s, out)
	default:
		s := service.NewCustomerSession(a.deps(pool), service.DefaultCustomerName)
		paymentsSub.Stop()
		if err := s.Start(ctx, jobsSub); err != nil {
			jobsSub.Stop()
			return err
		}
		defer s.Stop()
		h = handler.NewCustomer(s, out)
	}
	return h.Run(ctx, in)
}

// Serve runs the configured role's session, its sync loops and the HTTP API
// until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	pool, stopAudit := a.startAudit()
	defer stopAudit()

	g, ctx := errgroup.WithContext(ctx)
	jobsSub, paymentsSub, err := a.Signals(ctx)
	if err != nil {
		return err
	}

	if a.relay != nil {
		g.Go(func() error {
			a.relay.Start(ctx)
			return nil
		})
	}
	switch a.cfg.Role {
	case config.RoleAgent:
		s := service.NewAgentSession(a.deps(pool))
		if err := s.Start(ctx, jobsSub, paymentsSub); err != nil {
			jobsSub.Stop()
			paymentsSub.Stop()
			return err
		}
		defer s.Stop()
		srv := server.NewAgentServer(s, a.Wallet, a.cfg, a.logger)
		g.Go(func() error { return srv.Run(ctx) })
	default:
		s := service.NewCustomerSession(a.deps(pool), service.DefaultCustomerName)
		paymentsSub.Stop()
		if err := s.Start(ctx, jobsSub); err != nil {
			jobsSub.Stop()
			return err
		}
		defer s.Stop()
		srv := server.NewCustomerServer(s, a.Wallet, a.cfg, a.logger)
		g.Go(func() error { return srv.Run(ctx) })
	}
	a.logger.Info("session started", zap.String("role", a.cfg.Role), zap.String("addr", a.cfg.Addr()))
	return g.Wait()
}
