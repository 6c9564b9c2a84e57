// Package service holds the customer and agent sessions. Sessions never talk
// to each other: every handoff goes through the job store.
package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/audit"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/broker"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/extraction"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
)

// JobStore is the part of storage.Store the sessions use.
type JobStore interface {
	ListJobs(ctx context.Context) ([]models.Job, error)
	InsertJob(ctx context.Context, job models.Job) error
	UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (models.Job, error)
	AppendConfirmation(ctx context.Context, c models.AgentConfirmation) error
	PeekConfirmation(ctx context.Context) (*models.AgentConfirmation, error)
	TakeConfirmationFor(ctx context.Context, orderID string) (*models.AgentConfirmation, error)
	AppendPaymentNotification(ctx context.Context, n models.PaymentNotification) error
	ListPaymentNotifications(ctx context.Context) ([]models.PaymentNotification, error)
}

type Deps struct {
	Store     JobStore
	Wallet    wallet.Service
	Extractor extraction.Extractor
	Publisher broker.Publisher
	Audit     audit.Logger
	Logger    *zap.Logger
}

func (d *Deps) defaults() {
	if d.Extractor == nil {
		d.Extractor = extraction.Heuristic{}
	}
	if d.Publisher == nil {
		d.Publisher = broker.Nop{}
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
}

// loops runs a session's background sync goroutines and tears them down.
type loops struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var errAlreadyStarted = errors.New("session already started")

func (l *loops) start(ctx context.Context, fns ...func(context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return errAlreadyStarted
	}
	ctx, l.cancel = context.WithCancel(ctx)
	for _, fn := range fns {
		l.wg.Add(1)
		go func(fn func(context.Context)) {
			defer l.wg.Done()
			fn(ctx)
		}(fn)
	}
	return nil
}

// stop cancels the loops and waits for them. Safe to call more than once.
func (l *loops) stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

func (d *Deps) publish(ctx context.Context, kind broker.Kind, orderID, role string) {
	if err := d.Publisher.Publish(ctx, broker.NewEvent(kind, orderID, role)); err != nil {
		d.Logger.Warn("event not published", zap.String("kind", string(kind)), zap.String("order_id", orderID), zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
