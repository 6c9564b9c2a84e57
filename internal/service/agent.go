package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/apperr"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/audit"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/broker"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/cache"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/storage"
)

type AgentState string

const (
	AgentBrowsing AgentState = "browsing"
	AgentClaiming AgentState = "claiming"
	AgentClaimed  AgentState = "claimed"
)

type Filter string

const (
	FilterAll     Filter = "all"
	FilterHighPay Filter = "high_pay"
)

var errJobClosed = errors.New("job already completed")

// HighPayThreshold is the minimum estimated pay shown under FilterHighPay.
const HighPayThreshold = 200

// Fixed estimates attached to every confirmation.
const (
	DefaultRating        = 4.8
	DefaultPickupTime    = "15 mins"
	DefaultEstimatedTime = "25 mins"
)

func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterHighPay:
		return FilterHighPay, nil
	}
	return "", apperr.Validation("filter", fmt.Sprintf("unknown filter %q", s))
}

type AgentView struct {
	State        AgentState                `json:"state"`
	Pending      string                    `json:"pending,omitempty"`
	Wallet       string                    `json:"wallet,omitempty"`
	Name         string                    `json:"name,omitempty"`
	Registered   bool                      `json:"registered"`
	Selected     *models.Job               `json:"selected,omitempty"`
	Confirmation *models.AgentConfirmation `json:"confirmation,omitempty"`
	Payments     int                       `json:"payments"`
	RefreshedAt  time.Time                 `json:"refreshedAt"`
	LastError    string                    `json:"lastError,omitempty"`
}

// AgentSession browses available jobs, claims one and collects payments.
type AgentSession struct {
	deps Deps
	jobs *cache.JobsCache
	loops

	mu           sync.Mutex
	state        AgentState
	pending      string
	name         string
	registered   bool
	selected     *models.Job
	confirmation *models.AgentConfirmation
	payments     []models.PaymentNotification
	lastErr      error
}

func NewAgentSession(deps Deps) *AgentSession {
	deps.defaults()
	return &AgentSession{
		deps:     deps,
		jobs:     cache.NewJobsCache(deps.Logger),
		state:    AgentBrowsing,
		payments: make([]models.PaymentNotification, 0),
	}
}

// setState must be called with mu held.
func (s *AgentSession) setState(next AgentState, orderID, msg string) {
	prev := s.state
	s.state = next
	s.deps.Audit.Log(audit.AuditLog{
		Session:  RoleAgent,
		OrderID:  orderID,
		OldState: string(prev),
		NewState: string(next),
		Message:  msg,
	})
	s.deps.Logger.Debug("agent state",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("order_id", orderID))
}

func (s *AgentSession) fail(err error) error {
	s.lastErr = err
	return err
}

func (s *AgentSession) ConnectWallet(ctx context.Context) (string, error) {
	addr, err := s.deps.Wallet.Connect(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return "", s.fail(err)
	}
	s.lastErr = nil
	s.deps.Logger.Info("agent wallet connected", zap.String("address", addr))
	return addr, nil
}

// RegisterAgent records the agent's display name on the ledger. Claiming does
// not require it.
func (s *AgentSession) RegisterAgent(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("name", "display name is required")
	}
	if _, ok := s.deps.Wallet.Address(); !ok {
		return "", apperr.Connectivity("connect a wallet first")
	}
	ref, err := s.deps.Wallet.RegisterAgent(ctx, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return "", s.fail(err)
	}
	s.name = name
	s.registered = true
	s.lastErr = nil
	return ref, nil
}

func (s *AgentSession) Refresh(ctx context.Context) error {
	return s.jobs.Refresh(ctx, s.deps.Store)
}

// Available returns the cached available jobs matching filter.
func (s *AgentSession) Available(filter Filter) []models.Job {
	jobs := s.jobs.Available()
	if filter != FilterHighPay {
		return jobs
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.EstimatedPay >= HighPayThreshold {
			out = append(out, j)
		}
	}
	return out
}

// Claim takes an available job for this agent. The job must be in the cached
// available view and still present in the store; otherwise a StaleReadError is
// returned and nothing is written. A failed wallet call leaves the session in
// claiming so the user can retry.
func (s *AgentSession) Claim(ctx context.Context, jobID, name string) (models.AgentConfirmation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.AgentConfirmation{}, apperr.Validation("name", "display name is required")
	}
	addr, ok := s.deps.Wallet.Address()
	if !ok {
		return models.AgentConfirmation{}, apperr.Connectivity("connect a wallet first")
	}

	s.mu.Lock()
	if s.pending != "" {
		s.mu.Unlock()
		return models.AgentConfirmation{}, apperr.Validation("state", s.pending+" in progress")
	}
	job, ok := s.jobs.Find(jobID)
	if !ok || job.Status != models.JobStatusAvailable {
		s.mu.Unlock()
		return models.AgentConfirmation{}, apperr.StaleRead(jobID)
	}
	s.selected = &job
	s.name = name
	if s.state != AgentClaiming {
		s.setState(AgentClaiming, jobID, "job selected")
	}
	s.pending = "confirming"
	s.mu.Unlock()

	ref, err := s.deps.Wallet.ConfirmOrder(ctx, jobID)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = ""
		return models.AgentConfirmation{}, s.fail(err)
	}

	_, err = s.deps.Store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		switch j.Status {
		case models.JobStatusAvailable:
			if err := j.UpdateStatus(models.JobStatusConfirmed); err != nil {
				return err
			}
		case models.JobStatusConfirmed:
			// Another agent got here first; this write replaces theirs.
			s.deps.Logger.Warn("overwriting existing claim",
				zap.String("order_id", j.ID),
				zap.String("previous_agent", j.AgentName))
			j.LastStateChange = time.Now().UTC()
		default:
			return errJobClosed
		}
		j.AgentName = name
		j.AgentWallet = addr
		j.ConfirmationTxID = ref
		return nil
	})
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = ""
		switch {
		case errors.Is(err, storage.ErrJobNotFound):
			s.selected = nil
			s.setState(AgentBrowsing, jobID, "job vanished before claim")
			return models.AgentConfirmation{}, s.fail(apperr.StaleRead(jobID))
		case errors.Is(err, errJobClosed):
			s.selected = nil
			s.setState(AgentBrowsing, jobID, "job already completed")
			return models.AgentConfirmation{}, s.fail(apperr.StaleRead(jobID))
		}
		return models.AgentConfirmation{}, s.fail(err)
	}

	c := models.AgentConfirmation{
		ID:            uuid.NewString(),
		OrderID:       jobID,
		AgentName:     name,
		AgentWallet:   addr,
		Rating:        DefaultRating,
		PickupTime:    DefaultPickupTime,
		EstimatedTime: DefaultEstimatedTime,
		TxRef:         ref,
		ConfirmedAt:   time.Now().UTC(),
	}
	if err := s.deps.Store.AppendConfirmation(ctx, c); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = ""
		return models.AgentConfirmation{}, s.fail(err)
	}

	s.mu.Lock()
	s.pending = ""
	s.confirmation = &c
	s.selected.Status = models.JobStatusConfirmed
	s.selected.AgentName, s.selected.AgentWallet = name, addr
	s.lastErr = nil
	s.setState(AgentClaimed, jobID, "job claimed by "+name)
	s.mu.Unlock()

	s.deps.publish(ctx, broker.KindJobConfirmed, jobID, RoleAgent)
	if err := s.jobs.Refresh(ctx, s.deps.Store); err != nil {
		s.deps.Logger.Warn("jobs refresh after claim", zap.Error(err))
	}
	return c, nil
}

// Release drops the selected job and goes back to browsing.
func (s *AgentSession) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != "" {
		return apperr.Validation("state", s.pending+" in progress")
	}
	if s.state == AgentBrowsing {
		return nil
	}
	orderID := ""
	if s.selected != nil {
		orderID = s.selected.ID
	}
	s.selected, s.confirmation = nil, nil
	s.setState(AgentBrowsing, orderID, "back to browsing")
	return nil
}

// PollPayments re-reads the payment notifications addressed to this agent's
// wallet and returns how many are new since the last poll.
func (s *AgentSession) PollPayments(ctx context.Context) (int, error) {
	addr, ok := s.deps.Wallet.Address()
	if !ok {
		return 0, nil
	}
	all, err := s.deps.Store.ListPaymentNotifications(ctx)
	if err != nil {
		return 0, err
	}
	mine := make([]models.PaymentNotification, 0, len(all))
	for _, n := range all {
		if strings.EqualFold(n.AgentWallet, addr) {
			mine = append(mine, n)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := len(mine) - len(s.payments)
	if fresh < 0 {
		fresh = 0
	}
	for _, n := range mine[:fresh] {
		s.deps.Logger.Info("payment received",
			zap.String("order_id", n.OrderID),
			zap.Float64("amount", n.Amount),
			zap.String("currency", n.Currency))
	}
	s.payments = mine
	return fresh, nil
}

func (s *AgentSession) Payments() []models.PaymentNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PaymentNotification, len(s.payments))
	copy(out, s.payments)
	return out
}

// Start runs the jobs and payments sync loops until Stop.
func (s *AgentSession) Start(ctx context.Context, jobsSub, paymentsSub cache.Subscription) error {
	return s.loops.start(ctx, func(ctx context.Context) {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			s.jobs.StartAutoRefresh(ctx, s.deps.Store, jobsSub)
			return nil
		})
		g.Go(func() error {
			cache.Poll(ctx, paymentsSub, func(ctx context.Context) {
				if _, err := s.PollPayments(ctx); err != nil {
					s.deps.Logger.Warn("payments poll failed", zap.Error(err))
				}
			})
			return nil
		})
		_ = g.Wait()
	})
}

func (s *AgentSession) Stop() { s.loops.stop() }

func (s *AgentSession) State() AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *AgentSession) Snapshot() AgentView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := AgentView{
		State:       s.state,
		Pending:     s.pending,
		Name:        s.name,
		Registered:  s.registered,
		Payments:    len(s.payments),
		RefreshedAt: s.jobs.RefreshedAt(),
		LastError:   errString(s.lastErr),
	}
	v.Wallet, _ = s.deps.Wallet.Address()
	if s.selected != nil {
		j := *s.selected
		v.Selected = &j
	}
	if s.confirmation != nil {
		c := *s.confirmation
		v.Confirmation = &c
	}
	return v
}
