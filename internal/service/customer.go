package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/apperr"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/audit"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/broker"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/cache"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/storage"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

type CustomerState string

const (
	CustomerIdle                 CustomerState = "idle"
	CustomerExtracting           CustomerState = "extracting"
	CustomerReviewing            CustomerState = "reviewing"
	CustomerPosted               CustomerState = "posted"
	CustomerAwaitingConfirmation CustomerState = "awaiting_confirmation"
	CustomerConfirmed            CustomerState = "confirmed"
	CustomerPaying               CustomerState = "paying"
	CustomerCompleted            CustomerState = "completed"
	CustomerError                CustomerState = "error"
)

const DefaultCustomerName = "John Doe"

// CustomerView is a point-in-time copy of a customer session.
type CustomerView struct {
	State        CustomerState               `json:"state"`
	Pending      string                      `json:"pending,omitempty"`
	Wallet       string                      `json:"wallet,omitempty"`
	Prompt       string                      `json:"prompt,omitempty"`
	Location     string                      `json:"location,omitempty"`
	Extracted    *models.ExtractedOrder      `json:"extracted,omitempty"`
	Job          *models.Job                 `json:"job,omitempty"`
	Confirmation *models.AgentConfirmation   `json:"confirmation,omitempty"`
	Payment      *models.PaymentNotification `json:"payment,omitempty"`
	LastError    string                      `json:"lastError,omitempty"`
}

// CustomerSession drives one customer's order from prompt to payment.
type CustomerSession struct {
	deps Deps
	name string
	loops

	mu           sync.Mutex
	state        CustomerState
	pending      string
	prompt       string
	location     string
	extracted    *models.ExtractedOrder
	job          *models.Job
	confirmation *models.AgentConfirmation
	payment      *models.PaymentNotification
	lastErr      error
}

func NewCustomerSession(deps Deps, name string) *CustomerSession {
	deps.defaults()
	if strings.TrimSpace(name) == "" {
		name = DefaultCustomerName
	}
	return &CustomerSession{
		deps:  deps,
		name:  name,
		state: CustomerIdle,
	}
}

// setState must be called with mu held.
func (s *CustomerSession) setState(next CustomerState, orderID, msg string) {
	prev := s.state
	s.state = next
	s.deps.Audit.Log(audit.AuditLog{
		Session:  RoleCustomer,
		OrderID:  orderID,
		OldState: string(prev),
		NewState: string(next),
		Message:  msg,
	})
	s.deps.Logger.Debug("customer state",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("order_id", orderID))
}

func (s *CustomerSession) fail(err error) error {
	s.lastErr = err
	return err
}

func (s *CustomerSession) ConnectWallet(ctx context.Context) (string, error) {
	addr, err := s.deps.Wallet.Connect(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return "", s.fail(err)
	}
	s.lastErr = nil
	s.deps.Logger.Info("customer wallet connected", zap.String("address", addr))
	return addr, nil
}

func (s *CustomerSession) connectedWallet() (string, error) {
	addr, ok := s.deps.Wallet.Address()
	if !ok {
		return "", apperr.Connectivity("connect a wallet first")
	}
	return addr, nil
}

// Submit runs extraction for a new order. It is accepted from idle, error or
// completed; a finished order is replaced by the new one.
func (s *CustomerSession) Submit(ctx context.Context, prompt, location string) (models.ExtractedOrder, error) {
	prompt, location = strings.TrimSpace(prompt), strings.TrimSpace(location)

	s.mu.Lock()
	if prompt == "" {
		s.mu.Unlock()
		return models.ExtractedOrder{}, apperr.Validation("prompt", "describe what you want to order")
	}
	if location == "" {
		s.mu.Unlock()
		return models.ExtractedOrder{}, apperr.Validation("location", "delivery location is required")
	}
	if _, err := s.connectedWallet(); err != nil {
		s.mu.Unlock()
		return models.ExtractedOrder{}, err
	}
	switch s.state {
	case CustomerIdle, CustomerError, CustomerCompleted:
	default:
		st := s.state
		s.mu.Unlock()
		return models.ExtractedOrder{}, apperr.Validation("state", "an order is already in progress ("+string(st)+")")
	}
	prev := s.state
	s.setState(CustomerExtracting, "", "extracting order")
	s.mu.Unlock()

	order, err := s.deps.Extractor.Extract(ctx, prompt, location)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		kind := apperr.KindGeneric
		if errors.Is(err, context.Canceled) {
			kind = apperr.KindCancelled
		}
		s.setState(prev, "", "extraction failed")
		return models.ExtractedOrder{}, s.fail(apperr.Service("extract", kind, err))
	}
	s.prompt, s.location = prompt, location
	s.extracted = &order
	s.job, s.confirmation, s.payment, s.lastErr = nil, nil, nil, nil
	s.setState(CustomerReviewing, "", "order extracted")
	return order, nil
}

// Review returns the extracted order awaiting confirmation.
func (s *CustomerSession) Review() (models.ExtractedOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CustomerReviewing || s.extracted == nil {
		return models.ExtractedOrder{}, false
	}
	return *s.extracted, true
}

// Cancel drops the reviewed order and returns to idle.
func (s *CustomerSession) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CustomerReviewing || s.pending != "" {
		return apperr.Validation("state", "nothing to cancel")
	}
	s.extracted = nil
	s.setState(CustomerIdle, "", "order discarded")
	return nil
}

// ConfirmOrder posts the reviewed order to the wallet and publishes it as an
// available job. pickup defaults to the restaurant.
func (s *CustomerSession) ConfirmOrder(ctx context.Context, pickup string) (models.Job, error) {
	s.mu.Lock()
	if s.state != CustomerReviewing || s.extracted == nil {
		s.mu.Unlock()
		return models.Job{}, apperr.Validation("state", "no order to confirm")
	}
	if s.pending != "" {
		s.mu.Unlock()
		return models.Job{}, apperr.Validation("state", s.pending+" in progress")
	}
	addr, err := s.connectedWallet()
	if err != nil {
		s.mu.Unlock()
		return models.Job{}, err
	}
	order := *s.extracted
	prompt := s.prompt
	name := s.name
	s.pending = "posting"
	s.mu.Unlock()

	if pickup = strings.TrimSpace(pickup); pickup == "" {
		pickup = order.Restaurant
	}
	orderID, err := s.deps.Wallet.PostOrder(ctx, wallet.OrderRequest{
		Restaurant:     order.Restaurant,
		Dish:           order.Dish,
		Quantity:       order.Quantity,
		PickupLocation: pickup,
		DropLocation:   order.DeliveryLocation,
		Amount:         order.EstimatedPrice,
	})

	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = ""
		return models.Job{}, s.fail(err)
	}
	if orderID == "" {
		orderID = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:              orderID,
		CustomerPrompt:  prompt,
		Restaurant:      order.Restaurant,
		Dish:            order.Dish,
		Quantity:        order.Quantity,
		EstimatedPay:    order.EstimatedPrice,
		PickupLocation:  pickup,
		DropLocation:    order.DeliveryLocation,
		TimePosted:      "Just now",
		Urgency:         order.Urgency,
		CustomerName:    name,
		CustomerWallet:  addr,
		Status:          models.JobStatusAvailable,
		CreatedAt:       now,
		LastStateChange: now,
	}
	err = s.deps.Store.InsertJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = ""
	if err != nil {
		s.setState(CustomerError, orderID, "job not saved")
		return models.Job{}, s.fail(err)
	}
	s.job = &job
	s.lastErr = nil
	s.setState(CustomerPosted, orderID, "job posted")
	s.deps.publish(ctx, broker.KindJobPosted, orderID, RoleCustomer)
	s.setState(CustomerAwaitingConfirmation, orderID, "waiting for an agent")
	return job, nil
}

// PollConfirmation consumes the pending agent confirmation when it belongs to
// this session's job. A confirmation for another order is left in the slot.
func (s *CustomerSession) PollConfirmation(ctx context.Context) (*models.AgentConfirmation, error) {
	s.mu.Lock()
	if s.state != CustomerAwaitingConfirmation || s.job == nil {
		s.mu.Unlock()
		return nil, nil
	}
	orderID := s.job.ID
	s.mu.Unlock()

	peek, err := s.deps.Store.PeekConfirmation(ctx)
	if err != nil || peek == nil {
		return nil, err
	}
	if peek.OrderID != "" && peek.OrderID != orderID {
		s.deps.Logger.Debug("confirmation for another order", zap.String("order_id", peek.OrderID))
		return nil, nil
	}
	// The slot may have changed since the peek.
	c, err := s.deps.Store.TakeConfirmationFor(ctx, orderID)
	if err != nil || c == nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CustomerAwaitingConfirmation {
		return nil, nil
	}
	s.confirmation = c
	s.job.AgentName = c.AgentName
	s.job.AgentWallet = c.AgentWallet
	if err := s.job.UpdateStatus(models.JobStatusConfirmed); err != nil {
		s.deps.Logger.Warn("local job copy", zap.Error(err))
	}
	s.setState(CustomerConfirmed, orderID, "agent "+c.AgentName+" confirmed")
	return c, nil
}

// Pay settles the order with the confirmed agent.
func (s *CustomerSession) Pay(ctx context.Context) (models.PaymentNotification, error) {
	s.mu.Lock()
	if s.state != CustomerConfirmed || s.confirmation == nil || s.job == nil {
		s.mu.Unlock()
		return models.PaymentNotification{}, apperr.Validation("confirmation", "no agent has confirmed this order yet")
	}
	if s.confirmation.AgentWallet == "" {
		s.mu.Unlock()
		return models.PaymentNotification{}, s.fail(apperr.Validation("payee", "agent confirmation has no wallet address"))
	}
	addr, err := s.connectedWallet()
	if err != nil {
		s.mu.Unlock()
		return models.PaymentNotification{}, err
	}
	job := *s.job
	conf := *s.confirmation
	s.setState(CustomerPaying, job.ID, "payment started")
	s.mu.Unlock()

	receipt, err := s.deps.Wallet.PayAgent(ctx, wallet.PaymentRequest{
		OrderID:      job.ID,
		Amount:       job.EstimatedPay,
		PayeeAddress: conf.AgentWallet,
	})
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.setState(CustomerConfirmed, job.ID, "payment failed: "+string(apperr.KindOf(err)))
		return models.PaymentNotification{}, s.fail(err)
	}

	currency := receipt.Currency
	if currency == "" {
		currency = s.deps.Wallet.Currency()
	}
	n := models.PaymentNotification{
		ID:             uuid.NewString(),
		OrderID:        job.ID,
		CustomerName:   job.CustomerName,
		CustomerWallet: addr,
		AgentName:      conf.AgentName,
		AgentWallet:    conf.AgentWallet,
		Amount:         job.EstimatedPay,
		Currency:       currency,
		TxHash:         receipt.TxRef,
		Timestamp:      time.Now().UTC(),
		Status:         "received",
		OrderDetails: models.OrderDetails{
			Restaurant: job.Restaurant,
			Dish:       job.Dish,
			Location:   job.DropLocation,
		},
		BlockchainData: models.BlockchainData{
			BlockHeight:    receipt.BlockHeight,
			TransactionFee: receipt.Fee,
			Confirmations:  receipt.Confirmations,
		},
	}

	if err := s.deps.Store.AppendPaymentNotification(ctx, n); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.setState(CustomerError, job.ID, "payment notification not saved")
		return n, s.fail(err)
	}
	_, err = s.deps.Store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status == models.JobStatusAvailable {
			j.AgentName, j.AgentWallet = conf.AgentName, conf.AgentWallet
			if err := j.UpdateStatus(models.JobStatusConfirmed); err != nil {
				return err
			}
		}
		if err := j.UpdateStatus(models.JobStatusCompleted); err != nil {
			return err
		}
		j.PaymentTxHash = receipt.TxRef
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		s.deps.Logger.Warn("paid job is gone from the store", zap.String("order_id", job.ID))
	case err != nil:
		s.setState(CustomerError, job.ID, "completed job not saved")
		return n, s.fail(err)
	}
	if err := s.job.UpdateStatus(models.JobStatusCompleted); err != nil {
		s.deps.Logger.Warn("local job copy", zap.Error(err))
	}
	s.job.PaymentTxHash = receipt.TxRef
	s.payment = &n
	s.lastErr = nil
	s.setState(CustomerCompleted, job.ID, "order paid")
	s.deps.publish(ctx, broker.KindPaymentSent, job.ID, RoleCustomer)
	s.deps.Logger.Info("payment sent",
		zap.String("order_id", job.ID),
		zap.String("tx", wallet.ShortRef(receipt.TxRef)),
		zap.Float64("amount", job.EstimatedPay))
	return n, nil
}

// Start polls for the agent confirmation on every signal of sub until Stop.
func (s *CustomerSession) Start(ctx context.Context, sub cache.Subscription) error {
	return s.loops.start(ctx, func(ctx context.Context) {
		cache.Poll(ctx, sub, func(ctx context.Context) {
			if _, err := s.PollConfirmation(ctx); err != nil {
				s.deps.Logger.Warn("confirmation poll failed", zap.Error(err))
			}
		})
	})
}

func (s *CustomerSession) Stop() { s.loops.stop() }

func (s *CustomerSession) State() CustomerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CustomerSession) Snapshot() CustomerView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := CustomerView{
		State:     s.state,
		Pending:   s.pending,
		Prompt:    s.prompt,
		Location:  s.location,
		LastError: errString(s.lastErr),
	}
	v.Wallet, _ = s.deps.Wallet.Address()
	if s.extracted != nil {
		e := *s.extracted
		v.Extracted = &e
	}
	if s.job != nil {
		j := *s.job
		v.Job = &j
	}
	if s.confirmation != nil {
		c := *s.confirmation
		v.Confirmation = &c
	}
	if s.payment != nil {
		p := *s.payment
		v.Payment = &p
	}
	return v
}
