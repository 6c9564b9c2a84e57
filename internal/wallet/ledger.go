package wallet

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

type OrderState string

const (
	OrderPosted    OrderState = "Posted"
	OrderConfirmed OrderState = "Confirmed"
	OrderCompleted OrderState = "Completed"
)

type LedgerOrder struct {
	ID       string
	Customer string
	Agent    string
	Request  OrderRequest
	State    OrderState
	Created  time.Time
}

type Transaction struct {
	ID          string
	From        string
	To          string
	Amount      float64
	Currency    string
	BlockHeight int64
	Fee         float64
	Memo        string
	Timestamp   time.Time
}

type LedgerConfig struct {
	Chain          Chain
	InitialBalance float64
	FeePercent     float64
	TxFee          float64
}

// Ledger is an in-memory demo chain shared by every simulated identity.
// It tracks balances, orders and a transaction history; it does not validate
// job status, which stays the job store's business.
type Ledger struct {
	mu          sync.Mutex
	cfg         LedgerConfig
	balances    map[string]float64
	agents      map[string]string
	orders      map[string]*LedgerOrder
	txs         []Transaction
	nextOrderID int64
	blockHeight int64
}

func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.Chain == "" {
		cfg.Chain = ChainETH
	}
	if cfg.TxFee == 0 {
		cfg.TxFee = 0.0001
	}
	return &Ledger{
		cfg:         cfg,
		balances:    make(map[string]float64),
		agents:      make(map[string]string),
		orders:      make(map[string]*LedgerOrder),
		nextOrderID: time.Now().UnixMilli(),
		blockHeight: 5_000_000 + rand.Int63n(1_000_000),
	}
}

func (l *Ledger) Chain() Chain { return l.cfg.Chain }

// Open derives the address for seed and funds it on first use.
func (l *Ledger) Open(seed []byte) string {
	addr := DeriveAddress(l.cfg.Chain, seed)
	l.mu.Lock()
	if _, ok := l.balances[addr]; !ok {
		l.balances[addr] = l.cfg.InitialBalance
	}
	l.mu.Unlock()
	return addr
}

func (l *Ledger) known(addr string) bool {
	_, ok := l.balances[addr]
	return ok
}

func (l *Ledger) record(from, to string, amount float64, memo string) Transaction {
	l.blockHeight++
	tx := Transaction{
		ID:          NewTxRef(),
		From:        from,
		To:          to,
		Amount:      amount,
		Currency:    l.cfg.Chain.Currency(),
		BlockHeight: l.blockHeight,
		Fee:         l.cfg.TxFee,
		Memo:        memo,
		Timestamp:   time.Now().UTC(),
	}
	l.txs = append(l.txs, tx)
	return tx
}

func (l *Ledger) RegisterAgent(_ context.Context, caller, name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known(caller) {
		return "", ErrNotConnected
	}
	if name == "" {
		return "", fmt.Errorf("agent name is required")
	}
	l.agents[caller] = name
	return l.record(caller, caller, 0, "register agent "+name).ID, nil
}

func (l *Ledger) PostOrder(_ context.Context, caller string, req OrderRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known(caller) {
		return "", ErrNotConnected
	}
	if req.Amount <= 0 {
		return "", fmt.Errorf("order amount must be positive")
	}
	id := strconv.FormatInt(l.nextOrderID, 10)
	l.nextOrderID++
	l.orders[id] = &LedgerOrder{
		ID:       id,
		Customer: caller,
		Request:  req,
		State:    OrderPosted,
		Created:  time.Now().UTC(),
	}
	l.record(caller, "", 0, "post order "+id)
	return id, nil
}

// ConfirmOrder assigns caller as the order's agent. Orders posted outside this
// ledger are accepted as-is.
func (l *Ledger) ConfirmOrder(_ context.Context, caller, orderID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known(caller) {
		return "", ErrNotConnected
	}
	if o, ok := l.orders[orderID]; ok {
		if o.State == OrderCompleted {
			return "", fmt.Errorf("order %s is already paid", orderID)
		}
		o.Agent = caller
		o.State = OrderConfirmed
	}
	return l.record(caller, "", 0, "confirm order "+orderID).ID, nil
}

func (l *Ledger) PayAgent(_ context.Context, caller string, req PaymentRequest) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known(caller) {
		return Receipt{}, ErrNotConnected
	}
	if req.PayeeAddress == "" {
		return Receipt{}, ErrNoPayee
	}
	if req.Amount <= 0 {
		return Receipt{}, fmt.Errorf("payment amount must be positive")
	}
	fee := req.Amount*l.cfg.FeePercent/100 + l.cfg.TxFee
	if l.balances[caller] < req.Amount+fee {
		return Receipt{}, ErrInsufficientFunds
	}
	l.balances[caller] -= req.Amount + fee
	l.balances[req.PayeeAddress] += req.Amount
	if o, ok := l.orders[req.OrderID]; ok {
		o.State = OrderCompleted
		if o.Agent == "" {
			o.Agent = req.PayeeAddress
		}
	}
	tx := l.record(caller, req.PayeeAddress, req.Amount, "payment for order "+req.OrderID)
	return Receipt{
		TxRef:         tx.ID,
		BlockHeight:   tx.BlockHeight,
		Fee:           strconv.FormatFloat(fee, 'f', -1, 64),
		Confirmations: rand.Intn(10) + 1,
		Currency:      tx.Currency,
	}, nil
}

func (l *Ledger) Balance(_ context.Context, caller string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[caller]
	if !ok {
		return 0, ErrNotConnected
	}
	return b, nil
}

func (l *Ledger) Order(id string) (LedgerOrder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return LedgerOrder{}, false
	}
	return *o, true
}

func (l *Ledger) AgentName(addr string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.agents[addr]
}

// Transactions returns the history of addr, oldest first.
func (l *Ledger) Transactions(addr string) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Transaction
	for _, tx := range l.txs {
		if tx.From == addr || tx.To == addr {
			out = append(out, tx)
		}
	}
	return out
}

func (l *Ledger) FeePercent() float64 { return l.cfg.FeePercent }
