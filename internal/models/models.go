package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusAvailable JobStatus = "available"
	JobStatusConfirmed JobStatus = "confirmed"
	JobStatusCompleted JobStatus = "completed"
)

func (s JobStatus) rank() int {
	switch s {
	case JobStatusAvailable:
		return 1
	case JobStatusConfirmed:
		return 2
	case JobStatusCompleted:
		return 3
	}
	return 0
}

// CanTransition reports whether a job may move from s to next.
// Status only moves forward, one step at a time.
func (s JobStatus) CanTransition(next JobStatus) bool {
	return next.rank() == s.rank()+1 && s.rank() > 0
}

type Job struct {
	ID               string    `json:"id"`
	CustomerPrompt   string    `json:"customerPrompt"`
	Restaurant       string    `json:"restaurant"`
	Dish             string    `json:"dish"`
	Quantity         int       `json:"quantity"`
	EstimatedPay     float64   `json:"estimatedPay"`
	PickupLocation   string    `json:"pickupLocation"`
	DropLocation     string    `json:"dropLocation"`
	TimePosted       string    `json:"timePosted"`
	Urgency          string    `json:"urgency"`
	CustomerName     string    `json:"customerName"`
	CustomerWallet   string    `json:"customerWallet"`
	Status           JobStatus `json:"status"`
	AgentName        string    `json:"agentName,omitempty"`
	AgentWallet      string    `json:"agentWallet,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ConfirmedAt      time.Time `json:"confirmedAt,omitempty"`
	CompletedAt      time.Time `json:"completedAt,omitempty"`
	LastStateChange  time.Time `json:"lastStateChange"`
	PaymentTxHash    string    `json:"paymentTxHash,omitempty"`
	ConfirmationTxID string    `json:"confirmationTx,omitempty"`
}

// UpdateStatus applies a guarded status transition and stamps the matching time.
func (j *Job) UpdateStatus(next JobStatus) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, next)
	}
	now := time.Now().UTC()
	j.Status = next
	j.LastStateChange = now
	switch next {
	case JobStatusConfirmed:
		j.ConfirmedAt = now
	case JobStatusCompleted:
		j.CompletedAt = now
	}
	return nil
}

// AgentConfirmation is the single-slot handoff telling a customer that an agent took the job.
type AgentConfirmation struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"orderId"`
	AgentName     string    `json:"agentName"`
	AgentWallet   string    `json:"agentWallet"`
	Rating        float64   `json:"rating"`
	PickupTime    string    `json:"pickupTime"`
	EstimatedTime string    `json:"estimatedTime"`
	TxRef         string    `json:"txRef,omitempty"`
	ConfirmedAt   time.Time `json:"confirmedAt"`
}

type OrderDetails struct {
	Restaurant string `json:"restaurant"`
	Dish       string `json:"dish"`
	Location   string `json:"location"`
}

type BlockchainData struct {
	BlockHeight    int64  `json:"blockHeight"`
	TransactionFee string `json:"transactionFee"`
	Confirmations  int    `json:"confirmations"`
}

// PaymentNotification is an append-only receipt read by agent sessions.
type PaymentNotification struct {
	ID             string         `json:"id"`
	OrderID        string         `json:"orderId"`
	CustomerName   string         `json:"customerName"`
	CustomerWallet string         `json:"customerWallet"`
	AgentName      string         `json:"agentName"`
	AgentWallet    string         `json:"agentWallet"`
	Amount         float64        `json:"amount"`
	Currency       string         `json:"currency"`
	TxHash         string         `json:"txHash"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         string         `json:"status"`
	OrderDetails   OrderDetails   `json:"orderDetails"`
	BlockchainData BlockchainData `json:"blockchainData"`
}

// ExtractedOrder is the structured result of reading a free-text order.
type ExtractedOrder struct {
	Restaurant       string  `json:"restaurant"`
	Dish             string  `json:"dish"`
	Quantity         int     `json:"quantity"`
	EstimatedPrice   float64 `json:"estimatedPrice"`
	DeliveryLocation string  `json:"deliveryLocation"`
	Urgency          string  `json:"urgency"`
}

// FindJob returns the index of the job with id, or -1.
func FindJob(jobs []Job, id string) int {
	for i := range jobs {
		if jobs[i].ID == id {
			return i
		}
	}
	return -1
}
