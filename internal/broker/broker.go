// Package broker carries change hints between sessions. Events never carry
// state: a receiver always re-reads the job store.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindJobPosted    Kind = "job_posted"
	KindJobConfirmed Kind = "job_confirmed"
	KindPaymentSent  Kind = "payment_sent"
)

type Event struct {
	Kind    Kind      `json:"kind"`
	OrderID string    `json:"orderId"`
	Role    string    `json:"role,omitempty"`
	At      time.Time `json:"at"`
}

func NewEvent(kind Kind, orderID, role string) Event {
	return Event{Kind: kind, OrderID: orderID, Role: role, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event. Sessions fall back to pure polling.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

func encode(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

func decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
