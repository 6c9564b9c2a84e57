package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
)

const (
	KeyJobs          = "deliveryJobs"
	KeyConfirmations = "agentConfirmations"
	KeyPayments      = "agentPayments"
)

var Keys = []string{KeyJobs, KeyConfirmations, KeyPayments}

// KV is a durable key-value area shared by every session.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Locker is implemented by KVs that can run a read-modify-write of one key atomically.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(value []byte, ok bool) ([]byte, error)) error
}

var ErrJobNotFound = errors.New("job not found")

// Store exposes the three named collections over a KV.
// Writes replace whole lists: the last writer wins and concurrent updates are lost,
// unless the KV implements Locker and the caller goes through UpdateJob.
type Store struct {
	kv     KV
	atomic bool
}

type Option func(*Store)

// WithAtomicUpdates routes UpdateJob through the KV's Locker when it has one.
func WithAtomicUpdates() Option {
	return func(s *Store) { s.atomic = true }
}

func New(kv KV, opts ...Option) *Store {
	s := &Store{kv: kv}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) KV() KV { return s.kv }

func readList[T any](ctx context.Context, kv KV, key string) ([]T, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || len(raw) == 0 {
		return []T{}, nil
	}
	var list []T
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if list == nil {
		list = []T{}
	}
	return list, nil
}

func writeList[T any](ctx context.Context, kv KV, key string, list []T) error {
	if list == nil {
		list = []T{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context) ([]models.Job, error) {
	return readList[models.Job](ctx, s.kv, KeyJobs)
}

func (s *Store) SaveJobs(ctx context.Context, jobs []models.Job) error {
	return writeList(ctx, s.kv, KeyJobs, jobs)
}

// InsertJob puts job at the head of the list (most recent first).
func (s *Store) InsertJob(ctx context.Context, job models.Job) error {
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return err
	}
	if models.FindJob(jobs, job.ID) >= 0 {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return s.SaveJobs(ctx, append([]models.Job{job}, jobs...))
}

// UpdateJob applies fn to the job with id and persists the full list.
// Returns ErrJobNotFound without writing anything when the job is absent.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (models.Job, error) {
	var updated models.Job
	apply := func(jobs []models.Job) ([]models.Job, error) {
		i := models.FindJob(jobs, id)
		if i < 0 {
			return nil, ErrJobNotFound
		}
		if err := fn(&jobs[i]); err != nil {
			return nil, err
		}
		updated = jobs[i]
		return jobs, nil
	}

	if locker, ok := s.kv.(Locker); ok && s.atomic {
		err := locker.WithLock(ctx, KeyJobs, func(raw []byte, ok bool) ([]byte, error) {
			var jobs []models.Job
			if ok && len(raw) > 0 {
				if err := json.Unmarshal(raw, &jobs); err != nil {
					return nil, fmt.Errorf("decode %s: %w", KeyJobs, err)
				}
			}
			jobs, err := apply(jobs)
			if err != nil {
				return nil, err
			}
			return json.Marshal(jobs)
		})
		return updated, err
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return models.Job{}, err
	}
	jobs, err = apply(jobs)
	if err != nil {
		return models.Job{}, err
	}
	return updated, s.SaveJobs(ctx, jobs)
}

// AppendConfirmation stores c as the only pending confirmation.
// The slot holds one record: a second append before a take overwrites the first.
func (s *Store) AppendConfirmation(ctx context.Context, c models.AgentConfirmation) error {
	return writeList(ctx, s.kv, KeyConfirmations, []models.AgentConfirmation{c})
}

// TakeConfirmation pops the pending confirmation, if any, and clears the slot.
func (s *Store) TakeConfirmation(ctx context.Context) (*models.AgentConfirmation, error) {
	list, err := readList[models.AgentConfirmation](ctx, s.kv, KeyConfirmations)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	if err := s.kv.Delete(ctx, KeyConfirmations); err != nil {
		return nil, fmt.Errorf("clear %s: %w", KeyConfirmations, err)
	}
	c := list[len(list)-1]
	return &c, nil
}

// TakeConfirmationFor pops the pending confirmation only when it belongs to
// orderID or carries no order id. A record for another order stays in the slot.
// With atomic updates and a Locker the check and the clear happen in one lock;
// otherwise a mismatched record taken in a race is written back.
func (s *Store) TakeConfirmationFor(ctx context.Context, orderID string) (*models.AgentConfirmation, error) {
	mine := func(c models.AgentConfirmation) bool {
		return c.OrderID == "" || c.OrderID == orderID
	}

	if locker, ok := s.kv.(Locker); ok && s.atomic {
		var taken *models.AgentConfirmation
		err := locker.WithLock(ctx, KeyConfirmations, func(raw []byte, ok bool) ([]byte, error) {
			var list []models.AgentConfirmation
			if ok && len(raw) > 0 {
				if err := json.Unmarshal(raw, &list); err != nil {
					return nil, fmt.Errorf("decode %s: %w", KeyConfirmations, err)
				}
			}
			if len(list) == 0 || !mine(list[len(list)-1]) {
				if !ok {
					return []byte("[]"), nil
				}
				return raw, nil
			}
			c := list[len(list)-1]
			taken = &c
			return []byte("[]"), nil
		})
		return taken, err
	}

	c, err := s.TakeConfirmation(ctx)
	if err != nil || c == nil {
		return nil, err
	}
	if !mine(*c) {
		if err := s.AppendConfirmation(ctx, *c); err != nil {
			return nil, fmt.Errorf("restore confirmation for %s: %w", c.OrderID, err)
		}
		return nil, nil
	}
	return c, nil
}

// PeekConfirmation reads the pending confirmation without consuming it.
func (s *Store) PeekConfirmation(ctx context.Context) (*models.AgentConfirmation, error) {
	list, err := readList[models.AgentConfirmation](ctx, s.kv, KeyConfirmations)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	c := list[len(list)-1]
	return &c, nil
}

// AppendPaymentNotification prepends n; notifications are never removed.
func (s *Store) AppendPaymentNotification(ctx context.Context, n models.PaymentNotification) error {
	list, err := readList[models.PaymentNotification](ctx, s.kv, KeyPayments)
	if err != nil {
		return err
	}
	return writeList(ctx, s.kv, KeyPayments, append([]models.PaymentNotification{n}, list...))
}

func (s *Store) ListPaymentNotifications(ctx context.Context) ([]models.PaymentNotification, error) {
	return readList[models.PaymentNotification](ctx, s.kv, KeyPayments)
}

// Reset removes every collection.
func (s *Store) Reset(ctx context.Context) error {
	var errs error
	for _, k := range Keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			errs = errors.Join(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errs
}
