package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
)

const (
	DefaultJobsInterval     = time.Second
	DefaultPaymentsInterval = 2 * time.Second
)

// Subscription delivers "something may have changed" signals. Signals
// coalesce: a slow reader sees at most one pending signal.
type Subscription interface {
	C() <-chan struct{}
	Stop()
}

type signal struct {
	c    chan struct{}
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	subs []Subscription
}

func newSignal() *signal {
	return &signal{c: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (s *signal) C() <-chan struct{} { return s.c }

func (s *signal) notify() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

func (s *signal) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		for _, sub := range s.subs {
			sub.Stop()
		}
	})
}

// NewTicker signals every interval.
func NewTicker(interval time.Duration) Subscription {
	s := newSignal()
	t := time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.notify()
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

// FromChannel signals once per value received on ch until ch is closed.
func FromChannel[T any](ch <-chan T) Subscription {
	s := newSignal()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				s.notify()
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

// Merge fans several subscriptions into one. Stopping the result stops all of them.
func Merge(subs ...Subscription) Subscription {
	s := newSignal()
	s.subs = subs
	for _, sub := range subs {
		s.wg.Add(1)
		go func(in <-chan struct{}) {
			defer s.wg.Done()
			for {
				select {
				case <-in:
					s.notify()
				case <-s.stop:
					return
				}
			}
		}(sub.C())
	}
	return s
}

// Poll calls fn on every signal of sub until ctx is done. sub is stopped on return.
func Poll(ctx context.Context, sub Subscription, fn func(context.Context)) {
	defer sub.Stop()
	for {
		select {
		case <-sub.C():
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

type JobLister interface {
	ListJobs(ctx context.Context) ([]models.Job, error)
}

// JobsCache is a session's derived, possibly stale copy of the job list.
type JobsCache struct {
	mu          sync.RWMutex
	jobs        []models.Job
	refreshedAt time.Time
	logger      *zap.Logger
}

func NewJobsCache(logger *zap.Logger) *JobsCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsCache{jobs: make([]models.Job, 0), logger: logger}
}

func (c *JobsCache) Refresh(ctx context.Context, store JobLister) error {
	jobs, err := store.ListJobs(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.jobs = jobs
	c.refreshedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *JobsCache) Get() []models.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Job, len(c.jobs))
	copy(out, c.jobs)
	return out
}

func (c *JobsCache) Available() []models.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		if j.Status == models.JobStatusAvailable {
			out = append(out, j)
		}
	}
	return out
}

func (c *JobsCache) Find(id string) (models.Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := models.FindJob(c.jobs, id); i >= 0 {
		return c.jobs[i], true
	}
	return models.Job{}, false
}

func (c *JobsCache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// StartAutoRefresh re-reads the store on every signal of sub until ctx is
// done. Failed reads keep the previous view.
func (c *JobsCache) StartAutoRefresh(ctx context.Context, store JobLister, sub Subscription) {
	Poll(ctx, sub, func(ctx context.Context) {
		if err := c.Refresh(ctx, store); err != nil {
			c.logger.Warn("jobs refresh failed", zap.Error(err))
		}
	})
}
