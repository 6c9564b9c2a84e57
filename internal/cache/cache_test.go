package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLister struct {
	mu    sync.Mutex
	jobs  []models.Job
	err   error
	calls int
}

func (f *fakeLister) ListJobs(context.Context) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Job, len(f.jobs))
	copy(out, f.jobs)
	return out, nil
}

func (f *fakeLister) set(jobs []models.Job, err error) {
	f.mu.Lock()
	f.jobs, f.err = jobs, err
	f.mu.Unlock()
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestJobsCache_Refresh(t *testing.T) {
	store := &fakeLister{jobs: []models.Job{
		{ID: "1", Status: models.JobStatusAvailable},
		{ID: "2", Status: models.JobStatusConfirmed},
		{ID: "3", Status: models.JobStatusAvailable},
	}}
	c := NewJobsCache(nil)
	assert.Empty(t, c.Get())
	assert.True(t, c.RefreshedAt().IsZero())

	require.NoError(t, c.Refresh(context.Background(), store))
	assert.Len(t, c.Get(), 3)

	avail := c.Available()
	require.Len(t, avail, 2)
	assert.Equal(t, "1", avail[0].ID)
	assert.Equal(t, "3", avail[1].ID)

	j, ok := c.Find("2")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusConfirmed, j.Status)
	_, ok = c.Find("42")
	assert.False(t, ok)
}

func TestJobsCache_RefreshErrorKeepsView(t *testing.T) {
	store := &fakeLister{jobs: []models.Job{{ID: "1", Status: models.JobStatusAvailable}}}
	c := NewJobsCache(nil)
	require.NoError(t, c.Refresh(context.Background(), store))

	store.set(nil, errors.New("disk gone"))
	assert.Error(t, c.Refresh(context.Background(), store))
	assert.Len(t, c.Get(), 1)
}

func TestJobsCache_GetReturnsCopy(t *testing.T) {
	store := &fakeLister{jobs: []models.Job{{ID: "1", Status: models.JobStatusAvailable}}}
	c := NewJobsCache(nil)
	require.NoError(t, c.Refresh(context.Background(), store))

	jobs := c.Get()
	jobs[0].Status = models.JobStatusCompleted
	assert.Len(t, c.Available(), 1)
}

func TestStartAutoRefresh(t *testing.T) {
	store := &fakeLister{}
	c := NewJobsCache(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.StartAutoRefresh(ctx, store, NewTicker(5*time.Millisecond))
	}()

	store.set([]models.Job{{ID: "7", Status: models.JobStatusAvailable}}, nil)
	assert.Eventually(t, func() bool { return len(c.Available()) == 1 }, time.Second, 5*time.Millisecond)

	store.set(nil, errors.New("temporary"))
	calls := store.callCount()
	assert.Eventually(t, func() bool { return store.callCount() > calls+1 }, time.Second, 5*time.Millisecond,
		"polling continues after a failed read")
	assert.Len(t, c.Available(), 1)

	cancel()
	<-done
}

func TestFromChannel(t *testing.T) {
	ch := make(chan string)
	sub := FromChannel(ch)

	ch <- "deliveryJobs"
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("no signal")
	}
	sub.Stop()
	sub.Stop()
}

func TestFromChannelClosed(t *testing.T) {
	ch := make(chan int)
	sub := FromChannel(ch)
	close(ch)
	sub.Stop()
}

func TestMerge(t *testing.T) {
	a := make(chan struct{})
	b := make(chan struct{})
	sub := Merge(FromChannel(a), FromChannel(b), NewTicker(time.Hour))

	b <- struct{}{}
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("no signal from merged source")
	}
	sub.Stop()
}

func TestPollStopsSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan int)
	var n int
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		Poll(ctx, FromChannel(ch), func(context.Context) {
			mu.Lock()
			n++
			mu.Unlock()
		})
	}()
	ch <- 1
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n == 1
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}
