package delayqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/kv/kvtest"
)

type timeout struct {
	OrderID string
	Round   int
}

func newQueue(t *testing.T) (*Queue, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	q := New(kvtest.NewStore(t), "test", nil)
	q.WithClock(func() time.Time { return now })
	return q, &now
}

func TestEnqueuePollRunsDueJobsOnly(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)
	var got []timeout
	q.Handle("offer-timeout", func(_ context.Context, j Job) error {
		var p timeout
		require.NoError(t, json.Unmarshal(j.Payload, &p))
		got = append(got, p)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, "offer-timeout", timeout{"o1", 1}, "t:o1", 10*time.Second))
	require.NoError(t, q.Enqueue(ctx, "offer-timeout", timeout{"o2", 1}, "t:o2", time.Minute))

	n, err := q.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(11 * time.Second)
	n, err = q.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []timeout{{"o1", 1}}, got)

	pending, err := q.Pending(ctx, "t:o1")
	require.NoError(t, err)
	assert.False(t, pending)
	pending, _ = q.Pending(ctx, "t:o2")
	assert.True(t, pending)
}

func TestEnqueueSameIDReplaces(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)
	var rounds []int
	q.Handle("offer-timeout", func(_ context.Context, j Job) error {
		var p timeout
		_ = json.Unmarshal(j.Payload, &p)
		rounds = append(rounds, p.Round)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, "offer-timeout", timeout{"o1", 1}, "t:o1", 5*time.Second))
	require.NoError(t, q.Enqueue(ctx, "offer-timeout", timeout{"o1", 2}, "t:o1", 30*time.Second))

	*now = now.Add(10 * time.Second)
	n, _ := q.Poll(ctx, 0)
	assert.Zero(t, n, "rescheduled job must not fire at the old time")

	*now = now.Add(30 * time.Second)
	_, _ = q.Poll(ctx, 0)
	assert.Equal(t, []int{2}, rounds)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)
	fired := false
	q.Handle("x", func(context.Context, Job) error { fired = true; return nil })

	require.NoError(t, q.Enqueue(ctx, "x", nil, "j1", time.Second))
	require.NoError(t, q.Cancel(ctx, "j1"))
	require.NoError(t, q.Cancel(ctx, "j1"))

	*now = now.Add(time.Minute)
	_, err := q.Poll(ctx, 0)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestHandlerErrorDoesNotStopPoll(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)
	var ran []string
	q.Handle("x", func(_ context.Context, j Job) error {
		ran = append(ran, j.ID)
		return errors.New("boom")
	})
	require.NoError(t, q.Enqueue(ctx, "x", nil, "a", 0))
	require.NoError(t, q.Enqueue(ctx, "x", nil, "b", 0))
	require.NoError(t, q.Enqueue(ctx, "unregistered", nil, "c", 0))
	*now = now.Add(time.Millisecond)

	n, err := q.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"a", "b"}, ran)

	pending, _ := q.Pending(ctx, "c")
	assert.False(t, pending, "job without handler is dropped")
}

func TestFailedJobIsRetriedWithBackoff(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)
	q.WithRetry(3, time.Second)
	calls := 0
	q.Handle("x", func(context.Context, Job) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, q.Enqueue(ctx, "x", nil, "j1", 0))

	*now = now.Add(time.Millisecond)
	_, _ = q.Poll(ctx, 0)
	assert.Equal(t, 1, calls)
	pending, _ := q.Pending(ctx, "j1")
	assert.True(t, pending, "failed job stays scheduled")

	n, _ := q.Poll(ctx, 0)
	assert.Zero(t, n, "retry waits for its delay")

	*now = now.Add(time.Second)
	_, _ = q.Poll(ctx, 0)
	assert.Equal(t, 2, calls)

	*now = now.Add(time.Second)
	n, _ = q.Poll(ctx, 0)
	assert.Zero(t, n, "second retry waits twice as long")

	*now = now.Add(time.Second)
	_, _ = q.Poll(ctx, 0)
	assert.Equal(t, 3, calls)
	pending, _ = q.Pending(ctx, "j1")
	assert.False(t, pending)
}

func TestFailedJobGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)
	q.WithRetry(2, time.Second)
	calls := 0
	q.Handle("x", func(context.Context, Job) error { calls++; return errors.New("down") })
	require.NoError(t, q.Enqueue(ctx, "x", nil, "j1", 0))

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Minute)
		_, _ = q.Poll(ctx, 0)
	}
	assert.Equal(t, 2, calls)
	pending, _ := q.Pending(ctx, "j1")
	assert.False(t, pending)
}

func TestJobReplacedWhileRunningIsKept(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)
	var rounds []int
	q.Handle("offer-timeout", func(ctx context.Context, j Job) error {
		var p timeout
		_ = json.Unmarshal(j.Payload, &p)
		rounds = append(rounds, p.Round)
		if p.Round == 1 {
			// the next round re-arms the same timer, then this run fails
			require.NoError(t, q.Enqueue(ctx, "offer-timeout", timeout{"o1", 2}, "t:o1", 30*time.Second))
			return errors.New("late failure")
		}
		return nil
	})
	require.NoError(t, q.Enqueue(ctx, "offer-timeout", timeout{"o1", 1}, "t:o1", 0))

	*now = now.Add(time.Millisecond)
	_, _ = q.Poll(ctx, 0)
	*now = now.Add(5 * time.Second)
	n, _ := q.Poll(ctx, 0)
	assert.Zero(t, n, "retry of the old round must not override the new timer")

	*now = now.Add(30 * time.Second)
	_, _ = q.Poll(ctx, 0)
	assert.Equal(t, []int{1, 2}, rounds)
}

func TestClaimedJobRefiresAfterLease(t *testing.T) {
	ctx := context.Background()
	store := kvtest.NewStore(t)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	// a poller that claims and then never finishes
	stuck := New(store, "shared", nil).WithClock(clock).WithLease(10 * time.Second)
	release := make(chan struct{})
	started := make(chan struct{})
	stuck.Handle("x", func(context.Context, Job) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, stuck.Enqueue(ctx, "x", nil, "j1", 0))
	now = now.Add(time.Millisecond)
	go func() { _, _ = stuck.Poll(ctx, 0) }()
	<-started
	defer close(release)

	other := New(store, "shared", nil).WithClock(clock)
	var runs int
	other.Handle("x", func(context.Context, Job) error { runs++; return nil })

	n, err := other.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "claimed job is hidden during its lease")

	now = now.Add(11 * time.Second)
	n, err = other.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, runs)
}

// rescheduleStore re-enqueues a job right after the poller listed it as due.
type rescheduleStore struct {
	kv.Store
	hook func()
}

func (s *rescheduleStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	ids, err := s.Store.ZRangeByScore(ctx, key, min, max, limit)
	if s.hook != nil {
		s.hook()
		s.hook = nil
	}
	return ids, err
}

func TestJobRescheduledAfterListingIsNotRunEarly(t *testing.T) {
	ctx := context.Background()
	store := &rescheduleStore{Store: kvtest.NewStore(t)}
	now := time.Unix(1_700_000_000, 0)
	q := New(store, "test", nil).WithClock(func() time.Time { return now })
	var rounds []int
	q.Handle("offer-timeout", func(_ context.Context, j Job) error {
		var p timeout
		_ = json.Unmarshal(j.Payload, &p)
		rounds = append(rounds, p.Round)
		return nil
	})
	require.NoError(t, q.Enqueue(ctx, "offer-timeout", timeout{"o1", 1}, "t:o1", 0))
	store.hook = func() {
		require.NoError(t, q.Enqueue(ctx, "offer-timeout", timeout{"o1", 2}, "t:o1", 30*time.Second))
	}

	now = now.Add(time.Millisecond)
	n, err := q.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rounds, "the new round keeps its full window")

	now = now.Add(30 * time.Second)
	_, _ = q.Poll(ctx, 0)
	assert.Equal(t, []int{2}, rounds)
}

func TestConcurrentPollersRunJobOnce(t *testing.T) {
	ctx := context.Background()
	store := kvtest.NewStore(t)
	now := time.Unix(1_700_000_000, 0)
	var runs atomic.Int32

	queues := make([]*Queue, 4)
	for i := range queues {
		queues[i] = New(store, "shared", nil).WithClock(func() time.Time { return now })
		queues[i].Handle("x", func(context.Context, Job) error { runs.Add(1); return nil })
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, queues[0].Enqueue(ctx, "x", i, "job-"+string(rune('a'+i)), 0))
	}
	now = now.Add(time.Second)

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			_, _ = q.Poll(ctx, 0)
		}(q)
	}
	wg.Wait()
	assert.Equal(t, int32(20), runs.Load())
}
