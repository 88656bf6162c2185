package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/kv/kvtest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

type fakeWithdrawer struct {
	mu    sync.Mutex
	calls [][2]string
}

func (f *fakeWithdrawer) WithdrawDriver(_ context.Context, orderID, driverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{orderID, driverID})
	return nil
}

func TestPresenceSweepWithdrawsPendingOffers(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := kvtest.NewStore(t)
	reg := presence.NewRegistry(store, presence.DefaultConfig(), nil).WithClock(func() time.Time { return now })

	for _, id := range []string{"old", "fresh"} {
		require.NoError(t, reg.MakeOnline(ctx, models.DriverSnapshot{
			ID: id, Location: models.Coord{Lat: 52.52, Lon: 13.405}, ServiceIDs: []string{"taxi"},
		}))
		now = now.Add(10 * time.Minute)
	}
	b := store.Pipeline()
	reg.QueuePendingOffer(b, "old", "o1")
	require.NoError(t, b.Exec(ctx))

	w := &fakeWithdrawer{}
	sweep := PresenceSweep{Presence: reg, Offers: w, StaleAfter: 15 * time.Minute, Batch: 10, Now: func() time.Time { return now }}
	require.NoError(t, sweep.Run(ctx))

	assert.Equal(t, [][2]string{{"o1", "old"}}, w.calls)
	_, err := reg.GetDriver(ctx, "old")
	assert.Error(t, err)
	_, err = reg.GetDriver(ctx, "fresh")
	assert.NoError(t, err)
}

type fakePoller struct {
	limit int64
	err   error
}

func (p *fakePoller) Poll(_ context.Context, limit int64) (int, error) {
	p.limit = limit
	return 0, p.err
}

func TestDelayQueuePoll(t *testing.T) {
	p := &fakePoller{err: errors.New("redis down")}
	err := DelayQueuePoll(p, 50)(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(50), p.limit)
}

type countingPruner struct{ n int }

func (c *countingPruner) Prune() int { c.n++; return 0 }

func TestManagerRejectsBadSpec(t *testing.T) {
	m := NewManager(nil, time.Second)
	assert.Error(t, m.Add("bad", "not a spec", func(context.Context) error { return nil }))

	c := &countingPruner{}
	require.NoError(t, m.Add("prune", "*/1 * * * * *", RouteCachePrune(c)))
	m.run("prune", RouteCachePrune(c))
	assert.Equal(t, 1, c.n)
}
