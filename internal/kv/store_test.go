package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func newStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1"}))
	require.NoError(t, s.Expire(ctx, "h", 30*time.Second))

	s.FastForward(45 * time.Second)
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
	ok, err := s.Exists(ctx, "h")
	require.NoError(t, err)
	assert.False(t, ok, "hash should have expired")

	s.FastForward(time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNil)
}

func TestStore_PersistClearsTTL(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.SAdd(ctx, "set", "a")
	require.NoError(t, err)
	require.NoError(t, s.Expire(ctx, "set", time.Second))
	require.NoError(t, s.Persist(ctx, "set"))

	s.FastForward(time.Hour)
	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestStore_SetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ok, err := s.SetNX(ctx, "lock", []byte("t1"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetNX(ctx, "lock", []byte("t2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := s.CompareAndDelete(ctx, "lock", []byte("t2"))
	require.NoError(t, err)
	assert.False(t, deleted, "wrong token must not delete")
	deleted, err = s.CompareAndDelete(ctx, "lock", []byte("t1"))
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestStore_SetsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	n, _ := s.SAdd(ctx, "driver:d1:offers", "o1", "o1", "o2")
	assert.EqualValues(t, 2, n)
	n, _ = s.SAdd(ctx, "driver:d1:offers", "o1")
	assert.EqualValues(t, 0, n)

	n, _ = s.SRem(ctx, "driver:d1:offers", "o1", "o2")
	assert.EqualValues(t, 2, n)
	ok, _ := s.Exists(ctx, "driver:d1:offers")
	assert.False(t, ok, "empty set is removed")
}

func TestStore_ZRangeByScore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.ZAdd(ctx, "z", 3, "c"))
	require.NoError(t, s.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, s.ZAdd(ctx, "z", 2, "b"))

	got, err := s.ZRangeByScore(ctx, "z", 0, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = s.ZRangeByScore(ctx, "z", 0, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
}

func TestStore_GeoRadius(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	center := models.Coord{Lat: 52.5200, Lon: 13.4050}
	require.NoError(t, s.GeoAdd(ctx, "g", "near", models.Coord{Lat: 52.5210, Lon: 13.4050}))
	require.NoError(t, s.GeoAdd(ctx, "g", "mid", models.Coord{Lat: 52.5300, Lon: 13.4050}))
	require.NoError(t, s.GeoAdd(ctx, "g", "far", models.Coord{Lat: 52.6200, Lon: 13.4050}))

	hits, err := s.GeoRadius(ctx, "g", center, 2000, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].Member)
	assert.Equal(t, "mid", hits[1].Member)
	assert.InDelta(t, 111, hits[0].DistanceMeters, 2)

	// moving a member replaces its old position
	require.NoError(t, s.GeoAdd(ctx, "g", "far", models.Coord{Lat: 52.5201, Lon: 13.4050}))
	hits, err = s.GeoRadius(ctx, "g", center, 2000, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "far", hits[0].Member)

	require.NoError(t, s.GeoRemove(ctx, "g", "far", "near", "mid"))
	hits, err = s.GeoRadius(ctx, "g", center, 2000, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStore_BatchAtomicity(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Pipeline().Atomic())
	assert.True(t, s.TxPipeline().Atomic())

	ctx := context.Background()
	b := s.TxPipeline()
	b.Set("a", []byte("1"), 0)
	b.SAdd("s", "x")
	b.HIncrBy("h", "n", 2)
	b.GeoAdd("g", "m", models.Coord{Lat: 1, Lon: 1})
	require.NoError(t, b.Exec(ctx))

	v, _ := s.HGet(ctx, "h", "n")
	assert.Equal(t, "2", v)
	ok, _ := s.SIsMember(ctx, "s", "x")
	assert.True(t, ok)
}

func TestStore_PubSub(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sub, err := s.Subscribe(ctx, "driver:d1:event")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "driver:d1:event", []byte(`{"type":"x"}`)))
	require.NoError(t, s.Publish(ctx, "driver:d2:event", []byte(`ignored`)))

	select {
	case m := <-sub.Messages():
		assert.Equal(t, "driver:d1:event", m.Channel)
		assert.JSONEq(t, `{"type":"x"}`, string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected a message")
	}
	require.NoError(t, sub.Close())
	_, open := <-sub.Messages()
	assert.False(t, open)
}

func TestStore_SubscriptionCloseWithoutReader(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sub, err := s.Subscribe(ctx, "rider:r1:event")
	require.NoError(t, err)

	// more than the buffer holds, nobody reading
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Publish(ctx, "rider:r1:event", []byte("x")))
	}
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-sub.Messages():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("subscription pump still running after Close")
		}
	}
}

var incrIfExists = NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
end
return nil
`)

var hget = NewScript(`return redis.call("HGET", KEYS[1], ARGV[1])`)

func TestStore_Eval(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Eval(ctx, incrIfExists, []string{"h"}, "n")
	assert.ErrorIs(t, err, ErrNil)
	ok, _ := s.Exists(ctx, "h")
	assert.False(t, ok, "script must not create the hash")

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"n": "4"}))
	v, err := s.Eval(ctx, incrIfExists, []string{"h"}, "n")
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	v, err = s.Eval(ctx, hget, []string{"h"}, "n")
	require.NoError(t, err)
	assert.Equal(t, "5", v)
}

func TestAcquireLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	l, err := AcquireLock(ctx, s, "ride_offer:o1:lock", time.Second, 1, 0)
	require.NoError(t, err)

	_, err = AcquireLock(ctx, s, "ride_offer:o1:lock", time.Second, 2, time.Millisecond)
	assert.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, l.Release(ctx))
	l2, err := AcquireLock(ctx, s, "ride_offer:o1:lock", time.Second, 1, 0)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestAcquireLock_ConcurrentHoldersNeverOverlap(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := AcquireLock(ctx, s, "k", time.Second, 50, time.Millisecond)
			if err != nil {
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			_ = l.Release(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
