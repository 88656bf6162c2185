package kv

import (
	"fmt"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const memoryTick = time.Second

// MemoryStore is a RedisStore talking to an in-process miniredis server,
// used for local runs without Redis and for tests. Keys expire as wall time
// passes; FastForward moves the server clock on demand.
type MemoryStore struct {
	*RedisStore
	srv  *miniredis.Miniredis
	stop chan struct{}
	once sync.Once
}

func NewMemoryStore() (*MemoryStore, error) {
	srv := miniredis.NewMiniRedis()
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("start embedded redis: %w", err)
	}
	m := &MemoryStore{
		RedisStore: NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: srv.Addr()})),
		srv:        srv,
		stop:       make(chan struct{}),
	}
	go m.tick()
	return m, nil
}

// miniredis only expires keys when its clock is advanced.
func (m *MemoryStore) tick() {
	t := time.NewTicker(memoryTick)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.srv.FastForward(now.Sub(last))
			last = now
		}
	}
}

// FastForward expires every key whose TTL ends within d.
func (m *MemoryStore) FastForward(d time.Duration) { m.srv.FastForward(d) }

func (m *MemoryStore) Close() error {
	var err error
	m.once.Do(func() {
		close(m.stop)
		err = m.RedisStore.Close()
		m.srv.Close()
	})
	return err
}
