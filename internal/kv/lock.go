package kv

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLockBusy means another holder kept the lock for every attempt.
var ErrLockBusy = errors.New("kv: lock busy")

const maxLockBackoff = 100 * time.Millisecond

// Lock is a token lock: SET NX to take it, compare-and-delete to release it,
// so a holder whose TTL lapsed cannot release a successor's lock.
type Lock struct {
	store Store
	key   string
	token []byte
}

// AcquireLock tries up to attempts times, doubling delay between tries.
func AcquireLock(ctx context.Context, s Store, key string, ttl time.Duration, attempts int, delay time.Duration) (*Lock, error) {
	if attempts < 1 {
		attempts = 1
	}
	token := []byte(uuid.NewString())
	for i := 0; i < attempts; i++ {
		ok, err := s.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{store: s, key: key, token: token}, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxLockBackoff {
			delay = maxLockBackoff
		}
	}
	return nil, ErrLockBusy
}

func (l *Lock) Key() string { return l.key }

// Release drops the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.store.CompareAndDelete(ctx, l.key, l.token)
	return err
}
