// Package kv is the key/geo/pub-sub store every dispatch component shares.
//
// Single commands are atomic per key and Eval scripts are atomic across
// keys. Multi-key writes go through a Batch:
// Pipeline sends its commands together but other clients can observe any
// prefix of them; TxPipeline wraps them in MULTI/EXEC so they apply as one
// step on a single node. Anything that must be exclusive across several
// round trips takes a Lock.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNil is returned when a key or hash field does not exist.
var ErrNil = errors.New("kv: nil")

type GeoHit struct {
	Member         string
	Point          models.Coord
	DistanceMeters float64
}

type Message struct {
	Channel string
	Payload []byte
}

type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if it still holds expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Persist(ctx context.Context, key string) error
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	// Eval runs script atomically. A nil reply is ErrNil; integers come back
	// as int64 and bulk strings as string.
	Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	// HGetAll returns an empty map for a missing key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, v float64) (float64, error)

	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	// ZRangeByScore returns members with min <= score <= max in score order.
	// limit <= 0 means no limit.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)

	GeoAdd(ctx context.Context, key, member string, p models.Coord) error
	GeoRemove(ctx context.Context, key string, members ...string) error
	// GeoRadius returns members within radiusMeters of center, nearest first.
	GeoRadius(ctx context.Context, key string, center models.Coord, radiusMeters float64, count int) ([]GeoHit, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Pipeline batches writes without cross-key atomicity.
	Pipeline() Batch
	// TxPipeline batches writes that apply atomically.
	TxPipeline() Batch

	Ping(ctx context.Context) error
	Close() error
}

// Batch queues writes until Exec. Atomic reports which guarantee Exec gives.
type Batch interface {
	Atomic() bool

	Set(key string, value []byte, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	HIncrBy(key, field string, n int64)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	GeoAdd(key, member string, p models.Coord)
	GeoRemove(key string, members ...string)

	Exec(ctx context.Context) error
}
