package kv

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Script is a Lua script run by Eval. Redis executes it as one step.
type Script struct {
	s *redis.Script
}

func NewScript(src string) *Script { return &Script{s: redis.NewScript(src)} }

// RedisStore implements Store on a single Redis node.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisStore{client: c}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(c *redis.Client) *RedisStore { return &RedisStore{client: c} }

func nilErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	return err
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	return b, nilErr(err)
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.client, []string{key}, string(expected)).Int64()
	if err != nil {
		return false, nilErr(err)
	}
	return n == 1, nil
}

func (r *RedisStore) Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	v, err := script.s.Run(ctx, r.client, keys, args...).Result()
	return v, nilErr(err)
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return r.client.Del(ctx, keys...).Result()
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n == 1, err
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisStore) Persist(ctx context.Context, key string) error {
	return r.client.Persist(ctx, key).Err()
}

func (r *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return r.client.IncrBy(ctx, key, n).Result()
}

func fieldArgs(fields map[string]string) []interface{} {
	args := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func memberArgs(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.client.HSet(ctx, key, fieldArgs(fields)...).Err()
}

func (r *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	return v, nilErr(err)
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return r.client.HDel(ctx, key, fields...).Err()
}

func (r *RedisStore) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	return r.client.HIncrBy(ctx, key, field, n).Result()
}

func (r *RedisStore) HIncrByFloat(ctx context.Context, key, field string, v float64) (float64, error) {
	return r.client.HIncrByFloat(ctx, key, field, v).Result()
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	return r.client.SAdd(ctx, key, memberArgs(members)...).Result()
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	return r.client.SRem(ctx, key, memberArgs(members)...).Result()
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	return r.client.ZRem(ctx, key, memberArgs(members)...).Result()
}

func scoreArg(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (r *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{Min: scoreArg(min), Max: scoreArg(max)}
	if limit > 0 {
		opt.Count = limit
	}
	return r.client.ZRangeByScore(ctx, key, opt).Result()
}

func (r *RedisStore) GeoAdd(ctx context.Context, key, member string, p models.Coord) error {
	return r.client.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: member}).Err()
}

// GeoRemove uses ZREM since a geo set is a sorted set.
func (r *RedisStore) GeoRemove(ctx context.Context, key string, members ...string) error {
	_, err := r.ZRem(ctx, key, members...)
	return err
}

func (r *RedisStore) GeoRadius(ctx context.Context, key string, center models.Coord, radiusMeters float64, count int) ([]GeoHit, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC"}
	if count > 0 {
		q.Count = count
	}
	res, err := r.client.GeoRadius(ctx, key, center.Lon, center.Lat, q).Result()
	if err != nil {
		return nil, nilErr(err)
	}
	out := make([]GeoHit, 0, len(res))
	for _, g := range res {
		out = append(out, GeoHit{
			Member:         g.Name,
			Point:          models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMeters: g.Dist,
		})
	}
	return out, nil
}

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channels...)
	// wait for the subscription confirmation so no publish is missed after return
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSub{ps: ps, ch: make(chan Message, 64), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

func (r *RedisStore) Pipeline() Batch   { return &redisBatch{p: r.client.Pipeline()} }
func (r *RedisStore) TxPipeline() Batch { return &redisBatch{p: r.client.TxPipeline(), atomic: true} }

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
func (r *RedisStore) Close() error                   { return r.client.Close() }

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

// pump exits on Close even when nobody drains Messages.
func (s *redisSub) pump() {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Messages() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

type redisBatch struct {
	p      redis.Pipeliner
	atomic bool
}

func (b *redisBatch) Atomic() bool { return b.atomic }

// queued is passed while building the batch; Pipeliner only uses the
// context given to Exec.
var queued = context.Background()

func (b *redisBatch) Set(key string, value []byte, ttl time.Duration) { b.p.Set(queued, key, value, ttl) }
func (b *redisBatch) Del(keys ...string) {
	if len(keys) > 0 {
		b.p.Del(queued, keys...)
	}
}
func (b *redisBatch) Expire(key string, ttl time.Duration) { b.p.Expire(queued, key, ttl) }
func (b *redisBatch) HSet(key string, fields map[string]string) {
	if len(fields) > 0 {
		b.p.HSet(queued, key, fieldArgs(fields)...)
	}
}
func (b *redisBatch) HDel(key string, fields ...string)  { b.p.HDel(queued, key, fields...) }
func (b *redisBatch) HIncrBy(key, field string, n int64) { b.p.HIncrBy(queued, key, field, n) }
func (b *redisBatch) SAdd(key string, members ...string) {
	if len(members) > 0 {
		b.p.SAdd(queued, key, memberArgs(members)...)
	}
}
func (b *redisBatch) SRem(key string, members ...string) {
	if len(members) > 0 {
		b.p.SRem(queued, key, memberArgs(members)...)
	}
}
func (b *redisBatch) ZAdd(key string, score float64, member string) {
	b.p.ZAdd(queued, key, redis.Z{Score: score, Member: member})
}
func (b *redisBatch) ZRem(key string, members ...string) {
	if len(members) > 0 {
		b.p.ZRem(queued, key, memberArgs(members)...)
	}
}
func (b *redisBatch) GeoAdd(key, member string, p models.Coord) {
	b.p.GeoAdd(queued, key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: member})
}
func (b *redisBatch) GeoRemove(key string, members ...string) { b.ZRem(key, members...) }

func (b *redisBatch) Exec(ctx context.Context) error {
	if b.p.Len() == 0 {
		return nil
	}
	_, err := b.p.Exec(ctx)
	return nilErr(err)
}
