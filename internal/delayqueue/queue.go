// Package delayqueue schedules named jobs to run after a delay. Jobs live in
// the kv store: a sorted set scored by fire time plus a payload hash, both
// keyed by job id, so re-enqueueing an id replaces the earlier job and
// cancelling removes it before it fires.
//
// A poller claims a due job by pushing its fire time one lease ahead in a
// single script, so a job is never handed to two pollers and a poller that
// dies mid-job leaves it to fire again. The payload is removed only once
// the handler succeeds; a failed job is rescheduled with a growing delay
// until its attempts run out. Both steps leave a job alone if it was
// replaced in the meantime.
package delayqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	defaultLease       = 30 * time.Second
	defaultMaxAttempts = 5
	defaultRetryDelay  = time.Second
	maxRetryDelay      = time.Minute
)

// KEYS: schedule, payload. ARGV: id, now, lease deadline. Returns the body,
// or 0 when the job is not claimable.
var claimScript = kv.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
	return 0
end
local body = redis.call("HGET", KEYS[2], ARGV[1])
if not body then
	redis.call("ZREM", KEYS[1], ARGV[1])
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return body
`)

// KEYS: schedule, payload. ARGV: id, claimed body.
var ackScript = kv.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[1], ARGV[1])
return 1
`)

// KEYS: schedule, payload. ARGV: id, claimed body, retry body, retry time.
var retryScript = kv.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[1])
return 1
`)

// Job is a fired job handed to its handler.
type Job struct {
	ID      string
	Name    string
	Payload []byte
}

type Handler func(ctx context.Context, job Job) error

// envelope is the stored job. Token tells two enqueues of one id apart.
type envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Token   string          `json:"token"`
	Attempt int             `json:"attempt,omitempty"`
}

type Queue struct {
	store  kv.Store
	name   string
	logger *slog.Logger
	now    func() time.Time

	lease       time.Duration
	maxAttempts int
	retryDelay  time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(store kv.Store, name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:       store,
		name:        name,
		logger:      logger.With("component", "delayqueue", "queue", name),
		now:         time.Now,
		lease:       defaultLease,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		handlers:    make(map[string]Handler),
	}
}

// WithRetry sets how often a failing job runs in total and the delay before
// its first retry; the delay doubles per attempt up to a minute.
func (q *Queue) WithRetry(maxAttempts int, delay time.Duration) *Queue {
	if maxAttempts > 0 {
		q.maxAttempts = maxAttempts
	}
	if delay > 0 {
		q.retryDelay = delay
	}
	return q
}

// WithLease sets how long a claimed job stays hidden from other pollers.
func (q *Queue) WithLease(d time.Duration) *Queue {
	if d > 0 {
		q.lease = d
	}
	return q
}

// WithClock replaces the queue clock.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) scheduleKey() string { return "delayq:" + q.name }
func (q *Queue) payloadKey() string  { return "delayq:" + q.name + ":payload" }

// Handle registers the handler for jobs named name.
func (q *Queue) Handle(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Enqueue schedules name with payload to fire after delay. An existing job
// with the same jobID is replaced.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, jobID string, delay time.Duration) error {
	if jobID == "" {
		return errors.New("delayqueue: job id is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", jobID, err)
	}
	env, err := json.Marshal(envelope{Name: name, Payload: raw, Token: uuid.NewString()})
	if err != nil {
		return err
	}
	fireAt := q.now().Add(delay)
	b := q.store.TxPipeline()
	b.HSet(q.payloadKey(), map[string]string{jobID: string(env)})
	b.ZAdd(q.scheduleKey(), float64(fireAt.UnixMilli()), jobID)
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Cancel removes a scheduled job. Cancelling an unknown or fired job is not an error.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	b := q.store.TxPipeline()
	b.ZRem(q.scheduleKey(), jobID)
	b.HDel(q.payloadKey(), jobID)
	return b.Exec(ctx)
}

// Pending reports whether jobID is still scheduled.
func (q *Queue) Pending(ctx context.Context, jobID string) (bool, error) {
	_, err := q.store.HGet(ctx, q.payloadKey(), jobID)
	if errors.Is(err, kv.ErrNil) {
		return false, nil
	}
	return err == nil, err
}

// Poll runs up to limit due jobs and returns how many it claimed.
func (q *Queue) Poll(ctx context.Context, limit int64) (int, error) {
	now := q.now()
	due, err := q.store.ZRangeByScore(ctx, q.scheduleKey(), math.Inf(-1), float64(now.UnixMilli()), limit)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}
	claimed := 0
	for _, id := range due {
		keys := []string{q.scheduleKey(), q.payloadKey()}
		v, err := q.store.Eval(ctx, claimScript, keys, id, now.UnixMilli(), now.Add(q.lease).UnixMilli())
		if err != nil {
			return claimed, fmt.Errorf("claim job %s: %w", id, err)
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		claimed++
		q.run(ctx, id, raw)
	}
	return claimed, nil
}

func (q *Queue) run(ctx context.Context, id, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.logger.ErrorContext(ctx, "undecodable job dropped", "job_id", id, "err", err)
		observability.DelayJobsHandled.WithLabelValues("unknown", "invalid").Inc()
		q.ack(ctx, id, raw)
		return
	}
	q.mu.RLock()
	h, ok := q.handlers[env.Name]
	q.mu.RUnlock()
	if !ok {
		q.logger.WarnContext(ctx, "no handler for job", "job_id", id, "job", env.Name)
		observability.DelayJobsHandled.WithLabelValues(env.Name, "unhandled").Inc()
		q.ack(ctx, id, raw)
		return
	}
	err := h(ctx, Job{ID: id, Name: env.Name, Payload: env.Payload})
	if err == nil {
		observability.DelayJobsHandled.WithLabelValues(env.Name, "ok").Inc()
		q.ack(ctx, id, raw)
		return
	}

	env.Attempt++
	if env.Attempt >= q.maxAttempts {
		q.logger.ErrorContext(ctx, "job failed, giving up", "job_id", id, "job", env.Name, "attempts", env.Attempt, "err", err)
		observability.DelayJobsHandled.WithLabelValues(env.Name, "dropped").Inc()
		q.ack(ctx, id, raw)
		return
	}
	q.logger.WarnContext(ctx, "job failed, retrying", "job_id", id, "job", env.Name, "attempt", env.Attempt, "err", err)
	observability.DelayJobsHandled.WithLabelValues(env.Name, "error").Inc()
	q.retry(ctx, id, raw, env)
}

// ack removes a finished job unless it was replaced while running.
func (q *Queue) ack(ctx context.Context, id, raw string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := q.store.Eval(ctx, ackScript, []string{q.scheduleKey(), q.payloadKey()}, id, raw); err != nil {
		q.logger.ErrorContext(ctx, "remove finished job", "job_id", id, "err", err)
	}
}

func (q *Queue) retry(ctx context.Context, id, raw string, env envelope) {
	ctx = context.WithoutCancel(ctx)
	next, err := json.Marshal(env)
	if err != nil {
		q.logger.ErrorContext(ctx, "encode job retry", "job_id", id, "err", err)
		return
	}
	at := q.now().Add(q.backoff(env.Attempt))
	keys := []string{q.scheduleKey(), q.payloadKey()}
	if _, err := q.store.Eval(ctx, retryScript, keys, id, raw, string(next), at.UnixMilli()); err != nil {
		// the lease still brings the job back
		q.logger.ErrorContext(ctx, "reschedule failed job", "job_id", id, "err", err)
	}
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.retryDelay
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
