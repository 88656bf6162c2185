package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Poller interface {
	Poll(ctx context.Context, limit int64) (int, error)
}

// DelayQueuePoll fires up to batch due jobs per run.
func DelayQueuePoll(q Poller, batch int64) Func {
	return func(ctx context.Context) error {
		_, err := q.Poll(ctx, batch)
		return err
	}
}

type Presence interface {
	StaleDrivers(ctx context.Context, before time.Time, limit int64) ([]string, error)
	Expire(ctx context.Context, driverIDs []string) (map[string][]string, error)
}

type Withdrawer interface {
	WithdrawDriver(ctx context.Context, orderID, driverID string) error
}

// PresenceSweep expires drivers silent for longer than staleAfter.
type PresenceSweep struct {
	Presence   Presence
	Offers     Withdrawer
	StaleAfter time.Duration
	Batch      int64
	Logger     *slog.Logger
	Now        func() time.Time
}

func (s PresenceSweep) Run(ctx context.Context) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids, err := s.Presence.StaleDrivers(ctx, now().Add(-s.StaleAfter), s.Batch)
	if err != nil || len(ids) == 0 {
		return err
	}
	removed, err := s.Presence.Expire(ctx, ids)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for driverID, offers := range removed {
		for _, orderID := range offers {
			if werr := s.Offers.WithdrawDriver(ctx, orderID, driverID); werr != nil {
				errs = append(errs, werr)
			}
		}
	}
	logger.InfoContext(ctx, "stale drivers expired", "count", len(removed))
	return errors.Join(errs...)
}

type Pruner interface {
	Prune() int
}

func RouteCachePrune(c Pruner) Func {
	return func(context.Context) error {
		c.Prune()
		return nil
	}
}
