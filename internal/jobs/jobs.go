// Package jobs runs the periodic background work of the dispatch service on
// github.com/robfig/cron/v3 with second-resolution specs:
//
//   - delay queue poll: fires due offer timeouts
//   - presence sweep: expires drivers that stopped reporting and withdraws
//     them from the offers they were holding
//   - route cache prune: drops expired routing results
//
// A run that is still going when its next tick arrives is skipped.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Func is one run of a job.
type Func func(ctx context.Context) error

// Manager owns the cron scheduler.
type Manager struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
	names   []string
}

func NewManager(logger *slog.Logger, timeout time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logger.With("component", "jobs"),
		timeout: timeout,
	}
}

// Add schedules fn under spec.
func (m *Manager) Add(name, spec string, fn Func) error {
	_, err := m.cron.AddFunc(spec, func() { m.run(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	m.names = append(m.names, name)
	return nil
}

func (m *Manager) run(name string, fn Func) {
	ctx := context.Background()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := fn(ctx); err != nil {
		m.logger.ErrorContext(ctx, "job failed", "job", name, "err", err)
	}
}

func (m *Manager) Start() {
	m.cron.Start()
	m.logger.Info("jobs started", "jobs", m.names)
}

// Stop waits for running jobs to return or ctx to end.
func (m *Manager) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
	m.logger.Info("jobs stopped")
}
