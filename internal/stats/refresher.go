package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultRefreshTimeout = 30 * time.Second

// OverviewSource computes a fresh overview.
type OverviewSource interface {
	Overview(ctx context.Context) (Overview, error)
}

// RefresherConfig wires the refresher.
type RefresherConfig struct {
	Source OverviewSource
	// Interval of zero disables the schedule; Overview is then computed on every call.
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Refresher keeps the last successfully computed overview. A failed refresh leaves
// the previous snapshot in place.
type Refresher struct {
	source   OverviewSource
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	snapshot atomic.Pointer[Overview]
	failures atomic.Int64

	mu        sync.Mutex
	scheduler *cron.Cron
}

// NewRefresher constructs the refresher.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Source == nil {
		return nil, errors.New("stats: overview source required")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("stats: negative refresh interval %s", cfg.Interval)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		source:   cfg.Source,
		interval: cfg.Interval,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Refresh recomputes the snapshot.
func (r *Refresher) Refresh(ctx context.Context) error {
	refreshCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	overview, err := r.source.Overview(refreshCtx)
	if err != nil {
		r.failures.Add(1)
		r.logger.Warn("statistics refresh failed, keeping previous snapshot",
			zap.String("operation", "stats.refresh"),
			zap.Error(err))
		return err
	}
	r.snapshot.Store(&overview)
	return nil
}

// Start runs an initial refresh and schedules the next ones. It is a no-op when the
// interval is zero.
func (r *Refresher) Start(ctx context.Context) error {
	if r.interval == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return nil
	}

	_ = r.Refresh(ctx)

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := scheduler.AddFunc(spec, func() { _ = r.Refresh(ctx) }); err != nil {
		return fmt.Errorf("schedule statistics refresh: %w", err)
	}
	scheduler.Start()
	r.scheduler = scheduler
	r.logger.Info("statistics refresh scheduled", zap.Duration("interval", r.interval))
	return nil
}

// Stop halts the schedule and waits for a running refresh.
func (r *Refresher) Stop() {
	r.mu.Lock()
	scheduler := r.scheduler
	r.scheduler = nil
	r.mu.Unlock()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
}

// Overview returns the latest snapshot. Without a schedule, or before the first
// successful refresh, it computes one on demand.
func (r *Refresher) Overview(ctx context.Context) (Overview, error) {
	if r.interval > 0 {
		if snapshot := r.snapshot.Load(); snapshot != nil {
			return *snapshot, nil
		}
	}
	overview, err := r.source.Overview(ctx)
	if err != nil {
		return Overview{}, err
	}
	if r.interval > 0 {
		r.snapshot.Store(&overview)
	}
	return overview, nil
}

// Failures returns the number of failed refreshes.
func (r *Refresher) Failures() int64 {
	return r.failures.Load()
}
