// Package reaper releases escrow holds that were never settled.
//
// A hold normally lives for the duration of one upstream request. If the
// gateway crashes or a client disconnects before Settle or Release runs,
// the hold would keep reducing the wallet's effective balance forever. The
// reaper periodically releases every open hold older than a timeout.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer releases open holds created before a cutoff. *wallet.Escrow
// satisfies it.
type Expirer interface {
	ExpireOpen(ctx context.Context, cutoff time.Time) (int, error)
}

// Config configures a Reaper.
type Config struct {
	// Schedule is a standard 5-field cron expression. Empty disables the
	// schedule; RunOnce still works.
	Schedule string

	// HoldTimeout is the age after which an open hold is released.
	HoldTimeout time.Duration
}

// Reaper runs escrow expiry on a cron schedule.
type Reaper struct {
	expirer Expirer
	config  Config
	cron    *cron.Cron
	now     func() time.Time
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// New creates a reaper. It does not start until Start is called.
func New(expirer Expirer, cfg Config) *Reaper {
	return &Reaper{
		expirer: expirer,
		config:  cfg,
		cron:    cron.New(),
		now:     time.Now,
		logger:  slog.Default().With("component", "wallet.reaper"),
	}
}

// RunOnce releases every open hold older than HoldTimeout and returns how
// many were released.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	if r.config.HoldTimeout <= 0 {
		return 0, fmt.Errorf("hold timeout must be positive, got %s", r.config.HoldTimeout)
	}
	cutoff := r.now().Add(-r.config.HoldTimeout)
	return r.expirer.ExpireOpen(ctx, cutoff)
}

// Start schedules RunOnce according to Config.Schedule. The reaper stops
// when ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.Schedule == "" {
		r.logger.Info("reaper schedule not configured, skipping")
		return nil
	}
	if r.running {
		return nil
	}

	if _, err := cron.ParseStandard(r.config.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", r.config.Schedule, err)
	}
	if _, err := r.cron.AddFunc(r.config.Schedule, func() { r.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}

	r.cron.Start()
	r.running = true

	r.logger.Info("escrow reaper started",
		"schedule", r.config.Schedule,
		"hold_timeout", r.config.HoldTimeout,
	)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	return nil
}

func (r *Reaper) run(ctx context.Context) {
	released, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Error("escrow reaper run failed", "released", released, "error", err)
		return
	}
	if released > 0 {
		r.logger.Info("escrow reaper released stale holds", "released", released)
	} else {
		r.logger.Debug("escrow reaper found no stale holds")
	}
}

// Stop stops the schedule and waits for a running pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		<-r.cron.Stop().Done()
		r.running = false
		r.logger.Info("escrow reaper stopped")
	}
}

// IsRunning reports whether the schedule is active.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// NextRun returns the next scheduled pass, or nil when not scheduled.
func (r *Reaper) NextRun() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
