// Package retention prunes readings past the configured horizon so the
// database stays bounded on long-running installations.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Store is the bulk-delete primitive; satisfied by *store.Readings.
type Store interface {
	DeleteOlderThan(ctx context.Context, horizon time.Time) (int64, error)
}

// Task deletes readings older than Days once per sweep interval.
type Task struct {
	store Store
	days  int
	every time.Duration
	log   zerolog.Logger
}

// New builds a task sweeping hourly. days <= 0 disables the task.
func New(st Store, days int, log zerolog.Logger) *Task {
	return &Task{
		store: st,
		days:  days,
		every: time.Hour,
		log:   log.With().Str("component", "retention").Logger(),
	}
}

// Run sweeps until ctx ends. The first sweep happens shortly after start so
// an instance restarted after downtime catches up quickly.
func (t *Task) Run(ctx context.Context) {
	if t.days <= 0 {
		t.log.Info().Msg("retention disabled")
		return
	}
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.sweep(ctx)
			timer.Reset(t.every)
		}
	}
}

func (t *Task) sweep(ctx context.Context) {
	horizon := time.Now().UTC().AddDate(0, 0, -t.days)
	n, err := t.store.DeleteOlderThan(ctx, horizon)
	if err != nil {
		t.log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if n > 0 {
		t.log.Info().Int64("deleted", n).Time("horizon", horizon).Msg("pruned old readings")
	}
}
