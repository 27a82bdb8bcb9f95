// Package reaper is a timer-driven loop that, only when a notification
// lifetime is configured, periodically replaces and deletes notifications
// older than that lifetime in small bounded batches, trading latency for a
// bounded platform-API rate.
package reaper

import (
	"context"
	"time"

	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/infra/clock"
	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// batchSize bounds how many notifications are fetched and replaced per
// inner-loop iteration.
const batchSize = 5

// batchPause is the fixed pause between inner-loop iterations.
const batchPause = 2 * time.Second

// Remover is the subset of the Reconciler the Reaper needs: replacing a
// notification with the expired placeholder and removing its row(s). Kept
// as an interface so the Reaper can be tested without a live platform
// Gateway.
type Remover interface {
	ExpireNotifications(ctx context.Context, notificationMessages []platform.Snowflake, notifs []store.Notification) error
}

// Reaper runs the periodic sweep.
type Reaper struct {
	store    *store.Store
	remover  Remover
	clock    clock.Clock
	lifetime time.Duration
}

// New builds a Reaper. lifetime is the configured notification lifetime;
// Run is a no-op if lifetime is zero.
func New(s *store.Store, remover Remover, c clock.Clock, lifetime time.Duration) *Reaper {
	return &Reaper{store: s, remover: remover, clock: c, lifetime: lifetime}
}

// Run blocks, ticking every min(lifetime/2, 1 hour), until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	if r.lifetime <= 0 {
		return
	}

	interval := r.lifetime / 2
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval <= 0 {
		interval = time.Minute
	}

	timer := r.clock.NewTimer(interval)
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			r.sweep(ctx)
			timer = r.clock.NewTimer(interval)
		}
	}
}

// sweep performs one full tick: repeatedly fetch, expire, and delete
// batches until a batch comes back empty.
func (r *Reaper) sweep(ctx context.Context) {
	cutoff := platform.SnowflakeAtOrBefore(r.clock.Now().Add(-r.lifetime))

	for {
		batch, err := r.store.NotificationsBefore(ctx, batchSize, cutoff)
		if err != nil {
			logger.Errorf("reaper: fetch batch: %v", err)
			return
		}
		if len(batch) == 0 {
			return
		}

		ids := distinctNotificationMessages(batch)
		if err := r.remover.ExpireNotifications(ctx, ids, batch); err != nil {
			logger.Errorf("reaper: expire batch: %v", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(batchPause):
		}
	}
}

func distinctNotificationMessages(notifs []store.Notification) []platform.Snowflake {
	seen := make(map[platform.Snowflake]bool, len(notifs))
	var out []platform.Snowflake
	for _, n := range notifs {
		if !seen[n.NotificationMessage] {
			seen[n.NotificationMessage] = true
			out = append(out, n.NotificationMessage)
		}
	}
	return out
}
