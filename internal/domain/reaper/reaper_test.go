package reaper

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/infra/clock"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

type recordingRemover struct {
	mu   sync.Mutex
	ids  []platform.Snowflake
	done chan struct{}
}

func (r *recordingRemover) ExpireNotifications(ctx context.Context, ids []platform.Snowflake, notifs []store.Notification) error {
	r.mu.Lock()
	r.ids = append(r.ids, ids...)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

// fakeClock fires its timer only when the test asks it to.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
}

type fakeTimer struct {
	ch chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
func (t *fakeTimer) Stop() bool          { return true }

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) NewTimer(time.Duration) clock.Timer {
	t := &fakeTimer{ch: make(chan time.Time, 1)}
	f.mu.Lock()
	f.timers = append(f.timers, t)
	f.mu.Unlock()
	return t
}

// fireLatest fires the most recently created timer. Run creates the timer
// inside its own goroutine, so this waits (up to a second) for one to exist.
func (f *fakeClock) fireLatest() {
	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		if len(f.timers) > 0 {
			f.timers[len(f.timers)-1].ch <- f.now
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReaperExpiresNotificationsPastCutoff(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now().UTC()
	lifetime := time.Hour

	oldMessage := platform.SnowflakeAtOrBefore(now.Add(-2 * lifetime))
	ctx := context.Background()
	if err := s.RecordNotifications(ctx, oldMessage, oldMessage+1, 1, []string{"rust"}); err != nil {
		t.Fatalf("RecordNotifications: %v", err)
	}

	remover := &recordingRemover{done: make(chan struct{}, 10)}
	fc := &fakeClock{now: now}
	r := New(s, remover, fc, lifetime)

	runCtx, cancel := context.WithCancel(context.Background())
	go r.Run(runCtx)
	defer cancel()

	fc.fireLatest()

	select {
	case <-remover.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the reaper to expire the old notification")
	}

	remover.mu.Lock()
	defer remover.mu.Unlock()
	if len(remover.ids) != 1 || remover.ids[0] != oldMessage+1 {
		t.Fatalf("expected reaper to expire notification %d, got %+v", oldMessage+1, remover.ids)
	}
}

func TestReaperNoopWithoutLifetime(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	remover := &recordingRemover{done: make(chan struct{}, 1)}
	r := New(s, remover, clock.Real, 0)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected Run to return immediately when no lifetime is configured")
	}
}
