package patience

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

// fakeClock hands out timers that fire only when the test explicitly tells
// them to, so patience timeouts are deterministic.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	ch      chan time.Time
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
func (t *fakeTimer) Stop() bool          { t.stopped = true; return true }

func (f *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (f *fakeClock) NewTimer(time.Duration) clock.Timer {
	t := &fakeTimer{ch: make(chan time.Time, 1)}
	f.mu.Lock()
	f.timers = append(f.timers, t)
	f.mu.Unlock()
	return t
}

// fireLatest fires the most recently created timer. Spawn creates the timer
// inside its own goroutine, so this waits (up to a second) for one to exist.
func (f *fakeClock) fireLatest() {
	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		if len(f.timers) > 0 {
			f.timers[len(f.timers)-1].ch <- time.Unix(0, 0)
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

// recordingDeliverer captures every Deliver call.
type recordingDeliverer struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{done: make(chan struct{}, 10)}
}

func (d *recordingDeliverer) Deliver(context.Context, platform.Snowflake, platform.Snowflake, platform.Snowflake, platform.Snowflake, []string, string) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	d.done <- struct{}{}
	return nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPatienceFiresAfterTimeout(t *testing.T) {
	s := openTestStore(t)
	fc := &fakeClock{}
	deliverer := newRecordingDeliverer()
	cache := NewMessageCache()
	ctl := New(cache, s, deliverer, fc, time.Minute)

	msg := platform.MessageCreate{MessageID: 1, ChannelID: 100, GuildID: 10, AuthorID: 2, Content: "i like rust"}
	ctl.Spawn(context.Background(), platform.Snowflake(1), msg, 10, []string{"rust"})

	fc.fireLatest()

	select {
	case <-deliverer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery after patience timeout")
	}

	if deliverer.count() != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", deliverer.count())
	}
}

func TestPatienceFiresOnMixedCaseContent(t *testing.T) {
	s := openTestStore(t)
	fc := &fakeClock{}
	deliverer := newRecordingDeliverer()
	cache := NewMessageCache()
	ctl := New(cache, s, deliverer, fc, time.Minute)

	// The cache holds the as-authored mixed-case content; run() must
	// lowercase it before rematching against the lowercase keyword.
	msg := platform.MessageCreate{MessageID: 1, ChannelID: 100, GuildID: 10, AuthorID: 2, Content: "I like Rust today"}
	ctl.Spawn(context.Background(), platform.Snowflake(1), msg, 10, []string{"rust"})

	fc.fireLatest()

	select {
	case <-deliverer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery of a mixed-case match")
	}

	if deliverer.count() != 1 {
		t.Fatalf("expected exactly 1 delivery for mixed-case content, got %d", deliverer.count())
	}
}

func TestPatienceCancelsOnOwnerActivity(t *testing.T) {
	s := openTestStore(t)
	fc := &fakeClock{}
	deliverer := newRecordingDeliverer()
	cache := NewMessageCache()
	ctl := New(cache, s, deliverer, fc, time.Minute)

	msg := platform.MessageCreate{MessageID: 1, ChannelID: 100, GuildID: 10, AuthorID: 2, Content: "i like rust"}
	ctl.Spawn(context.Background(), platform.Snowflake(1), msg, 10, []string{"rust"})

	// owner posts before the timeout fires
	ctl.OnOwnerActivity(100, 1)

	// give the cancelled goroutine a moment to exit, then fire the timer
	// anyway: it must be a no-op because the task already returned.
	time.Sleep(50 * time.Millisecond)
	fc.fireLatest()

	time.Sleep(50 * time.Millisecond)
	if deliverer.count() != 0 {
		t.Fatalf("expected no delivery after owner activity cancelled the task, got %d", deliverer.count())
	}
	if ctl.Outstanding() != 0 {
		t.Fatalf("expected task to be cleaned up, outstanding=%d", ctl.Outstanding())
	}
}

func TestPatienceAbortsWhenSourceDeleted(t *testing.T) {
	s := openTestStore(t)
	fc := &fakeClock{}
	deliverer := newRecordingDeliverer()
	cache := NewMessageCache()
	ctl := New(cache, s, deliverer, fc, time.Minute)

	msg := platform.MessageCreate{MessageID: 1, ChannelID: 100, GuildID: 10, AuthorID: 2, Content: "i like rust"}
	ctl.Spawn(context.Background(), platform.Snowflake(1), msg, 10, []string{"rust"})

	cache.Delete(1)
	fc.fireLatest()

	time.Sleep(50 * time.Millisecond)
	if deliverer.count() != 0 {
		t.Fatalf("expected no delivery once source message was deleted, got %d", deliverer.count())
	}
}
