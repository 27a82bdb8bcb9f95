// Package clock provides an injectable source of the current time, so tests
// can control what "now" means for the patience timeout and the Reaper's
// tick and cutoff without sleeping in real time.
package clock

import "time"

// Clock abstracts time.Now and time.NewTimer for a component under test.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of *time.Timer that callers need.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is the production Clock, backed by the standard library.
var Real Clock = realClock{}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }
