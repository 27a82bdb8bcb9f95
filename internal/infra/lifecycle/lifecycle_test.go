package lifecycle

import (
	"context"
	"sync"
	"testing"
)

func TestStartAllHonorsDependencyOrder(t *testing.T) {
	m := New(context.Background())

	var mu sync.Mutex
	var order []string
	record := func(name string) StartFunc {
		return func(ctx context.Context) (context.Context, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	if err := m.Register("store", "", nil, record("store"), nil); err != nil {
		t.Fatalf("Register store: %v", err)
	}
	if err := m.Register("resolver", "", []string{"store"}, record("resolver"), nil); err != nil {
		t.Fatalf("Register resolver: %v", err)
	}
	if err := m.Register("delivery", "", []string{"resolver"}, record("delivery"), nil); err != nil {
		t.Fatalf("Register delivery: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	if pos["store"] >= pos["resolver"] || pos["resolver"] >= pos["delivery"] {
		t.Fatalf("expected store < resolver < delivery, got %v", order)
	}
}

func TestShutdownStopsInReverseStartOrder(t *testing.T) {
	m := New(context.Background())

	var mu sync.Mutex
	var stopped []string
	stopRecorder := func(name string) StopFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			stopped = append(stopped, name)
			mu.Unlock()
			return nil
		}
	}
	noopStart := func(ctx context.Context) (context.Context, error) { return nil, nil }

	if err := m.Register("a", "", nil, noopStart, stopRecorder("a")); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := m.Register("b", "", []string{"a"}, noopStart, stopRecorder("b")); err != nil {
		t.Fatalf("Register b: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stopped) != 2 || stopped[0] != "b" || stopped[1] != "a" {
		t.Fatalf("expected stop order [b a], got %v", stopped)
	}
}

func TestRegisterFiltersSelfDependencyAndRejectsDuplicateNames(t *testing.T) {
	m := New(context.Background())
	noop := func(ctx context.Context) (context.Context, error) { return nil, nil }

	if err := m.Register("x", "", []string{"x"}, noop, nil); err != nil {
		t.Fatalf("self-dependency is filtered, not rejected outright: %v", err)
	}

	if err := m.Register("y", "", nil, noop, nil); err != nil {
		t.Fatalf("Register y: %v", err)
	}
	if err := m.Register("y", "", nil, noop, nil); err == nil {
		t.Fatal("expected an error registering a duplicate node name")
	}
}

func TestStartAllReportsFailedNodeWithoutAbortingSiblings(t *testing.T) {
	m := New(context.Background())

	failing := func(ctx context.Context) (context.Context, error) {
		return nil, errBoom
	}
	var mu sync.Mutex
	started := false
	ok := func(ctx context.Context) (context.Context, error) {
		mu.Lock()
		started = true
		mu.Unlock()
		return nil, nil
	}

	if err := m.Register("broken", "", nil, failing, nil); err != nil {
		t.Fatalf("Register broken: %v", err)
	}
	if err := m.Register("fine", "", nil, ok, nil); err != nil {
		t.Fatalf("Register fine: %v", err)
	}

	err := m.StartAll()
	if err == nil {
		t.Fatal("expected StartAll to report the failing node's error")
	}

	mu.Lock()
	defer mu.Unlock()
	if !started {
		t.Fatal("expected the unrelated sibling node to still start")
	}
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
