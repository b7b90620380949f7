package effectz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestSweep(t *testing.T) {
	t.Run("Evicts Idle Loaded Modules", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		provider := newScriptedProvider("blur")
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			WithClock(clock).
			Configure(Config{UnloadTimeout: 100 * time.Millisecond})
		defer registry.Close() //nolint:errcheck

		_, _ = registry.Instance(context.Background(), "blur", nil)
		clock.Advance(150 * time.Millisecond)
		registry.Sweep()

		if got := registry.State("blur"); got != StateUnloaded {
			t.Errorf("expected %q, got %q", StateUnloaded, got)
		}
		// The constructor was dropped: the next use reloads the source.
		_, _ = registry.Instance(context.Background(), "blur", nil)
		if provider.loads("blur") != 2 {
			t.Errorf("expected 2 provider loads, got %d", provider.loads("blur"))
		}
	})

	t.Run("Keeps Recently Used Modules", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		provider := newScriptedProvider("blur")
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			WithClock(clock).
			Configure(Config{UnloadTimeout: 100 * time.Millisecond})
		defer registry.Close() //nolint:errcheck

		_, _ = registry.Instance(context.Background(), "blur", nil)
		clock.Advance(50 * time.Millisecond)
		registry.Sweep()

		if got := registry.State("blur"); got != StateLoaded {
			t.Errorf("expected %q, got %q", StateLoaded, got)
		}
	})

	t.Run("Never Touches Loading Or Failed", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		provider := newScriptedProvider("slow")
		provider.failTimes("dead", -1, errors.New("no such bundle"))
		provider.gate = make(chan struct{})
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			WithClock(clock).
			Configure(Config{UnloadTimeout: 10 * time.Millisecond, DisableRetry: true})
		defer registry.Close() //nolint:errcheck

		// "dead" fails before the gate is consulted; "slow" parks on it.
		_, _ = registry.Instance(context.Background(), "dead", nil)
		go func() {
			_, _ = registry.Instance(context.Background(), "slow", nil)
		}()
		waitFor(t, time.Second, func() bool { return registry.State("slow") == StateLoading })

		clock.Advance(time.Hour)
		registry.Sweep()

		if got := registry.State("slow"); got != StateLoading {
			t.Errorf("expected sweep to leave %q, got %q", StateLoading, got)
		}
		if got := registry.State("dead"); got != StateFailed {
			t.Errorf("expected sweep to leave %q, got %q", StateFailed, got)
		}
		close(provider.gate)
	})

	t.Run("Enforces Module Cap LRU", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		provider := newScriptedProvider("blur", "glow", "warp")
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			WithClock(clock).
			Configure(Config{MaxCachedModules: 2, UnloadTimeout: time.Hour})
		defer registry.Close() //nolint:errcheck

		_, _ = registry.Instance(context.Background(), "blur", nil)
		clock.Advance(time.Second)
		_, _ = registry.Instance(context.Background(), "glow", nil)
		clock.Advance(time.Second)
		_, _ = registry.Instance(context.Background(), "warp", nil)

		registry.Sweep()

		if got := registry.State("blur"); got != StateUnloaded {
			t.Errorf("expected oldest module evicted, got %q", got)
		}
		if !registry.IsLoaded("glow") || !registry.IsLoaded("warp") {
			t.Error("expected the two most recently used modules to survive")
		}
		if got := registry.Stats().Loaded; got != 2 {
			t.Errorf("expected 2 loaded modules, got %d", got)
		}
	})

	t.Run("Eviction Emits Events", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		provider := newScriptedProvider("blur")
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			WithClock(clock).
			Configure(Config{UnloadTimeout: 10 * time.Millisecond})
		defer registry.Close() //nolint:errcheck

		evicted := make(chan RegistryEvent, 1)
		if err := registry.OnEvicted(func(_ context.Context, ev RegistryEvent) error {
			evicted <- ev
			return nil
		}); err != nil {
			t.Fatalf("hook registration failed: %v", err)
		}

		_, _ = registry.Instance(context.Background(), "blur", nil)
		clock.Advance(time.Minute)
		registry.Sweep()

		select {
		case ev := <-evicted:
			if ev.Kind != "blur" || ev.State != StateUnloaded {
				t.Errorf("unexpected eviction event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for eviction event")
		}
		if got := registry.Metrics().Counter(RegistryEvictionsTotal).Value(); got != 1 {
			t.Errorf("expected eviction counter 1, got %v", got)
		}
	})

	t.Run("Loop Sweeps On Interval", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		provider := newScriptedProvider("blur")
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			WithClock(clock).
			Configure(Config{UnloadTimeout: 5 * time.Millisecond, MaintenanceInterval: 10 * time.Millisecond})
		defer registry.Close() //nolint:errcheck

		// First use starts the maintenance loop. Advance per poll so the
		// loop fires once it has parked on the interval timer.
		_, _ = registry.Instance(context.Background(), "blur", nil)

		waitFor(t, time.Second, func() bool {
			clock.Advance(10 * time.Millisecond)
			clock.BlockUntilReady()
			return registry.State("blur") == StateUnloaded
		})
	})
}
