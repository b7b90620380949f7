package effectz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestLoadRetry(t *testing.T) {
	t.Run("Fails Twice Then Succeeds With Monotonic Backoff", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		provider := newScriptedProvider("blur")
		provider.failTimes("blur", 2, errors.New("bundle fetch timeout"))
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			WithClock(clock).
			Configure(Config{MaxRetries: 3})
		defer registry.Close() //nolint:errcheck

		done := make(chan struct{})
		var inst Instance
		var err error
		go func() {
			inst, err = registry.Instance(context.Background(), "blur", Params{"strength": 2})
			close(done)
		}()

		// Allow the first attempt to fail and the backoff wait to start.
		time.Sleep(20 * time.Millisecond)
		if provider.loads("blur") != 1 {
			t.Fatalf("expected 1 attempt before backoff, got %d", provider.loads("blur"))
		}

		// First delay: 100ms (the default base).
		clock.Advance(100 * time.Millisecond)
		clock.BlockUntilReady()
		time.Sleep(20 * time.Millisecond)
		if provider.loads("blur") != 2 {
			t.Fatalf("expected 2 attempts after first delay, got %d", provider.loads("blur"))
		}

		// The second delay doubled to 200ms: another 100ms is not enough.
		clock.Advance(100 * time.Millisecond)
		clock.BlockUntilReady()
		time.Sleep(20 * time.Millisecond)
		if provider.loads("blur") != 2 {
			t.Fatalf("expected backoff to still be waiting, got %d attempts", provider.loads("blur"))
		}

		clock.Advance(100 * time.Millisecond)
		clock.BlockUntilReady()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("test timed out")
		}

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if inst == nil {
			t.Fatal("expected an instance")
		}
		if provider.loads("blur") != 3 {
			t.Errorf("expected 3 attempts, got %d", provider.loads("blur"))
		}
		if !registry.IsLoaded("blur") {
			t.Error("expected blur loaded after retries")
		}
	})

	t.Run("Backoff Delay Caps At Ceiling", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		provider := newScriptedProvider("blur")
		provider.failTimes("blur", 2, errors.New("bundle fetch timeout"))
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			WithClock(clock).
			Configure(Config{MaxRetries: 2, RetryBaseDelay: 4 * time.Second, RetryMaxDelay: 5 * time.Second})
		defer registry.Close() //nolint:errcheck

		done := make(chan struct{})
		go func() {
			_, _ = registry.Instance(context.Background(), "blur", nil)
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
		clock.Advance(4 * time.Second)
		clock.BlockUntilReady()
		time.Sleep(20 * time.Millisecond)
		if provider.loads("blur") != 2 {
			t.Fatalf("expected 2 attempts after base delay, got %d", provider.loads("blur"))
		}

		// Doubling would give 8s; the ceiling caps it at 5s.
		clock.Advance(4 * time.Second)
		clock.BlockUntilReady()
		time.Sleep(20 * time.Millisecond)
		if provider.loads("blur") != 2 {
			t.Fatalf("expected capped delay still waiting at 4s, got %d attempts", provider.loads("blur"))
		}
		clock.Advance(time.Second)
		clock.BlockUntilReady()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("test timed out")
		}
		if provider.loads("blur") != 3 {
			t.Errorf("expected 3 attempts, got %d", provider.loads("blur"))
		}
	})

	t.Run("Exhaustion Fails After Budget", func(t *testing.T) {
		provider := newScriptedProvider("blur")
		loadErr := errors.New("bundle fetch timeout")
		provider.failTimes("blur", -1, loadErr)
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			Configure(Config{MaxRetries: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
		defer registry.Close() //nolint:errcheck

		_, err := registry.Instance(context.Background(), "blur", nil)
		var lErr *LoadError
		if !errors.As(err, &lErr) {
			t.Fatalf("expected LoadError, got %v", err)
		}
		if lErr.Attempts != 3 {
			t.Errorf("expected 3 attempts recorded, got %d", lErr.Attempts)
		}
		if !errors.Is(err, loadErr) {
			t.Error("expected wrapped provider error")
		}
		// maxRetries=2 means 3 total attempts.
		if provider.loads("blur") != 3 {
			t.Errorf("expected 3 provider loads, got %d", provider.loads("blur"))
		}
		if got := registry.State("blur"); got != StateFailed {
			t.Errorf("expected %q, got %q", StateFailed, got)
		}
	})

	t.Run("Retry Disabled Fails On First Attempt", func(t *testing.T) {
		provider := newScriptedProvider("blur")
		provider.failTimes("blur", 1, errors.New("bundle fetch timeout"))
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil)).
			Configure(Config{DisableRetry: true})
		defer registry.Close() //nolint:errcheck

		_, err := registry.Instance(context.Background(), "blur", nil)
		var lErr *LoadError
		if !errors.As(err, &lErr) {
			t.Fatalf("expected LoadError, got %v", err)
		}
		if lErr.Attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", lErr.Attempts)
		}

		// Failed is terminal per cycle only: the next request starts
		// fresh and succeeds.
		inst, err := registry.Instance(context.Background(), "blur", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if inst == nil {
			t.Fatal("expected an instance")
		}
		if provider.loads("blur") != 2 {
			t.Errorf("expected 2 provider loads, got %d", provider.loads("blur"))
		}
	})

	t.Run("Waiter Cancellation Leaves Shared Load Running", func(t *testing.T) {
		provider := newScriptedProvider("blur")
		provider.gate = make(chan struct{})
		registry := NewRegistry("effects", provider, NewPool[string]("programs", nil))
		defer registry.Close() //nolint:errcheck

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := registry.Instance(ctx, "blur", nil)
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("canceled waiter did not return")
		}

		// The shared cycle finishes in the background and the result is
		// available to the next caller without a new provider load.
		close(provider.gate)
		waitFor(t, time.Second, func() bool { return registry.IsLoaded("blur") })
		if provider.loads("blur") != 1 {
			t.Errorf("expected 1 provider load, got %d", provider.loads("blur"))
		}
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
