package effectz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
)

// loadCycle is the shared completion for one load cycle of a kind. All
// callers that arrive while the cycle is in flight - including its
// backoff waits between attempts - await the same channel, so at most
// one provider resolution runs per kind at any time.
type loadCycle[R any] struct {
	ctor Constructor[R]
	err  error
	done chan struct{}
}

// ensureLoaded returns kind's constructor, starting or joining a load
// cycle as needed. The calling flow suspends only while a cycle is in
// flight; ctx cancellation abandons the wait without cancelling the
// shared cycle other callers may be joined to.
func (r *Registry[R]) ensureLoaded(ctx context.Context, kind Kind) (Constructor[R], error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := r.modules[kind]
	if !ok {
		e = &moduleEntry[R]{state: StateUnloaded}
		r.modules[kind] = e
	}

	if e.state == StateLoaded {
		e.useCount++
		e.lastUsedAt = r.now()
		ctor := e.constructor
		r.mu.Unlock()
		return ctor, nil
	}

	cycle := e.pending
	if cycle == nil {
		// Unloaded, or Failed from a previous cycle: start fresh.
		cycle = &loadCycle[R]{done: make(chan struct{})}
		e.pending = cycle
		e.state = StateLoading
		e.lastError = nil
		r.mu.Unlock()
		go r.runLoad(kind, e, cycle)
	} else {
		r.mu.Unlock()
	}

	select {
	case <-cycle.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if cycle.err != nil {
		return nil, cycle.err
	}

	// Count this caller's use of the freshly loaded module.
	r.mu.Lock()
	if e.state == StateLoaded {
		e.useCount++
		e.lastUsedAt = r.now()
	}
	r.mu.Unlock()
	return cycle.ctor, nil
}

// runLoad drives one load cycle: resolve the constructor, retrying with
// exponential backoff on transient failures, and publish the outcome to
// every waiter at once.
//
// The cycle runs on a detached context so one waiter's cancellation
// never cancels a load other callers are joined to.
func (r *Registry[R]) runLoad(kind Kind, e *moduleEntry[R], cycle *loadCycle[R]) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()
	clock := r.getClock()

	maxAttempts := 1
	if !cfg.DisableRetry {
		maxAttempts = 1 + cfg.MaxRetries
	}

	_, span := r.tracer.StartSpan(context.Background(), RegistryLoadSpan)
	defer span.Finish()
	span.SetTag(RegistryTagKind, kind)

	delay := cfg.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		capitan.Info(context.Background(), SignalModuleLoadStart,
			FieldName.Field(r.name),
			FieldKind.Field(kind),
			FieldAttempt.Field(attempt),
			FieldMaxAttempts.Field(maxAttempts),
		)

		start := clock.Now()
		ctor, err := r.provider.Load(context.Background(), kind)
		duration := clock.Since(start)
		if err == nil && ctor == nil {
			err = fmt.Errorf("provider returned nil constructor")
		}

		if err == nil {
			r.finishLoad(kind, e, cycle, ctor, duration, attempt)
			span.SetTag(RegistryTagSuccess, "true")
			return
		}

		unknown := errors.Is(err, ErrUnknownKind)

		r.mu.Lock()
		e.state = StateFailed
		e.lastError = err
		r.mu.Unlock()

		r.metrics.Counter(RegistryLoadFailuresTotal).Inc()
		capitan.Error(context.Background(), SignalModuleLoadFailed,
			FieldName.Field(r.name),
			FieldKind.Field(kind),
			FieldAttempt.Field(attempt),
			FieldError.Field(err.Error()),
		)
		r.emit(RegistryEventLoadFailed, RegistryEvent{
			Kind:    kind,
			State:   StateFailed,
			Attempt: attempt,
			Err:     err,
		})

		if unknown || attempt >= maxAttempts {
			r.mu.Lock()
			e.pending = nil
			r.mu.Unlock()

			if unknown {
				cycle.err = &UnknownKindError{Kind: kind}
			} else {
				cycle.err = &LoadError{Kind: kind, Attempts: attempt, Err: err}
			}
			span.SetTag(RegistryTagSuccess, "false")
			span.SetTag(RegistryTagError, cycle.err.Error())
			close(cycle.done)
			return
		}

		// Retry budget remains: back off, then re-attempt. The delay
		// doubles per attempt up to the configured ceiling.
		r.metrics.Counter(RegistryRetriesTotal).Inc()
		capitan.Warn(context.Background(), SignalModuleRetryWaiting,
			FieldName.Field(r.name),
			FieldKind.Field(kind),
			FieldAttempt.Field(attempt),
			FieldMaxAttempts.Field(maxAttempts),
			FieldDelay.Field(delay.Seconds()),
		)

		select {
		case <-clock.After(delay):
		case <-r.stop:
			r.mu.Lock()
			e.pending = nil
			r.mu.Unlock()
			cycle.err = &LoadError{Kind: kind, Attempts: attempt, Err: ErrClosed}
			close(cycle.done)
			return
		}

		delay *= 2
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}

		// Failed -> Unloaded -> Loading; the intermediate Unloaded is
		// not observable because the next attempt starts immediately.
		r.mu.Lock()
		e.state = StateLoading
		r.mu.Unlock()
	}
}

// finishLoad records a successful resolution and wakes the waiters.
func (r *Registry[R]) finishLoad(kind Kind, e *moduleEntry[R], cycle *loadCycle[R], ctor Constructor[R], duration time.Duration, attempt int) {
	r.mu.Lock()
	e.state = StateLoaded
	e.constructor = ctor
	e.loadDuration = duration
	e.lastError = nil
	// Waiters bump the count as they wake; a lone caller ends at one.
	e.useCount = 0
	e.lastUsedAt = r.now()
	e.pending = nil
	r.mu.Unlock()

	r.metrics.Counter(RegistryLoadsTotal).Inc()
	r.metrics.Gauge(RegistryLoadDurationMs).Set(float64(duration.Milliseconds()))
	r.syncLoadedGauge()

	capitan.Info(context.Background(), SignalModuleLoaded,
		FieldName.Field(r.name),
		FieldKind.Field(kind),
		FieldAttempt.Field(attempt),
		FieldDurationMs.Field(float64(duration.Milliseconds())),
	)
	r.emit(RegistryEventLoaded, RegistryEvent{
		Kind:         kind,
		State:        StateLoaded,
		Attempt:      attempt,
		LoadDuration: duration,
	})

	cycle.ctor = ctor
	close(cycle.done)
}
