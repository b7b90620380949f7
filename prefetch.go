package effectz

import (
	"context"
	"time"

	"github.com/zoobzio/capitan"
)

// Prefetch schedules best-effort loads for kinds that are not already
// Loaded or Loading. High priority fires immediately; medium and low are
// delayed so they do not contend with latency-sensitive loads.
//
// Prefetch never blocks and never surfaces failures: a failed prefetch is
// logged and forgotten, and does not poison the kind's next real load -
// a subsequent Instance call for a prefetch-failed kind starts a fresh
// cycle. No-op when prefetching is disabled or the registry is closed.
func (r *Registry[R]) Prefetch(kinds []Kind, priority Priority) {
	r.ensureMaintenance()

	r.mu.Lock()
	if r.closed || r.cfg.DisablePrefetch {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	delay := prefetchDelay(priority)
	for _, kind := range kinds {
		go r.prefetchOne(kind, delay)
	}
}

// prefetchOne waits out the priority delay, then joins or starts the
// kind's load cycle, swallowing any error.
func (r *Registry[R]) prefetchOne(kind Kind, delay time.Duration) {
	if delay > 0 {
		select {
		case <-r.getClock().After(delay):
		case <-r.stop:
			return
		}
	}

	r.mu.Lock()
	if e, ok := r.modules[kind]; ok && (e.state == StateLoaded || e.pending != nil) {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if _, err := r.ensureLoaded(context.Background(), kind); err != nil {
		capitan.Warn(context.Background(), SignalPrefetchFailed,
			FieldName.Field(r.name),
			FieldKind.Field(kind),
			FieldError.Field(err.Error()),
		)
	}
}

// prefetchDelay maps a priority to its scheduling delay.
func prefetchDelay(priority Priority) time.Duration {
	switch priority {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return prefetchDelayMedium
	default:
		return prefetchDelayLow
	}
}
