package effectz

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Observability constants for the Pool component.
const (
	// Metrics.
	PoolAcquiresTotal      = metricz.Key("pool.acquires.total")
	PoolBuildsTotal        = metricz.Key("pool.builds.total")
	PoolBuildFailuresTotal = metricz.Key("pool.build.failures.total")
	PoolReleasesTotal      = metricz.Key("pool.releases.total")
	PoolDisposalsTotal     = metricz.Key("pool.disposals.total")
	PoolImbalanceTotal     = metricz.Key("pool.release.imbalance.total")
	PoolEntriesGauge       = metricz.Key("pool.entries")
	PoolRefsGauge          = metricz.Key("pool.refs.total")

	// Hook event keys.
	PoolEventAcquired  = hookz.Key("pool.acquired")
	PoolEventReleased  = hookz.Key("pool.released")
	PoolEventDisposed  = hookz.Key("pool.disposed")
	PoolEventImbalance = hookz.Key("pool.release_imbalance")
)

// PoolEvent represents a pool lifecycle event. It is emitted via hookz
// when references are acquired or released, when a resource is disposed,
// and when a release arrives with no matching entry.
type PoolEvent struct {
	Timestamp time.Time // When the event occurred
	Name      Name      // Pool instance name
	Signature string    // Resource signature
	RefCount  int       // Reference count after the operation
	Entries   int       // Live entries after the operation
}

// Pool deduplicates and reference-counts heavyweight program resources so
// that multiple effect instances needing an identical resource share
// exactly one underlying allocation.
//
// CRITICAL: Pool is a STATEFUL component. Create it once and share it -
// a fresh pool per acquire would defeat deduplication entirely.
//
// The reference count is the single source of truth for resource
// lifetime: when it reaches zero the resource is disposed synchronously
// (via the dispose hook) and the entry removed. No component other than
// the pool disposes a pooled resource.
//
// Release on a signature with no entry is a caller bug; the pool's
// uniform policy is to ignore it safely: log a signal, count it, and do
// nothing. Saturating at zero avoids cascading failures in cleanup paths.
//
// Example:
//
//	programs := effectz.NewPool("programs", func(p *gpu.Program) {
//	    p.Destroy()
//	})
//
//	prog, err := programs.Acquire("blur/v2", compileBlurProgram)
//	...
//	programs.Release("blur/v2")
//
// # Observability
//
// Metrics:
//   - pool.acquires.total: Counter of Acquire calls that succeeded
//   - pool.builds.total: Counter of resources built on miss
//   - pool.build.failures.total: Counter of failed build functions
//   - pool.releases.total: Counter of Release calls with a live entry
//   - pool.disposals.total: Counter of resources disposed at refcount zero
//   - pool.release.imbalance.total: Counter of unmatched releases
//   - pool.entries: Gauge of live entries
//   - pool.refs.total: Gauge of outstanding references
//
// Events (via hooks):
//   - pool.acquired: Fired when a reference is handed out
//   - pool.released: Fired when a reference is returned
//   - pool.disposed: Fired when a resource is disposed
//   - pool.release_imbalance: Fired on an unmatched release
type Pool[R any] struct {
	dispose func(R)
	entries map[string]*poolEntry[R]
	metrics *metricz.Registry
	hooks   *hookz.Hooks[PoolEvent]
	name    Name
	mu      sync.Mutex
}

// poolEntry holds one shared resource and its reference count.
type poolEntry[R any] struct {
	resource R
	refCount int
}

// NewPool creates a pool. The dispose hook is called exactly once per
// resource, synchronously, when its reference count reaches zero; a nil
// hook means resources need no teardown.
func NewPool[R any](name Name, dispose func(R)) *Pool[R] {
	metrics := metricz.New()
	metrics.Counter(PoolAcquiresTotal)
	metrics.Counter(PoolBuildsTotal)
	metrics.Counter(PoolBuildFailuresTotal)
	metrics.Counter(PoolReleasesTotal)
	metrics.Counter(PoolDisposalsTotal)
	metrics.Counter(PoolImbalanceTotal)
	metrics.Gauge(PoolEntriesGauge)
	metrics.Gauge(PoolRefsGauge)

	return &Pool[R]{
		name:    name,
		dispose: dispose,
		entries: make(map[string]*poolEntry[R]),
		metrics: metrics,
		hooks:   hookz.New[PoolEvent](),
	}
}

// Acquire returns the resource for signature, building it with build on
// first use. A hit increments the entry's reference count; a miss runs
// build and inserts the result with a count of one.
//
// The build function runs with the pool lock held so concurrent misses
// for the same signature collapse into one build; keep it bounded to the
// actual resource construction. A build failure propagates to the caller
// without mutating the pool.
func (p *Pool[R]) Acquire(signature string, build func() (R, error)) (R, error) {
	p.mu.Lock()

	if e, ok := p.entries[signature]; ok {
		e.refCount++
		resource := e.resource
		refs, entries := e.refCount, len(p.entries)
		p.mu.Unlock()

		p.metrics.Counter(PoolAcquiresTotal).Inc()
		p.syncGauges()
		p.emit(PoolEventAcquired, signature, refs, entries)
		return resource, nil
	}

	resource, err := build()
	if err != nil {
		p.mu.Unlock()
		p.metrics.Counter(PoolBuildFailuresTotal).Inc()
		var zero R
		return zero, err
	}

	p.entries[signature] = &poolEntry[R]{resource: resource, refCount: 1}
	entries := len(p.entries)
	p.mu.Unlock()

	p.metrics.Counter(PoolAcquiresTotal).Inc()
	p.metrics.Counter(PoolBuildsTotal).Inc()
	p.syncGauges()
	p.emit(PoolEventAcquired, signature, 1, entries)
	return resource, nil
}

// Release returns one reference for signature. When the count reaches
// zero the resource is disposed synchronously and the entry removed.
// An unmatched release is logged and ignored.
func (p *Pool[R]) Release(signature string) {
	p.mu.Lock()
	e, ok := p.entries[signature]
	if !ok {
		entries := len(p.entries)
		p.mu.Unlock()

		p.metrics.Counter(PoolImbalanceTotal).Inc()
		capitan.Warn(context.Background(), SignalPoolReleaseImbalance,
			FieldName.Field(p.name),
			FieldSignature.Field(signature),
			FieldTimestamp.Field(float64(time.Now().Unix())),
		)
		p.emit(PoolEventImbalance, signature, 0, entries)
		return
	}

	e.refCount--
	if e.refCount > 0 {
		refs, entries := e.refCount, len(p.entries)
		p.mu.Unlock()

		p.metrics.Counter(PoolReleasesTotal).Inc()
		p.syncGauges()
		p.emit(PoolEventReleased, signature, refs, entries)
		return
	}

	delete(p.entries, signature)
	resource := e.resource
	entries := len(p.entries)
	p.mu.Unlock()

	if p.dispose != nil {
		p.dispose(resource)
	}
	p.metrics.Counter(PoolReleasesTotal).Inc()
	p.metrics.Counter(PoolDisposalsTotal).Inc()
	p.syncGauges()
	p.emit(PoolEventDisposed, signature, 0, entries)
}

// Refs returns the current reference count for signature, zero if the
// signature has no entry.
func (p *Pool[R]) Refs(signature string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[signature]; ok {
		return e.refCount
	}
	return 0
}

// Len returns the number of live entries.
func (p *Pool[R]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats returns a snapshot of entry and reference counts.
func (p *Pool[R]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, e := range p.entries {
		total += e.refCount
	}
	return PoolStats{Entries: len(p.entries), TotalRefs: total}
}

// Name returns the name of this pool.
func (p *Pool[R]) Name() Name {
	return p.name
}

// Metrics returns the metrics registry for this pool.
func (p *Pool[R]) Metrics() *metricz.Registry {
	return p.metrics
}

// Close shuts down the pool's hook dispatcher. It does not dispose live
// entries; callers own outstanding references.
func (p *Pool[R]) Close() error {
	p.hooks.Close()
	return nil
}

// OnAcquired registers a handler for reference acquisitions.
func (p *Pool[R]) OnAcquired(handler func(context.Context, PoolEvent) error) error {
	_, err := p.hooks.Hook(PoolEventAcquired, handler)
	return err
}

// OnReleased registers a handler for reference releases that leave the
// entry alive.
func (p *Pool[R]) OnReleased(handler func(context.Context, PoolEvent) error) error {
	_, err := p.hooks.Hook(PoolEventReleased, handler)
	return err
}

// OnDisposed registers a handler for resource disposals.
func (p *Pool[R]) OnDisposed(handler func(context.Context, PoolEvent) error) error {
	_, err := p.hooks.Hook(PoolEventDisposed, handler)
	return err
}

// OnReleaseImbalance registers a handler for unmatched releases.
func (p *Pool[R]) OnReleaseImbalance(handler func(context.Context, PoolEvent) error) error {
	_, err := p.hooks.Hook(PoolEventImbalance, handler)
	return err
}

// syncGauges refreshes the entry and reference gauges.
func (p *Pool[R]) syncGauges() {
	s := p.Stats()
	p.metrics.Gauge(PoolEntriesGauge).Set(float64(s.Entries))
	p.metrics.Gauge(PoolRefsGauge).Set(float64(s.TotalRefs))
}

// emit publishes a pool event.
func (p *Pool[R]) emit(key hookz.Key, signature string, refs, entries int) {
	_ = p.hooks.Emit(context.Background(), key, PoolEvent{ //nolint:errcheck
		Name:      p.name,
		Signature: signature,
		RefCount:  refs,
		Entries:   entries,
		Timestamp: time.Now(),
	})
}
