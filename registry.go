package effectz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Registry component.
const (
	// Metrics.
	RegistryLoadsTotal          = metricz.Key("registry.loads.total")
	RegistryLoadFailuresTotal   = metricz.Key("registry.load.failures.total")
	RegistryRetriesTotal        = metricz.Key("registry.retries.total")
	RegistryInstanceHitsTotal   = metricz.Key("registry.instance.hits.total")
	RegistryInstancesBuiltTotal = metricz.Key("registry.instances.built.total")
	RegistryEvictionsTotal      = metricz.Key("registry.evictions.total")
	RegistryModulesLoadedGauge  = metricz.Key("registry.modules.loaded")
	RegistryLoadDurationMs      = metricz.Key("registry.load.duration.ms")

	// Spans.
	RegistryInstanceSpan = tracez.Key("registry.instance")
	RegistryLoadSpan     = tracez.Key("registry.load")

	// Tags.
	RegistryTagKind        = tracez.Tag("registry.kind")
	RegistryTagFingerprint = tracez.Tag("registry.fingerprint")
	RegistryTagCacheHit    = tracez.Tag("registry.cache_hit")
	RegistryTagSuccess     = tracez.Tag("registry.success")
	RegistryTagError       = tracez.Tag("registry.error")

	// Hook event keys.
	RegistryEventLoaded        = hookz.Key("registry.module_loaded")
	RegistryEventLoadFailed    = hookz.Key("registry.module_load_failed")
	RegistryEventEvicted       = hookz.Key("registry.module_evicted")
	RegistryEventInstanceBuilt = hookz.Key("registry.instance_built")
)

// RegistryEvent represents a registry lifecycle event, emitted via hookz
// on module loads, load failures, evictions, and instance construction.
type RegistryEvent struct {
	Timestamp    time.Time     // When the event occurred
	Err          error         // Error for failure events
	Name         Name          // Registry instance name
	Kind         Kind          // Effect kind
	Fingerprint  string        // Instance fingerprint (instance events)
	State        ModuleState   // Module state after the event
	Attempt      int           // Load attempt number (load events)
	LoadDuration time.Duration // Provider resolution time (loaded events)
}

// Registry lazily loads, caches, retries, and evicts per-kind effect
// constructors, and serves cached instances by fingerprint.
//
// CRITICAL: Registry is a STATEFUL component with process-wide lifecycle.
// Construct one at startup, share it by reference, and Close it at
// shutdown. There is no hidden global instance.
//
// Identity is deterministic: for equal (kind, params) the same cached
// Instance is returned without reconstruction. On a fingerprint miss the
// registry ensures the kind's constructor is loaded - concurrent callers
// for the same kind share a single in-flight load, and failed loads are
// re-attempted with exponential backoff up to the configured budget -
// then invokes the constructor, which acquires the instance's program
// resource from the registry's pool.
//
// A background maintenance loop, started with the registry's first use
// and stopped by Close, periodically unloads constructors that have been
// idle past the unload timeout and enforces the loaded-module cap. The
// instance cache is a separate concern: it is never timed out, only
// dropped explicitly via ClearInstances.
//
// Example:
//
//	programs := effectz.NewPool("programs", destroyProgram)
//	registry := effectz.NewRegistry("effects", provider, programs).
//	    Configure(effectz.Config{UnloadTimeout: 2 * time.Minute})
//	defer registry.Close()
//
//	inst, err := registry.Instance(ctx, "blur", effectz.Params{"radius": 4})
//
// # Observability
//
// Metrics:
//   - registry.loads.total: Counter of successful constructor loads
//   - registry.load.failures.total: Counter of failed load attempts
//   - registry.retries.total: Counter of backoff retries
//   - registry.instance.hits.total: Counter of fingerprint cache hits
//   - registry.instances.built.total: Counter of constructed instances
//   - registry.evictions.total: Counter of sweep evictions
//   - registry.modules.loaded: Gauge of currently Loaded modules
//   - registry.load.duration.ms: Gauge of the last load duration
//
// Traces:
//   - registry.instance: Span for the full Instance path
//   - registry.load: Span for each load cycle
//
// Events (via hooks):
//   - registry.module_loaded, registry.module_load_failed,
//     registry.module_evicted, registry.instance_built
type Registry[R any] struct {
	provider  SourceProvider[R]
	programs  *Pool[R]
	clock     clockz.Clock
	modules   map[Kind]*moduleEntry[R]
	instances map[string]Instance
	building  map[string]*buildCall
	metrics   *metricz.Registry
	tracer    *tracez.Tracer
	hooks     *hookz.Hooks[RegistryEvent]
	stop      chan struct{}
	name      Name
	cfg       Config
	mu        sync.Mutex
	closeOnce sync.Once
	sweeping  bool
	closed    bool
}

// moduleEntry is the per-kind load state. The constructor is set iff the
// state is Loaded; pending is set while a load cycle (including its
// backoff waits) is in flight.
type moduleEntry[R any] struct {
	lastUsedAt   time.Time
	lastError    error
	constructor  Constructor[R]
	pending      *loadCycle[R]
	state        ModuleState
	useCount     uint64
	loadDuration time.Duration
}

// buildCall collapses concurrent constructions of one fingerprint.
type buildCall struct {
	inst Instance
	err  error
	done chan struct{}
}

// NewRegistry creates a registry backed by provider, wiring constructed
// instances to programs for their shared resources.
func NewRegistry[R any](name Name, provider SourceProvider[R], programs *Pool[R]) *Registry[R] {
	metrics := metricz.New()
	metrics.Counter(RegistryLoadsTotal)
	metrics.Counter(RegistryLoadFailuresTotal)
	metrics.Counter(RegistryRetriesTotal)
	metrics.Counter(RegistryInstanceHitsTotal)
	metrics.Counter(RegistryInstancesBuiltTotal)
	metrics.Counter(RegistryEvictionsTotal)
	metrics.Gauge(RegistryModulesLoadedGauge)
	metrics.Gauge(RegistryLoadDurationMs)

	return &Registry[R]{
		name:      name,
		provider:  provider,
		programs:  programs,
		cfg:       withDefaults(Config{}),
		modules:   make(map[Kind]*moduleEntry[R]),
		instances: make(map[string]Instance),
		building:  make(map[string]*buildCall),
		metrics:   metrics,
		tracer:    tracez.New(),
		hooks:     hookz.New[RegistryEvent](),
		stop:      make(chan struct{}),
	}
}

// Configure replaces the registry's configuration. Zero-valued fields
// fall back to the documented defaults. Safe to call at process start;
// a later call replaces the previous configuration wholesale and takes
// effect from the next operation or sweep.
func (r *Registry[R]) Configure(cfg Config) *Registry[R] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = withDefaults(cfg)
	return r
}

// Config returns the current (defaulted) configuration.
func (r *Registry[R]) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// WithClock sets a custom clock for testing. Call it before the
// registry's first use so the maintenance loop picks it up.
func (r *Registry[R]) WithClock(clock clockz.Clock) *Registry[R] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	return r
}

// getClock returns the clock to use.
func (r *Registry[R]) getClock() clockz.Clock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clock == nil {
		return clockz.RealClock
	}
	return r.clock
}

// Instance returns the effect instance for (kind, params), constructing
// it on first request. Equal arguments return the same cached instance
// and bump the kind's use statistics.
//
// Instance fails with UnknownKindError when no source is registered for
// kind, LoadError when the constructor source cannot be resolved within
// the retry budget, and ConstructionError when the constructor itself
// fails. A failed call leaves the caches untouched; repeating it retries
// the whole load from scratch.
func (r *Registry[R]) Instance(ctx context.Context, kind Kind, params Params) (Instance, error) {
	r.ensureMaintenance()

	ctx, span := r.tracer.StartSpan(ctx, RegistryInstanceSpan)
	defer span.Finish()
	span.SetTag(RegistryTagKind, kind)

	fp := Fingerprint(kind, params)
	span.SetTag(RegistryTagFingerprint, fp)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		span.SetTag(RegistryTagError, ErrClosed.Error())
		return nil, ErrClosed
	}
	if inst, ok := r.instances[fp]; ok {
		if e := r.modules[kind]; e != nil {
			e.useCount++
			e.lastUsedAt = r.now()
		}
		r.mu.Unlock()

		r.metrics.Counter(RegistryInstanceHitsTotal).Inc()
		span.SetTag(RegistryTagCacheHit, "true")
		span.SetTag(RegistryTagSuccess, "true")
		return inst, nil
	}
	r.mu.Unlock()
	span.SetTag(RegistryTagCacheHit, "false")

	ctor, err := r.ensureLoaded(ctx, kind)
	if err != nil {
		span.SetTag(RegistryTagSuccess, "false")
		span.SetTag(RegistryTagError, err.Error())
		return nil, err
	}

	inst, err := r.buildInstance(ctx, kind, fp, params, ctor)
	if err != nil {
		span.SetTag(RegistryTagSuccess, "false")
		span.SetTag(RegistryTagError, err.Error())
		return nil, err
	}
	span.SetTag(RegistryTagSuccess, "true")
	return inst, nil
}

// buildInstance constructs and caches the instance for fp, collapsing
// concurrent misses for the same fingerprint into one constructor call.
func (r *Registry[R]) buildInstance(ctx context.Context, kind Kind, fp string, params Params, ctor Constructor[R]) (Instance, error) {
	r.mu.Lock()
	// Re-check: another caller may have finished while we awaited the load.
	if inst, ok := r.instances[fp]; ok {
		r.mu.Unlock()
		r.metrics.Counter(RegistryInstanceHitsTotal).Inc()
		return inst, nil
	}
	if c, ok := r.building[fp]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.inst, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &buildCall{done: make(chan struct{})}
	r.building[fp] = c
	r.mu.Unlock()

	inst, err := r.invokeConstructor(kind, fp, params, ctor)

	r.mu.Lock()
	delete(r.building, fp)
	if err == nil {
		r.instances[fp] = inst
	}
	r.mu.Unlock()

	c.inst, c.err = inst, err
	close(c.done)

	if err == nil {
		r.metrics.Counter(RegistryInstancesBuiltTotal).Inc()
		r.emit(RegistryEventInstanceBuilt, RegistryEvent{
			Kind:        kind,
			Fingerprint: fp,
			State:       StateLoaded,
		})
	}
	return inst, err
}

// invokeConstructor runs the constructor, converting errors and panics
// from the foreign code into ConstructionError.
func (r *Registry[R]) invokeConstructor(kind Kind, fp string, params Params, ctor Constructor[R]) (inst Instance, err error) {
	defer func() {
		if p := recover(); p != nil {
			inst = nil
			err = &ConstructionError{
				Kind:        kind,
				Fingerprint: fp,
				Err:         fmt.Errorf("constructor panicked: %v", p),
			}
		}
	}()

	inst, cerr := ctor(params, r.programs)
	if cerr != nil {
		return nil, &ConstructionError{Kind: kind, Fingerprint: fp, Err: cerr}
	}
	if inst == nil {
		return nil, &ConstructionError{Kind: kind, Fingerprint: fp, Err: fmt.Errorf("constructor returned nil instance")}
	}
	return inst, nil
}

// IsLoaded reports whether kind's constructor is currently Loaded.
func (r *Registry[R]) IsLoaded(kind Kind) bool {
	return r.State(kind) == StateLoaded
}

// State returns kind's module state. Kinds never requested are Unloaded.
func (r *Registry[R]) State(kind Kind) ModuleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.modules[kind]; ok {
		return e.state
	}
	return StateUnloaded
}

// Stats returns a diagnostic snapshot: counts per state, instance cache
// size, and per-kind detail.
func (r *Registry[R]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Instances: len(r.instances),
		Modules:   make(map[Kind]ModuleStats, len(r.modules)),
	}
	for kind, e := range r.modules {
		switch e.state {
		case StateUnloaded:
			s.Unloaded++
		case StateLoading:
			s.Loading++
		case StateLoaded:
			s.Loaded++
		case StateFailed:
			s.Failed++
		}
		ms := ModuleStats{
			State:        e.state,
			UseCount:     e.useCount,
			LastUsedAt:   e.lastUsedAt,
			LoadDuration: e.loadDuration,
		}
		if e.lastError != nil {
			ms.LastError = e.lastError.Error()
		}
		s.Modules[kind] = ms
	}
	return s
}

// ClearInstances drops all cached instances. Loaded constructors are not
// affected. Callers that care about release semantics must have disposed
// the instances first; clearing does not call Dispose.
func (r *Registry[R]) ClearInstances() {
	r.mu.Lock()
	r.instances = make(map[string]Instance)
	r.mu.Unlock()
}

// Programs returns the registry's program pool.
func (r *Registry[R]) Programs() *Pool[R] {
	return r.programs
}

// Name returns the name of this registry.
func (r *Registry[R]) Name() Name {
	return r.name
}

// Metrics returns the metrics registry for this component.
func (r *Registry[R]) Metrics() *metricz.Registry {
	return r.metrics
}

// Tracer returns the tracer for this component.
func (r *Registry[R]) Tracer() *tracez.Tracer {
	return r.tracer
}

// Close stops the maintenance loop, drops all cached instances, and
// empties the module registry. In-flight load cycles resolve with a
// LoadError. Close is idempotent.
func (r *Registry[R]) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.instances = make(map[string]Instance)
		r.modules = make(map[Kind]*moduleEntry[R])
		r.mu.Unlock()

		close(r.stop)
		r.metrics.Gauge(RegistryModulesLoadedGauge).Set(0)
		r.tracer.Close()
		r.hooks.Close()
	})
	return nil
}

// OnLoaded registers a handler for successful module loads.
func (r *Registry[R]) OnLoaded(handler func(context.Context, RegistryEvent) error) error {
	_, err := r.hooks.Hook(RegistryEventLoaded, handler)
	return err
}

// OnLoadFailed registers a handler for failed load attempts.
func (r *Registry[R]) OnLoadFailed(handler func(context.Context, RegistryEvent) error) error {
	_, err := r.hooks.Hook(RegistryEventLoadFailed, handler)
	return err
}

// OnEvicted registers a handler for sweep evictions.
func (r *Registry[R]) OnEvicted(handler func(context.Context, RegistryEvent) error) error {
	_, err := r.hooks.Hook(RegistryEventEvicted, handler)
	return err
}

// OnInstanceBuilt registers a handler for instance construction.
func (r *Registry[R]) OnInstanceBuilt(handler func(context.Context, RegistryEvent) error) error {
	_, err := r.hooks.Hook(RegistryEventInstanceBuilt, handler)
	return err
}

// now reads the clock without taking the registry lock; callers must
// already hold it.
func (r *Registry[R]) now() time.Time {
	if r.clock == nil {
		return clockz.RealClock.Now()
	}
	return r.clock.Now()
}

// emit publishes a registry event with the name and timestamp filled in.
func (r *Registry[R]) emit(key hookz.Key, ev RegistryEvent) {
	ev.Name = r.name
	ev.Timestamp = r.getClock().Now()
	_ = r.hooks.Emit(context.Background(), key, ev) //nolint:errcheck
}

// syncLoadedGauge refreshes the loaded-modules gauge.
func (r *Registry[R]) syncLoadedGauge() {
	r.mu.Lock()
	loaded := 0
	for _, e := range r.modules {
		if e.state == StateLoaded {
			loaded++
		}
	}
	r.mu.Unlock()
	r.metrics.Gauge(RegistryModulesLoadedGauge).Set(float64(loaded))
}
