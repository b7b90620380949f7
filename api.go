package effectz

import (
	"context"
	"time"
)

// Name identifies a component instance (a registry or a pool) in signals,
// metrics, and events.
type Name = string

// Kind is an opaque identifier naming one loadable effect family.
// Kinds are supplied by configuration, not discovered at runtime.
type Kind = string

// Params is the parameter set handed to an effect constructor. Parameter
// values must be msgpack-encodable for fingerprinting; scalar values,
// slices, and nested maps all work.
type Params map[string]any

// Instance is a constructed effect. Instances are cached by the registry
// under the fingerprint of the (kind, params) pair that produced them.
//
// Dispose must release every pool reference the instance's constructor
// acquired, exactly once. Calling Dispose more than once is a bug in the
// instance implementation; the pool's release policy saturates at zero
// rather than failing, so the damage is contained but still logged.
type Instance interface {
	// Update advances the effect with a new intensity value.
	Update(intensity float64)

	// Reset returns the effect to its initial state.
	Reset()

	// Dispose releases the instance's pool references. After Dispose the
	// instance must not be used.
	Dispose()

	// Signature returns the pool signature of the program resource this
	// instance depends on. Signatures derive from the compiled-program
	// shape, not from per-frame parameters: two instances with different
	// intensities but the same program share one pool entry.
	Signature() string
}

// Constructor builds an effect instance from a parameter set. The
// registry passes its program pool so the constructor can acquire the
// shared resources the instance depends on. A constructor that fails
// after acquiring pool references must release them before returning.
type Constructor[R any] func(params Params, programs *Pool[R]) (Instance, error)

// SourceProvider resolves a kind to its constructor. The registry treats
// this as an opaque asynchronous lookup; how the provider locates the
// constructor (static table, plugin, bundle) is its own business.
//
// A provider must return an error wrapping ErrUnknownKind for kinds it
// has no source for; the registry surfaces that as UnknownKindError and
// never retries it.
type SourceProvider[R any] interface {
	Load(ctx context.Context, kind Kind) (Constructor[R], error)
}

// SourceFunc adapts a function to the SourceProvider interface.
type SourceFunc[R any] func(ctx context.Context, kind Kind) (Constructor[R], error)

// Load implements the SourceProvider interface.
func (f SourceFunc[R]) Load(ctx context.Context, kind Kind) (Constructor[R], error) {
	return f(ctx, kind)
}

// ModuleState is the load state of one kind's module entry.
type ModuleState string

// Module states.
const (
	StateUnloaded ModuleState = "unloaded"
	StateLoading  ModuleState = "loading"
	StateLoaded   ModuleState = "loaded"
	StateFailed   ModuleState = "failed"
)

// Priority controls how soon a prefetch fires. High-priority prefetches
// start immediately; lower priorities are delayed so they do not contend
// with latency-sensitive loads.
type Priority int

// Prefetch priorities.
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Prefetch scheduling delays per priority.
const (
	prefetchDelayMedium = 250 * time.Millisecond
	prefetchDelayLow    = time.Second
)

// Default configuration values, applied by Configure for zero fields.
const (
	DefaultUnloadTimeout       = 60 * time.Second
	DefaultMaintenanceInterval = 30 * time.Second
	DefaultMaxCachedModules    = 20
	DefaultMaxRetries          = 3
	DefaultRetryBaseDelay      = 100 * time.Millisecond
	DefaultRetryMaxDelay       = 5 * time.Second
)

// Config holds the registry's tunable behavior. Zero-valued fields fall
// back to the documented defaults; the boolean fields are phrased so the
// zero value matches the default (prefetching and retries enabled).
//
// Configure replaces the whole configuration; it does not merge.
type Config struct {
	// UnloadTimeout is how long a Loaded module may sit unused before the
	// maintenance sweep unloads its constructor. Default 60s.
	UnloadTimeout time.Duration

	// MaintenanceInterval is the sweep period. It is independent of, and
	// normally shorter than, UnloadTimeout. Default 30s.
	MaintenanceInterval time.Duration

	// MaxCachedModules caps how many modules may be Loaded at once. The
	// sweep evicts the least recently used modules beyond the cap.
	// Default 20.
	MaxCachedModules int

	// DisablePrefetch turns Prefetch into a no-op.
	DisablePrefetch bool

	// DisableRetry makes the first load failure terminal for the cycle.
	DisableRetry bool

	// MaxRetries bounds how many times a failed load is re-attempted
	// before the module transitions to Failed. Default 3.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay; it doubles after each
	// failed attempt. Default 100ms.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff delay. Default 5s.
	RetryMaxDelay time.Duration
}

// withDefaults returns cfg with zero fields replaced by defaults.
func withDefaults(cfg Config) Config {
	if cfg.UnloadTimeout <= 0 {
		cfg.UnloadTimeout = DefaultUnloadTimeout
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.MaxCachedModules <= 0 {
		cfg.MaxCachedModules = DefaultMaxCachedModules
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	return cfg
}

// ModuleStats is the per-kind detail returned by Stats.
type ModuleStats struct {
	State        ModuleState
	UseCount     uint64
	LastUsedAt   time.Time
	LoadDuration time.Duration
	LastError    string
}

// Stats is a point-in-time snapshot of the registry, for diagnostics.
type Stats struct {
	Unloaded  int
	Loading   int
	Loaded    int
	Failed    int
	Instances int
	Modules   map[Kind]ModuleStats
}

// PoolStats is a point-in-time snapshot of a pool.
type PoolStats struct {
	Entries   int
	TotalRefs int
}
