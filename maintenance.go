package effectz

import (
	"context"
	"sort"
	"time"

	"github.com/zoobzio/capitan"
)

// ensureMaintenance starts the background sweep loop on the registry's
// first use. Starting lazily (rather than in NewRegistry) lets WithClock
// install a test clock before the loop takes its first wait.
func (r *Registry[R]) ensureMaintenance() {
	r.mu.Lock()
	if r.sweeping || r.closed {
		r.mu.Unlock()
		return
	}
	r.sweeping = true
	r.mu.Unlock()

	go r.maintenanceLoop()
}

// maintenanceLoop sweeps on the configured interval until Close. The
// interval is re-read each iteration so Configure takes effect on the
// next tick.
func (r *Registry[R]) maintenanceLoop() {
	for {
		r.mu.Lock()
		interval := r.cfg.MaintenanceInterval
		r.mu.Unlock()

		select {
		case <-r.stop:
			return
		case <-r.getClock().After(interval):
			r.Sweep()
		}
	}
}

// Sweep runs one maintenance pass: every Loaded module whose last use is
// older than the unload timeout has its constructor dropped and returns
// to Unloaded, and the least recently used Loaded modules beyond the
// MaxCachedModules cap are unloaded as well. Loading and Failed entries
// are never touched, and the instance cache is not consulted - instance
// retention is governed only by ClearInstances.
//
// The maintenance loop calls Sweep periodically; exposing it lets tests
// and shutdown paths force a pass.
func (r *Registry[R]) Sweep() {
	clock := r.getClock()
	now := clock.Now()

	type eviction struct {
		kind Kind
		idle time.Duration
	}
	var evicted []eviction

	r.mu.Lock()
	cfg := r.cfg

	type loadedModule struct {
		entry *moduleEntry[R]
		kind  Kind
	}
	var loaded []loadedModule
	for kind, e := range r.modules {
		if e.state != StateLoaded {
			continue
		}
		idle := now.Sub(e.lastUsedAt)
		if idle > cfg.UnloadTimeout {
			e.state = StateUnloaded
			e.constructor = nil
			evicted = append(evicted, eviction{kind: kind, idle: idle})
			continue
		}
		loaded = append(loaded, loadedModule{kind: kind, entry: e})
	}

	// Enforce the loaded-module cap, oldest last use first.
	if len(loaded) > cfg.MaxCachedModules {
		sort.Slice(loaded, func(i, j int) bool {
			return loaded[i].entry.lastUsedAt.Before(loaded[j].entry.lastUsedAt)
		})
		for _, m := range loaded[:len(loaded)-cfg.MaxCachedModules] {
			m.entry.state = StateUnloaded
			m.entry.constructor = nil
			evicted = append(evicted, eviction{kind: m.kind, idle: now.Sub(m.entry.lastUsedAt)})
		}
	}
	r.mu.Unlock()

	for _, ev := range evicted {
		r.metrics.Counter(RegistryEvictionsTotal).Inc()
		capitan.Info(context.Background(), SignalModuleEvicted,
			FieldName.Field(r.name),
			FieldKind.Field(ev.kind),
			FieldIdleMs.Field(float64(ev.idle.Milliseconds())),
		)
		r.emit(RegistryEventEvicted, RegistryEvent{
			Kind:  ev.kind,
			State: StateUnloaded,
		})
	}
	if len(evicted) > 0 {
		r.syncLoadedGauge()
	}
}
