// Package effectz provides lifecycle, identity, caching, and sharing for
// lazily constructed effect instances and the heavyweight program
// resources they depend on.
//
// # Overview
//
// Rendering stacks that support pluggable visual effects pay two costs
// again and again: resolving and constructing an effect for a given
// parameter set, and compiling the GPU program the effect runs on.
// effectz factors both into reusable, observable machinery:
//
//   - Registry: per-kind lazy loading of effect constructors with
//     single-flight sharing, retry with exponential backoff, a
//     fingerprint-keyed instance cache, and timed idle eviction.
//   - Pool: keyed, reference-counted sharing of expensive resources so
//     that instances needing an identical compiled program share exactly
//     one allocation, disposed exactly once when the last reference goes.
//
// effectz does not render pixels, parse shader source, or implement any
// visual effect. Its job ends at handing callers the right constructed
// artifact; what the artifact draws is the caller's business.
//
// # Core Concepts
//
// A Kind names one loadable effect family. A SourceProvider resolves a
// kind to a Constructor, asynchronously and possibly failing. Invoking
// the constructor with a Params set yields an Instance, which acquires
// its shared program from the registry's Pool and releases it on Dispose.
//
// Identity is fingerprint-based: equal (kind, params) pairs map to the
// same cached Instance. Pool identity is signature-based and coarser by
// design - signatures derive from the compiled-program shape, so two
// instances with different intensities share one pool entry.
//
// # Usage Example
//
//	programs := effectz.NewPool("programs", func(p Program) { p.Destroy() })
//
//	provider := effectz.SourceFunc[Program](func(ctx context.Context, kind effectz.Kind) (effectz.Constructor[Program], error) {
//	    ctor, ok := bundled[kind]
//	    if !ok {
//	        return nil, effectz.ErrUnknownKind
//	    }
//	    return ctor, nil
//	})
//
//	registry := effectz.NewRegistry("effects", provider, programs).
//	    Configure(effectz.Config{UnloadTimeout: 2 * time.Minute})
//	defer registry.Close()
//
//	registry.Prefetch([]effectz.Kind{"blur", "glow"}, effectz.PriorityLow)
//
//	inst, err := registry.Instance(ctx, "blur", effectz.Params{"radius": 4})
//	if err != nil {
//	    return err
//	}
//	inst.Update(0.8)
//
// # Concurrency
//
// All registry and pool state is serialized under each component's
// mutex. For a fixed kind at most one load is in flight at any time;
// concurrent callers join it. For a fixed fingerprint at most one
// constructor invocation runs; concurrent callers observe one Instance.
// Waiting callers can abandon via context cancellation without
// cancelling the shared work.
//
// Time is read through an injected clockz.Clock, so backoff delays,
// prefetch scheduling, and the maintenance interval are all fully
// testable with a fake clock.
package effectz
