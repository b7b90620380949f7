// Package testing provides test utilities for effectz-based applications.
//
// This package includes a scriptable source provider and a mock effect
// instance to make testing registry and pool behavior easier.
//
// Example usage:
//
//	func TestMyEffects(t *testing.T) {
//		provider := effectztesting.NewMockProvider[string]()
//		provider.Register("blur", blurConstructor)
//		provider.FailTimes("glow", 2, errors.New("flaky bundle"))
//
//		pool := effectz.NewPool[string]("programs", nil)
//		registry := effectz.NewRegistry("effects", provider, pool)
//		defer registry.Close()
//
//		_, err := registry.Instance(context.Background(), "blur", nil)
//		require no error, then:
//		effectztesting.AssertLoads(t, provider, "blur", 1)
//	}
package testing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/effectz"
)

// MockProvider is a scriptable effectz.SourceProvider. It tracks load
// calls per kind and can be configured to fail a number of times before
// succeeding, to fail permanently, or to delay resolution.
type MockProvider[R any] struct {
	ctors    map[effectz.Kind]effectz.Constructor[R]
	failures map[effectz.Kind]int
	errs     map[effectz.Kind]error
	calls    map[effectz.Kind]int
	delay    time.Duration
	mu       sync.Mutex
}

// NewMockProvider creates a provider with no registered kinds. Loading
// an unregistered kind returns effectz.ErrUnknownKind.
func NewMockProvider[R any]() *MockProvider[R] {
	return &MockProvider[R]{
		ctors:    make(map[effectz.Kind]effectz.Constructor[R]),
		failures: make(map[effectz.Kind]int),
		errs:     make(map[effectz.Kind]error),
		calls:    make(map[effectz.Kind]int),
	}
}

// Register makes kind resolvable to ctor.
func (m *MockProvider[R]) Register(kind effectz.Kind, ctor effectz.Constructor[R]) *MockProvider[R] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctors[kind] = ctor
	return m
}

// FailTimes makes the next n loads of kind fail with err before any
// registered constructor is returned. With n < 0 the kind fails forever.
func (m *MockProvider[R]) FailTimes(kind effectz.Kind, n int, err error) *MockProvider[R] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind] = n
	m.errs[kind] = err
	return m
}

// WithDelay makes every load sleep for d before resolving.
func (m *MockProvider[R]) WithDelay(d time.Duration) *MockProvider[R] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Load implements the effectz.SourceProvider interface.
func (m *MockProvider[R]) Load(_ context.Context, kind effectz.Kind) (effectz.Constructor[R], error) {
	m.mu.Lock()
	m.calls[kind]++
	delay := m.delay
	remaining, scripted := m.failures[kind]
	err := m.errs[kind]
	ctor, registered := m.ctors[kind]
	if scripted && remaining != 0 {
		if remaining > 0 {
			m.failures[kind] = remaining - 1
		}
		m.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		return nil, err
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if !registered {
		return nil, fmt.Errorf("kind %q: %w", kind, effectz.ErrUnknownKind)
	}
	return ctor, nil
}

// Loads returns how many times kind has been resolved.
func (m *MockProvider[R]) Loads(kind effectz.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

// TotalLoads returns the load count across all kinds.
func (m *MockProvider[R]) TotalLoads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// MockInstance is a configurable effectz.Instance that records calls.
type MockInstance struct {
	onDispose     func()
	sig           string
	updates       int64
	resets        int64
	disposals     int64
	lastIntensity atomic.Value
}

// NewMockInstance creates an instance with the given pool signature.
// The onDispose hook, if non-nil, runs on the first Dispose; use it to
// release pool references the constructor acquired.
func NewMockInstance(signature string, onDispose func()) *MockInstance {
	return &MockInstance{sig: signature, onDispose: onDispose}
}

// Update implements the effectz.Instance interface.
func (m *MockInstance) Update(intensity float64) {
	atomic.AddInt64(&m.updates, 1)
	m.lastIntensity.Store(intensity)
}

// Reset implements the effectz.Instance interface.
func (m *MockInstance) Reset() {
	atomic.AddInt64(&m.resets, 1)
}

// Dispose implements the effectz.Instance interface. Only the first call
// runs the dispose hook; extra calls are counted for assertions.
func (m *MockInstance) Dispose() {
	if atomic.AddInt64(&m.disposals, 1) == 1 && m.onDispose != nil {
		m.onDispose()
	}
}

// Signature implements the effectz.Instance interface.
func (m *MockInstance) Signature() string {
	return m.sig
}

// Updates returns how many times Update was called.
func (m *MockInstance) Updates() int {
	return int(atomic.LoadInt64(&m.updates))
}

// Resets returns how many times Reset was called.
func (m *MockInstance) Resets() int {
	return int(atomic.LoadInt64(&m.resets))
}

// Disposals returns how many times Dispose was called.
func (m *MockInstance) Disposals() int {
	return int(atomic.LoadInt64(&m.disposals))
}

// LastIntensity returns the most recent Update argument, or zero.
func (m *MockInstance) LastIntensity() float64 {
	if v := m.lastIntensity.Load(); v != nil {
		return v.(float64)
	}
	return 0
}

// AssertLoads fails the test if kind's load count differs from want.
func AssertLoads[R any](t *testing.T, provider *MockProvider[R], kind effectz.Kind, want int) {
	t.Helper()
	if got := provider.Loads(kind); got != want {
		t.Errorf("expected %d load(s) for kind %q, got %d", want, kind, got)
	}
}
