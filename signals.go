package effectz

import "github.com/zoobzio/capitan"

// Signal definitions for effectz events.
// Signals follow the pattern: <component>.<event>.
var (
	// Module load lifecycle signals.
	SignalModuleLoadStart = capitan.NewSignal(
		"module.load-start",
		"Registry is starting a constructor load attempt for a kind",
	)
	SignalModuleLoaded = capitan.NewSignal(
		"module.loaded",
		"Registry finished loading a kind's constructor",
	)
	SignalModuleLoadFailed = capitan.NewSignal(
		"module.load-failed",
		"A constructor load attempt failed",
	)
	SignalModuleRetryWaiting = capitan.NewSignal(
		"module.retry-waiting",
		"Registry is delaying before re-attempting a failed load",
	)
	SignalModuleEvicted = capitan.NewSignal(
		"module.evicted",
		"Maintenance sweep unloaded an idle or over-cap module",
	)

	// Prefetch signals.
	SignalPrefetchFailed = capitan.NewSignal(
		"prefetch.failed",
		"A best-effort prefetch load failed; the error is swallowed",
	)

	// Pool signals.
	SignalPoolReleaseImbalance = capitan.NewSignal(
		"pool.release-imbalance",
		"Release was called on a signature with no live pool entry",
	)
)

// Common field keys using capitan primitive types.
var (
	FieldName        = capitan.NewStringKey("name")         // Component instance name
	FieldKind        = capitan.NewStringKey("kind")         // Effect kind
	FieldError       = capitan.NewStringKey("error")        // Error message
	FieldAttempt     = capitan.NewIntKey("attempt")         // Current load attempt number
	FieldMaxAttempts = capitan.NewIntKey("max_attempts")    // Attempt budget for the cycle
	FieldDelay       = capitan.NewFloat64Key("delay")       // Backoff or prefetch delay in seconds
	FieldDurationMs  = capitan.NewFloat64Key("duration_ms") // Load duration in milliseconds
	FieldIdleMs      = capitan.NewFloat64Key("idle_ms")     // Idle time at eviction in milliseconds
	FieldSignature   = capitan.NewStringKey("signature")    // Pool resource signature
	FieldTimestamp   = capitan.NewFloat64Key("timestamp")   // Unix timestamp
)
