// Package rwlock implements a reader-writer lock whose scope spans
// operating-system processes. Participants that agree on a lock identity
// (an arbitrary string exchanged out of band) coordinate through two named
// global primitives: a Gate (mutual exclusion) and a Pool (counting
// capacity). Many readers proceed concurrently; a writer gets exclusive
// access only after every concurrent reader has finished.
//
// The protocol: a reader takes the Gate only long enough to withdraw one
// Pool unit, then releases it, so readers overlap freely. A writer takes
// the Gate for its whole session -- stopping new readers at the door -- and
// then drains, probing the Pool until every unit except its own probe is
// back home. Release order is the mirror image.
//
// Gate and Pool are injected handles, not ambient globals, so the protocol
// can run against in-process fakes (NewLocalBackend) as well as the shared
// machine-wide backend (NewSQLiteBackend).
package rwlock

import "time"

// Mode distinguishes the two kinds of acquisition.
type Mode string

const (
	Read  Mode = "read"
	Write Mode = "write"
)

// Gate is a named global mutual-exclusion primitive. One owner at a time;
// Acquire blocks until this caller owns it. Release when not owning is
// undefined: callers track their own ownership, as the coordinator does.
type Gate interface {
	// Acquire blocks until ownership is obtained. abandoned reports that
	// the previous owner terminated without releasing; the acquisition
	// itself still succeeded.
	Acquire() (abandoned bool, err error)
	Release() error
	Close() error
}

// Pool is a named global counting pool with capacity fixed at creation and
// shared by every participant under the same identity.
type Pool interface {
	// AcquireUnit blocks until one unit is available and withdraws it.
	AcquireUnit() error
	// ReleaseUnits returns n units unconditionally. Returning more units
	// than were withdrawn corrupts the shared count; callers track how
	// many they hold.
	ReleaseUnits(n int) error
	// SampleAvailable withdraws one probe unit (blocking if none is
	// available), observes how many units remain available while the
	// probe is held, returns the probe, and reports the observation.
	// The sample is inherently racy under concurrent samplers; the
	// coordinator only calls it while holding the Gate.
	SampleAvailable() (int, error)
	Capacity() int
	Close() error
}

// Backend opens the two primitives for a lock identity. The same identity
// must be usable for both kinds without collision, so implementations keep
// the kinds in distinct namespaces.
type Backend interface {
	OpenGate(identity string) (Gate, error)
	OpenPool(identity string, capacity int) (Pool, error)
}

// Logger is the subset of internal/obs.Logger the coordinator needs.
// A nil logger disables logging.
type Logger interface {
	Info(fields map[string]interface{})
	Error(fields map[string]interface{})
}

// Metrics receives protocol observations. A nil Metrics disables recording.
// internal/obs.Metrics implements it over prometheus.
type Metrics interface {
	ObserveAcquire(mode, result string, wait time.Duration)
	ObserveRelease(mode, result string)
	ObserveDrain(probes int, wait time.Duration)
	IncAbandonedTakeover()
	IncBusyRetry(op string)
}
