package rwlock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type state int

const (
	stateIdle state = iota
	stateReaderHeld
	stateWriterHeld
)

// Coordinator binds one participant to the global lock named by an
// identity and runs the acquisition protocol against the identity's Gate
// and Pool. A coordinator carries at most one acquisition at a time and is
// not re-enterable after Close.
type Coordinator struct {
	identity string
	id       string // instance id, for log correlation only
	gate     Gate
	pool     Pool

	mu        sync.Mutex
	state     state
	leases    int // outstanding pool units withdrawn by this instance
	gateHeld  bool
	closed    bool
	abandoned bool

	probeInterval time.Duration
	clock         clockwork.Clock
	logger        Logger
	metrics       Metrics
}

// Open binds a coordinator to identity, creating the global primitives if
// they do not exist yet and joining them if they do. Construction fails
// synchronously on permission or name-conflict faults; it never blocks on
// other participants.
func Open(identity string, opts ...Option) (*Coordinator, error) {
	if identity == "" {
		return nil, &UsageError{Op: "Open", Detail: "identity is required"}
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	gate, err := cfg.backend.OpenGate(identity)
	if err != nil {
		return nil, fmt.Errorf("open gate %q: %w", identity, err)
	}
	pool, err := cfg.backend.OpenPool(identity, cfg.capacity)
	if err != nil {
		_ = gate.Close()
		return nil, fmt.Errorf("open pool %q: %w", identity, err)
	}
	return &Coordinator{
		identity:      identity,
		id:            uuid.NewString(),
		gate:          gate,
		pool:          pool,
		probeInterval: cfg.probeInterval,
		clock:         cfg.clock,
		logger:        cfg.logger,
		metrics:       cfg.metrics,
	}, nil
}

func (c *Coordinator) Identity() string { return c.identity }

// RecoveredAbandoned reports whether any Gate acquisition by this
// coordinator found the previous owner gone without releasing.
func (c *Coordinator) RecoveredAbandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned
}

func (c *Coordinator) checkIdle(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != stateIdle {
		return &UsageError{Op: op, Detail: "coordinator already holds an acquisition"}
	}
	return nil
}

// AcquireRead blocks until one reader lease is held. The Gate is held only
// for the duration of the single pool-unit withdrawal, so a reader never
// stalls other Gate waiters for longer than that.
func (c *Coordinator) AcquireRead() error {
	if err := c.checkIdle("AcquireRead"); err != nil {
		return err
	}
	start := c.clock.Now()

	abandoned, err := c.gate.Acquire()
	if err != nil {
		c.observeAcquire(Read, "error", start)
		return fmt.Errorf("acquire gate: %w", err)
	}
	c.noteAbandoned(abandoned)

	if err := c.pool.AcquireUnit(); err != nil {
		_ = c.gate.Release()
		c.observeAcquire(Read, "error", start)
		return fmt.Errorf("acquire pool unit: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.pool.ReleaseUnits(1)
		_ = c.gate.Release()
		return ErrClosed
	}
	c.leases++
	c.state = stateReaderHeld
	c.mu.Unlock()

	if err := c.gate.Release(); err != nil {
		// The lease stands; a stuck gate blocks everyone, so fail loudly.
		c.logError("acquire_read", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("release gate after read acquire: %w", err)
	}

	c.observeAcquire(Read, "success", start)
	c.logInfo("acquire_read", map[string]interface{}{
		"abandoned":  abandoned,
		"latency_ms": c.clock.Since(start).Milliseconds(),
	})
	return nil
}

// ReleaseRead returns this coordinator's reader lease. Calling it without
// an outstanding lease is a no-op.
func (c *Coordinator) ReleaseRead() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.leases == 0 {
		c.mu.Unlock()
		c.observeRelease(Read, "noop")
		return nil
	}
	c.leases--
	c.state = stateIdle
	c.mu.Unlock()

	if err := c.pool.ReleaseUnits(1); err != nil {
		c.logError("release_read", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("release pool unit: %w", err)
	}
	c.observeRelease(Read, "success")
	return nil
}

// AcquireWrite blocks until this coordinator holds exclusive access. It
// takes the Gate for the remainder of the session, which stops new readers
// (their lease withdrawal needs the Gate), then drains: it repeatedly
// samples the pool until every unit except its own probe is back, sleeping
// probeInterval between samples. On return the pool is at full capacity
// and cannot be depleted until ReleaseWrite.
func (c *Coordinator) AcquireWrite() error {
	if err := c.checkIdle("AcquireWrite"); err != nil {
		return err
	}
	start := c.clock.Now()

	abandoned, err := c.gate.Acquire()
	if err != nil {
		c.observeAcquire(Write, "error", start)
		return fmt.Errorf("acquire gate: %w", err)
	}
	c.noteAbandoned(abandoned)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.gate.Release()
		return ErrClosed
	}
	// Recorded before the drain so cleanup releases the gate if the
	// coordinator is torn down mid-drain.
	c.gateHeld = true
	c.mu.Unlock()

	probes := 0
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}

		sample, err := c.pool.SampleAvailable()
		if err != nil {
			c.releaseGateOnError()
			c.observeAcquire(Write, "error", start)
			return fmt.Errorf("sample pool: %w", err)
		}
		probes++
		if sample >= c.pool.Capacity()-1 {
			// Only the probe was missing: zero reader leases outstanding.
			break
		}
		c.clock.Sleep(c.probeInterval)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = stateWriterHeld
	c.mu.Unlock()

	wait := c.clock.Since(start)
	if c.metrics != nil {
		c.metrics.ObserveDrain(probes, wait)
	}
	c.observeAcquire(Write, "success", start)
	c.logInfo("acquire_write", map[string]interface{}{
		"abandoned":  abandoned,
		"probes":     probes,
		"latency_ms": wait.Milliseconds(),
	})
	return nil
}

// ReleaseWrite releases the Gate and with it the writer's exclusion.
// Calling it while the Gate is not held is a no-op.
func (c *Coordinator) ReleaseWrite() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.gateHeld {
		c.mu.Unlock()
		c.observeRelease(Write, "noop")
		return nil
	}
	c.gateHeld = false
	c.state = stateIdle
	c.mu.Unlock()

	if err := c.gate.Release(); err != nil {
		c.logError("release_write", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("release gate: %w", err)
	}
	c.observeRelease(Write, "success")
	return nil
}

// Close releases whatever the coordinator still holds -- the Gate, then any
// recorded leases -- and disposes the primitive handles. Stranding global
// capacity would block every other participant forever, so the release pass
// is best-effort: failures are logged and the remaining steps still run.
// Close is idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	leases := c.leases
	gateHeld := c.gateHeld
	c.leases = 0
	c.gateHeld = false
	c.state = stateIdle
	c.mu.Unlock()

	var errs []error
	if gateHeld {
		if err := c.gate.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release gate: %w", err))
		}
	}
	if leases > 0 {
		if err := c.pool.ReleaseUnits(leases); err != nil {
			errs = append(errs, fmt.Errorf("release %d leases: %w", leases, err))
		}
	}
	if err := c.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}
	if err := c.gate.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close gate: %w", err))
	}

	if len(errs) > 0 {
		c.logError("close", map[string]interface{}{"error": errors.Join(errs...).Error()})
	} else if gateHeld || leases > 0 {
		c.logInfo("close", map[string]interface{}{
			"released_gate":   gateHeld,
			"released_leases": leases,
		})
	}
	return errors.Join(errs...)
}

func (c *Coordinator) releaseGateOnError() {
	c.mu.Lock()
	held := c.gateHeld
	c.gateHeld = false
	c.mu.Unlock()
	if held {
		_ = c.gate.Release()
	}
}

func (c *Coordinator) noteAbandoned(abandoned bool) {
	if !abandoned {
		return
	}
	c.mu.Lock()
	c.abandoned = true
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.IncAbandonedTakeover()
	}
	c.logInfo("abandoned_takeover", nil)
}

func (c *Coordinator) observeAcquire(mode Mode, result string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveAcquire(string(mode), result, c.clock.Since(start))
	}
}

func (c *Coordinator) observeRelease(mode Mode, result string) {
	if c.metrics != nil {
		c.metrics.ObserveRelease(string(mode), result)
	}
}

func (c *Coordinator) logInfo(op string, fields map[string]interface{}) {
	if c.logger == nil {
		return
	}
	c.logger.Info(c.logFields(op, fields))
}

func (c *Coordinator) logError(op string, fields map[string]interface{}) {
	if c.logger == nil {
		return
	}
	c.logger.Error(c.logFields(op, fields))
}

func (c *Coordinator) logFields(op string, fields map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{
		"op":          op,
		"lock":        c.identity,
		"coordinator": c.id,
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
