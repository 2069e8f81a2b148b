package rwlock

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultCapacity bounds concurrent readers per identity. It only has
	// to be larger than any legitimate reader concurrency; exhausting it
	// looks identical to a writer drain from the protocol's point of view.
	DefaultCapacity = 64

	// DefaultProbeInterval is the sleep between writer drain probes.
	DefaultProbeInterval = 10 * time.Millisecond
)

type config struct {
	capacity      int
	probeInterval time.Duration
	backend       Backend
	logger        Logger
	metrics       Metrics
	clock         clockwork.Clock
}

// Option configures Open, ForReading and ForWriting.
type Option func(*config)

// WithCapacity sets the pool capacity used when the identity's pool is
// created. Every participant must agree on it; joining an existing pool
// with a different capacity is a name conflict.
func WithCapacity(c int) Option {
	return func(cfg *config) { cfg.capacity = c }
}

// WithProbeInterval sets the sleep between writer drain probes.
func WithProbeInterval(d time.Duration) Option {
	return func(cfg *config) { cfg.probeInterval = d }
}

// WithBackend substitutes the primitive backend. The default is a shared
// sqlite database under os.TempDir(), giving machine-wide scope.
func WithBackend(b Backend) Option {
	return func(cfg *config) { cfg.backend = b }
}

// WithLogger enables structured logging of acquisitions and cleanup.
func WithLogger(l Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// WithMetrics enables protocol metrics.
func WithMetrics(m Metrics) Option {
	return func(cfg *config) { cfg.metrics = m }
}

// WithClock substitutes the clock used for drain sleeps. Tests pass a
// clockwork fake; the default is the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

func buildConfig(opts []Option) (config, error) {
	cfg := config{
		capacity:      DefaultCapacity,
		probeInterval: DefaultProbeInterval,
		clock:         clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.capacity <= 0 {
		return cfg, &UsageError{Op: "open", Detail: "capacity must be > 0"}
	}
	if cfg.probeInterval <= 0 {
		return cfg, &UsageError{Op: "open", Detail: "probe interval must be > 0"}
	}
	if cfg.backend == nil {
		b, err := sharedDefaultBackend()
		if err != nil {
			return cfg, err
		}
		cfg.backend = b
	}
	return cfg, nil
}

var (
	defaultBackendOnce sync.Once
	defaultBackend     *SQLiteBackend
	defaultBackendErr  error
)

// sharedDefaultBackend is the process-wide sqlite backend under
// os.TempDir(); one instance so every Open shares its database handles.
func sharedDefaultBackend() (Backend, error) {
	defaultBackendOnce.Do(func() {
		defaultBackend, defaultBackendErr = NewSQLiteBackend(filepath.Join(os.TempDir(), "globalrwlock"))
	})
	if defaultBackendErr != nil {
		return nil, defaultBackendErr
	}
	return defaultBackend, nil
}
