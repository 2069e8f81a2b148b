package rwlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"

	"github.com/f3rrix/GlobalReaderWriterLock/internal/storage"
)

// SQLiteBackend keeps each identity's Gate and Pool in a sqlite database
// file shared by every process on the machine. The file path is derived
// deterministically from the identity, so unrelated processes that agree on
// the identity (and the directory) reach the same primitives. The two
// primitive kinds live in distinct tables, which is what lets one identity
// name both without collision.
//
// Blocking waits are bounded-interval polls against the database; sqlite's
// transactions provide the atomicity the counters need.
type SQLiteBackend struct {
	dir          string
	pollInterval time.Duration
	clock        clockwork.Clock
	metrics      Metrics

	mu  sync.Mutex
	dbs map[string]*storage.DB
}

// SQLiteOption configures NewSQLiteBackend.
type SQLiteOption func(*SQLiteBackend)

// WithPollInterval sets the sleep between blocking-acquire polls.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(b *SQLiteBackend) { b.pollInterval = d }
}

// WithBackendClock substitutes the clock used for poll sleeps.
func WithBackendClock(c clockwork.Clock) SQLiteOption {
	return func(b *SQLiteBackend) { b.clock = c }
}

// WithBackendMetrics counts transient busy retries.
func WithBackendMetrics(m Metrics) SQLiteOption {
	return func(b *SQLiteBackend) { b.metrics = m }
}

func NewSQLiteBackend(dir string, opts ...SQLiteOption) (*SQLiteBackend, error) {
	if dir == "" {
		return nil, &UsageError{Op: "NewSQLiteBackend", Detail: "dir is required"}
	}
	b := &SQLiteBackend{
		dir:          dir,
		pollInterval: DefaultProbeInterval,
		clock:        clockwork.NewRealClock(),
		dbs:          make(map[string]*storage.DB),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Close disposes every database handle the backend opened. Primitives whose
// identities other processes still use are unaffected; the state lives in
// the files, not in this handle.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for identity, db := range b.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", identity, err))
		}
		delete(b.dbs, identity)
	}
	return errors.Join(errs...)
}

func (b *SQLiteBackend) OpenGate(identity string) (Gate, error) {
	db, err := b.database(identity)
	if err != nil {
		return nil, err
	}
	return &sqliteGate{
		backend:  b,
		db:       db,
		identity: identity,
		holderID: uuid.NewString(),
		pid:      os.Getpid(),
	}, nil
}

func (b *SQLiteBackend) OpenPool(identity string, capacity int) (Pool, error) {
	db, err := b.database(identity)
	if err != nil {
		return nil, err
	}
	p := &sqlitePool{
		backend:  b,
		db:       db,
		identity: identity,
		holderID: uuid.NewString(),
		pid:      os.Getpid(),
		capacity: capacity,
	}
	if err := p.ensure(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (b *SQLiteBackend) database(identity string) (*storage.DB, error) {
	if identity == "" {
		return nil, &UsageError{Op: "open", Detail: "identity is required"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if db, ok := b.dbs[identity]; ok {
		return db, nil
	}
	path := filepath.Join(b.dir, sanitizeIdentity(identity)+".db")
	db, err := storage.Open(context.Background(), storage.Config{Path: path})
	if err != nil {
		if os.IsPermission(err) || errors.Is(err, syscall.EACCES) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, err
	}
	b.dbs[identity] = db
	return db, nil
}

func (b *SQLiteBackend) busyRetry(op string) {
	if b.metrics != nil {
		b.metrics.IncBusyRetry(op)
	}
	b.clock.Sleep(b.pollInterval)
}

// sanitizeIdentity maps an arbitrary identity to a filename. Distinct
// identities can in principle collide after sanitization; participants that
// pick hostile names get what they asked for.
func sanitizeIdentity(identity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, identity)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}
	return false
}

// pidAlive reports whether a process with the given pid still exists.
// EPERM means it exists but belongs to another user, which for takeover
// purposes is alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// sqliteGate is the mutual-exclusion primitive: the gates row for the
// identity names the current holder, NULL when free.
type sqliteGate struct {
	backend  *SQLiteBackend
	db       *storage.DB
	identity string
	holderID string
	pid      int
}

func (g *sqliteGate) Acquire() (bool, error) {
	ctx := context.Background()
	for {
		took, abandoned, err := g.tryAcquire(ctx)
		if err != nil {
			if isSQLiteBusy(err) {
				g.backend.busyRetry("gate")
				continue
			}
			return false, err
		}
		if took {
			return abandoned, nil
		}
		g.backend.clock.Sleep(g.backend.pollInterval)
	}
}

func (g *sqliteGate) tryAcquire(ctx context.Context) (took, abandoned bool, err error) {
	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO gates(identity, acquired_at_ns, updated_at_ns) VALUES(?, 0, 0)
ON CONFLICT(identity) DO NOTHING;
`, g.identity); err != nil {
		return false, false, err
	}

	var (
		curHolder sql.NullString
		curPid    sql.NullInt64
	)
	if err := tx.QueryRowContext(ctx, `
SELECT holder_id, holder_pid FROM gates WHERE identity = ?;
`, g.identity).Scan(&curHolder, &curPid); err != nil {
		return false, false, err
	}

	if curHolder.Valid {
		if curHolder.String == g.holderID {
			return false, false, &UsageError{Op: "gate.Acquire", Detail: "gate already held by this handle"}
		}
		if pidAlive(int(curPid.Int64)) {
			return false, false, tx.Commit()
		}
		// Previous holder died without releasing; take over.
		abandoned = true
	}

	nowNs := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
UPDATE gates
SET holder_id = ?, holder_pid = ?, acquired_at_ns = ?, updated_at_ns = ?
WHERE identity = ?;
`, g.holderID, g.pid, nowNs, nowNs, g.identity); err != nil {
		return false, false, err
	}
	if err := tx.Commit(); err != nil {
		return false, false, err
	}
	return true, abandoned, nil
}

func (g *sqliteGate) Release() error {
	ctx := context.Background()
	for {
		_, err := g.db.ExecContext(ctx, `
UPDATE gates
SET holder_id = NULL, holder_pid = NULL, updated_at_ns = ?
WHERE identity = ? AND holder_id = ?;
`, time.Now().UnixNano(), g.identity, g.holderID)
		if err != nil {
			if isSQLiteBusy(err) {
				g.backend.busyRetry("gate")
				continue
			}
			return err
		}
		// Zero rows affected means this handle was not the holder; the
		// contract makes that a no-op.
		return nil
	}
}

// Close is a no-op: the database handle belongs to the backend and the gate
// row belongs to the identity.
func (g *sqliteGate) Close() error { return nil }

// sqlitePool is the counting primitive: pools.available is the shared
// count, pool_leases records which process holds each withdrawn unit.
type sqlitePool struct {
	backend  *SQLiteBackend
	db       *storage.DB
	identity string
	holderID string
	pid      int
	capacity int
}

func (p *sqlitePool) ensure(ctx context.Context) error {
	for {
		err := p.ensureOnce(ctx)
		if isSQLiteBusy(err) {
			p.backend.busyRetry("pool")
			continue
		}
		return err
	}
}

func (p *sqlitePool) ensureOnce(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	nowNs := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO pools(identity, capacity, available, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(identity) DO NOTHING;
`, p.identity, p.capacity, p.capacity, nowNs, nowNs); err != nil {
		return err
	}

	var have int
	if err := tx.QueryRowContext(ctx, `
SELECT capacity FROM pools WHERE identity = ?;
`, p.identity).Scan(&have); err != nil {
		return err
	}
	if have != p.capacity {
		return &NameConflictError{Identity: p.identity, WantCapacity: p.capacity, HaveCapacity: have}
	}
	return tx.Commit()
}

func (p *sqlitePool) AcquireUnit() error {
	ctx := context.Background()
	for {
		took, err := p.tryAcquireUnit(ctx)
		if err != nil {
			if isSQLiteBusy(err) {
				p.backend.busyRetry("pool")
				continue
			}
			return err
		}
		if took {
			return nil
		}
		p.backend.clock.Sleep(p.backend.pollInterval)
	}
}

func (p *sqlitePool) tryAcquireUnit(ctx context.Context) (bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	nowNs := time.Now().UnixNano()
	res, err := tx.ExecContext(ctx, `
UPDATE pools SET available = available - 1, updated_at_ns = ?
WHERE identity = ? AND available > 0;
`, nowNs, p.identity)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	if aff != 1 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO pool_leases(lease_id, identity, holder_id, holder_pid, acquired_at_ns)
VALUES(?, ?, ?, ?, ?);
`, uuid.NewString(), p.identity, p.holderID, p.pid, nowNs); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *sqlitePool) ReleaseUnits(n int) error {
	if n <= 0 {
		return nil
	}
	ctx := context.Background()
	for {
		err := p.releaseUnitsOnce(ctx, n)
		if isSQLiteBusy(err) {
			p.backend.busyRetry("pool")
			continue
		}
		return err
	}
}

func (p *sqlitePool) releaseUnitsOnce(ctx context.Context, n int) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Unconditional increment per the Pool contract; callers track what
	// they hold.
	if _, err := tx.ExecContext(ctx, `
UPDATE pools SET available = available + ?, updated_at_ns = ?
WHERE identity = ?;
`, n, time.Now().UnixNano(), p.identity); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM pool_leases WHERE lease_id IN (
  SELECT lease_id FROM pool_leases
  WHERE identity = ? AND holder_id = ?
  ORDER BY acquired_at_ns
  LIMIT ?
);
`, p.identity, p.holderID, n); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *sqlitePool) SampleAvailable() (int, error) {
	ctx := context.Background()
	for {
		observed, ok, err := p.sampleOnce(ctx)
		if err != nil {
			if isSQLiteBusy(err) {
				p.backend.busyRetry("sample")
				continue
			}
			return 0, err
		}
		if ok {
			return observed, nil
		}
		// No unit available for the probe yet; the probe blocks like any
		// other acquisition.
		p.backend.clock.Sleep(p.backend.pollInterval)
	}
}

func (p *sqlitePool) sampleOnce(ctx context.Context) (int, bool, error) {
	// Probe-acquire and probe-release collapse into a single transaction:
	// available-1 is exactly the count an observer holding one probe unit
	// would see.
	var available int
	if err := p.db.QueryRowContext(ctx, `
SELECT available FROM pools WHERE identity = ?;
`, p.identity).Scan(&available); err != nil {
		return 0, false, err
	}
	if available <= 0 {
		return 0, false, nil
	}
	return available - 1, true, nil
}

func (p *sqlitePool) Capacity() int { return p.capacity }

func (p *sqlitePool) Close() error { return nil }
