package rwlock

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Larger than any real pid, so liveness checks see a dead process.
const deadPid = 1 << 30

func testBackend(t *testing.T, dir string) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(dir, WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testOpts(b *SQLiteBackend) []Option {
	return []Option{
		WithBackend(b),
		WithCapacity(4),
		WithProbeInterval(time.Millisecond),
	}
}

func TestSQLiteWriterExcludesReaderAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	// Two backends on one directory stand in for two processes.
	b1 := testBackend(t, dir)
	b2 := testBackend(t, dir)

	w, err := Open("shared", testOpts(b1)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.AcquireWrite())

	r, err := Open("shared", testOpts(b2)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	acquired := make(chan struct{})
	go func() {
		if err := r.AcquireRead(); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired through a second handle while the writer held")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, w.ReleaseWrite())

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not acquire after the writer released")
	}
	require.NoError(t, r.ReleaseRead())
}

func TestSQLiteReadersOverlapAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	b1 := testBackend(t, dir)
	b2 := testBackend(t, dir)

	r1, err := Open("shared", testOpts(b1)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r1.Close() })
	r2, err := Open("shared", testOpts(b2)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r2.Close() })

	require.NoError(t, r1.AcquireRead())
	require.NoError(t, r2.AcquireRead())
	require.NoError(t, r1.ReleaseRead())
	require.NoError(t, r2.ReleaseRead())
}

func TestSQLitePoolCapacityConflict(t *testing.T) {
	b := testBackend(t, t.TempDir())

	_, err := b.OpenPool("shared", 4)
	require.NoError(t, err)

	_, err = b.OpenPool("shared", 8)
	require.ErrorIs(t, err, ErrNameConflict)
}

func TestSQLiteAbandonedGateTakeover(t *testing.T) {
	b := testBackend(t, t.TempDir())
	ctx := context.Background()

	db, err := b.database("orphaned")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
INSERT INTO gates(identity, holder_id, holder_pid, acquired_at_ns, updated_at_ns)
VALUES('orphaned', 'dead-holder', ?, 1, 1);
`, deadPid)
	require.NoError(t, err)

	c, err := Open("orphaned", testOpts(b)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// The takeover is an ordinary, if noteworthy, acquisition.
	require.NoError(t, c.AcquireWrite())
	assert.True(t, c.RecoveredAbandoned())
	require.NoError(t, c.ReleaseWrite())

	var holder sql.NullString
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT holder_id FROM gates WHERE identity = 'orphaned';`).Scan(&holder))
	assert.False(t, holder.Valid, "gate should be free after the takeover session")
}

func TestJanitorReclaimsDeadHolders(t *testing.T) {
	b := testBackend(t, t.TempDir())
	ctx := context.Background()

	_, err := b.OpenPool("swept", 4)
	require.NoError(t, err)
	db, err := b.database("swept")
	require.NoError(t, err)

	// A dead process left the gate held and one pool unit withdrawn.
	_, err = db.ExecContext(ctx, `
INSERT INTO gates(identity, holder_id, holder_pid, acquired_at_ns, updated_at_ns)
VALUES('swept', 'dead-holder', ?, 1, 1);
`, deadPid)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
UPDATE pools SET available = available - 1 WHERE identity = 'swept';
`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
INSERT INTO pool_leases(lease_id, identity, holder_id, holder_pid, acquired_at_ns)
VALUES('dead-lease', 'swept', 'dead-holder', ?, 1);
`, deadPid)
	require.NoError(t, err)

	j := NewJanitor(b, time.Second, nil, nil)
	reclaimed := j.SweepOnce(ctx)
	assert.Equal(t, 2, reclaimed, "one gate hold and one pool unit")

	var available int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT available FROM pools WHERE identity = 'swept';`).Scan(&available))
	assert.Equal(t, 4, available)

	var holder sql.NullString
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT holder_id FROM gates WHERE identity = 'swept';`).Scan(&holder))
	assert.False(t, holder.Valid)

	// Nothing left to reclaim on the second pass.
	assert.Equal(t, 0, j.SweepOnce(ctx))
}

func TestSanitizeIdentity(t *testing.T) {
	assert.Equal(t, "build-cache", sanitizeIdentity("build-cache"))
	assert.Equal(t, "a_b_c.d", sanitizeIdentity("a/b c.d"))
	assert.Equal(t, "____", sanitizeIdentity("прив"))
}
