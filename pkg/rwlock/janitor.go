package rwlock

import (
	"context"
	"database/sql"
	"time"

	"github.com/f3rrix/GlobalReaderWriterLock/internal/storage"
)

// JanitorMetrics receives sweep observations. internal/obs.Metrics
// implements it.
type JanitorMetrics interface {
	SetGatesHeld(n float64)
	SetLeasesOutstanding(n float64)
	AddReclaimed(n float64)
}

// Janitor periodically sweeps the identities a SQLiteBackend has opened:
// it frees gates whose holder process is gone, restores pool units whose
// lease holder is gone, and reports gauges. The protocol does not depend
// on it -- a gate abandoned by a dead process is also recovered inline at
// the next Acquire -- but leaked pool units would otherwise shrink the
// usable capacity until every participant is restarted.
type Janitor struct {
	backend  *SQLiteBackend
	interval time.Duration
	logger   Logger
	metrics  JanitorMetrics
}

func NewJanitor(b *SQLiteBackend, interval time.Duration, logger Logger, metrics JanitorMetrics) *Janitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Janitor{
		backend:  b,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

func (j *Janitor) Run(ctx context.Context) {
	t := time.NewTicker(j.interval)
	defer t.Stop()

	// Run once immediately
	j.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce sweeps every identity the backend has opened and returns how
// many gate holds plus pool units it reclaimed.
func (j *Janitor) SweepOnce(ctx context.Context) int {
	start := time.Now()

	j.backend.mu.Lock()
	dbs := make(map[string]*storage.DB, len(j.backend.dbs))
	for identity, db := range j.backend.dbs {
		dbs[identity] = db
	}
	j.backend.mu.Unlock()

	var held, outstanding, reclaimed int
	var sweepErr error
	for identity, db := range dbs {
		h, o, r, err := j.sweepIdentity(ctx, identity, db)
		held += h
		outstanding += o
		reclaimed += r
		if err != nil && sweepErr == nil {
			sweepErr = err
		}
	}

	if j.metrics != nil {
		j.metrics.SetGatesHeld(float64(held))
		j.metrics.SetLeasesOutstanding(float64(outstanding))
		if reclaimed > 0 {
			j.metrics.AddReclaimed(float64(reclaimed))
		}
	}

	if j.logger != nil && (reclaimed > 0 || sweepErr != nil) {
		fields := map[string]interface{}{
			"op":         "janitor_sweep",
			"gates_held": held,
			"leases":     outstanding,
			"reclaimed":  reclaimed,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if sweepErr != nil {
			fields["error"] = sweepErr.Error()
			j.logger.Error(fields)
		} else {
			j.logger.Info(fields)
		}
	}
	return reclaimed
}

func (j *Janitor) sweepIdentity(ctx context.Context, identity string, db *storage.DB) (held, outstanding, reclaimed int, err error) {
	var (
		holder sql.NullString
		pid    sql.NullInt64
	)
	err = db.QueryRowContext(ctx, `
SELECT holder_id, holder_pid FROM gates WHERE identity = ?;
`, identity).Scan(&holder, &pid)
	switch {
	case err == sql.ErrNoRows:
		err = nil
	case err != nil:
		return 0, 0, 0, err
	case holder.Valid:
		if pidAlive(int(pid.Int64)) {
			held = 1
		} else {
			res, uerr := db.ExecContext(ctx, `
UPDATE gates
SET holder_id = NULL, holder_pid = NULL, updated_at_ns = ?
WHERE identity = ? AND holder_id = ?;
`, time.Now().UnixNano(), identity, holder.String)
			if uerr != nil {
				return 0, 0, 0, uerr
			}
			if aff, _ := res.RowsAffected(); aff == 1 {
				reclaimed++
			}
		}
	}

	leaked, live, lerr := j.sweepLeases(ctx, identity, db)
	if lerr != nil {
		return held, 0, reclaimed, lerr
	}
	return held, live, reclaimed + leaked, nil
}

func (j *Janitor) sweepLeases(ctx context.Context, identity string, db *storage.DB) (leaked, live int, err error) {
	rows, err := db.QueryContext(ctx, `
SELECT lease_id, holder_pid FROM pool_leases WHERE identity = ?;
`, identity)
	if err != nil {
		return 0, 0, err
	}
	var dead []string
	for rows.Next() {
		var leaseID string
		var pid int
		if err := rows.Scan(&leaseID, &pid); err != nil {
			_ = rows.Close()
			return 0, 0, err
		}
		if pidAlive(pid) {
			live++
		} else {
			dead = append(dead, leaseID)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, live, err
	}
	_ = rows.Close()

	for _, leaseID := range dead {
		tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return leaked, live, err
		}
		// Delete-then-increment keyed on the lease row, so two sweepers
		// cannot restore the same unit twice.
		res, err := tx.ExecContext(ctx, `DELETE FROM pool_leases WHERE lease_id = ?;`, leaseID)
		if err != nil {
			_ = tx.Rollback()
			return leaked, live, err
		}
		if aff, _ := res.RowsAffected(); aff == 1 {
			if _, err := tx.ExecContext(ctx, `
UPDATE pools SET available = available + 1, updated_at_ns = ?
WHERE identity = ?;
`, time.Now().UnixNano(), identity); err != nil {
				_ = tx.Rollback()
				return leaked, live, err
			}
			leaked++
		}
		if err := tx.Commit(); err != nil {
			return leaked, live, err
		}
	}
	return leaked, live, nil
}
