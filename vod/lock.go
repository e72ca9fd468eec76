package vod

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Locks are claims, not leases: a row in target_locks means some process owns
// the target until the row is explicitly deleted. There is no TTL and no
// automatic expiry. A lock left behind by a fatal failure or a dead process
// is released by an operator (cmd/unlock) once the cause is understood,
// because a second archiver stomping on a half-written working area is worse
// than a stalled target.

// AcquireLock claims a target for owner. It returns false when another owner
// already holds the claim.
func AcquireLock(ctx context.Context, db *sql.DB, targetID, owner string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO target_locks (target_id, owner, acquired_at) VALUES ($1,$2,NOW())
		 ON CONFLICT (target_id) DO NOTHING`, targetID, owner)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", targetID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Re-acquisition by the same owner (e.g. restart with a stable owner
		// id) is allowed; anything else is a conflict.
		var holder string
		if err := db.QueryRowContext(ctx, `SELECT owner FROM target_locks WHERE target_id=$1`, targetID).Scan(&holder); err == nil && holder == owner {
			return true, nil
		}
		return false, nil
	}
	return true, nil
}

// ReleaseLock clears a claim. Only called on successful completion or by the
// operator tool.
func ReleaseLock(ctx context.Context, db *sql.DB, targetID, owner string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM target_locks WHERE target_id=$1 AND owner=$2`, targetID, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", targetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("lock release found no claim", slog.String("target_id", targetID), slog.String("owner", owner))
	}
	return nil
}

// ForceReleaseLock clears a claim regardless of owner. Operator use only.
func ForceReleaseLock(ctx context.Context, db *sql.DB, targetID string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM target_locks WHERE target_id=$1`, targetID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LockHolder reports the current claim on a target, if any.
func LockHolder(ctx context.Context, db *sql.DB, targetID string) (owner string, acquiredAt time.Time, held bool, err error) {
	err = db.QueryRowContext(ctx, `SELECT owner, acquired_at FROM target_locks WHERE target_id=$1`, targetID).Scan(&owner, &acquiredAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return owner, acquiredAt, true, nil
}

// ListLocks returns all held claims, oldest first.
func ListLocks(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT target_id, owner FROM target_locks ORDER BY acquired_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := map[string]string{}
	for rows.Next() {
		var id, owner string
		if err := rows.Scan(&id, &owner); err != nil {
			return nil, err
		}
		out[id] = owner
	}
	return out, rows.Err()
}
