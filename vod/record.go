package vod

import (
	"context"
	"database/sql"
	"log/slog"
)

// segmentLogRecorder persists per-segment outcomes to segment_log so
// accepted-muted, refetched, and discarded segments stay attributable after
// the run.
type segmentLogRecorder struct {
	db *sql.DB
}

func (r *segmentLogRecorder) RecordSegment(ctx context.Context, targetID string, seq int, state, note string) {
	_, err := r.db.ExecContext(ctx, `INSERT INTO segment_log (target_id, seq, state, note, updated_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (target_id, seq) DO UPDATE SET state=EXCLUDED.state, note=EXCLUDED.note, updated_at=NOW()`,
		targetID, seq, state, note)
	if err != nil {
		slog.Warn("segment log write failed", slog.String("target_id", targetID), slog.Int("seq", seq), slog.Any("err", err))
	}
}

// SegmentStates returns the recorded state per sequence number for a target.
func SegmentStates(ctx context.Context, db *sql.DB, targetID string) (map[int]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT seq, state FROM segment_log WHERE target_id=$1`, targetID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := map[int]string{}
	for rows.Next() {
		var seq int
		var state string
		if err := rows.Scan(&seq, &state); err != nil {
			return nil, err
		}
		out[seq] = state
	}
	return out, rows.Err()
}
