package vod

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RetentionPolicy decides which archived artifacts are eligible for
// deletion once they have been uploaded.
type RetentionPolicy struct {
	KeepLastNDays int  // artifacts newer than this many days are kept (0 = disabled)
	KeepLastN     int  // keep the N most recent artifacts (0 = disabled)
	DryRun        bool // log instead of deleting
	Interval      time.Duration
}

// LoadRetentionPolicy reads the retention configuration from environment
// variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{Interval: 6 * time.Hour}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastN = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// StartRetentionJob periodically deletes local artifacts that are past the
// retention window. Only targets already uploaded are ever eligible; the
// artifact on disk is otherwise the sole copy.
func StartRetentionJob(ctx context.Context, dbc *sql.DB, channel string) {
	policy := LoadRetentionPolicy()
	if policy.KeepLastNDays == 0 && policy.KeepLastN == 0 {
		slog.Info("retention job disabled (no policy configured)", slog.String("channel", channel))
		return
	}

	slog.Info("retention job starting",
		slog.String("channel", channel),
		slog.Int("keep_days", policy.KeepLastNDays),
		slog.Int("keep_count", policy.KeepLastN),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	if err := runRetentionCleanup(ctx, dbc, channel, policy); err != nil {
		slog.Warn("retention cleanup failed", slog.Any("err", err), slog.String("channel", channel))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped", slog.String("channel", channel))
			return
		case <-ticker.C:
			if err := runRetentionCleanup(ctx, dbc, channel, policy); err != nil {
				slog.Warn("retention cleanup failed", slog.Any("err", err), slog.String("channel", channel))
			}
		}
	}
}

func runRetentionCleanup(ctx context.Context, dbc *sql.DB, channel string, policy RetentionPolicy) error {
	logger := slog.Default().With(
		slog.String("component", "retention_cleanup"),
		slog.String("channel", channel),
		slog.Bool("dry_run", policy.DryRun),
	)

	retained := make(map[string]struct{})

	if policy.KeepLastNDays > 0 {
		cutoff := time.Now().Add(-time.Duration(policy.KeepLastNDays) * 24 * time.Hour)
		rows, err := dbc.QueryContext(ctx,
			`SELECT twitch_vod_id FROM targets WHERE channel=$1 AND date >= $2 AND twitch_vod_id IS NOT NULL`,
			channel, cutoff)
		if err != nil {
			return fmt.Errorf("query recent targets: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				retained[id] = struct{}{}
			}
		}
		_ = rows.Close()
	}

	if policy.KeepLastN > 0 {
		rows, err := dbc.QueryContext(ctx,
			`SELECT twitch_vod_id FROM targets WHERE channel=$1 AND twitch_vod_id IS NOT NULL ORDER BY date DESC LIMIT $2`,
			channel, policy.KeepLastN)
		if err != nil {
			return fmt.Errorf("query last n targets: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				retained[id] = struct{}{}
			}
		}
		_ = rows.Close()
	}

	// Only processed, uploaded targets with no outstanding claim may lose
	// their local copy.
	rows, err := dbc.QueryContext(ctx, `
		SELECT t.twitch_vod_id, t.output_path, t.date, t.title
		FROM targets t
		WHERE t.channel=$1
		  AND t.processed=TRUE
		  AND t.output_path IS NOT NULL AND t.output_path != ''
		  AND t.youtube_url IS NOT NULL AND t.youtube_url != ''
		  AND NOT EXISTS (SELECT 1 FROM target_locks l WHERE l.target_id = t.twitch_vod_id)
		ORDER BY t.date ASC
	`, channel)
	if err != nil {
		return fmt.Errorf("query targets with artifacts: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var cleaned, skipped, failures int
	var bytesFreed int64
	for rows.Next() {
		var id, path, title string
		var date time.Time
		if err := rows.Scan(&id, &path, &date, &title); err != nil {
			logger.Warn("failed to scan target row", slog.Any("err", err))
			continue
		}
		if _, keep := retained[id]; keep {
			skipped++
			continue
		}

		fi, err := os.Stat(path)
		if os.IsNotExist(err) {
			if !policy.DryRun {
				if _, err := dbc.ExecContext(ctx, `UPDATE targets SET output_path='' WHERE twitch_vod_id=$1`, id); err != nil {
					logger.Warn("failed to clear db reference for missing artifact", slog.String("vod_id", id), slog.Any("err", err))
				}
			}
			continue
		} else if err != nil {
			logger.Warn("failed to stat artifact", slog.String("path", path), slog.Any("err", err))
			failures++
			continue
		}

		if policy.DryRun {
			logger.Info("dry-run: would delete artifact",
				slog.String("path", path),
				slog.String("vod_id", id),
				slog.String("title", title),
				slog.Time("date", date),
				slog.Int64("size_bytes", fi.Size()))
			cleaned++
			continue
		}

		if err := removeArtifact(path); err != nil {
			logger.Warn("failed to delete artifact", slog.String("path", path), slog.String("vod_id", id), slog.Any("err", err))
			failures++
			continue
		}
		if _, err := dbc.ExecContext(ctx, `UPDATE targets SET output_path='', updated_at=NOW() WHERE twitch_vod_id=$1`, id); err != nil {
			logger.Warn("failed to update db after deletion", slog.String("vod_id", id), slog.Any("err", err))
			failures++
			continue
		}
		bytesFreed += fi.Size()
		cleaned++
		logger.Info("deleted archived artifact",
			slog.String("path", path),
			slog.String("vod_id", id),
			slog.Time("date", date),
			slog.Int64("size_bytes", fi.Size()))
	}

	logger.Info("retention cleanup completed",
		slog.Int("cleaned", cleaned),
		slog.Int("skipped", skipped),
		slog.Int("failures", failures),
		slog.Int64("bytes_freed", bytesFreed))
	return nil
}

// removeArtifact deletes the video plus its sidecar files (metadata json,
// chat log, override marker).
func removeArtifact(path string) error {
	if err := os.Remove(path); err != nil {
		return err
	}
	for _, sidecar := range []string{path + ".json", chatLogPath(path), path + ".ignorelength"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove sidecar", slog.String("path", sidecar), slog.Any("err", err))
		}
	}
	return nil
}

// CleanupWorkDirs removes working areas left behind by completed targets
// and orphaned directories past maxAge. Working areas of unprocessed or
// claimed targets are never touched: a partial capture there may be the
// only surviving copy of a broadcast.
func CleanupWorkDirs(ctx context.Context, dbc *sql.DB, tempDir, channel string, maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	root := filepath.Join(tempDir, "twitch-archiver", channel)
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read temp dir for cleanup", slog.String("dir", root), slog.Any("err", err))
		}
		return
	}

	logger := slog.Default().With(slog.String("component", "workdir_cleanup"), slog.String("channel", channel))
	now := time.Now()
	var removed int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		var id string
		switch {
		case strings.HasPrefix(name, "vod_"):
			id = strings.TrimPrefix(name, "vod_")
		case strings.HasPrefix(name, "stream_"):
			id = strings.TrimPrefix(name, "stream_")
		default:
			continue
		}

		var processed bool
		var locked bool
		err := dbc.QueryRowContext(ctx, `
			SELECT t.processed, EXISTS (SELECT 1 FROM target_locks l WHERE l.target_id = t.twitch_vod_id OR l.target_id = 'stream:' || t.stream_id)
			FROM targets t WHERE t.twitch_vod_id=$1 OR t.stream_id=$1`, id).Scan(&processed, &locked)
		if err == sql.ErrNoRows {
			// No target knows this directory; only age it out.
			fi, ierr := e.Info()
			if ierr != nil || now.Sub(fi.ModTime()) <= maxAge {
				continue
			}
			processed, locked = true, false
		} else if err != nil {
			logger.Warn("failed to look up target for work dir", slog.String("dir", name), slog.Any("err", err))
			continue
		}
		if !processed || locked {
			continue
		}

		path := filepath.Join(root, name)
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove work dir", slog.String("path", path), slog.Any("err", err))
			continue
		}
		removed++
		logger.Info("removed stale work dir", slog.String("path", path))
	}
	if removed > 0 {
		logger.Info("work dir cleanup completed", slog.Int("removed", removed))
	}
}
