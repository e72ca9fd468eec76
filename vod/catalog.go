package vod

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/Brisppy/twitch-archiver/twitchapi"
)

// BackfillMetadata refreshes rows that lack a title or duration, e.g. ones
// created while the broadcast was still live.
func BackfillMetadata(ctx context.Context, db *sql.DB, hc *twitchapi.HelixClient, channel string) error {
	targets, err := FetchChannelVODs(ctx, hc, channel)
	if err != nil {
		return err
	}
	for _, t := range targets {
		_, _ = db.ExecContext(ctx, `UPDATE targets SET title=COALESCE(NULLIF(title,''), $1), date=$2,
			duration_seconds=CASE WHEN COALESCE(duration_seconds,0)=0 THEN $3 ELSE duration_seconds END,
			updated_at=NOW() WHERE twitch_vod_id=$4`, t.Title, t.Date, t.Duration, t.ID)
	}
	return nil
}

// FetchAllChannelVODs pages through the channel's archive VODs up to maxCount
// or maxAge. The pagination cursor is checkpointed in kv so an interrupted
// backfill resumes instead of rescanning from the newest page.
func FetchAllChannelVODs(ctx context.Context, db *sql.DB, hc *twitchapi.HelixClient, channel string, maxCount int, maxAge time.Duration) ([]Target, error) {
	if channel == "" {
		return nil, nil
	}
	userID, err := hc.GetUserID(ctx, channel)
	if err != nil {
		return nil, err
	}
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	pageSize := 100
	if maxCount > 0 && maxCount < pageSize {
		pageSize = maxCount
	}
	cursorKey := "catalog_after:" + channel
	after := ""
	if maxAge == 0 {
		_ = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, cursorKey).Scan(&after)
	}
	collected := []Target{}
	for maxCount == 0 || len(collected) < maxCount {
		videos, cursor, err := hc.ListVideos(ctx, userID, after, pageSize)
		if err != nil {
			return nil, err
		}
		if len(videos) == 0 {
			break
		}
		for _, v := range videos {
			created, _ := time.Parse(time.RFC3339, v.CreatedAt)
			t := Target{ID: v.ID, StreamID: v.StreamID, Channel: channel, Title: v.Title, Date: created, Duration: parseTwitchDuration(v.Duration)}
			if !cutoff.IsZero() && t.Date.Before(cutoff) {
				return collected, nil
			}
			collected = append(collected, t)
			if maxCount > 0 && len(collected) >= maxCount {
				break
			}
		}
		if cursor == "" || (maxCount > 0 && len(collected) >= maxCount) {
			break
		}
		after = cursor
		if maxAge == 0 {
			_, _ = db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
				ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, cursorKey, after)
		}
		// Pace the pagination to stay well inside Helix rate limits.
		select {
		case <-ctx.Done():
			return collected, ctx.Err()
		case <-time.After(1200 * time.Millisecond):
		}
	}
	return collected, nil
}

// BackfillCatalog inserts historical VODs without marking them processed, so
// the processing loop archives the back catalog at its own pace.
func BackfillCatalog(ctx context.Context, db *sql.DB, hc *twitchapi.HelixClient, channel string, maxCount int, maxAge time.Duration) error {
	targets, err := FetchAllChannelVODs(ctx, db, hc, channel, maxCount, maxAge)
	if err != nil {
		return err
	}
	for _, t := range targets {
		_, _ = db.ExecContext(ctx, `INSERT INTO targets (twitch_vod_id, stream_id, channel, title, date, duration_seconds, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`,
			t.ID, t.StreamID, t.Channel, t.Title, t.Date, t.Duration)
	}
	slog.Info("catalog backfill inserted/ignored", slog.Int("count", len(targets)), slog.String("channel", channel))
	return nil
}

// StartCatalogBackfillJob periodically backfills older VODs for one channel.
func StartCatalogBackfillJob(ctx context.Context, db *sql.DB, hc *twitchapi.HelixClient, channel string) {
	interval := 6 * time.Hour
	if v := os.Getenv("CATALOG_BACKFILL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	maxCount := 0
	if s := os.Getenv("CATALOG_MAX"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxCount = n
		}
	}
	maxAge := time.Duration(0)
	if s := os.Getenv("CATALOG_MAX_AGE_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAge = time.Duration(n) * 24 * time.Hour
		}
	}
	slog.Info("catalog backfill job starting", slog.String("channel", channel), slog.Duration("interval", interval), slog.Int("max", maxCount), slog.Duration("max_age", maxAge))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_ = BackfillCatalog(ctx, db, hc, channel, maxCount, maxAge)
	for {
		select {
		case <-ctx.Done():
			slog.Info("catalog backfill job stopped", slog.String("channel", channel))
			return
		case <-ticker.C:
			if err := BackfillCatalog(ctx, db, hc, channel, maxCount, maxAge); err != nil {
				slog.Warn("catalog backfill", slog.Any("err", err), slog.String("channel", channel))
			}
		}
	}
}

// parseTwitchDuration parses the Helix duration format, e.g. "3h15m42s".
func parseTwitchDuration(s string) int {
	var total int
	cur := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			cur += string(r)
			continue
		}
		if cur == "" {
			continue
		}
		n := 0
		for _, d := range cur {
			n = n*10 + int(d-'0')
		}
		switch r {
		case 'h':
			total += n * 3600
		case 'm':
			total += n * 60
		case 's':
			total += n
		}
		cur = ""
	}
	return total
}
