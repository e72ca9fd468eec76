// Package vod coordinates the archive pipeline per target: discovery,
// ownership claims, segment acquisition, merge, verification, and record
// keeping. One processing loop runs per configured channel.
package vod

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/Brisppy/twitch-archiver/twitchapi"
)

// Target is one VOD or live broadcast being archived.
type Target struct {
	ID       string // Twitch VOD id; empty until a live broadcast's VOD is published
	StreamID string
	Channel  string
	Title    string
	Date     time.Time
	Duration int // source-reported seconds
}

// active-download cancellation registry, keyed by target id.
var (
	activeMu      = &sync.Mutex{}
	activeCancels = map[string]context.CancelFunc{}
)

// CancelDownload cancels an in-flight acquisition for the given target id.
// Returns false when nothing was running.
func CancelDownload(id string) bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if c, ok := activeCancels[id]; ok {
		c()
		delete(activeCancels, id)
		return true
	}
	return false
}

func registerCancel(id string, cancel context.CancelFunc) {
	activeMu.Lock()
	activeCancels[id] = cancel
	activeMu.Unlock()
}

func unregisterCancel(id string) {
	activeMu.Lock()
	delete(activeCancels, id)
	activeMu.Unlock()
}

// FetchChannelVODs lists the channel's recent archive VODs (unpaged; the
// historical backfill lives in catalog.go).
func FetchChannelVODs(ctx context.Context, hc *twitchapi.HelixClient, channel string) ([]Target, error) {
	if channel == "" {
		return nil, nil
	}
	uid, err := hc.GetUserID(ctx, channel)
	if err != nil {
		return nil, err
	}
	videos, _, err := hc.ListVideos(ctx, uid, "", 20)
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(videos))
	for _, v := range videos {
		created, _ := time.Parse(time.RFC3339, v.CreatedAt)
		out = append(out, Target{
			ID:       v.ID,
			StreamID: v.StreamID,
			Channel:  channel,
			Title:    v.Title,
			Date:     created,
			Duration: parseTwitchDuration(v.Duration),
		})
	}
	return out, nil
}

// DiscoverAndUpsert inserts newly discovered VODs; existing rows are left
// untouched so discovery stays idempotent.
func DiscoverAndUpsert(ctx context.Context, db *sql.DB, hc *twitchapi.HelixClient, channel string) error {
	targets, err := FetchChannelVODs(ctx, hc, channel)
	if err != nil {
		return err
	}
	for _, t := range targets {
		_, _ = db.ExecContext(ctx, `INSERT INTO targets (twitch_vod_id, stream_id, channel, title, date, duration_seconds, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`,
			t.ID, t.StreamID, t.Channel, t.Title, t.Date, t.Duration)
	}
	return nil
}
