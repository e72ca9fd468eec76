package vod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Brisppy/twitch-archiver/download"
	"github.com/Brisppy/twitch-archiver/merge"
	"github.com/Brisppy/twitch-archiver/notify"
	"github.com/Brisppy/twitch-archiver/telemetry"
	"github.com/Brisppy/twitch-archiver/twitchapi"
)

// StartLiveWatcher polls the channel's live status and captures broadcasts
// as they happen. After a stream ends the capture is reconciled against the
// published VOD, whose segments are authoritative where both exist.
func (p *Processor) StartLiveWatcher(ctx context.Context) {
	interval := time.Minute
	if s := os.Getenv("LIVE_CHECK_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("live watcher starting", slog.String("channel", p.Channel), slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("live watcher stopped", slog.String("channel", p.Channel))
			return
		case <-ticker.C:
			if err := p.captureOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("live capture cycle", slog.Any("err", err), slog.String("channel", p.Channel))
			}
		}
	}
}

// captureOnce runs one live check; when the channel is broadcasting it
// blocks for the whole capture.
func (p *Processor) captureOnce(ctx context.Context) error {
	stream, err := p.Helix.GetStream(ctx, p.Channel)
	if err != nil {
		return fmt.Errorf("live status: %w", err)
	}
	if stream == nil {
		return nil
	}
	return p.runCapture(ctx, stream)
}

func (p *Processor) runCapture(ctx context.Context, stream *twitchapi.StreamMeta) error {
	logger := slog.Default().With(slog.String("stream_id", stream.ID), slog.String("channel", p.Channel), slog.String("component", "live"))
	lockID := "stream:" + stream.ID
	acquired, err := AcquireLock(ctx, p.DB, lockID, p.Owner)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Debug("broadcast claimed elsewhere, skipping")
		return nil
	}

	started, _ := time.Parse(time.RFC3339, stream.StartedAt)
	_, _ = p.DB.ExecContext(ctx, `INSERT INTO targets (stream_id, channel, title, date, status, created_at)
		VALUES ($1,$2,$3,$4,'capturing',NOW()) ON CONFLICT DO NOTHING`, stream.ID, p.Channel, stream.Title, started)

	workDir := filepath.Join(p.Cfg.TempDir, "twitch-archiver", p.Channel, "stream_"+stream.ID)
	capture := &download.Capture{
		Resolver:     &download.Resolver{Usher: p.Usher, Quality: p.Cfg.Quality},
		Scheduler:    p.scheduler(Target{ID: stream.ID, Channel: p.Channel}, workDir),
		BufferDelay:  p.Cfg.LiveBufferDelay,
		PollInterval: p.Cfg.LivePollInterval,
		TargetID:     stream.ID,
		IsLive: func(lctx context.Context) (bool, error) {
			s, err := p.Helix.GetStream(lctx, p.Channel)
			if err != nil {
				return false, err
			}
			return s != nil && s.ID == stream.ID, nil
		},
	}

	logger.Info("live capture armed", slog.String("title", stream.Title))
	telemetry.LiveCaptureStarted()
	res, err := capture.Run(ctx, p.Channel)
	telemetry.LiveCaptureEnded()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown mid-capture: keep the claim and working area so the
			// next run reconciles against the VOD.
			return err
		}
		class := ClassifyError(err)
		logger.Error("live capture failed", slog.Any("err", err), slog.String("class", class.String()))
		_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET status='failed', processing_error=$1, updated_at=NOW() WHERE stream_id=$2 AND twitch_vod_id IS NULL`, err.Error(), stream.ID)
		if class == ErrorClassFatal && p.Notifier != nil {
			p.Notifier.Notify(ctx, p.fatalEvent(stream.ID, err))
		}
		// Lock held either way: the captured segments may be the only copy.
		return nil
	}
	logger.Info("live capture ended", slog.Int("segments", res.CompletedCount()))

	if err := p.reconcileBroadcast(ctx, stream, started, workDir, res); err != nil {
		class := ClassifyError(err)
		logger.Error("broadcast reconciliation failed", slog.Any("err", err), slog.String("class", class.String()))
		_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET status='failed', processing_error=$1, updated_at=NOW() WHERE stream_id=$2`, err.Error(), stream.ID)
		if class == ErrorClassFatal && p.Notifier != nil {
			p.Notifier.Notify(ctx, p.fatalEvent(stream.ID, err))
		}
		return nil
	}

	if err := ReleaseLock(ctx, p.DB, lockID, p.Owner); err != nil {
		logger.Warn("lock release failed", slog.Any("err", err))
	}
	return nil
}

func (p *Processor) fatalEvent(targetID string, err error) notify.Event {
	return notify.Event{TargetID: targetID, Channel: p.Channel, Kind: "fatal_error", Message: err.Error()}
}

// reconcileBroadcast pairs the finished capture with its published VOD. VOD
// segments are authoritative where sequence numbers overlap; segments only
// the live capture saw (the first seconds before the VOD existed, or the
// tail of a deleted VOD) are retained as captured.
func (p *Processor) reconcileBroadcast(ctx context.Context, stream *twitchapi.StreamMeta, started time.Time, workDir string, live *download.Result) error {
	logger := slog.Default().With(slog.String("stream_id", stream.ID), slog.String("component", "reconcile"))

	video, err := p.awaitVOD(ctx, stream.ID)
	if err != nil {
		return err
	}

	t := Target{StreamID: stream.ID, Channel: p.Channel, Title: stream.Title, Date: started}
	var expected time.Duration
	if video != nil {
		t.ID = video.ID
		t.Title = video.Title
		t.Duration = parseTwitchDuration(video.Duration)

		resolver := &download.Resolver{Usher: p.Usher, Quality: p.Cfg.Quality}
		manifest, err := resolver.ResolveVOD(ctx, video.ID)
		if err != nil && !errors.Is(err, download.ErrManifestUnavailable) {
			return err
		}
		if err == nil {
			pl, err := resolver.Refresh(ctx, manifest)
			if err != nil {
				return err
			}
			liveSeqs := liveSeqSet(live)
			fetch, retained := download.Reconcile(liveSeqs, pl.Segments)
			logger.Info("reconciling against published vod", slog.String("vod_id", video.ID), slog.Int("vod_segments", len(fetch)), slog.Int("live_only", len(retained)))
			sched := p.scheduler(t, workDir)
			res, err := sched.Download(ctx, fetch)
			if err != nil {
				return err
			}
			logger.Debug("vod segments fetched", slog.Int("count", res.CompletedCount()))
			live.Absorb(res)
			// Both passes stayed within budget on their own; the union of
			// their gaps still has to.
			if b := p.Cfg.BadSegmentBudget; b > 0 && live.UnrecoverableCount() > b {
				return fmt.Errorf("%d unrecoverable segments over budget %d: %w", live.UnrecoverableCount(), b, download.ErrTooManyCorruptSegments)
			}
			if pl.TotalSecs > 0 {
				expected = time.Duration(pl.TotalSecs * float64(time.Second))
			} else {
				expected = time.Duration(t.Duration) * time.Second
			}
		}

		// Replace the capture placeholder with the canonical VOD row, and
		// move chat recorded under the stream id to the published VOD.
		_, _ = p.DB.ExecContext(ctx, `UPDATE chat_messages SET vod_id=$1 WHERE vod_id=$2`, t.ID, stream.ID)
		_, _ = p.DB.ExecContext(ctx, `DELETE FROM targets WHERE stream_id=$1 AND twitch_vod_id IS NULL`, stream.ID)
		_, _ = p.DB.ExecContext(ctx, `INSERT INTO targets (twitch_vod_id, stream_id, channel, title, date, duration_seconds, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,'processing',NOW())
			ON CONFLICT (twitch_vod_id) DO UPDATE SET stream_id=EXCLUDED.stream_id, status='processing', updated_at=NOW()`,
			t.ID, t.StreamID, t.Channel, t.Title, t.Date, t.Duration)
	} else {
		// No VOD ever appeared (VODs disabled or deleted immediately). The
		// capture is the only copy; merge it without a length check since
		// there is no authoritative duration to compare against.
		logger.Warn("no vod published for broadcast, archiving live capture as-is")
		t.ID = stream.ID
	}

	merger := &merge.Merger{
		WorkDir:    workDir,
		OutputPath: p.outputPath(t),
		Tolerance:  p.Cfg.DurationTolerance,
		TargetID:   t.ID,
	}
	if err := merger.Run(ctx, expected); err != nil {
		return err
	}

	key := "twitch_vod_id"
	if video == nil {
		key = "stream_id"
	}
	verified := int(expected / time.Second)
	_, _ = p.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE targets SET processed=TRUE, status='complete', output_path=$1, verified_duration=$2, processing_error='', updated_at=NOW() WHERE %s=$3`, key),
		merger.OutputPath, verified, t.ID)

	if err := p.exportArtifactMetadata(ctx, t, live, merger.OutputPath); err != nil {
		logger.Warn("metadata export failed", slog.Any("err", err))
	}
	if err := ExportChatLog(ctx, p.DB, t.ID, chatLogPath(merger.OutputPath)); err != nil {
		logger.Debug("chat export skipped", slog.Any("err", err))
	}

	if err := os.RemoveAll(workDir); err != nil {
		logger.Warn("work dir cleanup failed", slog.Any("err", err))
	}
	logger.Info("broadcast archived", slog.String("path", merger.OutputPath))
	return nil
}

// awaitVOD polls for the VOD recorded from streamID. Twitch publishes it
// some minutes after the broadcast ends; nil without error means it never
// appeared inside the wait window.
func (p *Processor) awaitVOD(ctx context.Context, streamID string) (*twitchapi.VideoMeta, error) {
	wait := 5 * time.Minute
	if s := os.Getenv("VOD_PUBLISH_WAIT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			wait = d
		}
	}
	uid, err := p.Helix.GetUserID(ctx, p.Channel)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)
	for {
		videos, _, err := p.Helix.ListVideos(ctx, uid, "", 20)
		if err != nil {
			slog.Warn("vod listing failed while pairing", slog.Any("err", err), slog.String("stream_id", streamID))
		}
		for i := range videos {
			if videos[i].StreamID == streamID {
				return &videos[i], nil
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
		}
	}
}

func liveSeqSet(res *download.Result) map[int]bool {
	out := map[int]bool{}
	for seq := range res.Completed {
		out[seq] = true
	}
	return out
}
