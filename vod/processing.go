package vod

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Brisppy/twitch-archiver/config"
	"github.com/Brisppy/twitch-archiver/download"
	"github.com/Brisppy/twitch-archiver/merge"
	"github.com/Brisppy/twitch-archiver/notify"
	"github.com/Brisppy/twitch-archiver/telemetry"
	"github.com/Brisppy/twitch-archiver/twitchapi"
)

// Uploader abstracts the optional post-archive upload destination.
type Uploader interface {
	Upload(ctx context.Context, path, title string, date time.Time) (string, error)
}

// Processor owns the per-channel archive loop. One Processor runs per
// configured channel; they share the database, the acquisition semaphore,
// and a stable owner id for lock claims.
type Processor struct {
	DB       *sql.DB
	Cfg      *config.Config
	Helix    *twitchapi.HelixClient
	Usher    *twitchapi.UsherClient
	Notifier *notify.Notifier
	Channel  string
	// Owner identifies this process in target_locks. Stable across the
	// process lifetime so a crash leaves attributable claims behind.
	Owner    string
	Uploader Uploader

	// archive is swappable in tests to stub the pipeline.
	archive func(ctx context.Context, t Target) error
}

// NewProcessor wires a Processor from config.
func NewProcessor(db *sql.DB, cfg *config.Config, channel string, notifier *notify.Notifier) *Processor {
	p := &Processor{
		DB:  db,
		Cfg: cfg,
		Helix: &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		},
		Usher:    &twitchapi.UsherClient{},
		Notifier: notifier,
		Channel:  channel,
		Owner:    fmt.Sprintf("%s/%s", hostname(), uuid.NewString()),
	}
	p.archive = p.archiveTarget
	return p
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "archiver"
	}
	return h
}

// Start runs the processing loop until ctx is canceled.
func (p *Processor) Start(ctx context.Context) {
	interval := 1 * time.Minute
	if s := os.Getenv("PROCESS_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("processing job starting", slog.String("channel", p.Channel), slog.Duration("interval", interval))
	if err := p.processOnce(ctx); err != nil {
		slog.Warn("process once", slog.Any("err", err), slog.String("channel", p.Channel))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("processing job stopped", slog.String("channel", p.Channel))
			return
		case <-ticker.C:
			if err := p.processOnce(ctx); err != nil {
				slog.Warn("process once", slog.Any("err", err), slog.String("channel", p.Channel))
			}
		}
	}
}

// processOnce discovers new targets and drives a single candidate through
// the pipeline. Candidates another process has claimed are skipped, so
// multiple archivers can share a catalog without duplicating work.
func (p *Processor) processOnce(ctx context.Context) error {
	_, _ = p.DB.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_process_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)

	if err := DiscoverAndUpsert(ctx, p.DB, p.Helix, p.Channel); err != nil {
		slog.Warn("discover targets", slog.Any("err", err), slog.String("channel", p.Channel), slog.String("component", "process"))
		return err
	}

	var queueDepth int
	_ = p.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM targets WHERE channel=$1 AND COALESCE(processed,false)=false`, p.Channel).Scan(&queueDepth)
	telemetry.SetQueueDepth(queueDepth)

	if locks, err := ListLocks(ctx, p.DB); err == nil {
		telemetry.SetHeldLocks(len(locks))
	}

	maxAttempts := 5
	if s := os.Getenv("PROCESS_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAttempts = n
		}
	}
	cooldown := 600 * time.Second
	if s := os.Getenv("PROCESS_RETRY_COOLDOWN"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			cooldown = d
		}
	}

	// Oldest first within priority; skip targets already claimed, cancelled
	// ones, and fatal ones waiting on an operator.
	row := p.DB.QueryRowContext(ctx, `SELECT twitch_vod_id, stream_id, title, date, COALESCE(duration_seconds,0) FROM targets
		WHERE channel=$1 AND COALESCE(processed,false)=false AND COALESCE(status,'pending') NOT IN ('failed','capturing','cancelled')
		AND twitch_vod_id IS NOT NULL
		AND (
			processing_error IS NULL OR processing_error='' OR (download_retries < $2 AND EXTRACT(EPOCH FROM (NOW() - COALESCE(updated_at, created_at))) >= $3)
		)
		AND NOT EXISTS (SELECT 1 FROM target_locks l WHERE l.target_id=targets.twitch_vod_id AND l.owner <> $4)
		ORDER BY priority DESC, date ASC LIMIT 1`, p.Channel, maxAttempts, int(cooldown.Seconds()), p.Owner)
	var t Target
	var streamID sql.NullString
	if err := row.Scan(&t.ID, &streamID, &t.Title, &t.Date, &t.Duration); err != nil {
		if err == sql.ErrNoRows {
			slog.Debug("no targets ready for processing", slog.String("channel", p.Channel), slog.String("component", "process"))
			return nil
		}
		return err
	}
	t.StreamID = streamID.String
	t.Channel = p.Channel
	return p.processTarget(ctx, t)
}

// processTarget claims t and runs it through acquisition, merge, and
// verification, classifying any failure.
func (p *Processor) processTarget(ctx context.Context, t Target) error {
	corr := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, corr)
	logger := slog.Default().With(slog.String("target_id", t.ID), slog.String("channel", t.Channel), slog.String("corr", corr), slog.String("component", "process"))

	acquired, err := AcquireLock(ctx, p.DB, t.ID, p.Owner)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Debug("target claimed elsewhere, skipping")
		return nil
	}

	if !acquireSlot(ctx) {
		// Shutting down; leave the claim so resumption picks it back up.
		return ctx.Err()
	}
	defer releaseSlot()

	logger.Info("processing candidate selected", slog.String("title", t.Title), slog.Time("date", t.Date))
	telemetry.ProcessingCycles.Inc()
	_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET status='processing', updated_at=NOW() WHERE twitch_vod_id=$1`, t.ID)

	ctx, span := telemetry.StartSpan(ctx, "vod", "archive_target", attribute.String("target_id", t.ID))
	defer span.End()

	procCtx, cancel := context.WithCancel(ctx)
	registerCancel(t.ID, cancel)
	start := time.Now()
	err = p.archive(procCtx, t)
	unregisterCancel(t.ID)
	cancel()
	total := time.Since(start)

	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.AcquisitionsError.Inc()
		return p.recordFailure(ctx, t, err, logger)
	}
	telemetry.SetSpanSuccess(span)
	telemetry.AcquisitionsDone.Inc()
	telemetry.TotalProcessDuration.Observe(total.Seconds())

	_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET processed=TRUE, status='complete', processing_error='', updated_at=NOW() WHERE twitch_vod_id=$1`, t.ID)
	if err := ReleaseLock(ctx, p.DB, t.ID, p.Owner); err != nil {
		logger.Warn("lock release failed", slog.Any("err", err))
	}
	logger.Info("target archived", slog.Duration("total_duration", total))

	p.maybeUpload(ctx, t, logger)
	return nil
}

// recordFailure classifies err and updates the target accordingly. Fatal
// failures keep the claim held: the working area may hold the only copy of
// an expiring broadcast, and nothing automatic is allowed to touch it until
// an operator decides.
func (p *Processor) recordFailure(ctx context.Context, t Target, err error, logger *slog.Logger) error {
	if errors.Is(err, context.Canceled) {
		// Interrupted, not failed. An interrupted run is indistinguishable
		// from a failure run, so the claim and working area stay put and the
		// target is parked until an operator reprocesses or unlocks it.
		logger.Info("target processing interrupted, claim kept")
		dctx := context.WithoutCancel(ctx)
		_, _ = p.DB.ExecContext(dctx, `UPDATE targets SET status='cancelled', processing_error=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, err.Error(), t.ID)
		return nil
	}
	class := ClassifyError(err)
	logger.Error("target processing failed", slog.Any("err", err), slog.String("class", class.String()))
	switch class {
	case ErrorClassFatal:
		_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET status='failed', processing_error=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, err.Error(), t.ID)
		if p.Notifier != nil {
			p.Notifier.Notify(ctx, notify.Event{
				TargetID: t.ID,
				Channel:  t.Channel,
				Kind:     "fatal_error",
				Message:  err.Error(),
			})
		}
		return nil
	default:
		_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET processing_error=$1, download_retries=COALESCE(download_retries,0)+1, updated_at=NOW() WHERE twitch_vod_id=$2`, err.Error(), t.ID)
		if rerr := ReleaseLock(ctx, p.DB, t.ID, p.Owner); rerr != nil {
			logger.Warn("lock release failed", slog.Any("err", rerr))
		}
		return nil
	}
}

// workDir is the per-target working area. Stable across restarts so
// resumption finds completed segments by scanning it.
func (p *Processor) workDir(t Target) string {
	return filepath.Join(p.Cfg.TempDir, "twitch-archiver", t.Channel, "vod_"+t.ID)
}

func (p *Processor) outputDir(t Target) string {
	return filepath.Join(p.Cfg.DataDir, t.Channel)
}

func (p *Processor) outputPath(t Target) string {
	return filepath.Join(p.outputDir(t), fmt.Sprintf("%s_%s.mp4", t.Date.Format("2006-01-02"), t.ID))
}

func (p *Processor) scheduler(t Target, workDir string) *download.Scheduler {
	return &download.Scheduler{
		Workers:   p.Cfg.SegmentWorkers,
		Timeout:   p.Cfg.RequestTimeout,
		BadBudget: p.Cfg.BadSegmentBudget,
		Verifier:  &download.FFprobeVerifier{},
		Recorder:  &segmentLogRecorder{db: p.DB},
		TargetID:  t.ID,
		WorkDir:   workDir,
	}
}

// archiveTarget runs the full pipeline for a published VOD.
func (p *Processor) archiveTarget(ctx context.Context, t Target) error {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("target_id", t.ID), slog.String("component", "archive"))
	workDir := p.workDir(t)

	resolver := &download.Resolver{Usher: p.Usher, Quality: p.Cfg.Quality}
	manifest, err := resolver.ResolveVOD(ctx, t.ID)
	if err != nil {
		return err
	}
	pl, err := resolver.Refresh(ctx, manifest)
	if err != nil {
		return err
	}
	logger.Info("manifest resolved", slog.String("variant", manifest.Variant.Name), slog.Int("segments", len(pl.Segments)))
	_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET quality=$1, segments_total=$2, updated_at=NOW() WHERE twitch_vod_id=$3`,
		manifest.Variant.Name, len(pl.Segments), t.ID)

	jobs := make([]download.Job, 0, len(pl.Segments))
	for _, seg := range pl.Segments {
		jobs = append(jobs, download.Job{Seq: seg.Seq, URL: seg.URL, Duration: seg.Duration, Muted: seg.Muted})
	}

	sched := p.scheduler(t, workDir)
	var res *download.Result
	acqDur := telemetry.TimeFunc(telemetry.AcquisitionDuration, func() {
		res, err = sched.Download(ctx, jobs)
	})
	if res != nil {
		_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET segments_done=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, res.CompletedCount(), t.ID)
	}
	if err != nil {
		return err
	}
	logger.Info("acquisition complete", slog.Int("segments", res.CompletedCount()), slog.Int("gaps", len(res.GapSeqs())), slog.Duration("acquisition_duration", acqDur))

	if chapters, err := fetchChapters(ctx, p.Usher, t.ID); err != nil {
		logger.Debug("chapter fetch failed", slog.Any("err", err))
	} else if err := merge.WriteChapters(workDir, chapters); err != nil {
		logger.Warn("chapter export failed", slog.Any("err", err))
	}

	expected := time.Duration(t.Duration) * time.Second
	if pl.TotalSecs > 0 {
		// The playlist total is authoritative; Helix rounds to whole seconds.
		expected = time.Duration(pl.TotalSecs * float64(time.Second))
	}
	merger := &merge.Merger{
		WorkDir:    workDir,
		OutputPath: p.outputPath(t),
		Tolerance:  p.Cfg.DurationTolerance,
		TargetID:   t.ID,
	}
	mergeErr := error(nil)
	mergeDur := telemetry.TimeFunc(telemetry.MergeDuration, func() {
		mergeErr = merger.Run(ctx, expected)
	})
	if mergeErr != nil {
		telemetry.MergesError.Inc()
		return mergeErr
	}
	telemetry.MergesDone.Inc()
	logger.Info("merge complete", slog.String("path", merger.OutputPath), slog.Duration("merge_duration", mergeDur))

	if err := p.exportArtifactMetadata(ctx, t, res, merger.OutputPath); err != nil {
		logger.Warn("metadata export failed", slog.Any("err", err))
	}
	if err := ExportChatLog(ctx, p.DB, t.ID, chatLogPath(merger.OutputPath)); err != nil {
		logger.Debug("chat export skipped", slog.Any("err", err))
	}

	verified := int(expected / time.Second)
	_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET output_path=$1, verified_duration=$2, updated_at=NOW() WHERE twitch_vod_id=$3`,
		merger.OutputPath, verified, t.ID)

	// The working area is only removed once the artifact is verified.
	if err := os.RemoveAll(workDir); err != nil {
		logger.Warn("work dir cleanup failed", slog.Any("err", err))
	}
	return nil
}

// fetchChapters maps the VOD's chapter markers into the merge stage's form.
func fetchChapters(ctx context.Context, uc *twitchapi.UsherClient, vodID string) ([]merge.Chapter, error) {
	metas, err := uc.GetVODChapters(ctx, vodID)
	if err != nil {
		return nil, err
	}
	out := make([]merge.Chapter, 0, len(metas))
	for _, m := range metas {
		out = append(out, merge.Chapter{
			Title:    m.Description,
			Start:    time.Duration(m.PositionSeconds) * time.Second,
			Duration: time.Duration(m.DurationSeconds) * time.Second,
		})
	}
	return out, nil
}

func (p *Processor) exportArtifactMetadata(ctx context.Context, t Target, res *download.Result, outputPath string) error {
	states, err := SegmentStates(ctx, p.DB, t.ID)
	var muted []int
	if err == nil {
		for seq, state := range states {
			if state == download.StateMuted {
				muted = append(muted, seq)
			}
		}
	}
	return merge.WriteMetadata(outputPath+".json", merge.Metadata{
		VODID:           t.ID,
		StreamID:        t.StreamID,
		Channel:         t.Channel,
		Title:           t.Title,
		CreatedAt:       t.Date,
		Quality:         p.Cfg.Quality,
		DurationSeconds: t.Duration,
		SegmentCount:    res.CompletedCount(),
		MutedSegments:   muted,
		MissingSegments: res.GapSeqs(),
		ArchivedAt:      time.Now().UTC(),
	})
}

// maybeUpload pushes the finished artifact to YouTube when enabled. Upload
// failures never un-complete a target; the artifact is already safe on disk.
func (p *Processor) maybeUpload(ctx context.Context, t Target, logger *slog.Logger) {
	if !p.Cfg.YTUpload || p.Uploader == nil {
		return
	}
	var path string
	_ = p.DB.QueryRowContext(ctx, `SELECT output_path FROM targets WHERE twitch_vod_id=$1`, t.ID).Scan(&path)
	if path == "" {
		return
	}
	url, err := p.Uploader.Upload(ctx, path, t.Title, t.Date)
	if err != nil {
		logger.Warn("upload failed", slog.Any("err", err))
		telemetry.UploadsFailed.Inc()
		return
	}
	telemetry.UploadsSucceeded.Inc()
	_, _ = p.DB.ExecContext(ctx, `UPDATE targets SET youtube_url=$1, updated_at=NOW() WHERE twitch_vod_id=$2`, url, t.ID)
	logger.Info("artifact uploaded", slog.String("youtube_url", url))
}
