package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Brisppy/twitch-archiver/playlist"
)

// ErrUnsupportedSegmentDuration stops a live capture whose advertised
// segment durations fall outside the supported range; merging irregular
// durations produces unreliable output. Fatal, never retried.
var ErrUnsupportedSegmentDuration = errors.New("unsupported segment duration")

// CaptureState tracks the live capture loop's progress.
type CaptureState int

const (
	// CaptureArmed waits out the start buffer before the first poll, since
	// Twitch sometimes advertises a stream slightly before segments exist.
	CaptureArmed CaptureState = iota
	CaptureCapturing
	CaptureEnded
)

func (s CaptureState) String() string {
	switch s {
	case CaptureArmed:
		return "armed"
	case CaptureCapturing:
		return "capturing"
	case CaptureEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Capture polls a live channel's growing playlist and feeds newly advertised
// segments into the same Scheduler path VOD segments take. The manifest is
// open until the source reports the channel offline.
type Capture struct {
	Resolver  *Resolver
	Scheduler *Scheduler
	// IsLive reports whether the broadcast is still running; typically a
	// Helix streams lookup bound to the stream id.
	IsLive func(ctx context.Context) (bool, error)

	BufferDelay  time.Duration // ARMED wait before the first poll
	PollInterval time.Duration // sized to roughly one segment duration

	// Supported advertised-duration range for live segments.
	MinSegmentDuration float64
	MaxSegmentDuration float64

	TargetID string

	state   CaptureState
	nextSeq int // first sequence number not yet scheduled
}

func (c *Capture) minDur() float64 {
	if c.MinSegmentDuration > 0 {
		return c.MinSegmentDuration
	}
	return 0.5
}

func (c *Capture) maxDur() float64 {
	if c.MaxSegmentDuration > 0 {
		return c.MaxSegmentDuration
	}
	return 12.5
}

func (c *Capture) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 4 * time.Second
}

// State returns the loop's current phase.
func (c *Capture) State() CaptureState { return c.state }

// NextSeq returns the first sequence number not yet scheduled, the capture's
// high-water mark.
func (c *Capture) NextSeq() int { return c.nextSeq }

// Run drives the capture to completion: ARMED -> CAPTURING -> ENDED. The
// returned Result is the union of all download batches. On cancellation the
// working area is left consistent for resumption.
func (c *Capture) Run(ctx context.Context, login string) (*Result, error) {
	logger := slog.Default().With(slog.String("target_id", c.TargetID), slog.String("channel", login), slog.String("component", "live_capture"))
	c.state = CaptureArmed
	if c.BufferDelay > 0 {
		logger.Info("buffering stream start", slog.Duration("delay", c.BufferDelay))
		select {
		case <-ctx.Done():
			return newResult(), ctx.Err()
		case <-time.After(c.BufferDelay):
		}
	}

	manifest, err := c.Resolver.ResolveStream(ctx, login)
	if err != nil {
		return newResult(), err
	}
	logger.Info("live capture starting", slog.String("variant", manifest.Variant.Name), slog.Duration("poll_interval", c.pollInterval()))

	c.state = CaptureCapturing
	total := newResult()
	finalPoll := false
	for {
		start := time.Now()
		pl, err := c.Resolver.Refresh(ctx, manifest)
		if err != nil {
			if errors.Is(err, ErrManifestUnavailable) {
				// Playlist gone means the stream ended and the edge dropped
				// it; drain what we have.
				logger.Info("live playlist gone, closing manifest")
				c.state = CaptureEnded
				return total, nil
			}
			return total, err
		}

		batch, err := c.newJobs(pl)
		if err != nil {
			return total, err
		}
		if len(batch) > 0 {
			logger.Debug("new live segments advertised", slog.Int("count", len(batch)))
			res, err := c.Scheduler.Download(ctx, batch)
			mergeResults(total, res)
			if err != nil {
				return total, err
			}
			// Each batch passes its own budget check; the running total can
			// still cross the budget across polls.
			if b := c.Scheduler.BadBudget; b > 0 && total.UnrecoverableCount() > b {
				return total, fmt.Errorf("%d unrecoverable segments over budget %d: %w", total.UnrecoverableCount(), b, ErrTooManyCorruptSegments)
			}
		}

		if pl.Ended || finalPoll {
			logger.Info("stream ended, manifest closed", slog.Int("segments", c.nextSeq))
			c.state = CaptureEnded
			return total, nil
		}

		live, err := c.checkLive(ctx)
		if err != nil {
			logger.Warn("live status check failed", slog.Any("err", err))
		} else if !live {
			// One more poll to drain segments advertised after the status
			// flipped, then close.
			finalPoll = true
			continue
		}

		elapsed := time.Since(start)
		if wait := c.pollInterval() - elapsed; wait > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// newJobs converts not-yet-scheduled playlist entries into jobs, enforcing
// the supported duration range.
func (c *Capture) newJobs(pl *playlist.MediaPlaylist) ([]Job, error) {
	var jobs []Job
	for _, seg := range pl.Segments {
		if seg.Seq < c.nextSeq {
			continue
		}
		if seg.Duration < c.minDur() || seg.Duration > c.maxDur() {
			return nil, fmt.Errorf("segment %d has duration %.2fs outside [%.2f, %.2f]: %w",
				seg.Seq, seg.Duration, c.minDur(), c.maxDur(), ErrUnsupportedSegmentDuration)
		}
		jobs = append(jobs, Job{Seq: seg.Seq, URL: seg.URL, Duration: seg.Duration, Muted: seg.Muted})
		if seg.Seq >= c.nextSeq {
			c.nextSeq = seg.Seq + 1
		}
	}
	return jobs, nil
}

func (c *Capture) checkLive(ctx context.Context) (bool, error) {
	if c.IsLive == nil {
		return true, nil
	}
	return c.IsLive(ctx)
}

// Reconcile pairs a live capture with its later-published VOD manifest.
// Segments present in the VOD are authoritative (the VOD may carry corrected
// bytes) and are returned as jobs to fetch; live-only sequence numbers,
// typically the first seconds before the VOD existed or the final seconds
// before deletion, are retained as-is.
func Reconcile(liveSeqs map[int]bool, vodSegs []playlist.Segment) (fetch []Job, retained []int) {
	inVOD := make(map[int]bool, len(vodSegs))
	for _, seg := range vodSegs {
		inVOD[seg.Seq] = true
		fetch = append(fetch, Job{
			Seq:      seg.Seq,
			URL:      seg.URL,
			Duration: seg.Duration,
			Muted:    seg.Muted,
			Force:    liveSeqs[seg.Seq],
		})
	}
	for seq := range liveSeqs {
		if !inVOD[seq] {
			retained = append(retained, seq)
		}
	}
	sort.Ints(retained)
	return fetch, retained
}

// mergeResults folds one batch's outcomes into the running total.
func mergeResults(total, batch *Result) {
	if batch == nil {
		return
	}
	batch.mu.Lock()
	defer batch.mu.Unlock()
	total.mu.Lock()
	defer total.mu.Unlock()
	for k, v := range batch.Completed {
		total.Completed[k] = v
	}
	for k, v := range batch.Bad {
		total.Bad[k] = v
	}
	for k, v := range batch.Missing {
		total.Missing[k] = v
	}
}
