package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrTooManyCorruptSegments aborts a target whose unrecoverable segment
// count (confirmed corrupt plus permanently missing) exceeded the operator
// budget. Fatal, never retried automatically.
var ErrTooManyCorruptSegments = errors.New("too many corrupt segments")

// Segment verification states persisted to the segment log.
const (
	StateOK      = "ok"
	StateMuted   = "muted"         // failed validation but marked muted by the manifest; accepted
	StateBad     = "confirmed_bad" // failed validation after all repair attempts
	StateMissing = "missing"       // permanent 404 against a required segment
)

// Recorder receives the outcome of every segment so nothing is discarded
// silently. The coordinator persists these to the segment log.
type Recorder interface {
	RecordSegment(ctx context.Context, targetID string, seq int, state, note string)
}

// NopRecorder discards outcomes; used by tests.
type NopRecorder struct{}

func (NopRecorder) RecordSegment(context.Context, string, int, string, string) {}

// Job is one segment handed to the worker pool. Force refetches the segment
// even when a copy is already on disk; reconciliation uses it to let a
// paired VOD's corrected bytes replace a live capture.
type Job struct {
	Seq      int
	URL      string
	Duration float64
	Muted    bool
	Force    bool
}

// Result accumulates per-segment outcomes for one Download call.
type Result struct {
	mu        sync.Mutex
	Completed map[int]bool   // on disk and accepted (OK or muted)
	Bad       map[int]string // confirmed corrupt, counted against budget
	Missing   map[int]string // permanent 404 gaps
}

func newResult() *Result {
	return &Result{Completed: map[int]bool{}, Bad: map[int]string{}, Missing: map[int]string{}}
}

// Scheduler drains segment jobs through a bounded worker pool into the
// per-target working area. It is agnostic to whether jobs come from a VOD
// manifest or the live capture loop.
type Scheduler struct {
	Client            *http.Client
	Workers           int           // pool size, default 20
	Timeout           time.Duration // per-request timeout
	MaxRetries        int           // network retries per segment
	ValidationRetries int           // refetch attempts for corrupt (non-muted) segments
	Backoff           time.Duration // base backoff between retries
	BadBudget         int           // confirmed-bad tolerance before aborting
	Verifier          Verifier
	Recorder          Recorder
	TargetID          string
	WorkDir           string
}

func (s *Scheduler) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *Scheduler) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return 20
}

func (s *Scheduler) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 10 * time.Second
}

func (s *Scheduler) recorder() Recorder {
	if s.Recorder != nil {
		return s.Recorder
	}
	return NopRecorder{}
}

// SegmentPath returns the working-area path for a sequence number.
func SegmentPath(workDir string, seq int) string {
	return filepath.Join(workDir, fmt.Sprintf("%05d.ts", seq))
}

// CompletedSegments scans the working area for already-downloaded segments
// so a restarted acquisition does not refetch them.
func CompletedSegments(workDir string) (map[int]bool, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]bool{}, nil
		}
		return nil, err
	}
	done := map[int]bool{}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".ts") {
			continue
		}
		if seq, err := strconv.Atoi(strings.TrimSuffix(name, ".ts")); err == nil {
			done[seq] = true
		}
	}
	return done, nil
}

// Download fetches all jobs not already present on disk through the worker
// pool, verifies each payload, and returns the accumulated outcomes. It
// returns ErrTooManyCorruptSegments when the unrecoverable count (confirmed
// bad or permanently missing) exceeds the budget; the Result is still
// populated for inspection.
func (s *Scheduler) Download(ctx context.Context, jobs []Job) (*Result, error) {
	if err := os.MkdirAll(s.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir work dir: %w", err)
	}
	res := newResult()

	done, err := CompletedSegments(s.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("scan work dir: %w", err)
	}
	pending := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if done[j.Seq] && !j.Force {
			res.mu.Lock()
			res.Completed[j.Seq] = true
			res.mu.Unlock()
			continue
		}
		pending = append(pending, j)
	}
	if len(pending) == 0 {
		return res, nil
	}

	// Workers complete out of order; the merge stage reads back strictly by
	// sequence number, so completion order here never affects the artifact.
	queue := make(chan Job)
	var wg sync.WaitGroup
	for i := 0; i < s.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				s.fetchAndVerify(ctx, j, res)
			}
		}()
	}
	for _, j := range pending {
		select {
		case queue <- j:
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return res, ctx.Err()
		}
	}
	close(queue)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.mu.Lock()
	bad, missing := len(res.Bad), len(res.Missing)
	res.mu.Unlock()
	// Permanent 404s are as unrecoverable as corrupt segments; both eat the
	// budget so a gap-riddled target cannot merge quietly.
	if s.BadBudget > 0 && bad+missing > s.BadBudget {
		return res, fmt.Errorf("%d unrecoverable segments (%d corrupt, %d missing) over budget %d: %w", bad+missing, bad, missing, s.BadBudget, ErrTooManyCorruptSegments)
	}
	return res, nil
}

// fetchAndVerify drives one segment to a terminal state: completed, missing,
// or confirmed bad.
func (s *Scheduler) fetchAndVerify(ctx context.Context, j Job, res *Result) {
	logger := slog.Default().With(slog.String("target_id", s.TargetID), slog.Int("seq", j.Seq), slog.String("component", "segment_fetch"))
	path := SegmentPath(s.WorkDir, j.Seq)

	attempts := s.ValidationRetries
	if attempts <= 0 {
		attempts = 2
	}
	var prevHash string
	for attempt := 0; attempt <= attempts; attempt++ {
		if err := s.fetchSegment(ctx, j, path); err != nil {
			if errors.Is(err, errSegmentGone) {
				logger.Warn("segment permanently missing", slog.String("url", j.URL))
				res.mu.Lock()
				res.Missing[j.Seq] = "404"
				res.mu.Unlock()
				s.recorder().RecordSegment(ctx, s.TargetID, j.Seq, StateMissing, "http 404")
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("segment fetch failed", slog.Any("err", err))
			res.mu.Lock()
			res.Missing[j.Seq] = err.Error()
			res.mu.Unlock()
			s.recorder().RecordSegment(ctx, s.TargetID, j.Seq, StateMissing, err.Error())
			return
		}

		verr := s.verify(ctx, path)
		if verr == nil {
			res.mu.Lock()
			res.Completed[j.Seq] = true
			res.mu.Unlock()
			s.recorder().RecordSegment(ctx, s.TargetID, j.Seq, StateOK, "")
			return
		}
		if j.Muted {
			// Muted segments use a non-standard encoding and always trip the
			// probe; refetching cannot fix them, so they are accepted as-is.
			logger.Debug("accepting muted segment despite failed validation")
			res.mu.Lock()
			res.Completed[j.Seq] = true
			res.mu.Unlock()
			s.recorder().RecordSegment(ctx, s.TargetID, j.Seq, StateMuted, "muted segment accepted")
			return
		}
		h, herr := fileHash(path)
		if herr == nil && prevHash != "" && h == prevHash {
			// Identical bytes on refetch: the corruption is on Twitch's end
			// and a retry cannot improve it. Treat like a muted segment.
			logger.Debug("refetched segment matches corrupt copy, accepting as source-side corruption")
			res.mu.Lock()
			res.Completed[j.Seq] = true
			res.mu.Unlock()
			s.recorder().RecordSegment(ctx, s.TargetID, j.Seq, StateMuted, "identical bytes on refetch")
			return
		}
		prevHash = h
		if attempt < attempts {
			logger.Warn("segment failed validation, refetching", slog.Int("attempt", attempt+1), slog.Any("err", verr))
			_ = os.Remove(path)
			continue
		}
		logger.Error("segment confirmed corrupt", slog.Any("err", verr))
		_ = os.Rename(path, path+".corrupt")
		res.mu.Lock()
		res.Bad[j.Seq] = verr.Error()
		res.mu.Unlock()
		s.recorder().RecordSegment(ctx, s.TargetID, j.Seq, StateBad, verr.Error())
		return
	}
}

func (s *Scheduler) verify(ctx context.Context, path string) error {
	if s.Verifier == nil {
		return nil
	}
	return s.Verifier.VerifySegment(ctx, path)
}

// errSegmentGone marks a definitive 404 for a required segment.
var errSegmentGone = errors.New("segment gone")

// fetchSegment downloads one segment with bounded network retries. Payloads
// are written to a .part file and renamed into place so an interrupted run
// never leaves a truncated segment that resumption would trust.
func (s *Scheduler) fetchSegment(ctx context.Context, j Job, path string) error {
	maxRetries := s.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	base := s.Backoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := base * time.Duration(1<<attempt)
			//nolint:gosec // G404: jitter only
			backoff += time.Duration(rand.Int63n(int64(base)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := s.fetchOnce(ctx, j.URL, path)
		if err == nil {
			return nil
		}
		if errors.Is(err, errSegmentGone) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("segment %d: exhausted %d attempts: %w", j.Seq, maxRetries, lastErr)
}

func (s *Scheduler) fetchOnce(ctx context.Context, url, path string) error {
	rctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errSegmentGone
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("status %d fetching %s", resp.StatusCode, url)
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// GapSeqs lists sequence numbers that terminated as missing, in order, for
// surfacing to the merge stage.
func (r *Result) GapSeqs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.Missing))
	for seq := range r.Missing {
		out = append(out, seq)
	}
	sort.Ints(out)
	return out
}

// CompletedCount returns how many segments are accepted on disk.
func (r *Result) CompletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Completed)
}

// UnrecoverableCount returns how many segments terminated as confirmed bad
// or permanently missing; the bad-segment budget is judged against this.
func (r *Result) UnrecoverableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Bad) + len(r.Missing)
}

// Absorb folds other's outcomes into r. A segment completed in either pass
// is completed; its missing or bad verdict from the other pass is dropped.
func (r *Result) Absorb(other *Result) {
	if other == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for seq := range other.Completed {
		r.Completed[seq] = true
		delete(r.Bad, seq)
		delete(r.Missing, seq)
	}
	for seq, note := range other.Bad {
		if !r.Completed[seq] {
			r.Bad[seq] = note
		}
	}
	for seq, note := range other.Missing {
		if !r.Completed[seq] {
			r.Missing[seq] = note
		}
	}
}
