// Package merge assembles a target's downloaded segments into the final
// artifact: byte concatenation (or the ffmpeg concat demuxer when the
// sequence has gaps), a stream-copy remux to mp4, and duration verification
// against the source-reported length.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Brisppy/twitch-archiver/download"
)

// ErrDurationMismatch marks an artifact whose probed duration falls outside
// the configured tolerance of the source-reported length. Fatal for the
// target; an operator clears it by dropping an override marker.
var ErrDurationMismatch = errors.New("artifact duration outside tolerance")

// OverrideMarker skips duration verification for a target when present in
// its working area. Used for VODs whose advertised length is known wrong,
// e.g. streams Twitch truncated server-side.
const OverrideMarker = ".ignorelength"

// DurationProber reports a media file's container duration in seconds.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Merger drives one target's working area to a finished artifact.
type Merger struct {
	WorkDir    string // per-target segment directory
	OutputPath string // final .mp4 path
	Tolerance  time.Duration
	Prober     DurationProber
	TargetID   string
}

func (m *Merger) tolerance() time.Duration {
	if m.Tolerance > 0 {
		return m.Tolerance
	}
	return 3 * time.Second
}

func (m *Merger) prober() DurationProber {
	if m.Prober != nil {
		return m.Prober
	}
	return FFprobeProber{}
}

// Run combines, remuxes, and verifies. expected is the source-reported
// duration; zero skips verification. On any failure the working area and
// intermediate files are left in place for inspection and resumption.
func (m *Merger) Run(ctx context.Context, expected time.Duration) error {
	logger := slog.Default().With(slog.String("target_id", m.TargetID), slog.String("component", "merge"))

	seqs, err := m.segmentSeqs()
	if err != nil {
		return err
	}
	if len(seqs) == 0 {
		return fmt.Errorf("no segments in %s", m.WorkDir)
	}

	merged := filepath.Join(m.WorkDir, "merged.ts")
	gaps := gapSeqs(seqs)
	if len(gaps) == 0 {
		logger.Debug("combining segments by concatenation", slog.Int("count", len(seqs)))
		if err := m.combineRaw(ctx, seqs, merged); err != nil {
			return fmt.Errorf("combine segments: %w", err)
		}
	} else {
		// Byte concatenation across a gap yields a broken timestamp stream;
		// the concat demuxer regenerates PTS instead.
		logger.Warn("sequence gaps found, combining with ffmpeg", slog.Any("gaps", gaps))
		if err := m.combineDemuxer(ctx, seqs, merged); err != nil {
			return fmt.Errorf("combine segments: %w", err)
		}
	}

	if err := m.remux(ctx, merged); err != nil {
		return fmt.Errorf("remux: %w", err)
	}
	logger.Info("artifact remuxed", slog.String("path", m.OutputPath))

	if expected > 0 {
		if err := m.VerifyDuration(ctx, expected); err != nil {
			return err
		}
	}
	return nil
}

// segmentSeqs lists the sequence numbers present in the working area, sorted.
func (m *Merger) segmentSeqs() ([]int, error) {
	entries, err := os.ReadDir(m.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("read work dir: %w", err)
	}
	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".ts") || name == "merged.ts" {
			continue
		}
		if seq, err := strconv.Atoi(strings.TrimSuffix(name, ".ts")); err == nil {
			seqs = append(seqs, seq)
		}
	}
	sort.Ints(seqs)
	return seqs, nil
}

func gapSeqs(seqs []int) []int {
	var gaps []int
	for i := 0; i+1 < len(seqs); i++ {
		for missing := seqs[i] + 1; missing < seqs[i+1]; missing++ {
			gaps = append(gaps, missing)
		}
	}
	return gaps
}

// combineRaw appends each segment's bytes to merged in sequence order. MPEG
// transport streams concatenate cleanly when the sequence is unbroken.
func (m *Merger) combineRaw(ctx context.Context, seqs []int, merged string) error {
	tmp := merged + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return err
		}
		in, err := os.Open(download.SegmentPath(m.WorkDir, seq))
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return err
		}
		_, err = io.Copy(out, in)
		_ = in.Close()
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, merged)
}

// combineDemuxer merges via the ffmpeg concat demuxer with regenerated PTS.
func (m *Merger) combineDemuxer(ctx context.Context, seqs []int, merged string) error {
	list, err := m.writeConcatList(seqs)
	if err != nil {
		return err
	}
	args := []string{
		"-hide_banner", "-fflags", "+genpts",
		"-f", "concat", "-safe", "0",
		"-y", "-i", list,
		"-c", "copy",
		merged,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, tail(string(out), 512))
	}
	return nil
}

// writeConcatList writes the concat demuxer's file list into the working
// area, one quoted absolute path per segment.
func (m *Merger) writeConcatList(seqs []int) (string, error) {
	var b strings.Builder
	for _, seq := range seqs {
		abs, err := filepath.Abs(download.SegmentPath(m.WorkDir, seq))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	list := filepath.Join(m.WorkDir, "segments.txt")
	if err := os.WriteFile(list, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return list, nil
}

// remux stream-copies the combined transport stream into the mp4 container,
// attaching chapter metadata when the working area carries it.
func (m *Merger) remux(ctx context.Context, merged string) error {
	if err := os.MkdirAll(filepath.Dir(m.OutputPath), 0o755); err != nil {
		return err
	}
	tmp := m.OutputPath + ".part.mp4"
	args := []string{"-hide_banner", "-y", "-i", merged}
	chapters := filepath.Join(m.WorkDir, "chapters.txt")
	if _, err := os.Stat(chapters); err == nil {
		args = append(args, "-i", chapters, "-map_metadata", "1")
	}
	args = append(args, "-c:a", "copy", "-c:v", "copy", tmp)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ffmpeg remux: %w: %s", err, tail(string(out), 512))
	}
	return os.Rename(tmp, m.OutputPath)
}

// VerifyDuration probes the artifact and compares it against the expected
// length. The override marker in the working area skips the check entirely.
func (m *Merger) VerifyDuration(ctx context.Context, expected time.Duration) error {
	if _, err := os.Stat(filepath.Join(m.WorkDir, OverrideMarker)); err == nil {
		slog.Debug("override marker present, skipping duration verification", slog.String("target_id", m.TargetID))
		return nil
	}
	got, err := m.prober().ProbeDuration(ctx, m.OutputPath)
	if err != nil {
		return fmt.Errorf("probe artifact duration: %w", err)
	}
	gotDur := time.Duration(got * float64(time.Second))
	if !withinTolerance(gotDur, expected, m.tolerance()) {
		return fmt.Errorf("artifact is %s, expected %s (tolerance %s): %w",
			gotDur.Round(time.Millisecond), expected, m.tolerance(), ErrDurationMismatch)
	}
	return nil
}

func withinTolerance(got, want, tol time.Duration) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}

// FFprobeProber shells out to ffprobe for the container duration.
type FFprobeProber struct{}

const probeTimeout = 30 * time.Second

func (FFprobeProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(pctx, "ffprobe",
		"-v", "quiet",
		"-i", path,
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return dur, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
