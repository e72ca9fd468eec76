package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Verifier checks the container integrity of a downloaded segment.
type Verifier interface {
	VerifySegment(ctx context.Context, path string) error
}

// FFprobeVerifier probes a segment with ffprobe in error-only mode. A clean
// exit with no reported errors means the transport stream demuxes; any
// decode/demux complaint fails validation. This is a fast integrity probe,
// not a full decode.
type FFprobeVerifier struct {
	Binary string
}

var _ Verifier = (*FFprobeVerifier)(nil)

const probeTimeout = 30 * time.Second

func (v *FFprobeVerifier) binary() string {
	if v.Binary != "" {
		return v.Binary
	}
	return "ffprobe"
}

func (v *FFprobeVerifier) VerifySegment(ctx context.Context, path string) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, v.binary(),
		"-v", "error",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		"-i", path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffprobe segment %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return fmt.Errorf("ffprobe segment %s: no streams found", path)
	}
	// Any stderr noise in -v error mode indicates demux problems even when
	// the exit code is zero.
	for _, line := range strings.Split(trimmed, "\n") {
		l := strings.TrimSpace(line)
		if l == "" || l == "video" || l == "audio" || l == "data" {
			continue
		}
		return fmt.Errorf("ffprobe segment %s: %s", path, l)
	}
	return nil
}

// fileHash computes a content hash used to compare a refetched segment
// against its corrupt predecessor.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
