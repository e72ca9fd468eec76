package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// passVerifier accepts every segment.
type passVerifier struct{}

func (passVerifier) VerifySegment(context.Context, string) error { return nil }

// failSeqVerifier fails validation for specific sequence numbers by matching
// the payload the test server wrote for them.
type failSeqVerifier struct {
	badPayloads map[string]bool
	mu          sync.Mutex
	calls       int
}

func (v *failSeqVerifier) VerifySegment(_ context.Context, path string) error {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if v.badPayloads[string(b)] {
		return errors.New("packet corrupt")
	}
	return nil
}

func segmentServer(t *testing.T, payload func(seq int) (string, int)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var seq int
		if _, err := fmt.Sscanf(r.URL.Path, "/seg/%d.ts", &seq); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, code := payload(seq)
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func jobsForServer(server *httptest.Server, n int) []Job {
	jobs := make([]Job, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, Job{Seq: i, URL: fmt.Sprintf("%s/seg/%d.ts", server.URL, i), Duration: 10})
	}
	return jobs
}

func TestSchedulerDownloadAll(t *testing.T) {
	server := segmentServer(t, func(seq int) (string, int) {
		return fmt.Sprintf("payload-%d", seq), http.StatusOK
	})
	dir := t.TempDir()
	s := &Scheduler{Workers: 8, Verifier: passVerifier{}, TargetID: "t1", WorkDir: dir}
	res, err := s.Download(context.Background(), jobsForServer(server, 30))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := res.CompletedCount(); got != 30 {
		t.Fatalf("completed = %d, want 30", got)
	}
	for i := 0; i < 30; i++ {
		b, err := os.ReadFile(SegmentPath(dir, i))
		if err != nil {
			t.Fatalf("segment %d missing: %v", i, err)
		}
		if string(b) != fmt.Sprintf("payload-%d", i) {
			t.Errorf("segment %d payload = %q", i, b)
		}
	}
}

func TestSchedulerSkipsCompleted(t *testing.T) {
	var fetches atomic.Int64
	server := segmentServer(t, func(seq int) (string, int) {
		fetches.Add(1)
		return "x", http.StatusOK
	})
	dir := t.TempDir()
	// Pre-seed K of N segments as already downloaded.
	for i := 0; i < 4; i++ {
		if err := os.WriteFile(SegmentPath(dir, i), []byte("existing"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	s := &Scheduler{Workers: 4, Verifier: passVerifier{}, TargetID: "t1", WorkDir: dir}
	res, err := s.Download(context.Background(), jobsForServer(server, 10))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := res.CompletedCount(); got != 10 {
		t.Errorf("completed = %d, want 10", got)
	}
	if got := fetches.Load(); got != 6 {
		t.Errorf("network fetches = %d, want exactly N-K = 6", got)
	}
}

func TestSchedulerIdempotentRerun(t *testing.T) {
	var fetches atomic.Int64
	server := segmentServer(t, func(seq int) (string, int) {
		fetches.Add(1)
		return "x", http.StatusOK
	})
	dir := t.TempDir()
	s := &Scheduler{Workers: 4, Verifier: passVerifier{}, TargetID: "t1", WorkDir: dir}
	if _, err := s.Download(context.Background(), jobsForServer(server, 5)); err != nil {
		t.Fatalf("first Download: %v", err)
	}
	first := fetches.Load()
	if _, err := s.Download(context.Background(), jobsForServer(server, 5)); err != nil {
		t.Fatalf("second Download: %v", err)
	}
	if got := fetches.Load() - first; got != 0 {
		t.Errorf("rerun performed %d fetches, want 0", got)
	}
}

func TestSchedulerSegmentGone(t *testing.T) {
	server := segmentServer(t, func(seq int) (string, int) {
		if seq == 3 {
			return "", http.StatusNotFound
		}
		return "ok", http.StatusOK
	})
	dir := t.TempDir()
	s := &Scheduler{Workers: 2, BadBudget: 5, Verifier: passVerifier{}, TargetID: "t1", WorkDir: dir}
	res, err := s.Download(context.Background(), jobsForServer(server, 5))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	gaps := res.GapSeqs()
	if len(gaps) != 1 || gaps[0] != 3 {
		t.Errorf("gaps = %v, want [3]", gaps)
	}
	if res.CompletedCount() != 4 {
		t.Errorf("completed = %d, want 4", res.CompletedCount())
	}
}

func TestSchedulerMissingOverBudget(t *testing.T) {
	// Ten of twelve segments permanently gone with a budget of five must
	// abort the target rather than merge around the gaps.
	server := segmentServer(t, func(seq int) (string, int) {
		if seq >= 2 {
			return "", http.StatusNotFound
		}
		return "ok", http.StatusOK
	})
	dir := t.TempDir()
	s := &Scheduler{Workers: 4, BadBudget: 5, Verifier: passVerifier{}, TargetID: "t1", WorkDir: dir}
	res, err := s.Download(context.Background(), jobsForServer(server, 12))
	if !errors.Is(err, ErrTooManyCorruptSegments) {
		t.Fatalf("err = %v, want ErrTooManyCorruptSegments", err)
	}
	if res.CompletedCount() != 2 {
		t.Errorf("completed = %d, want 2", res.CompletedCount())
	}
	if got := res.UnrecoverableCount(); got != 10 {
		t.Errorf("unrecoverable = %d, want 10", got)
	}
}

func TestSchedulerRetriesTransient(t *testing.T) {
	var attempts atomic.Int64
	server := segmentServer(t, func(seq int) (string, int) {
		if attempts.Add(1) <= 2 {
			return "", http.StatusInternalServerError
		}
		return "ok", http.StatusOK
	})
	dir := t.TempDir()
	s := &Scheduler{Workers: 1, MaxRetries: 5, Backoff: time.Millisecond, Verifier: passVerifier{}, TargetID: "t1", WorkDir: dir}
	res, err := s.Download(context.Background(), jobsForServer(server, 1))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.CompletedCount() != 1 {
		t.Errorf("completed = %d, want 1 after retries", res.CompletedCount())
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestSchedulerMutedAcceptedWithoutRetry(t *testing.T) {
	server := segmentServer(t, func(seq int) (string, int) {
		return "muted-garbage", http.StatusOK
	})
	dir := t.TempDir()
	v := &failSeqVerifier{badPayloads: map[string]bool{"muted-garbage": true}}
	s := &Scheduler{Workers: 1, ValidationRetries: 3, Verifier: v, TargetID: "t1", WorkDir: dir}
	jobs := []Job{{Seq: 0, URL: server.URL + "/seg/0.ts", Duration: 10, Muted: true}}
	res, err := s.Download(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.CompletedCount() != 1 {
		t.Errorf("muted segment not accepted")
	}
	if v.calls != 1 {
		t.Errorf("verifier called %d times, want 1 (no validation retries for muted)", v.calls)
	}
}

func TestSchedulerCorruptAcceptedWhenRefetchIdentical(t *testing.T) {
	// A non-muted segment failing validation with byte-identical refetches
	// is corruption on the source side and gets accepted.
	server := segmentServer(t, func(seq int) (string, int) {
		return "stable-corrupt", http.StatusOK
	})
	dir := t.TempDir()
	v := &failSeqVerifier{badPayloads: map[string]bool{"stable-corrupt": true}}
	s := &Scheduler{Workers: 1, ValidationRetries: 3, Verifier: v, TargetID: "t1", WorkDir: dir}
	res, err := s.Download(context.Background(), jobsForServer(server, 1))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.CompletedCount() != 1 {
		t.Errorf("source-side corrupt segment not accepted: %+v", res.Bad)
	}
}

func TestSchedulerBudgetExceeded(t *testing.T) {
	// Each fetch returns different bytes that always fail validation, so
	// every segment exhausts its repair attempts and is confirmed bad.
	var n atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "corrupt-%d", n.Add(1))
	}))
	defer server.Close()
	dir := t.TempDir()
	v := &alwaysFailVerifier{}
	s := &Scheduler{Workers: 2, ValidationRetries: 1, BadBudget: 5, Verifier: v, TargetID: "t1", WorkDir: dir}
	jobs := make([]Job, 6)
	for i := range jobs {
		jobs[i] = Job{Seq: i, URL: fmt.Sprintf("%s/seg/%d.ts", server.URL, i), Duration: 10}
	}
	res, err := s.Download(context.Background(), jobs)
	if !errors.Is(err, ErrTooManyCorruptSegments) {
		t.Fatalf("err = %v, want ErrTooManyCorruptSegments", err)
	}
	res.mu.Lock()
	bad := len(res.Bad)
	res.mu.Unlock()
	if bad != 6 {
		t.Errorf("bad = %d, want 6", bad)
	}
}

type alwaysFailVerifier struct{}

func (alwaysFailVerifier) VerifySegment(context.Context, string) error {
	return errors.New("packet corrupt")
}

func TestSchedulerNoPartFilesLeftBehind(t *testing.T) {
	server := segmentServer(t, func(seq int) (string, int) {
		return "ok", http.StatusOK
	})
	dir := t.TempDir()
	s := &Scheduler{Workers: 4, Verifier: passVerifier{}, TargetID: "t1", WorkDir: dir}
	if _, err := s.Download(context.Background(), jobsForServer(server, 8)); err != nil {
		t.Fatalf("Download: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("leftover partial file %s", e.Name())
		}
	}
}
