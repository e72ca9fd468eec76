package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Brisppy/twitch-archiver/playlist"
	"github.com/Brisppy/twitch-archiver/twitchapi"
)

// liveRewriteTransport points the hardcoded gql/usher hosts at the test
// server.
type liveRewriteTransport struct {
	host string
}

func (t *liveRewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := url.Parse(t.host)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	return http.DefaultTransport.RoundTrip(req)
}

// liveEdge simulates a Twitch delivery edge for a live channel: a growing
// media playlist plus the segments it advertises.
type liveEdge struct {
	mu       sync.Mutex
	segs     []playlist.Segment
	ended    bool
	gone     bool
	missing  map[int]bool // sequence numbers served as 404
	firstSeq int
	polls    int
	onPoll   func(poll int)
}

func (e *liveEdge) advance(n int, dur float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < n; i++ {
		seq := e.firstSeq + len(e.segs)
		e.segs = append(e.segs, playlist.Segment{Seq: seq, Duration: dur})
	}
}

func (e *liveEdge) end() {
	e.mu.Lock()
	e.ended = true
	e.mu.Unlock()
}

func (e *liveEdge) serve(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/gql":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"streamPlaybackAccessToken": map[string]string{"value": "tok", "signature": "sig"},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/api/channel/hls/"):
			fmt.Fprintf(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1,RESOLUTION=1920x1080,VIDEO=\"chunked\"\nhttps://edge.test/chunked/index-live.m3u8\n")
		case strings.HasSuffix(r.URL.Path, "index-live.m3u8"):
			e.mu.Lock()
			if e.gone {
				e.mu.Unlock()
				w.WriteHeader(http.StatusNotFound)
				return
			}
			e.polls++
			if e.onPoll != nil {
				e.onPoll(e.polls)
			}
			var b strings.Builder
			b.WriteString("#EXTM3U\n")
			fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", e.firstSeq)
			for _, seg := range e.segs {
				fmt.Fprintf(&b, "#EXTINF:%.3f,\n%05d.ts\n", seg.Duration, seg.Seq)
			}
			if e.ended {
				b.WriteString("#EXT-X-ENDLIST\n")
			}
			e.mu.Unlock()
			_, _ = w.Write([]byte(b.String()))
		case strings.HasSuffix(r.URL.Path, ".ts"):
			base := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
			if seq, err := strconv.Atoi(strings.TrimSuffix(base, ".ts")); err == nil {
				e.mu.Lock()
				gone := e.missing[seq]
				e.mu.Unlock()
				if gone {
					w.WriteHeader(http.StatusNotFound)
					return
				}
			}
			_, _ = fmt.Fprintf(w, "bytes-of-%s", r.URL.Path)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newLiveCapture(t *testing.T, server *httptest.Server, dir string) *Capture {
	t.Helper()
	client := &http.Client{Transport: &liveRewriteTransport{host: server.URL}}
	return &Capture{
		Resolver:     &Resolver{Usher: &twitchapi.UsherClient{HTTPClient: client}, Quality: "best"},
		Scheduler:    &Scheduler{Client: client, Workers: 4, Verifier: passVerifier{}, TargetID: "t1", WorkDir: dir},
		BufferDelay:  time.Millisecond,
		PollInterval: time.Millisecond,
		TargetID:     "t1",
	}
}

func TestCaptureRunToEnd(t *testing.T) {
	edge := &liveEdge{}
	edge.advance(3, 2.0)
	edge.onPoll = func(poll int) {
		switch poll {
		case 2:
			edge.segs = append(edge.segs, playlist.Segment{Seq: 3, Duration: 2.0}, playlist.Segment{Seq: 4, Duration: 2.0})
		case 3:
			edge.ended = true
		}
	}
	server := edge.serve(t)
	dir := t.TempDir()
	c := newLiveCapture(t, server, dir)

	if c.State() != CaptureArmed {
		t.Errorf("initial state = %v, want armed", c.State())
	}
	res, err := c.Run(context.Background(), "testchannel")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.State() != CaptureEnded {
		t.Errorf("final state = %v, want ended", c.State())
	}
	if res.CompletedCount() != 5 {
		t.Errorf("completed = %d, want 5", res.CompletedCount())
	}
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(SegmentPath(dir, i)); err != nil {
			t.Errorf("segment %d not on disk: %v", i, err)
		}
	}
}

func TestCaptureRunOfflineDrain(t *testing.T) {
	edge := &liveEdge{}
	edge.advance(2, 2.0)
	edge.onPoll = func(poll int) {
		// Two late segments show up after the channel reports offline.
		if poll == 2 {
			edge.segs = append(edge.segs, playlist.Segment{Seq: 2, Duration: 2.0}, playlist.Segment{Seq: 3, Duration: 2.0})
		}
	}
	server := edge.serve(t)
	c := newLiveCapture(t, server, t.TempDir())
	c.IsLive = func(context.Context) (bool, error) { return false, nil }

	res, err := c.Run(context.Background(), "testchannel")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.State() != CaptureEnded {
		t.Errorf("final state = %v, want ended", c.State())
	}
	if res.CompletedCount() != 4 {
		t.Errorf("completed = %d, want 4 (final drain poll picks up late segments)", res.CompletedCount())
	}
}

func TestCaptureRunPlaylistGone(t *testing.T) {
	edge := &liveEdge{}
	edge.advance(2, 2.0)
	edge.onPoll = func(poll int) {
		if poll == 1 {
			edge.gone = true
		}
	}
	server := edge.serve(t)
	c := newLiveCapture(t, server, t.TempDir())

	res, err := c.Run(context.Background(), "testchannel")
	if err != nil {
		t.Fatalf("Run should close gracefully when the playlist disappears, got %v", err)
	}
	if c.State() != CaptureEnded {
		t.Errorf("final state = %v, want ended", c.State())
	}
	if res.CompletedCount() != 2 {
		t.Errorf("completed = %d, want 2", res.CompletedCount())
	}
}

func TestCaptureGapsAcrossPollsOverBudget(t *testing.T) {
	// Three gaps per poll stay under the budget individually; the running
	// total crosses it on the second poll and must abort the capture.
	edge := &liveEdge{missing: map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true}}
	edge.advance(3, 2.0)
	edge.onPoll = func(poll int) {
		if poll == 2 {
			edge.segs = append(edge.segs,
				playlist.Segment{Seq: 3, Duration: 2.0},
				playlist.Segment{Seq: 4, Duration: 2.0},
				playlist.Segment{Seq: 5, Duration: 2.0})
		}
	}
	server := edge.serve(t)
	c := newLiveCapture(t, server, t.TempDir())
	c.Scheduler.BadBudget = 5

	res, err := c.Run(context.Background(), "testchannel")
	if !errors.Is(err, ErrTooManyCorruptSegments) {
		t.Fatalf("err = %v, want ErrTooManyCorruptSegments", err)
	}
	if got := res.UnrecoverableCount(); got != 6 {
		t.Errorf("unrecoverable = %d, want 6", got)
	}
}

func TestCaptureRunCancelled(t *testing.T) {
	edge := &liveEdge{}
	edge.advance(2, 2.0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	edge.onPoll = func(poll int) {
		if poll == 2 {
			cancel()
		}
	}
	server := edge.serve(t)
	dir := t.TempDir()
	c := newLiveCapture(t, server, dir)

	res, err := c.Run(ctx, "testchannel")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// Segments fetched before the interruption stay on disk so the next run
	// can reconcile them against the published VOD.
	if res.CompletedCount() != 2 {
		t.Errorf("completed = %d, want 2", res.CompletedCount())
	}
	for i := 0; i < 2; i++ {
		if _, err := os.Stat(SegmentPath(dir, i)); err != nil {
			t.Errorf("segment %d not on disk: %v", i, err)
		}
	}
}

func TestCaptureRunUnsupportedDuration(t *testing.T) {
	edge := &liveEdge{}
	edge.advance(1, 2.0)
	edge.advance(1, 30.0)
	server := edge.serve(t)
	c := newLiveCapture(t, server, t.TempDir())

	_, err := c.Run(context.Background(), "testchannel")
	if !errors.Is(err, ErrUnsupportedSegmentDuration) {
		t.Fatalf("err = %v, want ErrUnsupportedSegmentDuration", err)
	}
}

func TestCaptureNewJobsSkipsScheduled(t *testing.T) {
	c := &Capture{}
	pl := &playlist.MediaPlaylist{Segments: []playlist.Segment{
		{Seq: 0, Duration: 2}, {Seq: 1, Duration: 2}, {Seq: 2, Duration: 2},
	}}
	jobs, err := c.newJobs(pl)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 || c.NextSeq() != 3 {
		t.Fatalf("jobs = %d, nextSeq = %d", len(jobs), c.NextSeq())
	}
	// Same playlist plus one new segment: only the new one is scheduled.
	pl.Segments = append(pl.Segments, playlist.Segment{Seq: 3, Duration: 2})
	jobs, err = c.newJobs(pl)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Seq != 3 {
		t.Fatalf("jobs = %+v, want only seq 3", jobs)
	}
}

func TestReconcileVODAuthoritative(t *testing.T) {
	liveSeqs := map[int]bool{}
	for i := 0; i < 50; i++ {
		liveSeqs[i] = true
	}
	vodSegs := make([]playlist.Segment, 0, 49)
	for i := 0; i < 49; i++ {
		vodSegs = append(vodSegs, playlist.Segment{Seq: i, URL: fmt.Sprintf("https://edge.test/%05d.ts", i)})
	}

	fetch, retained := Reconcile(liveSeqs, vodSegs)
	if len(fetch) != 49 {
		t.Fatalf("fetch = %d jobs, want 49", len(fetch))
	}
	for _, j := range fetch {
		if !j.Force {
			t.Errorf("job %d not forced; VOD bytes must replace the live capture", j.Seq)
		}
	}
	if len(retained) != 1 || retained[0] != 49 {
		t.Errorf("retained = %v, want [49]", retained)
	}
}

func TestReconcileVODOnlySegmentsNotForced(t *testing.T) {
	// Segments the live capture missed entirely are plain fetches.
	liveSeqs := map[int]bool{0: true}
	vodSegs := []playlist.Segment{{Seq: 0}, {Seq: 1}}
	fetch, retained := Reconcile(liveSeqs, vodSegs)
	if len(retained) != 0 {
		t.Errorf("retained = %v, want none", retained)
	}
	if !fetch[0].Force || fetch[1].Force {
		t.Errorf("force flags = %v/%v, want true/false", fetch[0].Force, fetch[1].Force)
	}
}
