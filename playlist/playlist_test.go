package playlist

import (
	"testing"
)

const sampleMaster = `#EXTM3U
#EXT-X-TWITCH-INFO:NODE="video-edge",MANIFEST-TYPE="vod"
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="chunked",NAME="1080p60"
#EXT-X-STREAM-INF:BANDWIDTH=6000000,RESOLUTION=1920x1080,CODECS="avc1.64002A,mp4a.40.2",VIDEO="chunked",FRAME-RATE=60.000
https://example.test/abc/chunked/index-dvr.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720,VIDEO="720p60",FRAME-RATE=59.940
https://example.test/abc/720p60/index-dvr.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1500000,RESOLUTION=1280x720,VIDEO="720p30",FRAME-RATE=30.000
https://example.test/abc/720p30/index-dvr.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=230000,RESOLUTION=284x160,VIDEO="160p30",FRAME-RATE=30.000
https://example.test/abc/160p30/index-dvr.m3u8
`

const sampleMedia = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-TWITCH-TOTAL-SECS:35.5
#EXTINF:10.000,
0.ts
#EXTINF:10.000,
1-muted.ts
#EXTINF:10.000,
2.ts
#EXTINF:5.500,
3.ts
#EXT-X-ENDLIST
`

func TestParseMaster(t *testing.T) {
	variants, err := ParseMaster(sampleMaster)
	if err != nil {
		t.Fatalf("ParseMaster: %v", err)
	}
	if len(variants) != 4 {
		t.Fatalf("variants = %d, want 4", len(variants))
	}
	top := variants[0]
	if top.Resolution != 1080 || top.Framerate != 60 || top.Name != "chunked" {
		t.Errorf("top variant = %+v", top)
	}
	if variants[1].Framerate != 60 {
		t.Errorf("expected 59.94 rounded to 60, got %d", variants[1].Framerate)
	}
	if variants[3].Resolution != 160 {
		t.Errorf("worst resolution = %d, want 160", variants[3].Resolution)
	}
}

func TestParseMasterEmpty(t *testing.T) {
	if _, err := ParseMaster("#EXTM3U\n"); err == nil {
		t.Errorf("expected error for playlist without variants")
	}
}

func TestParseMedia(t *testing.T) {
	pl, err := ParseMedia(sampleMedia, "https://example.test/abc/chunked")
	if err != nil {
		t.Fatalf("ParseMedia: %v", err)
	}
	if len(pl.Segments) != 4 {
		t.Fatalf("segments = %d, want 4", len(pl.Segments))
	}
	if !pl.Ended {
		t.Errorf("expected Ended for ENDLIST playlist")
	}
	if pl.TotalSecs != 35.5 {
		t.Errorf("TotalSecs = %v, want 35.5", pl.TotalSecs)
	}
	for i, s := range pl.Segments {
		if s.Seq != i {
			t.Errorf("segment %d has seq %d", i, s.Seq)
		}
	}
	if !pl.Segments[1].Muted {
		t.Errorf("segment 1 should be muted")
	}
	if pl.Segments[0].Muted || pl.Segments[2].Muted {
		t.Errorf("unexpected muted flag on clean segments")
	}
	if got := pl.Segments[2].URL; got != "https://example.test/abc/chunked/2.ts" {
		t.Errorf("segment 2 url = %q", got)
	}
	if pl.Segments[3].Duration != 5.5 {
		t.Errorf("segment 3 duration = %v, want 5.5", pl.Segments[3].Duration)
	}
}

func TestParseMediaSequenceOffset(t *testing.T) {
	raw := "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:42\n#EXTINF:2.0,\nlive-0.ts\n#EXTINF:2.0,\nlive-1.ts\n"
	pl, err := ParseMedia(raw, "https://edge.test/s")
	if err != nil {
		t.Fatalf("ParseMedia: %v", err)
	}
	if pl.Ended {
		t.Errorf("open playlist should not be Ended")
	}
	if pl.Segments[0].Seq != 42 || pl.Segments[1].Seq != 43 {
		t.Errorf("sequence offset not applied: %d, %d", pl.Segments[0].Seq, pl.Segments[1].Seq)
	}
}

func TestBaseURL(t *testing.T) {
	got := BaseURL("https://example.test/abc/chunked/index-dvr.m3u8")
	if got != "https://example.test/abc/chunked" {
		t.Errorf("BaseURL = %q", got)
	}
}
