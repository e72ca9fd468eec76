// Package playlist parses Twitch HLS master and media playlists and selects
// quality variants. Twitch playlists are plain M3U8 text; parsing walks tag
// lines directly rather than pulling in a full HLS implementation.
package playlist

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Variant is one quality rendition advertised by a master playlist.
type Variant struct {
	Name       string // e.g. "chunked", "720p60"
	Resolution int    // vertical resolution, 0 if unknown
	Framerate  int    // rounded fps, 0 if unknown
	Bandwidth  int
	URL        string
}

// Segment is one media-playlist entry. Sequence numbers are assigned from
// #EXT-X-MEDIA-SEQUENCE and define the merge order; embedded timestamps are
// never used for ordering.
type Segment struct {
	Seq      int
	URL      string
	Duration float64
	Muted    bool
}

// MediaPlaylist is the parsed form of one quality variant's segment manifest.
type MediaPlaylist struct {
	Segments  []Segment
	TotalSecs float64 // #EXT-X-TWITCH-TOTAL-SECS when present
	Ended     bool    // #EXT-X-ENDLIST seen
}

// ParseMaster parses a master playlist into its quality variants, in the
// order Twitch lists them (highest quality first).
func ParseMaster(raw string) ([]Variant, error) {
	var (
		variants []Variant
		cur      *Variant
	)
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			v := Variant{}
			for k, val := range parseAttrs(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:")) {
				switch k {
				case "BANDWIDTH":
					v.Bandwidth, _ = strconv.Atoi(val)
				case "RESOLUTION":
					if i := strings.IndexByte(val, 'x'); i >= 0 {
						v.Resolution, _ = strconv.Atoi(val[i+1:])
					}
				case "FRAME-RATE":
					if f, err := strconv.ParseFloat(val, 64); err == nil {
						v.Framerate = int(f + 0.5)
					}
				case "VIDEO":
					v.Name = val
				}
			}
			cur = &v
		case line == "" || strings.HasPrefix(line, "#"):
			// other tags carry nothing we need
		default:
			if cur != nil {
				cur.URL = line
				variants = append(variants, *cur)
				cur = nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan master playlist: %w", err)
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("no variants in master playlist")
	}
	return variants, nil
}

// ParseMedia parses a media playlist. Segment URLs are resolved against
// baseURL when relative. Muted segments are recognised by Twitch's "-muted"
// filename convention.
func ParseMedia(raw, baseURL string) (*MediaPlaylist, error) {
	pl := &MediaPlaylist{}
	seq := 0
	dur := -1.0
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:")); err == nil {
				seq = n
			}
		case strings.HasPrefix(line, "#EXT-X-TWITCH-TOTAL-SECS:"):
			pl.TotalSecs, _ = strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TWITCH-TOTAL-SECS:"), 64)
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			dur, _ = strconv.ParseFloat(v, 64)
		case line == "#EXT-X-ENDLIST":
			pl.Ended = true
		case line == "" || strings.HasPrefix(line, "#"):
			// skip
		default:
			if dur < 0 {
				continue // URI without preceding EXTINF
			}
			url := line
			if !strings.HasPrefix(url, "http") && baseURL != "" {
				url = strings.TrimSuffix(baseURL, "/") + "/" + url
			}
			pl.Segments = append(pl.Segments, Segment{
				Seq:      seq,
				URL:      url,
				Duration: dur,
				Muted:    strings.Contains(line, "-muted"),
			})
			seq++
			dur = -1
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan media playlist: %w", err)
	}
	return pl, nil
}

// BaseURL strips the index filename from a media playlist URL, yielding the
// prefix segment URIs are resolved against.
func BaseURL(indexURL string) string {
	if i := strings.LastIndexByte(indexURL, '/'); i >= 0 {
		return indexURL[:i]
	}
	return indexURL
}

// parseAttrs splits an attribute list like A=1,B="x,y" respecting quotes.
func parseAttrs(s string) map[string]string {
	out := map[string]string{}
	var key strings.Builder
	var val strings.Builder
	inVal, quoted := false, false
	flush := func() {
		if key.Len() > 0 {
			out[key.String()] = val.String()
		}
		key.Reset()
		val.Reset()
		inVal, quoted = false, false
	}
	for _, r := range s {
		switch {
		case r == '"' && inVal:
			quoted = !quoted
		case r == '=' && !inVal:
			inVal = true
		case r == ',' && !quoted:
			flush()
		case inVal:
			val.WriteRune(r)
		default:
			key.WriteRune(r)
		}
	}
	flush()
	return out
}
