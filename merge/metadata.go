package merge

import (
	"encoding/json"
	"os"
	"time"
)

// Metadata describes a finished artifact; exported as JSON next to it so an
// archive remains self-describing without the database.
type Metadata struct {
	VODID           string    `json:"vod_id,omitempty"`
	StreamID        string    `json:"stream_id,omitempty"`
	Channel         string    `json:"channel"`
	Title           string    `json:"title"`
	CreatedAt       time.Time `json:"created_at"`
	Quality         string    `json:"quality"`
	DurationSeconds int       `json:"duration_seconds"`
	VerifiedSeconds float64   `json:"verified_seconds,omitempty"`
	SegmentCount    int       `json:"segment_count"`
	MutedSegments   []int     `json:"muted_segments,omitempty"`
	MissingSegments []int     `json:"missing_segments,omitempty"`
	ArchivedAt      time.Time `json:"archived_at"`
	ArchiverVersion string    `json:"archiver_version,omitempty"`
}

// WriteMetadata writes the metadata JSON to path, replacing any prior copy.
func WriteMetadata(path string, meta Metadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
