package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Chapter is one titled span of the broadcast, typically a game change.
type Chapter struct {
	Title    string        `json:"title"`
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
}

// WriteChapters exports chapters twice into the working area: chapters.json
// alongside the artifact, and chapters.txt in ffmetadata form for the remux
// to embed.
func WriteChapters(workDir string, chapters []Chapter) error {
	if len(chapters) == 0 {
		return nil
	}
	raw, err := json.MarshalIndent(chapters, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(workDir, "chapters.json"), raw, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workDir, "chapters.txt"), []byte(ffMetadata(chapters)), 0o644)
}

// ffMetadata renders chapters in the FFMETADATA1 format ffmpeg reads via
// -map_metadata.
func ffMetadata(chapters []Chapter) string {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	for _, c := range chapters {
		b.WriteString("[CHAPTER]\n")
		b.WriteString("TIMEBASE=1/1000\n")
		fmt.Fprintf(&b, "START=%d\n", c.Start.Milliseconds())
		fmt.Fprintf(&b, "END=%d\n", (c.Start + c.Duration).Milliseconds())
		fmt.Fprintf(&b, "title=%s\n\n", c.Title)
	}
	return b.String()
}
