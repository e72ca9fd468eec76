package youtubeapi

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Uploader adapts Service to the archive coordinator's upload hook.
type Uploader struct {
	Service *Service
}

// Upload pushes a finished archive to YouTube and returns its watch URL.
func (u *Uploader) Upload(ctx context.Context, path, title string, date time.Time) (string, error) {
	svc, err := u.Service.Client(ctx)
	if err != nil {
		return "", err
	}
	privacy := os.Getenv("YOUTUBE_PRIVACY")
	desc := fmt.Sprintf("Twitch broadcast from %s, archived automatically.", date.Format("2006-01-02"))
	return UploadVideo(ctx, svc, path, title, desc, privacy)
}
