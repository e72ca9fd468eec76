package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ChapterMeta is one titled span of a VOD, usually a game change.
type ChapterMeta struct {
	Description     string
	PositionSeconds int
	DurationSeconds int
}

// GetVODChapters fetches a VOD's chapter markers via GQL; Helix does not
// expose them. An empty slice for a single-game VOD is normal.
func (uc *UsherClient) GetVODChapters(ctx context.Context, vodID string) ([]ChapterMeta, error) {
	q := map[string]any{
		"operationName": "VideoPlayer_ChapterSelectButtonVideo",
		"extensions": map[string]any{
			"persistedQuery": map[string]any{
				"version":    1,
				"sha256Hash": "8d2793384aac3773beab5e59bd5d6f585aedb923d292800119e03d40cd0f9b41",
			},
		},
		"variables": map[string]any{
			"includePrivate": false,
			"videoID":        vodID,
		},
	}
	body, _ := json.Marshal(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://gql.twitch.tv/gql", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", gqlClientID)
	req.Header.Set("Content-Type", "application/json")
	resp, err := uc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: "https://gql.twitch.tv/gql"}
	}
	var out struct {
		Data struct {
			Video struct {
				Moments struct {
					Edges []struct {
						Node struct {
							Description          string `json:"description"`
							PositionMilliseconds int    `json:"positionMilliseconds"`
							DurationMilliseconds int    `json:"durationMilliseconds"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"moments"`
			} `json:"video"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chapters: %w", err)
	}
	chapters := make([]ChapterMeta, 0, len(out.Data.Video.Moments.Edges))
	for _, e := range out.Data.Video.Moments.Edges {
		chapters = append(chapters, ChapterMeta{
			Description:     e.Node.Description,
			PositionSeconds: e.Node.PositionMilliseconds / 1000,
			DurationSeconds: e.Node.DurationMilliseconds / 1000,
		})
	}
	return chapters, nil
}
