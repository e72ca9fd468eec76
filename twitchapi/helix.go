// Package twitchapi contains helpers to interact with Twitch Helix APIs for
// user id resolution, VOD discovery, and live-stream status, plus the usher
// endpoints serving HLS playlists for VODs and live channels.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// HelixClient provides the methods needed for target discovery and live
// status polling.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) get(ctx context.Context, rawURL string, query map[string]string, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix request %s failed: %s", req.URL.Path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "https://api.twitch.tv/helix/users", map[string]string{"login": login}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// VideoMeta is the Helix view of one archived video.
type VideoMeta struct {
	ID        string
	UserID    string
	StreamID  string // id of the broadcast this VOD was recorded from
	Title     string
	Duration  string // Twitch duration string, e.g. "3h20m18s"
	CreatedAt string
	Type      string // archive | highlight | upload
}

// ListVideos lists archive videos for a user with cursor pagination.
func (hc *HelixClient) ListVideos(ctx context.Context, userID, after string, first int) ([]VideoMeta, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	if first <= 0 {
		first = 20
	}
	query := map[string]string{
		"user_id": userID,
		"type":    "archive",
		"first":   fmt.Sprintf("%d", first),
	}
	if after != "" {
		query["after"] = after
	}
	var body struct {
		Data []struct {
			ID        string `json:"id"`
			UserID    string `json:"user_id"`
			StreamID  string `json:"stream_id"`
			Title     string `json:"title"`
			Duration  string `json:"duration"`
			CreatedAt string `json:"created_at"`
			Type      string `json:"type"`
		} `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, "https://api.twitch.tv/helix/videos", query, &body); err != nil {
		return nil, "", err
	}
	out := make([]VideoMeta, 0, len(body.Data))
	for _, v := range body.Data {
		out = append(out, VideoMeta{ID: v.ID, UserID: v.UserID, StreamID: v.StreamID, Title: v.Title, Duration: v.Duration, CreatedAt: v.CreatedAt, Type: v.Type})
	}
	return out, body.Pagination.Cursor, nil
}

// GetVideo fetches metadata for a single video id.
func (hc *HelixClient) GetVideo(ctx context.Context, id string) (*VideoMeta, error) {
	if id == "" {
		return nil, fmt.Errorf("video id empty")
	}
	var body struct {
		Data []struct {
			ID        string `json:"id"`
			UserID    string `json:"user_id"`
			StreamID  string `json:"stream_id"`
			Title     string `json:"title"`
			Duration  string `json:"duration"`
			CreatedAt string `json:"created_at"`
			Type      string `json:"type"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "https://api.twitch.tv/helix/videos", map[string]string{"id": id}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("video not found")
	}
	v := body.Data[0]
	return &VideoMeta{ID: v.ID, UserID: v.UserID, StreamID: v.StreamID, Title: v.Title, Duration: v.Duration, CreatedAt: v.CreatedAt, Type: v.Type}, nil
}

// StreamMeta describes a currently live broadcast.
type StreamMeta struct {
	ID        string
	UserID    string
	Title     string
	StartedAt string
}

// GetStream returns the channel's live broadcast, or nil when offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*StreamMeta, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID        string `json:"id"`
			UserID    string `json:"user_id"`
			Title     string `json:"title"`
			StartedAt string `json:"started_at"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "https://api.twitch.tv/helix/streams", map[string]string{"user_login": login}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	s := body.Data[0]
	return &StreamMeta{ID: s.ID, UserID: s.UserID, Title: s.Title, StartedAt: s.StartedAt}, nil
}
