package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// gqlClientID is the public web player client id accepted by the GQL
// PlaybackAccessToken endpoint. Playlist access tokens are only issued
// through GQL, not Helix.
const gqlClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"

// StatusError reports a non-2xx HTTP response from Twitch delivery
// infrastructure. Callers branch on the code to distinguish deleted targets
// (404/403) from transient failures.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// IsNotFound reports whether err is a 403 or 404 StatusError, which Twitch
// returns for deleted or never-playable targets.
func IsNotFound(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusNotFound || se.Code == http.StatusForbidden
	}
	return false
}

// UsherClient fetches HLS playlists from the usher/cloudfront delivery edge.
type UsherClient struct {
	HTTPClient *http.Client
	// UserToken optionally carries a user OAuth token for subscriber-only
	// VODs; the anonymous GQL token is used when empty.
	UserToken string
}

func (uc *UsherClient) http() *http.Client {
	if uc.HTTPClient != nil {
		return uc.HTTPClient
	}
	return http.DefaultClient
}

type accessToken struct {
	Value     string `json:"value"`
	Signature string `json:"signature"`
}

// playbackAccessToken requests a signed playback token via GQL. isVOD selects
// the video token query; otherwise a live stream token is requested for login.
func (uc *UsherClient) playbackAccessToken(ctx context.Context, id string, isVOD bool) (*accessToken, error) {
	vars := map[string]any{
		"isLive":     !isVOD,
		"isVod":      isVOD,
		"login":      "",
		"vodID":      "",
		"playerType": "embed",
	}
	if isVOD {
		vars["vodID"] = id
	} else {
		vars["login"] = id
	}
	q := map[string]any{
		"operationName": "PlaybackAccessToken",
		"extensions": map[string]any{
			"persistedQuery": map[string]any{
				"version":    1,
				"sha256Hash": "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712",
			},
		},
		"variables": vars,
	}
	body, _ := json.Marshal(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://gql.twitch.tv/gql", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", gqlClientID)
	req.Header.Set("Content-Type", "application/json")
	if uc.UserToken != "" {
		req.Header.Set("Authorization", "OAuth "+uc.UserToken)
	}
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
			VideoPlaybackAccessToken  *accessToken `json:"videoPlaybackAccessToken"`
			StreamPlaybackAccessToken *accessToken `json:"streamPlaybackAccessToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	tok := out.Data.VideoPlaybackAccessToken
	if !isVOD {
		tok = out.Data.StreamPlaybackAccessToken
	}
	if tok == nil || tok.Value == "" {
		return nil, fmt.Errorf("no playback access token for %s", id)
	}
	return tok, nil
}

// GetVODMasterPlaylist fetches the master playlist for a VOD id.
func (uc *UsherClient) GetVODMasterPlaylist(ctx context.Context, vodID string) (string, error) {
	tok, err := uc.playbackAccessToken(ctx, vodID, true)
	if err != nil {
		return "", fmt.Errorf("vod access token: %w", err)
	}
	u := fmt.Sprintf("https://usher.ttvnw.net/vod/%s.m3u8", vodID)
	return uc.fetchPlaylist(ctx, u, tok)
}

// GetStreamMasterPlaylist fetches the master playlist for a live channel.
func (uc *UsherClient) GetStreamMasterPlaylist(ctx context.Context, login string) (string, error) {
	tok, err := uc.playbackAccessToken(ctx, login, false)
	if err != nil {
		return "", fmt.Errorf("stream access token: %w", err)
	}
	u := fmt.Sprintf("https://usher.ttvnw.net/api/channel/hls/%s.m3u8", login)
	return uc.fetchPlaylist(ctx, u, tok)
}

func (uc *UsherClient) fetchPlaylist(ctx context.Context, rawURL string, tok *accessToken) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("sig", tok.Signature)
	q.Set("token", tok.Value)
	q.Set("allow_source", "true")
	q.Set("playlist_include_framerate", "true")
	req.URL.RawQuery = q.Encode()
	return uc.doText(req)
}

// FetchIndex retrieves a media playlist by URL. Used for both the one-shot
// VOD manifest and repeated live polls.
func (uc *UsherClient) FetchIndex(ctx context.Context, indexURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return "", err
	}
	return uc.doText(req)
}

func (uc *UsherClient) doText(req *http.Request) (string, error) {
	resp, err := uc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, URL: req.URL.String()}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
