// Package download implements the segment acquisition pipeline: manifest
// resolution, the bounded worker pool fetching segments, corruption
// detection and repair, and the live capture loop. The merge stage consumes
// the per-target working area this package fills.
package download

import (
	"context"
	"errors"
	"fmt"

	"github.com/Brisppy/twitch-archiver/playlist"
	"github.com/Brisppy/twitch-archiver/twitchapi"
)

// ErrManifestUnavailable marks a target whose playlist cannot be served:
// deleted VODs, never-playable highlights, or a channel that went offline
// before the first poll. It is fatal for the target and never retried.
var ErrManifestUnavailable = errors.New("manifest unavailable")

// Resolver fetches quality variants for a target and selects one, then
// serves the chosen variant's media playlist on demand. For live targets the
// same Manifest is refreshed repeatedly and grows until the stream ends.
type Resolver struct {
	Usher   *twitchapi.UsherClient
	Quality string
}

// Manifest identifies the chosen variant of one target.
type Manifest struct {
	Variant  playlist.Variant
	IndexURL string
	BaseURL  string
}

// ResolveVOD selects a variant for a VOD id.
func (r *Resolver) ResolveVOD(ctx context.Context, vodID string) (*Manifest, error) {
	master, err := r.Usher.GetVODMasterPlaylist(ctx, vodID)
	if err != nil {
		if twitchapi.IsNotFound(err) {
			return nil, fmt.Errorf("vod %s: %w", vodID, ErrManifestUnavailable)
		}
		return nil, fmt.Errorf("fetch vod master playlist: %w", err)
	}
	return r.selectVariant(master)
}

// ResolveStream selects a variant for a live channel.
func (r *Resolver) ResolveStream(ctx context.Context, login string) (*Manifest, error) {
	master, err := r.Usher.GetStreamMasterPlaylist(ctx, login)
	if err != nil {
		if twitchapi.IsNotFound(err) {
			return nil, fmt.Errorf("stream %s: %w", login, ErrManifestUnavailable)
		}
		return nil, fmt.Errorf("fetch stream master playlist: %w", err)
	}
	return r.selectVariant(master)
}

func (r *Resolver) selectVariant(master string) (*Manifest, error) {
	variants, err := playlist.ParseMaster(master)
	if err != nil {
		return nil, fmt.Errorf("parse master playlist: %w", err)
	}
	v, err := playlist.SelectVariant(variants, r.Quality)
	if err != nil {
		return nil, err
	}
	return &Manifest{Variant: v, IndexURL: v.URL, BaseURL: playlist.BaseURL(v.URL)}, nil
}

// Refresh fetches the current media playlist for the manifest. Callers diff
// the returned segments against what they have already scheduled; segments
// keep stable sequence numbers between refreshes.
func (r *Resolver) Refresh(ctx context.Context, m *Manifest) (*playlist.MediaPlaylist, error) {
	raw, err := r.Usher.FetchIndex(ctx, m.IndexURL)
	if err != nil {
		if twitchapi.IsNotFound(err) {
			return nil, fmt.Errorf("index %s: %w", m.IndexURL, ErrManifestUnavailable)
		}
		return nil, fmt.Errorf("fetch index: %w", err)
	}
	return playlist.ParseMedia(raw, m.BaseURL)
}
