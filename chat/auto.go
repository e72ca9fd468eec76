package chat

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	"github.com/Brisppy/twitch-archiver/config"
	"github.com/Brisppy/twitch-archiver/twitchapi"
)

// StartAutoRecorder polls the channel's live status and runs the chat
// recorder for the duration of each broadcast. Messages land under the
// broadcast's stream id; the archive coordinator moves them to the VOD id
// once Twitch publishes it.
func StartAutoRecorder(ctx context.Context, db *sql.DB, cfg *config.Config, channel string) {
	if channel == "" {
		return
	}
	if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" {
		slog.Info("auto chat: missing client id/secret; disabled", slog.String("channel", channel))
		return
	}

	pollEvery := 30 * time.Second
	if v := os.Getenv("CHAT_AUTO_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pollEvery = d
		}
	}

	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		ClientID:       cfg.TwitchClientID,
	}

	var recCancel context.CancelFunc
	var recording string // stream id of the running recorder

	slog.Info("auto chat poller started", slog.String("channel", channel), slog.Duration("interval", pollEvery))
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		stream, err := helix.GetStream(ctx, channel)
		if err != nil {
			slog.Debug("auto chat: live status", slog.Any("err", err), slog.String("channel", channel))
		} else if stream == nil {
			if recCancel != nil {
				slog.Info("auto chat: stream ended, stopping recorder", slog.String("stream_id", recording), slog.String("channel", channel))
				recCancel()
				recCancel = nil
				recording = ""
			}
		} else if stream.ID != recording {
			if recCancel != nil {
				recCancel()
			}
			started, perr := time.Parse(time.RFC3339, stream.StartedAt)
			if perr != nil {
				started = time.Now().UTC()
			}
			recording = stream.ID
			recCtx, cancel := context.WithCancel(ctx)
			recCancel = cancel
			slog.Info("auto chat: stream live, starting recorder", slog.String("stream_id", stream.ID), slog.String("channel", channel))
			go StartRecorder(recCtx, db, cfg, channel, stream.ID, started)
		}

		select {
		case <-ctx.Done():
			if recCancel != nil {
				recCancel()
			}
			slog.Info("auto chat poller stopped", slog.String("channel", channel))
			return
		case <-ticker.C:
		}
	}
}
