package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/Brisppy/twitch-archiver/config"
	dbpkg "github.com/Brisppy/twitch-archiver/db"
)

// StartRecorder connects to the channel's IRC chat and records messages under
// targetID until ctx is canceled. rel_timestamp is relative to start so the
// log replays against the archived video.
func StartRecorder(ctx context.Context, db *sql.DB, cfg *config.Config, channel, targetID string, start time.Time) {
	username := cfg.TwitchBotUsername
	token := cfg.TwitchOAuthToken
	if token == "" {
		if access, _, _, _, err := dbpkg.GetOAuthToken(ctx, db, "twitch"); err == nil && access != "" {
			token = access
		}
	}
	if username == "" || token == "" {
		slog.Info("chat credentials not set; skipping recorder", slog.String("channel", channel))
		return
	}
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}

	client := twitch.NewClient(username, token)
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		abs := time.Now().UTC()
		rel := abs.Sub(start).Seconds()
		if _, err := db.Exec(`INSERT INTO chat_messages (vod_id, username, message, abs_timestamp, rel_timestamp, badges, emotes, color)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			targetID, msg.User.Name, msg.Message, abs, rel, formatBadges(msg.User.Badges), formatEmotes(msg.Emotes), msg.User.Color); err != nil {
			slog.Error("chat message insert failed", slog.Any("err", err), slog.String("target_id", targetID))
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(channel)
	slog.Info("chat recorder connected", slog.String("channel", channel), slog.String("target_id", targetID))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("chat connect error", slog.Any("err", err), slog.String("channel", channel))
	}
	<-done
}

func formatBadges(badges map[string]int) string {
	if len(badges) == 0 {
		return ""
	}
	parts := make([]string, 0, len(badges))
	for k, v := range badges {
		parts = append(parts, fmt.Sprintf("%s:%d", k, v))
	}
	return strings.Join(parts, ",")
}

func formatEmotes(emotes []*twitch.Emote) string {
	if len(emotes) == 0 {
		return ""
	}
	parts := make([]string, 0, len(emotes))
	for _, e := range emotes {
		parts = append(parts, e.Name)
	}
	return strings.Join(parts, ",")
}
