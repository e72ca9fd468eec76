package vod

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ChatLine is one recorded chat message in the exported log.
type ChatLine struct {
	Username     string    `json:"username"`
	Message      string    `json:"message"`
	AbsTimestamp time.Time `json:"abs_timestamp"`
	RelSeconds   float64   `json:"rel_seconds"`
	Badges       string    `json:"badges,omitempty"`
	Color        string    `json:"color,omitempty"`
}

// chatLogPath derives the chat export location from the artifact path, so
// the pair stays together when archives are moved around.
func chatLogPath(outputPath string) string {
	return strings.TrimSuffix(outputPath, ".mp4") + ".chat.json"
}

// ExportChatLog writes the recorded chat for a target next to its artifact.
// Targets with no recorded chat (back-catalog VODs archived after the fact)
// produce no file.
func ExportChatLog(ctx context.Context, db *sql.DB, targetID, path string) error {
	rows, err := db.QueryContext(ctx, `SELECT COALESCE(username,''), COALESCE(message,''), abs_timestamp, COALESCE(rel_timestamp,0), COALESCE(badges,''), COALESCE(color,'')
		FROM chat_messages WHERE vod_id=$1 ORDER BY rel_timestamp ASC`, targetID)
	if err != nil {
		return fmt.Errorf("query chat messages: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var lines []ChatLine
	for rows.Next() {
		var l ChatLine
		var abs sql.NullTime
		if err := rows.Scan(&l.Username, &l.Message, &abs, &l.RelSeconds, &l.Badges, &l.Color); err != nil {
			return err
		}
		l.AbsTimestamp = abs.Time
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("no chat recorded for target %s", targetID)
	}
	raw, err := json.MarshalIndent(lines, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	slog.Info("chat log exported", slog.String("target_id", targetID), slog.String("path", path), slog.Int("messages", len(lines)))
	return nil
}
