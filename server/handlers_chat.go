package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// chatID strips the stream: prefix so replay works for rows keyed by either
// the VOD id or the stream id of an unpublished capture.
func chatID(id string) string { return strings.TrimPrefix(id, "stream:") }

// handleChatJSON returns recorded chat for a target, optionally windowed by
// ?from= and ?to= (seconds from broadcast start).
func (h *Handlers) handleChatJSON(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from := parseFloat64Query(r, "from", 0)
	to := parseFloat64Query(r, "to", 0)
	limit := parseIntQuery(r, "limit", 1000)
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var rows *sql.Rows
	var err error
	if to > 0 {
		rows, err = h.db.QueryContext(r.Context(),
			`SELECT username, message, abs_timestamp, rel_timestamp, badges, emotes, color
             FROM chat_messages WHERE vod_id=$1 AND rel_timestamp>=$2 AND rel_timestamp<=$3
             ORDER BY rel_timestamp ASC LIMIT $4`, chatID(id), from, to, limit)
	} else {
		rows, err = h.db.QueryContext(r.Context(),
			`SELECT username, message, abs_timestamp, rel_timestamp, badges, emotes, color
             FROM chat_messages WHERE vod_id=$1 AND rel_timestamp>=$2
             ORDER BY rel_timestamp ASC LIMIT $3`, chatID(id), from, limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type msg struct {
		Abs    time.Time `json:"abs_timestamp"`
		User   string    `json:"username"`
		Text   string    `json:"message"`
		Badges string    `json:"badges,omitempty"`
		Emotes string    `json:"emotes,omitempty"`
		Color  string    `json:"color,omitempty"`
		Rel    float64   `json:"rel_timestamp"`
	}
	out := make([]msg, 0)
	for rows.Next() {
		var m msg
		if err := rows.Scan(&m.User, &m.Text, &m.Abs, &m.Rel, &m.Badges, &m.Emotes, &m.Color); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, m)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleChatSSE replays chat over Server-Sent Events, pacing events by their
// relative timestamps scaled by ?speed= (default realtime).
func (h *Handlers) handleChatSSE(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	from := parseFloat64Query(r, "from", 0)
	speed := parseFloat64Query(r, "speed", 1.0)
	if speed <= 0 {
		speed = 1.0
	}
	ctx := r.Context()
	rows, err := h.db.QueryContext(ctx,
		`SELECT username, message, abs_timestamp, rel_timestamp, badges, emotes, color
         FROM chat_messages WHERE vod_id=$1 AND rel_timestamp>=$2
         ORDER BY rel_timestamp ASC`, chatID(id), from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	prev := from
	enc := json.NewEncoder(w)
	for rows.Next() {
		var abs time.Time
		var user, text, badges, emotes, color string
		var rel float64
		if err := rows.Scan(&user, &text, &abs, &rel, &badges, &emotes, &color); err != nil {
			return
		}
		if rel > prev {
			delay := time.Duration(((rel - prev) / speed) * float64(time.Second))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		_ = enc.Encode(map[string]any{
			"username":      user,
			"message":       text,
			"abs_timestamp": abs,
			"rel_timestamp": rel,
			"badges":        badges,
			"emotes":        emotes,
			"color":         color,
		})
		if _, err := w.Write([]byte("\n")); err != nil {
			return
		}
		flusher.Flush()
		prev = rel
	}
}
