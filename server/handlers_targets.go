package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	vodpkg "github.com/Brisppy/twitch-archiver/vod"
)

// HandleTargetsList returns a paginated list of archive targets. Optional
// filters: ?channel=, ?status=, ?processed=true|false.
func (h *Handlers) HandleTargetsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)

	where := []string{"TRUE"}
	args := []any{}
	if ch := r.URL.Query().Get("channel"); ch != "" {
		args = append(args, strings.ToLower(ch))
		where = append(where, "channel=$"+itoa(len(args)))
	}
	if st := r.URL.Query().Get("status"); st != "" {
		args = append(args, st)
		where = append(where, "status=$"+itoa(len(args)))
	}
	if p := r.URL.Query().Get("processed"); p != "" {
		args = append(args, p == "true" || p == "1")
		where = append(where, "COALESCE(processed,FALSE)=$"+itoa(len(args)))
	}
	args = append(args, limit, offset)

	rows, err := h.db.QueryContext(r.Context(), `
        SELECT COALESCE(twitch_vod_id, ''),
               COALESCE(stream_id, ''),
               COALESCE(channel, ''),
               COALESCE(title, ''),
               COALESCE(date, to_timestamp(0)),
               COALESCE(status, ''),
               COALESCE(processed, FALSE),
               COALESCE(youtube_url, ''),
               COALESCE(priority, 0)
        FROM targets
        WHERE `+strings.Join(where, " AND ")+`
        ORDER BY COALESCE(date, to_timestamp(0)) DESC
        LIMIT $`+itoa(len(args)-1)+` OFFSET $`+itoa(len(args)), args...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type target struct {
		Date      time.Time `json:"date"`
		ID        string    `json:"id"`
		StreamID  string    `json:"stream_id,omitempty"`
		Channel   string    `json:"channel"`
		Title     string    `json:"title"`
		Status    string    `json:"status"`
		YouTube   string    `json:"youtube_url,omitempty"`
		Priority  int       `json:"priority"`
		Processed bool      `json:"processed"`
	}
	list := make([]target, 0)
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.ID, &t.StreamID, &t.Channel, &t.Title, &t.Date, &t.Status, &t.Processed, &t.YouTube, &t.Priority); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// Placeholder rows for in-flight live captures have no VOD id yet.
		if t.ID == "" {
			t.ID = "stream:" + t.StreamID
		}
		list = append(list, t)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleTargetsDispatcher routes /targets/{id} and /targets/{id}/{op}.
func (h *Handlers) HandleTargetsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/targets/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = parts[1]
	}
	switch {
	case id == "":
		http.NotFound(w, r)
	case tail == "":
		h.handleTargetDetail(w, r, id)
	case tail == "progress":
		h.handleTargetProgress(w, r, id)
	case tail == "reprocess":
		h.handleTargetReprocess(w, r, id)
	case tail == "cancel":
		h.handleTargetCancel(w, r, id)
	case tail == "segments":
		h.handleTargetSegments(w, r, id)
	case tail == "chat":
		h.handleChatJSON(w, r, id)
	case tail == "chat/stream":
		h.handleChatSSE(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleTargetDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	row := h.db.QueryRowContext(r.Context(), `
        SELECT COALESCE(twitch_vod_id, ''),
               COALESCE(stream_id, ''),
               COALESCE(channel, ''),
               COALESCE(title, ''),
               COALESCE(date, to_timestamp(0)),
               COALESCE(duration_seconds, 0),
               COALESCE(status, ''),
               COALESCE(quality, ''),
               COALESCE(output_path, ''),
               COALESCE(verified_duration, 0),
               COALESCE(segments_total, 0),
               COALESCE(segments_done, 0),
               COALESCE(processed, FALSE),
               COALESCE(processing_error, ''),
               COALESCE(download_retries, 0),
               COALESCE(youtube_url, ''),
               COALESCE(priority, 0)
        FROM targets WHERE twitch_vod_id=$1 OR stream_id=$1
    `, strings.TrimPrefix(id, "stream:"))
	type target struct {
		Date             time.Time `json:"date"`
		ID               string    `json:"id"`
		StreamID         string    `json:"stream_id,omitempty"`
		Channel          string    `json:"channel"`
		Title            string    `json:"title"`
		Status           string    `json:"status"`
		Quality          string    `json:"quality,omitempty"`
		OutputPath       string    `json:"output_path,omitempty"`
		ProcessingError  string    `json:"processing_error,omitempty"`
		YouTube          string    `json:"youtube_url,omitempty"`
		Duration         int       `json:"duration_seconds"`
		VerifiedDuration int       `json:"verified_duration"`
		SegmentsTotal    int       `json:"segments_total"`
		SegmentsDone     int       `json:"segments_done"`
		DownloadRetries  int       `json:"download_retries"`
		Priority         int       `json:"priority"`
		Processed        bool      `json:"processed"`
	}
	var t target
	err := row.Scan(&t.ID, &t.StreamID, &t.Channel, &t.Title, &t.Date, &t.Duration, &t.Status,
		&t.Quality, &t.OutputPath, &t.VerifiedDuration, &t.SegmentsTotal, &t.SegmentsDone,
		&t.Processed, &t.ProcessingError, &t.DownloadRetries, &t.YouTube, &t.Priority)
	if err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t.ID == "" {
		t.ID = "stream:" + t.StreamID
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(t)
}

// handleTargetProgress returns a compact progress view derived from segment
// counters.
func (h *Handlers) handleTargetProgress(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	row := h.db.QueryRowContext(r.Context(), `
        SELECT COALESCE(status, ''),
               COALESCE(segments_total, 0),
               COALESCE(segments_done, 0),
               COALESCE(download_retries, 0),
               COALESCE(output_path, ''),
               COALESCE(processed, FALSE),
               COALESCE(processing_error, ''),
               COALESCE(youtube_url, ''),
               updated_at
        FROM targets WHERE twitch_vod_id=$1 OR stream_id=$1
    `, strings.TrimPrefix(id, "stream:"))
	var status, path, processingError, yt string
	var total, done, retries int
	var processed bool
	var updated *time.Time
	if err := row.Scan(&status, &total, &done, &retries, &path, &processed, &processingError, &yt, &updated); err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var percent float64
	switch {
	case processed || status == "complete":
		percent = 100
	case total > 0:
		percent = float64(done) / float64(total) * 100
		if percent > 100 {
			percent = 100
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":               id,
		"status":           status,
		"percent":          percent,
		"segments_total":   total,
		"segments_done":    done,
		"retries":          retries,
		"output_path":      path,
		"processed":        processed,
		"processing_error": processingError,
		"youtube_url":      yt,
		"updated_at":       updated,
	})
}

// handleTargetReprocess resets a target so the next processing cycle picks it
// up from scratch. Any held claim is released first; without that the queue
// would skip the row forever.
func (h *Handlers) handleTargetReprocess(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := vodpkg.ForceReleaseLock(r.Context(), h.db, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	res, err := h.db.ExecContext(r.Context(), `
        UPDATE targets
        SET processed=FALSE,
            status='pending',
            processing_error=NULL,
            youtube_url=NULL,
            output_path=NULL,
            verified_duration=NULL,
            segments_total=0,
            segments_done=0,
            download_retries=0,
            updated_at=NOW()
        WHERE twitch_vod_id=$1 OR stream_id=$1
    `, strings.TrimPrefix(id, "stream:"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTargetCancel interrupts an in-flight acquisition if one is running.
// The claim stays held; reprocess or unlock is the way back into the queue.
func (h *Handlers) handleTargetCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if vodpkg.CancelDownload(id) {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTargetSegments returns the per-segment verification log.
func (h *Handlers) handleTargetSegments(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	states, err := vodpkg.SegmentStates(r.Context(), h.db, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(states)
}
