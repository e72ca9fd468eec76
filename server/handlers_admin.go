package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	vodpkg "github.com/Brisppy/twitch-archiver/vod"
)

// adminChannel resolves the channel for an admin operation: explicit query
// param first, else the first configured channel.
func (h *Handlers) adminChannel(r *http.Request) string {
	if ch := r.URL.Query().Get("channel"); ch != "" {
		return strings.ToLower(ch)
	}
	if len(h.cfg.TwitchChannels) > 0 {
		return h.cfg.TwitchChannels[0]
	}
	return ""
}

// HandleAdminScan triggers an immediate discovery pass for a channel.
func (h *Handlers) HandleAdminScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := h.adminChannel(r)
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	if err := vodpkg.DiscoverAndUpsert(r.Context(), h.db, h.hc, channel); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "channel": channel})
}

// HandleAdminCatalog triggers a catalog backfill across the channel's full
// video history, bounded by ?max= and ?max_age_days=.
func (h *Handlers) HandleAdminCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := h.adminChannel(r)
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	max := 0
	if s := q.Get("max"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			max = n
		}
	}
	var maxAge time.Duration
	if s := q.Get("max_age_days"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxAge = time.Duration(n) * 24 * time.Hour
		}
	}
	if err := vodpkg.BackfillCatalog(r.Context(), h.db, h.hc, channel, max, maxAge); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "channel": channel, "max": max})
}

// HandleAdminMonitor summarizes job heartbeats, queue depth, and claim state.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	stats := map[string]any{}
	for _, k := range []string{"job_process_last", "job_catalog_last", "job_retention_last"} {
		var val string
		_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k).Scan(&val)
		if val != "" {
			stats[k] = val
		}
	}

	var pending, errored, processed, capturing int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE COALESCE(processed,FALSE)=FALSE`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE COALESCE(processed,FALSE)=FALSE AND processing_error IS NOT NULL AND processing_error!=''`).Scan(&errored)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE COALESCE(processed,FALSE)=TRUE`).Scan(&processed)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE status='capturing'`).Scan(&capturing)
	stats["targets_pending"] = pending
	stats["targets_errored"] = errored
	stats["targets_processed"] = processed
	stats["captures_active"] = capturing

	var oldestID string
	var oldestDate time.Time
	row := h.db.QueryRowContext(ctx, `SELECT COALESCE(twitch_vod_id, stream_id), date FROM targets WHERE COALESCE(processed,FALSE)=FALSE ORDER BY date ASC LIMIT 1`)
	_ = row.Scan(&oldestID, &oldestDate)
	if oldestID != "" {
		stats["oldest_pending"] = map[string]any{"id": oldestID, "date": oldestDate}
	}

	if locks, err := vodpkg.ListLocks(ctx, h.db); err == nil {
		stats["locks_held"] = len(locks)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// HandleAdminPriority reorders the queue by bumping a target's priority.
func (h *Handlers) HandleAdminPriority(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TargetID string `json:"target_id"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TargetID == "" {
		http.Error(w, "target_id required", http.StatusBadRequest)
		return
	}
	res, err := h.db.ExecContext(r.Context(),
		`UPDATE targets SET priority=$1, updated_at=NOW() WHERE twitch_vod_id=$2 OR stream_id=$2`,
		req.Priority, strings.TrimPrefix(req.TargetID, "stream:"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		http.Error(w, "target not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "target_id": req.TargetID, "priority": req.Priority})
}

// HandleAdminLocks lists held claims with their owners.
func (h *Handlers) HandleAdminLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	locks, err := vodpkg.ListLocks(r.Context(), h.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(locks)
}

// HandleAdminUnlock force-releases a claim. Claims have no expiry so this is
// the recovery path after a crashed worker or an operator decision to retry
// a fatal failure.
func (h *Handlers) HandleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TargetID string `json:"target_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TargetID == "" {
		http.Error(w, "target_id required", http.StatusBadRequest)
		return
	}
	released, err := vodpkg.ForceReleaseLock(r.Context(), h.db, req.TargetID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !released {
		http.Error(w, "no claim held", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "released", "target_id": req.TargetID})
}
