package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"

	vodpkg "github.com/Brisppy/twitch-archiver/vod"
)

// safeConfigKeys are tunables exposed over /config. Credentials and anything
// secret-adjacent stay out of this list.
var safeConfigKeys = map[string]bool{
	"ARCHIVE_QUALITY":             true,
	"SEGMENT_WORKERS":             true,
	"SEGMENT_REQUEST_TIMEOUT":     true,
	"BAD_SEGMENT_BUDGET":          true,
	"DURATION_TOLERANCE":          true,
	"PROCESS_INTERVAL":            true,
	"PROCESS_RETRY_COOLDOWN":      true,
	"PROCESS_MAX_ATTEMPTS":        true,
	"LIVE_CHECK_INTERVAL":         true,
	"LIVE_BUFFER_DELAY":           true,
	"LIVE_POLL_INTERVAL":          true,
	"VOD_PUBLISH_WAIT":            true,
	"CATALOG_BACKFILL_INTERVAL":   true,
	"CATALOG_MAX":                 true,
	"CATALOG_MAX_AGE_DAYS":        true,
	"RETENTION_KEEP_DAYS":         true,
	"RETENTION_KEEP_COUNT":        true,
	"RETENTION_DRY_RUN":           true,
	"RETENTION_INTERVAL":          true,
	"MAX_CONCURRENT_ACQUISITIONS": true,
	"DATA_DIR":                    true,
}

// HandleConfig exposes safe tunables: GET returns effective values (kv
// override first, env fallback), PUT stores overrides in kv. Unknown keys in
// a PUT body are silently dropped.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		out := map[string]string{}
		for k := range safeConfigKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		for k, v := range body {
			if !safeConfigKeys[k] {
				continue
			}
			if _, err := h.db.ExecContext(r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
                 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k, strings.TrimSpace(v)); err != nil {
				slog.Error("failed to store config override", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to store config override", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a queue and worker snapshot for dashboards.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	var pending, errored, processed, capturing int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE COALESCE(processed,FALSE)=FALSE`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE COALESCE(processed,FALSE)=FALSE AND processing_error IS NOT NULL AND processing_error!=''`).Scan(&errored)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE COALESCE(processed,FALSE)=TRUE`).Scan(&processed)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE status='capturing'`).Scan(&capturing)
	resp["pending"] = pending
	resp["errored"] = errored
	resp["processed"] = processed
	resp["captures_active"] = capturing

	type priorityCount struct {
		Priority int `json:"priority"`
		Count    int `json:"count"`
	}
	var byPriority []priorityCount
	rows, err := h.db.QueryContext(ctx, `
        SELECT COALESCE(priority, 0), COUNT(*)
        FROM targets
        WHERE COALESCE(processed,FALSE)=FALSE
        GROUP BY priority
        ORDER BY priority DESC
    `)
	if err == nil {
		defer func() {
			if err := rows.Close(); err != nil {
				slog.Warn("failed to close rows", slog.Any("err", err))
			}
		}()
		for rows.Next() {
			var pc priorityCount
			if err := rows.Scan(&pc.Priority, &pc.Count); err == nil {
				byPriority = append(byPriority, pc)
			}
		}
	}
	if len(byPriority) > 0 {
		resp["queue_by_priority"] = byPriority
	}

	resp["active_acquisitions"] = vodpkg.ActiveAcquisitions()
	resp["max_concurrent_acquisitions"] = vodpkg.MaxConcurrentAcquisitions()

	if locks, err := vodpkg.ListLocks(ctx, h.db); err == nil {
		resp["locks_held"] = len(locks)
	}

	resp["retry_config"] = map[string]any{
		"process_max_attempts":   getEnvInt("PROCESS_MAX_ATTEMPTS", 5),
		"process_retry_cooldown": envOrDefault("PROCESS_RETRY_COOLDOWN", "10m"),
		"bad_segment_budget":     getEnvInt("BAD_SEGMENT_BUDGET", 5),
	}

	var last string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='job_process_last'`).Scan(&last)
	if last != "" {
		resp["last_process_run"] = last
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
