package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
)

// HandleHealthz is the liveness probe: process up and database reachable.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz is the readiness probe. Beyond the database it verifies the
// pieces an acquisition cannot run without: Helix credentials, the ffmpeg
// tools the merge stage shells out to, and a writable data directory.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"twitch_credentials", func() error {
			if h.cfg.TwitchClientID == "" || h.cfg.TwitchClientSecret == "" {
				return fmt.Errorf("missing TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET")
			}
			return nil
		}},
		{"ffmpeg", func() error {
			for _, bin := range []string{"ffmpeg", "ffprobe"} {
				if _, err := exec.LookPath(bin); err != nil {
					return fmt.Errorf("%s not in PATH", bin)
				}
			}
			return nil
		}},
		{"data_dir", func() error {
			probe := filepath.Join(h.cfg.DataDir, ".readyz")
			if err := os.MkdirAll(h.cfg.DataDir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
				return err
			}
			return os.Remove(probe)
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
