// Package server exposes the HTTP API: health and readiness probes, metrics,
// queue status, target inspection, chat replay, and admin operations. Requests
// carry a correlation ID (reused from X-Correlation-ID when the client sends
// one) so log lines from a single request can be stitched together.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Brisppy/twitch-archiver/config"
	"github.com/Brisppy/twitch-archiver/telemetry"
)

// mutatingTargetPattern matches target sub-paths that change processing state
// and therefore get per-IP rate limiting even without admin auth.
var mutatingTargetPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^/targets/[^/]+/(cancel|reprocess)$`)
})

// NewMux returns the HTTP handler with all routes wired. The context bounds
// the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, db *sql.DB, cfg *config.Config) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	h := NewHandlers(db, cfg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/config", h.HandleConfig)

	mux.HandleFunc("/targets", h.HandleTargetsList)
	mux.HandleFunc("/targets/", h.HandleTargetsDispatcher)

	mux.HandleFunc("/admin/scan", h.HandleAdminScan)
	mux.HandleFunc("/admin/catalog", h.HandleAdminCatalog)
	mux.HandleFunc("/admin/monitor", h.HandleAdminMonitor)
	mux.HandleFunc("/admin/priority", h.HandleAdminPriority)
	mux.HandleFunc("/admin/locks", h.HandleAdminLocks)
	mux.HandleFunc("/admin/unlock", h.HandleAdminUnlock)

	mux.HandleFunc("/auth/twitch/start", h.HandleTwitchOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", h.HandleTwitchOAuthCallback)
	mux.HandleFunc("/auth/youtube/start", h.HandleYouTubeOAuthStart)
	mux.HandleFunc("/auth/youtube/callback", h.HandleYouTubeOAuthCallback)

	// Admin endpoints get auth plus rate limiting; cancel/reprocess get rate
	// limiting only. Everything else passes through.
	protected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			adminAuth(rateLimitMiddleware(mux, limiter), authCfg).ServeHTTP(w, r)
			return
		}
		if mutatingTargetPattern().MatchString(r.URL.Path) {
			rateLimitMiddleware(mux, limiter).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		protected.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder captures the response status for span annotation.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush passes through so SSE chat replay keeps working behind the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server until ctx is canceled, then shuts down gracefully.
func Start(ctx context.Context, db *sql.DB, cfg *config.Config, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, db, cfg),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // SSE chat replay holds connections open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
