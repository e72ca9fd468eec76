// Command twitch-archiver runs the archiver service: VOD discovery and
// acquisition, live stream capture, chat recording, verification and merge,
// optional YouTube upload, and the HTTP API.
//
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts per-channel workers: the processing loop, the live watcher,
//     catalog backfill, retention, and the auto chat recorder.
//   - Starts OAuth token refreshers for Twitch and YouTube.
//   - Exposes the HTTP server with /healthz, /readyz, /status, /metrics,
//     target inspection, and admin operations.
//
// Shutdown is graceful on SIGINT/SIGTERM. In-flight live captures keep their
// claims and working directories so a restart can resume them.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"

	"github.com/Brisppy/twitch-archiver/chat"
	"github.com/Brisppy/twitch-archiver/config"
	"github.com/Brisppy/twitch-archiver/db"
	"github.com/Brisppy/twitch-archiver/notify"
	"github.com/Brisppy/twitch-archiver/oauth"
	"github.com/Brisppy/twitch-archiver/server"
	"github.com/Brisppy/twitch-archiver/telemetry"
	"github.com/Brisppy/twitch-archiver/twitchapi"
	"github.com/Brisppy/twitch-archiver/vod"
	"github.com/Brisppy/twitch-archiver/youtubeapi"
)

func main() {
	// .env is a local dev convenience; production relies on real env.
	_ = godotenv.Load(".env")

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("twitch-archiver", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Warm up an app access token so the first Helix call doesn't pay the
	// handshake. Misconfigured credentials surface here instead of mid-cycle.
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		warmCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		ts := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
		if tok, err := ts.Get(warmCtx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	}

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := &notify.Notifier{
		WebhookURL:    cfg.WebhookURL,
		PushbulletKey: cfg.PushbulletKey,
	}

	var uploader vod.Uploader
	if cfg.YTUpload {
		uploader = &youtubeapi.Uploader{
			Service: youtubeapi.New(cfg, &db.TokenStoreAdapter{DB: database}),
		}
	}

	// Shared Helix client for the background jobs that don't own a Processor.
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		ClientID:       cfg.TwitchClientID,
	}

	channels := cfg.TwitchChannels
	if len(channels) == 0 {
		slog.Error("no channels configured; set TWITCH_CHANNELS")
		os.Exit(1)
	}
	slog.Info("starting workers", slog.Int("channel_count", len(channels)), slog.Any("channels", channels))

	for _, channel := range channels {
		proc := vod.NewProcessor(database, cfg, channel, notifier)
		proc.Uploader = uploader
		go proc.Start(ctx)
		if cfg.ArchiveLive {
			go proc.StartLiveWatcher(ctx)
		}
		go vod.StartCatalogBackfillJob(ctx, database, helix, channel)
		go vod.StartRetentionJob(ctx, database, channel)
		go chat.StartAutoRecorder(ctx, database, cfg, channel)

		// One pass over leftover working directories from previous runs.
		// Unprocessed and claimed captures are spared; they may hold the only
		// copy of an expired broadcast.
		go vod.CleanupWorkDirs(ctx, database, cfg.TempDir, channel, 0)
	}

	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute,
		func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
		})
	if cfg.YTClientID != "" {
		oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute,
			func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				oc := &oauth2.Config{
					ClientID:     cfg.YTClientID,
					ClientSecret: cfg.YTClientSecret,
					Endpoint:     google.Endpoint,
					RedirectURL:  cfg.YTRedirectURI,
				}
				tok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
				if err != nil {
					return "", "", time.Time{}, "", err
				}
				return tok.AccessToken, tok.RefreshToken, tok.Expiry, "", nil
			})
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, cfg, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
