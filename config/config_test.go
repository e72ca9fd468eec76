package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SEGMENT_WORKERS", "")
	t.Setenv("ARCHIVE_QUALITY", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Quality != "best" {
		t.Errorf("Quality = %q, want best", cfg.Quality)
	}
	if cfg.SegmentWorkers != 20 {
		t.Errorf("SegmentWorkers = %d, want 20", cfg.SegmentWorkers)
	}
	if cfg.BadSegmentBudget != 5 {
		t.Errorf("BadSegmentBudget = %d, want 5", cfg.BadSegmentBudget)
	}
	if cfg.DurationTolerance != 3*time.Second {
		t.Errorf("DurationTolerance = %v, want 3s", cfg.DurationTolerance)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
}

func TestLoadChannels(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "Alpha, beta ,,GAMMA")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(cfg.TwitchChannels) != len(want) {
		t.Fatalf("channels = %v, want %v", cfg.TwitchChannels, want)
	}
	for i := range want {
		if cfg.TwitchChannels[i] != want[i] {
			t.Errorf("channel[%d] = %q, want %q", i, cfg.TwitchChannels[i], want[i])
		}
	}
}

func TestLoadInvalidWorkers(t *testing.T) {
	t.Setenv("SEGMENT_WORKERS", "zero")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for invalid SEGMENT_WORKERS")
	}
	t.Setenv("SEGMENT_WORKERS", "-3")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for negative SEGMENT_WORKERS")
	}
}

func TestValidateChatReady(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "chan")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("expected valid chat config, got %v", err)
	}
	if err := os.Unsetenv("TWITCH_CHANNELS"); err != nil {
		t.Fatalf("failed to unset TWITCH_CHANNELS: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateChatReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
}
