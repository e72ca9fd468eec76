// Package notify delivers operator alerts for failures that need manual
// intervention, via a generic JSON webhook and/or Pushbullet.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const pushbulletURL = "https://api.pushbullet.com/v2/pushes"

// Event is one alert about a target.
type Event struct {
	TargetID string    `json:"target_id"`
	Channel  string    `json:"channel"`
	Kind     string    `json:"kind"` // e.g. "fatal_error", "archive_complete"
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Notifier fans an event out to every configured sink. A Notifier with no
// sinks is valid and does nothing.
type Notifier struct {
	WebhookURL    string
	PushbulletKey string
	HTTPClient    *http.Client
}

func (n *Notifier) client() *http.Client {
	if n.HTTPClient != nil {
		return n.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Notify delivers ev to all sinks. Delivery is best-effort: a sink failure
// is logged, never propagated, so an unreachable webhook cannot fail a
// target that already failed for its own reasons.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	logger := slog.Default().With(slog.String("component", "notify"), slog.String("target_id", ev.TargetID), slog.String("kind", ev.Kind))
	if n.WebhookURL != "" {
		if err := n.postWebhook(ctx, ev); err != nil {
			logger.Warn("webhook notification failed", slog.Any("err", err))
		}
	}
	if n.PushbulletKey != "" {
		if err := n.postPushbullet(ctx, ev); err != nil {
			logger.Warn("pushbullet notification failed", slog.Any("err", err))
		}
	}
}

func (n *Notifier) postWebhook(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) postPushbullet(ctx context.Context, ev Event) error {
	payload := map[string]string{
		"type":  "note",
		"title": fmt.Sprintf("twitch-archiver: %s (%s)", ev.Kind, ev.Channel),
		"body":  fmt.Sprintf("%s\ntarget %s at %s", ev.Message, ev.TargetID, ev.At.Format(time.RFC3339)),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pushbulletURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Access-Token", n.PushbulletKey)
	resp, err := n.client().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pushbullet status %d", resp.StatusCode)
	}
	return nil
}
