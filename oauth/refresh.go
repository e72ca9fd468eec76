// Package oauth schedules refreshes for tokens persisted in the
// oauth_tokens table: the Twitch user token the chat recorder connects
// with, and the YouTube token the uploader uses. Checks are jittered so
// multiple archiver instances sharing a database do not stampede the
// provider at the same expiry.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	dbpkg "github.com/Brisppy/twitch-archiver/db"
)

// RefreshFunc performs the provider-specific refresh and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that wakes up every interval and
// refreshes the provider's token when its remaining lifetime falls inside
// window. Reads and writes go through the db helpers so encrypted-at-rest
// tokens stay encrypted.
func StartRefresher(ctx context.Context, db *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: scheduling jitter, not security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			//nolint:gosec // G404: scheduling jitter, not security
			jitter := time.Duration(rand.Int63n(int64(interval/5)*2) - int64(interval/5))
			sleep := interval + jitter
			if sleep < interval/2 {
				sleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			if err := refreshIfDue(ctx, db, provider, window, fn); err != nil {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
			}
		}
	}()
}

func refreshIfDue(ctx context.Context, db *sql.DB, provider string, window time.Duration, fn RefreshFunc) error {
	_, rt, exp, scope, err := dbpkg.GetOAuthToken(ctx, db, provider)
	if err != nil {
		return err
	}
	if rt == "" || time.Until(exp) > window {
		return nil
	}

	// Small pre-refresh jitter so instances seeing the same expiry spread
	// their provider calls.
	//nolint:gosec // G404: scheduling jitter, not security
	pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pre):
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := fn(rctx, rt)
	cancel()
	if err != nil {
		return err
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := dbpkg.UpsertOAuthToken(ctx, db, provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		return err
	}
	slog.Info("token refreshed", slog.String("provider", provider))
	return nil
}
