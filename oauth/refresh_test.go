package oauth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Brisppy/twitch-archiver/testutil"
)

func TestRefreshIfDueOutsideWindow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider='test-fresh'`)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ('test-fresh', 'access123', 'refresh456', $1, 'scope1', NOW())`, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	var called atomic.Bool
	fn := func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		called.Store(true)
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	if err := refreshIfDue(context.Background(), db, "test-fresh", 30*time.Minute, fn); err != nil {
		t.Fatal(err)
	}
	if called.Load() {
		t.Error("refresh must not run for a token expiring outside the window")
	}
}

func TestRefreshIfDueWithinWindow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider='test-due'`)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ('test-due', 'old-access', 'old-refresh', $1, 'scope1', NOW())`, time.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	newExpiry := time.Now().Add(2 * time.Hour)
	fn := func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		if rt != "old-refresh" {
			t.Errorf("refresh called with %q, want old-refresh", rt)
		}
		return "new-access", "new-refresh", newExpiry, "scope2", nil
	}

	if err := refreshIfDue(context.Background(), db, "test-due", 15*time.Minute, fn); err != nil {
		t.Fatal(err)
	}

	var access, refresh, scope string
	if err := db.QueryRow(`SELECT access_token, refresh_token, scope FROM oauth_tokens WHERE provider='test-due'`).
		Scan(&access, &refresh, &scope); err != nil {
		t.Fatal(err)
	}
	if access != "new-access" || refresh != "new-refresh" || scope != "scope2" {
		t.Errorf("stored token = %q/%q/%q, want new-access/new-refresh/scope2", access, refresh, scope)
	}
}

func TestRefreshIfDueErrorLeavesToken(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider='test-err'`)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ('test-err', 'old-access', 'old-refresh', $1, 'scope1', NOW())`, time.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	fn := func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		return "", "", time.Time{}, "", errors.New("provider unavailable")
	}

	if err := refreshIfDue(context.Background(), db, "test-err", 15*time.Minute, fn); err == nil {
		t.Fatal("expected refresh error to propagate")
	}
	var access string
	if err := db.QueryRow(`SELECT access_token FROM oauth_tokens WHERE provider='test-err'`).Scan(&access); err != nil {
		t.Fatal(err)
	}
	if access != "old-access" {
		t.Errorf("token should be untouched on error, got %q", access)
	}
}

func TestRefreshIfDueNoRefreshToken(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider='test-nort'`)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ('test-nort', 'access123', '', $1, 'scope1', NOW())`, time.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	var called atomic.Bool
	fn := func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		called.Store(true)
		return "x", "y", time.Now().Add(time.Hour), "", nil
	}
	if err := refreshIfDue(context.Background(), db, "test-nort", 15*time.Minute, fn); err != nil {
		t.Fatal(err)
	}
	if called.Load() {
		t.Error("refresh must not run without a refresh token")
	}
}

func TestRefreshIfDuePreservesRefreshTokenAndScope(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider='test-keep'`)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ('test-keep', 'old-access', 'original-refresh', $1, 'scope1', NOW())`, time.Now().Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	// Providers often omit the refresh token and scope on renewal.
	fn := func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		return "new-access", "", time.Now().Add(2 * time.Hour), "", nil
	}
	if err := refreshIfDue(context.Background(), db, "test-keep", 15*time.Minute, fn); err != nil {
		t.Fatal(err)
	}

	var refresh, scope string
	if err := db.QueryRow(`SELECT refresh_token, scope FROM oauth_tokens WHERE provider='test-keep'`).Scan(&refresh, &scope); err != nil {
		t.Fatal(err)
	}
	if refresh != "original-refresh" || scope != "scope1" {
		t.Errorf("got %q/%q, want original-refresh/scope1", refresh, scope)
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, db, "test-cancel", time.Second, 15*time.Minute,
		func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
			return "", "", time.Time{}, "", nil
		})
	cancel()
	// The goroutine must exit promptly; nothing to assert beyond not hanging.
	time.Sleep(50 * time.Millisecond)
}
