package vod

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	dbpkg "github.com/Brisppy/twitch-archiver/db"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := dbpkg.Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAcquireLockConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, _ = db.Exec(`DELETE FROM target_locks WHERE target_id='lock_t1'`)

	ok, err := AcquireLock(ctx, db, "lock_t1", "owner_a")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = AcquireLock(ctx, db, "lock_t1", "owner_b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second owner should not acquire a held claim")
	}
	holder, _, held, err := LockHolder(ctx, db, "lock_t1")
	if err != nil || !held || holder != "owner_a" {
		t.Errorf("holder = %q held=%v err=%v, want owner_a", holder, held, err)
	}
}

func TestAcquireLockSameOwnerReacquires(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, _ = db.Exec(`DELETE FROM target_locks WHERE target_id='lock_t2'`)

	if ok, err := AcquireLock(ctx, db, "lock_t2", "owner_a"); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	// Restart with a stable owner id resumes its own claim.
	ok, err := AcquireLock(ctx, db, "lock_t2", "owner_a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("same owner should re-acquire its own claim")
	}
}

func TestReleaseLockOwnerScoped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, _ = db.Exec(`DELETE FROM target_locks WHERE target_id='lock_t3'`)

	if ok, err := AcquireLock(ctx, db, "lock_t3", "owner_a"); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	// A different owner releasing is a no-op; the claim survives.
	if err := ReleaseLock(ctx, db, "lock_t3", "owner_b"); err != nil {
		t.Fatal(err)
	}
	if _, _, held, _ := LockHolder(ctx, db, "lock_t3"); !held {
		t.Error("claim should survive a release by a different owner")
	}
	if err := ReleaseLock(ctx, db, "lock_t3", "owner_a"); err != nil {
		t.Fatal(err)
	}
	if _, _, held, _ := LockHolder(ctx, db, "lock_t3"); held {
		t.Error("claim should be gone after owner release")
	}
}

func TestLockHasNoExpiry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, _ = db.Exec(`DELETE FROM target_locks WHERE target_id='lock_t4'`)

	if ok, err := AcquireLock(ctx, db, "lock_t4", "owner_a"); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	// Backdate the claim far past any plausible lease; it must still hold.
	if _, err := db.Exec(`UPDATE target_locks SET acquired_at = NOW() - INTERVAL '30 days' WHERE target_id='lock_t4'`); err != nil {
		t.Fatal(err)
	}
	ok, err := AcquireLock(ctx, db, "lock_t4", "owner_b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a stale claim must not expire on its own")
	}
	if released, err := ForceReleaseLock(ctx, db, "lock_t4"); err != nil || !released {
		t.Fatalf("force release: released=%v err=%v", released, err)
	}
	if ok, _ := AcquireLock(ctx, db, "lock_t4", "owner_b"); !ok {
		t.Error("claim should be acquirable after operator release")
	}
	_ = ReleaseLock(ctx, db, "lock_t4", "owner_b")
}

func TestListLocks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, _ = db.Exec(`DELETE FROM target_locks WHERE target_id IN ('lock_l1','lock_l2')`)

	if ok, err := AcquireLock(ctx, db, "lock_l1", "owner_a"); err != nil || !ok {
		t.Fatalf("acquire l1: ok=%v err=%v", ok, err)
	}
	if ok, err := AcquireLock(ctx, db, "lock_l2", "owner_b"); err != nil || !ok {
		t.Fatalf("acquire l2: ok=%v err=%v", ok, err)
	}
	locks, err := ListLocks(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if locks["lock_l1"] != "owner_a" || locks["lock_l2"] != "owner_b" {
		t.Errorf("unexpected lock listing: %v", locks)
	}
	_ = ReleaseLock(ctx, db, "lock_l1", "owner_a")
	_ = ReleaseLock(ctx, db, "lock_l2", "owner_b")
}
