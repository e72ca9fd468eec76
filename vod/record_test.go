package vod

import (
	"context"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Brisppy/twitch-archiver/download"
)

func TestSegmentLogRecorderUpserts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, _ = db.Exec(`DELETE FROM segment_log WHERE target_id='rec_t1'`)

	rec := &segmentLogRecorder{db: db}
	rec.RecordSegment(ctx, "rec_t1", 0, download.StateOK, "")
	rec.RecordSegment(ctx, "rec_t1", 1, download.StateMuted, "accepted without validation")
	rec.RecordSegment(ctx, "rec_t1", 2, download.StateBad, "refetching")
	// A refetch of seq 2 succeeds; the row is overwritten, not duplicated.
	rec.RecordSegment(ctx, "rec_t1", 2, download.StateOK, "")

	states, err := SegmentStates(ctx, db, "rec_t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 3 {
		t.Fatalf("got %d states, want 3: %v", len(states), states)
	}
	want := map[int]string{0: download.StateOK, 1: download.StateMuted, 2: download.StateOK}
	for seq, state := range want {
		if states[seq] != state {
			t.Errorf("seq %d state = %q, want %q", seq, states[seq], state)
		}
	}
}

func TestSegmentStatesEmpty(t *testing.T) {
	db := openTestDB(t)
	states, err := SegmentStates(context.Background(), db, "rec_none")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 0 {
		t.Errorf("expected no states, got %v", states)
	}
}
