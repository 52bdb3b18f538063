package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/heromedia/dbopen"
	"github.com/hazyhaar/heromedia/idgen"
)

func newTestJournal(t *testing.T, now func() time.Time) *Journal {
	t.Helper()
	db := dbopen.OpenMemory(t)
	j, err := NewJournal(context.Background(), db,
		WithJournalIDGenerator(idgen.Sequence("evt_")),
		WithJournalClock(now))
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestJournalSendAndRecent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	j := newTestJournal(t, func() time.Time { return now })
	ctx := context.Background()

	events := []Event{
		{Type: TypeStatus, Status: "loading", Prev: "idle", Muted: true},
		{Type: TypeAttempt, Attempt: 1, DelayMs: 300, Reason: "transient", Detail: "NotAllowedError: denied"},
		{Type: TypeStatus, Status: "playing", Prev: "loading", Muted: true},
	}
	for _, ev := range events {
		if err := j.Send(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	n, err := j.Count(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if n, _ := j.Count(ctx, TypeStatus); n != 2 {
		t.Errorf("status count = %d, want 2", n)
	}

	recent, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent = %d, want 3", len(recent))
	}
	if recent[0].Status != "playing" {
		t.Errorf("newest: got %q, want %q", recent[0].Status, "playing")
	}
	if recent[1].ID != "evt_2" || recent[1].DelayMs != 300 || recent[1].Attempt != 1 {
		t.Errorf("attempt row: got %+v", recent[1])
	}
	if !recent[2].Muted {
		t.Error("first row should be muted")
	}
	if !recent[0].Timestamp.Equal(now) {
		t.Errorf("timestamp: got %v, want %v", recent[0].Timestamp, now)
	}
}

func TestJournalKeepsExplicitID(t *testing.T) {
	j := newTestJournal(t, time.Now)
	ctx := context.Background()
	if err := j.Send(ctx, Event{ID: "evt_fixed", Type: TypeLoaded, Key: "k3", Reason: "timeout"}); err != nil {
		t.Fatal(err)
	}
	if err := j.Send(ctx, Event{ID: "evt_fixed", Type: TypeLoaded}); err == nil {
		t.Error("duplicate id should fail")
	}
	recent, _ := j.Recent(ctx, 1)
	if len(recent) != 1 || recent[0].ID != "evt_fixed" || recent[0].Key != "k3" {
		t.Errorf("got %+v", recent)
	}
}

func TestJournalCleanup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	j := newTestJournal(t, func() time.Time { return now })
	ctx := context.Background()

	j.Send(ctx, Event{Type: TypePass, Timestamp: now.Add(-10 * 24 * time.Hour)})
	j.Send(ctx, Event{Type: TypePass, Timestamp: now.Add(-2 * 24 * time.Hour)})
	j.Send(ctx, Event{Type: TypePass})

	if n, err := j.Cleanup(ctx, 0, false); err != nil || n != 0 {
		t.Errorf("zero retention: n=%d err=%v", n, err)
	}
	n, err := j.Cleanup(ctx, 7, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if left, _ := j.Count(ctx, ""); left != 2 {
		t.Errorf("left = %d, want 2", left)
	}
}

func TestOpenJournalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "events.db")
	j, err := OpenJournal(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if err := j.Send(context.Background(), Event{Type: TypeMuted, Muted: false}); err != nil {
		t.Fatal(err)
	}
	recent, _ := j.Recent(context.Background(), 5)
	if len(recent) != 1 || len(recent[0].ID) < 5 || recent[0].ID[:4] != "evt_" {
		t.Errorf("got %+v", recent)
	}
}
