package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fathomlabs/hookrelay/internal/apperrors"
	"github.com/fathomlabs/hookrelay/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hookrelay.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// The ledger references partners; seed one for foreign keys.
	_, err = db.Exec(`INSERT INTO partners(id, name, destination_url, shared_secret, created_at, updated_at)
VALUES('p1', 'acme', 'https://acme.example/h', 'secret', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z');`)
	if err != nil {
		t.Fatalf("seed partner: %v", err)
	}
	return New(db)
}

func createRecord(t *testing.T, l *Ledger) *Record {
	t.Helper()
	rec, err := l.Create(context.Background(), CreateParams{
		PartnerID:      "p1",
		EventType:      "payment.confirmed",
		Payload:        json.RawMessage(`{"order_id":"A1"}`),
		DestinationURL: "https://acme.example/h",
		Signature:      "deadbeef",
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestCreatePendingRecord(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	rec := createRecord(t, l)
	if rec.Status != StatusPending || rec.AttemptCount != 0 {
		t.Fatalf("new record = %s/%d, want pending/0", rec.Status, rec.AttemptCount)
	}

	got, err := l.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Signature != "deadbeef" || got.DestinationURL != "https://acme.example/h" {
		t.Errorf("frozen fields not persisted: %+v", got)
	}
}

func TestClaimInitialIsSingleUse(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	rec := createRecord(t, l)
	ctx := context.Background()

	claimed, ok, err := l.ClaimInitial(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("ClaimInitial: ok=%v err=%v", ok, err)
	}
	if claimed.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", claimed.AttemptCount)
	}

	// A second claimant loses the race and skips.
	if _, ok, err := l.ClaimInitial(ctx, rec.ID); err != nil || ok {
		t.Fatalf("second ClaimInitial: ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestAttemptCountNeverExceedsMaxAttempts(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	rec := createRecord(t, l)
	ctx := context.Background()
	now := time.Now()

	if _, ok, _ := l.ClaimInitial(ctx, rec.ID); !ok {
		t.Fatal("initial claim refused")
	}
	if err := l.MarkRetry(ctx, rec.ID, 503, "boom", now.Add(-time.Second)); err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}

	for attempt := 2; attempt <= 3; attempt++ {
		got, ok, err := l.ClaimDue(ctx, rec.ID, now, time.Minute)
		if err != nil || !ok {
			t.Fatalf("ClaimDue attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		if got.AttemptCount != attempt {
			t.Fatalf("attempt count = %d, want %d", got.AttemptCount, attempt)
		}
		if attempt < 3 {
			if err := l.MarkRetry(ctx, rec.ID, 503, "boom", now.Add(-time.Second)); err != nil {
				t.Fatalf("MarkRetry: %v", err)
			}
		}
	}
	if err := l.MarkExhausted(ctx, rec.ID, 503, "boom"); err != nil {
		t.Fatalf("MarkExhausted: %v", err)
	}

	// Budget spent: no further claim possible.
	if _, ok, err := l.ClaimDue(ctx, rec.ID, now, 0); err != nil || ok {
		t.Fatalf("ClaimDue after exhaustion: ok=%v err=%v, want ok=false", ok, err)
	}

	got, err := l.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExhausted || got.AttemptCount != got.MaxAttempts {
		t.Errorf("record = %s/%d of %d, want exhausted at budget", got.Status, got.AttemptCount, got.MaxAttempts)
	}
}

func TestMarkSentIsTerminal(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	rec := createRecord(t, l)
	ctx := context.Background()

	if _, ok, _ := l.ClaimInitial(ctx, rec.ID); !ok {
		t.Fatal("initial claim refused")
	}
	if err := l.MarkSent(ctx, rec.ID, 200); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	if _, ok, err := l.ClaimDue(ctx, rec.ID, time.Now().Add(time.Hour), 0); err != nil || ok {
		t.Fatalf("ClaimDue on sent record: ok=%v err=%v, want ok=false", ok, err)
	}
	if err := l.MarkRetry(ctx, rec.ID, 503, "late", time.Now()); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("MarkRetry on sent record error = %v, want conflict", err)
	}

	got, _ := l.Get(ctx, rec.ID)
	if got.Status != StatusSent || got.HTTPStatusCode == nil || *got.HTTPStatusCode != 200 {
		t.Errorf("record = %+v, want sent/200", got)
	}
}

func TestDueSelectsOnlyRipeRecords(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	// ripe: retry scheduled in the past
	ripe := createRecord(t, l)
	mustClaimInitial(t, l, ripe.ID)
	mustMarkRetry(t, l, ripe.ID, now.Add(-time.Minute))

	// not ripe: retry scheduled in the future
	future := createRecord(t, l)
	mustClaimInitial(t, l, future.ID)
	mustMarkRetry(t, l, future.ID, now.Add(time.Hour))

	// not ripe: fresh pending within the stale lease
	createRecord(t, l)

	due, err := l.Due(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != ripe.ID {
		t.Fatalf("due = %d records, want exactly the ripe one", len(due))
	}
}

func TestDueRecoversStalePending(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()
	stale := createRecord(t, l)

	// With a zero lease, even a fresh pending record counts as stale.
	due, err := l.Due(ctx, time.Now().Add(time.Second), 0, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != stale.ID {
		t.Fatalf("due = %v, want the stale pending record", due)
	}

	if _, ok, err := l.ClaimDue(ctx, stale.ID, time.Now().Add(time.Second), 0); err != nil || !ok {
		t.Fatalf("ClaimDue stale pending: ok=%v err=%v", ok, err)
	}
}

func TestClaimDueIsSingleUse(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	rec := createRecord(t, l)
	mustClaimInitial(t, l, rec.ID)
	mustMarkRetry(t, l, rec.ID, now.Add(-time.Minute))

	if _, ok, err := l.ClaimDue(ctx, rec.ID, now, time.Minute); err != nil || !ok {
		t.Fatalf("first ClaimDue: ok=%v err=%v", ok, err)
	}
	// Immediately after a claim the record is pending with a fresh
	// updated_at, so a concurrent sweep finds nothing.
	if _, ok, err := l.ClaimDue(ctx, rec.ID, now, time.Minute); err != nil || ok {
		t.Fatalf("second ClaimDue: ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	first := createRecord(t, l)
	time.Sleep(5 * time.Millisecond)
	second := createRecord(t, l)

	history, err := l.History(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].ID != second.ID || history[1].ID != first.ID {
		t.Error("history not newest first")
	}

	limited, err := l.History(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("History limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second.ID {
		t.Error("limit not applied from the newest end")
	}
}

func TestRearmExhaustedRecord(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	rec := createRecord(t, l)
	mustClaimInitial(t, l, rec.ID)
	if err := l.MarkExhausted(ctx, rec.ID, 503, "down"); err != nil {
		t.Fatalf("MarkExhausted: %v", err)
	}

	got, err := l.Rearm(ctx, rec.ID, 3)
	if err != nil {
		t.Fatalf("Rearm: %v", err)
	}
	if got.Status != StatusRetry || got.MaxAttempts != rec.MaxAttempts+3 {
		t.Errorf("rearmed = %s/%d, want retry with extended budget", got.Status, got.MaxAttempts)
	}

	// Rearm is exhausted-only.
	if _, err := l.Rearm(ctx, rec.ID, 3); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Rearm non-exhausted error = %v, want conflict", err)
	}
	if _, err := l.Rearm(ctx, "nope", 3); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Rearm unknown error = %v, want not found", err)
	}
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	sent := createRecord(t, l)
	mustClaimInitial(t, l, sent.ID)
	if err := l.MarkSent(ctx, sent.ID, 204); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	createRecord(t, l)

	counts, err := l.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusSent] != 1 || counts[StatusPending] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func mustClaimInitial(t *testing.T, l *Ledger, id string) {
	t.Helper()
	if _, ok, err := l.ClaimInitial(context.Background(), id); err != nil || !ok {
		t.Fatalf("ClaimInitial %s: ok=%v err=%v", id, ok, err)
	}
}

func mustMarkRetry(t *testing.T, l *Ledger, id string, at time.Time) {
	t.Helper()
	if err := l.MarkRetry(context.Background(), id, 503, "boom", at); err != nil {
		t.Fatalf("MarkRetry %s: %v", id, err)
	}
}
