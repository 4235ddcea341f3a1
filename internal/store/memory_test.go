package store

import (
	"context"
	"testing"
	"time"

	"callengine/internal/calls"
)

func TestMemoryCallLogs_StatusIsWriteOnce(t *testing.T) {
	repo := NewMemoryCallLogs()
	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()

	if err := repo.Insert(ctx, calls.CallLog{ID: "l1", Dispatched: true, CreatedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := repo.SetStatus(ctx, "l1", calls.CallStatusBusy, now)
	if err != nil || !ok {
		t.Fatalf("first write should land: ok=%v err=%v", ok, err)
	}
	ok, err = repo.SetStatus(ctx, "l1", calls.CallStatusFailed, now)
	if err != nil || ok {
		t.Fatalf("second write must be rejected: ok=%v err=%v", ok, err)
	}

	got, _ := repo.Get("l1")
	if got.Status != calls.CallStatusBusy {
		t.Fatalf("status overwritten: %q", got.Status)
	}
}

func TestMemoryCallLogs_ClaimIsExclusiveUntilStale(t *testing.T) {
	repo := NewMemoryCallLogs()
	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()
	ttl := 10 * time.Minute

	repo.Insert(ctx, calls.CallLog{ID: "l1", Dispatched: true, CreatedAt: now})

	if ok, _ := repo.Claim(ctx, "l1", "a", now, ttl); !ok {
		t.Fatalf("first claim should succeed")
	}
	if ok, _ := repo.Claim(ctx, "l1", "b", now.Add(time.Minute), ttl); ok {
		t.Fatalf("fresh claim must not be stolen")
	}
	if ok, _ := repo.Claim(ctx, "l1", "b", now.Add(ttl+time.Second), ttl); !ok {
		t.Fatalf("stale claim should be reclaimable")
	}
}

func TestMemoryCallLogs_ClaimRejectsReconciled(t *testing.T) {
	repo := NewMemoryCallLogs()
	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()

	repo.Insert(ctx, calls.CallLog{ID: "l1", Dispatched: true, CreatedAt: now})
	repo.SetStatus(ctx, "l1", calls.CallStatusCompleted, now)

	if ok, _ := repo.Claim(ctx, "l1", "a", now, time.Minute); ok {
		t.Fatalf("terminal log must not be claimable")
	}
}

func TestMemoryCallLogs_FindUnreconciled(t *testing.T) {
	repo := NewMemoryCallLogs()
	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()

	repo.Insert(ctx, calls.CallLog{ID: "pending", Dispatched: true, CreatedAt: now})
	repo.Insert(ctx, calls.CallLog{ID: "undispatched", Dispatched: false, CreatedAt: now})
	repo.Insert(ctx, calls.CallLog{ID: "done", Dispatched: true, CreatedAt: now})
	repo.SetStatus(ctx, "done", calls.CallStatusFailed, now)

	got, err := repo.FindUnreconciled(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pending" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestMemoryRecordings_DuplicateInsert(t *testing.T) {
	repo := NewMemoryRecordings()
	ctx := context.Background()

	if err := repo.Insert(ctx, calls.RecordingRecord{ID: "r1", ProviderCallSID: "CA1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Insert(ctx, calls.RecordingRecord{ID: "r2", ProviderCallSID: "CA1"}); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryBatches_ListDue(t *testing.T) {
	repo := NewMemoryBatches()
	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()

	repo.Contacts = []calls.BatchContact{
		{ID: "c1", CreatedBy: "u1", CampaignID: "camp", BatchName: "due", ScheduledAt: now.Add(-time.Minute)},
		{ID: "c2", CreatedBy: "u1", CampaignID: "camp", BatchName: "due", ScheduledAt: now.Add(-time.Minute)},
		{ID: "c3", CreatedBy: "u1", CampaignID: "camp", BatchName: "future", ScheduledAt: now.Add(time.Hour)},
		{ID: "c4", CreatedBy: "u1", CampaignID: "camp", BatchName: "done", ScheduledAt: now.Add(-time.Hour), Launched: true},
	}

	due, err := repo.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(due) != 1 || due[0].BatchName != "due" {
		t.Fatalf("unexpected due batches: %+v", due)
	}
}
