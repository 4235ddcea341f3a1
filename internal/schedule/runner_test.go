package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callengine/internal/calls"
	"callengine/internal/launch"
	"callengine/internal/store"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []calls.BatchRef
	errs     map[string]error
}

func (f *fakeLauncher) Launch(_ context.Context, userID, campaignID, batchName string) (launch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[batchName]; ok {
		return launch.Result{}, err
	}
	f.launched = append(f.launched, calls.BatchRef{CreatedBy: userID, CampaignID: campaignID, BatchName: batchName})
	return launch.Result{BatchName: batchName, Dispatched: 1}, nil
}

func seed(batches *store.MemoryBatches, batchName string, scheduledAt time.Time, launched bool) {
	batches.Contacts = append(batches.Contacts, calls.BatchContact{
		CreatedBy:   "user-1",
		CampaignID:  "camp-1",
		BatchName:   batchName,
		PhoneNumber: "+15550002222",
		ScheduledAt: scheduledAt,
		Launched:    launched,
	})
}

func newRunner(batches *store.MemoryBatches, launcher BatchLauncher) *Runner {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(batches, launcher, log, time.Minute)
}

func TestScanLaunchesDueBatches(t *testing.T) {
	batches := store.NewMemoryBatches()
	now := time.Now()
	seed(batches, "due-now", now.Add(-time.Minute), false)
	seed(batches, "future", now.Add(time.Hour), false)
	seed(batches, "consumed", now.Add(-time.Hour), true)

	launcher := &fakeLauncher{}
	newRunner(batches, launcher).Scan(context.Background())

	if len(launcher.launched) != 1 {
		t.Fatalf("launched %d batches, want 1", len(launcher.launched))
	}
	if launcher.launched[0].BatchName != "due-now" {
		t.Fatalf("launched %q", launcher.launched[0].BatchName)
	}
}

func TestScanContinuesPastFailures(t *testing.T) {
	batches := store.NewMemoryBatches()
	now := time.Now()
	seed(batches, "broken", now.Add(-time.Minute), false)
	seed(batches, "healthy", now.Add(-time.Minute), false)

	launcher := &fakeLauncher{errs: map[string]error{"broken": errors.New("provider down")}}
	newRunner(batches, launcher).Scan(context.Background())

	if len(launcher.launched) != 1 || launcher.launched[0].BatchName != "healthy" {
		t.Fatalf("launched = %+v, want just the healthy batch", launcher.launched)
	}
}

func TestScanToleratesLostRace(t *testing.T) {
	batches := store.NewMemoryBatches()
	seed(batches, "contested", time.Now().Add(-time.Minute), false)

	launcher := &fakeLauncher{errs: map[string]error{"contested": launch.ErrBatchAlreadyLaunched}}
	newRunner(batches, launcher).Scan(context.Background())

	if len(launcher.launched) != 0 {
		t.Fatal("lost race must not be treated as a launch")
	}
}
