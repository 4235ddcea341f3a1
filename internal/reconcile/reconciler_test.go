package reconcile

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"callengine/internal/calls"
	"callengine/internal/provider"
	"callengine/internal/recording"
	"callengine/internal/store"
	"callengine/internal/vault"
)

// scriptedFetcher returns a fixed sequence of results per call SID,
// repeating the last entry once the script runs out.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[string][]fetchResult
	seen    map[string]int
}

type fetchResult struct {
	res provider.CallResource
	err error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts: make(map[string][]fetchResult),
		seen:    make(map[string]int),
	}
}

func (f *scriptedFetcher) script(callSID string, results ...fetchResult) {
	f.scripts[callSID] = results
}

func (f *scriptedFetcher) fetches(callSID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[callSID]
}

func (f *scriptedFetcher) FetchCall(_ context.Context, _ provider.Credentials, callSID string) (provider.CallResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.scripts[callSID]
	if len(script) == 0 {
		return provider.CallResource{}, &provider.APIError{Code: 20404, Status: 404}
	}
	i := f.seen[callSID]
	f.seen[callSID]++
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i].res, script[i].err
}

func status(s string) fetchResult {
	return fetchResult{res: provider.CallResource{Status: s}}
}

func completed() fetchResult {
	return fetchResult{res: provider.CallResource{
		Status:    "completed",
		Duration:  "63",
		StartTime: "Mon, 02 Mar 2026 15:04:05 +0000",
		EndTime:   "Mon, 02 Mar 2026 15:05:08 +0000",
		Price:     "-0.013",
		Direction: "outbound-api",
		From:      "sip:+15550001111@aabbccdd.pstn.twilio.com",
		To:        "+15550002222",
	}}
}

type fakeIngestor struct {
	mu      sync.Mutex
	records map[string]calls.RecordingRecord
	errs    map[string]error
	calls   map[string]int
}

func newFakeIngestor() *fakeIngestor {
	return &fakeIngestor{
		records: make(map[string]calls.RecordingRecord),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeIngestor) Ingest(_ context.Context, _ provider.Credentials, log calls.CallLog) (calls.RecordingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[log.ProviderCallSID]++
	if err, ok := f.errs[log.ProviderCallSID]; ok {
		return calls.RecordingRecord{}, err
	}
	if rec, ok := f.records[log.ProviderCallSID]; ok {
		return rec, nil
	}
	return calls.RecordingRecord{}, recording.ErrNoRecordings
}

type fixture struct {
	rec      *Reconciler
	logs     *store.MemoryCallLogs
	fetcher  *scriptedFetcher
	ingestor *fakeIngestor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	secrets, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	sidEnc, _ := secrets.Encrypt("AC00112233aabbccdd")
	tokEnc, _ := secrets.Encrypt("authtoken")

	accounts := store.NewMemoryTelephonyAccounts()
	accounts.Put(calls.TelephonyAccount{
		UserID:        "user-1",
		Provider:      calls.ProviderTwilio,
		AccountSIDEnc: sidEnc,
		AuthTokenEnc:  tokEnc,
		PhoneNumber:   "+15550001111",
	})

	logs := store.NewMemoryCallLogs()
	fetcher := newScriptedFetcher()
	ingestor := newFakeIngestor()
	slogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		rec:      New(logs, accounts, secrets, fetcher, ingestor, slogger, cfg),
		logs:     logs,
		fetcher:  fetcher,
		ingestor: ingestor,
	}
}

func fastConfig() Config {
	return Config{
		PollInterval:  time.Millisecond,
		RetryInterval: time.Millisecond,
		MaxRetries:    5,
		Workers:       4,
		QueueSize:     16,
		ClaimTTL:      time.Minute,
	}
}

func pendingLog(callSID string) calls.CallLog {
	return calls.CallLog{
		ID:              uuid.NewString(),
		CampaignID:      "camp-1",
		BatchName:       "spring-promo",
		UserID:          "user-1",
		ProviderCallSID: callSID,
		Dispatched:      true,
		To:              "+15550002222",
		CreatedAt:       time.Now(),
	}
}

func TestWorkCompletedCallWithRecording(t *testing.T) {
	f := newFixture(t, fastConfig())
	entry := pendingLog("CA1")
	f.logs.Insert(context.Background(), entry)
	f.fetcher.script("CA1", status("in-progress"), completed())
	f.ingestor.records["CA1"] = calls.RecordingRecord{ID: "rec-1", BlobID: "blob-1"}

	f.rec.work(context.Background(), entry)

	got, ok := f.logs.Get(entry.ID)
	if !ok {
		t.Fatal("log missing")
	}
	if got.Status != calls.CallStatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if got.DurationSeconds != 63 {
		t.Fatalf("duration = %d", got.DurationSeconds)
	}
	if got.StartTime == nil || got.EndTime == nil {
		t.Fatal("start/end times not persisted")
	}
	if !got.Recording || got.RecordingID != "rec-1" {
		t.Fatalf("recording fields = %v %q", got.Recording, got.RecordingID)
	}
	if got.Price != "-0.013" || got.Direction != "outbound-api" {
		t.Fatalf("completion fields = %+v", got)
	}
	if f.fetcher.fetches("CA1") != 2 {
		t.Fatalf("fetches = %d, want 2", f.fetcher.fetches("CA1"))
	}
}

func TestWorkCompletedWithoutRecording(t *testing.T) {
	f := newFixture(t, fastConfig())
	entry := pendingLog("CA1")
	f.logs.Insert(context.Background(), entry)
	f.fetcher.script("CA1", completed())

	f.rec.work(context.Background(), entry)

	got, _ := f.logs.Get(entry.ID)
	if got.Status != calls.CallStatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if got.Recording || got.RecordingID != "" {
		t.Fatal("recording fields should stay empty")
	}
}

func TestWorkIngestFailureStillCompletes(t *testing.T) {
	f := newFixture(t, fastConfig())
	entry := pendingLog("CA1")
	f.logs.Insert(context.Background(), entry)
	f.fetcher.script("CA1", completed())
	f.ingestor.errs["CA1"] = &provider.APIError{Code: 20500, Status: 500}

	f.rec.work(context.Background(), entry)

	got, _ := f.logs.Get(entry.ID)
	if got.Status != calls.CallStatusCompleted {
		t.Fatalf("status = %q, completion must not block on recording", got.Status)
	}
	if got.Recording {
		t.Fatal("recording flag should be false after ingest failure")
	}
}

func TestWorkBusyOnFirstPoll(t *testing.T) {
	f := newFixture(t, fastConfig())
	entry := pendingLog("CA1")
	f.logs.Insert(context.Background(), entry)
	f.fetcher.script("CA1", status("busy"))

	f.rec.work(context.Background(), entry)

	got, _ := f.logs.Get(entry.ID)
	if got.Status != calls.CallStatusBusy {
		t.Fatalf("status = %q", got.Status)
	}
	if got.Recording {
		t.Fatal("busy call cannot have a recording")
	}
	if f.ingestor.calls["CA1"] != 0 {
		t.Fatal("ingest must not run for non-completed calls")
	}
	if f.fetcher.fetches("CA1") != 1 {
		t.Fatalf("fetches = %d, want 1", f.fetcher.fetches("CA1"))
	}
}

func TestWorkRetriesExhausted(t *testing.T) {
	f := newFixture(t, fastConfig())
	entry := pendingLog("CA1")
	f.logs.Insert(context.Background(), entry)
	f.fetcher.script("CA1", status("ringing"))

	f.rec.work(context.Background(), entry)

	got, _ := f.logs.Get(entry.ID)
	if got.Status != calls.CallStatusRinging {
		t.Fatalf("status = %q, want last observed status", got.Status)
	}
	if f.fetcher.fetches("CA1") != 5 {
		t.Fatalf("fetches = %d, want max retries", f.fetcher.fetches("CA1"))
	}
}

func TestWorkTransientErrorsRetry(t *testing.T) {
	f := newFixture(t, fastConfig())
	entry := pendingLog("CA1")
	f.logs.Insert(context.Background(), entry)
	f.fetcher.script("CA1",
		fetchResult{err: &provider.APIError{Code: 20503, Status: 503}},
		completed())

	f.rec.work(context.Background(), entry)

	got, _ := f.logs.Get(entry.ID)
	if got.Status != calls.CallStatusCompleted {
		t.Fatalf("status = %q, transient error should not be fatal", got.Status)
	}
}

func TestWorkPermanentErrorAborts(t *testing.T) {
	f := newFixture(t, fastConfig())
	entry := pendingLog("CA1")
	f.logs.Insert(context.Background(), entry)
	f.fetcher.script("CA1", fetchResult{err: &provider.APIError{Code: 20404, Status: 404}})

	f.rec.work(context.Background(), entry)

	got, _ := f.logs.Get(entry.ID)
	if got.Status != "" {
		t.Fatalf("status = %q, want untouched", got.Status)
	}
	if f.fetcher.fetches("CA1") != 1 {
		t.Fatalf("fetches = %d, permanent errors must not retry", f.fetcher.fetches("CA1"))
	}
}

func TestScanClaimsEachLogOnce(t *testing.T) {
	f := newFixture(t, fastConfig())
	entry := pendingLog("CA1")
	f.logs.Insert(context.Background(), entry)

	queue := make(chan calls.CallLog, 4)
	if err := f.rec.scan(context.Background(), queue); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := f.rec.scan(context.Background(), queue); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if len(queue) != 1 {
		t.Fatalf("queued %d times, want 1", len(queue))
	}
}

func TestScanSkipsLogsClaimedElsewhere(t *testing.T) {
	f := newFixture(t, fastConfig())
	entry := pendingLog("CA1")
	f.logs.Insert(context.Background(), entry)

	// Another live instance holds the claim.
	if ok, err := f.logs.Claim(context.Background(), entry.ID, "other-instance", time.Now(), time.Minute); err != nil || !ok {
		t.Fatalf("seed claim: ok=%v err=%v", ok, err)
	}

	queue := make(chan calls.CallLog, 4)
	if err := f.rec.scan(context.Background(), queue); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(queue) != 0 {
		t.Fatal("must not steal a live claim")
	}
}

func TestRunReconcilesBatch(t *testing.T) {
	f := newFixture(t, fastConfig())

	entries := []calls.CallLog{pendingLog("CA1"), pendingLog("CA2"), pendingLog("CA3")}
	for _, e := range entries {
		f.logs.Insert(context.Background(), e)
	}
	f.fetcher.script("CA1", completed())
	f.ingestor.records["CA1"] = calls.RecordingRecord{ID: "rec-1"}
	f.fetcher.script("CA2", status("busy"))
	f.fetcher.script("CA3", status("queued"), status("in-progress"), completed())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.rec.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		pending, err := f.logs.FindUnreconciled(context.Background())
		if err != nil {
			t.Fatalf("FindUnreconciled: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("still pending after deadline: %d", len(pending))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	byCall := make(map[string]calls.CallLog)
	for _, l := range f.logs.All() {
		byCall[l.ProviderCallSID] = l
	}
	if byCall["CA1"].Status != calls.CallStatusCompleted || !byCall["CA1"].Recording {
		t.Fatalf("CA1 = %+v", byCall["CA1"])
	}
	if byCall["CA2"].Status != calls.CallStatusBusy {
		t.Fatalf("CA2 = %+v", byCall["CA2"])
	}
	if byCall["CA3"].Status != calls.CallStatusCompleted || byCall["CA3"].Recording {
		t.Fatalf("CA3 = %+v", byCall["CA3"])
	}
}
