package reconcile

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callengine/internal/blobstore"
	"callengine/internal/calls"
	"callengine/internal/launch"
	"callengine/internal/provider"
	"callengine/internal/recording"
	"callengine/internal/store"
	"callengine/internal/trunk"
	"callengine/internal/vault"
)

// voiceProvider fakes the full provider surface one launch-and-reconcile
// cycle touches: dialing, status polling, recording listing and download.
type voiceProvider struct {
	mu       sync.Mutex
	nextCall int
	// statuses maps a dialed destination to the sequence of statuses its
	// call reports, last one repeating.
	statuses map[string][]string
	// recorded destinations produce one recording after completion.
	recorded map[string]bool

	callStatus map[string][]string
	callTo     map[string]string
	polls      map[string]int
}

func newVoiceProvider() *voiceProvider {
	return &voiceProvider{
		statuses:   make(map[string][]string),
		recorded:   make(map[string]bool),
		callStatus: make(map[string][]string),
		callTo:     make(map[string]string),
		polls:      make(map[string]int),
	}
}

func (p *voiceProvider) CreateCall(_ context.Context, _ provider.Credentials, to, from, script string) (provider.CallResource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCall++
	sid := fmt.Sprintf("CA%03d", p.nextCall)
	p.callStatus[sid] = p.statuses[to]
	p.callTo[sid] = to
	return provider.CallResource{SID: sid, Status: "queued", To: to, From: from}, nil
}

func (p *voiceProvider) FetchCall(_ context.Context, _ provider.Credentials, callSID string) (provider.CallResource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.callStatus[callSID]
	if len(seq) == 0 {
		return provider.CallResource{}, &provider.APIError{Code: 20404, Status: 404}
	}
	i := p.polls[callSID]
	p.polls[callSID]++
	if i >= len(seq) {
		i = len(seq) - 1
	}
	res := provider.CallResource{SID: callSID, Status: seq[i], To: p.callTo[callSID]}
	if seq[i] == "completed" {
		res.Duration = "41"
		res.Direction = "outbound-api"
		res.Price = "-0.020"
	}
	return res, nil
}

func (p *voiceProvider) ListRecordings(_ context.Context, _ provider.Credentials, callSID string) ([]provider.RecordingResource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.recorded[p.callTo[callSID]] {
		return nil, nil
	}
	return []provider.RecordingResource{{
		SID:     "RE-" + callSID,
		CallSID: callSID,
		URI:     "/2010-04-01/Recordings/RE-" + callSID + ".json",
	}}, nil
}

func (p *voiceProvider) FetchRecordingBytes(_ context.Context, _ provider.Credentials, rec provider.RecordingResource) ([]byte, error) {
	return []byte("audio-" + rec.CallSID), nil
}

type staticTrunk struct{ handle trunk.Handle }

func (s staticTrunk) EnsureTrunk(_ context.Context, _ string, _ provider.Credentials) (trunk.Handle, error) {
	return s.handle, nil
}

// Launches a three-contact batch and drives every dispatched call to a
// final state: one completes with a recording, one completes without, one
// ends busy.
func TestLaunchThenReconcileBatch(t *testing.T) {
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

	batches := store.NewMemoryBatches()
	for _, phone := range []string{"+15550002222", "+15550003333", "+15550004444"} {
		batches.Contacts = append(batches.Contacts, calls.BatchContact{
			CreatedBy:   "user-1",
			CampaignID:  "camp-1",
			BatchName:   "spring-promo",
			PhoneNumber: phone,
			Template:    "Hello from the campaign.",
			ScheduledAt: time.Now().Add(-time.Minute),
		})
	}

	api := newVoiceProvider()
	api.statuses["+15550002222"] = []string{"in-progress", "completed"}
	api.recorded["+15550002222"] = true
	api.statuses["+15550003333"] = []string{"completed"}
	api.statuses["+15550004444"] = []string{"ringing", "busy"}

	logs := store.NewMemoryCallLogs()
	recordings := store.NewMemoryRecordings()
	blobs := blobstore.NewMemoryStore()
	slogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	trunks := staticTrunk{handle: trunk.Handle{
		TrunkSID:   "TK1",
		DomainName: "aabbccdd.pstn.twilio.com",
		SIPURI:     "sip:+15550001111@aabbccdd.pstn.twilio.com",
	}}
	launcher := launch.New(batches, accounts, logs, secrets, trunks, api, slogger)

	res, err := launcher.Launch(context.Background(), "user-1", "camp-1", "spring-promo")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Dispatched != 3 || res.Failed != 0 {
		t.Fatalf("launch result = %+v", res)
	}

	ingestor := recording.New(recordings, blobs, api, slogger)
	rec := New(logs, accounts, secrets, api, ingestor, slogger, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		pending, err := logs.FindUnreconciled(context.Background())
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

	byPhone := make(map[string]calls.CallLog)
	for _, l := range logs.All() {
		byPhone[l.To] = l
	}

	withRec := byPhone["+15550002222"]
	if withRec.Status != calls.CallStatusCompleted || !withRec.Recording || withRec.RecordingID == "" {
		t.Fatalf("recorded call = %+v", withRec)
	}
	if withRec.DurationSeconds != 41 {
		t.Fatalf("duration = %d", withRec.DurationSeconds)
	}

	noRec := byPhone["+15550003333"]
	if noRec.Status != calls.CallStatusCompleted || noRec.Recording {
		t.Fatalf("unrecorded call = %+v", noRec)
	}

	busy := byPhone["+15550004444"]
	if busy.Status != calls.CallStatusBusy || busy.Recording {
		t.Fatalf("busy call = %+v", busy)
	}

	if blobs.Len() != 1 {
		t.Fatalf("blob count = %d, want 1", blobs.Len())
	}
	if recordings.Inserts != 1 {
		t.Fatalf("recording inserts = %d, want 1", recordings.Inserts)
	}
	stored, err := recordings.FindByCallSID(context.Background(), withRec.ProviderCallSID)
	if err != nil {
		t.Fatalf("FindByCallSID: %v", err)
	}
	if stored.PhoneNumber != "+15550002222" {
		t.Fatalf("recording phone = %q", stored.PhoneNumber)
	}
}
