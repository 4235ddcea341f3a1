// Package recording pulls finished-call audio from the voice provider into
// blob storage and records the link. Ingestion is idempotent per call SID.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"callengine/internal/blobstore"
	"callengine/internal/calls"
	"callengine/internal/provider"
	"callengine/internal/store"
)

// ErrNoRecordings means the provider has no audio for the call. Short calls
// and unanswered calls legitimately produce none.
var ErrNoRecordings = errors.New("recording: no recordings for call")

// Fetcher is the provider surface the ingestor needs.
type Fetcher interface {
	ListRecordings(ctx context.Context, creds provider.Credentials, callSID string) ([]provider.RecordingResource, error)
	FetchRecordingBytes(ctx context.Context, creds provider.Credentials, rec provider.RecordingResource) ([]byte, error)
}

// Ingestor downloads, stores, and indexes call recordings.
type Ingestor struct {
	recordings store.RecordingRepo
	blobs      blobstore.Store
	fetcher    Fetcher
	log        *slog.Logger
	clock      func() time.Time
}

func New(recordings store.RecordingRepo, blobs blobstore.Store, fetcher Fetcher, log *slog.Logger) *Ingestor {
	return &Ingestor{
		recordings: recordings,
		blobs:      blobs,
		fetcher:    fetcher,
		log:        log,
		clock:      time.Now,
	}
}

// Ingest fetches the call's audio and persists it exactly once. Re-invoking
// for an already-ingested call returns the existing record without touching
// the provider. Returns ErrNoRecordings when the provider holds no audio.
func (i *Ingestor) Ingest(ctx context.Context, creds provider.Credentials, log calls.CallLog) (calls.RecordingRecord, error) {
	if existing, err := i.recordings.FindByCallSID(ctx, log.ProviderCallSID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return calls.RecordingRecord{}, fmt.Errorf("lookup recording: %w", err)
	}

	resources, err := i.fetcher.ListRecordings(ctx, creds, log.ProviderCallSID)
	if err != nil {
		return calls.RecordingRecord{}, fmt.Errorf("list recordings: %w", err)
	}
	if len(resources) == 0 {
		return calls.RecordingRecord{}, ErrNoRecordings
	}

	// The provider returns newest first; one recording per call is the
	// normal case.
	res := resources[0]
	data, err := i.fetcher.FetchRecordingBytes(ctx, creds, res)
	if err != nil {
		return calls.RecordingRecord{}, fmt.Errorf("download recording %s: %w", res.SID, err)
	}

	blobID, err := i.blobs.Put(ctx, data, log.ProviderCallSID+".mp3", map[string]string{
		"call_sid":    log.ProviderCallSID,
		"campaign_id": log.CampaignID,
		"user_id":     log.UserID,
	})
	if err != nil {
		return calls.RecordingRecord{}, fmt.Errorf("store recording blob: %w", err)
	}

	duration := log.DurationSeconds
	if n, err := strconv.Atoi(res.Duration); err == nil && n > 0 {
		duration = n
	}

	rec := calls.RecordingRecord{
		ID:              uuid.NewString(),
		UserID:          log.UserID,
		ProviderCallSID: log.ProviderCallSID,
		CampaignID:      log.CampaignID,
		BatchName:       log.BatchName,
		DurationSeconds: duration,
		PhoneNumber:     log.To,
		BlobID:          blobID,
		CreatedAt:       i.clock(),
	}
	if err := i.recordings.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent ingest won the race; its record is canonical.
			i.log.Debug("recording already indexed", "call_sid", log.ProviderCallSID)
			return i.recordings.FindByCallSID(ctx, log.ProviderCallSID)
		}
		return calls.RecordingRecord{}, fmt.Errorf("index recording: %w", err)
	}

	i.log.Info("recording ingested",
		"call_sid", log.ProviderCallSID, "blob_id", blobID, "bytes", len(data))
	return rec, nil
}
