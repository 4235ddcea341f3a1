// Package store holds the persistence contracts consumed by the
// orchestration engine, their Postgres implementations, and in-memory
// doubles for tests.
package store

import (
	"context"
	"errors"
	"time"

	"callengine/internal/calls"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate signals a uniqueness violation (one recording per call).
	ErrDuplicate = errors.New("store: duplicate")
)

// CallLogRepo persists outbound call logs.
//
// Status writes are conditional on the log still lacking a status: a
// terminal status, once set, is never overwritten, and both SetStatus and
// Complete report false instead of clobbering.
type CallLogRepo interface {
	Insert(ctx context.Context, log calls.CallLog) error

	// FindUnreconciled returns dispatched logs with no call_status.
	FindUnreconciled(ctx context.Context) ([]calls.CallLog, error)

	// Claim marks a log as taken by owner. It succeeds only if the log has
	// no status and is unclaimed (or its claim is older than ttl), so two
	// reconciler instances can never work the same log concurrently.
	Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)

	// SetStatus records a terminal or best-effort final status.
	SetStatus(ctx context.Context, id string, status calls.CallStatus, now time.Time) (bool, error)

	// Complete records the "completed" status plus its derived fields.
	Complete(ctx context.Context, id string, comp calls.Completion, now time.Time) (bool, error)
}

// TelephonyAccountRepo reads per-user provider integrations and persists
// trunk provisioning progress.
type TelephonyAccountRepo interface {
	FindByUser(ctx context.Context, userID string) (calls.TelephonyAccount, error)

	// SaveProvisioning overwrites the provisioning fields for userID. Called
	// after every provider-side creation step so partial progress survives a
	// crash.
	SaveProvisioning(ctx context.Context, userID string, p calls.TrunkProvisioning, now time.Time) error
}

// BatchRepo reads call batches created by the campaign surface.
type BatchRepo interface {
	ListContacts(ctx context.Context, createdBy, campaignID, batchName string) ([]calls.BatchContact, error)

	// MarkLaunched flips the launched flag on every contact of the batch.
	MarkLaunched(ctx context.Context, createdBy, campaignID, batchName string, now time.Time) error

	// ListDue returns distinct un-launched batches scheduled at or before now.
	ListDue(ctx context.Context, now time.Time) ([]calls.BatchRef, error)
}

// RecordingRepo persists recording records. Insert returns ErrDuplicate for
// a call that already has one.
type RecordingRepo interface {
	Insert(ctx context.Context, rec calls.RecordingRecord) error
	FindByCallSID(ctx context.Context, callSID string) (calls.RecordingRecord, error)
}
