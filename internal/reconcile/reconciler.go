// Package reconcile drives dispatched calls to a final status. A discovery
// loop finds call logs without a status, claims them, and hands them to a
// bounded worker pool that polls the voice provider until the call reaches a
// terminal state, then persists the outcome exactly once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"callengine/internal/calls"
	"callengine/internal/provider"
	"callengine/internal/recording"
	"callengine/internal/store"
	"callengine/internal/vault"
)

// Fetcher is the provider surface the reconciler polls.
type Fetcher interface {
	FetchCall(ctx context.Context, creds provider.Credentials, callSID string) (provider.CallResource, error)
}

// Ingestor stores a finished call's audio. recording.ErrNoRecordings is an
// expected outcome, not a failure.
type Ingestor interface {
	Ingest(ctx context.Context, creds provider.Credentials, log calls.CallLog) (calls.RecordingRecord, error)
}

// Config bounds the reconciliation loop.
type Config struct {
	// PollInterval is the discovery scan cadence.
	PollInterval time.Duration
	// RetryInterval is the wait between provider polls for one call.
	RetryInterval time.Duration
	// MaxRetries is how many provider polls a call gets before its last
	// observed status is persisted as-is.
	MaxRetries int
	// Workers is the pool size; QueueSize bounds handoff between
	// discovery and the pool.
	Workers   int
	QueueSize int
	// ClaimTTL is how long a claim shields a log from other instances.
	ClaimTTL time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = 10 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 5
	}
	if out.Workers <= 0 {
		out.Workers = 16
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.ClaimTTL <= 0 {
		out.ClaimTTL = 10 * time.Minute
	}
	return out
}

// Reconciler owns the discovery loop and worker pool for one engine
// instance.
type Reconciler struct {
	logs     store.CallLogRepo
	accounts store.TelephonyAccountRepo
	secrets  *vault.Vault
	fetcher  Fetcher
	ingestor Ingestor
	log      *slog.Logger

	cfg        Config
	instanceID string
	clock      func() time.Time

	// inflight tracks logs currently queued or being worked by this
	// instance, so repeated scans cannot enqueue the same log twice.
	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(
	logs store.CallLogRepo,
	accounts store.TelephonyAccountRepo,
	secrets *vault.Vault,
	fetcher Fetcher,
	ingestor Ingestor,
	log *slog.Logger,
	cfg Config,
) *Reconciler {
	return &Reconciler{
		logs:       logs,
		accounts:   accounts,
		secrets:    secrets,
		fetcher:    fetcher,
		ingestor:   ingestor,
		log:        log,
		cfg:        cfg.withDefaults(),
		instanceID: uuid.NewString(),
		clock:      time.Now,
		inflight:   make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled. Discovery failures are logged and the
// next tick retries; a failing call never takes down the loop or its
// neighbors in the pool.
func (r *Reconciler) Run(ctx context.Context) {
	queue := make(chan calls.CallLog, r.cfg.QueueSize)

	var wg sync.WaitGroup
	for n := 0; n < r.cfg.Workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for log := range queue {
				r.work(ctx, log)
			}
		}()
	}

	r.log.Info("reconciler started",
		"instance_id", r.instanceID,
		"workers", r.cfg.Workers,
		"poll_interval", r.cfg.PollInterval)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			r.log.Info("reconciler stopped", "instance_id", r.instanceID)
			return
		case <-ticker.C:
			if err := r.scan(ctx, queue); err != nil {
				r.log.Error("discovery scan failed", "error", err)
			}
		}
	}
}

// scan claims unreconciled logs and enqueues them. A log already inflight on
// this instance, or claimed by a live instance elsewhere, is skipped.
func (r *Reconciler) scan(ctx context.Context, queue chan<- calls.CallLog) error {
	pending, err := r.logs.FindUnreconciled(ctx)
	if err != nil {
		return fmt.Errorf("find unreconciled: %w", err)
	}

	for _, entry := range pending {
		if !r.track(entry.ID) {
			continue
		}
		claimed, err := r.logs.Claim(ctx, entry.ID, r.instanceID, r.clock(), r.cfg.ClaimTTL)
		if err != nil {
			r.untrack(entry.ID)
			r.log.Error("claim failed", "log_id", entry.ID, "error", err)
			continue
		}
		if !claimed {
			r.untrack(entry.ID)
			continue
		}

		select {
		case queue <- entry:
		case <-ctx.Done():
			r.untrack(entry.ID)
			return ctx.Err()
		}
	}
	return nil
}

// work polls one call to resolution. Any exit path leaves the log either
// finalized or eligible for re-claim after the TTL.
func (r *Reconciler) work(ctx context.Context, entry calls.CallLog) {
	defer r.untrack(entry.ID)

	wlog := r.log.With("log_id", entry.ID, "call_sid", entry.ProviderCallSID)

	creds, err := r.credsFor(ctx, entry.UserID)
	if err != nil {
		wlog.Error("credential resolution failed", "error", err)
		return
	}

	var lastObserved calls.CallStatus
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		res, err := r.fetcher.FetchCall(ctx, creds, entry.ProviderCallSID)
		if err != nil {
			if !provider.IsTransient(err) {
				wlog.Error("provider rejected status fetch", "error", err)
				return
			}
			wlog.Warn("status fetch failed, will retry", "attempt", attempt, "error", err)
		} else {
			status := calls.CallStatus(res.Status)
			lastObserved = status
			if status.Terminal() {
				r.finalize(ctx, wlog, creds, entry, res)
				return
			}
			wlog.Debug("call still in progress", "attempt", attempt, "status", res.Status)
		}

		if attempt < r.cfg.MaxRetries {
			if !r.sleep(ctx) {
				return
			}
		}
	}

	// Retry budget spent. Persist whatever the provider last reported so
	// the log stops being rediscovered; a log that never yielded a status
	// stays unreconciled for the next claim cycle.
	if lastObserved == "" {
		wlog.Warn("retries exhausted with no observed status")
		return
	}
	updated, err := r.logs.SetStatus(ctx, entry.ID, lastObserved, r.clock())
	if err != nil {
		wlog.Error("persist exhausted status failed", "error", err)
		return
	}
	if updated {
		wlog.Warn("retries exhausted, recorded last observed status", "status", string(lastObserved))
	}
}

// finalize persists a terminal status exactly once. For completed calls the
// provider's completion fields and any recording come along; recording
// failures degrade to Recording=false rather than blocking the completion.
func (r *Reconciler) finalize(ctx context.Context, wlog *slog.Logger, creds provider.Credentials, entry calls.CallLog, res provider.CallResource) {
	status := calls.CallStatus(res.Status)
	if status != calls.CallStatusCompleted {
		updated, err := r.logs.SetStatus(ctx, entry.ID, status, r.clock())
		if err != nil {
			wlog.Error("persist final status failed", "status", res.Status, "error", err)
			return
		}
		if updated {
			wlog.Info("call reconciled", "status", res.Status)
		}
		return
	}

	comp := calls.Completion{
		DurationSeconds: res.DurationSeconds(),
		StartTime:       res.StartedAt(),
		EndTime:         res.EndedAt(),
		Price:           res.Price,
		Direction:       res.Direction,
		From:            res.From,
		To:              res.To,
	}

	rec, err := r.ingestor.Ingest(ctx, creds, entry)
	switch {
	case err == nil:
		comp.Recording = true
		comp.RecordingID = rec.ID
	case errors.Is(err, recording.ErrNoRecordings):
		wlog.Debug("call completed without recording")
	default:
		wlog.Error("recording ingest failed, completing without audio", "error", err)
	}

	updated, err := r.logs.Complete(ctx, entry.ID, comp, r.clock())
	if err != nil {
		wlog.Error("persist completion failed", "error", err)
		return
	}
	if updated {
		wlog.Info("call reconciled",
			"status", res.Status,
			"duration", comp.DurationSeconds,
			"recording", comp.Recording)
	}
}

func (r *Reconciler) credsFor(ctx context.Context, userID string) (provider.Credentials, error) {
	account, err := r.accounts.FindByUser(ctx, userID)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("load account for %s: %w", userID, err)
	}
	sid, err := r.secrets.Decrypt(account.AccountSIDEnc)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("decrypt account sid: %w", err)
	}
	token, err := r.secrets.Decrypt(account.AuthTokenEnc)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("decrypt auth token: %w", err)
	}
	return provider.Credentials{AccountSID: sid, AuthToken: token}, nil
}

func (r *Reconciler) track(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[id]; ok {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Reconciler) untrack(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// sleep waits one retry interval, returning false on cancellation.
func (r *Reconciler) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.cfg.RetryInterval):
		return true
	}
}
