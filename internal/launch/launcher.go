// Package launch turns a named contact batch into dispatched outbound calls.
// A batch launches at most once; each dispatched call is recorded as a call
// log awaiting reconciliation.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"callengine/internal/calls"
	"callengine/internal/provider"
	"callengine/internal/store"
	"callengine/internal/trunk"
	"callengine/internal/vault"
)

var (
	// ErrBatchNotFound means no contacts exist for the requested batch.
	ErrBatchNotFound = errors.New("launch: batch not found")

	// ErrNoIntegration means the user has no telephony account on file.
	ErrNoIntegration = errors.New("launch: no telephony integration for user")

	// ErrBatchAlreadyLaunched rejects re-launching a consumed batch.
	ErrBatchAlreadyLaunched = errors.New("launch: batch already launched")
)

// Dialer is the provider surface needed to place calls.
type Dialer interface {
	CreateCall(ctx context.Context, creds provider.Credentials, to, from, script string) (provider.CallResource, error)
}

// TrunkEnsurer provides a ready trunk for an account.
type TrunkEnsurer interface {
	EnsureTrunk(ctx context.Context, userID string, creds provider.Credentials) (trunk.Handle, error)
}

// Result summarizes one batch launch.
type Result struct {
	BatchName  string `json:"batch_name"`
	Dispatched int    `json:"dispatched"`
	Failed     int    `json:"failed"`
}

// Launcher dispatches call batches through a provisioned trunk.
type Launcher struct {
	batches  store.BatchRepo
	accounts store.TelephonyAccountRepo
	logs     store.CallLogRepo
	secrets  *vault.Vault
	trunks   TrunkEnsurer
	dialer   Dialer
	log      *slog.Logger
	clock    func() time.Time
}

func New(
	batches store.BatchRepo,
	accounts store.TelephonyAccountRepo,
	logs store.CallLogRepo,
	secrets *vault.Vault,
	trunks TrunkEnsurer,
	dialer Dialer,
	log *slog.Logger,
) *Launcher {
	return &Launcher{
		batches:  batches,
		accounts: accounts,
		logs:     logs,
		secrets:  secrets,
		trunks:   trunks,
		dialer:   dialer,
		log:      log,
		clock:    time.Now,
	}
}

// Launch dispatches every contact in the batch. One failing contact does not
// abort the rest; the result reports both counts. The batch is marked
// consumed even when some contacts fail, so a retry cannot double-dial the
// ones that went out.
func (l *Launcher) Launch(ctx context.Context, userID, campaignID, batchName string) (Result, error) {
	contacts, err := l.batches.ListContacts(ctx, userID, campaignID, batchName)
	if err != nil {
		return Result{}, fmt.Errorf("list batch contacts: %w", err)
	}
	if len(contacts) == 0 {
		return Result{}, ErrBatchNotFound
	}
	for _, c := range contacts {
		if c.Launched {
			return Result{}, ErrBatchAlreadyLaunched
		}
	}

	account, err := l.accounts.FindByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, ErrNoIntegration
		}
		return Result{}, fmt.Errorf("load telephony account: %w", err)
	}

	creds, err := l.decryptCreds(account)
	if err != nil {
		return Result{}, err
	}

	handle, err := l.trunks.EnsureTrunk(ctx, userID, creds)
	if err != nil {
		return Result{}, fmt.Errorf("ensure trunk: %w", err)
	}

	res := Result{BatchName: batchName}
	for _, contact := range contacts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := l.dispatch(ctx, creds, handle, contact); err != nil {
			res.Failed++
			l.log.Error("contact dispatch failed",
				"batch", batchName, "campaign_id", campaignID,
				"phone", contact.PhoneNumber, "error", err)
			continue
		}
		res.Dispatched++
	}

	if err := l.batches.MarkLaunched(ctx, userID, campaignID, batchName, l.clock()); err != nil {
		return res, fmt.Errorf("mark batch launched: %w", err)
	}

	l.log.Info("batch launched",
		"batch", batchName, "campaign_id", campaignID, "user_id", userID,
		"dispatched", res.Dispatched, "failed", res.Failed)
	return res, nil
}

func (l *Launcher) dispatch(ctx context.Context, creds provider.Credentials, handle trunk.Handle, contact calls.BatchContact) error {
	resource, err := l.dialer.CreateCall(ctx, creds, contact.PhoneNumber, handle.SIPURI, contact.Template)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}

	now := l.clock()
	entry := calls.CallLog{
		ID:              uuid.NewString(),
		CampaignID:      contact.CampaignID,
		BatchName:       contact.BatchName,
		UserID:          contact.CreatedBy,
		ProviderCallSID: resource.SID,
		Template:        contact.Template,
		Dispatched:      true,
		From:            handle.SIPURI,
		To:              contact.PhoneNumber,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.logs.Insert(ctx, entry); err != nil {
		// The call is already in flight at the provider; surface the
		// write failure loudly since reconciliation will never see it.
		return fmt.Errorf("record dispatched call %s: %w", resource.SID, err)
	}
	return nil
}

func (l *Launcher) decryptCreds(account calls.TelephonyAccount) (provider.Credentials, error) {
	sid, err := l.secrets.Decrypt(account.AccountSIDEnc)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("decrypt account sid: %w", err)
	}
	token, err := l.secrets.Decrypt(account.AuthTokenEnc)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("decrypt auth token: %w", err)
	}
	return provider.Credentials{AccountSID: sid, AuthToken: token}, nil
}
