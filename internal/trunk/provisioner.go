// Package trunk provisions per-account SIP infrastructure at the voice
// provider: a SIP domain, an elastic trunk, and a credential list wired to
// that trunk. Provisioning is idempotent per account and safe to resume
// after a partial failure.
package trunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"callengine/internal/calls"
	"callengine/internal/provider"
	"callengine/internal/store"
)

// domainSuffix is the provider's SIP termination zone.
const domainSuffix = ".pstn.twilio.com"

// lockPollInterval is how often a blocked caller re-checks the mutex.
const lockPollInterval = 200 * time.Millisecond

// ErrAccountNotProvisionable is returned when the stored account lacks the
// fields needed to derive trunk resources.
var ErrAccountNotProvisionable = errors.New("trunk: account is missing provider identifiers")

// Handle describes a ready-to-use trunk.
type Handle struct {
	TrunkSID   string
	DomainName string
	// SIPURI is the dial target for outbound calls through the trunk,
	// in the form sip:<number>@<domain>.
	SIPURI string
}

// API is the provider surface the provisioner needs.
type API interface {
	CreateDomain(ctx context.Context, creds provider.Credentials, domainName, friendlyName string) (provider.DomainResource, error)
	FindDomainByName(ctx context.Context, creds provider.Credentials, domainName string) (provider.DomainResource, error)
	CreateTrunk(ctx context.Context, creds provider.Credentials, friendlyName, domainName string) (provider.TrunkResource, error)
	FetchTrunk(ctx context.Context, creds provider.Credentials, trunkSID string) (provider.TrunkResource, error)
	FindTrunkByDomain(ctx context.Context, creds provider.Credentials, domainName string) (provider.TrunkResource, error)
	CreateCredentialList(ctx context.Context, creds provider.Credentials, friendlyName string) (provider.CredentialListResource, error)
	FindCredentialListByName(ctx context.Context, creds provider.Credentials, friendlyName string) (provider.CredentialListResource, error)
	CreateCredential(ctx context.Context, creds provider.Credentials, credentialListSID, username, password string) (provider.CredentialResource, error)
	LinkCredentialListToTrunk(ctx context.Context, creds provider.Credentials, trunkSID, credentialListSID string) error
}

// Locker is a distributed mutex keyed by string. Redis-backed in
// production, in-memory in tests.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Provisioner ensures each account has exactly one trunk. All provider
// writes happen under a per-account mutex, and every created resource is
// persisted before the next step runs.
type Provisioner struct {
	accounts store.TelephonyAccountRepo
	api      API
	locker   Locker
	log      *slog.Logger

	lockTTL time.Duration
	clock   func() time.Time
}

// New builds a Provisioner. lockTTL bounds how long a crashed holder can
// block other provisioning attempts for the same account.
func New(accounts store.TelephonyAccountRepo, api API, locker Locker, log *slog.Logger, lockTTL time.Duration) *Provisioner {
	return &Provisioner{
		accounts: accounts,
		api:      api,
		locker:   locker,
		log:      log,
		lockTTL:  lockTTL,
		clock:    time.Now,
	}
}

// EnsureTrunk returns a usable trunk for the account, creating any missing
// resources. Concurrent calls for the same user serialize on the account
// mutex; the loser observes the winner's persisted state and reuses it.
func (p *Provisioner) EnsureTrunk(ctx context.Context, userID string, creds provider.Credentials) (Handle, error) {
	if creds.AccountSID == "" {
		return Handle{}, ErrAccountNotProvisionable
	}

	token := uuid.NewString()
	key := "trunk:" + userID
	if err := p.acquire(ctx, key, token); err != nil {
		return Handle{}, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := p.locker.Release(releaseCtx, key, token); err != nil {
			p.log.Warn("trunk mutex release failed", "user_id", userID, "error", err)
		}
	}()

	// Reload under the lock; a concurrent provisioner may have finished
	// while this caller was waiting.
	account, err := p.accounts.FindByUser(ctx, userID)
	if err != nil {
		return Handle{}, fmt.Errorf("load telephony account: %w", err)
	}
	if account.PhoneNumber == "" {
		return Handle{}, ErrAccountNotProvisionable
	}

	prov := account.Provisioning
	domainName := DomainFor(creds.AccountSID)

	if prov.SIPTrunkSID != "" && prov.TrunkLinked {
		if h, ok := p.reuseExisting(ctx, creds, account, domainName); ok {
			return h, nil
		}
		// Stale state: the trunk no longer resolves at the provider.
		// Rebuild from scratch; conflicts on surviving resources are
		// resolved by lookup.
		prov = calls.TrunkProvisioning{}
	}

	if prov.DomainName == "" {
		dom, err := p.ensureDomain(ctx, creds, domainName)
		if err != nil {
			return Handle{}, err
		}
		prov.DomainName = dom.DomainName
		if err := p.save(ctx, userID, prov); err != nil {
			return Handle{}, err
		}
		p.log.Info("sip domain ready", "user_id", userID, "domain", dom.DomainName)
	}

	if prov.SIPTrunkSID == "" {
		trk, err := p.ensureTrunk(ctx, creds, userID, prov.DomainName)
		if err != nil {
			return Handle{}, err
		}
		prov.SIPTrunkSID = trk.SID
		if err := p.save(ctx, userID, prov); err != nil {
			return Handle{}, err
		}
		p.log.Info("sip trunk ready", "user_id", userID, "trunk_sid", trk.SID)
	}

	if prov.CredentialListSID == "" {
		cl, err := p.ensureCredentialList(ctx, creds, userID)
		if err != nil {
			return Handle{}, err
		}
		prov.CredentialListSID = cl.SID
		if err := p.save(ctx, userID, prov); err != nil {
			return Handle{}, err
		}
	}

	if prov.CredentialSID == "" {
		cred, err := p.api.CreateCredential(ctx, creds, prov.CredentialListSID, credentialUsername(userID), uuid.NewString())
		if err != nil {
			return Handle{}, fmt.Errorf("create sip credential: %w", err)
		}
		prov.CredentialSID = cred.SID
		if err := p.save(ctx, userID, prov); err != nil {
			return Handle{}, err
		}
	}

	if !prov.TrunkLinked {
		err := p.api.LinkCredentialListToTrunk(ctx, creds, prov.SIPTrunkSID, prov.CredentialListSID)
		if err != nil && !provider.IsConflict(err) {
			return Handle{}, fmt.Errorf("link credential list to trunk: %w", err)
		}
		prov.TrunkLinked = true
		if err := p.save(ctx, userID, prov); err != nil {
			return Handle{}, err
		}
		p.log.Info("trunk provisioning complete", "user_id", userID, "trunk_sid", prov.SIPTrunkSID)
	}

	return p.handle(account, prov), nil
}

// reuseExisting short-circuits when a persisted trunk SID still resolves at
// the provider. Any fetch failure falls through to the create path, which
// recovers via conflict handling.
func (p *Provisioner) reuseExisting(ctx context.Context, creds provider.Credentials, account calls.TelephonyAccount, domainName string) (Handle, bool) {
	prov := account.Provisioning
	if _, err := p.api.FetchTrunk(ctx, creds, prov.SIPTrunkSID); err != nil {
		p.log.Warn("persisted trunk not fetchable, re-provisioning",
			"user_id", account.UserID, "trunk_sid", prov.SIPTrunkSID, "error", err)
		return Handle{}, false
	}
	if prov.DomainName == "" {
		prov.DomainName = domainName
	}
	return p.handle(account, prov), true
}

func (p *Provisioner) ensureDomain(ctx context.Context, creds provider.Credentials, domainName string) (provider.DomainResource, error) {
	dom, err := p.api.CreateDomain(ctx, creds, domainName, "callengine outbound "+domainName)
	if err == nil {
		return dom, nil
	}
	if provider.IsConflict(err) {
		return p.api.FindDomainByName(ctx, creds, domainName)
	}
	return provider.DomainResource{}, fmt.Errorf("create sip domain: %w", err)
}

func (p *Provisioner) ensureTrunk(ctx context.Context, creds provider.Credentials, userID, domainName string) (provider.TrunkResource, error) {
	trk, err := p.api.CreateTrunk(ctx, creds, "callengine trunk "+userID, domainName)
	if err == nil {
		return trk, nil
	}
	if provider.IsConflict(err) {
		return p.api.FindTrunkByDomain(ctx, creds, domainName)
	}
	return provider.TrunkResource{}, fmt.Errorf("create trunk: %w", err)
}

func (p *Provisioner) ensureCredentialList(ctx context.Context, creds provider.Credentials, userID string) (provider.CredentialListResource, error) {
	name := credentialListName(userID)
	cl, err := p.api.CreateCredentialList(ctx, creds, name)
	if err == nil {
		return cl, nil
	}
	if provider.IsConflict(err) {
		return p.api.FindCredentialListByName(ctx, creds, name)
	}
	return provider.CredentialListResource{}, fmt.Errorf("create credential list: %w", err)
}

func (p *Provisioner) save(ctx context.Context, userID string, prov calls.TrunkProvisioning) error {
	if err := p.accounts.SaveProvisioning(ctx, userID, prov, p.clock()); err != nil {
		return fmt.Errorf("persist provisioning state: %w", err)
	}
	return nil
}

func (p *Provisioner) handle(account calls.TelephonyAccount, prov calls.TrunkProvisioning) Handle {
	return Handle{
		TrunkSID:   prov.SIPTrunkSID,
		DomainName: prov.DomainName,
		SIPURI:     "sip:" + account.PhoneNumber + "@" + prov.DomainName,
	}
}

func (p *Provisioner) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := p.locker.Acquire(ctx, key, token, p.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire trunk mutex: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// DomainFor derives the deterministic SIP domain for an account. The same
// account always maps to the same domain, which is what makes domain
// creation conflicts resolvable by lookup.
func DomainFor(accountSID string) string {
	tail := accountSID
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return strings.ToLower(tail) + domainSuffix
}

func credentialListName(userID string) string {
	return "callengine-cl-" + userID
}

func credentialUsername(userID string) string {
	u := strings.ReplaceAll(userID, "-", "")
	if len(u) > 24 {
		u = u[:24]
	}
	return "ce" + u
}
