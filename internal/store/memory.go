package store

import (
	"context"
	"sync"
	"time"

	"callengine/internal/calls"
)

// In-memory repositories for tests. They enforce the same conditional-write
// semantics as the SQL implementations so invariants are exercised without a
// database.

type MemoryCallLogs struct {
	mu   sync.Mutex
	logs map[string]calls.CallLog
}

func NewMemoryCallLogs() *MemoryCallLogs {
	return &MemoryCallLogs{logs: make(map[string]calls.CallLog)}
}

func (m *MemoryCallLogs) Insert(_ context.Context, log calls.CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[log.ID] = log
	return nil
}

func (m *MemoryCallLogs) FindUnreconciled(_ context.Context) ([]calls.CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.CallLog
	for _, l := range m.logs {
		if l.Dispatched && l.Status == "" {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryCallLogs) Claim(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok || l.Status != "" {
		return false, nil
	}
	if l.ClaimedBy != "" && l.ClaimedAt != nil && now.Sub(*l.ClaimedAt) < ttl {
		return false, nil
	}
	l.ClaimedBy = owner
	t := now
	l.ClaimedAt = &t
	l.UpdatedAt = now
	m.logs[id] = l
	return true, nil
}

func (m *MemoryCallLogs) SetStatus(_ context.Context, id string, status calls.CallStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok || l.Status != "" {
		return false, nil
	}
	l.Status = status
	l.UpdatedAt = now
	m.logs[id] = l
	return true, nil
}

func (m *MemoryCallLogs) Complete(_ context.Context, id string, comp calls.Completion, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok || l.Status != "" {
		return false, nil
	}
	l.Status = calls.CallStatusCompleted
	l.DurationSeconds = comp.DurationSeconds
	l.StartTime = comp.StartTime
	l.EndTime = comp.EndTime
	l.Price = comp.Price
	l.Direction = comp.Direction
	l.From = comp.From
	l.To = comp.To
	l.Recording = comp.Recording
	l.RecordingID = comp.RecordingID
	l.UpdatedAt = now
	m.logs[id] = l
	return true, nil
}

// Get returns a snapshot of one log for test assertions.
func (m *MemoryCallLogs) Get(id string) (calls.CallLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	return l, ok
}

// All returns a snapshot of every log.
func (m *MemoryCallLogs) All() []calls.CallLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]calls.CallLog, 0, len(m.logs))
	for _, l := range m.logs {
		out = append(out, l)
	}
	return out
}

type MemoryTelephonyAccounts struct {
	mu       sync.Mutex
	accounts map[string]calls.TelephonyAccount
}

func NewMemoryTelephonyAccounts() *MemoryTelephonyAccounts {
	return &MemoryTelephonyAccounts{accounts: make(map[string]calls.TelephonyAccount)}
}

func (m *MemoryTelephonyAccounts) Put(a calls.TelephonyAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.UserID] = a
}

func (m *MemoryTelephonyAccounts) FindByUser(_ context.Context, userID string) (calls.TelephonyAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return calls.TelephonyAccount{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryTelephonyAccounts) SaveProvisioning(_ context.Context, userID string, p calls.TrunkProvisioning, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	a.Provisioning = p
	a.UpdatedAt = now
	m.accounts[userID] = a
	return nil
}

type MemoryBatches struct {
	mu       sync.Mutex
	Contacts []calls.BatchContact
}

func NewMemoryBatches() *MemoryBatches { return &MemoryBatches{} }

func (m *MemoryBatches) ListContacts(_ context.Context, createdBy, campaignID, batchName string) ([]calls.BatchContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.BatchContact
	for _, c := range m.Contacts {
		if c.CreatedBy == createdBy && c.CampaignID == campaignID && c.BatchName == batchName {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryBatches) MarkLaunched(_ context.Context, createdBy, campaignID, batchName string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.Contacts {
		if c.CreatedBy == createdBy && c.CampaignID == campaignID && c.BatchName == batchName {
			m.Contacts[i].Launched = true
		}
	}
	return nil
}

func (m *MemoryBatches) ListDue(_ context.Context, now time.Time) ([]calls.BatchRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[calls.BatchRef]struct{})
	var out []calls.BatchRef
	for _, c := range m.Contacts {
		if c.Launched || c.ScheduledAt.After(now) {
			continue
		}
		ref := calls.BatchRef{CreatedBy: c.CreatedBy, CampaignID: c.CampaignID, BatchName: c.BatchName}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

type MemoryRecordings struct {
	mu      sync.Mutex
	byCall  map[string]calls.RecordingRecord
	Inserts int
}

func NewMemoryRecordings() *MemoryRecordings {
	return &MemoryRecordings{byCall: make(map[string]calls.RecordingRecord)}
}

func (m *MemoryRecordings) Insert(_ context.Context, rec calls.RecordingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCall[rec.ProviderCallSID]; ok {
		return ErrDuplicate
	}
	m.byCall[rec.ProviderCallSID] = rec
	m.Inserts++
	return nil
}

func (m *MemoryRecordings) FindByCallSID(_ context.Context, callSID string) (calls.RecordingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byCall[callSID]
	if !ok {
		return calls.RecordingRecord{}, ErrNotFound
	}
	return rec, nil
}
