package calls

import "time"

// CallLog is one outbound call attempt: one row per destination contact per
// batch. It is created at dispatch time with no status; the reconciler sets
// call_status exactly once when the provider reports a terminal outcome (or
// when the retry budget is exhausted, with the last observed status).
//
// Absence of Status is the "not yet reconciled" sentinel, not a distinct
// state. Once terminal, Status is never overwritten.
type CallLog struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	BatchName  string `json:"batch_name" db:"batch_name"`
	UserID     string `json:"user_id" db:"user_id"`

	ProviderCallSID string `json:"provider_call_sid" db:"provider_call_sid"`

	// Template is the rendered call script handed to the voice pipeline.
	Template string `json:"template" db:"template"`

	// Dispatched marks the log as discoverable by the reconciler
	// (serialized as twilio_call_flag for compatibility with existing rows).
	Dispatched bool `json:"twilio_call_flag" db:"dispatched"`

	Status CallStatus `json:"call_status,omitempty" db:"call_status"`

	// Completion-only fields, populated when Status becomes "completed".
	DurationSeconds int        `json:"call_duration,omitempty" db:"call_duration"`
	StartTime       *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty" db:"end_time"`
	Price           string     `json:"price,omitempty" db:"price"`
	Direction       string     `json:"direction,omitempty" db:"direction"`
	From            string     `json:"from,omitempty" db:"from_number"`
	To              string     `json:"to,omitempty" db:"to_number"`
	Recording       bool       `json:"recording" db:"recording"`
	RecordingID     string     `json:"recording_id,omitempty" db:"recording_id"`

	// Claim fields let multiple reconciler instances share discovery safely:
	// a log is only worked by the instance whose conditional claim succeeded.
	ClaimedBy string     `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CallStatus values are the provider's wire strings, not internal enums,
// because they round-trip through status fetch responses unchanged.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCanceled   CallStatus = "canceled"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusBusy       CallStatus = "busy"
)

// Terminal reports whether no further state change is expected for s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusCanceled, CallStatusNoAnswer, CallStatusBusy:
		return true
	default:
		return false
	}
}

// Completion carries the extra fields persisted alongside a "completed"
// status. Recording is true iff a RecordingRecord was created for the call.
type Completion struct {
	DurationSeconds int
	StartTime       *time.Time
	EndTime         *time.Time
	Price           string
	Direction       string
	From            string
	To              string
	Recording       bool
	RecordingID     string
}

// TelephonyAccount is the per-user provider integration. Credential fields
// hold vault ciphertext; decryption happens at the point of use, never at
// rest.
//
// Provisioning invariant: trunk resources are created at most once per
// account. Each identifier is persisted as soon as the provider returns it,
// so a crash mid-provisioning leaves resumable partial state.
type TelephonyAccount struct {
	UserID   string `json:"user_id" db:"user_id"`
	Provider string `json:"voice_provider" db:"provider"`

	AccountSIDEnc string `json:"-" db:"account_sid_enc"`
	AuthTokenEnc  string `json:"-" db:"auth_token_enc"`

	PhoneNumber string `json:"phone_number" db:"phone_number"`

	Provisioning TrunkProvisioning `json:"provisioning"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ProviderTwilio is the only voice provider currently integrated.
const ProviderTwilio = "TWILIO"

// TrunkProvisioning records provider-side SIP resources as they are created.
// Zero values mean "not created yet".
type TrunkProvisioning struct {
	DomainName        string `json:"domain_name" db:"domain_name"`
	SIPTrunkSID       string `json:"sip_trunk_sid" db:"sip_trunk_sid"`
	CredentialListSID string `json:"credential_list_sid" db:"credential_list_sid"`
	CredentialSID     string `json:"credential_sid" db:"credential_sid"`
	TrunkLinked       bool   `json:"trunk_linked" db:"trunk_linked"`
}

// RecordingRecord links a completed call to its stored audio blob.
// Created at most once per call; never mutated.
type RecordingRecord struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	ProviderCallSID string    `json:"provider_call_sid" db:"provider_call_sid"`
	CampaignID      string    `json:"campaign_id" db:"campaign_id"`
	BatchName       string    `json:"batch_name" db:"batch_name"`
	DurationSeconds int       `json:"call_duration" db:"call_duration"`
	PhoneNumber     string    `json:"phone_number" db:"phone_number"`
	BlobID          string    `json:"file_id" db:"blob_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// BatchContact is one destination in a named call batch. Batches are created
// by the campaign CRUD surface (out of scope here); the launcher validates
// and consumes them.
type BatchContact struct {
	ID          string    `json:"id" db:"id"`
	CreatedBy   string    `json:"created_by" db:"created_by"`
	BatchName   string    `json:"batch_name" db:"batch_name"`
	CampaignID  string    `json:"campaign_id" db:"campaign_id"`
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	Template    string    `json:"template" db:"template"`
	ScheduledAt time.Time `json:"scheduled_at" db:"scheduled_at"`
	Launched    bool      `json:"launched" db:"launched"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// BatchRef identifies a batch (the unit of launch) rather than a contact.
type BatchRef struct {
	CreatedBy  string `json:"created_by"`
	CampaignID string `json:"campaign_id"`
	BatchName  string `json:"batch_name"`
}
