package provider

import (
	"strconv"
	"strings"
	"time"
)

// Credentials authenticate one user's provider account. They arrive here
// already decrypted; this package never touches the vault.
type Credentials struct {
	AccountSID string
	AuthToken  string
}

// CallResource is the provider's call representation. Numeric and time
// fields stay as wire strings; accessors parse on demand because several
// of them are empty until the call completes.
type CallResource struct {
	SID        string `json:"sid"`
	Status     string `json:"status"`
	Duration   string `json:"duration"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Price      string `json:"price"`
	Direction  string `json:"direction"`
	From       string `json:"from"`
	CallerName string `json:"caller_name"`
	To         string `json:"to"`
}

func (c CallResource) DurationSeconds() int {
	n, err := strconv.Atoi(strings.TrimSpace(c.Duration))
	if err != nil {
		return 0
	}
	return n
}

func (c CallResource) StartedAt() *time.Time { return parseWireTime(c.StartTime) }
func (c CallResource) EndedAt() *time.Time   { return parseWireTime(c.EndTime) }

// parseWireTime handles the provider's RFC1123-with-numeric-zone timestamps.
func parseWireTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// RecordingResource references one stored call recording.
type RecordingResource struct {
	SID      string `json:"sid"`
	CallSID  string `json:"call_sid"`
	Duration string `json:"duration"`
	URI      string `json:"uri"`
}

// MediaPath converts the resource URI into the raw-audio path.
func (r RecordingResource) MediaPath() string {
	return strings.Replace(r.URI, ".json", ".mp3", 1)
}

// DomainResource is a provider SIP domain.
type DomainResource struct {
	SID          string `json:"sid"`
	DomainName   string `json:"domain_name"`
	FriendlyName string `json:"friendly_name"`
}

// TrunkResource is a provider SIP trunk bound to a domain.
type TrunkResource struct {
	SID          string `json:"sid"`
	DomainName   string `json:"domain_name"`
	FriendlyName string `json:"friendly_name"`
}

// CredentialListResource groups SIP credentials for trunk termination.
type CredentialListResource struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
}

// CredentialResource is one username entry in a credential list.
type CredentialResource struct {
	SID      string `json:"sid"`
	Username string `json:"username"`
}
