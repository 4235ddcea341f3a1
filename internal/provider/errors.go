package provider

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is the provider's structured error body. Callers classify it
// with the helpers below instead of matching strings ad hoc: conflicts
// trigger the list-and-match fallback during provisioning, not-found drives
// trunk re-creation, and transient errors are retry-eligible.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: %s (code %d, status %d)", e.Message, e.Code, e.Status)
}

// IsNotFound reports a 404 on a specific resource.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == 404
}

// IsConflict reports an "already exists" class of creation failure.
func IsConflict(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	if ae.Status == 409 {
		return true
	}
	return ae.Status == 400 && strings.Contains(strings.ToLower(ae.Message), "already exists")
}

// IsTransient reports an error worth retrying: provider 5xx, rate limiting,
// or anything that never produced a structured body (network failures,
// timeouts).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500 || ae.Status == 429
	}
	return true
}
