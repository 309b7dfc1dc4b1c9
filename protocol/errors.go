package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TransientError marks a failure worth retrying inside the release
// window: connect or read trouble, 5xx bursts, empty bodies. The retry
// envelope around Book keys off IsTransient.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol: %s", e.Op)
	}
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// SessionExpiredError reports that the portal no longer honours the
// ci_session token. The job record survives so the user can refresh
// cookies and have timers re-armed.
type SessionExpiredError struct {
	Snippet string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("protocol: session expired, portal answered with a login page: %s", e.Snippet)
}

// RosterSaturationError is the server's "maksimal 9 anggota" reply,
// meaning a stale roster from a prior secret is still attached.
type RosterSaturationError struct {
	Message string
}

func (e *RosterSaturationError) Error() string {
	return fmt.Sprintf("protocol: roster saturated: %s", e.Message)
}

// MinRosterError is the server's "minimal 2" reply on do_booking: the
// first member never landed and the party is below the legal minimum.
type MinRosterError struct {
	Message string
}

func (e *MinRosterError) Error() string {
	return fmt.Sprintf("protocol: roster below minimum: %s", e.Message)
}

// DuplicateIdentityError is the server's "nomor identitas ganda" reply,
// left behind by a prior partial attempt with the same identities.
type DuplicateIdentityError struct {
	Message string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("protocol: duplicate identity on roster: %s", e.Message)
}

// ValidationError carries a status=false reply that fits no recovery
// class. The message is surfaced to the user verbatim.
type ValidationError struct {
	Message string
	Raw     json.RawMessage
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: server rejected request: %s", e.Message)
}

// IsTransient reports whether err is retryable by the short-window
// retry envelope.
func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

// IsSessionExpired reports whether err means the ci_session is stale.
func IsSessionExpired(err error) bool {
	var e *SessionExpiredError
	return errors.As(err, &e)
}

// IsRosterSaturation reports whether err is the "maksimal 9" reply.
func IsRosterSaturation(err error) bool {
	var e *RosterSaturationError
	return errors.As(err, &e)
}

// IsMinRoster reports whether err is the "minimal 2" reply.
func IsMinRoster(err error) bool {
	var e *MinRosterError
	return errors.As(err, &e)
}

// IsDuplicateIdentity reports whether err is the duplicate-identity reply.
func IsDuplicateIdentity(err error) bool {
	var e *DuplicateIdentityError
	return errors.As(err, &e)
}

// IsValidation reports whether err is an unclassified server rejection.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// classifyRejection maps a status=false server message onto the typed
// recovery classes. Matching is substring-based on the lowercased
// message because the portal wording shifts between deployments.
func classifyRejection(message string, raw json.RawMessage) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "maksimal 9"):
		return &RosterSaturationError{Message: message}
	case strings.Contains(lower, "minimal 2"):
		return &MinRosterError{Message: message}
	case strings.Contains(lower, "identitas ganda"):
		return &DuplicateIdentityError{Message: message}
	case strings.Contains(lower, "login") || strings.Contains(lower, "sesi anda"):
		return &SessionExpiredError{Snippet: message}
	default:
		return &ValidationError{Message: message, Raw: raw}
	}
}
