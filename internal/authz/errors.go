package authz

import (
	"errors"
	"fmt"
)

// Sentinel errors for every business-rule violation. Callers branch with
// errors.Is; CooldownError and LimitError additionally carry payloads and
// unwrap to their sentinels.
var (
	ErrFeatureDisabled      = errors.New("seller product authorization is disabled")
	ErrNotFound             = errors.New("authorization not found")
	ErrNotFoundOrForbidden  = errors.New("authorization not found")
	ErrAlreadyPending       = errors.New("authorization request already pending")
	ErrAlreadyApproved      = errors.New("authorization already approved")
	ErrAuthorizationRevoked = errors.New("authorization was revoked and cannot be requested again")
	ErrCooldownActive       = errors.New("rejection cooldown is still active")
	ErrLimitReached         = errors.New("seller approved product limit reached")
	ErrInvalidStatus        = errors.New("operation not valid for current status")
	ErrReasonTooShort       = errors.New("reason must be at least 10 characters")
)

// MinReasonLength applies to rejection and revocation reasons.
const MinReasonLength = 10

// CooldownError reports a re-request blocked by an active cooldown.
type CooldownError struct {
	CooldownUntil  string
	DaysRemaining  int
	PreviousReason string
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("rejection cooldown is still active: %d day(s) remaining", e.DaysRemaining)
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

// LimitError reports a request or approval blocked by the per-seller limit.
type LimitError struct {
	CurrentCount int
	MaxLimit     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("seller approved product limit reached (%d/%d)", e.CurrentCount, e.MaxLimit)
}

func (e *LimitError) Unwrap() error { return ErrLimitReached }

// StatusError reports a transition attempted from an incompatible state.
type StatusError struct {
	Current Status
	Wanted  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("operation requires status %s, current status is %s", e.Wanted, e.Current)
}

func (e *StatusError) Unwrap() error { return ErrInvalidStatus }
