package authz

import (
	"strings"
	"time"
)

// transitions is the full state machine. REVOKED has no outgoing edge;
// REJECTED -> REQUESTED is additionally gated by the cooldown, checked in
// CheckRequestable rather than here.
var transitions = map[Status][]Status{
	StatusRequested: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:  {StatusRevoked},
	StatusRejected:  {StatusRequested},
	StatusCancelled: {StatusRequested},
	StatusRevoked:   {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckRequestable evaluates an existing record against the ordered
// re-request policy. A nil error means the record may be reused: status
// returns to REQUESTED on the same id.
func CheckRequestable(rec *Record, now time.Time) error {
	switch rec.Status {
	case StatusRevoked:
		return ErrAuthorizationRevoked
	case StatusRejected:
		if rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil) {
			return &CooldownError{
				CooldownUntil:  rec.CooldownUntil.UTC().Format(time.RFC3339),
				DaysRemaining:  CooldownRemainingDays(*rec.CooldownUntil, now),
				PreviousReason: rec.RejectionReason,
			}
		}
		return nil
	case StatusApproved:
		return ErrAlreadyApproved
	case StatusRequested:
		return ErrAlreadyPending
	case StatusCancelled:
		return nil
	default:
		return &StatusError{Current: rec.Status, Wanted: StatusRequested}
	}
}

// CooldownRemainingDays returns ceil((until - now) / 24h), at least 1 while
// the cooldown is active. Sellers are told day counts, not durations.
func CooldownRemainingDays(until, now time.Time) int {
	remaining := until.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	return days
}

// ValidateReason enforces the minimum length on rejection and revocation
// reasons. Length counts characters, not bytes.
func ValidateReason(reason string) error {
	if len([]rune(strings.TrimSpace(reason))) < MinReasonLength {
		return ErrReasonTooShort
	}
	return nil
}

// CooldownEnd computes the cooldown expiry for a rejection committed at
// rejectedAt. A non-positive override falls back to the configured default.
func CooldownEnd(cfg Config, rejectedAt time.Time, overrideDays int) time.Time {
	days := overrideDays
	if days <= 0 {
		days = cfg.cooldownDays()
	}
	return rejectedAt.Add(time.Duration(days) * 24 * time.Hour)
}
