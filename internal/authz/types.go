package authz

import (
	"time"
)

// Status is the current state of one (seller, product) authorization.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusRevoked   Status = "REVOKED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusApproved, StatusRejected, StatusRevoked, StatusCancelled:
		return true
	}
	return false
}

// Action names a committed state transition in the audit trail.
type Action string

const (
	ActionRequest Action = "REQUEST"
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
	ActionRevoke  Action = "REVOKE"
	ActionCancel  Action = "CANCEL"
)

// Record is the mutable authorization state for one (seller, product) pair.
// At most one record exists per pair; re-requests after rejection or
// cancellation reuse the same row and id.
type Record struct {
	ID         string `json:"id"`
	SellerID   string `json:"seller_id"`
	ProductID  string `json:"product_id"`
	SupplierID string `json:"supplier_id"`
	Status     Status `json:"status"`

	RequestedAt time.Time `json:"requested_at"`

	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`

	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`

	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`

	// ExpiresAt is advisory only; the engine never transitions a record
	// because it passed. Enforcement belongs to the gate cache.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// AuditEntry is one append-only row per committed transition. Entries are
// never mutated or deleted; together they are the durable history the
// record's current snapshot cannot reconstruct.
type AuditEntry struct {
	ID              string            `json:"id"`
	AuthorizationID string            `json:"authorization_id"`
	Action          Action            `json:"action"`
	ActorID         string            `json:"actor_id"`
	OccurredAt      time.Time         `json:"occurred_at"`
	Details         map[string]string `json:"details,omitempty"`
}

// Config carries the tunable workflow parameters. It is injected at
// construction and read per operation, never ambient process state.
type Config struct {
	FeatureEnabled     bool
	SellerProductLimit int
	CooldownDays       int
}

const (
	DefaultSellerProductLimit = 10
	DefaultCooldownDays       = 30
)

// DefaultConfig returns the enabled configuration with stock limits.
func DefaultConfig() Config {
	return Config{
		FeatureEnabled:     true,
		SellerProductLimit: DefaultSellerProductLimit,
		CooldownDays:       DefaultCooldownDays,
	}
}

func (c Config) limit() int {
	if c.SellerProductLimit > 0 {
		return c.SellerProductLimit
	}
	return DefaultSellerProductLimit
}

func (c Config) cooldownDays() int {
	if c.CooldownDays > 0 {
		return c.CooldownDays
	}
	return DefaultCooldownDays
}

// RequestInput is the payload of the request operation.
type RequestInput struct {
	SellerID   string
	ProductID  string
	SupplierID string
	Metadata   map[string]string
}

// SellerLimits summarizes a seller's position against the approved-product
// limit, including products currently blocked by a rejection cooldown.
type SellerLimits struct {
	SellerID       string           `json:"seller_id"`
	CurrentCount   int              `json:"current_count"`
	MaxLimit       int              `json:"max_limit"`
	RemainingSlots int              `json:"remaining_slots"`
	Cooldowns      []ActiveCooldown `json:"cooldowns"`
}

// ActiveCooldown annotates one rejected product still inside its cooldown.
type ActiveCooldown struct {
	ProductID     string    `json:"product_id"`
	CooldownUntil time.Time `json:"cooldown_until"`
	DaysRemaining int       `json:"days_remaining"`
	Reason        string    `json:"reason,omitempty"`
}

// ListFilter narrows and pages the list query. Zero values mean "any".
type ListFilter struct {
	SellerID   string
	SupplierID string
	ProductID  string
	Status     Status

	Page  int
	Limit int

	// SortField is one of requested_at, approved_at, status.
	// Default ordering is requested_at descending.
	SortField string
	SortAsc   bool
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Normalize clamps paging values into their allowed ranges.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > maxPageLimit {
		f.Limit = defaultPageLimit
	}
	switch f.SortField {
	case "requested_at", "approved_at", "status":
	default:
		f.SortField = "requested_at"
		f.SortAsc = false
	}
	return f
}

// Page is one page of results together with the total match count.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	PageNumber int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"total_pages"`
}

// NewPage assembles a page envelope from already-sliced items.
func NewPage[T any](items []T, total, page, limit int) Page[T] {
	totalPages := total / limit
	if total%limit != 0 {
		totalPages++
	}
	return Page[T]{Items: items, Total: total, PageNumber: page, Limit: limit, TotalPages: totalPages}
}
