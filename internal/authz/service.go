package authz

import (
	"context"
	"sort"
	"sync"
	"time"

	"sellergate.org/internal/ids"
)

// Service defines the seller product authorization workflow.
//
// The five operations drive the state machine; the three queries read
// current state and history. Every business-rule violation comes back as a
// typed error from errors.go; implementations never mutate state on failure.
type Service interface {
	Request(ctx context.Context, in RequestInput) (Record, error)
	Approve(ctx context.Context, id, approvedBy string, expiresAt *time.Time) (Record, error)
	Reject(ctx context.Context, id, rejectedBy, reason string, cooldownDays int) (Record, error)
	Revoke(ctx context.Context, id, revokedBy, reason string) (Record, error)
	Cancel(ctx context.Context, id, sellerID string) (Record, error)

	SellerLimits(ctx context.Context, sellerID string) (SellerLimits, error)
	List(ctx context.Context, f ListFilter) (Page[Record], error)
	AuditTrail(ctx context.Context, authorizationID string, page, limit int) (Page[AuditEntry], error)
}

type pairKey struct {
	sellerID  string
	productID string
}

// InMemory implements Service with in-process concurrency safety. It is the
// reference implementation: the Postgres store in store/pg must be
// observationally equivalent.
type InMemory struct {
	mu     sync.Mutex
	cfg    Config
	now    func() time.Time
	recs   map[string]*Record
	byPair map[pairKey]string
	audit  map[string][]AuditEntry
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty engine with the given configuration.
func NewInMemory(cfg Config) *InMemory {
	return &InMemory{
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		recs:   make(map[string]*Record),
		byPair: make(map[pairKey]string),
		audit:  make(map[string][]AuditEntry),
	}
}

func (s *InMemory) Request(ctx context.Context, in RequestInput) (Record, error) {
	if !s.cfg.FeatureEnabled {
		return Record{}, ErrFeatureDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := pairKey{sellerID: in.SellerID, productID: in.ProductID}

	var rec *Record
	if id, ok := s.byPair[key]; ok {
		existing := s.recs[id]
		if err := CheckRequestable(existing, now); err != nil {
			return Record{}, err
		}
		rec = existing
	}

	// Count-then-write is atomic under the engine mutex. The pg store
	// reproduces this with a per-seller advisory lock.
	if count := s.approvedCountLocked(in.SellerID); count >= s.cfg.limit() {
		return Record{}, &LimitError{CurrentCount: count, MaxLimit: s.cfg.limit()}
	}

	if rec == nil {
		rec = &Record{
			ID:         ids.New(),
			SellerID:   in.SellerID,
			ProductID:  in.ProductID,
			SupplierID: in.SupplierID,
		}
		s.recs[rec.ID] = rec
		s.byPair[key] = rec.ID
	}

	rec.Status = StatusRequested
	rec.RequestedAt = now
	rec.SupplierID = in.SupplierID
	rec.Metadata = copyMeta(in.Metadata)
	rec.ApprovedAt = nil
	rec.ApprovedBy = ""
	rec.RejectedAt = nil
	rec.RejectedBy = ""
	rec.RejectionReason = ""
	rec.CooldownUntil = nil
	rec.RevokedAt = nil
	rec.RevokedBy = ""
	rec.RevocationReason = ""
	rec.ExpiresAt = nil

	s.appendAuditLocked(rec.ID, ActionRequest, in.SellerID, now, map[string]string{
		"supplier_id": in.SupplierID,
	})
	return cloneRecord(rec), nil
}

func (s *InMemory) Approve(ctx context.Context, id, approvedBy string, expiresAt *time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusRequested {
		return Record{}, &StatusError{Current: rec.Status, Wanted: StatusRequested}
	}

	// The request-time pass does not guarantee a slot is still free now.
	if count := s.approvedCountLocked(rec.SellerID); count >= s.cfg.limit() {
		return Record{}, &LimitError{CurrentCount: count, MaxLimit: s.cfg.limit()}
	}

	now := s.now()
	rec.Status = StatusApproved
	rec.ApprovedAt = &now
	rec.ApprovedBy = approvedBy
	if expiresAt != nil {
		t := expiresAt.UTC()
		rec.ExpiresAt = &t
	}

	details := map[string]string{}
	if rec.ExpiresAt != nil {
		details["expires_at"] = rec.ExpiresAt.Format(time.RFC3339)
	}
	s.appendAuditLocked(rec.ID, ActionApprove, approvedBy, now, details)
	return cloneRecord(rec), nil
}

func (s *InMemory) Reject(ctx context.Context, id, rejectedBy, reason string, cooldownDays int) (Record, error) {
	if err := ValidateReason(reason); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusRequested {
		return Record{}, &StatusError{Current: rec.Status, Wanted: StatusRequested}
	}

	now := s.now()
	until := CooldownEnd(s.cfg, now, cooldownDays)
	rec.Status = StatusRejected
	rec.RejectedAt = &now
	rec.RejectedBy = rejectedBy
	rec.RejectionReason = reason
	rec.CooldownUntil = &until

	s.appendAuditLocked(rec.ID, ActionReject, rejectedBy, now, map[string]string{
		"reason":         reason,
		"cooldown_until": until.Format(time.RFC3339),
	})
	return cloneRecord(rec), nil
}

func (s *InMemory) Revoke(ctx context.Context, id, revokedBy, reason string) (Record, error) {
	if err := ValidateReason(reason); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusApproved {
		return Record{}, &StatusError{Current: rec.Status, Wanted: StatusApproved}
	}

	now := s.now()
	rec.Status = StatusRevoked
	rec.RevokedAt = &now
	rec.RevokedBy = revokedBy
	rec.RevocationReason = reason

	s.appendAuditLocked(rec.ID, ActionRevoke, revokedBy, now, map[string]string{
		"reason": reason,
	})
	return cloneRecord(rec), nil
}

func (s *InMemory) Cancel(ctx context.Context, id, sellerID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok || rec.SellerID != sellerID {
		// Existence of other sellers' records must not leak.
		return Record{}, ErrNotFoundOrForbidden
	}
	if rec.Status != StatusRequested {
		return Record{}, &StatusError{Current: rec.Status, Wanted: StatusRequested}
	}

	now := s.now()
	rec.Status = StatusCancelled
	s.appendAuditLocked(rec.ID, ActionCancel, sellerID, now, nil)
	return cloneRecord(rec), nil
}

func (s *InMemory) SellerLimits(ctx context.Context, sellerID string) (SellerLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := SellerLimits{
		SellerID:  sellerID,
		MaxLimit:  s.cfg.limit(),
		Cooldowns: []ActiveCooldown{},
	}
	for _, rec := range s.recs {
		if rec.SellerID != sellerID {
			continue
		}
		switch rec.Status {
		case StatusApproved:
			out.CurrentCount++
		case StatusRejected:
			if rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil) {
				out.Cooldowns = append(out.Cooldowns, ActiveCooldown{
					ProductID:     rec.ProductID,
					CooldownUntil: *rec.CooldownUntil,
					DaysRemaining: CooldownRemainingDays(*rec.CooldownUntil, now),
					Reason:        rec.RejectionReason,
				})
			}
		}
	}
	sort.Slice(out.Cooldowns, func(i, j int) bool {
		return out.Cooldowns[i].CooldownUntil.Before(out.Cooldowns[j].CooldownUntil)
	})
	out.RemainingSlots = out.MaxLimit - out.CurrentCount
	if out.RemainingSlots < 0 {
		out.RemainingSlots = 0
	}
	return out, nil
}

func (s *InMemory) List(ctx context.Context, f ListFilter) (Page[Record], error) {
	f = f.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Record
	for _, rec := range s.recs {
		if f.SellerID != "" && rec.SellerID != f.SellerID {
			continue
		}
		if f.SupplierID != "" && rec.SupplierID != f.SupplierID {
			continue
		}
		if f.ProductID != "" && rec.ProductID != f.ProductID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		less := recordLess(matched[i], matched[j], f.SortField)
		if f.SortAsc {
			return less
		}
		return !less
	})

	total := len(matched)
	start := (f.Page - 1) * f.Limit
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	items := make([]Record, 0, end-start)
	for _, rec := range matched[start:end] {
		items = append(items, cloneRecord(rec))
	}
	return NewPage(items, total, f.Page, f.Limit), nil
}

func (s *InMemory) AuditTrail(ctx context.Context, authorizationID string, page, limit int) (Page[AuditEntry], error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[authorizationID]; !ok {
		return Page[AuditEntry]{}, ErrNotFound
	}

	entries := s.audit[authorizationID]
	total := len(entries)
	// Entries append in order; serve newest first.
	items := make([]AuditEntry, 0, limit)
	start := (page - 1) * limit
	for i := total - 1 - start; i >= 0 && len(items) < limit; i-- {
		items = append(items, entries[i])
	}
	return NewPage(items, total, page, limit), nil
}

// --- helpers ---

func (s *InMemory) approvedCountLocked(sellerID string) int {
	count := 0
	for _, rec := range s.recs {
		if rec.SellerID == sellerID && rec.Status == StatusApproved {
			count++
		}
	}
	return count
}

func (s *InMemory) appendAuditLocked(authID string, action Action, actorID string, at time.Time, details map[string]string) {
	s.audit[authID] = append(s.audit[authID], AuditEntry{
		ID:              ids.New(),
		AuthorizationID: authID,
		Action:          action,
		ActorID:         actorID,
		OccurredAt:      at,
		Details:         copyMeta(details),
	})
}

func recordLess(a, b *Record, field string) bool {
	switch field {
	case "approved_at":
		at, bt := timeOrZero(a.ApprovedAt), timeOrZero(b.ApprovedAt)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
	case "status":
		if a.Status != b.Status {
			return a.Status < b.Status
		}
	default:
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
	}
	// Stable tiebreak on id so paging never shuffles equal keys.
	return a.ID < b.ID
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func cloneRecord(rec *Record) Record {
	out := *rec
	out.ApprovedAt = copyTime(rec.ApprovedAt)
	out.RejectedAt = copyTime(rec.RejectedAt)
	out.CooldownUntil = copyTime(rec.CooldownUntil)
	out.RevokedAt = copyTime(rec.RevokedAt)
	out.ExpiresAt = copyTime(rec.ExpiresAt)
	out.Metadata = copyMeta(rec.Metadata)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
