package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestEngine(cfg Config) (*InMemory, *time.Time) {
	s := NewInMemory(cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func mustRequest(t *testing.T, s *InMemory, seller, product string) Record {
	t.Helper()
	rec, err := s.Request(context.Background(), RequestInput{
		SellerID:   seller,
		ProductID:  product,
		SupplierID: "sup-1",
	})
	if err != nil {
		t.Fatalf("request %s/%s: %v", seller, product, err)
	}
	return rec
}

func TestRequestCreatesRecord(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec, err := s.Request(ctx, RequestInput{
		SellerID:   "s-1",
		ProductID:  "p-1",
		SupplierID: "sup-1",
		Metadata:   map[string]string{"channel": "web"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Status != StatusRequested {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Metadata["channel"] != "web" {
		t.Fatalf("metadata not carried: %+v", rec.Metadata)
	}
}

func TestDuplicateRequestIsPending(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	first := mustRequest(t, s, "s-1", "p-1")
	_, err := s.Request(ctx, RequestInput{SellerID: "s-1", ProductID: "p-1", SupplierID: "sup-1"})
	if !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending, got %v", err)
	}

	// No second record may exist for the pair.
	page, err := s.List(ctx, ListFilter{SellerID: "s-1", ProductID: "p-1"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Items[0].ID != first.ID {
		t.Fatalf("expected a single record %s, got %+v", first.ID, page)
	}
}

func TestFeatureDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeatureEnabled = false
	s, _ := newTestEngine(cfg)

	_, err := s.Request(context.Background(), RequestInput{SellerID: "s-1", ProductID: "p-1", SupplierID: "sup-1"})
	if !errors.Is(err, ErrFeatureDisabled) {
		t.Fatalf("expected ErrFeatureDisabled, got %v", err)
	}
}

func TestApproveFlow(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec := mustRequest(t, s, "s-1", "p-1")
	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	approved, err := s.Approve(ctx, rec.ID, "op-1", &expires)
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != StatusApproved || approved.ApprovedBy != "op-1" {
		t.Fatalf("unexpected record: %+v", approved)
	}
	if approved.ApprovedAt == nil || approved.ExpiresAt == nil || !approved.ExpiresAt.Equal(expires) {
		t.Fatalf("timestamps not set: %+v", approved)
	}
}

func TestApproveRequiresRequested(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec := mustRequest(t, s, "s-1", "p-1")
	if _, err := s.Approve(ctx, rec.ID, "op-1", nil); err != nil {
		t.Fatal(err)
	}

	_, err := s.Approve(ctx, rec.ID, "op-1", nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Current != StatusApproved {
		t.Fatalf("error must name the current status, got %v", err)
	}
}

func TestApproveUnknownRecord(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	if _, err := s.Approve(context.Background(), "missing", "op-1", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectReasonBoundary(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec := mustRequest(t, s, "s-1", "p-1")

	if _, err := s.Reject(ctx, rec.ID, "op-1", "123456789", 0); !errors.Is(err, ErrReasonTooShort) {
		t.Fatalf("9 characters must fail, got %v", err)
	}
	rejected, err := s.Reject(ctx, rec.ID, "op-1", "1234567890", 0)
	if err != nil {
		t.Fatalf("10 characters must pass, got %v", err)
	}
	if rejected.Status != StatusRejected || rejected.CooldownUntil == nil {
		t.Fatalf("unexpected record: %+v", rejected)
	}
}

func TestCooldownLaw(t *testing.T) {
	s, now := newTestEngine(DefaultConfig())
	ctx := context.Background()
	start := *now

	rec := mustRequest(t, s, "s-1", "p-1")
	if _, err := s.Reject(ctx, rec.ID, "op-1", "quality documents missing", 30); err != nil {
		t.Fatal(err)
	}

	// Inside the window: blocked, with remaining days and the prior reason.
	*now = start.Add(29 * 24 * time.Hour)
	_, err := s.Request(ctx, RequestInput{SellerID: "s-1", ProductID: "p-1", SupplierID: "sup-1"})
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}
	var cooldownErr *CooldownError
	if !errors.As(err, &cooldownErr) {
		t.Fatalf("expected CooldownError, got %T", err)
	}
	if cooldownErr.DaysRemaining != 1 {
		t.Fatalf("expected 1 day remaining, got %d", cooldownErr.DaysRemaining)
	}
	if cooldownErr.PreviousReason != "quality documents missing" {
		t.Fatalf("prior reason not carried: %q", cooldownErr.PreviousReason)
	}

	// One second before expiry: still blocked.
	*now = start.Add(30*24*time.Hour - time.Second)
	if _, err := s.Request(ctx, RequestInput{SellerID: "s-1", ProductID: "p-1", SupplierID: "sup-1"}); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive just before expiry, got %v", err)
	}

	// At expiry: succeeds, same record id, fresh REQUESTED state.
	*now = start.Add(30 * 24 * time.Hour)
	again, err := s.Request(ctx, RequestInput{SellerID: "s-1", ProductID: "p-1", SupplierID: "sup-1"})
	if err != nil {
		t.Fatalf("re-request at cooldown end failed: %v", err)
	}
	if again.ID != rec.ID {
		t.Fatalf("re-request must reuse record id: %s != %s", again.ID, rec.ID)
	}
	if again.Status != StatusRequested {
		t.Fatalf("unexpected status: %s", again.Status)
	}
	if again.RejectedAt != nil || again.RejectionReason != "" || again.CooldownUntil != nil {
		t.Fatalf("rejection fields must reset on re-request: %+v", again)
	}
}

func TestCancelAndRerequest(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec := mustRequest(t, s, "s-1", "p-1")
	cancelled, err := s.Cancel(ctx, rec.ID, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("unexpected status: %s", cancelled.Status)
	}

	// No cooldown applies after cancellation.
	again := mustRequest(t, s, "s-1", "p-1")
	if again.ID != rec.ID || again.Status != StatusRequested {
		t.Fatalf("re-request after cancel must reuse the record: %+v", again)
	}
}

func TestCancelOwnership(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec := mustRequest(t, s, "s-b", "p-1")
	_, err := s.Cancel(ctx, rec.ID, "s-a")
	if !errors.Is(err, ErrNotFoundOrForbidden) {
		t.Fatalf("foreign cancel must not be distinguishable from missing record, got %v", err)
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec := mustRequest(t, s, "s-1", "p-1")
	if _, err := s.Approve(ctx, rec.ID, "op-1", nil); err != nil {
		t.Fatal(err)
	}
	revoked, err := s.Revoke(ctx, rec.ID, "op-1", "contract violation found")
	if err != nil {
		t.Fatal(err)
	}
	if revoked.Status != StatusRevoked {
		t.Fatalf("unexpected status: %s", revoked.Status)
	}

	// No operation may ever leave REVOKED.
	if _, err := s.Request(ctx, RequestInput{SellerID: "s-1", ProductID: "p-1", SupplierID: "sup-1"}); !errors.Is(err, ErrAuthorizationRevoked) {
		t.Fatalf("expected ErrAuthorizationRevoked, got %v", err)
	}
	if _, err := s.Approve(ctx, rec.ID, "op-1", nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := s.Revoke(ctx, rec.ID, "op-1", "second revocation attempt"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := s.Cancel(ctx, rec.ID, "s-1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}

	got, err := s.List(ctx, ListFilter{SellerID: "s-1", ProductID: "p-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Items[0].Status != StatusRevoked {
		t.Fatalf("status drifted out of REVOKED: %s", got.Items[0].Status)
	}
}

func TestRevokeRequiresApproved(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec := mustRequest(t, s, "s-1", "p-1")
	_, err := s.Revoke(ctx, rec.ID, "op-1", "still pending, cannot revoke")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestLimitScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SellerProductLimit = 10
	s, _ := newTestEngine(cfg)
	ctx := context.Background()

	var firstApproved string
	for i := 0; i < 10; i++ {
		rec := mustRequest(t, s, "s-1", fmt.Sprintf("p-%d", i))
		if _, err := s.Approve(ctx, rec.ID, "op-1", nil); err != nil {
			t.Fatal(err)
		}
		if firstApproved == "" {
			firstApproved = rec.ID
		}
	}

	_, err := s.Request(ctx, RequestInput{SellerID: "s-1", ProductID: "p-extra", SupplierID: "sup-1"})
	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.CurrentCount != 10 || limitErr.MaxLimit != 10 {
		t.Fatalf("limit payload wrong: %v", err)
	}

	// Freeing one slot unblocks the same request.
	if _, err := s.Revoke(ctx, firstApproved, "op-1", "making room for new product"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Request(ctx, RequestInput{SellerID: "s-1", ProductID: "p-extra", SupplierID: "sup-1"}); err != nil {
		t.Fatalf("request after revoke failed: %v", err)
	}
}

func TestApproveRechecksLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SellerProductLimit = 1
	s, _ := newTestEngine(cfg)
	ctx := context.Background()

	// Both requests pass the request-time check while zero are approved.
	first := mustRequest(t, s, "s-1", "p-1")
	second := mustRequest(t, s, "s-1", "p-2")

	if _, err := s.Approve(ctx, first.ID, "op-1", nil); err != nil {
		t.Fatal(err)
	}
	_, err := s.Approve(ctx, second.ID, "op-1", nil)
	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("approval-time limit re-check missing, got %v", err)
	}
}

func TestConcurrentApprovalsHonorLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SellerProductLimit = 3
	s, _ := newTestEngine(cfg)
	ctx := context.Background()

	const n = 20
	recIDs := make([]string, n)
	for i := 0; i < n; i++ {
		recIDs[i] = mustRequest(t, s, "s-1", fmt.Sprintf("p-%d", i)).ID
	}

	var wg sync.WaitGroup
	for _, id := range recIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = s.Approve(ctx, id, "op-1", nil)
		}(id)
	}
	wg.Wait()

	limits, err := s.SellerLimits(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if limits.CurrentCount > 3 {
		t.Fatalf("limit exceeded under concurrency: %d approved", limits.CurrentCount)
	}
	if limits.CurrentCount != 3 {
		t.Fatalf("expected the limit to be fully used, got %d", limits.CurrentCount)
	}
}

func TestConcurrentRequestsSinglePair(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Request(ctx, RequestInput{SellerID: "s-1", ProductID: "p-1", SupplierID: "sup-1"})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
		} else if !errors.Is(err, ErrAlreadyPending) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one successful request, got %d", created)
	}
}

func TestAuditCompleteness(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec := mustRequest(t, s, "s-1", "p-1")
	steps := []struct {
		action Action
		run    func() error
	}{
		{ActionReject, func() error {
			_, err := s.Reject(ctx, rec.ID, "op-1", "incomplete compliance docs", 0)
			return err
		}},
		{ActionRequest, func() error {
			s.now = func() time.Time { return time.Now().UTC().Add(31 * 24 * time.Hour) }
			_, err := s.Request(ctx, RequestInput{SellerID: "s-1", ProductID: "p-1", SupplierID: "sup-1"})
			return err
		}},
		{ActionApprove, func() error {
			_, err := s.Approve(ctx, rec.ID, "op-1", nil)
			return err
		}},
		{ActionRevoke, func() error {
			_, err := s.Revoke(ctx, rec.ID, "op-1", "supplier contract terminated")
			return err
		}},
	}

	seen := 1 // the initial REQUEST
	for _, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("step %s: %v", step.action, err)
		}
		seen++
		trail, err := s.AuditTrail(ctx, rec.ID, 1, 50)
		if err != nil {
			t.Fatal(err)
		}
		if trail.Total != seen {
			t.Fatalf("after %s expected %d audit rows, got %d", step.action, seen, trail.Total)
		}
		newest := trail.Items[0]
		if newest.Action != step.action || newest.AuthorizationID != rec.ID {
			t.Fatalf("newest entry mismatch after %s: %+v", step.action, newest)
		}
	}
}

func TestAuditTrailOrderAndDetails(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec := mustRequest(t, s, "s-1", "p-1")
	if _, err := s.Reject(ctx, rec.ID, "op-9", "pricing policy violation", 5); err != nil {
		t.Fatal(err)
	}

	trail, err := s.AuditTrail(ctx, rec.ID, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail.Items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(trail.Items))
	}
	if trail.Items[0].Action != ActionReject || trail.Items[1].Action != ActionRequest {
		t.Fatalf("entries not newest first: %+v", trail.Items)
	}
	reject := trail.Items[0]
	if reject.ActorID != "op-9" || reject.Details["reason"] != "pricing policy violation" {
		t.Fatalf("reject details missing: %+v", reject)
	}
	if reject.Details["cooldown_until"] == "" {
		t.Fatal("reject entry must carry the cooldown end")
	}
}

func TestAuditTrailUnknownRecord(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	if _, err := s.AuditTrail(context.Background(), "missing", 1, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSellerLimitsSummary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SellerProductLimit = 5
	s, now := newTestEngine(cfg)
	ctx := context.Background()

	a := mustRequest(t, s, "s-1", "p-approved")
	if _, err := s.Approve(ctx, a.ID, "op-1", nil); err != nil {
		t.Fatal(err)
	}
	r := mustRequest(t, s, "s-1", "p-cooling")
	if _, err := s.Reject(ctx, r.ID, "op-1", "needs updated certificates", 10); err != nil {
		t.Fatal(err)
	}
	// Another seller's records must not leak into the summary.
	b := mustRequest(t, s, "s-2", "p-other")
	if _, err := s.Approve(ctx, b.ID, "op-1", nil); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(3 * 24 * time.Hour)
	limits, err := s.SellerLimits(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if limits.CurrentCount != 1 || limits.MaxLimit != 5 || limits.RemainingSlots != 4 {
		t.Fatalf("unexpected counts: %+v", limits)
	}
	if len(limits.Cooldowns) != 1 {
		t.Fatalf("expected one active cooldown, got %+v", limits.Cooldowns)
	}
	cd := limits.Cooldowns[0]
	if cd.ProductID != "p-cooling" || cd.DaysRemaining != 7 {
		t.Fatalf("unexpected cooldown: %+v", cd)
	}
	if cd.Reason != "needs updated certificates" {
		t.Fatalf("cooldown reason missing: %+v", cd)
	}
}

func TestListFiltersAndPaging(t *testing.T) {
	s, now := newTestEngine(DefaultConfig())
	ctx := context.Background()

	base := *now
	for i := 0; i < 5; i++ {
		*now = base.Add(time.Duration(i) * time.Hour)
		mustRequest(t, s, "s-1", fmt.Sprintf("p-%d", i))
	}
	*now = base.Add(10 * time.Hour)
	other := mustRequest(t, s, "s-2", "p-x")
	if _, err := s.Approve(ctx, other.ID, "op-1", nil); err != nil {
		t.Fatal(err)
	}

	page, err := s.List(ctx, ListFilter{SellerID: "s-1", Page: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || page.TotalPages != 3 || len(page.Items) != 2 {
		t.Fatalf("unexpected page: total=%d pages=%d items=%d", page.Total, page.TotalPages, len(page.Items))
	}
	// Default order is requested_at descending.
	if page.Items[0].ProductID != "p-4" || page.Items[1].ProductID != "p-3" {
		t.Fatalf("unexpected order: %s, %s", page.Items[0].ProductID, page.Items[1].ProductID)
	}

	approved, err := s.List(ctx, ListFilter{Status: StatusApproved})
	if err != nil {
		t.Fatal(err)
	}
	if approved.Total != 1 || approved.Items[0].SellerID != "s-2" {
		t.Fatalf("status filter broken: %+v", approved)
	}

	asc, err := s.List(ctx, ListFilter{SellerID: "s-1", SortField: "requested_at", SortAsc: true, Page: 1, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if asc.Items[0].ProductID != "p-0" {
		t.Fatalf("ascending sort broken: %s", asc.Items[0].ProductID)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()

	rec, err := s.Request(ctx, RequestInput{
		SellerID: "s-1", ProductID: "p-1", SupplierID: "sup-1",
		Metadata: map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec.Metadata["k"] = "mutated"
	rec.Status = StatusRevoked

	fresh, err := s.List(ctx, ListFilter{SellerID: "s-1"})
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Items[0].Metadata["k"] != "v" || fresh.Items[0].Status != StatusRequested {
		t.Fatalf("engine state leaked through returned record: %+v", fresh.Items[0])
	}
}
