package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"sellergate.org/internal/authz"
	"sellergate.org/internal/ids"
)

// Store implements authz.Service on PostgreSQL. Per-row serialization uses
// select ... for update; the per-seller count-then-write sequence in Request
// and Approve is scoped by a transaction-level advisory lock on the seller
// id, so two racing requests for the same seller serialize while different
// sellers proceed in parallel.
type Store struct {
	db  *sql.DB
	cfg authz.Config
	now func() time.Time
}

var _ authz.Service = (*Store)(nil)

// Open connects with tuned pool defaults; adjust under load tests.
func Open(dsn string, cfg authz.Config) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, cfg), nil
}

// New wraps an existing handle; used by tests with sqlmock.
func New(db *sql.DB, cfg authz.Config) *Store {
	return &Store{
		db:  db,
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const recordColumns = `id, seller_id, product_id, supplier_id, status, requested_at,
	approved_at, approved_by, rejected_at, rejected_by, rejection_reason, cooldown_until,
	revoked_at, revoked_by, revocation_reason, expires_at, metadata`

func (s *Store) Request(ctx context.Context, in authz.RequestInput) (authz.Record, error) {
	if !s.cfg.FeatureEnabled {
		return authz.Record{}, authz.ErrFeatureDisabled
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return authz.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockSeller(ctx, tx, in.SellerID); err != nil {
		return authz.Record{}, err
	}

	now := s.now()
	rec, err := scanRecord(tx.QueryRowContext(ctx, `
		select `+recordColumns+`
		from authorizations
		where seller_id=$1 and product_id=$2
		for update
	`, in.SellerID, in.ProductID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec = nil
	case err != nil:
		return authz.Record{}, err
	default:
		if err := authz.CheckRequestable(rec, now); err != nil {
			return authz.Record{}, err
		}
	}

	count, err := approvedCount(ctx, tx, in.SellerID)
	if err != nil {
		return authz.Record{}, err
	}
	if count >= s.cfg.SellerProductLimit {
		return authz.Record{}, &authz.LimitError{CurrentCount: count, MaxLimit: s.cfg.SellerProductLimit}
	}

	meta, err := marshalMeta(in.Metadata)
	if err != nil {
		return authz.Record{}, err
	}

	var id string
	if rec == nil {
		id = ids.New()
		if _, err := tx.ExecContext(ctx, `
			insert into authorizations(id, seller_id, product_id, supplier_id, status, requested_at, metadata)
			values ($1,$2,$3,$4,$5,$6,$7)
		`, id, in.SellerID, in.ProductID, in.SupplierID, authz.StatusRequested, now, meta); err != nil {
			return authz.Record{}, err
		}
	} else {
		// Re-request reuses the row and id; prior decision fields are reset
		// and the history lives in the audit table.
		id = rec.ID
		if _, err := tx.ExecContext(ctx, `
			update authorizations
			set status=$2, requested_at=$3, supplier_id=$4, metadata=$5,
				approved_at=null, approved_by='', rejected_at=null, rejected_by='',
				rejection_reason='', cooldown_until=null, revoked_at=null,
				revoked_by='', revocation_reason='', expires_at=null
			where id=$1
		`, id, authz.StatusRequested, now, in.SupplierID, meta); err != nil {
			return authz.Record{}, err
		}
	}

	if err := insertAudit(ctx, tx, id, authz.ActionRequest, in.SellerID, now, map[string]string{
		"supplier_id": in.SupplierID,
	}); err != nil {
		return authz.Record{}, err
	}

	out, err := scanRecord(tx.QueryRowContext(ctx, `select `+recordColumns+` from authorizations where id=$1`, id))
	if err != nil {
		return authz.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return authz.Record{}, err
	}
	return *out, nil
}

func (s *Store) Approve(ctx context.Context, id, approvedBy string, expiresAt *time.Time) (authz.Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return authz.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Learn the seller first so the advisory lock is taken before the row
	// lock, same ordering as Request.
	var sellerID string
	err = tx.QueryRowContext(ctx, `select seller_id from authorizations where id=$1`, id).Scan(&sellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Record{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Record{}, err
	}
	if err := lockSeller(ctx, tx, sellerID); err != nil {
		return authz.Record{}, err
	}

	rec, err := lockRecord(ctx, tx, id)
	if err != nil {
		return authz.Record{}, err
	}
	if rec.Status != authz.StatusRequested {
		return authz.Record{}, &authz.StatusError{Current: rec.Status, Wanted: authz.StatusRequested}
	}

	// A request-time pass does not guarantee a free slot now.
	count, err := approvedCount(ctx, tx, rec.SellerID)
	if err != nil {
		return authz.Record{}, err
	}
	if count >= s.cfg.SellerProductLimit {
		return authz.Record{}, &authz.LimitError{CurrentCount: count, MaxLimit: s.cfg.SellerProductLimit}
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		update authorizations
		set status=$2, approved_at=$3, approved_by=$4, expires_at=$5
		where id=$1
	`, id, authz.StatusApproved, now, approvedBy, nullTime(expiresAt)); err != nil {
		return authz.Record{}, err
	}

	details := map[string]string{}
	if expiresAt != nil {
		details["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	if err := insertAudit(ctx, tx, id, authz.ActionApprove, approvedBy, now, details); err != nil {
		return authz.Record{}, err
	}
	return s.commitAndReload(ctx, tx, id)
}

func (s *Store) Reject(ctx context.Context, id, rejectedBy, reason string, cooldownDays int) (authz.Record, error) {
	if err := authz.ValidateReason(reason); err != nil {
		return authz.Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return authz.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := lockRecord(ctx, tx, id)
	if err != nil {
		return authz.Record{}, err
	}
	if rec.Status != authz.StatusRequested {
		return authz.Record{}, &authz.StatusError{Current: rec.Status, Wanted: authz.StatusRequested}
	}

	now := s.now()
	until := authz.CooldownEnd(s.cfg, now, cooldownDays)
	if _, err := tx.ExecContext(ctx, `
		update authorizations
		set status=$2, rejected_at=$3, rejected_by=$4, rejection_reason=$5, cooldown_until=$6
		where id=$1
	`, id, authz.StatusRejected, now, rejectedBy, reason, until); err != nil {
		return authz.Record{}, err
	}

	if err := insertAudit(ctx, tx, id, authz.ActionReject, rejectedBy, now, map[string]string{
		"reason":         reason,
		"cooldown_until": until.Format(time.RFC3339),
	}); err != nil {
		return authz.Record{}, err
	}
	return s.commitAndReload(ctx, tx, id)
}

func (s *Store) Revoke(ctx context.Context, id, revokedBy, reason string) (authz.Record, error) {
	if err := authz.ValidateReason(reason); err != nil {
		return authz.Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return authz.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := lockRecord(ctx, tx, id)
	if err != nil {
		return authz.Record{}, err
	}
	if rec.Status != authz.StatusApproved {
		return authz.Record{}, &authz.StatusError{Current: rec.Status, Wanted: authz.StatusApproved}
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		update authorizations
		set status=$2, revoked_at=$3, revoked_by=$4, revocation_reason=$5
		where id=$1
	`, id, authz.StatusRevoked, now, revokedBy, reason); err != nil {
		return authz.Record{}, err
	}

	if err := insertAudit(ctx, tx, id, authz.ActionRevoke, revokedBy, now, map[string]string{
		"reason": reason,
	}); err != nil {
		return authz.Record{}, err
	}
	return s.commitAndReload(ctx, tx, id)
}

func (s *Store) Cancel(ctx context.Context, id, sellerID string) (authz.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return authz.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := lockRecord(ctx, tx, id)
	if errors.Is(err, authz.ErrNotFound) || (err == nil && rec.SellerID != sellerID) {
		// One error for both causes so other sellers' records do not leak.
		return authz.Record{}, authz.ErrNotFoundOrForbidden
	}
	if err != nil {
		return authz.Record{}, err
	}
	if rec.Status != authz.StatusRequested {
		return authz.Record{}, &authz.StatusError{Current: rec.Status, Wanted: authz.StatusRequested}
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		update authorizations set status=$2 where id=$1
	`, id, authz.StatusCancelled); err != nil {
		return authz.Record{}, err
	}

	if err := insertAudit(ctx, tx, id, authz.ActionCancel, sellerID, now, nil); err != nil {
		return authz.Record{}, err
	}
	return s.commitAndReload(ctx, tx, id)
}

func (s *Store) SellerLimits(ctx context.Context, sellerID string) (authz.SellerLimits, error) {
	out := authz.SellerLimits{
		SellerID:  sellerID,
		MaxLimit:  s.cfg.SellerProductLimit,
		Cooldowns: []authz.ActiveCooldown{},
	}

	err := s.db.QueryRowContext(ctx, `
		select count(*) from authorizations where seller_id=$1 and status=$2
	`, sellerID, authz.StatusApproved).Scan(&out.CurrentCount)
	if err != nil {
		return authz.SellerLimits{}, err
	}

	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		select product_id, cooldown_until, rejection_reason
		from authorizations
		where seller_id=$1 and status=$2 and cooldown_until > $3
		order by cooldown_until asc
	`, sellerID, authz.StatusRejected, now)
	if err != nil {
		return authz.SellerLimits{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var cd authz.ActiveCooldown
		if err := rows.Scan(&cd.ProductID, &cd.CooldownUntil, &cd.Reason); err != nil {
			return authz.SellerLimits{}, err
		}
		cd.DaysRemaining = authz.CooldownRemainingDays(cd.CooldownUntil, now)
		out.Cooldowns = append(out.Cooldowns, cd)
	}
	if err := rows.Err(); err != nil {
		return authz.SellerLimits{}, err
	}

	out.RemainingSlots = out.MaxLimit - out.CurrentCount
	if out.RemainingSlots < 0 {
		out.RemainingSlots = 0
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, f authz.ListFilter) (authz.Page[authz.Record], error) {
	f = f.Normalize()

	where, args := buildFilter(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from authorizations`+where, args...).Scan(&total); err != nil {
		return authz.Page[authz.Record]{}, err
	}

	order := "order by " + sortColumn(f.SortField)
	if f.SortAsc {
		order += " asc"
	} else {
		order += " desc"
	}
	order += ", id desc"

	offset := (f.Page - 1) * f.Limit
	query := fmt.Sprintf(`select %s from authorizations%s %s limit $%d offset $%d`,
		recordColumns, where, order, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, offset)...)
	if err != nil {
		return authz.Page[authz.Record]{}, err
	}
	defer rows.Close()

	items := make([]authz.Record, 0, f.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return authz.Page[authz.Record]{}, err
		}
		items = append(items, *rec)
	}
	if err := rows.Err(); err != nil {
		return authz.Page[authz.Record]{}, err
	}
	return authz.NewPage(items, total, f.Page, f.Limit), nil
}

func (s *Store) AuditTrail(ctx context.Context, authorizationID string, page, limit int) (authz.Page[authz.AuditEntry], error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from authorizations where id=$1)`, authorizationID).Scan(&exists)
	if err != nil {
		return authz.Page[authz.AuditEntry]{}, err
	}
	if !exists {
		return authz.Page[authz.AuditEntry]{}, authz.ErrNotFound
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from authorization_audit where authorization_id=$1
	`, authorizationID).Scan(&total); err != nil {
		return authz.Page[authz.AuditEntry]{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, authorization_id, action, actor_id, occurred_at, details
		from authorization_audit
		where authorization_id=$1
		order by occurred_at desc, id desc
		limit $2 offset $3
	`, authorizationID, limit, (page-1)*limit)
	if err != nil {
		return authz.Page[authz.AuditEntry]{}, err
	}
	defer rows.Close()

	items := make([]authz.AuditEntry, 0, limit)
	for rows.Next() {
		var entry authz.AuditEntry
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.AuthorizationID, &entry.Action, &entry.ActorID, &entry.OccurredAt, &details); err != nil {
			return authz.Page[authz.AuditEntry]{}, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return authz.Page[authz.AuditEntry]{}, err
			}
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return authz.Page[authz.AuditEntry]{}, err
	}
	return authz.NewPage(items, total, page, limit), nil
}

// --- helpers ---

func lockSeller(ctx context.Context, tx *sql.Tx, sellerID string) error {
	_, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, sellerID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func lockRecord(ctx context.Context, tx *sql.Tx, id string) (*authz.Record, error) {
	rec, err := scanRecord(tx.QueryRowContext(ctx, `
		select `+recordColumns+` from authorizations where id=$1 for update
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	return rec, err
}

func scanRecord(row rowScanner) (*authz.Record, error) {
	var rec authz.Record
	var approvedAt, rejectedAt, cooldownUntil, revokedAt, expiresAt sql.NullTime
	var meta []byte
	err := row.Scan(
		&rec.ID, &rec.SellerID, &rec.ProductID, &rec.SupplierID, &rec.Status, &rec.RequestedAt,
		&approvedAt, &rec.ApprovedBy, &rejectedAt, &rec.RejectedBy, &rec.RejectionReason, &cooldownUntil,
		&revokedAt, &rec.RevokedBy, &rec.RevocationReason, &expiresAt, &meta,
	)
	if err != nil {
		return nil, err
	}
	rec.ApprovedAt = timePtr(approvedAt)
	rec.RejectedAt = timePtr(rejectedAt)
	rec.CooldownUntil = timePtr(cooldownUntil)
	rec.RevokedAt = timePtr(revokedAt)
	rec.ExpiresAt = timePtr(expiresAt)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, err
		}
		if len(rec.Metadata) == 0 {
			rec.Metadata = nil
		}
	}
	return &rec, nil
}

func approvedCount(ctx context.Context, tx *sql.Tx, sellerID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		select count(*) from authorizations where seller_id=$1 and status=$2
	`, sellerID, authz.StatusApproved).Scan(&count)
	return count, err
}

func insertAudit(ctx context.Context, tx *sql.Tx, authID string, action authz.Action, actorID string, at time.Time, details map[string]string) error {
	payload, err := marshalMeta(details)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into authorization_audit(id, authorization_id, action, actor_id, occurred_at, details)
		values ($1,$2,$3,$4,$5,$6)
	`, ids.New(), authID, action, actorID, at, payload)
	return err
}

func (s *Store) commitAndReload(ctx context.Context, tx *sql.Tx, id string) (authz.Record, error) {
	rec, err := scanRecord(tx.QueryRowContext(ctx, `select `+recordColumns+` from authorizations where id=$1`, id))
	if err != nil {
		return authz.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return authz.Record{}, err
	}
	return *rec, nil
}

func buildFilter(f authz.ListFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if f.SellerID != "" {
		add("seller_id", f.SellerID)
	}
	if f.SupplierID != "" {
		add("supplier_id", f.SupplierID)
	}
	if f.ProductID != "" {
		add("product_id", f.ProductID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " where " + strings.Join(clauses, " and "), args
}

func sortColumn(field string) string {
	switch field {
	case "approved_at", "status":
		return field
	default:
		return "requested_at"
	}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func marshalMeta(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}
