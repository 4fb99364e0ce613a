// Package pg implements the repo.Store port on Postgres through pgx.
package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"policylens/internal/domain"
	"policylens/internal/repo"
)

type Store struct {
	Pool *pgxpool.Pool
}

var _ repo.Store = Store{}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s Store) WithTx(ctx context.Context, fn func(repo.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	q queryer
}

func (t pgTx) GetPolicy(ctx context.Context, id string) (domain.Policy, error) {
	return getPolicy(ctx, t.q, `id=$1`, id)
}

func (t pgTx) LockClaim(ctx context.Context, id string) (domain.Claim, error) {
	row := t.q.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims c JOIN policies p ON p.id=c.policy_id WHERE c.id=$1 FOR UPDATE OF c`, id)
	c, err := scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, repo.ErrNotFound
	}
	return c, err
}

func (t pgTx) InsertClaim(ctx context.Context, c domain.Claim) error {
	_, err := t.q.Exec(ctx, `INSERT INTO claims(id,policy_id,claim_type,status,priority,summary,created_by,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.PolicyID, string(c.ClaimType), string(c.Status), string(c.Priority), c.Summary, c.CreatedBy, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	return mapErr(err)
}

func (t pgTx) UpdateClaimStatus(ctx context.Context, id string, status domain.ClaimStatus, updatedAt time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE claims SET status=$1, updated_at=$2 WHERE id=$3`, string(status), updatedAt.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (t pgTx) InsertDocument(ctx context.Context, d domain.ClaimDocument) error {
	_, err := t.q.Exec(ctx, `INSERT INTO claim_documents(id,claim_id,original_filename,content_type,size_bytes,storage_key,uploaded_by,uploaded_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.ClaimID, d.OriginalFilename, d.ContentType, d.SizeBytes, d.StorageKey, d.UploadedBy, d.UploadedAt.UTC())
	return mapErr(err)
}

func (t pgTx) InsertNote(ctx context.Context, n domain.InternalNote) error {
	_, err := t.q.Exec(ctx, `INSERT INTO internal_notes(id,claim_id,body,created_by,created_at) VALUES ($1,$2,$3,$4,$5)`,
		n.ID, n.ClaimID, n.Body, n.CreatedBy, n.CreatedAt.UTC())
	return mapErr(err)
}

func (t pgTx) InsertDecision(ctx context.Context, d domain.ReviewDecision) error {
	_, err := t.q.Exec(ctx, `INSERT INTO review_decisions(id,claim_id,decision,notes,decided_by,decided_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		d.ID, d.ClaimID, string(d.Decision), d.Notes, d.DecidedBy, d.DecidedAt.UTC())
	return mapErr(err)
}

func (t pgTx) AppendAuditEvent(ctx context.Context, evt domain.AuditEvent) (domain.AuditEvent, error) {
	payload := string(evt.Payload)
	if payload == "" {
		payload = "{}"
	}
	err := t.q.QueryRow(ctx, `INSERT INTO audit_events(claim_id,event_type,actor,payload,created_at) VALUES ($1,$2,$3,$4::jsonb,$5) RETURNING id`,
		evt.ClaimID, evt.EventType, evt.Actor, payload, evt.CreatedAt.UTC()).Scan(&evt.ID)
	return evt, mapErr(err)
}

func (s Store) InsertPolicyHolder(ctx context.Context, h domain.PolicyHolder) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO policy_holders(id,full_name,email,phone,created_at) VALUES ($1,$2,$3,$4,$5)`,
		h.ID, h.FullName, h.Email, h.Phone, h.CreatedAt.UTC())
	return mapErr(err)
}

func (s Store) GetPolicyHolder(ctx context.Context, id string) (domain.PolicyHolder, error) {
	var h domain.PolicyHolder
	err := s.Pool.QueryRow(ctx, `SELECT id,full_name,email,phone,created_at FROM policy_holders WHERE id=$1`, id).
		Scan(&h.ID, &h.FullName, &h.Email, &h.Phone, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, repo.ErrNotFound
	}
	h.CreatedAt = h.CreatedAt.UTC()
	return h, err
}

func (s Store) DeletePolicyHolder(ctx context.Context, id string) error {
	return deleteByID(ctx, s.Pool, "policy_holders", id)
}

func (s Store) InsertPolicy(ctx context.Context, p domain.Policy) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO policies(id,holder_id,policy_number,product_type,status,effective_date,expiry_date,created_at) VALUES ($1,$2,$3,$4,$5,$6::date,$7::date,$8)`,
		p.ID, p.HolderID, p.PolicyNumber, p.ProductType, string(p.Status), dateArg(p.EffectiveDate), dateArg(p.ExpiryDate), p.CreatedAt.UTC())
	return mapErr(err)
}

func (s Store) GetPolicyByNumber(ctx context.Context, number string) (domain.Policy, error) {
	return getPolicy(ctx, s.Pool, `policy_number=$1`, number)
}

func (s Store) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY policy_number ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s Store) DeletePolicy(ctx context.Context, id string) error {
	return deleteByID(ctx, s.Pool, "policies", id)
}

const policyColumns = `id,holder_id,policy_number,product_type,status,effective_date::text,expiry_date::text,created_at`

func getPolicy(ctx context.Context, q queryer, where string, arg any) (domain.Policy, error) {
	p, err := scanPolicy(q.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, repo.ErrNotFound
	}
	return p, err
}

func scanPolicy(row pgx.Row) (domain.Policy, error) {
	var p domain.Policy
	var status string
	err := row.Scan(&p.ID, &p.HolderID, &p.PolicyNumber, &p.ProductType, &status, &p.EffectiveDate, &p.ExpiryDate, &p.CreatedAt)
	p.Status = domain.PolicyStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, err
}

const claimColumns = `c.id,c.policy_id,p.policy_number,c.claim_type,c.status,c.priority,c.summary,c.created_by,c.created_at,c.updated_at`

func scanClaim(row pgx.Row) (domain.Claim, error) {
	var c domain.Claim
	var claimType, status, priority string
	err := row.Scan(&c.ID, &c.PolicyID, &c.PolicyNumber, &claimType, &status, &priority, &c.Summary, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	c.ClaimType = domain.ClaimType(claimType)
	c.Status = domain.ClaimStatus(status)
	c.Priority = domain.Priority(priority)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, err
}

func (s Store) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	c, err := scanClaim(s.Pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims c JOIN policies p ON p.id=c.policy_id WHERE c.id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return c, repo.ErrNotFound
	}
	return c, err
}

func (s Store) ListClaims(ctx context.Context, f repo.ClaimFilters) ([]domain.Claim, error) {
	var b whereBuilder
	if f.Status != "" {
		b.add("c.status", string(f.Status))
	}
	if f.Priority != "" {
		b.add("c.priority", string(f.Priority))
	}
	if f.PolicyID != "" {
		b.add("c.policy_id", f.PolicyID)
	}
	args := append(b.args, repo.NormalizeLimit(f.Limit))
	query := fmt.Sprintf(`SELECT %s FROM claims c JOIN policies p ON p.id=c.policy_id %s ORDER BY c.created_at DESC, c.id DESC LIMIT $%d`,
		claimColumns, b.where(), len(args))
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s Store) DeleteClaim(ctx context.Context, id string) error {
	return deleteByID(ctx, s.Pool, "claims", id)
}

func (s Store) CountClaimChildren(ctx context.Context, claimID string) (domain.ClaimCounts, error) {
	var counts domain.ClaimCounts
	err := s.Pool.QueryRow(ctx, `SELECT
		(SELECT count(*) FROM claim_documents WHERE claim_id=$1),
		(SELECT count(*) FROM internal_notes WHERE claim_id=$1),
		(SELECT count(*) FROM review_decisions WHERE claim_id=$1)`, claimID).
		Scan(&counts.Documents, &counts.Notes, &counts.Decisions)
	return counts, err
}

func (s Store) ListDocuments(ctx context.Context, claimID string) ([]domain.ClaimDocument, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id,claim_id,original_filename,content_type,size_bytes,storage_key,uploaded_by,uploaded_at FROM claim_documents WHERE claim_id=$1 ORDER BY uploaded_at DESC, id DESC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClaimDocument
	for rows.Next() {
		var d domain.ClaimDocument
		if err := rows.Scan(&d.ID, &d.ClaimID, &d.OriginalFilename, &d.ContentType, &d.SizeBytes, &d.StorageKey, &d.UploadedBy, &d.UploadedAt); err != nil {
			return nil, err
		}
		d.UploadedAt = d.UploadedAt.UTC()
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s Store) ListNotes(ctx context.Context, claimID string) ([]domain.InternalNote, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id,claim_id,body,created_by,created_at FROM internal_notes WHERE claim_id=$1 ORDER BY created_at DESC, id DESC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InternalNote
	for rows.Next() {
		var n domain.InternalNote
		if err := rows.Scan(&n.ID, &n.ClaimID, &n.Body, &n.CreatedBy, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt = n.CreatedAt.UTC()
		res = append(res, n)
	}
	return res, rows.Err()
}

func (s Store) ListDecisions(ctx context.Context, claimID string) ([]domain.ReviewDecision, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id,claim_id,decision,notes,decided_by,decided_at FROM review_decisions WHERE claim_id=$1 ORDER BY decided_at DESC, id DESC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewDecision
	for rows.Next() {
		var d domain.ReviewDecision
		var decision string
		if err := rows.Scan(&d.ID, &d.ClaimID, &decision, &d.Notes, &d.DecidedBy, &d.DecidedAt); err != nil {
			return nil, err
		}
		d.Decision = domain.DecisionKind(decision)
		d.DecidedAt = d.DecidedAt.UTC()
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s Store) ListChecklistItems(ctx context.Context, claimID string) ([]domain.ChecklistItem, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id,claim_id,key,label,is_required,is_satisfied,updated_at FROM checklist_items WHERE claim_id=$1 ORDER BY key ASC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		var it domain.ChecklistItem
		if err := rows.Scan(&it.ID, &it.ClaimID, &it.Key, &it.Label, &it.IsRequired, &it.IsSatisfied, &it.UpdatedAt); err != nil {
			return nil, err
		}
		it.UpdatedAt = it.UpdatedAt.UTC()
		res = append(res, it)
	}
	return res, rows.Err()
}

func (s Store) ListAuditEvents(ctx context.Context, f repo.EventFilters) ([]domain.AuditEvent, error) {
	var b whereBuilder
	if f.ClaimID != "" {
		b.add("claim_id", f.ClaimID)
	}
	if f.EventType != "" {
		b.add("event_type", f.EventType)
	}
	order := "ORDER BY created_at DESC, id DESC"
	if f.Ascending {
		order = "ORDER BY id ASC"
	}
	args := b.args
	query := fmt.Sprintf(`SELECT id,claim_id,event_type,actor,payload,created_at FROM audit_events %s %s`, b.where(), order)
	if f.Limit > 0 {
		args = append(args, repo.NormalizeLimit(f.Limit))
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.EventType, &e.Actor, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.CreatedAt = e.CreatedAt.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}

type whereBuilder struct {
	clauses []string
	args    []any
}

func (b *whereBuilder) add(column string, value any) {
	b.args = append(b.args, value)
	b.clauses = append(b.clauses, fmt.Sprintf("%s=$%d", column, len(b.args)))
}

func (b *whereBuilder) where() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(b.clauses, " AND ")
}

func deleteByID(ctx context.Context, q queryer, table, id string) error {
	tag, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, table), id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

const (
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
)

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", repo.ErrProtected, pgErr.Message)
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", repo.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func dateArg(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
