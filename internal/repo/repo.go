package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"policylens/internal/domain"
)

// Repo is the SQLite implementation of Store.
type Repo struct {
	DB *sql.DB
}

var _ Store = Repo{}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(sqlTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// sqlTx binds the Tx surface to an open transaction.
type sqlTx struct {
	q queryer
}

func (t sqlTx) GetPolicy(ctx context.Context, id string) (domain.Policy, error) {
	return getPolicy(ctx, t.q, `id=?`, id)
}

// LockClaim relies on BEGIN IMMEDIATE: the database write lock is already
// held, so a plain read inside the transaction cannot race another writer.
func (t sqlTx) LockClaim(ctx context.Context, id string) (domain.Claim, error) {
	return getClaim(ctx, t.q, id)
}

func (t sqlTx) InsertClaim(ctx context.Context, c domain.Claim) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO claims(id,policy_id,claim_type,status,priority,summary,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.PolicyID, c.ClaimType, c.Status, c.Priority, c.Summary, c.CreatedBy, FormatTime(c.CreatedAt), FormatTime(c.UpdatedAt))
	return mapWriteErr(err)
}

func (t sqlTx) UpdateClaimStatus(ctx context.Context, id string, status domain.ClaimStatus, updatedAt time.Time) error {
	res, err := t.q.ExecContext(ctx, `UPDATE claims SET status=?, updated_at=? WHERE id=?`, status, FormatTime(updatedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t sqlTx) InsertDocument(ctx context.Context, d domain.ClaimDocument) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO claim_documents(id,claim_id,original_filename,content_type,size_bytes,storage_key,uploaded_by,uploaded_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.ClaimID, d.OriginalFilename, d.ContentType, d.SizeBytes, d.StorageKey, d.UploadedBy, FormatTime(d.UploadedAt))
	return mapWriteErr(err)
}

func (t sqlTx) InsertNote(ctx context.Context, n domain.InternalNote) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO internal_notes(id,claim_id,body,created_by,created_at) VALUES (?,?,?,?,?)`,
		n.ID, n.ClaimID, n.Body, n.CreatedBy, FormatTime(n.CreatedAt))
	return mapWriteErr(err)
}

func (t sqlTx) InsertDecision(ctx context.Context, d domain.ReviewDecision) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO review_decisions(id,claim_id,decision,notes,decided_by,decided_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.ClaimID, d.Decision, d.Notes, d.DecidedBy, FormatTime(d.DecidedAt))
	return mapWriteErr(err)
}

func (t sqlTx) AppendAuditEvent(ctx context.Context, evt domain.AuditEvent) (domain.AuditEvent, error) {
	payload := string(evt.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := t.q.ExecContext(ctx, `INSERT INTO audit_events(claim_id,event_type,actor,payload_json,created_at) VALUES (?,?,?,?,?)`,
		evt.ClaimID, evt.EventType, evt.Actor, payload, FormatTime(evt.CreatedAt))
	if err != nil {
		return evt, mapWriteErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return evt, err
	}
	evt.ID = id
	return evt, nil
}

// --- policy holders and policies ---

func (r Repo) InsertPolicyHolder(ctx context.Context, h domain.PolicyHolder) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policy_holders(id,full_name,email,phone,created_at) VALUES (?,?,?,?,?)`,
		h.ID, h.FullName, h.Email, h.Phone, FormatTime(h.CreatedAt))
	return mapWriteErr(err)
}

func (r Repo) GetPolicyHolder(ctx context.Context, id string) (domain.PolicyHolder, error) {
	var h domain.PolicyHolder
	var createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,full_name,email,phone,created_at FROM policy_holders WHERE id=?`, id).
		Scan(&h.ID, &h.FullName, &h.Email, &h.Phone, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.CreatedAt, err = ParseTime(createdAt)
	return h, err
}

func (r Repo) DeletePolicyHolder(ctx context.Context, id string) error {
	return deleteByID(ctx, r.DB, "policy_holders", id)
}

func (r Repo) InsertPolicy(ctx context.Context, p domain.Policy) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policies(id,holder_id,policy_number,product_type,status,effective_date,expiry_date,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.HolderID, p.PolicyNumber, p.ProductType, p.Status, nullableStringPtr(p.EffectiveDate), nullableStringPtr(p.ExpiryDate), FormatTime(p.CreatedAt))
	return mapWriteErr(err)
}

func (r Repo) GetPolicyByNumber(ctx context.Context, number string) (domain.Policy, error) {
	return getPolicy(ctx, r.DB, `policy_number=?`, number)
}

func (r Repo) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,holder_id,policy_number,product_type,status,effective_date,expiry_date,created_at FROM policies ORDER BY policy_number ASC`)
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

func (r Repo) DeletePolicy(ctx context.Context, id string) error {
	return deleteByID(ctx, r.DB, "policies", id)
}

func getPolicy(ctx context.Context, q queryer, where string, arg any) (domain.Policy, error) {
	row := q.QueryRowContext(ctx, `SELECT id,holder_id,policy_number,product_type,status,effective_date,expiry_date,created_at FROM policies WHERE `+where, arg)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func scanPolicy(s scanner) (domain.Policy, error) {
	var p domain.Policy
	var effective, expiry sql.NullString
	var createdAt string
	if err := s.Scan(&p.ID, &p.HolderID, &p.PolicyNumber, &p.ProductType, &p.Status, &effective, &expiry, &createdAt); err != nil {
		return p, err
	}
	if effective.Valid {
		p.EffectiveDate = &effective.String
	}
	if expiry.Valid {
		p.ExpiryDate = &expiry.String
	}
	var err error
	p.CreatedAt, err = ParseTime(createdAt)
	return p, err
}

// --- claims ---

const claimColumns = `c.id,c.policy_id,p.policy_number,c.claim_type,c.status,c.priority,c.summary,c.created_by,c.created_at,c.updated_at`

func (r Repo) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	return getClaim(ctx, r.DB, id)
}

func getClaim(ctx context.Context, q queryer, id string) (domain.Claim, error) {
	row := q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims c JOIN policies p ON p.id=c.policy_id WHERE c.id=?`, id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func scanClaim(s scanner) (domain.Claim, error) {
	var c domain.Claim
	var createdAt, updatedAt string
	if err := s.Scan(&c.ID, &c.PolicyID, &c.PolicyNumber, &c.ClaimType, &c.Status, &c.Priority, &c.Summary, &c.CreatedBy, &createdAt, &updatedAt); err != nil {
		return c, err
	}
	var err error
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return c, err
	}
	c.UpdatedAt, err = ParseTime(updatedAt)
	return c, err
}

func (r Repo) ListClaims(ctx context.Context, f ClaimFilters) ([]domain.Claim, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "c.status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "c.priority=?")
		args = append(args, f.Priority)
	}
	if f.PolicyID != "" {
		clauses = append(clauses, "c.policy_id=?")
		args = append(args, f.PolicyID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + claimColumns + ` FROM claims c JOIN policies p ON p.id=c.policy_id ` + where + ` ORDER BY c.created_at DESC, c.id DESC LIMIT ?`
	args = append(args, NormalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
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

func (r Repo) DeleteClaim(ctx context.Context, id string) error {
	return deleteByID(ctx, r.DB, "claims", id)
}

func (r Repo) CountClaimChildren(ctx context.Context, claimID string) (domain.ClaimCounts, error) {
	var counts domain.ClaimCounts
	err := r.DB.QueryRowContext(ctx, `SELECT
		(SELECT count(*) FROM claim_documents WHERE claim_id=?),
		(SELECT count(*) FROM internal_notes WHERE claim_id=?),
		(SELECT count(*) FROM review_decisions WHERE claim_id=?)`, claimID, claimID, claimID).
		Scan(&counts.Documents, &counts.Notes, &counts.Decisions)
	return counts, err
}

func (r Repo) ListDocuments(ctx context.Context, claimID string) ([]domain.ClaimDocument, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,claim_id,original_filename,content_type,size_bytes,storage_key,uploaded_by,uploaded_at FROM claim_documents WHERE claim_id=? ORDER BY uploaded_at DESC, id DESC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClaimDocument
	for rows.Next() {
		var d domain.ClaimDocument
		var uploadedAt string
		if err := rows.Scan(&d.ID, &d.ClaimID, &d.OriginalFilename, &d.ContentType, &d.SizeBytes, &d.StorageKey, &d.UploadedBy, &uploadedAt); err != nil {
			return nil, err
		}
		if d.UploadedAt, err = ParseTime(uploadedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) ListNotes(ctx context.Context, claimID string) ([]domain.InternalNote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,claim_id,body,created_by,created_at FROM internal_notes WHERE claim_id=? ORDER BY created_at DESC, id DESC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InternalNote
	for rows.Next() {
		var n domain.InternalNote
		var createdAt string
		if err := rows.Scan(&n.ID, &n.ClaimID, &n.Body, &n.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) ListDecisions(ctx context.Context, claimID string) ([]domain.ReviewDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,claim_id,decision,notes,decided_by,decided_at FROM review_decisions WHERE claim_id=? ORDER BY decided_at DESC, id DESC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewDecision
	for rows.Next() {
		var d domain.ReviewDecision
		var decidedAt string
		if err := rows.Scan(&d.ID, &d.ClaimID, &d.Decision, &d.Notes, &d.DecidedBy, &decidedAt); err != nil {
			return nil, err
		}
		if d.DecidedAt, err = ParseTime(decidedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) ListChecklistItems(ctx context.Context, claimID string) ([]domain.ChecklistItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,claim_id,key,label,is_required,is_satisfied,updated_at FROM checklist_items WHERE claim_id=? ORDER BY key ASC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		var it domain.ChecklistItem
		var updatedAt string
		if err := rows.Scan(&it.ID, &it.ClaimID, &it.Key, &it.Label, &it.IsRequired, &it.IsSatisfied, &updatedAt); err != nil {
			return nil, err
		}
		if it.UpdatedAt, err = ParseTime(updatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// --- audit events ---

func (r Repo) ListAuditEvents(ctx context.Context, f EventFilters) ([]domain.AuditEvent, error) {
	var clauses []string
	var args []any
	if f.ClaimID != "" {
		clauses = append(clauses, "claim_id=?")
		args = append(args, f.ClaimID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := "ORDER BY created_at DESC, id DESC"
	if f.Ascending {
		order = "ORDER BY id ASC"
	}
	query := fmt.Sprintf(`SELECT id,claim_id,event_type,actor,payload_json,created_at FROM audit_events %s %s`, where, order)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, NormalizeLimit(f.Limit))
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.EventType, &e.Actor, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		if e.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func deleteByID(ctx context.Context, q queryer, table, id string) error {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table), id)
	if err != nil {
		return mapWriteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// mapWriteErr translates SQLite constraint failures into repo sentinels.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrProtected, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
