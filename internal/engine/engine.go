package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"policylens/internal/audit"
	"policylens/internal/blob"
	"policylens/internal/domain"
	"policylens/internal/repo"
)

// Engine runs the claim workflow. Every mutation re-reads the claim inside
// its transaction and appends exactly one audit event before commit.
type Engine struct {
	Store  repo.Store
	Blobs  blob.Store
	Ledger audit.Ledger
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(store repo.Store, blobs blob.Store, log zerolog.Logger) Engine {
	return Engine{
		Store: store,
		Blobs: blobs,
		Log:   log,
		Now:   time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) reject(op, claimID, actor string, err error) error {
	var rv RuleViolation
	if errors.As(err, &rv) {
		e.Log.Warn().Str("op", op).Str("claim_id", claimID).Str("actor", actor).Str("reason", rv.Reason).Msg("rule violation")
	}
	return err
}

func (e Engine) committed(evt domain.AuditEvent, msg string) {
	e.Log.Info().
		Str("claim_id", evt.ClaimID).
		Str("event_type", evt.EventType).
		Str("actor", evt.Actor).
		Int64("event_id", evt.ID).
		Msg(msg)
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return RuleViolation{Reason: "actor is required"}
	}
	return nil
}

// PolicyHolderInput holds the fields of a new policy holder.
type PolicyHolderInput struct {
	FullName string
	Email    string
	Phone    string
}

func (e Engine) CreatePolicyHolder(ctx context.Context, in PolicyHolderInput) (domain.PolicyHolder, error) {
	name := strings.TrimSpace(in.FullName)
	if name == "" {
		return domain.PolicyHolder{}, RuleViolation{Reason: "full name is required"}
	}
	h := domain.PolicyHolder{
		ID:        uuid.NewString(),
		FullName:  name,
		Email:     strings.TrimSpace(in.Email),
		Phone:     strings.TrimSpace(in.Phone),
		CreatedAt: e.now(),
	}
	if err := e.Store.InsertPolicyHolder(ctx, h); err != nil {
		return domain.PolicyHolder{}, fmt.Errorf("insert policy holder: %w", err)
	}
	e.Log.Debug().Str("holder_id", h.ID).Msg("policy holder created")
	return h, nil
}

type PolicyInput struct {
	HolderID      string
	PolicyNumber  string
	ProductType   string
	Status        domain.PolicyStatus
	EffectiveDate string
	ExpiryDate    string
}

func (e Engine) CreatePolicy(ctx context.Context, in PolicyInput) (domain.Policy, error) {
	number := strings.TrimSpace(in.PolicyNumber)
	if number == "" {
		return domain.Policy{}, RuleViolation{Reason: "policy number is required"}
	}
	if in.Status == "" {
		in.Status = domain.PolicyActive
	}
	if !in.Status.Valid() {
		return domain.Policy{}, RuleViolation{Reason: "invalid policy status"}
	}
	effective, err := parseDate("effective date", in.EffectiveDate)
	if err != nil {
		return domain.Policy{}, err
	}
	expiry, err := parseDate("expiry date", in.ExpiryDate)
	if err != nil {
		return domain.Policy{}, err
	}
	if effective != nil && expiry != nil && *expiry < *effective {
		return domain.Policy{}, RuleViolation{Reason: "expiry date precedes effective date"}
	}
	if _, err := e.Store.GetPolicyHolder(ctx, in.HolderID); err != nil {
		return domain.Policy{}, notFound("policy holder", in.HolderID, err)
	}
	p := domain.Policy{
		ID:            uuid.NewString(),
		HolderID:      in.HolderID,
		PolicyNumber:  number,
		ProductType:   strings.TrimSpace(in.ProductType),
		Status:        in.Status,
		EffectiveDate: effective,
		ExpiryDate:    expiry,
		CreatedAt:     e.now(),
	}
	if err := e.Store.InsertPolicy(ctx, p); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Policy{}, RuleViolation{Reason: fmt.Sprintf("policy number %s already exists", number)}
		}
		return domain.Policy{}, fmt.Errorf("insert policy: %w", err)
	}
	e.Log.Debug().Str("policy_id", p.ID).Str("policy_number", p.PolicyNumber).Msg("policy created")
	return p, nil
}

// parseDate normalises an optional calendar date to YYYY-MM-DD.
func parseDate(field, v string) (*string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(repo.DateLayout, v)
	if err != nil {
		return nil, RuleViolation{Reason: fmt.Sprintf("invalid %s %q", field, v)}
	}
	s := t.Format(repo.DateLayout)
	return &s, nil
}

func (e Engine) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	return e.Store.ListPolicies(ctx)
}

func (e Engine) GetPolicyByNumber(ctx context.Context, number string) (domain.Policy, error) {
	p, err := e.Store.GetPolicyByNumber(ctx, number)
	if err != nil {
		return domain.Policy{}, notFound("policy", number, err)
	}
	return p, nil
}

// ClaimInput holds the fields of a new claim. Priority defaults to NORMAL.
type ClaimInput struct {
	PolicyID  string
	ClaimType domain.ClaimType
	Priority  domain.Priority
	Summary   string
}

func (e Engine) CreateClaim(ctx context.Context, in ClaimInput, actor string) (domain.Claim, error) {
	if err := requireActor(actor); err != nil {
		return domain.Claim{}, err
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if !in.ClaimType.Valid() {
		return domain.Claim{}, e.reject("create_claim", "", actor, errClaimType)
	}
	if !in.Priority.Valid() {
		return domain.Claim{}, e.reject("create_claim", "", actor, errPriority)
	}
	now := e.now()
	c := domain.Claim{
		ID:        uuid.NewString(),
		PolicyID:  in.PolicyID,
		ClaimType: in.ClaimType,
		Status:    domain.ClaimNew,
		Priority:  in.Priority,
		Summary:   in.Summary,
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var evt domain.AuditEvent
	err := e.Store.WithTx(ctx, func(tx repo.Tx) error {
		policy, err := tx.GetPolicy(ctx, in.PolicyID)
		if err != nil {
			return notFound("policy", in.PolicyID, err)
		}
		c.PolicyNumber = policy.PolicyNumber
		if err := tx.InsertClaim(ctx, c); err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		evt, err = e.Ledger.Append(ctx, tx, now, c.ID, actor, audit.ClaimCreated{
			PolicyNumber: policy.PolicyNumber,
			ClaimType:    c.ClaimType,
			Priority:     c.Priority,
		})
		return err
	})
	if err != nil {
		return domain.Claim{}, err
	}
	e.committed(evt, "claim created")
	return c, nil
}

// DocumentUpload carries the bytes and client metadata of one attachment.
type DocumentUpload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

func (e Engine) AddDocument(ctx context.Context, claimID string, up DocumentUpload, actor string) (domain.ClaimDocument, error) {
	if err := requireActor(actor); err != nil {
		return domain.ClaimDocument{}, err
	}
	filename := strings.TrimSpace(up.Filename)
	if filename == "" {
		return domain.ClaimDocument{}, e.reject("add_document", claimID, actor, errFilename)
	}
	if e.Blobs == nil {
		return domain.ClaimDocument{}, errors.New("blob store not configured")
	}
	claim, err := e.Store.GetClaim(ctx, claimID)
	if err != nil {
		return domain.ClaimDocument{}, notFound("claim", claimID, err)
	}
	if claim.Status == domain.ClaimDecided {
		return domain.ClaimDocument{}, e.reject("add_document", claimID, actor, errClaimDecided)
	}
	contentType := strings.TrimSpace(up.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	body := up.Body
	if body == nil {
		body = strings.NewReader("")
	}

	docID := uuid.NewString()
	key := blob.DocumentKey(claimID, docID, filename)
	size, err := e.Blobs.Put(ctx, key, body, contentType)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			return domain.ClaimDocument{}, e.reject("add_document", claimID, actor, RuleViolation{Reason: "document exceeds size limit"})
		}
		return domain.ClaimDocument{}, fmt.Errorf("store document bytes: %w", err)
	}

	now := e.now()
	doc := domain.ClaimDocument{
		ID:               docID,
		ClaimID:          claimID,
		OriginalFilename: filename,
		ContentType:      contentType,
		SizeBytes:        size,
		StorageKey:       key,
		UploadedBy:       actor,
		UploadedAt:       now,
	}
	var evt domain.AuditEvent
	err = e.Store.WithTx(ctx, func(tx repo.Tx) error {
		locked, err := tx.LockClaim(ctx, claimID)
		if err != nil {
			return notFound("claim", claimID, err)
		}
		if locked.Status == domain.ClaimDecided {
			return errClaimDecided
		}
		if err := tx.InsertDocument(ctx, doc); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		evt, err = e.Ledger.Append(ctx, tx, now, claimID, actor, audit.DocumentUploaded{
			DocumentID:       doc.ID,
			OriginalFilename: doc.OriginalFilename,
			ContentType:      doc.ContentType,
			SizeBytes:        doc.SizeBytes,
		})
		return err
	})
	if err != nil {
		if derr := e.Blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			e.Log.Warn().Err(derr).Str("storage_key", key).Msg("orphaned document blob")
		}
		return domain.ClaimDocument{}, e.reject("add_document", claimID, actor, err)
	}
	e.committed(evt, "document uploaded")
	return doc, nil
}

// AddNote is allowed in every status, DECIDED included.
func (e Engine) AddNote(ctx context.Context, claimID, body, actor string) (domain.InternalNote, error) {
	if err := requireActor(actor); err != nil {
		return domain.InternalNote{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.InternalNote{}, e.reject("add_note", claimID, actor, errNoteBody)
	}
	now := e.now()
	note := domain.InternalNote{
		ID:        uuid.NewString(),
		ClaimID:   claimID,
		Body:      body,
		CreatedBy: actor,
		CreatedAt: now,
	}
	var evt domain.AuditEvent
	err := e.Store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockClaim(ctx, claimID); err != nil {
			return notFound("claim", claimID, err)
		}
		if err := tx.InsertNote(ctx, note); err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
		var err error
		evt, err = e.Ledger.Append(ctx, tx, now, claimID, actor, audit.NoteAdded{
			NoteID: note.ID,
			Length: utf8.RuneCountInString(body),
		})
		return err
	})
	if err != nil {
		return domain.InternalNote{}, err
	}
	e.committed(evt, "note added")
	return note, nil
}

func (e Engine) AddDecision(ctx context.Context, claimID string, decision domain.DecisionKind, notes, actor string) (domain.ReviewDecision, error) {
	if err := requireActor(actor); err != nil {
		return domain.ReviewDecision{}, err
	}
	if !decision.Valid() {
		return domain.ReviewDecision{}, e.reject("add_decision", claimID, actor, errDecision)
	}
	now := e.now()
	d := domain.ReviewDecision{
		ID:        uuid.NewString(),
		ClaimID:   claimID,
		Decision:  decision,
		Notes:     strings.TrimSpace(notes),
		DecidedBy: actor,
		DecidedAt: now,
	}
	var evt domain.AuditEvent
	err := e.Store.WithTx(ctx, func(tx repo.Tx) error {
		claim, err := tx.LockClaim(ctx, claimID)
		if err != nil {
			return notFound("claim", claimID, err)
		}
		if claim.Status == domain.ClaimDecided {
			return errClaimDecided
		}
		if err := tx.InsertDecision(ctx, d); err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		if err := tx.UpdateClaimStatus(ctx, claimID, decision.NextStatus(), now); err != nil {
			return fmt.Errorf("update claim status: %w", err)
		}
		evt, err = e.Ledger.Append(ctx, tx, now, claimID, actor, audit.DecisionRecorded{
			DecisionID: d.ID,
			Decision:   d.Decision,
		})
		return err
	})
	if err != nil {
		return domain.ReviewDecision{}, e.reject("add_decision", claimID, actor, err)
	}
	e.committed(evt, "decision recorded")
	return d, nil
}

func (e Engine) ListClaims(ctx context.Context, f repo.ClaimFilters) ([]domain.Claim, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, RuleViolation{Reason: "invalid status filter"}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, RuleViolation{Reason: "invalid priority filter"}
	}
	return e.Store.ListClaims(ctx, f)
}

func (e Engine) GetClaimDetail(ctx context.Context, claimID string) (domain.ClaimDetail, error) {
	claim, err := e.Store.GetClaim(ctx, claimID)
	if err != nil {
		return domain.ClaimDetail{}, notFound("claim", claimID, err)
	}
	counts, err := e.Store.CountClaimChildren(ctx, claimID)
	if err != nil {
		return domain.ClaimDetail{}, fmt.Errorf("count claim children: %w", err)
	}
	checklist, err := e.Store.ListChecklistItems(ctx, claimID)
	if err != nil {
		return domain.ClaimDetail{}, fmt.Errorf("list checklist: %w", err)
	}
	if checklist == nil {
		checklist = []domain.ChecklistItem{}
	}
	return domain.ClaimDetail{Claim: claim, ClaimCounts: counts, Checklist: checklist}, nil
}

// ClaimHistory returns the claim's audit events in insertion order.
func (e Engine) ClaimHistory(ctx context.Context, claimID string) ([]audit.Event, error) {
	return e.claimEvents(ctx, claimID, true)
}

// ClaimEvents returns the claim's audit events newest first.
func (e Engine) ClaimEvents(ctx context.Context, claimID string) ([]audit.Event, error) {
	return e.claimEvents(ctx, claimID, false)
}

func (e Engine) claimEvents(ctx context.Context, claimID string, ascending bool) ([]audit.Event, error) {
	if _, err := e.Store.GetClaim(ctx, claimID); err != nil {
		return nil, notFound("claim", claimID, err)
	}
	raw, err := e.Store.ListAuditEvents(ctx, repo.EventFilters{ClaimID: claimID, Ascending: ascending})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return audit.DecodeAll(raw)
}

func (e Engine) ListDocuments(ctx context.Context, claimID string) ([]domain.ClaimDocument, error) {
	if _, err := e.Store.GetClaim(ctx, claimID); err != nil {
		return nil, notFound("claim", claimID, err)
	}
	return e.Store.ListDocuments(ctx, claimID)
}

// OpenDocument returns the document metadata and a reader over its stored
// bytes. The caller closes the reader.
func (e Engine) OpenDocument(ctx context.Context, claimID, documentID string) (domain.ClaimDocument, io.ReadCloser, error) {
	docs, err := e.ListDocuments(ctx, claimID)
	if err != nil {
		return domain.ClaimDocument{}, nil, err
	}
	for _, d := range docs {
		if d.ID != documentID {
			continue
		}
		if e.Blobs == nil {
			return domain.ClaimDocument{}, nil, errors.New("blob store not configured")
		}
		rc, err := e.Blobs.Open(ctx, d.StorageKey)
		if err != nil {
			if errors.Is(err, blob.ErrNotExist) {
				e.Log.Warn().Str("claim_id", claimID).Str("storage_key", d.StorageKey).Msg("document blob missing")
			}
			return domain.ClaimDocument{}, nil, fmt.Errorf("open document bytes: %w", err)
		}
		return d, rc, nil
	}
	return domain.ClaimDocument{}, nil, ReferenceNotFound{Kind: "document", ID: documentID}
}

func (e Engine) ListNotes(ctx context.Context, claimID string) ([]domain.InternalNote, error) {
	if _, err := e.Store.GetClaim(ctx, claimID); err != nil {
		return nil, notFound("claim", claimID, err)
	}
	return e.Store.ListNotes(ctx, claimID)
}

func (e Engine) ListDecisions(ctx context.Context, claimID string) ([]domain.ReviewDecision, error) {
	if _, err := e.Store.GetClaim(ctx, claimID); err != nil {
		return nil, notFound("claim", claimID, err)
	}
	return e.Store.ListDecisions(ctx, claimID)
}
