package repo

import (
	"context"
	"errors"
	"time"

	"policylens/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrProtected is returned when a delete would orphan protected references.
	ErrProtected = errors.New("referenced by dependent records")
	ErrConflict  = errors.New("conflicts with existing record")
)

// Tx is the write surface available inside a workflow transaction.
type Tx interface {
	GetPolicy(ctx context.Context, id string) (domain.Policy, error)
	// LockClaim re-reads the claim holding an exclusive lock on its row
	// until the transaction ends.
	LockClaim(ctx context.Context, id string) (domain.Claim, error)
	InsertClaim(ctx context.Context, c domain.Claim) error
	UpdateClaimStatus(ctx context.Context, id string, status domain.ClaimStatus, updatedAt time.Time) error
	InsertDocument(ctx context.Context, d domain.ClaimDocument) error
	InsertNote(ctx context.Context, n domain.InternalNote) error
	InsertDecision(ctx context.Context, d domain.ReviewDecision) error
	AppendAuditEvent(ctx context.Context, evt domain.AuditEvent) (domain.AuditEvent, error)
}

type ClaimFilters struct {
	Status   domain.ClaimStatus
	Priority domain.Priority
	PolicyID string
	Limit    int
}

type EventFilters struct {
	ClaimID   string
	EventType string
	// Ascending returns insertion order; the default is newest first.
	Ascending bool
	// Limit of zero returns every matching event.
	Limit int
}

// Store is the persistence port consumed by the workflow engine.
type Store interface {
	// WithTx runs fn in one transaction. Any error from fn or from commit
	// rolls back every write fn made; fn's error is returned unchanged.
	WithTx(ctx context.Context, fn func(Tx) error) error

	InsertPolicyHolder(ctx context.Context, h domain.PolicyHolder) error
	GetPolicyHolder(ctx context.Context, id string) (domain.PolicyHolder, error)
	DeletePolicyHolder(ctx context.Context, id string) error
	InsertPolicy(ctx context.Context, p domain.Policy) error
	GetPolicyByNumber(ctx context.Context, number string) (domain.Policy, error)
	ListPolicies(ctx context.Context) ([]domain.Policy, error)
	DeletePolicy(ctx context.Context, id string) error

	GetClaim(ctx context.Context, id string) (domain.Claim, error)
	ListClaims(ctx context.Context, f ClaimFilters) ([]domain.Claim, error)
	DeleteClaim(ctx context.Context, id string) error
	CountClaimChildren(ctx context.Context, claimID string) (domain.ClaimCounts, error)
	ListDocuments(ctx context.Context, claimID string) ([]domain.ClaimDocument, error)
	ListNotes(ctx context.Context, claimID string) ([]domain.InternalNote, error)
	ListDecisions(ctx context.Context, claimID string) ([]domain.ReviewDecision, error)
	ListChecklistItems(ctx context.Context, claimID string) ([]domain.ChecklistItem, error)
	ListAuditEvents(ctx context.Context, f EventFilters) ([]domain.AuditEvent, error)
}

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

const DateLayout = "2006-01-02"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// NormalizeLimit clamps list limits to 1..500, defaulting to 100.
func NormalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 500 {
		return 500
	}
	return in
}
