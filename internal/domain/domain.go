package domain

import (
	"encoding/json"
	"time"
)

type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "ACTIVE"
	PolicyLapsed    PolicyStatus = "LAPSED"
	PolicyCancelled PolicyStatus = "CANCELLED"
)

func (s PolicyStatus) Valid() bool {
	switch s {
	case PolicyActive, PolicyLapsed, PolicyCancelled:
		return true
	}
	return false
}

type ClaimType string

const (
	ClaimTypeClaim        ClaimType = "CLAIM"
	ClaimTypePolicyChange ClaimType = "POLICY_CHANGE"
)

func (t ClaimType) Valid() bool {
	return t == ClaimTypeClaim || t == ClaimTypePolicyChange
}

// ClaimStatus is mutated only by workflow transitions.
type ClaimStatus string

const (
	ClaimNew      ClaimStatus = "NEW"
	ClaimInReview ClaimStatus = "IN_REVIEW"
	ClaimDecided  ClaimStatus = "DECIDED"
)

func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimNew, ClaimInReview, ClaimDecided:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

type DecisionKind string

const (
	DecisionApprove     DecisionKind = "APPROVE"
	DecisionReject      DecisionKind = "REJECT"
	DecisionRequestInfo DecisionKind = "REQUEST_INFO"
)

func (d DecisionKind) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionRequestInfo:
		return true
	}
	return false
}

// NextStatus returns the claim status a decision of this kind moves a claim to.
func (d DecisionKind) NextStatus() ClaimStatus {
	if d == DecisionRequestInfo {
		return ClaimInReview
	}
	return ClaimDecided
}

type PolicyHolder struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Policy struct {
	ID            string       `json:"id"`
	HolderID      string       `json:"holder_id"`
	PolicyNumber  string       `json:"policy_number"`
	ProductType   string       `json:"product_type"`
	Status        PolicyStatus `json:"status" enum:"ACTIVE,LAPSED,CANCELLED"`
	EffectiveDate *string      `json:"effective_date,omitempty" format:"date"`
	ExpiryDate    *string      `json:"expiry_date,omitempty" format:"date"`
	CreatedAt     time.Time    `json:"created_at"`
}

type Claim struct {
	ID           string      `json:"id"`
	PolicyID     string      `json:"policy_id"`
	PolicyNumber string      `json:"policy_number"`
	ClaimType    ClaimType   `json:"claim_type" enum:"CLAIM,POLICY_CHANGE"`
	Status       ClaimStatus `json:"status" enum:"NEW,IN_REVIEW,DECIDED"`
	Priority     Priority    `json:"priority" enum:"LOW,NORMAL,HIGH"`
	Summary      string      `json:"summary"`
	CreatedBy    string      `json:"created_by"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

type ClaimDocument struct {
	ID               string    `json:"id"`
	ClaimID          string    `json:"claim_id"`
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	SizeBytes        int64     `json:"size_bytes"`
	StorageKey       string    `json:"storage_key"`
	UploadedBy       string    `json:"uploaded_by"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

type InternalNote struct {
	ID        string    `json:"id"`
	ClaimID   string    `json:"claim_id"`
	Body      string    `json:"body"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type ReviewDecision struct {
	ID        string       `json:"id"`
	ClaimID   string       `json:"claim_id"`
	Decision  DecisionKind `json:"decision" enum:"APPROVE,REJECT,REQUEST_INFO"`
	Notes     string       `json:"notes,omitempty"`
	DecidedBy string       `json:"decided_by"`
	DecidedAt time.Time    `json:"decided_at"`
}

// AuditEvent is the stored form of a ledger entry. ID is the insertion
// sequence and is the authoritative history order.
type AuditEvent struct {
	ID        int64           `json:"id"`
	ClaimID   string          `json:"claim_id"`
	EventType string          `json:"event_type"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type ChecklistItem struct {
	ID          string    `json:"id"`
	ClaimID     string    `json:"claim_id"`
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	IsRequired  bool      `json:"is_required"`
	IsSatisfied bool      `json:"is_satisfied"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ClaimCounts holds the number of child records attached to a claim.
type ClaimCounts struct {
	Documents int `json:"documents_count"`
	Notes     int `json:"notes_count"`
	Decisions int `json:"decisions_count"`
}

type ClaimDetail struct {
	Claim
	ClaimCounts
	Checklist []ChecklistItem `json:"checklist"`
}
