package server

import (
	"time"

	"policylens/internal/audit"
	"policylens/internal/domain"
)

// Request payloads

type CreateClaimRequest struct {
	PolicyID  string `json:"policy_id"`
	ClaimType string `json:"claim_type" doc:"CLAIM or POLICY_CHANGE"`
	Priority  string `json:"priority,omitempty" doc:"LOW, NORMAL or HIGH; defaults to NORMAL"`
	Summary   string `json:"summary,omitempty"`
}

type UploadDocumentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content" doc:"base64 encoded document bytes"`
}

type AddNoteRequest struct {
	Body string `json:"body"`
}

type AddDecisionRequest struct {
	Decision string `json:"decision" doc:"APPROVE, REJECT or REQUEST_INFO"`
	Notes    string `json:"notes,omitempty"`
}

type CreatePolicyHolderRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type CreatePolicyRequest struct {
	HolderID      string `json:"holder_id"`
	PolicyNumber  string `json:"policy_number"`
	ProductType   string `json:"product_type,omitempty"`
	Status        string `json:"status,omitempty" doc:"ACTIVE, LAPSED or CANCELLED; defaults to ACTIVE"`
	EffectiveDate string `json:"effective_date,omitempty" doc:"YYYY-MM-DD"`
	ExpiryDate    string `json:"expiry_date,omitempty" doc:"YYYY-MM-DD"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type EventResponse struct {
	ID        int64     `json:"id"`
	ClaimID   string    `json:"claim_id"`
	EventType string    `json:"event_type" enum:"CLAIM_CREATED,DOCUMENT_UPLOADED,NOTE_ADDED,DECISION_RECORDED"`
	Actor     string    `json:"actor"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func eventResponses(events []audit.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventResponse{
			ID:        e.ID,
			ClaimID:   e.ClaimID,
			EventType: e.EventType,
			Actor:     e.Actor,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

func nonNilClaims(items []domain.Claim) []domain.Claim {
	if items == nil {
		return []domain.Claim{}
	}
	return items
}
