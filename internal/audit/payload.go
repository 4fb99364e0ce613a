// Package audit implements the append-only claim ledger. Each event type has
// one payload struct with a fixed key set; the ledger never updates or deletes.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"

	"policylens/internal/domain"
)

const (
	TypeClaimCreated     = "CLAIM_CREATED"
	TypeDocumentUploaded = "DOCUMENT_UPLOADED"
	TypeNoteAdded        = "NOTE_ADDED"
	TypeDecisionRecorded = "DECISION_RECORDED"
)

var ErrUnknownEventType = errors.New("unknown audit event type")

// Payload is implemented by every event variant.
type Payload interface {
	EventType() string
}

type ClaimCreated struct {
	PolicyNumber string           `json:"policy_number"`
	ClaimType    domain.ClaimType `json:"claim_type"`
	Priority     domain.Priority  `json:"priority"`
}

func (ClaimCreated) EventType() string { return TypeClaimCreated }

type DocumentUploaded struct {
	DocumentID       string `json:"document_id"`
	OriginalFilename string `json:"original_filename"`
	ContentType      string `json:"content_type"`
	SizeBytes        int64  `json:"size_bytes"`
}

func (DocumentUploaded) EventType() string { return TypeDocumentUploaded }

type NoteAdded struct {
	NoteID string `json:"note_id"`
	Length int    `json:"length"`
}

func (NoteAdded) EventType() string { return TypeNoteAdded }

type DecisionRecorded struct {
	DecisionID string              `json:"decision_id"`
	Decision   domain.DecisionKind `json:"decision"`
}

func (DecisionRecorded) EventType() string { return TypeDecisionRecorded }

// DecodePayload parses stored JSON into the variant registered for eventType.
func DecodePayload(eventType string, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch eventType {
	case TypeClaimCreated:
		var v ClaimCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeDocumentUploaded:
		var v DocumentUploaded
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeNoteAdded:
		var v NoteAdded
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeDecisionRecorded:
		var v DecisionRecorded
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return p, nil
}
