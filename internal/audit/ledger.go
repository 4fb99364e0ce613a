package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"policylens/internal/domain"
)

// Appender is the single write the ledger needs from an open transaction.
type Appender interface {
	AppendAuditEvent(ctx context.Context, evt domain.AuditEvent) (domain.AuditEvent, error)
}

type Ledger struct{}

// Append serialises p and writes it through tx. It must be called inside the
// same transaction as the state change it records.
func (Ledger) Append(ctx context.Context, tx Appender, at time.Time, claimID, actor string, p Payload) (domain.AuditEvent, error) {
	if p == nil {
		return domain.AuditEvent{}, errors.New("audit payload required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return tx.AppendAuditEvent(ctx, domain.AuditEvent{
		ClaimID:   claimID,
		EventType: p.EventType(),
		Actor:     actor,
		Payload:   data,
		CreatedAt: at.UTC(),
	})
}

// Event is a decoded ledger entry.
type Event struct {
	ID        int64     `json:"id"`
	ClaimID   string    `json:"claim_id"`
	EventType string    `json:"event_type"`
	Actor     string    `json:"actor"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func Decode(e domain.AuditEvent) (Event, error) {
	p, err := DecodePayload(e.EventType, e.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        e.ID,
		ClaimID:   e.ClaimID,
		EventType: e.EventType,
		Actor:     e.Actor,
		Payload:   p,
		CreatedAt: e.CreatedAt,
	}, nil
}

func DecodeAll(in []domain.AuditEvent) ([]Event, error) {
	out := make([]Event, 0, len(in))
	for _, e := range in {
		evt, err := Decode(e)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", e.ID, err)
		}
		out = append(out, evt)
	}
	return out, nil
}
