package engine

import (
	"errors"
	"fmt"

	"policylens/internal/repo"
)

// RuleViolation reports a business precondition that blocked an operation.
type RuleViolation struct {
	Reason string
}

func (e RuleViolation) Error() string {
	return e.Reason
}

// ReferenceNotFound reports a missing policy, claim or document.
type ReferenceNotFound struct {
	Kind string
	ID   string
}

func (e ReferenceNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e ReferenceNotFound) Unwrap() error {
	return repo.ErrNotFound
}

type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindRuleViolation
	KindNotFound
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRuleViolation:
		return "rule_violation"
	case KindNotFound:
		return "not_found"
	default:
		return "persistence"
	}
}

// KindOf classifies an error returned by the engine.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var rv RuleViolation
	if errors.As(err, &rv) {
		return KindRuleViolation
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound
	}
	return KindPersistence
}

var (
	errClaimDecided = RuleViolation{Reason: "claim already decided"}
	errNoteBody     = RuleViolation{Reason: "note body is required"}
	errFilename     = RuleViolation{Reason: "filename is required"}
	errDecision     = RuleViolation{Reason: "invalid decision"}
	errClaimType    = RuleViolation{Reason: "invalid claim type"}
	errPriority     = RuleViolation{Reason: "invalid priority"}
)

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ReferenceNotFound{Kind: kind, ID: id}
	}
	return err
}
