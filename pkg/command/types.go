// Package command implements the operator command pipeline: validate,
// authorize, admit, resolve, execute, invalidate, audit.
package command

import (
	"github.com/codelaboratoryltd/opsbot/pkg/audit"
)

// Status is the user-visible resolution of a command attempt.
type Status string

const (
	StatusOK          Status = "ok"
	StatusDenied      Status = "denied"
	StatusRateLimited Status = "rate_limited"
	StatusInvalid     Status = "invalid"
	StatusNotFound    Status = "not_found"
	StatusUnavailable Status = "unavailable"
	StatusError       Status = "error"
)

// Outcome maps a status onto its audit outcome. The two taxonomies are
// deliberately identical so trail rows join against user-visible
// behaviour.
func (s Status) Outcome() audit.Outcome {
	switch s {
	case StatusOK:
		return audit.OutcomeOK
	case StatusDenied:
		return audit.OutcomeDenied
	case StatusRateLimited:
		return audit.OutcomeRateLimited
	case StatusInvalid:
		return audit.OutcomeInvalid
	case StatusNotFound:
		return audit.OutcomeNotFound
	case StatusUnavailable:
		return audit.OutcomeUnavailable
	default:
		return audit.OutcomeError
	}
}

// Request is one parsed command invocation.
type Request struct {
	CallerID int64
	Name     string
	Args     []string
}

// Result is what the caller sees.
type Result struct {
	Status Status
	Text   string
}
