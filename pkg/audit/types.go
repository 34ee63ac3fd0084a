package audit

import "time"

// Outcome records how a command attempt resolved. The values mirror the
// dispatcher's result statuses so the trail can be joined against user
// visible behaviour.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeDenied      Outcome = "denied"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeError       Outcome = "error"
)

// Entry is one immutable audit record. Exactly one entry is written per
// completed state-changing command attempt, after execution resolves.
// Entries are never updated or deleted.
type Entry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	CallerID  int64         `json:"caller_id"`
	Command   string        `json:"command"`
	Target    string        `json:"target,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Detail    string        `json:"detail,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// Query filters stored entries. Zero-valued fields match everything.
type Query struct {
	CallerID int64
	Command  string
	Since    time.Time
	Limit    int
}
