package outreach

import (
	"errors"
	"time"
)

type Kind string

const (
	KindSent      Kind = "sent"
	KindScheduled Kind = "scheduled"
	KindBlocked   Kind = "blocked"
	KindSkipped   Kind = "skipped"
)

type Reason string

const (
	ReasonNone          Reason = ""
	ReasonOptedOut      Reason = "opted_out"
	ReasonTerminal      Reason = "terminal"
	ReasonInvalidState  Reason = "invalid_state"
	ReasonAlreadyQueued Reason = "already_scheduled"
	ReasonEmergencyStop Reason = "emergency_stop"
	ReasonThrottled     Reason = "throttled"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonInvalidEmail  Reason = "invalid_email"
	ReasonCompliance    Reason = "compliance"
	ReasonConflict      Reason = "conflict"
)

// Outcome is the result of one contact attempt. Blocked and skipped are
// ordinary results, not errors.
type Outcome struct {
	Kind         Kind       `json:"kind"`
	Reason       Reason     `json:"reason,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	Violations   []string   `json:"violations,omitempty"`
	RetryAfter   *time.Time `json:"retryAfter,omitempty"`
	MessageID    string     `json:"messageId,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	LeadID       string     `json:"leadId"`
}

// Backpressure reports a global gate that defers the whole batch.
func (o Outcome) Backpressure() bool {
	return o.Kind == KindBlocked &&
		(o.Reason == ReasonEmergencyStop || o.Reason == ReasonThrottled || o.Reason == ReasonRateLimited)
}

// Retryable is false for outcomes that must never be retried automatically.
func (o Outcome) Retryable() bool {
	switch o.Reason {
	case ReasonOptedOut, ReasonTerminal, ReasonInvalidEmail:
		return false
	}
	return o.Kind == KindBlocked || o.Reason == ReasonConflict
}

var (
	// ErrPersistence wraps store failures. No partial transition is written.
	ErrPersistence = errors.New("persistence error")
	// ErrIllegalTransition is returned by Transition for moves outside the lifecycle.
	ErrIllegalTransition = errors.New("illegal lead transition")
)
