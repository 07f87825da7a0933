package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type AuditAction string

const (
	ActionEmailSent           AuditAction = "EMAIL_SENT"
	ActionEmailScheduled      AuditAction = "EMAIL_SCHEDULED"
	ActionEmailReceived       AuditAction = "EMAIL_RECEIVED"
	ActionStatusChanged       AuditAction = "STATUS_CHANGED"
	ActionComplianceCheck     AuditAction = "COMPLIANCE_CHECK"
	ActionRateLimitHit        AuditAction = "RATE_LIMIT_HIT"
	ActionKillSwitchActivated AuditAction = "KILL_SWITCH_ACTIVATED"
	ActionSendFailed          AuditAction = "SEND_FAILED"
	ActionSkipped             AuditAction = "SKIPPED"
)

// AuditLogEntry is append-only. LeadID is empty for system-wide entries.
type AuditLogEntry struct {
	ID        string      `json:"id"`
	LeadID    string      `json:"leadId,omitempty"`
	Action    AuditAction `json:"action"`
	Reasoning string      `json:"reasoning"`
	Metadata  Metadata    `json:"metadata,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// MessageID returns the transport message id carried by send outcomes.
func (e AuditLogEntry) MessageID() string {
	if so, ok := e.Metadata.(SendOutcome); ok {
		return so.MessageID
	}
	return ""
}

type DeliveryStatus string

const (
	DeliveryUnknown   DeliveryStatus = "unknown"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryDelayed   DeliveryStatus = "delivery_delayed"
)

func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch DeliveryStatus(s) {
	case DeliveryDelivered, DeliveryBounced, DeliveryDelayed:
		return DeliveryStatus(s), true
	}
	return DeliveryUnknown, false
}

// Metadata is the closed set of structured payloads an audit entry may carry.
type Metadata interface {
	MetadataKind() string
}

type SendOutcome struct {
	MessageID      string         `json:"messageId"`
	ThreadID       string         `json:"threadId,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	SequenceStep   int            `json:"sequenceStep"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus,omitempty"`
	ScheduledFor   *time.Time     `json:"scheduledFor,omitempty"`
}

type PauseWindow struct {
	Reason   string    `json:"pauseReason"`
	Minutes  int       `json:"pauseDurationMinutes"`
	PausedAt time.Time `json:"pausedAt"`
	ResumeAt time.Time `json:"resumeAt"`
}

type Transition struct {
	From  LeadStatus `json:"from"`
	To    LeadStatus `json:"to"`
	Cause string     `json:"cause"`
}

type Block struct {
	Kind       string     `json:"kind"`
	Detail     string     `json:"detail,omitempty"`
	Violations []string   `json:"violations,omitempty"`
	RetryAfter *time.Time `json:"retryAfter,omitempty"`
}

type KillSwitch struct {
	Active bool   `json:"active"`
	Actor  string `json:"actor"`
}

type Inbound struct {
	From           string `json:"from"`
	Subject        string `json:"subject,omitempty"`
	Classification string `json:"classification"`
	MessageID      string `json:"messageId,omitempty"`
}

func (SendOutcome) MetadataKind() string { return "send" }
func (PauseWindow) MetadataKind() string { return "pause" }
func (Transition) MetadataKind() string  { return "transition" }
func (Block) MetadataKind() string       { return "block" }
func (KillSwitch) MetadataKind() string  { return "kill_switch" }
func (Inbound) MetadataKind() string     { return "inbound" }

type metadataEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata renders m as {"kind":...,"data":{...}}. A nil m encodes as "{}".
func EncodeMetadata(m Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s metadata: %w", m.MetadataKind(), err)
	}
	out, err := json.Marshal(metadataEnvelope{Kind: m.MetadataKind(), Data: body})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func DecodeMetadata(raw string) (Metadata, error) {
	if raw == "" || raw == "{}" || raw == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode metadata envelope: %w", err)
	}

	var (
		m   Metadata
		err error
	)
	switch env.Kind {
	case "send":
		var v SendOutcome
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "pause":
		var v PauseWindow
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "transition":
		var v Transition
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "block":
		var v Block
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "kill_switch":
		var v KillSwitch
		err = json.Unmarshal(env.Data, &v)
		m = v
	case "inbound":
		var v Inbound
		err = json.Unmarshal(env.Data, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", env.Kind, err)
	}
	return m, nil
}

// MarshalJSON emits the metadata envelope so API consumers see the kind tag.
func (e AuditLogEntry) MarshalJSON() ([]byte, error) {
	type plain AuditLogEntry
	meta, err := EncodeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{plain: plain(e), Metadata: json.RawMessage(meta)})
}
