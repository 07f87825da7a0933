package events

import (
	"encoding/json"
	"time"
)

const (
	TypeLeadContacted  = "lead_contacted"
	TypeLeadScheduled  = "lead_scheduled"
	TypeLeadBlocked    = "lead_blocked"
	TypeLeadSkipped    = "lead_skipped"
	TypeLeadStatus     = "lead_status"
	TypeKillSwitch     = "kill_switch"
	TypeThrottlePaused = "throttle_paused"
	TypeDelivery       = "delivery_status"
	TypeDriverRun      = "driver_run"
)

type Event struct {
	Type      string          `json:"type"`
	Version   int             `json:"v"`
	At        time.Time       `json:"at"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Publisher receives serialized events. *Hub implements it.
type Publisher interface {
	Publish(evt string)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(string) {}

func MakeEvent(reqID, typ string, v int, data any) string {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	e := Event{
		Type:      typ,
		Version:   v,
		At:        time.Now().UTC(),
		RequestID: reqID,
		Data:      raw,
	}
	b, _ := json.Marshal(e)
	return string(b)
}
