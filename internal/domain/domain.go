package domain

import (
	"encoding/json"
	"time"

	twinsdk "factorytwin/sdk/go"
)

// EventKind names a stream event channel.
type EventKind string

const (
	KindDecision      EventKind = "decision"
	KindStateUpdate   EventKind = "state_update"
	KindMachineUpdate EventKind = "machine_update"
	// KindMessage is the channel for unnamed events.
	KindMessage EventKind = "message"
)

// PatchKind reports whether events of this kind carry machine patches.
func (k EventKind) PatchKind() bool {
	return k == KindStateUpdate || k == KindMachineUpdate
}

// DecisionEvent is a decision pushed by the backend, already normalized.
type DecisionEvent struct {
	Agent     string            `json:"agent"`
	Decision  string            `json:"decision"`
	CreatedAt twinsdk.Timestamp `json:"created_at"`
}

// Event is a decoded stream event. Exactly one of Decision or Patches is set
// for the known kinds; other kinds only carry Data.
type Event struct {
	Kind       EventKind               `json:"kind"`
	ID         string                  `json:"id,omitempty"`
	Decision   *DecisionEvent          `json:"decision,omitempty"`
	Patches    []twinsdk.MachineUpdate `json:"patches,omitempty"`
	Data       json.RawMessage         `json:"data,omitempty"`
	ReceivedAt time.Time               `json:"received_at"`
}

// Handler receives every stream event in arrival order.
type Handler func(Event)

// JournalEntry is a row of the local session journal.
type JournalEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Journal entry types.
const (
	JournalStreamEvent   = "stream.event"
	JournalLocalEdit     = "machine.local_edit"
	JournalPersistFailed = "machine.persist_failed"
	JournalPersisted     = "machine.persisted"
	JournalActionsApply  = "agent.actions_applied"
	JournalAgentRun      = "agent.run"
	JournalSessionStart  = "session.start"
	JournalSessionEnd    = "session.end"
	JournalLoad          = "session.load"
)
