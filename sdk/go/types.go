package twinsdk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MachineStatus is the operating state of a machine.
type MachineStatus string

const (
	StatusRunning     MachineStatus = "running"
	StatusIdle        MachineStatus = "idle"
	StatusMaintenance MachineStatus = "maintenance"
)

// Valid reports whether s is one of the known machine statuses.
func (s MachineStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusIdle, StatusMaintenance:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// Machine is a production machine as reported by the backend.
type Machine struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Status      MachineStatus `json:"status"`
	Utilization float64       `json:"utilization"`
	EnergyUsage float64       `json:"energy_usage"`
}

// MachineFields is a partial machine used for updates. Nil fields are left untouched.
type MachineFields struct {
	Name        *string        `json:"name,omitempty"`
	Status      *MachineStatus `json:"status,omitempty"`
	Utilization *float64       `json:"utilization,omitempty"`
	EnergyUsage *float64       `json:"energy_usage,omitempty"`
}

// Empty reports whether no field is set.
func (f MachineFields) Empty() bool {
	return f.Name == nil && f.Status == nil && f.Utilization == nil && f.EnergyUsage == nil
}

// Order is a customer order. Orders are read-only for clients.
type Order struct {
	ID       int64       `json:"id"`
	Customer string      `json:"customer"`
	Quantity int         `json:"quantity"`
	Deadline Timestamp   `json:"deadline"`
	Status   OrderStatus `json:"status"`
}

// EnergyPrice is one point of the energy price series.
type EnergyPrice struct {
	Timestamp   Timestamp `json:"timestamp"`
	PricePerKWh float64   `json:"price_per_kwh"`
}

// DecisionID identifies an agent decision. Backend records carry numeric ids,
// records created from the event stream carry client-generated ones.
type DecisionID string

func (id *DecisionID) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decision id: %w", err)
	}
	switch x := v.(type) {
	case nil:
		*id = ""
	case json.Number:
		*id = DecisionID(x.String())
	case string:
		*id = DecisionID(x)
	default:
		return fmt.Errorf("decision id: unsupported value %s", string(b))
	}
	return nil
}

// AgentDecision is one entry of the decision log. Decision always holds the
// serialized decision content, whatever form the backend delivered it in.
type AgentDecision struct {
	ID        DecisionID `json:"id"`
	Agent     string     `json:"agent"`
	Decision  string     `json:"decision"`
	CreatedAt Timestamp  `json:"created_at"`
}

func (d *AgentDecision) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID        DecisionID      `json:"id"`
		Agent     string          `json:"agent"`
		AgentName string          `json:"agent_name"`
		Decision  json.RawMessage `json:"decision"`
		CreatedAt Timestamp       `json:"created_at"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	text, err := NormalizeDecision(raw.Decision)
	if err != nil {
		return err
	}
	d.ID = raw.ID
	d.Agent = raw.Agent
	if d.Agent == "" {
		d.Agent = raw.AgentName
	}
	d.Decision = text
	d.CreatedAt = raw.CreatedAt
	return nil
}

// Content decodes the serialized decision.
func (d AgentDecision) Content() (DecisionContent, error) {
	return ParseDecision(d.Decision)
}

// NormalizeDecision turns a decision payload into its stored string form.
// A JSON string is unwrapped; any other JSON value is serialized compactly.
// Strings that themselves hold JSON are compacted too, so a decision sent as
// an object and the same decision sent pre-serialized end up identical.
func NormalizeDecision(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("decision: %w", err)
		}
		inner := strings.TrimSpace(s)
		if inner != "" && (inner[0] == '{' || inner[0] == '[') && json.Valid([]byte(inner)) {
			return compactJSON([]byte(inner))
		}
		return s, nil
	}
	if !json.Valid(trimmed) {
		return "", errors.New("decision: invalid JSON")
	}
	return compactJSON(trimmed)
}

func compactJSON(b []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return "", fmt.Errorf("decision: %w", err)
	}
	return buf.String(), nil
}

// Action is one step proposed or taken by an agent.
type Action struct {
	Action    string  `json:"action"`
	MachineID int64   `json:"machine_id"`
	Value     float64 `json:"value,omitempty"`
}

// Impact summarizes the expected effect of a decision.
type Impact struct {
	EnergyChangePercent     float64 `json:"energy_change_percent"`
	ThroughputChangePercent float64 `json:"throughput_change_percent"`
	Notes                   string  `json:"notes,omitempty"`
}

// DecisionContent is the structured body of an agent decision.
type DecisionContent struct {
	Actions     []Action        `json:"actions"`
	Impact      Impact          `json:"impact"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
}

// ParseDecision decodes a stored decision string.
func ParseDecision(s string) (DecisionContent, error) {
	var c DecisionContent
	if strings.TrimSpace(s) == "" {
		return c, errors.New("decision: empty")
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return c, fmt.Errorf("decision: %w", err)
	}
	return c, nil
}

// Suggestion is a non-committing agent recommendation.
type Suggestion struct {
	Decision DecisionContent `json:"decision"`
}

// UpdateFieldAliases lists, per patch field, the JSON keys accepted on the wire
// in probe order. Different backend revisions and event kinds use either set.
var UpdateFieldAliases = struct {
	MachineID   []string
	Status      []string
	Utilization []string
	EnergyUsage []string
}{
	MachineID:   []string{"machine_id", "id"},
	Status:      []string{"new_status", "status"},
	Utilization: []string{"new_utilization", "utilization"},
	EnergyUsage: []string{"new_energy_usage", "energy_usage"},
}

var errMissingMachineID = errors.New("machine update: no machine id")

// MachineUpdate is a sparse, by-id patch of a machine. Nil fields are absent.
type MachineUpdate struct {
	MachineID   int64          `json:"machine_id"`
	Status      *MachineStatus `json:"new_status,omitempty"`
	Utilization *float64       `json:"new_utilization,omitempty"`
	EnergyUsage *float64       `json:"new_energy_usage,omitempty"`
}

func (u *MachineUpdate) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("machine update: %w", err)
	}
	parsed, ok := updateFromFields(fields)
	if !ok {
		return errMissingMachineID
	}
	*u = parsed
	return nil
}

// Fields converts the patch into the body of a machine update request.
func (u MachineUpdate) Fields() MachineFields {
	return MachineFields{
		Status:      u.Status,
		Utilization: u.Utilization,
		EnergyUsage: u.EnergyUsage,
	}
}

// MachineUpdates decodes leniently: entries without a usable machine id are dropped.
type MachineUpdates []MachineUpdate

func (us *MachineUpdates) UnmarshalJSON(b []byte) error {
	decoded, err := DecodeUpdates(b)
	if err != nil {
		return err
	}
	*us = decoded
	return nil
}

// DecodeUpdates decodes a single update object or an array of them, probing
// every alias in UpdateFieldAliases. Entries that are not objects or carry no
// machine id are skipped. A payload that is neither object nor array is an error.
func DecodeUpdates(b []byte) ([]MachineUpdate, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, errors.New("machine update: empty payload")
	}
	switch trimmed[0] {
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("machine update: %w", err)
		}
		if u, ok := updateFromFields(fields); ok {
			return []MachineUpdate{u}, nil
		}
		return nil, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("machine update: %w", err)
		}
		out := make([]MachineUpdate, 0, len(items))
		for _, item := range items {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(item, &fields); err != nil {
				continue
			}
			if u, ok := updateFromFields(fields); ok {
				out = append(out, u)
			}
		}
		return out, nil
	case 'n':
		if bytes.Equal(trimmed, []byte("null")) {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("machine update: unexpected payload %.32q", string(trimmed))
}

func updateFromFields(fields map[string]json.RawMessage) (MachineUpdate, bool) {
	var u MachineUpdate
	id, ok := probeID(fields, UpdateFieldAliases.MachineID)
	if !ok {
		return u, false
	}
	u.MachineID = id
	if s, ok := probeString(fields, UpdateFieldAliases.Status); ok {
		status := MachineStatus(s)
		u.Status = &status
	}
	if v, ok := probeNumber(fields, UpdateFieldAliases.Utilization); ok {
		u.Utilization = &v
	}
	if v, ok := probeNumber(fields, UpdateFieldAliases.EnergyUsage); ok {
		u.EnergyUsage = &v
	}
	return u, true
}

func probeID(fields map[string]json.RawMessage, keys []string) (int64, bool) {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok || isNull(raw) {
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			if id, err := n.Int64(); err == nil {
				return id, true
			}
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

func probeString(fields map[string]json.RawMessage, keys []string) (string, bool) {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok || isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
	}
	return "", false
}

func probeNumber(fields map[string]json.RawMessage, keys []string) (float64, bool) {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok || isNull(raw) {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, true
		}
	}
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// ApplyResult is the backend's answer to an apply request.
type ApplyResult struct {
	Updates MachineUpdates `json:"updates"`
}

// RunAllResult is the backend's answer to a run-all request.
type RunAllResult struct {
	Agents  map[string]json.RawMessage `json:"agents"`
	Updates MachineUpdates             `json:"updates"`
}

// Timestamp accepts RFC 3339 as well as the zone-less ISO form the backend
// emits, which is read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses any of the accepted timestamp layouts.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{t.UTC()}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
