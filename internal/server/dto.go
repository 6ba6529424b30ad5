package server

import (
	"encoding/json"
	"time"

	"factorytwin/internal/domain"
	"factorytwin/internal/store"
	twinsdk "factorytwin/sdk/go"
)

// Request payloads

type MachinePatchRequest struct {
	Status      *string  `json:"status,omitempty" enum:"running,idle,maintenance"`
	Utilization *float64 `json:"utilization,omitempty" minimum:"0"`
	EnergyUsage *float64 `json:"energy_usage,omitempty" minimum:"0"`
}

func (r MachinePatchRequest) patch(id int64) twinsdk.MachineUpdate {
	u := twinsdk.MachineUpdate{MachineID: id, Utilization: r.Utilization, EnergyUsage: r.EnergyUsage}
	if r.Status != nil {
		s := twinsdk.MachineStatus(*r.Status)
		u.Status = &s
	}
	return u
}

// Response payloads

type HealthResponse struct {
	Status    string `json:"status" example:"ok"`
	Phase     string `json:"phase" enum:"loading,ready"`
	SessionID string `json:"session_id"`
}

type MachineResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status" enum:"running,idle,maintenance"`
	Utilization float64 `json:"utilization"`
	EnergyUsage float64 `json:"energy_usage"`
}

type OrderResponse struct {
	ID       int64  `json:"id"`
	Customer string `json:"customer"`
	Quantity int    `json:"quantity"`
	Deadline string `json:"deadline,omitempty" format:"date-time"`
	Status   string `json:"status"`
}

type EnergyPriceResponse struct {
	Timestamp   string  `json:"timestamp" format:"date-time"`
	PricePerKWh float64 `json:"price_per_kwh"`
}

type DecisionResponse struct {
	ID        string `json:"id"`
	Agent     string `json:"agent"`
	Decision  string `json:"decision"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
}

type ActionResponse struct {
	Action    string  `json:"action"`
	MachineID int64   `json:"machine_id"`
	Value     float64 `json:"value,omitempty"`
}

type UpdateResponse struct {
	MachineID   int64    `json:"machine_id"`
	NewStatus   *string  `json:"new_status,omitempty"`
	Utilization *float64 `json:"new_utilization,omitempty"`
	EnergyUsage *float64 `json:"new_energy_usage,omitempty"`
}

type StateResponse struct {
	Phase      string                `json:"phase" enum:"loading,ready"`
	Generation uint64                `json:"generation"`
	Revision   uint64                `json:"revision"`
	Machines   []MachineResponse     `json:"machines"`
	Working    []MachineResponse     `json:"working"`
	Orders     []OrderResponse       `json:"orders"`
	Energy     []EnergyPriceResponse `json:"energy"`
	Decisions  []DecisionResponse    `json:"decisions"`
	Proposed   []ActionResponse      `json:"proposed"`
	ProposedBy string                `json:"proposed_by,omitempty"`
}

type ProposalResponse struct {
	Agent   string           `json:"agent,omitempty"`
	Actions []ActionResponse `json:"actions"`
}

type ApplyResponse struct {
	Updates []UpdateResponse `json:"updates"`
}

type RunAllResponse struct {
	Agents  map[string]json.RawMessage `json:"agents,omitempty"`
	Updates []UpdateResponse           `json:"updates"`
}

type RunAgentResponse struct {
	Agent string          `json:"agent"`
	Ack   json.RawMessage `json:"ack,omitempty"`
}

type ReloadResponse struct {
	Failed []string `json:"failed"`
}

type JournalEntryResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type paginatedJournal struct {
	Items      []JournalEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func machineResponses(items []twinsdk.Machine) []MachineResponse {
	out := make([]MachineResponse, 0, len(items))
	for _, m := range items {
		out = append(out, MachineResponse{ID: m.ID, Name: m.Name, Status: string(m.Status), Utilization: m.Utilization, EnergyUsage: m.EnergyUsage})
	}
	return out
}

func actionResponses(items []twinsdk.Action) []ActionResponse {
	out := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		out = append(out, ActionResponse{Action: a.Action, MachineID: a.MachineID, Value: a.Value})
	}
	return out
}

func updateResponses(items []twinsdk.MachineUpdate) []UpdateResponse {
	out := make([]UpdateResponse, 0, len(items))
	for _, u := range items {
		r := UpdateResponse{MachineID: u.MachineID, Utilization: u.Utilization, EnergyUsage: u.EnergyUsage}
		if u.Status != nil {
			s := string(*u.Status)
			r.NewStatus = &s
		}
		out = append(out, r)
	}
	return out
}

func timestamp(t twinsdk.Timestamp) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stateResponse(v store.View) StateResponse {
	resp := StateResponse{
		Phase:      v.Phase,
		Generation: v.Generation,
		Revision:   v.Revision,
		Machines:   machineResponses(v.Machines),
		Working:    machineResponses(v.Working),
		Orders:     make([]OrderResponse, 0, len(v.Orders)),
		Energy:     make([]EnergyPriceResponse, 0, len(v.Energy)),
		Decisions:  make([]DecisionResponse, 0, len(v.Decisions)),
		Proposed:   actionResponses(v.Proposed),
		ProposedBy: v.ProposedBy,
	}
	for _, o := range v.Orders {
		resp.Orders = append(resp.Orders, OrderResponse{ID: o.ID, Customer: o.Customer, Quantity: o.Quantity, Deadline: timestamp(o.Deadline), Status: string(o.Status)})
	}
	for _, p := range v.Energy {
		resp.Energy = append(resp.Energy, EnergyPriceResponse{Timestamp: timestamp(p.Timestamp), PricePerKWh: p.PricePerKWh})
	}
	for _, d := range v.Decisions {
		resp.Decisions = append(resp.Decisions, DecisionResponse{ID: string(d.ID), Agent: d.Agent, Decision: d.Decision, CreatedAt: timestamp(d.CreatedAt)})
	}
	return resp
}

func journalResponse(e domain.JournalEntry) JournalEntryResponse {
	return JournalEntryResponse{ID: e.ID, TS: e.TS, Type: e.Type, SessionID: e.SessionID, EntityKind: e.EntityKind, EntityID: e.EntityID, Payload: e.Payload}
}
