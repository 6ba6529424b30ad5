package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"factorytwin/internal/domain"
	twinsdk "factorytwin/sdk/go"
)

// DecodeError reports a stream payload that could not be normalized.
// The event is dropped; the subscription keeps going.
type DecodeError struct {
	Kind domain.EventKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s event: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode normalizes a raw event payload of the given kind. An empty kind is
// the unnamed channel. Kinds without a known shape are passed through raw.
func Decode(kind string, data []byte) (domain.Event, error) {
	k := domain.EventKind(kind)
	if k == "" {
		k = domain.KindMessage
	}
	evt := domain.Event{Kind: k, ReceivedAt: time.Now().UTC()}
	switch {
	case k == domain.KindDecision:
		d, err := decodeDecision(data)
		if err != nil {
			return evt, &DecodeError{Kind: k, Err: err}
		}
		evt.Decision = &d
	case k.PatchKind():
		patches, err := twinsdk.DecodeUpdates(data)
		if err != nil {
			return evt, &DecodeError{Kind: k, Err: err}
		}
		evt.Patches = patches
	default:
		if len(bytes.TrimSpace(data)) > 0 {
			evt.Data = append(json.RawMessage(nil), data...)
		}
	}
	return evt, nil
}

func decodeDecision(data []byte) (domain.DecisionEvent, error) {
	var raw struct {
		Agent     string            `json:"agent"`
		AgentName string            `json:"agent_name"`
		Decision  json.RawMessage   `json:"decision"`
		CreatedAt twinsdk.Timestamp `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.DecisionEvent{}, err
	}
	text, err := twinsdk.NormalizeDecision(raw.Decision)
	if err != nil {
		return domain.DecisionEvent{}, err
	}
	agent := raw.Agent
	if agent == "" {
		agent = raw.AgentName
	}
	return domain.DecisionEvent{Agent: agent, Decision: text, CreatedAt: raw.CreatedAt}, nil
}
