package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"factorytwin/internal/domain"
	twinsdk "factorytwin/sdk/go"
)

type updateCall struct {
	id     int64
	fields twinsdk.MachineFields
}

type fakeBackend struct {
	mu sync.Mutex

	machines     []twinsdk.Machine
	orders       []twinsdk.Order
	energy       []twinsdk.EnergyPrice
	decisions    []twinsdk.AgentDecision
	machinesErr  error
	ordersErr    error
	energyErr    error
	decisionsErr error
	// machinesGate, if set, blocks the machines fetch until closed.
	machinesGate chan struct{}

	// decisionsGate, if set, blocks the decisions fetch until closed;
	// decisionsEntered is closed when the fetch starts.
	decisionsGate    chan struct{}
	decisionsEntered chan struct{}

	updates   []updateCall
	updateErr error

	suggestion twinsdk.Suggestion
	suggestErr error
	applied    [][]twinsdk.Action
	applyRes   twinsdk.ApplyResult
	applyErr   error

	runAll  twinsdk.RunAllResult
	runKeys []twinsdk.AgentKey
}

func (f *fakeBackend) Machines(ctx context.Context) ([]twinsdk.Machine, error) {
	if f.machinesGate != nil {
		<-f.machinesGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]twinsdk.Machine(nil), f.machines...), f.machinesErr
}

func (f *fakeBackend) Orders(context.Context) ([]twinsdk.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders, f.ordersErr
}

func (f *fakeBackend) Energy(context.Context) ([]twinsdk.EnergyPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.energy, f.energyErr
}

func (f *fakeBackend) Decisions(context.Context) ([]twinsdk.AgentDecision, error) {
	if f.decisionsGate != nil {
		if f.decisionsEntered != nil {
			close(f.decisionsEntered)
		}
		<-f.decisionsGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decisions, f.decisionsErr
}

func (f *fakeBackend) UpdateMachine(_ context.Context, id int64, fields twinsdk.MachineFields) (twinsdk.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{id: id, fields: fields})
	if f.updateErr != nil {
		return twinsdk.Machine{}, f.updateErr
	}
	for _, m := range f.machines {
		if m.ID == id {
			if fields.Status != nil {
				m.Status = *fields.Status
			}
			if fields.Utilization != nil {
				m.Utilization = *fields.Utilization
			}
			return m, nil
		}
	}
	return twinsdk.Machine{}, &twinsdk.TransportError{Op: "update machine", Err: &twinsdk.APIError{StatusCode: 404}}
}

func (f *fakeBackend) SuggestAgent(context.Context, string) (twinsdk.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suggestion, f.suggestErr
}

func (f *fakeBackend) ApplyActions(_ context.Context, actions []twinsdk.Action) (twinsdk.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, actions)
	return f.applyRes, f.applyErr
}

func (f *fakeBackend) RunAgent(_ context.Context, key twinsdk.AgentKey) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runKeys = append(f.runKeys, key)
	return json.RawMessage(`{"status":"ok"}`), nil
}

func (f *fakeBackend) RunAllAgents(context.Context) (twinsdk.RunAllResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runAll, nil
}

func (f *fakeBackend) updateCalls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall(nil), f.updates...)
}

type fakeSubscriber struct {
	events chan domain.Event
	closed chan struct{}
	once   sync.Once
	closes int32
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{events: make(chan domain.Event), closed: make(chan struct{})}
}

func (f *fakeSubscriber) Run(ctx context.Context, h domain.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closed:
			return nil
		case evt := <-f.events:
			h(evt)
		}
	}
}

func (f *fakeSubscriber) Close() error {
	atomic.AddInt32(&f.closes, 1)
	f.once.Do(func() { close(f.closed) })
	return nil
}

type journalCall struct {
	evtType    string
	entityKind string
	entityID   string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []journalCall
}

func (r *fakeRecorder) Record(_ context.Context, evtType, entityKind, entityID string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, journalCall{evtType, entityKind, entityID})
	return nil
}

func (r *fakeRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.evtType)
	}
	return out
}

func status(s twinsdk.MachineStatus) *twinsdk.MachineStatus { return &s }
func num(v float64) *float64                                { return &v }

func machineByID(list []twinsdk.Machine, id int64) twinsdk.Machine {
	for _, m := range list {
		if m.ID == id {
			return m
		}
	}
	return twinsdk.Machine{}
}
