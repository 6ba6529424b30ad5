package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"factorytwin/internal/domain"
	"factorytwin/internal/metrics"
	twinsdk "factorytwin/sdk/go"
)

// Persister stores a local machine edit on the backend.
type Persister interface {
	UpdateMachine(ctx context.Context, id int64, fields twinsdk.MachineFields) (twinsdk.Machine, error)
}

// AgentClient asks agents for suggestions and submits actions.
type AgentClient interface {
	SuggestAgent(ctx context.Context, agentName string) (twinsdk.Suggestion, error)
	ApplyActions(ctx context.Context, actions []twinsdk.Action) (twinsdk.ApplyResult, error)
}

// Recorder appends to the session journal.
type Recorder interface {
	Record(ctx context.Context, evtType, entityKind, entityID string, payload map[string]any) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, string, string, map[string]any) error { return nil }

// ErrNoProposal is returned when applying an empty proposed action list.
var ErrNoProposal = errors.New("no proposed actions")

// DefaultPersistTimeout bounds a single persistence call.
const DefaultPersistTimeout = 10 * time.Second

// Overlay is the working copy of the machines that presentation reads.
// It is re-derived from the store only when the canonical collection is
// replaced; sparse patches are merged into both copies, so local edits
// survive stream traffic until the next full load.
type Overlay struct {
	store   *Store
	persist Persister
	agents  AgentClient
	rec     Recorder
	log     *zap.SugaredLogger
	timeout time.Duration

	// guarded by store.mu
	working     []twinsdk.Machine
	derived     bool
	derivedFrom uint64
	proposed    []twinsdk.Action
	proposedBy  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OverlayOptions configures an Overlay.
type OverlayOptions struct {
	PersistTimeout time.Duration
	Recorder       Recorder
	Logger         *zap.SugaredLogger
}

func NewOverlay(s *Store, persist Persister, agents AgentClient, opts OverlayOptions) *Overlay {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Overlay{
		store:   s,
		persist: persist,
		agents:  agents,
		rec:     opts.Recorder,
		log:     opts.Logger,
		timeout: opts.PersistTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// syncLocked re-derives the working copy if the canonical collection was
// replaced since the last derivation.
func (o *Overlay) syncLocked() {
	if o.derived && o.derivedFrom == o.store.generation {
		return
	}
	o.working = cloneMachines(o.store.machines)
	o.derivedFrom = o.store.generation
	o.derived = true
}

// Working returns a copy of the working machine collection.
func (o *Overlay) Working() []twinsdk.Machine {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	o.syncLocked()
	return cloneMachines(o.working)
}

// Machine returns one machine of the working copy.
func (o *Overlay) Machine(id int64) (twinsdk.Machine, bool) {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	o.syncLocked()
	for _, m := range o.working {
		if m.ID == id {
			return m, true
		}
	}
	return twinsdk.Machine{}, false
}

// ApplyLocalUpdate merges an edit into the working copy at once and persists
// it in the background. A failed persistence is logged and journaled; the
// edit stays applied. A successful one updates the canonical store.
func (o *Overlay) ApplyLocalUpdate(ctx context.Context, patch twinsdk.MachineUpdate) error {
	fields := patch.Fields()
	o.store.mu.Lock()
	if o.store.disposed {
		o.store.mu.Unlock()
		return ErrDisposed
	}
	o.syncLocked()
	misses := MergeMachines(o.working, []twinsdk.MachineUpdate{patch})
	o.store.changedLocked()
	// dispose marks the store before waiting, so no Add can race the Wait.
	if !fields.Empty() {
		o.wg.Add(1)
	}
	o.store.mu.Unlock()

	if len(misses) > 0 {
		metrics.MergeMisses.Inc()
		o.log.Debugw("local edit for machine not in working copy", "machine_id", patch.MachineID)
	}
	o.record(ctx, domain.JournalLocalEdit, patch.MachineID, map[string]any{"patch": patch})

	if fields.Empty() {
		return nil
	}
	go func() {
		defer o.wg.Done()
		o.persistEdit(patch.MachineID, fields)
	}()
	return nil
}

func (o *Overlay) persistEdit(id int64, fields twinsdk.MachineFields) {
	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()
	saved, err := o.persist.UpdateMachine(ctx, id, fields)
	if err != nil {
		if o.ctx.Err() != nil {
			return
		}
		metrics.PersistFailures.Inc()
		countTransportError(err)
		o.log.Warnw("machine edit not persisted; keeping local value", "machine_id", id, "error", err)
		o.record(o.ctx, domain.JournalPersistFailed, id, map[string]any{"fields": fields, "error": err.Error()})
		return
	}

	o.store.mu.Lock()
	if o.store.disposed {
		o.store.mu.Unlock()
		return
	}
	if saved.ID != id || !o.store.replaceMachineLocked(saved) {
		o.store.applyPatchesLocked([]twinsdk.MachineUpdate{fieldsPatch(id, fields)})
	}
	o.store.mu.Unlock()
	o.record(o.ctx, domain.JournalPersisted, id, map[string]any{"machine": saved})
}

func fieldsPatch(id int64, f twinsdk.MachineFields) twinsdk.MachineUpdate {
	return twinsdk.MachineUpdate{MachineID: id, Status: f.Status, Utilization: f.Utilization, EnergyUsage: f.EnergyUsage}
}

// SetStatus is a local edit of the machine status.
func (o *Overlay) SetStatus(ctx context.Context, id int64, status twinsdk.MachineStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid machine status %q", status)
	}
	return o.ApplyLocalUpdate(ctx, twinsdk.MachineUpdate{MachineID: id, Status: &status})
}

// SetUtilization is a local edit of the machine utilization.
func (o *Overlay) SetUtilization(ctx context.Context, id int64, utilization float64) error {
	return o.ApplyLocalUpdate(ctx, twinsdk.MachineUpdate{MachineID: id, Utilization: &utilization})
}

// ApplyStreamPatch merges stream patches into the canonical store and the
// working copy by the same rule.
func (o *Overlay) ApplyStreamPatch(patches []twinsdk.MachineUpdate) ([]int64, error) {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	if o.store.disposed {
		return nil, ErrDisposed
	}
	return o.applyEverywhereLocked(patches), nil
}

func (o *Overlay) applyEverywhereLocked(patches []twinsdk.MachineUpdate) []int64 {
	o.syncLocked()
	misses := o.store.applyPatchesLocked(patches)
	MergeMachines(o.working, patches)
	return misses
}

// Suggest asks an agent for a recommendation and replaces the proposed
// action list with it. Nothing is applied.
func (o *Overlay) Suggest(ctx context.Context, agentName string) ([]twinsdk.Action, error) {
	s, err := o.agents.SuggestAgent(ctx, agentName)
	if err != nil {
		countTransportError(err)
		o.log.Warnw("suggestion failed", "agent", agentName, "error", err)
		return nil, err
	}
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	if o.store.disposed {
		return nil, ErrDisposed
	}
	o.proposed = append([]twinsdk.Action(nil), s.Decision.Actions...)
	o.proposedBy = agentName
	o.store.changedLocked()
	return append([]twinsdk.Action(nil), o.proposed...), nil
}

// Proposed returns the current proposed actions and the agent that made them.
func (o *Overlay) Proposed() ([]twinsdk.Action, string) {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	return append([]twinsdk.Action(nil), o.proposed...), o.proposedBy
}

// ApplyProposed submits the proposed action list.
func (o *Overlay) ApplyProposed(ctx context.Context) ([]twinsdk.MachineUpdate, error) {
	actions, _ := o.Proposed()
	if len(actions) == 0 {
		return nil, ErrNoProposal
	}
	return o.ApplyActions(ctx, actions)
}

// ApplyActions submits actions, merges the backend's updates into the store
// and the working copy, and clears the proposed list. On failure nothing
// changes and the proposal is kept.
func (o *Overlay) ApplyActions(ctx context.Context, actions []twinsdk.Action) ([]twinsdk.MachineUpdate, error) {
	res, err := o.agents.ApplyActions(ctx, actions)
	if err != nil {
		countTransportError(err)
		o.log.Warnw("apply actions failed", "actions", len(actions), "error", err)
		return nil, err
	}
	o.store.mu.Lock()
	if o.store.disposed {
		o.store.mu.Unlock()
		return nil, ErrDisposed
	}
	o.applyEverywhereLocked(res.Updates)
	o.proposed = nil
	o.proposedBy = ""
	o.store.changedLocked()
	o.store.mu.Unlock()

	o.record(ctx, domain.JournalActionsApply, 0, map[string]any{"actions": actions, "updates": res.Updates})
	return res.Updates, nil
}

// Wait blocks until background persistence calls have finished.
func (o *Overlay) Wait() {
	o.wg.Wait()
}

// dispose cancels pending persistence calls and waits for them.
func (o *Overlay) dispose() {
	o.cancel()
	o.wg.Wait()
}

func (o *Overlay) record(ctx context.Context, evtType string, machineID int64, payload map[string]any) {
	entityID := ""
	if machineID != 0 {
		entityID = strconv.FormatInt(machineID, 10)
	}
	if err := o.rec.Record(context.WithoutCancel(ctx), evtType, "machine", entityID, payload); err != nil {
		o.log.Warnw("journal write failed", "type", evtType, "error", err)
	}
}

func countTransportError(err error) {
	op := "unknown"
	var te *twinsdk.TransportError
	if errors.As(err, &te) {
		op = te.Op
	}
	metrics.TransportErrors.WithLabelValues(op).Inc()
}
