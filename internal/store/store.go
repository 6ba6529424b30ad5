package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"factorytwin/internal/domain"
	"factorytwin/internal/metrics"
	twinsdk "factorytwin/sdk/go"
)

// Store phases.
const (
	PhaseLoading = "loading"
	PhaseReady   = "ready"
)

const (
	eventLoaded = "loaded"
	eventReload = "reload"
)

// DefaultMaxDecisions bounds the decision log when no limit is configured.
const DefaultMaxDecisions = 200

// ErrDisposed is returned once the owning session has been torn down.
var ErrDisposed = errors.New("session disposed")

// Source provides the four collections of a snapshot.
type Source interface {
	Machines(ctx context.Context) ([]twinsdk.Machine, error)
	Orders(ctx context.Context) ([]twinsdk.Order, error)
	Energy(ctx context.Context) ([]twinsdk.EnergyPrice, error)
	Decisions(ctx context.Context) ([]twinsdk.AgentDecision, error)
}

// Resource names one collection of the store.
type Resource string

const (
	ResourceMachines  Resource = "machines"
	ResourceOrders    Resource = "orders"
	ResourceEnergy    Resource = "energy"
	ResourceDecisions Resource = "decisions"
)

// Resources lists the collections in load order.
var Resources = []Resource{ResourceMachines, ResourceOrders, ResourceEnergy, ResourceDecisions}

// LoadReport records the outcome of each fetch of a load.
type LoadReport struct {
	Errors map[Resource]error
}

// Failed reports whether the fetch of r failed.
func (r LoadReport) Failed(res Resource) bool {
	return r.Errors[res] != nil
}

// Err joins the per-resource failures, or returns nil if every fetch succeeded.
func (r LoadReport) Err() error {
	var errs []error
	for _, res := range Resources {
		if err := r.Errors[res]; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res, err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot is a consistent copy of the store's collections.
type Snapshot struct {
	Phase string `json:"phase"`
	// Generation changes only when the machine collection is replaced.
	Generation uint64 `json:"generation"`
	// Revision changes on every mutation.
	Revision  uint64                  `json:"revision"`
	Machines  []twinsdk.Machine       `json:"machines"`
	Orders    []twinsdk.Order         `json:"orders"`
	Energy    []twinsdk.EnergyPrice   `json:"energy"`
	Decisions []twinsdk.AgentDecision `json:"decisions"`
}

// Store holds the canonical collections. Every mutation is applied in memory
// and is visible to the next Snapshot call.
type Store struct {
	// mu serializes every mutation of the store and of the overlay built on it.
	mu sync.Mutex

	phase        *fsm.FSM
	machines     []twinsdk.Machine
	orders       []twinsdk.Order
	energy       []twinsdk.EnergyPrice
	decisions    []twinsdk.AgentDecision
	generation   uint64
	revision     uint64
	maxDecisions int
	disposed     bool
	now          func() time.Time
	log          *zap.SugaredLogger

	// streamed holds decisions received while a decisions fetch is in
	// flight; they are kept on top of the fetched list.
	streamed     []twinsdk.AgentDecision
	fetchingDecs bool

	watchers map[int]chan struct{}
	nextW    int
}

func New(maxDecisions int, log *zap.SugaredLogger) *Store {
	if maxDecisions <= 0 {
		maxDecisions = DefaultMaxDecisions
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Store{
		maxDecisions: maxDecisions,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log,
		watchers:     map[int]chan struct{}{},
	}
	s.phase = fsm.NewFSM(
		PhaseLoading,
		fsm.Events{
			{Name: eventLoaded, Src: []string{PhaseLoading}, Dst: PhaseReady},
			{Name: eventReload, Src: []string{PhaseReady}, Dst: PhaseLoading},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugw("store phase changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// Phase returns the current phase.
func (s *Store) Phase() string {
	return s.phase.Current()
}

// Load fetches the four collections concurrently and installs each one as
// soon as it arrives. A failed fetch leaves that collection as it was and
// does not hold up the others. The store is ready once all four returned.
func (s *Store) Load(ctx context.Context, src Source) (LoadReport, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return LoadReport{}, ErrDisposed
	}
	if s.phase.Can(eventReload) {
		if err := s.phase.Event(context.WithoutCancel(ctx), eventReload); err != nil {
			s.mu.Unlock()
			return LoadReport{}, err
		}
		s.changedLocked()
	}
	s.fetchingDecs = true
	s.mu.Unlock()

	report := LoadReport{Errors: map[Resource]error{}}
	var reportMu sync.Mutex
	fetch := func(res Resource, run func() error) func() error {
		return func() error {
			if err := run(); err != nil {
				reportMu.Lock()
				report.Errors[res] = err
				reportMu.Unlock()
				s.log.Warnw("fetch failed", "resource", res, "error", err)
			}
			return nil
		}
	}

	var g errgroup.Group
	g.Go(fetch(ResourceMachines, func() error {
		list, err := src.Machines(ctx)
		if err != nil {
			return err
		}
		return s.install(func() {
			s.machines = dedupeMachines(list)
			s.generation++
		})
	}))
	g.Go(fetch(ResourceOrders, func() error {
		list, err := src.Orders(ctx)
		if err != nil {
			return err
		}
		return s.install(func() { s.orders = list })
	}))
	g.Go(fetch(ResourceEnergy, func() error {
		list, err := src.Energy(ctx)
		if err != nil {
			return err
		}
		return s.install(func() { s.energy = list })
	}))
	g.Go(fetch(ResourceDecisions, func() error {
		list, err := src.Decisions(ctx)
		if err != nil {
			_ = s.install(s.endDecisionFetchLocked)
			return err
		}
		return s.install(func() {
			merged := make([]twinsdk.AgentDecision, 0, len(s.streamed)+len(list))
			merged = append(merged, s.streamed...)
			merged = append(merged, list...)
			s.decisions = s.capDecisions(merged)
			s.endDecisionFetchLocked()
		})
	}))
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return report, ErrDisposed
	}
	if s.phase.Can(eventLoaded) {
		if err := s.phase.Event(context.WithoutCancel(ctx), eventLoaded); err != nil {
			return report, err
		}
		s.changedLocked()
	}
	s.log.Infow("snapshot loaded", "machines", len(s.machines), "orders", len(s.orders),
		"energy", len(s.energy), "decisions", len(s.decisions), "failed", len(report.Errors))
	return report, nil
}

// expectDecisions keeps stream decisions from now until the next decisions
// fetch resolves, for callers that open the stream before calling Load.
func (s *Store) expectDecisions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchingDecs = true
}

func (s *Store) endDecisionFetchLocked() {
	s.fetchingDecs = false
	s.streamed = nil
}

func (s *Store) install(apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	apply()
	s.changedLocked()
	return nil
}

// ApplyDecision prepends a stream decision under a fresh client identity and
// evicts the oldest records beyond the retention limit.
func (s *Store) ApplyDecision(d domain.DecisionEvent) (twinsdk.AgentDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return twinsdk.AgentDecision{}, ErrDisposed
	}
	return s.applyDecisionLocked(d), nil
}

func (s *Store) applyDecisionLocked(d domain.DecisionEvent) twinsdk.AgentDecision {
	rec := twinsdk.AgentDecision{
		ID:        twinsdk.DecisionID("local-" + uuid.NewString()),
		Agent:     d.Agent,
		Decision:  d.Decision,
		CreatedAt: d.CreatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = twinsdk.Timestamp{Time: s.now()}
	}
	if s.fetchingDecs {
		s.streamed = append([]twinsdk.AgentDecision{rec}, s.streamed...)
	}
	list := make([]twinsdk.AgentDecision, 0, len(s.decisions)+1)
	list = append(list, rec)
	list = append(list, s.decisions...)
	s.decisions = s.capDecisions(list)
	s.changedLocked()
	return rec
}

func (s *Store) capDecisions(list []twinsdk.AgentDecision) []twinsdk.AgentDecision {
	if len(list) > s.maxDecisions {
		evicted := len(list) - s.maxDecisions
		list = list[:s.maxDecisions:s.maxDecisions]
		s.log.Debugw("decision log trimmed", "evicted", evicted)
	}
	return list
}

// ApplyPatches merges sparse machine patches into the canonical collection.
// Patches for unknown ids are dropped and returned.
func (s *Store) ApplyPatches(patches []twinsdk.MachineUpdate) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrDisposed
	}
	return s.applyPatchesLocked(patches), nil
}

func (s *Store) applyPatchesLocked(patches []twinsdk.MachineUpdate) []int64 {
	if len(patches) == 0 {
		return nil
	}
	misses := MergeMachines(s.machines, patches)
	if len(misses) > 0 {
		metrics.MergeMisses.Add(float64(len(misses)))
		s.log.Debugw("patch for unknown machine ignored", "machine_ids", misses)
	}
	s.changedLocked()
	return misses
}

// replaceMachineLocked installs the backend's record of one machine in place.
// It does not count as a full replace.
func (s *Store) replaceMachineLocked(m twinsdk.Machine) bool {
	for i := range s.machines {
		if s.machines[i].ID == m.ID {
			s.machines[i] = m
			s.changedLocked()
			return true
		}
	}
	return false
}

// Snapshot returns a copy of all collections.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:      s.phase.Current(),
		Generation: s.generation,
		Revision:   s.revision,
		Machines:   cloneMachines(s.machines),
		Orders:     append([]twinsdk.Order(nil), s.orders...),
		Energy:     append([]twinsdk.EnergyPrice(nil), s.energy...),
		Decisions:  append([]twinsdk.AgentDecision(nil), s.decisions...),
	}
}

// Subscribe returns a channel that receives a signal after mutations.
// Signals coalesce: a slow reader sees one pending signal, not one per change.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextW
	s.nextW++
	ch := make(chan struct{}, 1)
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store) changedLocked() {
	s.revision++
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// dispose drops every later mutation.
func (s *Store) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}
