package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"factorytwin/internal/domain"
	"factorytwin/internal/logging"
	twinsdk "factorytwin/sdk/go"
)

// Backend is everything a session needs from the transport client.
type Backend interface {
	Source
	Persister
	AgentClient
	RunAgent(ctx context.Context, key twinsdk.AgentKey) (json.RawMessage, error)
	RunAllAgents(ctx context.Context) (twinsdk.RunAllResult, error)
}

// Subscriber is the event stream a session listens to.
type Subscriber interface {
	Run(ctx context.Context, handler domain.Handler) error
	Close() error
}

// Options configures a Session.
type Options struct {
	// ID identifies the session in the journal. A random one is used if empty.
	ID             string
	MaxDecisions   int
	PersistTimeout time.Duration
	Recorder       Recorder
	Logger         *zap.Logger
}

// View is a consistent read of everything presentation needs.
type View struct {
	Snapshot
	// Working is the machine collection including local edits.
	Working    []twinsdk.Machine `json:"working"`
	Proposed   []twinsdk.Action  `json:"proposed"`
	ProposedBy string            `json:"proposed_by,omitempty"`
}

// Session owns one live view of the factory: the store, its working copy
// and the event stream. Start it once and Dispose it once.
type Session struct {
	ID      string
	Store   *Store
	Overlay *Overlay

	backend Backend
	sub     Subscriber
	rec     Recorder
	log     *zap.SugaredLogger

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	ready    chan struct{}
	report   LoadReport
	loadErr  error
	runs     sync.WaitGroup
	disposed sync.Once
}

func NewSession(backend Backend, sub Subscriber, opts Options) *Session {
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	st := New(opts.MaxDecisions, logging.For(opts.Logger, logging.ComponentStore))
	ov := NewOverlay(st, backend, backend, OverlayOptions{
		PersistTimeout: opts.PersistTimeout,
		Recorder:       rec,
		Logger:         logging.For(opts.Logger, logging.ComponentOverlay),
	})
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:      id,
		Store:   st,
		Overlay: ov,
		backend: backend,
		sub:     sub,
		rec:     rec,
		log:     logging.For(opts.Logger, logging.ComponentSession),
		ready:   make(chan struct{}),
	}
}

// Start issues the initial load and opens the event stream concurrently.
// Neither waits for the other; events that arrive before the snapshot merge
// into whatever is already there.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.journal(domain.JournalSessionStart, "session", s.ID, nil)
	s.Store.expectDecisions()

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		report, err := s.Store.Load(s.ctx, s.backend)
		s.mu.Lock()
		s.report, s.loadErr = report, err
		s.mu.Unlock()
		if err == nil {
			s.journal(domain.JournalLoad, "session", s.ID, map[string]any{"failed": failedResources(report)})
		}
		close(s.ready)
	}()

	if s.sub != nil {
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			err := s.sub.Run(s.ctx, s.HandleEvent)
			if err != nil && s.ctx.Err() == nil {
				s.log.Errorw("event stream stopped", "error", err)
			}
		}()
	}
	return nil
}

func failedResources(r LoadReport) []string {
	var out []string
	for _, res := range Resources {
		if r.Failed(res) {
			out = append(out, string(res))
		}
	}
	return out
}

// Ready is closed once the initial load has returned.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until the initial load returned and reports its outcome.
func (s *Session) WaitReady(ctx context.Context) (LoadReport, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return LoadReport{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report, s.loadErr
}

// HandleEvent applies one stream event. It is the subscriber's handler.
func (s *Session) HandleEvent(evt domain.Event) {
	var err error
	switch {
	case evt.Kind == domain.KindDecision && evt.Decision != nil:
		_, err = s.Store.ApplyDecision(*evt.Decision)
	case evt.Kind.PatchKind():
		_, err = s.Overlay.ApplyStreamPatch(evt.Patches)
	default:
		s.log.Debugw("unhandled stream event", "kind", evt.Kind, "id", evt.ID)
	}
	if errors.Is(err, ErrDisposed) {
		return
	}
	s.journal(domain.JournalStreamEvent, string(evt.Kind), evt.ID, map[string]any{"event": evt})
}

// RunAgent triggers one agent and returns the backend acknowledgment.
func (s *Session) RunAgent(ctx context.Context, key twinsdk.AgentKey) (json.RawMessage, error) {
	ack, err := s.backend.RunAgent(ctx, key)
	if err != nil {
		countTransportError(err)
		s.log.Warnw("agent run failed", "agent", key, "error", err)
		return nil, err
	}
	s.journal(domain.JournalAgentRun, "agent", string(key), map[string]any{"ack": ack})
	return ack, nil
}

// RunAllAgents triggers every agent and merges the updates they report.
func (s *Session) RunAllAgents(ctx context.Context) (twinsdk.RunAllResult, error) {
	res, err := s.backend.RunAllAgents(ctx)
	if err != nil {
		countTransportError(err)
		s.log.Warnw("run all agents failed", "error", err)
		return res, err
	}
	if len(res.Updates) > 0 {
		if _, err := s.Overlay.ApplyStreamPatch(res.Updates); err != nil {
			return res, err
		}
	}
	s.journal(domain.JournalAgentRun, "agent", "all", map[string]any{"updates": res.Updates})
	return res, nil
}

// Reload replaces every collection with a fresh fetch. Local edits not yet
// echoed by the backend are dropped from the working copy.
func (s *Session) Reload(ctx context.Context) (LoadReport, error) {
	report, err := s.Store.Load(ctx, s.backend)
	if err == nil {
		s.journal(domain.JournalLoad, "session", s.ID, map[string]any{"failed": failedResources(report), "reload": true})
	}
	return report, err
}

// View returns the store snapshot together with the working copy and the
// current proposal, all taken under one lock.
func (s *Session) View() View {
	st := s.Store
	st.mu.Lock()
	defer st.mu.Unlock()
	s.Overlay.syncLocked()
	return View{
		Snapshot:   st.snapshotLocked(),
		Working:    cloneMachines(s.Overlay.working),
		Proposed:   append([]twinsdk.Action(nil), s.Overlay.proposed...),
		ProposedBy: s.Overlay.proposedBy,
	}
}

// Dispose tears the session down: late results are dropped, pending calls
// are cancelled, and the stream is closed exactly once.
func (s *Session) Dispose() error {
	var closeErr error
	s.disposed.Do(func() {
		s.Store.dispose()
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		if s.sub != nil {
			closeErr = s.sub.Close()
		}
		s.Overlay.dispose()
		s.runs.Wait()
		s.journal(domain.JournalSessionEnd, "session", s.ID, nil)
	})
	return closeErr
}

func (s *Session) journal(evtType, entityKind, entityID string, payload map[string]any) {
	if err := s.rec.Record(context.Background(), evtType, entityKind, entityID, payload); err != nil {
		s.log.Warnw("journal write failed", "type", evtType, "error", err)
	}
}
