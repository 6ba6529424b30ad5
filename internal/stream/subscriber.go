package stream

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"factorytwin/internal/domain"
	"factorytwin/internal/metrics"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("stream closed")

// Subscriber delivers backend events to a single handler in arrival order.
// Run blocks until ctx is done, Close is called, or the stream ends for good.
type Subscriber interface {
	Run(ctx context.Context, handler domain.Handler) error
	Close() error
}

// deliver decodes one frame and hands it to the handler. Malformed payloads
// are counted and dropped.
func deliver(log *zap.SugaredLogger, handler domain.Handler, kind, id string, data []byte) {
	evt, err := Decode(kind, data)
	if err != nil {
		metrics.StreamDecodeErrors.WithLabelValues(string(evt.Kind)).Inc()
		log.Warnw("discarding malformed event", "kind", evt.Kind, "id", id, "error", err)
		return
	}
	evt.ID = id
	metrics.StreamEvents.WithLabelValues(string(evt.Kind)).Inc()
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("event handler panicked", "kind", evt.Kind, "id", id, "panic", r)
		}
	}()
	handler(evt)
}

// runState tracks the single Run call of a subscriber and its cancellation.
type runState struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	closed  bool
	running bool
}

func (s *runState) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.running {
		return nil, errors.New("stream already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	return ctx, nil
}

func (s *runState) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// close reports whether this call closed the state.
func (s *runState) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

func (s *runState) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
