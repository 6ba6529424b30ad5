package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"factorytwin/internal/domain"
	"factorytwin/internal/metrics"
)

const maxFrameSize = 1 << 20

// errNoContent is the server's request to stop reconnecting.
var errNoContent = errors.New("server answered 204 No Content")

// SSEConfig configures the server-sent events transport.
type SSEConfig struct {
	URL string
	// HTTPClient must not carry a Timeout; the stream stays open indefinitely.
	HTTPClient     *http.Client
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// SSE reads the backend event stream and reconnects the way a browser
// EventSource does: exponential backoff, server retry hints, and the last
// seen event id resent on reconnect.
type SSE struct {
	cfg   SSEConfig
	log   *zap.SugaredLogger
	state runState

	mu     sync.Mutex
	lastID string
	retry  time.Duration
}

func NewSSE(cfg SSEConfig, log *zap.SugaredLogger) *SSE {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * cfg.InitialBackoff
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SSE{cfg: cfg, log: log}
}

// LastEventID returns the id that will be sent on the next reconnect.
func (s *SSE) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *SSE) Run(ctx context.Context, handler domain.Handler) error {
	ctx, err := s.state.begin(ctx)
	if err != nil {
		return err
	}
	defer s.state.end()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.InitialBackoff
	exp.MaxInterval = s.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(&flooredBackOff{BackOff: exp, floor: s.retryFloor}, ctx)

	op := func() error {
		return s.connect(ctx, handler, exp.Reset)
	}
	notify := func(err error, wait time.Duration) {
		metrics.StreamReconnects.WithLabelValues("sse").Inc()
		s.log.Warnw("event stream interrupted, reconnecting", "url", s.cfg.URL, "error", err, "wait", wait)
	}
	err = backoff.RetryNotify(op, policy, notify)
	if s.state.isClosed() {
		return ErrClosed
	}
	if errors.Is(err, errNoContent) {
		s.log.Infow("event stream ended by server", "url", s.cfg.URL)
		return nil
	}
	return err
}

func (s *SSE) Close() error {
	s.state.close()
	return nil
}

func (s *SSE) retryFloor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

// connect performs one request and reads until the body ends. It never
// returns nil: a clean end of stream is also a reason to reconnect.
func (s *SSE) connect(ctx context.Context, handler domain.Handler, opened func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := s.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNoContent:
		return backoff.Permanent(errNoContent)
	case retryableStatus(resp.StatusCode):
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("event stream: status %d", resp.StatusCode))
	}

	opened()
	s.log.Infow("event stream connected", "url", s.cfg.URL, "last_event_id", req.Header.Get("Last-Event-ID"))
	if err := s.read(resp.Body, handler); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// read parses the event stream format. An event is dispatched on a blank
// line; a partial event at end of stream is discarded. An event larger than
// maxFrameSize is skipped up to its closing blank line and counted as a decode
// error.
func (s *SSE) read(body io.Reader, handler domain.Handler) error {
	r := bufio.NewReaderSize(body, 64*1024)

	var (
		eventType string
		data      strings.Builder
		hasData   bool
		oversized bool
	)
	for {
		line, tooLong, err := readLine(r, maxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if line == "" && !tooLong {
			switch {
			case oversized:
				kind := eventType
				if kind == "" {
					kind = string(domain.KindMessage)
				}
				metrics.StreamDecodeErrors.WithLabelValues(kind).Inc()
				s.log.Warnw("discarding oversized event", "kind", kind, "id", s.LastEventID(), "limit", maxFrameSize)
			case hasData:
				payload := strings.TrimSuffix(data.String(), "\n")
				deliver(s.log, handler, eventType, s.LastEventID(), []byte(payload))
			}
			eventType = ""
			data.Reset()
			hasData = false
			oversized = false
			continue
		}
		if tooLong {
			oversized = true
			data.Reset()
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "event":
			eventType = value
		case "data":
			if oversized {
				continue
			}
			if data.Len()+len(value)+1 > maxFrameSize {
				oversized = true
				data.Reset()
				continue
			}
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.mu.Lock()
				s.lastID = value
				s.mu.Unlock()
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
				s.mu.Lock()
				s.retry = time.Duration(ms) * time.Millisecond
				s.mu.Unlock()
			}
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// limit is consumed in full and reported as too long with an empty result.
func readLine(r *bufio.Reader, limit int) (string, bool, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if len(buf) > 0 || tooLong {
				return string(buf), tooLong, nil
			}
			return "", false, err
		}
		if !tooLong {
			if len(buf)+len(chunk) > limit {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			return string(buf), tooLong, nil
		}
	}
}

// flooredBackOff never waits less than the server's retry hint.
type flooredBackOff struct {
	backoff.BackOff
	floor func() time.Duration
}

func (b *flooredBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if f := b.floor(); next < f {
		return f
	}
	return next
}
