package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorytwin/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(evt domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func newTestSSE(url string) *SSE {
	return NewSSE(SSEConfig{URL: url, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, nil)
}

func TestSSEParsesEventsAndResumesWithLastEventID(t *testing.T) {
	var calls int32
	resumedWith := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			assert.Empty(t, r.Header.Get("Last-Event-ID"))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": keepalive\n\nretry: 5\n\n")
			fmt.Fprint(w, "id: 7\nevent: decision\ndata: {\"agent\":\"EnergyAgent\",\ndata: \"decision\":{\"actions\":[]},\"created_at\":\"2025-03-01T10:00:00\"}\n\n")
			fmt.Fprint(w, "id: 8\nevent: state_update\ndata: {oops\n\n")
			fmt.Fprint(w, "id: 9\nevent: machine_update\ndata: [{\"id\":1,\"status\":\"idle\"}]\n\n")
			fmt.Fprint(w, "event: decision\ndata: {\"agent\":\"partial\"")
			return
		}
		resumedWith <- r.Header.Get("Last-Event-ID")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sub := newTestSSE(srv.URL)
	rec := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sub.Run(ctx, rec.handle))

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, domain.KindDecision, events[0].Kind)
	assert.Equal(t, "7", events[0].ID)
	assert.Equal(t, "EnergyAgent", events[0].Decision.Agent)
	assert.Equal(t, `{"actions":[]}`, events[0].Decision.Decision)
	assert.Equal(t, domain.KindMachineUpdate, events[1].Kind)
	assert.Equal(t, "9", events[1].ID)
	require.Len(t, events[1].Patches, 1)

	assert.Equal(t, "9", <-resumedWith)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSSERetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			fmt.Fprint(w, "data: {\"ping\":true}\n\n")
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, newTestSSE(srv.URL).Run(ctx, rec.handle))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.KindMessage, events[0].Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSSEStopsOnClientError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := newTestSSE(srv.URL).Run(ctx, func(domain.Event) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestSSECloseUnblocksRun(t *testing.T) {
	connected := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(connected)
		<-r.Context().Done()
	}))
	defer srv.Close()

	sub := newTestSSE(srv.URL)
	done := make(chan error, 1)
	go func() { done <- sub.Run(context.Background(), func(domain.Event) {}) }()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never connected")
	}
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, sub.Run(context.Background(), func(domain.Event) {}), ErrClosed)
}

func TestSSEHandlerPanicDoesNotStopStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Last-Event-ID") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fmt.Fprint(w, "id: 1\ndata: {}\n\nid: 2\ndata: {}\n\n")
	}))
	defer srv.Close()

	var seen int32
	handler := func(evt domain.Event) {
		if atomic.AddInt32(&seen, 1) == 1 {
			panic("boom")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, newTestSSE(srv.URL).Run(ctx, handler))
	assert.Equal(t, int32(2), atomic.LoadInt32(&seen))
}

func TestSSESkipsOversizedEventAndKeepsConnection(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) > 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		big := strings.Repeat("x", 2*maxFrameSize)
		fmt.Fprintf(w, "id: 1\nevent: decision\ndata: {\"agent\":\"%s\"}\n\n", big)
		half := big[:maxFrameSize/2+16]
		fmt.Fprintf(w, "id: 2\nevent: decision\ndata: {\"agent\":\"%s\",\ndata: \"decision\":\"%s\"}\n\n", half, half)
		fmt.Fprint(w, "id: 3\nevent: machine_update\ndata: {\"id\":1,\"status\":\"idle\"}\n\n")
	}))
	defer srv.Close()

	rec := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, newTestSSE(srv.URL).Run(ctx, rec.handle))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.KindMachineUpdate, events[0].Kind)
	assert.Equal(t, "3", events[0].ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestReadLineReportsLongLines(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("short\r\n"+strings.Repeat("y", 100)+"\nnext"), 16)
	line, tooLong, err := readLine(r, 32)
	require.NoError(t, err)
	assert.Equal(t, "short", line)
	assert.False(t, tooLong)

	line, tooLong, err = readLine(r, 32)
	require.NoError(t, err)
	assert.Empty(t, line)
	assert.True(t, tooLong)

	line, _, err = readLine(r, 32)
	require.NoError(t, err)
	assert.Equal(t, "next", line)

	_, _, err = readLine(r, 32)
	assert.ErrorIs(t, err, io.EOF)
}
