package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseHandler(events ...[2]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev[0], ev[1])
			flusher.Flush()
		}
	}
}

func TestClient_WatchUntilStop(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		[2]string{"run.snapshot", `{"status":"RUNNING"}`},
		[2]string{"run.progress", `{"processed_rows":200}`},
		[2]string{"run.completed", `{"status":"SUCCEEDED"}`},
	))
	defer srv.Close()

	c := NewClient(srv.URL, time.Millisecond, time.Millisecond)

	var got []string
	err := c.Watch(context.Background(), func(ev ClientEvent) error {
		got = append(got, ev.Name)
		if ev.Name == "run.completed" {
			return ErrStop
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"run.snapshot", "run.progress", "run.completed"}, got)
}

func TestClient_ReconnectsAfterServerClose(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		if n == 1 {
			// First connection ends after the snapshot, simulating the
			// server's max stream duration.
			fmt.Fprint(w, "event: run.snapshot\ndata: {}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprint(w, "event: run.completed\ndata: {}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Millisecond, time.Millisecond)

	var got []string
	err := c.Watch(context.Background(), func(ev ClientEvent) error {
		got = append(got, ev.Name)
		if ev.Name == "run.completed" {
			return ErrStop
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"run.snapshot", "run.completed"}, got)
	assert.GreaterOrEqual(t, connections.Load(), int32(2))
}

func TestClient_ResumesWithLastEventID(t *testing.T) {
	var connections atomic.Int32
	var firstHeader, resumedFrom atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		if n == 1 {
			firstHeader.Store(r.Header.Get("Last-Event-ID"))
			fmt.Fprint(w, "event: runs.snapshot\nid: 2026-08-23T10:00:00Z\ndata: {}\n\n")
			flusher.Flush()
			return
		}
		resumedFrom.Store(r.Header.Get("Last-Event-ID"))
		fmt.Fprint(w, "event: runs.changed\ndata: {}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Millisecond, time.Millisecond)
	err := c.Watch(context.Background(), func(ev ClientEvent) error {
		if ev.Name == "runs.changed" {
			return ErrStop
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "", firstHeader.Load(), "the first connection has nothing to resume from")
	assert.Equal(t, "2026-08-23T10:00:00Z", resumedFrom.Load(),
		"the reconnect carries the id of the last frame received")
}

func TestClient_RetriesOnServerError(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connections.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: run.completed\ndata: {}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Millisecond, time.Millisecond)
	err := c.Watch(context.Background(), func(ev ClientEvent) error {
		return ErrStop
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), connections.Load())
}

func TestClient_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, time.Millisecond, time.Millisecond)
	err := c.Watch(ctx, func(ev ClientEvent) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
