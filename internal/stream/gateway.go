// Package stream serves run progress over Server-Sent Events and provides a
// reconnecting client for consuming those streams.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sheetflow/importd/internal/broadcast"
	"github.com/sheetflow/importd/internal/config"
	"github.com/sheetflow/importd/internal/model"
	"github.com/sheetflow/importd/internal/store"
)

// Gateway serves the SSE endpoints. Connections are capped per client
// identity and per connection lifetime so a dashboard left open forever
// cannot pin server resources.
type Gateway struct {
	store    store.Store
	bus      *broadcast.Broadcaster
	cfg      config.StreamConfig
	registry *registry
	log      *zap.Logger
}

// NewGateway wires a Gateway against the store and broadcaster.
func NewGateway(st store.Store, bus *broadcast.Broadcaster, cfg config.StreamConfig) *Gateway {
	if cfg.MaxConcurrentPerIdentity <= 0 {
		cfg.MaxConcurrentPerIdentity = 3
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 10 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.FleetFlushInterval <= 0 {
		cfg.FleetFlushInterval = 2 * time.Second
	}
	return &Gateway{
		store:    st,
		bus:      bus,
		cfg:      cfg,
		registry: newRegistry(cfg.MaxConcurrentPerIdentity),
		log:      zap.L().Named("stream"),
	}
}

// sseWriter encodes the `event: NAME\ndata: JSON\n\n` wire format.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sendID emits an event with an `id:` line so reconnecting clients can
// resume from their last received frame.
func (s *sseWriter) sendID(name, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %s\ndata: %s\n\n", name, id, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// eventID stamps fleet frames with their flush time. A client presenting the
// stamp in Last-Event-ID gets the runs updated since then instead of a full
// snapshot.
func eventID(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseLastEventID(r *http.Request) (time.Time, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type heartbeat struct {
	Time time.Time `json:"time"`
}

// ServeRun streams one run's lifecycle: a snapshot, progress events, then a
// terminal run.completed after which the stream closes. Subscribing to an
// already-terminal run yields snapshot plus completed immediately.
func (g *Gateway) ServeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	identity := clientIdentity(r)

	if !g.registry.acquire(identity) {
		http.Error(w, `{"error":{"code":"TOO_MANY_STREAMS","message":"stream connection limit reached"}}`, http.StatusTooManyRequests)
		return
	}
	defer g.registry.release(identity)

	// Subscribe before reading the snapshot so no event between the two is
	// lost; a duplicate progress event is harmless, a gap is not.
	sub := g.bus.SubscribeRun(runID)
	defer sub.Close()

	run, err := g.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":{"code":"NOT_FOUND","message":"resource not found"}}`, http.StatusNotFound)
			return
		}
		g.log.Error("load run for stream", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, `{"error":{"code":"INTERNAL","message":"internal error"}}`, http.StatusInternalServerError)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if err := sse.send("run.snapshot", run.Projection()); err != nil {
		return
	}
	if run.Status.Terminal() {
		sse.send("run.completed", run.Projection()) //nolint:errcheck
		return
	}

	heartbeats := time.NewTicker(g.cfg.HeartbeatInterval)
	defer heartbeats.Stop()
	deadline := time.NewTimer(g.cfg.MaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			g.log.Debug("stream reached max duration", zap.String("run_id", runID))
			return
		case <-heartbeats.C:
			if err := sse.send("run.heartbeat", heartbeat{Time: time.Now().UTC()}); err != nil {
				return
			}
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			switch e := ev.(type) {
			case broadcast.RunProgress:
				if err := sse.send("run.progress", e.Run); err != nil {
					return
				}
			case broadcast.RunCompleted:
				sse.send("run.completed", e.Run) //nolint:errcheck
				return
			}
		}
	}
}

type fleetSnapshot struct {
	Runs  []model.FleetRunItem `json:"runs"`
	Total int                  `json:"total"`
}

type fleetDelta struct {
	Runs []model.FleetRunItem `json:"runs"`
}

// ServeFleet streams fleet-wide run changes: an initial runs.snapshot, then
// coalesced runs.changed deltas on a flush ticker. Each frame carries its
// flush time as the event id; a reconnecting client presenting that id in
// Last-Event-ID receives a runs.changed catch-up delta instead of a full
// snapshot.
func (g *Gateway) ServeFleet(w http.ResponseWriter, r *http.Request) {
	identity := clientIdentity(r)
	if !g.registry.acquire(identity) {
		http.Error(w, `{"error":{"code":"TOO_MANY_STREAMS","message":"stream connection limit reached"}}`, http.StatusTooManyRequests)
		return
	}
	defer g.registry.release(identity)

	sub := g.bus.SubscribeFleet()
	defer sub.Close()

	var initialName string
	var initial any
	if since, ok := parseLastEventID(r); ok {
		changed, err := g.store.ListRunsUpdatedSince(r.Context(), since, 500)
		if err != nil {
			g.log.Error("fleet catch-up", zap.Error(err))
			http.Error(w, `{"error":{"code":"INTERNAL","message":"internal error"}}`, http.StatusInternalServerError)
			return
		}
		if changed == nil {
			changed = []model.FleetRunItem{}
		}
		initialName, initial = "runs.changed", fleetDelta{Runs: changed}
	} else {
		runs, total, err := g.store.ListRuns(r.Context(), store.RunFilter{PageSize: 100})
		if err != nil {
			http.Error(w, `{"error":{"code":"INTERNAL","message":"internal error"}}`, http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []model.FleetRunItem{}
		}
		initialName, initial = "runs.snapshot", fleetSnapshot{Runs: runs, Total: total}
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if err := sse.sendID(initialName, eventID(time.Now()), initial); err != nil {
		return
	}

	// Changed runs coalesce by id between flushes; only the latest state of
	// each run goes out.
	pending := make(map[string]model.FleetRunItem)

	flush := time.NewTicker(g.cfg.FleetFlushInterval)
	defer flush.Stop()
	heartbeats := time.NewTicker(g.cfg.HeartbeatInterval)
	defer heartbeats.Stop()
	deadline := time.NewTimer(g.cfg.MaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-heartbeats.C:
			if err := sse.send("runs.heartbeat", heartbeat{Time: time.Now().UTC()}); err != nil {
				return
			}
		case <-flush.C:
			if len(pending) == 0 {
				continue
			}
			delta := fleetDelta{Runs: make([]model.FleetRunItem, 0, len(pending))}
			for _, item := range pending {
				delta.Runs = append(delta.Runs, item)
			}
			pending = make(map[string]model.FleetRunItem)
			if err := sse.sendID("runs.changed", eventID(time.Now()), delta); err != nil {
				return
			}
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if update, ok := ev.(broadcast.FleetUpdate); ok {
				pending[update.Item.ID] = update.Item
			}
		}
	}
}

// clientIdentity keys connection limits. RealIP middleware has already
// resolved proxies by the time this runs.
func clientIdentity(r *http.Request) string {
	return r.RemoteAddr
}
