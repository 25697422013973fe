package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/gantry/internal/events"
)

// keepAliveInterval is how often an idle event stream gets a comment line.
var keepAliveInterval = 15 * time.Second

// eventFilter narrows GET /events to one run and/or a set of event types.
type eventFilter struct {
	runID string
	types map[string]struct{}
}

func parseEventFilter(q url.Values) eventFilter {
	f := eventFilter{runID: strings.TrimSpace(q.Get("run"))}
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			if f.types == nil {
				f.types = make(map[string]struct{})
			}
			f.types[t] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) match(ev events.Event) bool {
	if f.types != nil {
		if _, ok := f.types[ev.Type]; !ok {
			return false
		}
	}
	if f.runID == "" {
		return true
	}
	var payload struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return false
	}
	return payload.RunID == f.runID
}

// ends reports whether ev closes a stream that follows one run.
func (f eventFilter) ends(ev events.Event) bool {
	return f.runID != "" && ev.Type == events.TypeRunFinished
}

// handleEvents streams hub events as server-sent events. Clients resume with
// Last-Event-ID. With ?run=<id> only that run's events are sent and the
// stream closes after its run.finished; ?types=a,b limits event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := parseEventFilter(r.URL.Query())

	// subscribe before the replay so nothing published in between is lost
	ch, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.SnapshotSince(lastID) {
		if ev.ID <= lastID || !filter.match(ev) {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastID = ev.ID
		if filter.ends(ev) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// already replayed from the snapshot
			if ev.ID <= lastID || !filter.match(ev) {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			lastID = ev.ID
			flusher.Flush()
			if filter.ends(ev) {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event. Payloads are single-line JSON so one data line
// is enough.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
		return err
	}
	return nil
}
