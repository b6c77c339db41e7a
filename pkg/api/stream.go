package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/billetlabs/billet/pkg/events"
)

// streamEvents serves the push channel as server-sent events. Each event
// becomes one frame:
//
//	event: <type>
//	data: <json envelope>
//
// flushed immediately. The subscription opens with a connected sentinel,
// carries a heartbeat while quiet, and ends with a shutdown sentinel when
// the broker stops. Optional filters: ?types=a,b and ?aggregate_id=x;
// system events always pass so filtered streams stay alive.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	var typeFilter map[events.Type]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		typeFilter = make(map[events.Type]bool)
		for _, t := range strings.Split(raw, ",") {
			typeFilter[events.Type(strings.TrimSpace(t))] = true
		}
	}
	aggregateID := r.URL.Query().Get("aggregate_id")

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-sub:
			if !open {
				return
			}
			if !wantEvent(e, typeFilter, aggregateID) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func wantEvent(e *events.Event, typeFilter map[events.Type]bool, aggregateID string) bool {
	switch e.Type {
	case events.TypeConnected, events.TypeHeartbeat, events.TypeShutdown:
		return true
	}
	if typeFilter != nil && !typeFilter[e.Type] {
		return false
	}
	if aggregateID != "" && e.AggregateID != aggregateID {
		return false
	}
	return true
}
