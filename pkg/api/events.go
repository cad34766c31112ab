package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pureboot/pureboot/pkg/log"
)

// eventStream pushes node events to the client as server-sent events.
// The subscription lives until the client disconnects; a slow consumer
// misses events rather than blocking the recorder.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(envelope{Success: false, Error: "event stream not available"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(envelope{Success: false, Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-sub:
			if event == nil {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				log.WithComponent("api").Warn().Err(err).Msg("failed to encode stream event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
