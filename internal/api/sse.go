package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams pending-app set changes via SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.logger.Info("SSE client connected for pending events")

	hub := s.loader.Pending()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	// Send the current pending set so clients start in sync.
	s.writeEvent(w, flusher, toAppsJSON(hub.Apps()))

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected from pending events")
			return
		case apps, ok := <-ch:
			if !ok {
				return
			}
			s.writeEvent(w, flusher, toAppsJSON(apps))
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal SSE payload", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
