package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// StreamUpdates serves the job update stream as server-sent events. Each
// status change arrives as a delta event followed by a summary event; a
// fresh connection receives a summary snapshot first. The connection is
// closed when the client goes away or the stream timeout elapses.
func (h *ServiceHandler) StreamUpdates(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(conn)

	zap.S().Named("sse").Infow("observer connected", "connection_id", conn.ID())

	timeout := time.NewTimer(h.streamTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-r.Context().Done():
			zap.S().Named("sse").Infow("observer disconnected", "connection_id", conn.ID())
			return
		case <-timeout.C:
			zap.S().Named("sse").Infow("observer connection expired", "connection_id", conn.ID())
			return
		case event, ok := <-conn.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				zap.S().Named("sse").Errorw("failed to encode stream event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, data); err != nil {
				zap.S().Named("sse").Infow("observer write failed", "connection_id", conn.ID(), "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
