package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// terminalEvents end an event stream.
var terminalEvents = map[string]bool{
	schema.EventExecutionCompleted: true,
	schema.EventExecutionFailed:    true,
	schema.EventExecutionCancelled: true,
}

// streamEvents relays new audit events as Server-Sent Events. It rereads
// the log when the hub reports a commit for this execution, and on every
// poll tick for commits made by other processes. The event sequence is sent as the SSE id so clients can resume
// with ?since.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, executionID string, since int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()

	// Subscribe before the first read so no commit slips between them.
	var wake <-chan streaming.Event
	if s.deps.Hub != nil {
		ch, unsubscribe, err := s.deps.Hub.Subscribe(ctx, streaming.Filter{ExecutionID: executionID})
		if err == nil {
			defer unsubscribe()
			wake = ch
		}
	}

	// Check existence before committing to a stream.
	events, err := s.deps.Service.Events(ctx, executionID, since)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.deps.PollInterval)
	defer ticker.Stop()

	for {
		done := false
		for _, event := range events {
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Type, data)
			since = event.Sequence
			if terminalEvents[event.Type] {
				done = true
			}
		}
		flusher.Flush()
		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}

		events, err = s.deps.Service.Events(ctx, executionID, since)
		if err != nil {
			if ctx.Err() == nil {
				s.deps.Logger.Error("event stream poll failed",
					"execution_id", executionID, "error", err)
				fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
				flusher.Flush()
			}
			return
		}
	}
}
