package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/infrastructure/logger"
	"github.com/arvio/clipd/internal/service"
)

const keepAliveInterval = 15 * time.Second

type SSEHandler struct {
	streams *service.Broadcaster
	jobs    JobService
}

func NewSSEHandler(streams *service.Broadcaster, jobs JobService) *SSEHandler {
	return &SSEHandler{streams: streams, jobs: jobs}
}

// sseWrite writes one SSE event, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, eventName, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// sendKeepAlive writes an SSE comment to keep the connection active.
func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sendProgress(w http.ResponseWriter, ev domain.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error.Printf("encode progress event for job %s: %v", ev.JobID, err)
		return
	}
	sseWrite(w, "progress", string(data))
}

// snapshotEvent turns the stored record into the opening event of a
// stream, so subscribers never start blind.
func snapshotEvent(rec *domain.JobRecord) domain.ProgressEvent {
	return domain.ProgressEvent{
		JobID:     rec.ID,
		Status:    rec.Status,
		Percent:   rec.Progress,
		Message:   rec.ErrorMessage,
		Terminal:  rec.Status.Terminal(),
		Timestamp: rec.UpdatedAt,
	}
}

// Events streams progress for one job. The stream opens with a snapshot
// of the current record and ends right after a terminal event.
func (h *SSEHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		rec, err := h.jobs.Job(id)
		if err != nil {
			respondError(w, "stream events", err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		snapshot := snapshotEvent(rec)
		sendProgress(w, snapshot)
		if snapshot.Terminal {
			return
		}

		ch := h.streams.Subscribe(id)
		defer h.streams.Unsubscribe(id, ch)

		ctx := r.Context()
		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				sendKeepAlive(w)
			case ev, ok := <-ch:
				if !ok {
					return
				}
				sendProgress(w, ev)
				if ev.Terminal {
					return
				}
			}
		}
	}
}
