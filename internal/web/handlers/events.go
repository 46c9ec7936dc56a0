package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/constants"
)

// Event is one catalog change pushed to listeners.
type Event struct {
	Type       string `json:"type"`
	CycleID    string `json:"cycle_id"`
	IdentityID int    `json:"identity_id"`
	Row        int    `json:"row"`
}

// EventBroadcaster fans catalog change events out to listeners.
// Slow listeners miss events instead of blocking the pipeline.
type EventBroadcaster struct {
	listeners []chan Event
	mu        sync.RWMutex
}

// NewEventBroadcaster creates a broadcaster without listeners.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{}
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Notify implements pipeline.Notifier.
func (b *EventBroadcaster) Notify(cycleID string, changes []catalog.Change) {
	for _, c := range changes {
		b.SendEvent(Event{
			Type:       c.Kind.String(),
			CycleID:    cycleID,
			IdentityID: c.IdentityID,
			Row:        c.Row,
		})
	}
}

// EventsHandler streams catalog changes as server-sent events.
type EventsHandler struct {
	broadcaster *EventBroadcaster
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(b *EventBroadcaster) *EventsHandler {
	return &EventsHandler{broadcaster: b}
}

// Stream sends every catalog change until the client disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventCh := h.broadcaster.AddListener()
	defer h.broadcaster.RemoveListener(eventCh)

	sendSSEEvent(w, flusher, "connected", map[string]string{"status": "ok"})

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}
