package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kozaktomas/reid-catalog/internal/constants"
	"github.com/kozaktomas/reid-catalog/internal/pipeline"
)

// StreamError is the reply to a cycle that could not be processed.
type StreamError struct {
	Error  string `json:"error" msgpack:"error"`
	Status int    `json:"status" msgpack:"status"`
}

// StreamHandler accepts cycles over a websocket. Text frames carry JSON,
// binary frames msgpack; each reply uses the format of its request.
type StreamHandler struct {
	processor CycleProcessor
	upgrader  websocket.Upgrader
	readLimit int64
	logger    *slog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewStreamHandler creates a new stream handler. An empty allowedOrigins
// accepts every origin.
func NewStreamHandler(p CycleProcessor, allowedOrigins []string, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		processor: p,
		logger:    logger,
		readLimit: constants.MaxCycleBodyBytes,
		conns:     make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// track registers ws. It reports false once Close has been called.
func (h *StreamHandler) track(ws *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[ws] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *StreamHandler) untrack(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, ws)
	h.mu.Unlock()
	h.wg.Done()
}

// Close disconnects every stream client and waits until no cycle received
// over a stream is still being processed. Later upgrades are refused.
func (h *StreamHandler) Close() {
	h.mu.Lock()
	h.closed = true
	deadline := time.Now().Add(time.Second)
	for ws := range h.conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		// Unblocks the pending read; a cycle in flight still finishes.
		_ = ws.NetConn().Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Serve upgrades the connection and processes cycles until the client disconnects.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	if !h.track(ws) {
		msg := websocket.FormatCloseMessage(websocket.CloseServiceRestart, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}
	defer h.untrack(ws)
	ws.SetReadLimit(h.readLimit)

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("stream closed", "error", err)
			}
			return
		}

		var reply any
		var c pipeline.Cycle
		if err := unmarshalFrame(kind, data, &c); err != nil {
			reply = StreamError{Error: errInvalidRequestBody, Status: http.StatusBadRequest}
		} else if res, err := h.processor.Process(r.Context(), c); err != nil {
			reply = StreamError{Error: err.Error(), Status: statusForError(err)}
		} else {
			reply = res
		}

		out, err := marshalFrame(kind, reply)
		if err != nil {
			h.logger.Error("encoding stream reply", "error", err)
			return
		}
		if err := ws.WriteMessage(kind, out); err != nil {
			return
		}
	}
}

func unmarshalFrame(kind int, data []byte, v any) error {
	if kind == websocket.BinaryMessage {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func marshalFrame(kind int, v any) ([]byte, error) {
	if kind == websocket.BinaryMessage {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}
