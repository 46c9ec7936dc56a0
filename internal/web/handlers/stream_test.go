package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kozaktomas/reid-catalog/internal/feature"
	"github.com/kozaktomas/reid-catalog/internal/matching"
	"github.com/kozaktomas/reid-catalog/internal/pipeline"
	"github.com/kozaktomas/reid-catalog/internal/router"
)

func dialStream(t *testing.T, handler *StreamHandler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler.Serve))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestStreamHandler_JSONFrames(t *testing.T) {
	ws := dialStream(t, NewStreamHandler(testProcessor(t, nil), nil, nil))

	cycle := pipeline.Cycle{Detections: []pipeline.Detection{{ProvisionalID: router.Unknown, BBox: box, Feature: feature.Vector{1, 0}}}}
	for i, want := range []matching.Status{matching.StatusCreated, matching.StatusMerged} {
		if err := ws.WriteJSON(cycle); err != nil {
			t.Fatal(err)
		}
		var res pipeline.Result
		if err := ws.ReadJSON(&res); err != nil {
			t.Fatal(err)
		}
		if len(res.Labeled) != 1 || res.Labeled[0].ID != 0 || res.Labeled[0].Status != want {
			t.Errorf("cycle %d labeled = %+v, want id 0 %s", i, res.Labeled, want)
		}
	}
}

func TestStreamHandler_MsgpackFrames(t *testing.T) {
	ws := dialStream(t, NewStreamHandler(testProcessor(t, nil), nil, nil))

	data, err := msgpack.Marshal(pipeline.Cycle{Detections: []pipeline.Detection{
		{ProvisionalID: router.Unknown, BBox: box, Feature: feature.Vector{0, 1}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatal(err)
	}
	kind, reply, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("reply frame kind = %d, want binary", kind)
	}
	var res pipeline.Result
	if err := msgpack.Unmarshal(reply, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Labeled) != 1 || res.Labeled[0].Status != matching.StatusCreated {
		t.Errorf("labeled = %+v", res.Labeled)
	}
}

func TestStreamHandler_ErrorReplies(t *testing.T) {
	ws := dialStream(t, NewStreamHandler(testProcessor(t, nil), nil, nil))

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	var reply StreamError
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != http.StatusBadRequest || reply.Error != errInvalidRequestBody {
		t.Errorf("reply = %+v", reply)
	}

	// The connection survives a bad frame.
	if err := ws.WriteJSON(pipeline.Cycle{Detections: []pipeline.Detection{{ProvisionalID: router.Unknown, BBox: box}}}); err != nil {
		t.Fatal(err)
	}
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != http.StatusBadRequest || !strings.Contains(reply.Error, "no image") {
		t.Errorf("reply = %+v", reply)
	}
}

func TestStreamHandler_RejectsForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(NewStreamHandler(testProcessor(t, nil), []string{"https://ops.example.com"}, nil).Serve))
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestStreamHandler_OversizedFrameClosesConnection(t *testing.T) {
	h := NewStreamHandler(testProcessor(t, nil), nil, nil)
	h.readLimit = 512
	ws := dialStream(t, h)

	// A frame within the limit is processed.
	if err := ws.WriteJSON(pipeline.Cycle{Detections: []pipeline.Detection{{ProvisionalID: router.Unknown, BBox: box, Feature: feature.Vector{1, 0}}}}); err != nil {
		t.Fatal(err)
	}
	var res pipeline.Result
	if err := ws.ReadJSON(&res); err != nil {
		t.Fatalf("reply to small frame: %v", err)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat(" ", 4096))); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Errorf("read after oversized frame = %v, want close %d", err, websocket.CloseMessageTooBig)
	}
}

// blockingProcessor holds every cycle until release is closed.
type blockingProcessor struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingProcessor) Process(_ context.Context, _ pipeline.Cycle) (*pipeline.Result, error) {
	b.entered <- struct{}{}
	<-b.release
	return &pipeline.Result{}, nil
}

func TestStreamHandler_CloseWaitsForCycleInFlight(t *testing.T) {
	proc := &blockingProcessor{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := NewStreamHandler(proc, nil, nil)
	ws := dialStream(t, h)

	if err := ws.WriteJSON(pipeline.Cycle{}); err != nil {
		t.Fatal(err)
	}
	<-proc.entered

	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a cycle was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(proc.release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the cycle finished")
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("client connection still open after Close")
	}
}

func TestStreamHandler_RefusesStreamsAfterClose(t *testing.T) {
	h := NewStreamHandler(testProcessor(t, nil), nil, nil)
	first := dialStream(t, h)

	// A round trip guarantees the first stream is registered.
	if err := first.WriteJSON(pipeline.Cycle{}); err != nil {
		t.Fatal(err)
	}
	var res pipeline.Result
	if err := first.ReadJSON(&res); err != nil {
		t.Fatal(err)
	}

	h.Close()

	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := first.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("open stream read = %v, want close %d", err, websocket.CloseGoingAway)
	}

	late := dialStream(t, h)
	_ = late.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseServiceRestart) {
		t.Errorf("late stream read = %v, want close %d", err, websocket.CloseServiceRestart)
	}
}
