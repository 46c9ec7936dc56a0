package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/feature"
	"github.com/kozaktomas/reid-catalog/internal/pipeline"
	"github.com/kozaktomas/reid-catalog/internal/router"
)

func TestEventBroadcaster_Notify(t *testing.T) {
	b := NewEventBroadcaster()
	ch := b.AddListener()

	b.Notify("cycle-1", []catalog.Change{
		{Kind: catalog.ChangeCreated, Row: 0, IdentityID: 0},
		{Kind: catalog.ChangeAppended, Row: 1, IdentityID: 0},
	})

	first, second := <-ch, <-ch
	if first.Type != "identity_created" || first.CycleID != "cycle-1" {
		t.Errorf("first event = %+v", first)
	}
	if second.Type != "feature_appended" || second.Row != 1 {
		t.Errorf("second event = %+v", second)
	}

	b.RemoveListener(ch)
	if _, ok := <-ch; ok {
		t.Error("listener channel not closed")
	}
	// Sending without listeners must not block.
	b.SendEvent(Event{Type: "identity_created"})
}

func TestEventBroadcaster_SlowListenerDoesNotBlock(t *testing.T) {
	b := NewEventBroadcaster()
	ch := b.AddListener()
	defer b.RemoveListener(ch)

	done := make(chan struct{})
	go func() {
		for range 3 * cap(ch) {
			b.SendEvent(Event{Type: "feature_appended"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendEvent blocked on a full listener")
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered %d events, want %d", len(ch), cap(ch))
	}
}

func TestEventsHandler_Stream(t *testing.T) {
	b := NewEventBroadcaster()
	p := testProcessor(t, b)
	srv := httptest.NewServer(http.HandlerFunc(NewEventsHandler(b).Stream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("reading stream: %v", err)
			}
			if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
				return name
			}
		}
	}

	if got := readEvent(); got != "connected" {
		t.Fatalf("first event = %q, want connected", got)
	}
	_, err = p.Process(context.Background(), pipeline.Cycle{Detections: []pipeline.Detection{
		{ProvisionalID: router.Unknown, BBox: box, Feature: feature.Vector{1, 0}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got := readEvent(); got != "identity_created" {
		t.Errorf("event = %q, want identity_created", got)
	}
}
