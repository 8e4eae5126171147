package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/pkg/models"
)

func TestWebhook_postsEvent(t *testing.T) {
	t.Parallel()
	got := make(chan models.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev models.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- ev
	}))
	defer srv.Close()

	w := Webhook{URL: srv.URL}
	err := w.Emit(context.Background(), models.Event{Type: "task_complete", Agent: "dev", TaskID: "t1"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ev := <-got
	if ev.Type != "task_complete" || ev.Agent != "dev" || ev.TaskID != "t1" {
		t.Errorf("event: %+v", ev)
	}
}

func TestWebhook_non2xxIsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := Webhook{URL: srv.URL}
	if err := w.Emit(context.Background(), models.Event{Type: "heartbeat"}); err == nil {
		t.Error("expected error for 502")
	}
}

func TestWebhook_missingURL(t *testing.T) {
	t.Parallel()
	if err := (Webhook{}).Emit(context.Background(), models.Event{Type: "heartbeat"}); err == nil {
		t.Error("expected error without URL")
	}
}

func TestRegistry_emitSurvivesFailingSink(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(Webhook{URL: "http://127.0.0.1:0"})
	r.Register(Log{})
	// A failing sink is logged and skipped, never propagated.
	r.Emit(context.Background(), models.Event{Type: "decision", Agent: "pm"})
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CREWMESH_WEBHOOK_URL", "http://example.invalid/hook")
	t.Setenv("CREWMESH_EVENT_LOG", "1")
	r := FromEnv()
	w, ok := r.Get("webhook").(Webhook)
	if !ok || w.URL != "http://example.invalid/hook" {
		t.Errorf("webhook sink: %+v", r.Get("webhook"))
	}
	if r.Get("log") == nil {
		t.Error("log sink should be registered")
	}

	t.Setenv("CREWMESH_WEBHOOK_URL", "")
	t.Setenv("CREWMESH_EVENT_LOG", "")
	if empty := FromEnv(); empty.Get("webhook") != nil || empty.Get("log") != nil {
		t.Error("unset env should yield no sinks")
	}
}

func TestRegistry_runForwardsHubEvents(t *testing.T) {
	t.Parallel()
	got := make(chan models.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev models.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer srv.Close()

	r := NewRegistry()
	r.Register(Webhook{URL: srv.URL})
	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, hub)

	time.Sleep(20 * time.Millisecond)
	hub.Publish(models.Event{Type: "handoff", Agent: "dev", TaskID: "t1"})

	select {
	case ev := <-got:
		if ev.Type != "handoff" {
			t.Errorf("event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sink")
	}
}
