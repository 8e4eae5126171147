// Package sink forwards kernel monitoring events to external logging and
// monitoring targets. Delivery is strictly best-effort: a failing or absent
// sink never affects kernel correctness.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/pkg/models"
)

// Sink receives structured kernel events. The kernel never consumes a
// return value from a sink; Emit errors are logged and dropped.
type Sink interface {
	Name() string
	Emit(ctx context.Context, ev models.Event) error
}

// Registry holds loaded sinks by name.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// FromEnv builds a registry from the environment: CREWMESH_WEBHOOK_URL
// adds a webhook sink, CREWMESH_EVENT_LOG=1 adds the slog sink.
func FromEnv() *Registry {
	r := NewRegistry()
	if url := os.Getenv("CREWMESH_WEBHOOK_URL"); url != "" {
		r.Register(Webhook{URL: url})
	}
	if os.Getenv("CREWMESH_EVENT_LOG") == "1" {
		r.Register(Log{})
	}
	return r
}

func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Name()] = s
}

func (r *Registry) Get(name string) Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[name]
}

// Emit fans the event out to every sink, logging failures.
func (r *Registry) Emit(ctx context.Context, ev models.Event) {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Emit(ctx, ev); err != nil {
			slog.Warn("sink emit failed", "sink", s.Name(), "event", ev.Type, "err", err)
		}
	}
}

// Run forwards hub events to the registry until ctx is cancelled. Call in
// a goroutine.
func (r *Registry) Run(ctx context.Context, hub *events.Hub) {
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Emit(ctx, ev)
		}
	}
}

// Webhook POSTs each event as JSON to a fixed URL.
type Webhook struct {
	URL string
}

func (w Webhook) Name() string { return "webhook" }

func (w Webhook) Emit(ctx context.Context, ev models.Event) error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL not set")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Log writes events to slog, for local debugging.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Emit(_ context.Context, ev models.Event) error {
	slog.Info("event", "type", ev.Type, "agent", ev.Agent, "task_id", ev.TaskID)
	return nil
}
