// Package events provides the fire-and-forget monitoring hub. Kernel
// components publish structured events; sinks (SSE stream, sink registry,
// metrics) subscribe. A slow or absent subscriber never blocks the kernel.
package events

import (
	"sync"
	"time"

	"github.com/crewmesh/crewmesh/internal/otel"
	"github.com/crewmesh/crewmesh/pkg/models"
)

// Hub fans out kernel events to subscribers over buffered channels.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan models.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan models.Event]struct{})}
}

func (h *Hub) Subscribe() chan models.Event {
	ch := make(chan models.Event, models.DefaultEventChanBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	otel.AddEventSubscriber()
	return ch
}

func (h *Hub) Unsubscribe(ch chan models.Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
		otel.RemoveEventSubscriber()
	}
	h.mu.Unlock()
}

// Publish delivers ev to every subscriber. Events to slow subscribers are
// dropped; publishing never blocks kernel mutations.
func (h *Hub) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	otel.RecordEvent(ev.Type)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is too slow; prevents global backpressure.
		}
	}
}

// Emit is a convenience for Publish with the common fields.
func (h *Hub) Emit(typ, agent, taskID string, detail map[string]string) {
	h.Publish(models.Event{Type: typ, Agent: agent, TaskID: taskID, Detail: detail})
}
