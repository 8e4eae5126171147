// Package router delivers point-to-point and broadcast messages between
// registered agents. Delivery is FIFO per (from, to) pair; a recipient that
// is offline or has a full inbox triggers a bounded exponential-backoff
// retry before the message is marked failed and the sender is notified.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/internal/otel"
	"github.com/crewmesh/crewmesh/internal/registry"
	"github.com/crewmesh/crewmesh/pkg/models"
)

// OwnerChecker answers whether an agent currently owns a task. Handoff
// messages must reference a task owned by the sender at send time.
type OwnerChecker interface {
	Owns(agentName, taskID string) bool
}

// Recorder persists message snapshots. Appends are best-effort; nil is valid.
type Recorder interface {
	RecordMessage(ctx context.Context, m models.Message)
}

// Router owns message delivery state: one bounded inbox per recipient and
// one retry queue per (from, to) pair.
type Router struct {
	reg   *registry.Registry
	owner OwnerChecker
	hub   *events.Hub
	rec   Recorder

	attempts int
	backoff  time.Duration
	capacity int

	mu      sync.Mutex
	inboxes map[string]*inbox
	pairs   map[pairKey]*pairQueue
}

type pairKey struct{ from, to string }

type inbox struct {
	mu    sync.Mutex
	queue []models.Message
	cap   int
}

type queued struct {
	msg      models.Message
	attempts int
	due      time.Time
}

type pairQueue struct {
	pending []*queued
}

// Option configures a Router.
type Option func(*Router)

// WithHub attaches the monitoring event hub.
func WithHub(h *events.Hub) Option {
	return func(r *Router) { r.hub = h }
}

// WithRecorder attaches a journal recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.rec = rec }
}

// WithOwnerChecker attaches the task ownership check used for handoffs.
func WithOwnerChecker(o OwnerChecker) Option {
	return func(r *Router) { r.owner = o }
}

// WithRetryPolicy overrides the attempt budget and base backoff.
func WithRetryPolicy(attempts int, backoff time.Duration) Option {
	return func(r *Router) {
		if attempts > 0 {
			r.attempts = attempts
		}
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

// WithInboxCapacity overrides the per-recipient inbox bound.
func WithInboxCapacity(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.capacity = n
		}
	}
}

func New(reg *registry.Registry, opts ...Option) *Router {
	r := &Router{
		reg:      reg,
		attempts: models.DefaultRetryAttempts,
		backoff:  100 * time.Millisecond,
		capacity: models.DefaultInboxCapacity,
		inboxes:  make(map[string]*inbox),
		pairs:    make(map[pairKey]*pairQueue),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run drives the retry queues until ctx is cancelled. Call in a goroutine.
func (r *Router) Run(ctx context.Context) {
	tick := r.backoff / 2
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.processRetries(ctx)
		}
	}
}

// Send routes a point-to-point message. The sender must be registered and,
// for handoff messages, must own the referenced task. An unknown recipient
// is a synchronous NotFound; an offline recipient or full inbox puts the
// message on the retry queue. The returned snapshot carries the assigned id
// and current delivery status.
func (r *Router) Send(ctx context.Context, m models.Message) (models.Message, error) {
	if err := r.prepare(&m); err != nil {
		return models.Message{}, err
	}
	if !r.reg.Known(m.To) {
		return models.Message{}, models.Errf(models.KindNotFound, models.CodeRecipientUnknown, "recipient %q not registered", m.To)
	}

	key := pairKey{m.From, m.To}
	r.mu.Lock()
	pq := r.pairs[key]
	if pq != nil && len(pq.pending) > 0 {
		// Earlier messages for this pair are still retrying; queue behind
		// them to preserve send order.
		pq.pending = append(pq.pending, &queued{msg: m, due: time.Now()})
		r.mu.Unlock()
		r.record(ctx, m)
		return m, nil
	}
	r.mu.Unlock()

	if err := r.tryDeliver(&m); err != nil {
		r.enqueueRetry(m, 1)
		r.record(ctx, m)
		return m, nil
	}
	otel.RecordMessage(ctx, string(m.Type), string(m.Status))
	r.record(ctx, m)
	return m, nil
}

// Broadcast fans the message out to every registered agent except the
// sender. Per-recipient failures are retried independently and never fail
// the broadcast; the returned map records the initial per-recipient state.
func (r *Router) Broadcast(ctx context.Context, m models.Message) (models.Message, map[string]models.MessageStatus, error) {
	m.To = models.BroadcastTarget
	if err := r.prepare(&m); err != nil {
		return models.Message{}, nil, err
	}
	results := make(map[string]models.MessageStatus)
	delivered := 0
	for _, a := range r.reg.List() {
		if a.Name == m.From {
			continue
		}
		dup := m
		dup.To = a.Name
		if err := r.tryDeliver(&dup); err != nil {
			r.enqueueRetry(dup, 1)
			results[a.Name] = models.MessagePending
			continue
		}
		results[a.Name] = models.MessageDelivered
		delivered++
	}
	if delivered > 0 {
		m.Status = models.MessageDelivered
	}
	otel.RecordMessage(ctx, string(m.Type), string(m.Status))
	r.record(ctx, m)
	if r.hub != nil {
		r.hub.Emit("decision", m.From, m.TaskID, map[string]string{"broadcast": string(m.Type)})
	}
	return m, results, nil
}

// Inbox returns the recipient's queued (delivered, unread) messages in
// delivery order without consuming them.
func (r *Router) Inbox(name string) ([]models.Message, error) {
	if !r.reg.Known(name) {
		return nil, models.Errf(models.KindNotFound, models.CodeUnknownAgent, "agent %q not registered", name)
	}
	ib := r.inbox(name)
	ib.mu.Lock()
	defer ib.mu.Unlock()
	out := make([]models.Message, len(ib.queue))
	copy(out, ib.queue)
	return out, nil
}

// Ack marks a delivered message as read and removes it from the inbox.
func (r *Router) Ack(ctx context.Context, name, messageID string) error {
	ib := r.inbox(name)
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for i := range ib.queue {
		if ib.queue[i].ID == messageID {
			m := ib.queue[i]
			m.Status = models.MessageRead
			ib.queue = append(ib.queue[:i], ib.queue[i+1:]...)
			r.record(ctx, m)
			return nil
		}
	}
	return models.Errf(models.KindNotFound, models.CodeRecipientUnknown, "message %s not in inbox of %q", messageID, name)
}

// TotalDepth returns the number of messages queued across all inboxes, for
// the inbox depth gauge.
func (r *Router) TotalDepth() int64 {
	r.mu.Lock()
	boxes := make([]*inbox, 0, len(r.inboxes))
	for _, ib := range r.inboxes {
		boxes = append(boxes, ib)
	}
	r.mu.Unlock()
	var n int64
	for _, ib := range boxes {
		ib.mu.Lock()
		n += int64(len(ib.queue))
		ib.mu.Unlock()
	}
	return n
}

// Restore re-queues a message snapshot during journal replay: delivered
// but unread messages go back to the recipient's inbox, pending ones back
// to the retry queue. Read and failed messages are history only.
func (r *Router) Restore(m models.Message) {
	switch m.Status {
	case models.MessageDelivered:
		ib := r.inbox(m.To)
		ib.mu.Lock()
		ib.queue = append(ib.queue, m)
		ib.mu.Unlock()
	case models.MessagePending:
		if m.To != models.BroadcastTarget {
			r.enqueueRetry(m, 1)
		}
	}
}

// prepare validates the envelope and stamps id, timestamp, and status.
func (r *Router) prepare(m *models.Message) error {
	if !r.reg.Known(m.From) {
		return models.Errf(models.KindNotFound, models.CodeUnknownAgent, "sender %q not registered", m.From)
	}
	if m.Type == models.MessageHandoff {
		if m.TaskID == "" {
			return models.Errf(models.KindPolicyViolation, models.CodeHandoffTaskRequired, "handoff message requires a task id")
		}
		if r.owner != nil && !r.owner.Owns(m.From, m.TaskID) {
			return models.Errf(models.KindConflict, models.CodeNotOwner, "sender %q does not own task %s", m.From, m.TaskID)
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	if m.Priority == "" {
		m.Priority = models.PriorityMedium
	}
	m.Status = models.MessagePending
	m.Timestamp = time.Now().UTC()
	return nil
}

// tryDeliver places the message in the recipient's inbox. Returns a
// transient error if the recipient is offline or the inbox is full.
func (r *Router) tryDeliver(m *models.Message) error {
	if !r.reg.Deliverable(m.To) {
		return models.Errf(models.KindTransient, models.CodeRecipientOffline, "recipient %q offline", m.To)
	}
	ib := r.inbox(m.To)
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if len(ib.queue) >= ib.cap {
		return models.Errf(models.KindTransient, models.CodeInboxFull, "inbox of %q full", m.To)
	}
	m.Status = models.MessageDelivered
	ib.queue = append(ib.queue, *m)
	return nil
}

func (r *Router) record(ctx context.Context, m models.Message) {
	if r.rec != nil {
		r.rec.RecordMessage(ctx, m)
	}
}

func (r *Router) inbox(name string) *inbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	ib, ok := r.inboxes[name]
	if !ok {
		ib = &inbox{cap: r.capacity}
		r.inboxes[name] = ib
	}
	return ib
}

func (r *Router) enqueueRetry(m models.Message, attempts int) {
	key := pairKey{m.From, m.To}
	r.mu.Lock()
	pq := r.pairs[key]
	if pq == nil {
		pq = &pairQueue{}
		r.pairs[key] = pq
	}
	pq.pending = append(pq.pending, &queued{
		msg:      m,
		attempts: attempts,
		due:      time.Now().Add(r.backoff * (1 << (attempts - 1))),
	})
	r.mu.Unlock()
}

// processRetries walks every pair queue head-first so per-pair order holds:
// a later message never overtakes an earlier one still retrying.
func (r *Router) processRetries(ctx context.Context) {
	r.mu.Lock()
	keys := make([]pairKey, 0, len(r.pairs))
	for k := range r.pairs {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		for {
			r.mu.Lock()
			pq := r.pairs[key]
			if pq == nil || len(pq.pending) == 0 {
				delete(r.pairs, key)
				r.mu.Unlock()
				break
			}
			head := pq.pending[0]
			if head.due.After(now) {
				r.mu.Unlock()
				break
			}
			r.mu.Unlock()

			err := r.tryDeliver(&head.msg)
			r.mu.Lock()
			if err == nil {
				pq.pending = pq.pending[1:]
				r.mu.Unlock()
				otel.RecordMessage(ctx, string(head.msg.Type), string(head.msg.Status))
				r.record(ctx, head.msg)
				continue
			}
			head.attempts++
			if head.attempts >= r.attempts {
				pq.pending = pq.pending[1:]
				r.mu.Unlock()
				head.msg.Status = models.MessageFailed
				otel.RecordMessage(ctx, string(head.msg.Type), string(head.msg.Status))
				r.record(ctx, head.msg)
				r.notifyFailure(ctx, head.msg, err)
				continue
			}
			head.due = now.Add(r.backoff * (1 << (head.attempts - 1)))
			r.mu.Unlock()
			break
		}
	}
}

// notifyFailure reports an exhausted delivery back to the sender as a
// response-type message. Never silently dropped, but if the sender itself
// cannot receive, a log line is all that remains.
func (r *Router) notifyFailure(ctx context.Context, m models.Message, cause error) {
	notice := models.Message{
		ID:   uuid.NewString(),
		From: m.To,
		To:   m.From,
		Type: models.MessageResponse,
		Payload: models.Payload{
			Content: fmt.Sprintf("delivery of message %s failed: %v", m.ID, cause),
			Context: map[string]string{"failed_message_id": m.ID, "status": string(models.MessageFailed)},
		},
		Priority:      m.Priority,
		Status:        models.MessagePending,
		Timestamp:     time.Now().UTC(),
		CorrelationID: m.CorrelationID,
		ThreadID:      m.ThreadID,
	}
	if err := r.tryDeliver(&notice); err != nil {
		slog.Warn("delivery failure notice undeliverable", "message_id", m.ID, "sender", m.From, "err", err)
		return
	}
	r.record(ctx, notice)
	if r.hub != nil {
		r.hub.Emit("decision", m.From, m.TaskID, map[string]string{"delivery_failed": m.ID})
	}
}
