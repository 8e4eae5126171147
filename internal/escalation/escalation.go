// Package escalation records blockers and routes them to the next
// authority level. Cross-entity work acquires agent state first, task state
// second, and escalation state last (fixed global lock order), so it never
// deadlocks against the task store.
package escalation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/internal/otel"
	"github.com/crewmesh/crewmesh/internal/registry"
	"github.com/crewmesh/crewmesh/internal/router"
	"github.com/crewmesh/crewmesh/internal/taskstore"
	"github.com/crewmesh/crewmesh/pkg/models"
)

// Recorder persists escalation snapshots. Appends are best-effort; nil is
// valid.
type Recorder interface {
	RecordEscalation(ctx context.Context, e models.Escalation)
}

// Manager owns Escalation records.
type Manager struct {
	reg   *registry.Registry
	tasks *taskstore.Store
	rtr   *router.Router
	hub   *events.Hub
	rec   Recorder

	mu          sync.Mutex
	escalations map[string]*models.Escalation
	byTask      map[string][]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithHub attaches the monitoring event hub.
func WithHub(h *events.Hub) Option {
	return func(m *Manager) { m.hub = h }
}

// WithRecorder attaches a journal recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.rec = r }
}

func New(reg *registry.Registry, tasks *taskstore.Store, rtr *router.Router, opts ...Option) *Manager {
	m := &Manager{
		reg:         reg,
		tasks:       tasks,
		rtr:         rtr,
		escalations: make(map[string]*models.Escalation),
		byTask:      make(map[string][]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Escalate blocks the task (if not already blocked), resolves the target at
// the next authority level, records the escalation, and routes a
// notification to the target. Critical escalations additionally notify
// every strategic (level 1) agent, modeling an emergency interrupt.
func (m *Manager) Escalate(ctx context.Context, taskID, fromAgent, reason string, severity models.Severity) (models.Escalation, error) {
	if severity.Rank() == 0 {
		return models.Escalation{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition, "unknown severity %q", severity)
	}
	agent, err := m.reg.Get(fromAgent)
	if err != nil {
		return models.Escalation{}, err
	}
	task, err := m.tasks.Get(taskID)
	if err != nil {
		return models.Escalation{}, err
	}
	if task.Status != models.TaskBlocked {
		if _, err := m.tasks.Block(ctx, taskID, reason); err != nil {
			return models.Escalation{}, err
		}
	}

	targets, err := m.reg.ResolveEscalationTarget(agent.RoleLevel)
	if err != nil {
		return models.Escalation{}, err
	}
	target := m.pickTarget(targets)

	now := time.Now().UTC()
	esc := models.Escalation{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		FromAgent:   fromAgent,
		Reason:      reason,
		Severity:    severity,
		TargetAgent: target,
		Status:      models.EscalationOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.escalations[esc.ID] = &esc
	m.byTask[taskID] = append(m.byTask[taskID], esc.ID)
	m.mu.Unlock()

	otel.RecordEscalation(ctx, string(severity))
	if m.hub != nil {
		m.hub.Emit("decision", fromAgent, taskID, map[string]string{
			"escalation": esc.ID, "severity": string(severity), "target": target,
		})
	}
	m.record(ctx, esc)
	slog.Info("escalation opened", "escalation_id", esc.ID, "task_id", taskID, "from", fromAgent, "target", target, "severity", severity)

	m.notifyTarget(ctx, esc, task)
	if severity == models.SeverityCritical {
		m.interruptStrategic(ctx, esc)
	}
	return esc, nil
}

// Resolve closes an escalation. If the task was blocked and no other open
// escalation holds it, the task returns to in_progress.
func (m *Manager) Resolve(ctx context.Context, escalationID, resolution string) (models.Escalation, error) {
	m.mu.Lock()
	esc, ok := m.escalations[escalationID]
	if !ok {
		m.mu.Unlock()
		return models.Escalation{}, models.Errf(models.KindNotFound, models.CodeEscalationNotFound, "escalation %s not found", escalationID)
	}
	if esc.Status == models.EscalationResolved {
		snap := *esc
		m.mu.Unlock()
		return snap, nil
	}
	esc.Status = models.EscalationResolved
	esc.Resolution = resolution
	esc.UpdatedAt = time.Now().UTC()
	snap := *esc
	remaining := 0
	for _, id := range m.byTask[esc.TaskID] {
		if e := m.escalations[id]; e != nil && e.Status != models.EscalationResolved {
			remaining++
		}
	}
	m.mu.Unlock()

	if remaining == 0 {
		if task, err := m.tasks.Get(snap.TaskID); err == nil && task.Status == models.TaskBlocked {
			if _, err := m.tasks.Unblock(ctx, snap.TaskID); err != nil {
				slog.Warn("unblock after resolve failed", "task_id", snap.TaskID, "err", err)
			}
		}
	}
	m.record(ctx, snap)
	slog.Info("escalation resolved", "escalation_id", escalationID, "task_id", snap.TaskID)
	return snap, nil
}

// Acknowledge marks an open escalation acknowledged by its target.
func (m *Manager) Acknowledge(ctx context.Context, escalationID string) (models.Escalation, error) {
	m.mu.Lock()
	esc, ok := m.escalations[escalationID]
	if !ok {
		m.mu.Unlock()
		return models.Escalation{}, models.Errf(models.KindNotFound, models.CodeEscalationNotFound, "escalation %s not found", escalationID)
	}
	if esc.Status == models.EscalationOpen {
		esc.Status = models.EscalationAcknowledged
		esc.UpdatedAt = time.Now().UTC()
	}
	snap := *esc
	m.mu.Unlock()
	m.record(ctx, snap)
	return snap, nil
}

// Get returns a snapshot of one escalation.
func (m *Manager) Get(escalationID string) (models.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escalations[escalationID]
	if !ok {
		return models.Escalation{}, models.Errf(models.KindNotFound, models.CodeEscalationNotFound, "escalation %s not found", escalationID)
	}
	return *esc, nil
}

// List returns all escalations, newest first.
func (m *Manager) List() []models.Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Escalation, 0, len(m.escalations))
	for _, e := range m.escalations {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Active returns the authoritative open escalation for a task: when agents
// escalate the same task at different severities, the highest severity
// wins.
func (m *Manager) Active(taskID string) (models.Escalation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Escalation
	for _, id := range m.byTask[taskID] {
		e := m.escalations[id]
		if e == nil || e.Status == models.EscalationResolved {
			continue
		}
		if best == nil || e.Severity.Rank() > best.Severity.Rank() {
			best = e
		}
	}
	if best == nil {
		return models.Escalation{}, false
	}
	return *best, true
}

// Run subscribes to the event hub and keeps escalations consistent with
// task state: a task that turns blocked without an open escalation gets one
// automatically, and escalations close when their task leaves blocked.
func (m *Manager) Run(ctx context.Context, hub *events.Hub) {
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
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev models.Event) {
	switch ev.Type {
	case "decision":
		if ev.Detail["decision"] != "blocked" || ev.TaskID == "" {
			return
		}
		if _, open := m.Active(ev.TaskID); open {
			return
		}
		reason := ev.Detail["reason"]
		if reason == "" {
			reason = "task blocked"
		}
		agent := ev.Agent
		if agent == "" {
			return
		}
		if _, err := m.Escalate(ctx, ev.TaskID, agent, reason, models.SeverityMedium); err != nil {
			slog.Warn("auto-escalation failed", "task_id", ev.TaskID, "err", err)
		}
	case "task_complete", "task_failed":
		m.closeForTask(ctx, ev.TaskID, "task left blocked ("+ev.Type+")")
	}
}

// closeForTask resolves every open escalation whose task is no longer
// blocked.
func (m *Manager) closeForTask(ctx context.Context, taskID, resolution string) {
	m.mu.Lock()
	var open []string
	for _, id := range m.byTask[taskID] {
		if e := m.escalations[id]; e != nil && e.Status != models.EscalationResolved {
			open = append(open, id)
		}
	}
	m.mu.Unlock()
	for _, id := range open {
		if _, err := m.Resolve(ctx, id, resolution); err != nil {
			slog.Warn("close escalation failed", "escalation_id", id, "err", err)
		}
	}
}

// pickTarget chooses the least-loaded candidate.
func (m *Manager) pickTarget(targets []models.Agent) string {
	best := targets[0].Name
	bestLoad := int(^uint(0) >> 1)
	for _, t := range targets {
		w, err := m.reg.Workload(t.Name)
		if err != nil {
			return t.Name // sentinel target is not a registered agent
		}
		if w.TaskCount < bestLoad {
			best = t.Name
			bestLoad = w.TaskCount
		}
	}
	return best
}

func (m *Manager) notifyTarget(ctx context.Context, esc models.Escalation, task models.Task) {
	if esc.TargetAgent == models.OperatorSentinel {
		slog.Warn("escalation requires operator attention", "escalation_id", esc.ID, "task_id", esc.TaskID, "reason", esc.Reason)
		return
	}
	_, err := m.rtr.Send(ctx, models.Message{
		From:     esc.FromAgent,
		To:       esc.TargetAgent,
		Type:     models.MessageNotification,
		Priority: severityPriority(esc.Severity),
		Payload: models.Payload{
			Content: "escalation: " + esc.Reason,
			Context: map[string]string{
				"escalation_id": esc.ID,
				"task_id":       esc.TaskID,
				"severity":      string(esc.Severity),
			},
		},
		TaskID:        esc.TaskID,
		CorrelationID: task.CorrelationID,
		ThreadID:      task.ThreadID,
	})
	if err != nil {
		slog.Warn("escalation notification failed", "escalation_id", esc.ID, "target", esc.TargetAgent, "err", err)
	}
}

// interruptStrategic notifies every level-1 agent regardless of the
// resolved target.
func (m *Manager) interruptStrategic(ctx context.Context, esc models.Escalation) {
	for _, a := range m.reg.List() {
		if a.RoleLevel != models.RoleStrategic || a.Name == esc.TargetAgent || a.Name == esc.FromAgent {
			continue
		}
		_, err := m.rtr.Send(ctx, models.Message{
			From:     esc.FromAgent,
			To:       a.Name,
			Type:     models.MessageNotification,
			Priority: models.PriorityCritical,
			Payload: models.Payload{
				Content: "critical escalation: " + esc.Reason,
				Context: map[string]string{"escalation_id": esc.ID, "task_id": esc.TaskID},
			},
			TaskID: esc.TaskID,
		})
		if err != nil {
			slog.Warn("strategic interrupt failed", "escalation_id", esc.ID, "target", a.Name, "err", err)
		}
	}
}

func severityPriority(s models.Severity) models.Priority {
	switch s {
	case models.SeverityCritical:
		return models.PriorityCritical
	case models.SeverityHigh:
		return models.PriorityHigh
	case models.SeverityLow:
		return models.PriorityLow
	}
	return models.PriorityMedium
}

// Restore inserts an escalation snapshot directly. Used by journal replay
// only.
func (m *Manager) Restore(e models.Escalation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escalations[e.ID]; !ok {
		m.byTask[e.TaskID] = append(m.byTask[e.TaskID], e.ID)
	}
	cp := e
	m.escalations[e.ID] = &cp
}

func (m *Manager) record(ctx context.Context, e models.Escalation) {
	if m.rec != nil {
		m.rec.RecordEscalation(ctx, e)
	}
}
