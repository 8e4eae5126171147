// Package taskstore owns the task state machine: creation, assignment,
// progress, completion, handoff, and dependency links. Transitions are
// linearizable per task id; cross-entity operations acquire the agent side
// first (fixed lock order: Agent before Task) and roll back the agent side
// if the task side rejects, so no partial mutation is ever visible.
package taskstore

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
	"github.com/crewmesh/crewmesh/pkg/models"
)

// Recorder persists task snapshots after committed mutations. Appends are
// best-effort; a nil Recorder is valid.
type Recorder interface {
	RecordTask(ctx context.Context, t models.Task)
}

// Store owns all Task records. Each task carries its own lock.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*entry

	reg *registry.Registry
	hub *events.Hub
	rec Recorder
}

type entry struct {
	mu  sync.Mutex
	rec models.Task
}

// Option configures a Store.
type Option func(*Store)

// WithHub attaches the monitoring event hub.
func WithHub(h *events.Hub) Option {
	return func(s *Store) { s.hub = h }
}

// WithRecorder attaches a journal recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.rec = r }
}

func New(reg *registry.Registry, opts ...Option) *Store {
	s := &Store{tasks: make(map[string]*entry), reg: reg}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create registers a new task in pending. The creator must be a registered
// agent and every dependency id must already exist.
func (s *Store) Create(ctx context.Context, title, description, createdBy string, priority models.Priority, dependencies []string) (models.Task, error) {
	if title == "" {
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition, "task title required")
	}
	if !s.reg.Known(createdBy) {
		return models.Task{}, models.Errf(models.KindNotFound, models.CodeUnknownAgent, "creator %q not registered", createdBy)
	}
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition, "unknown priority %q", priority)
	}
	for _, dep := range dependencies {
		if !s.exists(dep) {
			return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidDependency, "dependency %q does not exist", dep)
		}
	}
	now := time.Now().UTC()
	t := models.Task{
		ID:            uuid.NewString(),
		Title:         title,
		Description:   description,
		Status:        models.TaskPending,
		Priority:      priority,
		CreatedBy:     createdBy,
		Dependencies:  append([]string(nil), dependencies...),
		CorrelationID: uuid.NewString(),
		ThreadID:      uuid.NewString(),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.mu.Lock()
	s.tasks[t.ID] = &entry{rec: t}
	s.mu.Unlock()

	otel.RecordTaskOp(ctx, "create", string(t.Status))
	s.emit("task_created", createdBy, t.ID, map[string]string{"title": title, "priority": string(priority)})
	s.record(ctx, t)
	slog.Info("task created", "task_id", t.ID, "title", title, "created_by", createdBy)
	return t, nil
}

// Assign gives the task to an agent and moves it to assigned. Ownership is
// exclusive: a task already held by any agent rejects further assigns with
// a conflict. The agent side is attached first and detached again if the
// task side refuses, so a failed assign leaves pre-operation state.
func (s *Store) Assign(ctx context.Context, taskID, agentName string) (models.Task, error) {
	e, err := s.entry(taskID)
	if err != nil {
		return models.Task{}, err
	}
	// Agent before Task: reserve the agent slot first.
	if err := s.reg.AttachTask(agentName, taskID); err != nil {
		return models.Task{}, err
	}

	e.mu.Lock()
	t := &e.rec
	switch {
	case t.Status.Terminal():
		e.mu.Unlock()
		s.reg.DetachTask(agentName, taskID)
		return models.Task{}, models.Errf(models.KindNotFound, models.CodeTaskNotFound, "task %s is %s", taskID, t.Status)
	case t.AssignedAgent != "" && t.AssignedAgent != agentName:
		e.mu.Unlock()
		s.reg.DetachTask(agentName, taskID)
		return models.Task{}, models.Errf(models.KindConflict, models.CodeAlreadyAssigned, "task %s already assigned to %q", taskID, t.AssignedAgent)
	case t.Status != models.TaskPending:
		e.mu.Unlock()
		if t.AssignedAgent != agentName {
			s.reg.DetachTask(agentName, taskID)
		}
		return models.Task{}, models.Errf(models.KindConflict, models.CodeAlreadyAssigned, "task %s is %s, not pending", taskID, t.Status)
	}
	if unmet := s.unmetDependencies(t.Dependencies); len(unmet) > 0 {
		e.mu.Unlock()
		s.reg.DetachTask(agentName, taskID)
		return models.Task{}, &models.Error{
			Kind: models.KindPolicyViolation, Code: models.CodeDependenciesUnmet,
			Message: "task has unresolved dependencies", Missing: unmet,
		}
	}
	t.AssignedAgent = agentName
	t.Status = models.TaskAssigned
	s.touch(t)
	snap := *t
	e.mu.Unlock()

	otel.RecordTaskOp(ctx, "assign", string(snap.Status))
	s.emit("task_assigned", agentName, taskID, nil)
	s.record(ctx, snap)
	slog.Info("task assigned", "task_id", taskID, "agent", agentName)
	return snap, nil
}

// UpdateProgress applies a monotonic progress update and an optional status
// change. First nonzero progress moves an assigned task to in_progress;
// progress 100 completes it. A decreasing value is rejected unless the
// status becomes failed.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int, status models.TaskStatus) (models.Task, error) {
	if progress < 0 || progress > 100 {
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition, "progress %d out of range", progress)
	}
	e, err := s.entry(taskID)
	if err != nil {
		return models.Task{}, err
	}
	e.mu.Lock()
	t := &e.rec
	if t.Status.Terminal() {
		e.mu.Unlock()
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition, "task %s is %s", taskID, t.Status)
	}
	if progress < t.Progress && status != models.TaskFailed {
		e.mu.Unlock()
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition,
			"progress must not decrease (%d -> %d)", t.Progress, progress)
	}
	next := status
	if next == "" {
		switch {
		case progress >= 100:
			next = models.TaskCompleted
		case progress > 0 && t.Status == models.TaskAssigned:
			next = models.TaskInProgress
		default:
			next = t.Status
		}
	}
	// Completing straight from assigned passes through in_progress so the
	// transition table holds.
	viaStart := next == models.TaskCompleted && t.Status == models.TaskAssigned
	if progress == 100 && next != models.TaskCompleted {
		e.mu.Unlock()
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition,
			"progress 100 requires completed status, not %s", next)
	}
	from := t.Status
	if viaStart {
		from = models.TaskInProgress
	}
	if next != from && !models.CanTransition(from, next) {
		e.mu.Unlock()
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition,
			"transition %s -> %s not allowed", t.Status, next)
	}
	if next == models.TaskInProgress || viaStart {
		if unmet := s.unmetDependencies(t.Dependencies); len(unmet) > 0 {
			e.mu.Unlock()
			return models.Task{}, &models.Error{
				Kind: models.KindPolicyViolation, Code: models.CodeDependenciesUnmet,
				Message: "task has unresolved dependencies", Missing: unmet,
			}
		}
	}
	started := t.Status != models.TaskInProgress && (next == models.TaskInProgress || viaStart)
	t.Progress = progress
	if next == models.TaskCompleted {
		t.Progress = 100
	}
	t.Status = next
	s.touch(t)
	snap := *t
	e.mu.Unlock()

	if snap.Status.Terminal() && snap.AssignedAgent != "" {
		s.reg.DetachTask(snap.AssignedAgent, taskID)
	}
	otel.RecordTaskOp(ctx, "progress", string(snap.Status))
	if started {
		s.emit("task_start", snap.AssignedAgent, taskID, nil)
	}
	switch snap.Status {
	case models.TaskCompleted:
		s.emit("task_complete", snap.AssignedAgent, taskID, nil)
	case models.TaskFailed:
		s.emit("task_failed", snap.AssignedAgent, taskID, nil)
	}
	s.record(ctx, snap)
	return snap, nil
}

// Handoff atomically moves ownership from one agent to another, leaving
// status, progress, and dependencies untouched. The caller (kernel) routes
// the accompanying handoff message.
func (s *Store) Handoff(ctx context.Context, taskID, fromAgent, toAgent string) (models.Task, error) {
	if !s.reg.Known(toAgent) {
		return models.Task{}, models.Errf(models.KindNotFound, models.CodeUnknownAgent, "agent %q not registered", toAgent)
	}
	e, err := s.entry(taskID)
	if err != nil {
		return models.Task{}, err
	}
	// Reserve the receiving agent first (Agent before Task).
	if err := s.reg.AttachTask(toAgent, taskID); err != nil {
		return models.Task{}, err
	}
	e.mu.Lock()
	t := &e.rec
	if t.Status.Terminal() {
		e.mu.Unlock()
		s.reg.DetachTask(toAgent, taskID)
		return models.Task{}, models.Errf(models.KindNotFound, models.CodeTaskNotFound, "task %s is %s", taskID, t.Status)
	}
	if t.AssignedAgent != fromAgent {
		e.mu.Unlock()
		s.reg.DetachTask(toAgent, taskID)
		return models.Task{}, models.Errf(models.KindConflict, models.CodeNotOwner,
			"agent %q does not own task %s", fromAgent, taskID)
	}
	t.AssignedAgent = toAgent
	s.touch(t)
	snap := *t
	e.mu.Unlock()

	s.reg.DetachTask(fromAgent, taskID)
	otel.RecordTaskOp(ctx, "handoff", string(snap.Status))
	s.emit("handoff", fromAgent, taskID, map[string]string{"to": toAgent})
	s.record(ctx, snap)
	slog.Info("task handed off", "task_id", taskID, "from", fromAgent, "to", toAgent)
	return snap, nil
}

// Complete marks the task completed with a result. Completion does not
// cascade to dependents; they recheck dependencies on their next assign.
func (s *Store) Complete(ctx context.Context, taskID, result string) (models.Task, error) {
	return s.finish(ctx, taskID, models.TaskCompleted, result)
}

// Fail marks the task failed. Fail is also the cancellation path: racing
// assigns and handoffs observe the terminal state under the task lock and
// reject instead of applying a stale transition.
func (s *Store) Fail(ctx context.Context, taskID, errMsg string) (models.Task, error) {
	return s.finish(ctx, taskID, models.TaskFailed, errMsg)
}

func (s *Store) finish(ctx context.Context, taskID string, status models.TaskStatus, detail string) (models.Task, error) {
	e, err := s.entry(taskID)
	if err != nil {
		return models.Task{}, err
	}
	e.mu.Lock()
	t := &e.rec
	if !models.CanTransition(t.Status, status) {
		e.mu.Unlock()
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition,
			"transition %s -> %s not allowed", t.Status, status)
	}
	t.Status = status
	if status == models.TaskCompleted {
		t.Progress = 100
		t.Result = detail
	} else {
		t.Error = detail
	}
	s.touch(t)
	snap := *t
	e.mu.Unlock()

	if snap.AssignedAgent != "" {
		s.reg.DetachTask(snap.AssignedAgent, taskID)
	}
	otel.RecordTaskOp(ctx, "finish", string(status))
	if status == models.TaskCompleted {
		s.emit("task_complete", snap.AssignedAgent, taskID, nil)
	} else {
		s.emit("task_failed", snap.AssignedAgent, taskID, map[string]string{"error": detail})
	}
	s.record(ctx, snap)
	return snap, nil
}

// Block moves an assigned or in-progress task to blocked. The owning agent
// keeps the task; escalation decides what happens next.
func (s *Store) Block(ctx context.Context, taskID, reason string) (models.Task, error) {
	e, err := s.entry(taskID)
	if err != nil {
		return models.Task{}, err
	}
	e.mu.Lock()
	t := &e.rec
	if t.Status == models.TaskBlocked {
		snap := *t
		e.mu.Unlock()
		return snap, nil
	}
	if !models.CanTransition(t.Status, models.TaskBlocked) {
		e.mu.Unlock()
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition,
			"transition %s -> blocked not allowed", t.Status)
	}
	t.Status = models.TaskBlocked
	t.Error = reason
	s.touch(t)
	snap := *t
	e.mu.Unlock()

	otel.RecordTaskOp(ctx, "block", string(snap.Status))
	s.emit("decision", snap.AssignedAgent, taskID, map[string]string{"decision": "blocked", "reason": reason})
	s.record(ctx, snap)
	return snap, nil
}

// Unblock returns a blocked task to in_progress.
func (s *Store) Unblock(ctx context.Context, taskID string) (models.Task, error) {
	e, err := s.entry(taskID)
	if err != nil {
		return models.Task{}, err
	}
	e.mu.Lock()
	t := &e.rec
	if t.Status != models.TaskBlocked {
		e.mu.Unlock()
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition,
			"task %s is %s, not blocked", taskID, t.Status)
	}
	t.Status = models.TaskInProgress
	t.Error = ""
	s.touch(t)
	snap := *t
	e.mu.Unlock()

	otel.RecordTaskOp(ctx, "unblock", string(snap.Status))
	s.record(ctx, snap)
	return snap, nil
}

// Reopen returns a failed task to pending, clearing owner, error, and
// progress. Failed tasks never reopen implicitly.
func (s *Store) Reopen(ctx context.Context, taskID string) (models.Task, error) {
	e, err := s.entry(taskID)
	if err != nil {
		return models.Task{}, err
	}
	e.mu.Lock()
	t := &e.rec
	if t.Status != models.TaskFailed {
		e.mu.Unlock()
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition,
			"only failed tasks reopen (task %s is %s)", taskID, t.Status)
	}
	t.Status = models.TaskPending
	t.AssignedAgent = ""
	t.Progress = 0
	t.Error = ""
	s.touch(t)
	snap := *t
	e.mu.Unlock()

	otel.RecordTaskOp(ctx, "reopen", string(snap.Status))
	s.record(ctx, snap)
	return snap, nil
}

// Release returns an assigned (not yet started) task to pending and frees
// the owning agent.
func (s *Store) Release(ctx context.Context, taskID string) (models.Task, error) {
	e, err := s.entry(taskID)
	if err != nil {
		return models.Task{}, err
	}
	e.mu.Lock()
	t := &e.rec
	if t.Status != models.TaskAssigned {
		e.mu.Unlock()
		return models.Task{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition,
			"task %s is %s, not assigned", taskID, t.Status)
	}
	prev := t.AssignedAgent
	t.AssignedAgent = ""
	t.Status = models.TaskPending
	s.touch(t)
	snap := *t
	e.mu.Unlock()

	if prev != "" {
		s.reg.DetachTask(prev, taskID)
	}
	otel.RecordTaskOp(ctx, "release", string(snap.Status))
	s.record(ctx, snap)
	return snap, nil
}

// Get returns a snapshot of the task.
func (s *Store) Get(taskID string) (models.Task, error) {
	e, err := s.entry(taskID)
	if err != nil {
		return models.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// List returns snapshots of all tasks, newest first.
func (s *Store) List() []models.Task {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]models.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Owns reports whether the agent currently owns the task.
func (s *Store) Owns(agentName, taskID string) bool {
	e, err := s.entry(taskID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.AssignedAgent == agentName
}

// CountsByStatus returns task counts keyed by status, for metrics gauges.
func (s *Store) CountsByStatus() map[models.TaskStatus]int64 {
	out := make(map[models.TaskStatus]int64)
	for _, t := range s.List() {
		out[t.Status]++
	}
	return out
}

// Restore inserts a task snapshot directly. Used by journal replay only.
func (s *Store) Restore(t models.Task) {
	s.mu.Lock()
	s.tasks[t.ID] = &entry{rec: t}
	s.mu.Unlock()
}

func (s *Store) exists(taskID string) bool {
	s.mu.RLock()
	_, ok := s.tasks[taskID]
	s.mu.RUnlock()
	return ok
}

func (s *Store) entry(taskID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, models.Errf(models.KindNotFound, models.CodeTaskNotFound, "task %s not found", taskID)
	}
	return e, nil
}

// unmetDependencies returns dependency ids that are not yet completed.
func (s *Store) unmetDependencies(deps []string) []string {
	var unmet []string
	for _, dep := range deps {
		de, err := s.entry(dep)
		if err != nil {
			unmet = append(unmet, dep)
			continue
		}
		de.mu.Lock()
		done := de.rec.Status == models.TaskCompleted
		de.mu.Unlock()
		if !done {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (s *Store) touch(t *models.Task) {
	t.Version++
	t.UpdatedAt = time.Now().UTC()
}

func (s *Store) emit(typ, agent, taskID string, detail map[string]string) {
	if s.hub != nil {
		s.hub.Emit(typ, agent, taskID, detail)
	}
}

func (s *Store) record(ctx context.Context, t models.Task) {
	if s.rec != nil {
		s.rec.RecordTask(ctx, t)
	}
}
