// Package registry tracks known agent identities, their role level in the
// authority hierarchy, live status, and capacity. A registry entry is a
// precondition for any task store or router operation.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/pkg/models"
)

// Recorder persists agent snapshots after committed mutations. Appends are
// best-effort; a nil Recorder is valid.
type Recorder interface {
	RecordAgent(ctx context.Context, a models.Agent)
}

// Registry owns Agent records. The map is guarded by mu; each entry carries
// its own lock so independent agents never contend (per-record locking).
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	ceiling int // hard concurrent-task ceiling per agent
	hub     *events.Hub
	rec     Recorder

	// OnStatusChange, if set, receives a snapshot after every status
	// update. The kernel wires this to the router's broadcast fan-out.
	OnStatusChange func(models.Agent)
}

type entry struct {
	mu     sync.Mutex
	rec    models.Agent
	active map[string]struct{} // task ids currently attached
}

// Option configures a Registry.
type Option func(*Registry)

// WithTaskCeiling overrides the default 1-active-task-per-agent ceiling.
func WithTaskCeiling(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.ceiling = n
		}
	}
}

// WithHub attaches the monitoring event hub.
func WithHub(h *events.Hub) Option {
	return func(r *Registry) { r.hub = h }
}

// WithRecorder attaches a journal recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.rec = rec }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		agents:  make(map[string]*entry),
		ceiling: models.DefaultTaskCeiling,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register creates or refreshes an agent entry. Re-registration with the
// same role level refreshes capabilities and brings an offline agent back
// to available. A different role level for an existing name is a conflict.
func (r *Registry) Register(name string, roleLevel int, capabilities []string) (models.Agent, error) {
	if name == "" {
		return models.Agent{}, models.Errf(models.KindPolicyViolation, models.CodeUnknownAgent, "agent name required")
	}
	if roleLevel < models.RoleStrategic || roleLevel > models.RoleImplementation {
		return models.Agent{}, models.Errf(models.KindPolicyViolation, models.CodeDuplicateRole, "role level %d out of range", roleLevel)
	}
	r.mu.Lock()
	e, ok := r.agents[name]
	if !ok {
		e = &entry{
			rec: models.Agent{
				Name:         name,
				RoleLevel:    roleLevel,
				Status:       models.AgentAvailable,
				Capacity:     100,
				Capabilities: capabilities,
				RegisteredAt: time.Now().UTC(),
				UpdatedAt:    time.Now().UTC(),
			},
			active: make(map[string]struct{}),
		}
		r.agents[name] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		if e.rec.RoleLevel != roleLevel {
			return models.Agent{}, models.Errf(models.KindConflict, models.CodeDuplicateRole,
				"agent %q already registered at role level %d", name, e.rec.RoleLevel)
		}
		if len(capabilities) > 0 {
			e.rec.Capabilities = capabilities
		}
		if e.rec.Status == models.AgentOffline {
			e.rec.Status = models.AgentAvailable
		}
		e.rec.UpdatedAt = time.Now().UTC()
	}
	snap := e.rec
	slog.Info("agent registered", "agent", name, "role_level", roleLevel)
	if r.hub != nil {
		r.hub.Emit("heartbeat", name, "", map[string]string{"status": string(snap.Status)})
	}
	if r.rec != nil {
		r.rec.RecordAgent(context.Background(), snap)
	}
	return snap, nil
}

// SetStatus atomically updates an agent's status, capacity, and current
// task reference. Fails with UnknownAgent if the name was never registered.
func (r *Registry) SetStatus(name string, status models.AgentStatus, capacity int, currentTask string) (models.Agent, error) {
	if !status.Valid() {
		return models.Agent{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition, "unknown agent status %q", status)
	}
	if capacity < 0 || capacity > 100 {
		return models.Agent{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition, "capacity %d out of range", capacity)
	}
	if status == models.AgentBusy && currentTask == "" {
		return models.Agent{}, models.Errf(models.KindPolicyViolation, models.CodeInvalidTransition, "busy status requires a current task")
	}
	e, err := r.entry(name)
	if err != nil {
		return models.Agent{}, err
	}
	e.mu.Lock()
	e.rec.Status = status
	e.rec.Capacity = capacity
	e.rec.CurrentTask = currentTask
	e.rec.UpdatedAt = time.Now().UTC()
	snap := e.rec
	e.mu.Unlock()

	if r.hub != nil {
		r.hub.Emit("heartbeat", name, currentTask, map[string]string{"status": string(status)})
	}
	if r.rec != nil {
		r.rec.RecordAgent(context.Background(), snap)
	}
	if r.OnStatusChange != nil {
		r.OnStatusChange(snap)
	}
	return snap, nil
}

// Get returns a snapshot of the named agent.
func (r *Registry) Get(name string) (models.Agent, error) {
	e, err := r.entry(name)
	if err != nil {
		return models.Agent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// List returns snapshots of all agents, sorted by name.
func (r *Registry) List() []models.Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResolveEscalationTarget returns the non-offline agents at the closest
// higher role level. Level-1 callers have no higher authority inside the
// kernel and resolve to the human-operator sentinel.
func (r *Registry) ResolveEscalationTarget(fromRoleLevel int) ([]models.Agent, error) {
	if fromRoleLevel <= models.RoleStrategic {
		return []models.Agent{{Name: models.OperatorSentinel, RoleLevel: 0, Status: models.AgentAvailable}}, nil
	}
	all := r.List()
	for level := fromRoleLevel - 1; level >= models.RoleStrategic; level-- {
		var out []models.Agent
		for _, a := range all {
			if a.RoleLevel == level && a.Status != models.AgentOffline {
				out = append(out, a)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, models.Errf(models.KindNotFound, models.CodeNoEscalationTarget,
		"no live agent above role level %d", fromRoleLevel)
}

// Workload returns the agent's active task count and advisory capacity.
// Schedulers consult this before assignment; the values are hints except
// for the hard task ceiling enforced by AttachTask.
func (r *Registry) Workload(name string) (models.Workload, error) {
	e, err := r.entry(name)
	if err != nil {
		return models.Workload{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.Workload{
		Agent:     name,
		TaskCount: len(e.active),
		Capacity:  e.rec.Capacity,
		Status:    e.rec.Status,
	}, nil
}

// Known reports whether the name is registered (any status, including
// offline).
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	_, ok := r.agents[name]
	r.mu.RUnlock()
	return ok
}

// Deliverable reports whether the named agent can receive messages
// (registered and not offline).
func (r *Registry) Deliverable(name string) bool {
	e, err := r.entry(name)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Status != models.AgentOffline
}

// AttachTask records task ownership on the agent side. It enforces the hard
// concurrent-task ceiling and rejects offline agents. Called by the task
// store with the agent lock acquired before any task lock (fixed global
// lock order: Agent before Task).
func (r *Registry) AttachTask(name, taskID string) error {
	e, err := r.entry(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Status == models.AgentOffline {
		return models.Errf(models.KindUnavailable, models.CodeAgentUnavailable, "agent %q is offline", name)
	}
	if _, ok := e.active[taskID]; ok {
		return nil // already attached; idempotent for reassignment races
	}
	if len(e.active) >= r.ceiling {
		return models.Errf(models.KindUnavailable, models.CodeAgentUnavailable,
			"agent %q at task ceiling (%d)", name, r.ceiling)
	}
	e.active[taskID] = struct{}{}
	e.rec.CurrentTask = taskID
	e.rec.Status = models.AgentBusy
	e.rec.UpdatedAt = time.Now().UTC()
	return nil
}

// DetachTask releases task ownership on the agent side. An agent with no
// remaining active tasks returns to available.
func (r *Registry) DetachTask(name, taskID string) {
	e, err := r.entry(name)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, taskID)
	if e.rec.CurrentTask == taskID {
		e.rec.CurrentTask = ""
		for id := range e.active {
			e.rec.CurrentTask = id
			break
		}
	}
	if len(e.active) == 0 && e.rec.Status == models.AgentBusy {
		e.rec.Status = models.AgentAvailable
	}
	e.rec.UpdatedAt = time.Now().UTC()
}

// Owns reports whether the agent currently holds the task.
func (r *Registry) Owns(name, taskID string) bool {
	e, err := r.entry(name)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[taskID]
	return ok
}

func (r *Registry) entry(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return nil, models.Errf(models.KindNotFound, models.CodeUnknownAgent, "agent %q not registered", name)
	}
	return e, nil
}

// Restore inserts an agent snapshot directly, bypassing validation. Used by
// journal replay only.
func (r *Registry) Restore(a models.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name] = &entry{rec: a, active: make(map[string]struct{})}
}

// RestoreAttachment re-links an active task to its owner during journal
// replay, bypassing the ceiling check.
func (r *Registry) RestoreAttachment(name, taskID string) {
	e, err := r.entry(name)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.active[taskID] = struct{}{}
	e.mu.Unlock()
}
