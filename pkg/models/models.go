// Package models provides the shared record types for the crewmesh
// coordination kernel. These types mirror the operation-call JSON and are
// stable for use by pkg/client and external collaborators; field names are
// part of the contract.
package models

import "time"

// Agent is a registered worker role. Agents are created on first contact
// with the registry and never hard-deleted, only marked offline.
type Agent struct {
	Name         string      `json:"name"`
	RoleLevel    int         `json:"role_level"` // 1=strategic ... 4=implementation
	Status       AgentStatus `json:"status"`
	Capacity     int         `json:"capacity"` // 0-100, advisory
	CurrentTask  string      `json:"current_task,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	RegisteredAt time.Time   `json:"registered_at,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at,omitempty"`
}

// Task is a unit of work owned by the task store. Version increments on
// every mutation; stale writers must not apply transitions.
type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        TaskStatus `json:"status"`
	Priority      Priority   `json:"priority"`
	CreatedBy     string     `json:"created_by"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	Progress      int        `json:"progress"` // 0-100
	Dependencies  []string   `json:"dependencies,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	ThreadID      string     `json:"thread_id,omitempty"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	Version       uint64     `json:"version"`
	CreatedAt     time.Time  `json:"created_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty"`
}

// Payload is the opaque content of a message: free text plus structured
// context and optional artifact references. The router never interprets it.
type Payload struct {
	Content   string            `json:"content,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
}

// Message is the envelope routed between agents. To may be an agent name or
// BroadcastTarget.
type Message struct {
	ID            string        `json:"id"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Type          MessageType   `json:"type"`
	Priority      Priority      `json:"priority"`
	Payload       Payload       `json:"payload"`
	TaskID        string        `json:"task_id,omitempty"` // required for handoff messages
	Status        MessageStatus `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	ThreadID      string        `json:"thread_id,omitempty"`
}

// WorkflowPhase is one node of the delivery workflow. Phases form a linear
// chain via Predecessor; entering a phase requires every required artifact
// of the predecessor to be confirmed.
type WorkflowPhase struct {
	Name              string   `json:"name"`
	RequiredArtifacts []string `json:"required_artifacts,omitempty"`
	Predecessor       string   `json:"predecessor,omitempty"`
	EntryAgents       []int    `json:"entry_agents"` // permitted role levels
}

// Escalation records blocked work awaiting a higher authority level.
type Escalation struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	FromAgent   string           `json:"from_agent"`
	Reason      string           `json:"reason"`
	Severity    Severity         `json:"severity"`
	TargetAgent string           `json:"target_agent"`
	Status      EscalationStatus `json:"status"`
	Resolution  string           `json:"resolution,omitempty"`
	CreatedAt   time.Time        `json:"created_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at,omitempty"`
}

// Workload is the registry's answer to "can this agent take more work".
type Workload struct {
	Agent     string      `json:"agent"`
	TaskCount int         `json:"task_count"`
	Capacity  int         `json:"capacity"`
	Status    AgentStatus `json:"status"`
}

// Event is a fire-and-forget structured record emitted to monitoring sinks.
// Absence of a consumer never affects kernel correctness.
type Event struct {
	Type      string            `json:"type"` // task_start, task_complete, task_failed, handoff, decision, heartbeat
	Agent     string            `json:"agent,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
