package models

// AgentStatus is the live availability of a registered agent.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentBlocked   AgentStatus = "blocked"
	AgentError     AgentStatus = "error"
	AgentOffline   AgentStatus = "offline"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentBlocked, AgentError, AgentOffline:
		return true
	}
	return false
}

// TaskStatus is the task state machine node.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether s is a terminal task state. Failed tasks may be
// reopened into pending, but only via an explicit reopen.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// taskTransitions is the allowed task state machine:
// pending -> assigned -> in_progress -> {completed | failed | blocked};
// blocked -> in_progress (unblock) or blocked -> failed (abandon);
// failed -> pending only via explicit reopen.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskFailed},
	TaskAssigned:   {TaskInProgress, TaskBlocked, TaskFailed, TaskPending},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskBlocked},
	TaskBlocked:    {TaskInProgress, TaskFailed},
	TaskFailed:     {TaskPending},
}

// CanTransition reports whether from -> to is an allowed task transition.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders tasks and messages.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// MessageType classifies a routed message.
type MessageType string

const (
	MessageTask         MessageType = "task"
	MessageStatusUpdate MessageType = "status"
	MessageQuery        MessageType = "query"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
	MessageHandoff      MessageType = "handoff"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Severity ranks escalations. Higher Rank wins when the same task carries
// several open escalations.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable order for severities (low=1 ... critical=4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// EscalationStatus is the lifecycle of an escalation record.
type EscalationStatus string

const (
	EscalationOpen         EscalationStatus = "open"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationResolved     EscalationStatus = "resolved"
)

// BroadcastTarget is the literal recipient name for broadcast messages.
const BroadcastTarget = "broadcast"

// OperatorSentinel is the escalation target for top-level (role level 1)
// agents, which have no higher authority inside the kernel.
const OperatorSentinel = "human-operator"

// Role levels of the authority hierarchy.
const (
	RoleStrategic      = 1
	RoleCoordination   = 2
	RoleSpecialist     = 3
	RoleImplementation = 4
)

// Default limits.
const (
	DefaultInboxCapacity       = 256
	DefaultRetryAttempts       = 3
	DefaultTaskCeiling         = 1 // max active tasks per agent
	DefaultEventChanBuffer     = 256
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
)
