package models

import (
	"errors"
	"fmt"
)

// ErrorKind buckets kernel failures for callers and for the HTTP surface.
type ErrorKind string

const (
	// KindNotFound: unknown agent, task, phase, or escalation.
	KindNotFound ErrorKind = "not_found"
	// KindConflict: ownership or version mismatch, duplicate registration.
	KindConflict ErrorKind = "conflict"
	// KindPolicyViolation: invalid state transition, role not permitted,
	// dependencies unmet.
	KindPolicyViolation ErrorKind = "policy_violation"
	// KindUnavailable: recipient offline, capacity exceeded.
	KindUnavailable ErrorKind = "unavailable"
	// KindTransient: retryable delivery failure. Retried internally, then
	// surfaced as unavailable.
	KindTransient ErrorKind = "transient"
)

// Error is a kind-tagged kernel error. Code identifies the specific failure
// (e.g. "already_assigned"); Missing carries missing artifacts for
// phase_blocked errors.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Missing []string  `json:"missing,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Errf builds a kind-tagged error with a formatted message.
func Errf(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrorKind of err, or "" if err is not a kernel error.
func KindOf(err error) ErrorKind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err is a kernel error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Well-known error codes.
const (
	CodeUnknownAgent         = "unknown_agent"
	CodeDuplicateRole        = "duplicate_role_conflict"
	CodeNoEscalationTarget   = "no_escalation_target"
	CodeTaskNotFound         = "task_not_found"
	CodeInvalidDependency    = "invalid_dependency"
	CodeDependenciesUnmet    = "dependencies_unmet"
	CodeAlreadyAssigned      = "already_assigned"
	CodeAgentUnavailable     = "agent_unavailable"
	CodeInvalidTransition    = "invalid_transition"
	CodeNotOwner             = "not_owner"
	CodeStaleVersion         = "stale_version"
	CodePhaseNotFound        = "phase_not_found"
	CodePhaseBlocked         = "phase_blocked"
	CodeRoleNotPermitted     = "role_not_permitted"
	CodeEscalationNotFound   = "escalation_not_found"
	CodeRecipientUnknown     = "recipient_unknown"
	CodeRecipientOffline     = "recipient_offline"
	CodeInboxFull            = "inbox_full"
	CodeHandoffTaskRequired  = "handoff_task_required"
)
