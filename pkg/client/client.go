// Package client provides a Go SDK for the crewmesh HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/crewmesh/crewmesh/pkg/models"
)

// Client calls the crewmesh HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://127.0.0.1:7780"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL. APIKey is optional; when
// set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error   string           `json:"error"`
			Code    string           `json:"code"`
			Kind    models.ErrorKind `json:"kind"`
			Missing []string         `json:"missing"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Kind != "" {
			// Preserve the kernel error taxonomy across the wire so callers
			// can errors.As into *models.Error.
			return &models.Error{
				Kind: errBody.Kind, Code: errBody.Code,
				Message: errBody.Error, Missing: errBody.Missing,
			}
		}
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /healthz response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out)
	return out.OK, err
}

// RegisterAgent registers or refreshes an agent.
func (c *Client) RegisterAgent(ctx context.Context, name string, roleLevel int, capabilities []string) (models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodPost, "/agents", map[string]any{
		"name": name, "role_level": roleLevel, "capabilities": capabilities,
	}, &out)
	return out, err
}

// ListAgents returns all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents", nil, &out)
	return out, err
}

// GetAgent returns one agent by name.
func (c *Client) GetAgent(ctx context.Context, name string) (models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(name), nil, &out)
	return out, err
}

// SetAgentStatus updates an agent's status, capacity, and current task.
func (c *Client) SetAgentStatus(ctx context.Context, name string, status models.AgentStatus, capacity int, currentTask string) (models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodPost, "/agents/"+url.PathEscape(name)+"/status", map[string]any{
		"status": status, "capacity": capacity, "current_task": currentTask,
	}, &out)
	return out, err
}

// Workload returns the agent's active task count and advisory capacity.
func (c *Client) Workload(ctx context.Context, name string) (models.Workload, error) {
	var out models.Workload
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(name)+"/workload", nil, &out)
	return out, err
}

// Inbox returns the agent's undelivered messages in arrival order.
func (c *Client) Inbox(ctx context.Context, name string) ([]models.Message, error) {
	var out []models.Message
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(name)+"/inbox", nil, &out)
	return out, err
}

// Ack acknowledges a delivered message, removing it from the inbox.
func (c *Client) Ack(ctx context.Context, name, messageID string) error {
	return c.doJSON(ctx, http.MethodPost, "/agents/"+url.PathEscape(name)+"/inbox/ack",
		map[string]string{"message_id": messageID}, nil)
}

// EscalationTarget returns the agents the named agent would escalate to.
func (c *Client) EscalationTarget(ctx context.Context, name string) ([]models.Agent, error) {
	var out []models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(name)+"/escalation-target", nil, &out)
	return out, err
}

// CreateTask creates a task in pending status.
func (c *Client) CreateTask(ctx context.Context, title, description, createdBy string, priority models.Priority, dependencies []string) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks", map[string]any{
		"title": title, "description": description, "created_by": createdBy,
		"priority": priority, "dependencies": dependencies,
	}, &out)
	return out, err
}

// ListTasks returns all tasks.
func (c *Client) ListTasks(ctx context.Context) ([]models.Task, error) {
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks", nil, &out)
	return out, err
}

// GetTask returns one task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

// AssignTask gives an unowned pending task to the agent.
func (c *Client) AssignTask(ctx context.Context, taskID, agent string) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/assign",
		map[string]string{"agent": agent}, &out)
	return out, err
}

// UpdateProgress reports progress (0-100) and optionally a status change.
func (c *Client) UpdateProgress(ctx context.Context, taskID string, progress int, status models.TaskStatus) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/progress",
		map[string]any{"progress": progress, "status": status}, &out)
	return out, err
}

// Handoff transfers task ownership and routes a handoff message carrying
// the given context to the receiving agent.
func (c *Client) Handoff(ctx context.Context, taskID, from, to string, handoffContext map[string]string) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/handoff",
		map[string]any{"from": from, "to": to, "context": handoffContext}, &out)
	return out, err
}

// CompleteTask marks the task completed with a result summary.
func (c *Client) CompleteTask(ctx context.Context, taskID, result string) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/complete",
		map[string]string{"result": result}, &out)
	return out, err
}

// FailTask marks the task failed with an error summary.
func (c *Client) FailTask(ctx context.Context, taskID, errorMsg string) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/fail",
		map[string]string{"error": errorMsg}, &out)
	return out, err
}

// ReopenTask returns a failed task to pending for another attempt.
func (c *Client) ReopenTask(ctx context.Context, taskID string) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/reopen", struct{}{}, &out)
	return out, err
}

// ReleaseTask returns an assigned (not yet started) task to pending.
func (c *Client) ReleaseTask(ctx context.Context, taskID string) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/release", struct{}{}, &out)
	return out, err
}

// EscalateTask raises an escalation for the task.
func (c *Client) EscalateTask(ctx context.Context, taskID, from, reason string, severity models.Severity) (models.Escalation, error) {
	var out models.Escalation
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/escalate",
		map[string]any{"from": from, "reason": reason, "severity": severity}, &out)
	return out, err
}

// SendMessage routes a direct message and returns it with server-assigned
// id and timestamp.
func (c *Client) SendMessage(ctx context.Context, m models.Message) (models.Message, error) {
	var out models.Message
	err := c.doJSON(ctx, http.MethodPost, "/messages", m, &out)
	return out, err
}

// BroadcastResult is the per-recipient outcome of a broadcast.
type BroadcastResult struct {
	Message    models.Message                  `json:"message"`
	Recipients map[string]models.MessageStatus `json:"recipients"`
}

// Broadcast fans the message out to every known agent except the sender.
func (c *Client) Broadcast(ctx context.Context, m models.Message) (BroadcastResult, error) {
	var out BroadcastResult
	err := c.doJSON(ctx, http.MethodPost, "/messages/broadcast", m, &out)
	return out, err
}

// PhaseState mirrors the server's per-phase gate snapshot.
type PhaseState struct {
	Phase     models.WorkflowPhase `json:"phase"`
	Confirmed []string             `json:"confirmed,omitempty"`
	Missing   []string             `json:"missing,omitempty"`
	Entered   bool                 `json:"entered"`
}

// Phases returns the workflow phases in chain order with artifact state.
func (c *Client) Phases(ctx context.Context) ([]PhaseState, error) {
	var out []PhaseState
	err := c.doJSON(ctx, http.MethodGet, "/phases", nil, &out)
	return out, err
}

// RequestPhaseEntry asks the gate whether the agent may open work in the
// phase.
func (c *Client) RequestPhaseEntry(ctx context.Context, phase, agent string) (models.WorkflowPhase, error) {
	var out models.WorkflowPhase
	err := c.doJSON(ctx, http.MethodPost, "/phases/"+url.PathEscape(phase)+"/entry",
		map[string]string{"agent": agent}, &out)
	return out, err
}

// ConfirmArtifact marks one required artifact of the phase satisfied.
func (c *Client) ConfirmArtifact(ctx context.Context, phase, artifact string) error {
	return c.doJSON(ctx, http.MethodPost, "/phases/"+url.PathEscape(phase)+"/artifacts",
		map[string]string{"artifact": artifact}, nil)
}

// ListEscalations returns all escalation records.
func (c *Client) ListEscalations(ctx context.Context) ([]models.Escalation, error) {
	var out []models.Escalation
	err := c.doJSON(ctx, http.MethodGet, "/escalations", nil, &out)
	return out, err
}

// GetEscalation returns one escalation by id.
func (c *Client) GetEscalation(ctx context.Context, id string) (models.Escalation, error) {
	var out models.Escalation
	err := c.doJSON(ctx, http.MethodGet, "/escalations/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ResolveEscalation closes an escalation with a resolution note.
func (c *Client) ResolveEscalation(ctx context.Context, id, resolution string) (models.Escalation, error) {
	var out models.Escalation
	err := c.doJSON(ctx, http.MethodPost, "/escalations/"+url.PathEscape(id)+"/resolve",
		map[string]string{"resolution": resolution}, &out)
	return out, err
}

// AcknowledgeEscalation marks an open escalation acknowledged by its target.
func (c *Client) AcknowledgeEscalation(ctx context.Context, id string) (models.Escalation, error) {
	var out models.Escalation
	err := c.doJSON(ctx, http.MethodPost, "/escalations/"+url.PathEscape(id)+"/ack", struct{}{}, &out)
	return out, err
}

// RegisterDocument records a produced artifact document.
func (c *Client) RegisterDocument(ctx context.Context, path, owner, category string) error {
	return c.doJSON(ctx, http.MethodPost, "/documents",
		map[string]string{"path": path, "owner": owner, "category": category}, nil)
}

// DocumentRegistered reports whether a document of the given type (and
// optional owner) has been registered.
func (c *Client) DocumentRegistered(ctx context.Context, docType, owner string) (bool, error) {
	var out struct {
		Registered bool `json:"registered"`
	}
	path := "/documents?type=" + url.QueryEscape(docType)
	if owner != "" {
		path += "&owner=" + url.QueryEscape(owner)
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Registered, err
}
