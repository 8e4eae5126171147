// Package kernel wires the five coordination components into one
// embeddable unit: agent registry, task store, message router, workflow
// gate, and escalation manager, sharing a single event hub and an optional
// append-only journal.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/crewmesh/crewmesh/internal/config"
	"github.com/crewmesh/crewmesh/internal/docregistry"
	"github.com/crewmesh/crewmesh/internal/escalation"
	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/internal/gate"
	"github.com/crewmesh/crewmesh/internal/journal"
	"github.com/crewmesh/crewmesh/internal/journal/postgres"
	"github.com/crewmesh/crewmesh/internal/registry"
	"github.com/crewmesh/crewmesh/internal/router"
	"github.com/crewmesh/crewmesh/internal/sink"
	"github.com/crewmesh/crewmesh/internal/taskstore"
	"github.com/crewmesh/crewmesh/pkg/models"
)

// Options configures a Kernel. The zero value works for tests and
// embedding; Open fills it from config.toml for the serve path.
type Options struct {
	Journal       journal.Journal
	DocRegistry   docregistry.Registry
	Phases        []models.WorkflowPhase
	TaskCeiling   int
	InboxCapacity int
	RetryAttempts int
	RetryBackoff  time.Duration
	Sinks         *sink.Registry
}

// Kernel is the coordination core. Component handles are exported so the
// HTTP surface and embedders can call operations directly; cross-component
// operations (Handoff, heartbeats) live on Kernel itself.
type Kernel struct {
	Hub         *events.Hub
	Registry    *registry.Registry
	Tasks       *taskstore.Store
	Router      *router.Router
	Gate        *gate.Gate
	Escalations *escalation.Manager
	Journal     journal.Journal
	Sinks       *sink.Registry
	Docs        docregistry.Registry
}

// New builds a kernel with fresh in-memory state.
func New(opts Options) *Kernel {
	hub := events.NewHub()

	regOpts := []registry.Option{registry.WithHub(hub)}
	if opts.Journal != nil {
		regOpts = append(regOpts, registry.WithRecorder(opts.Journal))
	}
	if opts.TaskCeiling > 0 {
		regOpts = append(regOpts, registry.WithTaskCeiling(opts.TaskCeiling))
	}
	reg := registry.New(regOpts...)

	tsOpts := []taskstore.Option{taskstore.WithHub(hub)}
	if opts.Journal != nil {
		tsOpts = append(tsOpts, taskstore.WithRecorder(opts.Journal))
	}
	tasks := taskstore.New(reg, tsOpts...)

	rtrOpts := []router.Option{
		router.WithHub(hub),
		router.WithOwnerChecker(tasks),
	}
	if opts.Journal != nil {
		rtrOpts = append(rtrOpts, router.WithRecorder(opts.Journal))
	}
	if opts.InboxCapacity > 0 {
		rtrOpts = append(rtrOpts, router.WithInboxCapacity(opts.InboxCapacity))
	}
	if opts.RetryAttempts > 0 || opts.RetryBackoff > 0 {
		rtrOpts = append(rtrOpts, router.WithRetryPolicy(opts.RetryAttempts, opts.RetryBackoff))
	}
	rtr := router.New(reg, rtrOpts...)

	gateOpts := []gate.Option{gate.WithHub(hub)}
	if opts.DocRegistry != nil {
		gateOpts = append(gateOpts, gate.WithDocRegistry(opts.DocRegistry))
	}
	g := gate.New(reg, opts.Phases, gateOpts...)

	escOpts := []escalation.Option{escalation.WithHub(hub)}
	if opts.Journal != nil {
		escOpts = append(escOpts, escalation.WithRecorder(opts.Journal))
	}
	esc := escalation.New(reg, tasks, rtr, escOpts...)

	k := &Kernel{
		Hub:         hub,
		Registry:    reg,
		Tasks:       tasks,
		Router:      rtr,
		Gate:        g,
		Escalations: esc,
		Journal:     opts.Journal,
		Sinks:       opts.Sinks,
		Docs:        opts.DocRegistry,
	}

	// Agent status changes fan out as broadcast-eligible status messages.
	reg.OnStatusChange = func(a models.Agent) {
		_, _, err := rtr.Broadcast(context.Background(), models.Message{
			From: a.Name,
			Type: models.MessageStatusUpdate,
			Payload: models.Payload{
				Content: string(a.Status),
				Context: map[string]string{
					"status":       string(a.Status),
					"capacity":     fmt.Sprintf("%d", a.Capacity),
					"current_task": a.CurrentTask,
				},
			},
		})
		if err != nil {
			slog.Warn("status broadcast failed", "agent", a.Name, "err", err)
		}
	}

	// Gate approvals and vetoes travel back to the requester as
	// notification messages.
	g.Notify = func(agent, phase string, approved bool, missing []string) {
		verdict := "approved"
		if !approved {
			verdict = "vetoed"
		}
		detail := map[string]string{"phase": phase, "verdict": verdict}
		if len(missing) > 0 {
			b, _ := json.Marshal(missing)
			detail["missing_artifacts"] = string(b)
		}
		_, err := rtr.Send(context.Background(), models.Message{
			From: agent,
			To:   agent,
			Type: models.MessageNotification,
			Payload: models.Payload{
				Content: "phase entry " + verdict + ": " + phase,
				Context: detail,
			},
		})
		if err != nil {
			slog.Warn("gate notice undeliverable", "agent", agent, "phase", phase, "err", err)
		}
	}

	return k
}

// Open builds a kernel from the home directory: loads config.toml, opens
// the configured journal, replays it, and attaches the file-backed
// document registry.
func Open(home string) (*Kernel, config.Config, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, cfg, err
	}

	var jrnl journal.Journal
	switch cfg.Journal.Driver {
	case "", "sqlite":
		if cfg.Journal.DSN != "" {
			jrnl, err = journal.OpenDSN(cfg.Journal.DSN)
		} else {
			jrnl, err = journal.Open(home)
		}
	case "postgres":
		jrnl, err = postgres.Open(cfg.Journal.DSN)
	case "none":
		// In-memory only.
	default:
		return nil, cfg, fmt.Errorf("unknown journal driver %q", cfg.Journal.Driver)
	}
	if err != nil {
		return nil, cfg, err
	}

	docs, err := docregistry.OpenFile(home)
	if err != nil {
		if jrnl != nil {
			_ = jrnl.Close()
		}
		return nil, cfg, err
	}

	k := New(Options{
		Journal:       jrnl,
		DocRegistry:   docs,
		TaskCeiling:   cfg.TaskCeiling,
		InboxCapacity: cfg.InboxCapacity,
		RetryAttempts: cfg.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff(),
		Sinks:         sink.FromEnv(),
	})
	if jrnl != nil {
		if err := k.replay(context.Background(), jrnl); err != nil {
			_ = jrnl.Close()
			return nil, cfg, fmt.Errorf("journal replay: %w", err)
		}
	}
	return k, cfg, nil
}

// Start runs the kernel's background loops (router retries, escalation
// watcher, sink forwarding, heartbeat) until ctx is cancelled.
func (k *Kernel) Start(ctx context.Context) {
	go k.Router.Run(ctx)
	go k.Escalations.Run(ctx, k.Hub)
	if k.Sinks != nil {
		go k.Sinks.Run(ctx, k.Hub)
	}
	go k.heartbeat(ctx)
}

// Close releases the journal.
func (k *Kernel) Close() error {
	if k.Journal != nil {
		return k.Journal.Close()
	}
	return nil
}

// Handoff atomically re-owns the task and routes the handoff message to
// the receiving agent, carrying the provided context opaquely.
func (k *Kernel) Handoff(ctx context.Context, taskID, fromAgent, toAgent string, handoffContext map[string]string) (models.Task, error) {
	task, err := k.Tasks.Handoff(ctx, taskID, fromAgent, toAgent)
	if err != nil {
		return models.Task{}, err
	}
	_, err = k.Router.Send(ctx, models.Message{
		From:     fromAgent,
		To:       toAgent,
		Type:     models.MessageHandoff,
		Priority: task.Priority,
		Payload: models.Payload{
			Content: "handoff: " + task.Title,
			Context: handoffContext,
		},
		TaskID:        taskID,
		CorrelationID: task.CorrelationID,
		ThreadID:      task.ThreadID,
	})
	if err != nil {
		// Ownership already moved; the message is the courtesy half.
		slog.Warn("handoff message undeliverable", "task_id", taskID, "to", toAgent, "err", err)
	}
	return task, nil
}

// heartbeat publishes a periodic liveness event.
func (k *Kernel) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Hub.Emit("heartbeat", "", "", nil)
		}
	}
}

// replay folds the journal into the in-memory stores: the last snapshot
// per entity id wins, messages re-enter inboxes in append order, and
// active task ownership is re-linked on the agent side.
func (k *Kernel) replay(ctx context.Context, j journal.Journal) error {
	agents := make(map[string]models.Agent)
	var agentOrder []string
	tasks := make(map[string]models.Task)
	var taskOrder []string
	msgs := make(map[string]models.Message)
	var msgOrder []string
	escs := make(map[string]models.Escalation)
	var escOrder []string

	err := j.Replay(ctx, func(e journal.Entry) error {
		switch e.Entity {
		case journal.EntityAgent:
			var a models.Agent
			if err := json.Unmarshal(e.Snapshot, &a); err != nil {
				return err
			}
			if _, seen := agents[e.EntityID]; !seen {
				agentOrder = append(agentOrder, e.EntityID)
			}
			agents[e.EntityID] = a
		case journal.EntityTask:
			var t models.Task
			if err := json.Unmarshal(e.Snapshot, &t); err != nil {
				return err
			}
			if _, seen := tasks[e.EntityID]; !seen {
				taskOrder = append(taskOrder, e.EntityID)
			}
			tasks[e.EntityID] = t
		case journal.EntityMessage:
			var m models.Message
			if err := json.Unmarshal(e.Snapshot, &m); err != nil {
				return err
			}
			if _, seen := msgs[e.EntityID]; !seen {
				msgOrder = append(msgOrder, e.EntityID)
			}
			msgs[e.EntityID] = m
		case journal.EntityEscalation:
			var esc models.Escalation
			if err := json.Unmarshal(e.Snapshot, &esc); err != nil {
				return err
			}
			if _, seen := escs[e.EntityID]; !seen {
				escOrder = append(escOrder, e.EntityID)
			}
			escs[e.EntityID] = esc
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range agentOrder {
		k.Registry.Restore(agents[id])
	}
	for _, id := range taskOrder {
		t := tasks[id]
		k.Tasks.Restore(t)
		if t.AssignedAgent != "" && !t.Status.Terminal() {
			k.Registry.RestoreAttachment(t.AssignedAgent, t.ID)
		}
	}
	for _, id := range msgOrder {
		k.Router.Restore(msgs[id])
	}
	for _, id := range escOrder {
		k.Escalations.Restore(escs[id])
	}
	slog.Info("journal replayed",
		"agents", len(agents), "tasks", len(tasks), "messages", len(msgs), "escalations", len(escs))
	return nil
}
