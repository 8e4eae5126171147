// Package gate enforces the ordered delivery workflow: discovery ->
// requirements -> architecture -> development -> verification. A phase may
// only be entered once its predecessor's required artifacts are confirmed
// and the requesting agent's role level is permitted. "Never skip phases"
// is a checked precondition here, not a convention.
package gate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/crewmesh/crewmesh/internal/docregistry"
	"github.com/crewmesh/crewmesh/internal/events"
	"github.com/crewmesh/crewmesh/internal/otel"
	"github.com/crewmesh/crewmesh/internal/registry"
	"github.com/crewmesh/crewmesh/pkg/models"
)

// Gate tracks phase definitions and confirmed artifacts. The phase chain is
// linear in this system though nothing below assumes more than a
// predecessor pointer.
type Gate struct {
	reg  *registry.Registry
	docs docregistry.Registry
	hub  *events.Hub

	// Notify, if set, receives the approval or veto outcome of every entry
	// request. The kernel wires this to the router as notification
	// messages.
	Notify func(agent, phase string, approved bool, missing []string)

	mu        sync.Mutex
	phases    map[string]models.WorkflowPhase
	order     []string
	confirmed map[string]map[string]bool // phase -> artifact -> satisfied
	entered   map[string]bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithHub attaches the monitoring event hub.
func WithHub(h *events.Hub) Option {
	return func(g *Gate) { g.hub = h }
}

// WithDocRegistry attaches the external Document Registry collaborator.
// When set, an artifact can only be confirmed after the collaborator
// reports it registered.
func WithDocRegistry(d docregistry.Registry) Option {
	return func(g *Gate) { g.docs = d }
}

// DefaultPhases is the delivery workflow of this system.
func DefaultPhases() []models.WorkflowPhase {
	return []models.WorkflowPhase{
		{Name: "discovery", EntryAgents: []int{models.RoleStrategic, models.RoleCoordination}},
		{Name: "requirements", Predecessor: "discovery",
			RequiredArtifacts: []string{"brd", "prd"},
			EntryAgents:       []int{models.RoleStrategic, models.RoleCoordination, models.RoleSpecialist}},
		{Name: "architecture", Predecessor: "requirements",
			RequiredArtifacts: []string{"architecture_doc", "tech_spec"},
			EntryAgents:       []int{models.RoleCoordination, models.RoleSpecialist}},
		{Name: "development", Predecessor: "architecture",
			RequiredArtifacts: []string{"implementation", "code_review"},
			EntryAgents:       []int{models.RoleCoordination, models.RoleSpecialist, models.RoleImplementation}},
		{Name: "verification", Predecessor: "development",
			RequiredArtifacts: []string{"test_report"},
			EntryAgents:       []int{models.RoleCoordination, models.RoleSpecialist}},
	}
}

func New(reg *registry.Registry, phases []models.WorkflowPhase, opts ...Option) *Gate {
	if len(phases) == 0 {
		phases = DefaultPhases()
	}
	g := &Gate{
		reg:       reg,
		phases:    make(map[string]models.WorkflowPhase, len(phases)),
		confirmed: make(map[string]map[string]bool, len(phases)),
		entered:   make(map[string]bool),
	}
	for _, p := range phases {
		g.phases[p.Name] = p
		g.order = append(g.order, p.Name)
		g.confirmed[p.Name] = make(map[string]bool)
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// RequestEntry checks whether the agent may open work in the phase. It
// succeeds only if the predecessor's required artifacts are all confirmed
// and the agent's role level is in the phase's entry set.
func (g *Gate) RequestEntry(ctx context.Context, phaseName, requestingAgent string) (models.WorkflowPhase, error) {
	agent, err := g.reg.Get(requestingAgent)
	if err != nil {
		return models.WorkflowPhase{}, err
	}
	g.mu.Lock()
	phase, ok := g.phases[phaseName]
	if !ok {
		g.mu.Unlock()
		return models.WorkflowPhase{}, models.Errf(models.KindNotFound, models.CodePhaseNotFound, "phase %q not defined", phaseName)
	}
	missing := g.missingLocked(phase.Predecessor)
	permitted := len(phase.EntryAgents) == 0
	for _, lvl := range phase.EntryAgents {
		if lvl == agent.RoleLevel {
			permitted = true
			break
		}
	}
	g.mu.Unlock()

	if len(missing) > 0 {
		otel.RecordPhaseEntry(ctx, phaseName, "blocked")
		g.notify(requestingAgent, phaseName, false, missing)
		return models.WorkflowPhase{}, &models.Error{
			Kind: models.KindPolicyViolation, Code: models.CodePhaseBlocked,
			Message: "predecessor artifacts missing for phase " + phaseName, Missing: missing,
		}
	}
	if !permitted {
		otel.RecordPhaseEntry(ctx, phaseName, "denied")
		g.notify(requestingAgent, phaseName, false, nil)
		return models.WorkflowPhase{}, models.Errf(models.KindPolicyViolation, models.CodeRoleNotPermitted,
			"role level %d may not enter phase %q", agent.RoleLevel, phaseName)
	}

	g.mu.Lock()
	g.entered[phaseName] = true
	g.mu.Unlock()
	otel.RecordPhaseEntry(ctx, phaseName, "approved")
	if g.hub != nil {
		g.hub.Emit("decision", requestingAgent, "", map[string]string{"phase_entry": phaseName})
	}
	g.notify(requestingAgent, phaseName, true, nil)
	slog.Info("phase entry approved", "phase", phaseName, "agent", requestingAgent)
	return phase, nil
}

// ConfirmArtifact marks one required artifact of the phase satisfied.
// Idempotent: confirming twice leaves the gate state identical. When a
// Document Registry is attached the artifact must be registered there
// first.
func (g *Gate) ConfirmArtifact(ctx context.Context, phaseName, artifactType string) error {
	g.mu.Lock()
	phase, ok := g.phases[phaseName]
	g.mu.Unlock()
	if !ok {
		return models.Errf(models.KindNotFound, models.CodePhaseNotFound, "phase %q not defined", phaseName)
	}
	required := false
	for _, a := range phase.RequiredArtifacts {
		if a == artifactType {
			required = true
			break
		}
	}
	if !required {
		return models.Errf(models.KindPolicyViolation, models.CodePhaseBlocked,
			"artifact %q not required by phase %q", artifactType, phaseName)
	}
	if g.docs != nil && !g.docs.IsRegistered(artifactType, "") {
		return models.Errf(models.KindPolicyViolation, models.CodePhaseBlocked,
			"artifact %q not registered with the document registry", artifactType)
	}
	g.mu.Lock()
	already := g.confirmed[phaseName][artifactType]
	g.confirmed[phaseName][artifactType] = true
	g.mu.Unlock()
	if !already {
		if g.hub != nil {
			g.hub.Emit("decision", "", "", map[string]string{"artifact_confirmed": phaseName + "/" + artifactType})
		}
		slog.Info("artifact confirmed", "phase", phaseName, "artifact", artifactType)
	}
	return nil
}

// Missing returns the unconfirmed required artifacts of a phase.
func (g *Gate) Missing(phaseName string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.phases[phaseName]; !ok {
		return nil, models.Errf(models.KindNotFound, models.CodePhaseNotFound, "phase %q not defined", phaseName)
	}
	return g.missingLocked(phaseName), nil
}

// PhaseState is a reportable snapshot of one phase.
type PhaseState struct {
	Phase     models.WorkflowPhase `json:"phase"`
	Confirmed []string             `json:"confirmed,omitempty"`
	Missing   []string             `json:"missing,omitempty"`
	Entered   bool                 `json:"entered"`
}

// State returns the gate's phases in chain order with their artifact state.
func (g *Gate) State() []PhaseState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PhaseState, 0, len(g.order))
	for _, name := range g.order {
		p := g.phases[name]
		var confirmed []string
		for _, a := range p.RequiredArtifacts {
			if g.confirmed[name][a] {
				confirmed = append(confirmed, a)
			}
		}
		out = append(out, PhaseState{
			Phase:     p,
			Confirmed: confirmed,
			Missing:   g.missingLocked(name),
			Entered:   g.entered[name],
		})
	}
	return out
}

// missingLocked returns the unconfirmed artifacts of phaseName ("" means no
// predecessor, nothing missing). Caller holds g.mu.
func (g *Gate) missingLocked(phaseName string) []string {
	if phaseName == "" {
		return nil
	}
	p, ok := g.phases[phaseName]
	if !ok {
		return nil
	}
	var missing []string
	for _, a := range p.RequiredArtifacts {
		if !g.confirmed[phaseName][a] {
			missing = append(missing, a)
		}
	}
	return missing
}

func (g *Gate) notify(agent, phase string, approved bool, missing []string) {
	if g.Notify != nil {
		g.Notify(agent, phase, approved, missing)
	}
}
