package registry

import (
	"testing"

	"github.com/crewmesh/crewmesh/pkg/models"
)

func TestRegister_andRefresh(t *testing.T) {
	t.Parallel()
	r := New()
	a, err := r.Register("architect", models.RoleCoordination, []string{"design"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.Status != models.AgentAvailable || a.Capacity != 100 {
		t.Errorf("new agent should be available at full capacity, got %s/%d", a.Status, a.Capacity)
	}

	// Same role level refreshes capabilities.
	a, err = r.Register("architect", models.RoleCoordination, []string{"design", "review"})
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if len(a.Capabilities) != 2 {
		t.Errorf("capabilities not refreshed: %v", a.Capabilities)
	}

	// Different role level conflicts.
	if _, err := r.Register("architect", models.RoleSpecialist, nil); !models.IsKind(err, models.KindConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestRegister_offlineComesBack(t *testing.T) {
	t.Parallel()
	r := New()
	if _, err := r.Register("dev", models.RoleImplementation, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetStatus("dev", models.AgentOffline, 0, ""); err != nil {
		t.Fatal(err)
	}
	a, err := r.Register("dev", models.RoleImplementation, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != models.AgentAvailable {
		t.Errorf("re-registration should revive offline agent, got %s", a.Status)
	}
}

func TestSetStatus_validation(t *testing.T) {
	t.Parallel()
	r := New()
	if _, err := r.Register("dev", models.RoleImplementation, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetStatus("ghost", models.AgentAvailable, 100, ""); !models.IsKind(err, models.KindNotFound) {
		t.Errorf("unknown agent: got %v", err)
	}
	if _, err := r.SetStatus("dev", "sleeping", 100, ""); !models.IsKind(err, models.KindPolicyViolation) {
		t.Errorf("bad status: got %v", err)
	}
	if _, err := r.SetStatus("dev", models.AgentBusy, 50, ""); !models.IsKind(err, models.KindPolicyViolation) {
		t.Errorf("busy without task: got %v", err)
	}
	a, err := r.SetStatus("dev", models.AgentBusy, 50, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.CurrentTask != "task-1" || a.Capacity != 50 {
		t.Errorf("status not applied: %+v", a)
	}
}

func TestResolveEscalationTarget(t *testing.T) {
	t.Parallel()
	r := New()
	mustRegister(t, r, "ceo", models.RoleStrategic)
	mustRegister(t, r, "pm", models.RoleCoordination)
	mustRegister(t, r, "dev", models.RoleImplementation)

	// Implementation (4) with no level-3 agents resolves upward to level 2.
	targets, err := r.ResolveEscalationTarget(models.RoleImplementation)
	if err != nil {
		t.Fatalf("ResolveEscalationTarget: %v", err)
	}
	if len(targets) != 1 || targets[0].Name != "pm" {
		t.Errorf("expected pm, got %v", targets)
	}

	// Offline agents are skipped.
	if _, err := r.SetStatus("pm", models.AgentOffline, 0, ""); err != nil {
		t.Fatal(err)
	}
	targets, err = r.ResolveEscalationTarget(models.RoleImplementation)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0].Name != "ceo" {
		t.Errorf("expected ceo after pm went offline, got %v", targets)
	}

	// Level 1 resolves to the operator sentinel.
	targets, err = r.ResolveEscalationTarget(models.RoleStrategic)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0].Name != models.OperatorSentinel {
		t.Errorf("expected operator sentinel, got %v", targets)
	}
}

func TestResolveEscalationTarget_noneAbove(t *testing.T) {
	t.Parallel()
	r := New()
	mustRegister(t, r, "dev", models.RoleImplementation)
	if _, err := r.ResolveEscalationTarget(models.RoleImplementation); !models.IsKind(err, models.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestAttachTask_ceilingAndOffline(t *testing.T) {
	t.Parallel()
	r := New()
	mustRegister(t, r, "dev", models.RoleImplementation)

	if err := r.AttachTask("dev", "t1"); err != nil {
		t.Fatalf("AttachTask: %v", err)
	}
	// Attaching the same task is idempotent.
	if err := r.AttachTask("dev", "t1"); err != nil {
		t.Fatalf("idempotent attach: %v", err)
	}
	// Default ceiling is one concurrent task.
	if err := r.AttachTask("dev", "t2"); !models.IsKind(err, models.KindUnavailable) {
		t.Errorf("expected ceiling rejection, got %v", err)
	}

	r.DetachTask("dev", "t1")
	a, err := r.Get("dev")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != models.AgentAvailable || a.CurrentTask != "" {
		t.Errorf("detach should free the agent, got %+v", a)
	}

	if _, err := r.SetStatus("dev", models.AgentOffline, 0, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.AttachTask("dev", "t3"); !models.IsKind(err, models.KindUnavailable) {
		t.Errorf("offline agent must reject attach, got %v", err)
	}
}

func TestWithTaskCeiling(t *testing.T) {
	t.Parallel()
	r := New(WithTaskCeiling(2))
	mustRegister(t, r, "dev", models.RoleImplementation)
	if err := r.AttachTask("dev", "t1"); err != nil {
		t.Fatal(err)
	}
	if err := r.AttachTask("dev", "t2"); err != nil {
		t.Fatalf("second task under ceiling 2: %v", err)
	}
	wl, err := r.Workload("dev")
	if err != nil {
		t.Fatal(err)
	}
	if wl.TaskCount != 2 {
		t.Errorf("TaskCount: got %d", wl.TaskCount)
	}
}

func mustRegister(t *testing.T, r *Registry, name string, level int) {
	t.Helper()
	if _, err := r.Register(name, level, nil); err != nil {
		t.Fatalf("Register %s: %v", name, err)
	}
}
