package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crewmesh/crewmesh/internal/docregistry"
	"github.com/crewmesh/crewmesh/internal/kernel"
	"github.com/crewmesh/crewmesh/pkg/models"
)

func newServer(t *testing.T, opts ServerOptions) (*kernel.Kernel, *httptest.Server) {
	t.Helper()
	k := kernel.New(kernel.Options{})
	app := NewApp(k, opts)
	srv := httptest.NewServer(app.Server.Handler)
	t.Cleanup(srv.Close)
	return k, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, ServerOptions{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	body := decode[map[string]bool](t, resp)
	if !body["ok"] {
		t.Errorf("body: %v", body)
	}
}

func TestAgentLifecycle(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, ServerOptions{})

	resp := postJSON(t, srv.URL+"/agents", map[string]any{
		"name": "dev", "role_level": 4, "capabilities": []string{"go"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status: %d", resp.StatusCode)
	}
	a := decode[models.Agent](t, resp)
	if a.Name != "dev" || a.Status != models.AgentAvailable {
		t.Errorf("agent: %+v", a)
	}

	// Conflicting role level maps to 409.
	resp = postJSON(t, srv.URL+"/agents", map[string]any{"name": "dev", "role_level": 2})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("conflict status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Unknown agent maps to 404.
	resp, err := http.Get(srv.URL + "/agents/ghost")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("not found status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/agents/dev/status", map[string]any{
		"status": "busy", "capacity": 60, "current_task": "t1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status update: %d", resp.StatusCode)
	}
	a = decode[models.Agent](t, resp)
	if a.Status != models.AgentBusy || a.CurrentTask != "t1" {
		t.Errorf("updated agent: %+v", a)
	}
}

func TestTaskFlow(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, ServerOptions{})

	for _, body := range []map[string]any{
		{"name": "pm", "role_level": 2},
		{"name": "dev", "role_level": 4},
	} {
		resp := postJSON(t, srv.URL+"/agents", body)
		_ = resp.Body.Close()
	}

	resp := postJSON(t, srv.URL+"/tasks", map[string]any{
		"title": "implement parser", "created_by": "pm", "priority": "high",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status: %d", resp.StatusCode)
	}
	task := decode[models.Task](t, resp)

	resp = postJSON(t, srv.URL+"/tasks/"+task.ID+"/assign", map[string]string{"agent": "dev"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Second assign conflicts (already owned).
	resp = postJSON(t, srv.URL+"/tasks/"+task.ID+"/assign", map[string]string{"agent": "pm"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double assign status: %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	if errBody["code"] != models.CodeAlreadyAssigned {
		t.Errorf("error body: %v", errBody)
	}

	resp = postJSON(t, srv.URL+"/tasks/"+task.ID+"/progress", map[string]any{"progress": 100})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress status: %d", resp.StatusCode)
	}
	done := decode[models.Task](t, resp)
	if done.Status != models.TaskCompleted {
		t.Errorf("task: %+v", done)
	}
}

func TestDependenciesUnmetListsMissing(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, ServerOptions{})
	resp := postJSON(t, srv.URL+"/agents", map[string]any{"name": "pm", "role_level": 2})
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/tasks", map[string]any{"title": "dep", "created_by": "pm"})
	dep := decode[models.Task](t, resp)
	resp = postJSON(t, srv.URL+"/tasks", map[string]any{
		"title": "blocked", "created_by": "pm", "dependencies": []string{dep.ID},
	})
	task := decode[models.Task](t, resp)

	resp = postJSON(t, srv.URL+"/tasks/"+task.ID+"/assign", map[string]string{"agent": "pm"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	missing, _ := errBody["missing"].([]any)
	if len(missing) != 1 || missing[0] != dep.ID {
		t.Errorf("missing: %v", errBody)
	}
}

func TestMessagesAndInbox(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, ServerOptions{})
	for _, name := range []string{"alice", "bob"} {
		resp := postJSON(t, srv.URL+"/agents", map[string]any{"name": name, "role_level": 4})
		_ = resp.Body.Close()
	}

	resp := postJSON(t, srv.URL+"/messages", models.Message{
		From: "alice", To: "bob",
		Type:    models.MessageQuery,
		Payload: models.Payload{Content: "status?"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status: %d", resp.StatusCode)
	}
	sent := decode[models.Message](t, resp)

	resp, err := http.Get(srv.URL + "/agents/bob/inbox")
	if err != nil {
		t.Fatal(err)
	}
	inbox := decode[[]models.Message](t, resp)
	if len(inbox) != 1 || inbox[0].ID != sent.ID {
		t.Fatalf("inbox: %v", inbox)
	}

	resp = postJSON(t, srv.URL+"/agents/bob/inbox/ack", map[string]string{"message_id": sent.ID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestPhasesEndpoint(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, ServerOptions{})
	resp := postJSON(t, srv.URL+"/agents", map[string]any{"name": "pm", "role_level": 2})
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/phases/architecture/entry", map[string]string{"agent": "pm"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blocked entry status: %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	if missing, _ := errBody["missing"].([]any); len(missing) != 2 {
		t.Errorf("missing artifacts: %v", errBody)
	}

	resp = postJSON(t, srv.URL+"/phases/discovery/entry", map[string]string{"agent": "pm"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open entry status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, ServerOptions{APIKey: "sesame"})

	resp, err := http.Get(srv.URL + "/agents")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Healthz stays open.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/agents", nil)
	req.Header.Set("X-API-Key", "sesame")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("keyed request status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestDocumentsEndpoint(t *testing.T) {
	t.Parallel()
	docs, err := docregistry.OpenFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	k := kernel.New(kernel.Options{DocRegistry: docs})
	app := NewApp(k, ServerOptions{Docs: docs})
	srv := httptest.NewServer(app.Server.Handler)
	t.Cleanup(srv.Close)

	resp := postJSON(t, srv.URL+"/documents", map[string]string{
		"path": "docs/brd.md", "owner": "pm", "category": "brd",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/documents?type=brd")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string]bool](t, resp)
	if !body["registered"] {
		t.Errorf("body: %v", body)
	}
}

func TestMetricsFallback(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, ServerOptions{})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("crewmesh_tasks_total{status=%q}", models.TaskPending); !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Errorf("metrics body missing %s:\n%s", want, buf.String())
	}
}
