// Package httpapi exposes the kernel's operation-call interface over
// loopback HTTP for role agents and tools. It is a convenience surface for
// cooperating agents within one project session, not a public API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/crewmesh/crewmesh/internal/docregistry"
	"github.com/crewmesh/crewmesh/internal/kernel"
	"github.com/crewmesh/crewmesh/pkg/models"
)

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	Addr           string
	APIKey         string       // if set, require X-API-Key header or query api_key
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	Docs           docregistry.Registry
}

// App holds the HTTP server and the kernel it fronts.
type App struct {
	Server *http.Server
	Kernel *kernel.Kernel
}

// NewApp registers all routes and builds the server.
func NewApp(k *kernel.Kernel, opts ServerOptions) *App {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			counts := k.Tasks.CountsByStatus()
			_, _ = fmt.Fprintf(w, "# TYPE crewmesh_tasks_total gauge\n")
			for _, st := range []models.TaskStatus{models.TaskPending, models.TaskAssigned, models.TaskInProgress, models.TaskBlocked, models.TaskCompleted, models.TaskFailed} {
				_, _ = fmt.Fprintf(w, "crewmesh_tasks_total{status=%q} %d\n", st, counts[st])
			}
		})
	}

	mux.HandleFunc("/events", eventStreamHandler(k.Hub))

	registerAgentRoutes(mux, k)
	registerTaskRoutes(mux, k)
	registerMessageRoutes(mux, k)
	registerPhaseRoutes(mux, k)
	registerEscalationRoutes(mux, k)
	registerDocumentRoutes(mux, opts.Docs)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	handler = apiKeyMiddleware(opts.APIKey, handler)
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "crewmesh")
	}

	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:7780"
	}
	return &App{
		Server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Kernel: k,
	}
}

func registerAgentRoutes(mux *http.ServeMux, k *kernel.Kernel) {
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, k.Registry.List())
		case http.MethodPost:
			var body struct {
				Name         string   `json:"name"`
				RoleLevel    int      `json:"role_level"`
				Capabilities []string `json:"capabilities"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			a, err := k.Registry.Register(body.Name, body.RoleLevel, body.Capabilities)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, a)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/agents/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/agents/"), "/")
		if parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		name := parts[0]

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			a, err := k.Registry.Get(name)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, a)
			return
		}

		switch parts[1] {
		case "status":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var body struct {
				Status      models.AgentStatus `json:"status"`
				Capacity    int                `json:"capacity"`
				CurrentTask string             `json:"current_task"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			a, err := k.Registry.SetStatus(name, body.Status, body.Capacity, body.CurrentTask)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, a)
		case "workload":
			wl, err := k.Registry.Workload(name)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, wl)
		case "inbox":
			if len(parts) >= 3 && parts[2] == "ack" {
				if r.Method != http.MethodPost {
					writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
					return
				}
				var body struct {
					MessageID string `json:"message_id"`
				}
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					writeJSONError(w, http.StatusBadRequest, "invalid json")
					return
				}
				if err := k.Router.Ack(r.Context(), name, body.MessageID); err != nil {
					writeKernelError(w, err)
					return
				}
				writeJSON(w, map[string]any{"ok": true})
				return
			}
			msgs, err := k.Router.Inbox(name)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, msgs)
		case "escalation-target":
			a, err := k.Registry.Get(name)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			targets, err := k.Registry.ResolveEscalationTarget(a.RoleLevel)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, targets)
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})
}

func registerTaskRoutes(mux *http.ServeMux, k *kernel.Kernel) {
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, k.Tasks.List())
		case http.MethodPost:
			var body struct {
				Title        string          `json:"title"`
				Description  string          `json:"description"`
				CreatedBy    string          `json:"created_by"`
				Priority     models.Priority `json:"priority"`
				Dependencies []string        `json:"dependencies"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			t, err := k.Tasks.Create(r.Context(), body.Title, body.Description, body.CreatedBy, body.Priority, body.Dependencies)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, t)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
		if parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		taskID := parts[0]

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			t, err := k.Tasks.Get(taskID)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, t)
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		switch parts[1] {
		case "assign":
			var body struct {
				Agent string `json:"agent"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			t, err := k.Tasks.Assign(r.Context(), taskID, body.Agent)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, t)
		case "progress":
			var body struct {
				Progress int               `json:"progress"`
				Status   models.TaskStatus `json:"status"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			t, err := k.Tasks.UpdateProgress(r.Context(), taskID, body.Progress, body.Status)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, t)
		case "handoff":
			var body struct {
				From    string            `json:"from"`
				To      string            `json:"to"`
				Context map[string]string `json:"context"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			t, err := k.Handoff(r.Context(), taskID, body.From, body.To, body.Context)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, t)
		case "complete":
			var body struct {
				Result string `json:"result"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			t, err := k.Tasks.Complete(r.Context(), taskID, body.Result)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, t)
		case "fail":
			var body struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			t, err := k.Tasks.Fail(r.Context(), taskID, body.Error)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, t)
		case "reopen":
			t, err := k.Tasks.Reopen(r.Context(), taskID)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, t)
		case "release":
			t, err := k.Tasks.Release(r.Context(), taskID)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, t)
		case "escalate":
			var body struct {
				From     string          `json:"from"`
				Reason   string          `json:"reason"`
				Severity models.Severity `json:"severity"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			esc, err := k.Escalations.Escalate(r.Context(), taskID, body.From, body.Reason, body.Severity)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, esc)
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})
}

func registerMessageRoutes(mux *http.ServeMux, k *kernel.Kernel) {
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var m models.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		sent, err := k.Router.Send(r.Context(), m)
		if err != nil {
			writeKernelError(w, err)
			return
		}
		writeJSON(w, sent)
	})

	mux.HandleFunc("/messages/broadcast", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var m models.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		sent, results, err := k.Router.Broadcast(r.Context(), m)
		if err != nil {
			writeKernelError(w, err)
			return
		}
		writeJSON(w, map[string]any{"message": sent, "recipients": results})
	})
}

func registerPhaseRoutes(mux *http.ServeMux, k *kernel.Kernel) {
	mux.HandleFunc("/phases", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, k.Gate.State())
	})

	mux.HandleFunc("/phases/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/phases/"), "/")
		if len(parts) < 2 || parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		phase := parts[0]
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		switch parts[1] {
		case "entry":
			var body struct {
				Agent string `json:"agent"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			p, err := k.Gate.RequestEntry(r.Context(), phase, body.Agent)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, p)
		case "artifacts":
			var body struct {
				Artifact string `json:"artifact"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if err := k.Gate.ConfirmArtifact(r.Context(), phase, body.Artifact); err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})
}

func registerEscalationRoutes(mux *http.ServeMux, k *kernel.Kernel) {
	mux.HandleFunc("/escalations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, k.Escalations.List())
	})

	mux.HandleFunc("/escalations/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/escalations/"), "/")
		if parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		id := parts[0]

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			esc, err := k.Escalations.Get(id)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, esc)
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		switch parts[1] {
		case "resolve":
			var body struct {
				Resolution string `json:"resolution"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			esc, err := k.Escalations.Resolve(r.Context(), id, body.Resolution)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, esc)
		case "ack":
			esc, err := k.Escalations.Acknowledge(r.Context(), id)
			if err != nil {
				writeKernelError(w, err)
				return
			}
			writeJSON(w, esc)
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})
}

func registerDocumentRoutes(mux *http.ServeMux, docs docregistry.Registry) {
	mux.HandleFunc("/documents", func(w http.ResponseWriter, r *http.Request) {
		if docs == nil {
			writeJSONError(w, http.StatusNotFound, "document registry not configured")
			return
		}
		switch r.Method {
		case http.MethodGet:
			docType := r.URL.Query().Get("type")
			owner := r.URL.Query().Get("owner")
			if docType == "" {
				writeJSONError(w, http.StatusBadRequest, "type query required")
				return
			}
			writeJSON(w, map[string]any{"registered": docs.IsRegistered(docType, owner)})
		case http.MethodPost:
			var body struct {
				Path     string `json:"path"`
				Owner    string `json:"owner"`
				Category string `json:"category"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if body.Path == "" || body.Category == "" {
				writeJSONError(w, http.StatusBadRequest, "path and category required")
				return
			}
			if err := docs.Register(body.Path, body.Owner, body.Category); err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// bodyLimitMiddleware wraps r.Body with http.MaxBytesReader so handlers
// cannot read more than maxBytes.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given
// status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

// writeKernelError maps the kernel error taxonomy onto HTTP status codes
// and preserves code and missing-artifact detail in the body.
func writeKernelError(w http.ResponseWriter, err error) {
	var ke *models.Error
	if !errors.As(err, &ke) {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch ke.Kind {
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindConflict:
		status = http.StatusConflict
	case models.KindPolicyViolation:
		status = http.StatusBadRequest
	case models.KindUnavailable, models.KindTransient:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   ke.Message,
		"code":    ke.Code,
		"kind":    ke.Kind,
		"missing": ke.Missing,
	})
}
