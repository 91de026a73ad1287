package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/kosmoi/internal/lifecycle"
	"github.com/kalambet/kosmoi/internal/replication"
	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/shell"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Syncer is the replication side of the API.
type Syncer interface {
	Trigger(collection string) bool
	SyncOnce(ctx context.Context) error
	Status() []replication.Status
}

// LifecycleState reports the lifecycle manager's state.
type LifecycleState interface {
	State() lifecycle.Status
}

type Deps struct {
	Shell     *shell.Shell
	Lifecycle LifecycleState
	Sync      Syncer
	Registry  *schema.Registry
	// Token protects every route except /health and /metrics. Empty disables
	// authentication.
	Token  string
	Logger *slog.Logger
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Mode             string               `json:"mode"`
	Store            string               `json:"store"`
	State            string               `json:"state"`
	Recoveries       int                  `json:"recoveries"`
	Cause            string               `json:"cause,omitempty"`
	ResetCount       int                  `json:"reset_count"`
	Collections      map[string]int       `json:"collections,omitempty"`
	OrphanedContacts int                  `json:"orphaned_contacts"`
	Replication      []replication.Status `json:"replication"`
}

// NewHandler returns the daemon's HTTP surface. /health and /metrics are
// always served; /offline/* is reachable in every mode; everything else
// waits for the store through the shell.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = schema.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/offline/continue", handleContinue(deps))
		r.Post("/offline/reset", handleReset(deps))

		r.Group(func(r chi.Router) {
			r.Use(Gate(deps.Shell))

			r.Get("/status", handleStatus(deps))
			r.Post("/sync", handleSync(deps))
			r.Get("/collections", handleListCollections(deps))
			r.Get("/collections/{name}", handleFindDocuments(deps))
			r.Get("/collections/{name}/{id}", handleGetDocument(deps))
			r.Put("/collections/{name}/{id}", handlePutDocument(deps))
		})
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"mode":   deps.Shell.Current().Mode.String(),
		})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := viewFrom(r.Context())
		resp := StatusResponse{
			Mode:        view.Mode.String(),
			ResetCount:  view.ResetCount,
			Replication: []replication.Status{},
		}
		if view.Err != nil {
			resp.Cause = view.Err.Error()
		}
		if deps.Lifecycle != nil {
			st := deps.Lifecycle.State()
			resp.State = st.State.String()
			resp.Recoveries = st.Recoveries
			if st.Cause != nil {
				resp.Cause = st.Cause.Error()
			}
		}
		if h := view.Handle; h != nil {
			resp.Store = h.Name()
			resp.Collections = make(map[string]int)
			for _, name := range h.CollectionNames() {
				coll, ok := h.Collection(name)
				if !ok {
					continue
				}
				n, err := coll.Count(r.Context())
				if err != nil {
					storeFailure(w, r, deps, err, "counting %s", name)
					return
				}
				resp.Collections[name] = n
			}
			orphans, err := orphanedContacts(r.Context(), h)
			if err != nil {
				storeFailure(w, r, deps, err, "checking contact stages")
				return
			}
			resp.OrphanedContacts = orphans
		}
		if deps.Sync != nil {
			resp.Replication = deps.Sync.Status()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sync == nil {
			httpError(w, http.StatusServiceUnavailable, "sync_error", "replication is not configured")
			return
		}
		if err := deps.Sync.SyncOnce(r.Context()); err != nil {
			httpError(w, http.StatusBadGateway, "sync_error", "sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, deps.Sync.Status())
	}
}

func handleContinue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Shell.ContinueAnyway()
		writeJSON(w, http.StatusOK, panelFor(deps.Shell.Current()))
	}
}

func handleReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Shell.HardReset(r.Context())
		if err != nil {
			deps.Logger.Error("hard reset", "error", err)
			httpError(w, http.StatusInternalServerError, "reset_error", "hard reset finished with errors: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset_count": n})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
