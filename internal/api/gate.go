package api

import (
	"context"
	"net/http"

	"github.com/kalambet/kosmoi/internal/shell"
)

type viewKey struct{}

// DegradedPanel is returned with 503 while the store is unavailable and the
// user has not chosen to continue.
type DegradedPanel struct {
	Mode       string   `json:"mode"`
	Message    string   `json:"message"`
	Cause      string   `json:"cause,omitempty"`
	ResetCount int      `json:"reset_count"`
	Actions    []string `json:"actions"`
}

func panelFor(v shell.View) DegradedPanel {
	p := DegradedPanel{
		Mode:       v.Mode.String(),
		ResetCount: v.ResetCount,
		Actions:    []string{"POST /offline/continue", "POST /offline/reset"},
	}
	switch v.Mode {
	case shell.Loading:
		p.Message = "local store is still loading"
	case shell.DegradedOffline:
		p.Message = "local store unavailable; continue offline or reset local data"
	default:
		p.Message = "local store ready"
		p.Actions = nil
	}
	if v.Err != nil {
		p.Cause = v.Err.Error()
	}
	return p
}

// Gate waits for the store through the shell before letting a request
// through. The resulting view travels in the request context.
func Gate(s *shell.Shell) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v := s.Await(r.Context(), r.URL.Path)
			if !v.Proceed {
				w.Header().Set("Retry-After", "5")
				writeJSON(w, http.StatusServiceUnavailable, panelFor(v))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), viewKey{}, v)))
		})
	}
}

func viewFrom(ctx context.Context) shell.View {
	v, _ := ctx.Value(viewKey{}).(shell.View)
	return v
}
