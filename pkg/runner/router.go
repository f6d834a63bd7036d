// pkg/runner/router.go
package runner

import (
	"errors"
	"net/http"

	chimd "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/joeydtaylor/steeze-tunnel/pkg/manifest"
	"github.com/joeydtaylor/steeze-tunnel/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-tunnel/pkg/middleware/logger"
	hmetrics "github.com/joeydtaylor/steeze-tunnel/pkg/middleware/metrics"
	httpx "github.com/joeydtaylor/steeze-tunnel/pkg/transport/httpx"
)

type BuildDeps struct {
	Auth     *auth.Middleware
	LogMW    *logger.Middleware
	Metrics  http.Handler
	Registry *Registry
	Router   httpx.Router
	Log      *zap.Logger
}

// BuildRouter mounts the gateway surface under cfg.Server.BasePath. CORS runs
// outermost so OPTIONS preflight bypasses authentication; auth wraps each
// dispatch route and never reaches the registry on failure.
func BuildRouter(cfg manifest.Config, d BuildDeps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r := d.Router
	r.Use(chimd.RequestID, chimd.Recoverer, chimd.Heartbeat("/ping"))
	r.Use(corsMiddleware(cfg.CORS))
	if d.LogMW != nil {
		r.Use(d.LogMW.Middleware())
	}
	r.Use(hmetrics.Collect())

	if d.Metrics != nil {
		r.Handle(http.MethodGet, "/metrics", d.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, ErrNotFound())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, ErrMethodNotAllowed())
	})

	base := cfg.Server.BasePath
	task := withAuth(d.Auth, handleTask(cfg, d))
	event := withAuth(d.Auth, handleEvent(cfg, d))
	disco := withAuth(d.Auth, handleDiscovery(cfg, d))

	r.Post(base+"/task/{taskID}", task)
	r.Post(base+"/event/{eventID}", event)
	r.Get(base+"/discovery", disco)
	r.Post(base+"/discovery", disco)

	return r.Mux()
}

func withAuth(a *auth.Middleware, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a != nil {
			if err := a.Authenticate(r); err != nil {
				if errors.Is(err, auth.ErrDenied) {
					WriteError(w, ErrUnauthorized())
					return
				}
				WriteError(w, err)
				return
			}
		}
		next(w, r)
	}
}

func corsMiddleware(c manifest.CORS) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if origin := c.Origin(r.Header.Get("Origin")); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				if origin != "*" {
					h.Add("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions {
				// Preflight: CORS headers only, no auth.
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				reqHdrs := r.Header.Get("Access-Control-Request-Headers")
				if reqHdrs == "" {
					reqHdrs = "*"
				}
				h.Set("Access-Control-Allow-Headers", reqHdrs)
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
