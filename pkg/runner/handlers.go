package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/joeydtaylor/steeze-tunnel/pkg/codec"
	"github.com/joeydtaylor/steeze-tunnel/pkg/manifest"
	"github.com/joeydtaylor/steeze-tunnel/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-tunnel/pkg/worker"
)

type taskRequest struct {
	Input json.RawMessage `json:"input"`
}

type eventRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type allowListResult struct {
	Enabled bool     `json:"enabled"`
	Tasks   []string `json:"tasks"`
	Events  []string `json:"events"`
}

type discoveryResult struct {
	AllowList allowListResult `json:"allowList"`
}

// handleTask serves POST {base}/task/{taskID}. Auth has already run; the
// body is decoded, the allow-list is checked, then dispatch goes through
// the registry.
func handleTask(cfg manifest.Config, d BuildDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "taskID")
		d.Log.Info("task invocation", zap.String("task", id))

		var req taskRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}

		if !cfg.AllowList.PermitsTask(id) {
			WriteError(w, ErrForbidden())
			return
		}

		result, err := d.Registry.ExecuteTask(dispatchContext(cfg, r), id, req.Input)
		if err != nil {
			d.Log.Warn("task failed", zap.String("task", id), zap.Error(err))
			WriteError(w, err)
			return
		}
		WriteResult(w, result)
	}
}

// handleEvent serves POST {base}/event/{eventID}: same pipeline, empty
// success envelope.
func handleEvent(cfg manifest.Config, d BuildDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "eventID")
		d.Log.Info("event emission", zap.String("event", id))

		var req eventRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}

		if !cfg.AllowList.PermitsEvent(id) {
			WriteError(w, ErrForbidden())
			return
		}

		if err := d.Registry.EmitEvent(dispatchContext(cfg, r), id, req.Payload); err != nil {
			d.Log.Warn("event failed", zap.String("event", id), zap.Error(err))
			WriteError(w, err)
			return
		}
		WriteResult(w, nil)
	}
}

// handleDiscovery serves GET|POST {base}/discovery. An enabled allow-list
// echoes the configured ids; a disabled one falls back to the registry
// snapshot so clients can still self-configure. Ids are always sorted.
func handleDiscovery(cfg manifest.Config, d BuildDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		al := allowListResult{Enabled: cfg.AllowList.Enabled}
		if cfg.AllowList.Enabled {
			al.Tasks = sortedCopy(cfg.AllowList.Tasks)
			al.Events = sortedCopy(cfg.AllowList.Events)
		} else {
			al.Tasks = d.Registry.TaskIDs()
			al.Events = d.Registry.EventIDs()
		}
		WriteResult(w, discoveryResult{AllowList: al})
	}
}

// dispatchContext is the context handlers dispatch under. In delegate mode
// the worker authenticates its own requests and its handlers expect the HTTP
// shape on task/event envelopes too, so it rides along for remote handlers
// to attach.
func dispatchContext(cfg manifest.Config, r *http.Request) context.Context {
	ctx := r.Context()
	if cfg.Auth.Mode == manifest.AuthDelegate {
		ctx = worker.WithRequestContext(ctx, auth.RequestContextFrom(r))
	}
	return ctx
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ErrInvalidJSON(err.Error())
	}
	if err := codec.JSONStrict.Unmarshal(body, v); err != nil {
		return ErrInvalidJSON(err.Error())
	}
	return nil
}

// sortedCopy keeps discovery deterministic and never returns a nil slice
// (clients see [] rather than null).
func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
