package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"graphrunner/internal/container"
	"graphrunner/internal/pipeline"
)

const listLimit = 50

type BuildRouter struct {
	pipeline Pipeline
	location *time.Location
	router   chi.Router
}

func (b *BuildRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	b.router.ServeHTTP(writer, request)
}

func NewBuildRouter(p Pipeline, loc *time.Location, router chi.Router) *BuildRouter {
	b := &BuildRouter{
		pipeline: p,
		location: loc,
		router:   router,
	}
	b.router.Get("/", b.List)
	b.router.Post("/", b.Submit)
	b.router.Route("/{id}", func(r chi.Router) {
		r.Get("/", b.Status)
		r.Delete("/", b.Delete)
		r.Post("/recreate", b.Recreate)

		r.Get("/container", b.ContainerStatus)
		r.Delete("/container", b.lifecycle(p.RemoveContainer))
		r.Post("/container/start", b.lifecycle(p.StartContainer))
		r.Post("/container/stop", b.lifecycle(p.StopContainer))
		r.Post("/container/restart", b.lifecycle(p.RestartContainer))

		r.Get("/serve-config", b.GetServeConfig)
		r.Post("/serve-config", b.updateServeConfig(false))
		r.Patch("/serve-config", b.updateServeConfig(true))
	})

	return b
}

func (b *BuildRouter) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := b.pipeline.ListTasks(r.Context(), listLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	serveJson(w, tasks)
}

func (b *BuildRouter) Submit(w http.ResponseWriter, r *http.Request) {
	var payload SubmitBuild
	if err := readJson(w, r, &payload); err != nil {
		return
	}

	sub, err := payload.submission(b.location)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := b.pipeline.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	serveJsonStatus(w, http.StatusAccepted, task)
}

func (b *BuildRouter) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	view, err := b.pipeline.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	serveJson(w, view)
}

func (b *BuildRouter) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := b.pipeline.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *BuildRouter) Recreate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var payload RecreateBuild
	if err := readOptionalJson(w, r, &payload); err != nil {
		return
	}
	runAt, err := pipeline.ParseRunAt(payload.RunAt, b.location)
	if err != nil {
		writeError(w, err)
		return
	}

	task, err := b.pipeline.Recreate(r.Context(), id, runAt)
	if err != nil {
		writeError(w, err)
		return
	}
	serveJsonStatus(w, http.StatusAccepted, task)
}

func (b *BuildRouter) ContainerStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	status, err := b.pipeline.ContainerStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	serveJson(w, status)
}

// lifecycle adapts a lifecycle operation. A runtime failure is a 502 carrying the result.
func (b *BuildRouter) lifecycle(op func(ctx context.Context, id int64) (container.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		res, err := op(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if res.Status == container.StatusError {
			serveJsonStatus(w, http.StatusBadGateway, res)
			return
		}
		serveJson(w, res)
	}
}

func (b *BuildRouter) GetServeConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	conf, err := b.pipeline.GetServeConfig(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	serveJson(w, conf)
}

// updateServeConfig replaces the serve config, or merges the body into it with merge set.
// Query flags: dry_run validates only, restart applies the new config to the container.
func (b *BuildRouter) updateServeConfig(merge bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, "could not read request body", http.StatusBadRequest)
			return
		}

		res, err := b.pipeline.UpdateServeConfig(r.Context(), id, body, pipeline.UpdateOptions{
			DryRun:  boolQuery(r, "dry_run"),
			Restart: boolQuery(r, "restart"),
			Merge:   merge,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		serveJson(w, res)
	}
}
