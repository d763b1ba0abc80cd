package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type FeedRouter struct {
	pipeline Pipeline
	router   chi.Router
}

func (f *FeedRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	f.router.ServeHTTP(writer, request)
}

func NewFeedRouter(p Pipeline, router chi.Router) *FeedRouter {
	f := &FeedRouter{
		pipeline: p,
		router:   router,
	}
	f.router.Get("/", f.List)
	f.router.Post("/", f.Register)

	return f
}

func (f *FeedRouter) List(w http.ResponseWriter, r *http.Request) {
	feeds, err := f.pipeline.ListFeeds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	serveJson(w, feeds)
}

// Register adds a feed, or updates the feed with the same source_id
func (f *FeedRouter) Register(w http.ResponseWriter, r *http.Request) {
	var payload CreateFeed
	if err := readJson(w, r, &payload); err != nil {
		return
	}

	feed := payload.feed()
	if err := f.pipeline.RegisterFeed(r.Context(), feed); err != nil {
		writeError(w, err)
		return
	}
	serveJsonStatus(w, http.StatusCreated, feed)
}
