// Package server provides the HTTP server and routing.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/savid/iptvguide/internal/epg"
	"github.com/savid/iptvguide/internal/guide"
	"github.com/sirupsen/logrus"
)

const maxRequestBody = 10 * 1024 * 1024

// Routes sets up all HTTP routes.
type Routes struct {
	log       logrus.FieldLogger
	guide     *guide.Service
	countries []string
	gatherer  prometheus.Gatherer
}

// NewRoutes creates a new routes instance. countries is used for guide
// requests that do not name any.
func NewRoutes(
	log logrus.FieldLogger,
	svc *guide.Service,
	countries []string,
	gatherer prometheus.Gatherer,
) *Routes {
	return &Routes{
		log:       log.WithField("component", "routes"),
		guide:     svc,
		countries: countries,
		gatherer:  gatherer,
	}
}

// Handler returns the main HTTP handler with all routes.
func (r *Routes) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(r.loggingMiddleware)

	router.Get("/health", r.handleHealth)

	router.Route("/guide", func(gr chi.Router) {
		gr.Get("/", r.handleAllChannels)
		gr.Post("/", r.handleFetchGuide)
		gr.Get("/search", r.handleSearch)
		gr.Post("/refresh", r.handleRefresh)
		gr.Get("/{channelID}/now", r.handleNow)
		gr.Get("/{channelID}/upcoming", r.handleUpcoming)
		gr.Get("/{channelID}/programs", r.handlePrograms)
	})

	if r.gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}

	return router
}

// fetchRequest is the body of POST /guide.
type fetchRequest struct {
	Channels  []epg.LiveChannel `json:"channels"`
	Countries []string          `json:"countries"`
}

func (r *Routes) handleFetchGuide(w http.ResponseWriter, req *http.Request) {
	var body fetchRequest

	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)

		return
	}

	countries := body.Countries
	if len(countries) == 0 {
		countries = r.countries
	}

	results := r.guide.FetchGuide(req.Context(), body.Channels, countries, func(msg string) {
		r.log.WithField("progress", msg).Debug("Guide request progress")
	})

	r.writeJSON(w, http.StatusOK, results)
}

func (r *Routes) handleAllChannels(w http.ResponseWriter, _ *http.Request) {
	results := r.guide.AllChannels()
	if results == nil {
		results = []epg.Guide{}
	}

	r.writeJSON(w, http.StatusOK, results)
}

func (r *Routes) handleSearch(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)

		return
	}

	g, ok := r.guide.FindChannelGuide(name)
	if !ok {
		http.Error(w, "Channel not found", http.StatusNotFound)

		return
	}

	r.writeJSON(w, http.StatusOK, g)
}

func (r *Routes) handleRefresh(w http.ResponseWriter, req *http.Request) {
	results, err := r.guide.ForceRefresh(req.Context())
	if errors.Is(err, guide.ErrNothingToRefresh) {
		http.Error(w, "No guide has been requested yet", http.StatusConflict)

		return
	}

	if err != nil {
		r.log.WithError(err).Error("Failed to refresh guide")
		http.Error(w, "Failed to refresh guide", http.StatusInternalServerError)

		return
	}

	r.writeJSON(w, http.StatusOK, results)
}

func channelID(req *http.Request) string {
	id := chi.URLParam(req, "channelID")
	if unescaped, err := url.PathUnescape(id); err == nil {
		return unescaped
	}

	return id
}

func (r *Routes) handleNow(w http.ResponseWriter, req *http.Request) {
	p, ok := r.guide.CurrentProgram(channelID(req))
	if !ok {
		http.Error(w, "Nothing airing", http.StatusNotFound)

		return
	}

	r.writeJSON(w, http.StatusOK, p)
}

func (r *Routes) handleUpcoming(w http.ResponseWriter, req *http.Request) {
	limit := 0

	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)

			return
		}

		limit = n
	}

	r.writeJSON(w, http.StatusOK, r.guide.UpcomingPrograms(channelID(req), limit))
}

func (r *Routes) handlePrograms(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()

	start, err := time.Parse(time.RFC3339, query.Get("start"))
	if err != nil {
		http.Error(w, "start must be an RFC3339 time", http.StatusBadRequest)

		return
	}

	end, err := time.Parse(time.RFC3339, query.Get("end"))
	if err != nil {
		http.Error(w, "end must be an RFC3339 time", http.StatusBadRequest)

		return
	}

	if !end.After(start) {
		http.Error(w, "end must be after start", http.StatusBadRequest)

		return
	}

	programs := r.guide.ProgramsForChannel(channelID(req), start, end)
	if programs == nil {
		programs = []epg.Program{}
	}

	r.writeJSON(w, http.StatusOK, programs)
}

func (r *Routes) handleHealth(w http.ResponseWriter, _ *http.Request) {
	all := r.guide.AllChannels()

	withGuide := 0

	for _, g := range all {
		if g.HasPrograms() {
			withGuide++
		}
	}

	status := struct {
		Status    string `json:"status"`
		Channels  int    `json:"channels"`
		WithGuide int    `json:"withGuide"`
		LastFetch string `json:"lastFetch,omitempty"`
	}{
		Status:    "ok",
		Channels:  len(all),
		WithGuide: withGuide,
	}

	if last := r.guide.LastFetch(); !last.IsZero() {
		status.LastFetch = last.UTC().Format(time.RFC3339)
	}

	r.writeJSON(w, http.StatusOK, status)
}

func (r *Routes) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.log.WithError(err).Error("Failed to write JSON response")
	}
}

func (r *Routes) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.log.WithFields(logrus.Fields{
			"method": req.Method,
			"path":   req.URL.Path,
			"remote": req.RemoteAddr,
		}).Debug("HTTP request")

		next.ServeHTTP(w, req)
	})
}
