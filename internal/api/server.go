// Package api serves stored runs over HTTP. It is read-only: runs are
// produced by the CLI and never changed here.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/abelbrown/eventthread/internal/events"
	"github.com/abelbrown/eventthread/internal/logging"
	"github.com/abelbrown/eventthread/internal/model"
	"github.com/abelbrown/eventthread/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	// Loaded runs kept in memory. Runs never change once stored.
	cacheSize = 16
)

// Runs is the storage the API reads from. *store.Store implements it.
type Runs interface {
	GetRun(ctx context.Context, id string) (store.Run, error)
	LatestRun(ctx context.Context, topic string) (store.Run, error)
	ListRuns(ctx context.Context, topic string, limit int) ([]store.Run, error)
	LoadEventStore(ctx context.Context, runID string) (*events.Store, error)
}

// Server answers queries about stored runs.
type Server struct {
	runs Runs

	mu    sync.Mutex
	cache map[string]*events.Store
}

// New returns a Server reading from runs.
func New(runs Runs) *Server {
	return &Server{runs: runs, cache: make(map[string]*events.Store)}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleRun)
			r.Get("/clusters", s.handleClusters)
			r.Get("/clusters/{eventID}", s.handleCluster)
			r.Get("/stories/{storyID}", s.handleStory)
		})
	})
	return r
}

// NewHTTPServer wraps the handler with the timeouts used in production.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// StoryView is a story as served by the API.
type StoryView struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	URL       string         `json:"url,omitempty"`
	Source    string         `json:"source,omitempty"`
	Published time.Time      `json:"published"`
	EventID   events.EventID `json:"event_id"`
}

// ClusterView is one event with its stories.
type ClusterView struct {
	EventID events.EventID `json:"event_id"`
	Size    int            `json:"size"`
	First   time.Time      `json:"first"`
	Last    time.Time      `json:"last"`
	Sources int            `json:"sources"`
	Sample  string         `json:"sample"`
	Stories []StoryView    `json:"stories,omitempty"`
}

// ClustersResponse lists every event of a run, largest first.
type ClustersResponse struct {
	Run      store.Run     `json:"run"`
	Clusters []ClusterView `json:"clusters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.runs.ListRuns(ctx, "", 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	limit := clampInt(r.URL.Query().Get("limit"), defaultLimit, maxLimit)

	runs, err := s.runs.ListRuns(r.Context(), topic, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.resolveRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	run, es, err := s.load(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := ClustersResponse{Run: run, Clusters: make([]ClusterView, 0, es.NumClusters())}
	for _, sum := range es.Summaries() {
		resp.Clusters = append(resp.Clusters, clusterView(sum))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "eventID"))
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "event id must be a non-negative integer"})
		return
	}
	_, es, err := s.load(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := events.EventID(n)
	members, err := es.MembersOf(id)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, sum := range es.Summaries() {
		if sum.ID != id {
			continue
		}
		view := clusterView(sum)
		view.Stories = make([]StoryView, len(members))
		for i, st := range members {
			view.Stories[i] = storyView(st, id)
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	writeError(w, events.ErrUnknownEvent)
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	_, es, err := s.load(r)
	if err != nil {
		writeError(w, err)
		return
	}
	storyID := chi.URLParam(r, "storyID")
	st, err := es.Story(storyID)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := es.ClusterOf(storyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, storyView(st, id))
}

var errTopicRequired = errors.New("latest requires a topic query parameter")

// resolveRun maps the runID path parameter to a run. "latest" picks the
// newest run of ?topic=.
func (s *Server) resolveRun(r *http.Request) (store.Run, error) {
	runID := chi.URLParam(r, "runID")
	if runID == "latest" {
		topic := strings.TrimSpace(r.URL.Query().Get("topic"))
		if topic == "" {
			return store.Run{}, errTopicRequired
		}
		return s.runs.LatestRun(r.Context(), topic)
	}
	return s.runs.GetRun(r.Context(), runID)
}

func (s *Server) load(r *http.Request) (store.Run, *events.Store, error) {
	run, err := s.resolveRun(r)
	if err != nil {
		return store.Run{}, nil, err
	}

	s.mu.Lock()
	es, ok := s.cache[run.ID]
	s.mu.Unlock()
	if ok {
		return run, es, nil
	}

	es, err = s.runs.LoadEventStore(r.Context(), run.ID)
	if err != nil {
		return store.Run{}, nil, err
	}
	s.mu.Lock()
	if len(s.cache) >= cacheSize {
		clear(s.cache)
	}
	s.cache[run.ID] = es
	s.mu.Unlock()
	return run, es, nil
}

func clusterView(sum events.Summary) ClusterView {
	return ClusterView{
		EventID: sum.ID,
		Size:    sum.Size,
		First:   sum.First,
		Last:    sum.Last,
		Sources: sum.Sources,
		Sample:  sum.Sample.Title,
	}
}

func storyView(st model.Story, id events.EventID) StoryView {
	return StoryView{
		ID:        st.ID,
		Title:     st.Title,
		URL:       st.URL,
		Source:    st.Source,
		Published: st.Published,
		EventID:   id,
	}
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errTopicRequired):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, events.ErrUnknownEvent),
		errors.Is(err, events.ErrUnknownStory):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		logging.Error("api request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Debug("api response write failed", "err", err)
	}
}

// requestLogger logs each request through the package logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"dur", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
