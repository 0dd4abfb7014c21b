package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"debridfetch/internal"
	"debridfetch/resolver"
)

// maxJobs is how many async jobs are remembered before finished ones are dropped
const maxJobs = 1000

// Server exposes the resolver over HTTP
type Server struct {
	resolver *resolver.Resolver
	policy   resolver.Policy
	logger   *internal.SecureLogger
	gatherer prometheus.Gatherer
	server   *http.Server

	// async jobs run on ctx so they outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	jobs  map[string]*resolver.Handle
	order []string
	limit int
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *internal.SecureLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer serves /metrics from g instead of the default registry
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a server listening on addr
func New(addr string, r *resolver.Resolver, policy resolver.Policy, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		resolver: r,
		policy:   policy,
		gatherer: prometheus.DefaultGatherer,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*resolver.Handle),
		limit:    maxJobs,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = internal.GetLogger()
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleCancel).Methods(http.MethodDelete)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "debridfetch"})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return router
}

// Start serves until ctx is cancelled, then shuts down and cancels running jobs
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server on %s", s.server.Addr)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully: %v", err)
		}
		s.cancel()
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

type resolveRequest struct {
	Provider string `json:"provider"`
	Source   string `json:"source"`
	Quality  int    `json:"quality,omitempty"`
	Wait     bool   `json:"wait,omitempty"`
}

type errorBody struct {
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

type jobView struct {
	ID       string                 `json:"id"`
	Provider internal.ProviderID    `json:"provider"`
	State    string                 `json:"state"`
	Attempts int                    `json:"attempts"`
	Progress float64                `json:"progress"`
	Cached   *bool                  `json:"cached,omitempty"`
	Done     bool                   `json:"done"`
	Result   *internal.ResolvedLink `json:"result,omitempty"`
	Error    *errorBody             `json:"error,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: internal.KindInvalidSource.String(), Message: "invalid request body"})
		return
	}
	if body.Provider == "" || body.Source == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: internal.KindInvalidSource.String(), Message: "provider and source are required"})
		return
	}

	req := internal.ResolutionRequest{
		ProviderID:       internal.ProviderID(body.Provider),
		SourceLink:       body.Source,
		RequestedQuality: body.Quality,
	}

	if body.Wait {
		link, err := s.resolver.Resolve(r.Context(), req, s.policy)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, link)
		return
	}

	h := s.resolver.Start(s.ctx, req, s.policy)
	s.track(h)
	s.logger.Debug("Started job %s for %s", h.ID(), req.ProviderID)

	w.Header().Set("Location", "/api/v1/jobs/"+h.ID())
	writeJSON(w, http.StatusAccepted, map[string]string{"id": h.ID()})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, view(h.Snapshot()))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "job not found"})
		return
	}
	h.Cancel()
	writeJSON(w, http.StatusAccepted, view(h.Snapshot()))
}

func (s *Server) track(h *resolver.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[h.ID()] = h
	s.order = append(s.order, h.ID())

	// finished jobs leave oldest first; running ones are requeued, at most twice per call
	requeues := 2
	for len(s.order) > s.limit {
		id := s.order[0]
		s.order = s.order[1:]
		if isDone(s.jobs[id]) {
			delete(s.jobs, id)
			continue
		}
		s.order = append(s.order, id)
		if requeues--; requeues == 0 {
			break
		}
	}
}

func (s *Server) lookup(id string) (*resolver.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.jobs[id]
	return h, ok
}

func isDone(h *resolver.Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

func view(snap resolver.Snapshot) jobView {
	v := jobView{
		ID:       snap.ID,
		Provider: snap.Request.ProviderID,
		State:    snap.Job.State.String(),
		Attempts: snap.Job.Attempts,
		Progress: snap.Job.Progress,
		Cached:   snap.Job.Cached,
		Done:     snap.Done,
		Result:   snap.Link,
	}
	if snap.Err != nil {
		body := errorBodyFor(snap.Err)
		v.Error = &body
	}
	return v
}

// StatusFor maps an error kind onto the HTTP status the API answers with
func StatusFor(kind internal.ErrorKind) int {
	switch kind {
	case internal.KindAuth:
		return http.StatusUnauthorized
	case internal.KindRateLimited:
		return http.StatusTooManyRequests
	case internal.KindProviderUnavailable:
		return http.StatusBadGateway
	case internal.KindInvalidSource:
		return http.StatusUnprocessableEntity
	case internal.KindTimeout:
		return http.StatusGatewayTimeout
	case internal.KindEmpty:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorBodyFor(err error) errorBody {
	re, ok := internal.AsResolutionError(err)
	if !ok {
		return errorBody{Message: "internal error"}
	}
	return errorBody{
		Kind:       re.Kind.String(),
		Message:    re.Error(),
		Retryable:  re.IsRetryable(),
		Suggestion: re.Suggestion,
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := internal.KindOf(err); ok {
		status = StatusFor(kind)
	}
	re, _ := internal.AsResolutionError(err)
	if re != nil && re.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(re.RetryAfter.Seconds())))
	}
	writeJSON(w, status, errorBodyFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		internal.LogDebug("Failed to write response: %v", err)
	}
}
