package resolver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"debridfetch/internal"
	"debridfetch/store"
)

// ProviderLookup finds the client for a provider id. *providers.Registry implements it.
type ProviderLookup interface {
	Get(id internal.ProviderID) (internal.Provider, error)
}

// Transition is reported to observers on every state change. While a job is
// Polling, every poll is reported as a Polling to Polling transition so
// observers can follow progress.
type Transition struct {
	HandleID string
	Provider internal.ProviderID
	From     internal.JobState
	To       internal.JobState
	Job      internal.ResolutionJob
	Err      error
}

// Resolver drives resolution requests through the state machine
type Resolver struct {
	providers ProviderLookup
	creds     internal.CredentialSource
	hints     *store.HintCache
	metrics   *Metrics
	logger    *internal.SecureLogger
	observer  func(Transition)
	now       func() time.Time
}

// Option configures a Resolver
type Option func(*Resolver)

// WithMetrics records resolutions in m
func WithMetrics(m *Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *internal.SecureLogger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithHints memoizes cache-check answers
func WithHints(h *store.HintCache) Option {
	return func(r *Resolver) { r.hints = h }
}

// WithObserver registers a callback for state transitions. It is called from
// the goroutine running the job and must not block.
func WithObserver(fn func(Transition)) Option {
	return func(r *Resolver) { r.observer = fn }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a resolver. creds is used to refresh credentials when a provider
// call fails with an AuthError; it may be nil.
func New(providers ProviderLookup, creds internal.CredentialSource, opts ...Option) *Resolver {
	r := &Resolver{
		providers: providers,
		creds:     creds,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = internal.GetLogger()
	}
	return r
}

// Resolve runs one request to completion in the calling goroutine. Every
// error returned is a *internal.ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, req internal.ResolutionRequest, policy Policy) (*internal.ResolvedLink, error) {
	m, err := r.newMachine(uuid.NewString(), req, policy)
	if err != nil {
		return nil, err
	}
	return m.run(ctx)
}

// Start runs one request in its own goroutine and returns a handle to it
func (r *Resolver) Start(ctx context.Context, req internal.ResolutionRequest, policy Policy) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     uuid.NewString(),
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m, err := r.newMachine(h.id, req, policy)
	if err != nil {
		h.finish(nil, err)
		cancel()
		return h
	}
	h.m = m

	go func() {
		defer cancel()
		link, err := m.run(ctx)
		h.finish(link, err)
	}()
	return h
}

func (r *Resolver) newMachine(handleID string, req internal.ResolutionRequest, policy Policy) (*machine, error) {
	provider, err := r.providers.Get(req.ProviderID)
	if err != nil {
		return nil, internal.NewInvalidSourceError(err.Error()).WithCause(err).WithProvider(req.ProviderID).WithOp("resolve")
	}
	return &machine{
		r:        r,
		handleID: handleID,
		req:      req,
		policy:   policy.normalized(),
		provider: provider,
		job: internal.ResolutionJob{
			State:     internal.StateCreated,
			StartedAt: r.now(),
		},
		history: []internal.JobState{internal.StateCreated},
	}, nil
}
