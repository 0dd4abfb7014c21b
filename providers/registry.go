package providers

import (
	"fmt"
	"sort"
	"sync"

	"debridfetch/internal"
	"debridfetch/utils"
)

// Registry maps provider ids to their clients
type Registry struct {
	mu        sync.RWMutex
	providers map[internal.ProviderID]internal.Provider
}

// NewRegistry creates a registry holding the given providers
func NewRegistry(ps ...internal.Provider) *Registry {
	r := &Registry{providers: make(map[internal.ProviderID]internal.Provider, len(ps))}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider
func (r *Registry) Register(p internal.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get returns the provider for id
func (r *Registry) Get(id internal.ProviderID) (internal.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, internal.NewValidationErrorWithValue("provider", "unknown provider", string(id)).
			WithSuggestion(fmt.Sprintf("Use one of: %v", r.idsLocked()))
	}
	return p, nil
}

// IDs returns the registered provider ids in sorted order
func (r *Registry) IDs() []internal.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []internal.ProviderID {
	ids := make([]internal.ProviderID, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NewTransport builds the HTTP client one provider uses. Each provider gets
// its own limiter so one provider's throttling never paces another.
func NewTransport(cfg *internal.Config, logger *internal.SecureLogger) *utils.HTTPClient {
	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	var limiter internal.RateLimiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = utils.NewTokenBucketLimiter(cfg.RequestsPerSecond, burst)
	}

	return utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:     cfg.HTTPTimeout,
		ProxyURL:    cfg.ProxyURL,
		UserAgent:   cfg.UserAgent,
		RetryConfig: retry,
		Limiter:     limiter,
		Logger:      logger,
	})
}

// DefaultRegistry builds all three providers from cfg
func DefaultRegistry(cfg *internal.Config, creds internal.CredentialSource, logger *internal.SecureLogger) *Registry {
	if logger == nil {
		logger = internal.GetLogger()
	}
	r := NewRegistry(
		NewAllDebrid(cfg.AllDebridBaseURL, cfg.AllDebridAgent, NewTransport(cfg, logger), creds),
		NewPremiumize(cfg.PremiumizeBaseURL, NewTransport(cfg, logger), creds),
		NewRealDebrid(cfg.RealDebridBaseURL, NewTransport(cfg, logger), creds),
	)
	logger.Debug("Registered providers %v", r.IDs())
	return r
}
