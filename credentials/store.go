// Package credentials persists provider credentials and keeps token credentials fresh.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"debridfetch/internal"
)

// DefaultSkew is subtracted from token expiry so a token is never used in the last minute of its life
const DefaultSkew = 60 * time.Second

const keyPrefix = "credentials/"

// Refresher exchanges a refresh token for a new token pair
type Refresher interface {
	Refresh(ctx context.Context, current internal.Credentials) (internal.Credentials, error)
}

// RefresherFunc adapts a function to Refresher
type RefresherFunc func(ctx context.Context, current internal.Credentials) (internal.Credentials, error)

func (f RefresherFunc) Refresh(ctx context.Context, current internal.Credentials) (internal.Credentials, error) {
	return f(ctx, current)
}

// Store is the credential store. Reads go straight to the key/value backend;
// refreshes are collapsed per provider so concurrent callers share one token request.
type Store struct {
	kv     internal.KVStore
	group  singleflight.Group
	now    func() time.Time
	skew   time.Duration
	logger *internal.SecureLogger

	mu         sync.RWMutex
	refreshers map[internal.ProviderID]Refresher
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSkew overrides the expiry grace skew
func WithSkew(skew time.Duration) Option {
	return func(s *Store) { s.skew = skew }
}

// WithLogger sets the store logger
func WithLogger(l *internal.SecureLogger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRefresher registers the refresher for a token provider
func WithRefresher(id internal.ProviderID, r Refresher) Option {
	return func(s *Store) { s.refreshers[id] = r }
}

// NewStore creates a credential store over kv
func NewStore(kv internal.KVStore, opts ...Option) *Store {
	s := &Store{
		kv:         kv,
		now:        time.Now,
		skew:       DefaultSkew,
		refreshers: make(map[internal.ProviderID]Refresher),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = internal.GetLogger()
	}
	return s
}

// RegisterRefresher sets the refresher for a provider after construction
func (s *Store) RegisterRefresher(id internal.ProviderID, r Refresher) {
	s.mu.Lock()
	s.refreshers[id] = r
	s.mu.Unlock()
}

func storageKey(id internal.ProviderID) string {
	return keyPrefix + string(id)
}

// Get returns the stored credentials or internal.ErrNotConfigured
func (s *Store) Get(ctx context.Context, id internal.ProviderID) (internal.Credentials, error) {
	raw, ok, err := s.kv.Get(ctx, storageKey(id))
	if err != nil {
		return internal.Credentials{}, fmt.Errorf("load %s credentials: %w", id, err)
	}
	if !ok {
		return internal.Credentials{}, internal.ErrNotConfigured
	}

	var c internal.Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return internal.Credentials{}, fmt.Errorf("decode %s credentials: %w", id, err)
	}
	c.ProviderID = id
	return c, nil
}

// Put stores credentials; persistence failures are returned, never swallowed
func (s *Store) Put(ctx context.Context, id internal.ProviderID, c internal.Credentials) error {
	c.ProviderID = id
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode %s credentials: %w", id, err)
	}
	if err := s.kv.Put(ctx, storageKey(id), string(data)); err != nil {
		return fmt.Errorf("store %s credentials: %w", id, err)
	}
	return nil
}

// Clear removes stored credentials (logout / revocation)
func (s *Store) Clear(ctx context.Context, id internal.ProviderID) error {
	if err := s.kv.Delete(ctx, storageKey(id)); err != nil {
		return fmt.Errorf("clear %s credentials: %w", id, err)
	}
	return nil
}

// IsValid checks c against the store's clock and skew
func (s *Store) IsValid(c internal.Credentials) bool {
	return IsValid(c, s.now(), s.skew)
}

// IsValid reports whether c can authorize a call at now: the primary secret
// is non-empty and, for token credentials, now < expiry - skew.
// A token without an expiry never expires.
func IsValid(c internal.Credentials, now time.Time, skew time.Duration) bool {
	if c.Secret() == "" {
		return false
	}
	if c.Kind != internal.CredentialToken || c.Expiry.IsZero() {
		return true
	}
	return now.Before(c.Expiry.Add(-skew))
}

// Current returns credentials ready for use, refreshing an expired token first
func (s *Store) Current(ctx context.Context, id internal.ProviderID) (internal.Credentials, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return c, err
	}
	if s.IsValid(c) || !c.CanRefresh() {
		return c, nil
	}
	return s.Refresh(ctx, id)
}

// Refresh exchanges the stored refresh token for a new pair and persists it.
// Concurrent calls for the same provider share a single token request.
func (s *Store) Refresh(ctx context.Context, id internal.ProviderID) (internal.Credentials, error) {
	ch := s.group.DoChan(string(id), func() (interface{}, error) {
		// the shared refresh must not die with whichever caller happened to start it
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return s.refresh(rctx, id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return internal.Credentials{}, res.Err
		}
		return res.Val.(internal.Credentials), nil
	case <-ctx.Done():
		return internal.Credentials{}, internal.NewCancelledError(ctx.Err())
	}
}

func (s *Store) refresh(ctx context.Context, id internal.ProviderID) (internal.Credentials, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, internal.ErrNotConfigured) {
			return internal.Credentials{}, internal.NewAuthError("no credentials to refresh").
				WithProvider(id).WithOp("refresh").WithCause(err)
		}
		return internal.Credentials{}, err
	}
	if !current.CanRefresh() {
		return internal.Credentials{}, internal.NewAuthError("credentials cannot be refreshed").
			WithProvider(id).WithOp("refresh")
	}

	s.mu.RLock()
	r, ok := s.refreshers[id]
	s.mu.RUnlock()
	if !ok {
		return internal.Credentials{}, internal.NewAuthError("no refresher registered").
			WithProvider(id).WithOp("refresh")
	}

	s.logger.Debug("Refreshing %s access token", id)
	next, err := r.Refresh(ctx, current)
	if err != nil {
		s.logger.Warn("Token refresh for %s failed: %v", id, err)
		return internal.Credentials{}, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if next.ClientID == "" {
		next.ClientID, next.ClientSecret = current.ClientID, current.ClientSecret
	}
	next.Kind = internal.CredentialToken

	if err := s.Put(ctx, id, next); err != nil {
		return internal.Credentials{}, err
	}
	s.logger.Info("Refreshed %s access token, valid until %s", id, next.Expiry.Format(time.RFC3339))
	return next, nil
}

// APIKeyCredentials builds api-key credentials for a provider
func APIKeyCredentials(id internal.ProviderID, key string) internal.Credentials {
	return internal.Credentials{ProviderID: id, Kind: internal.CredentialAPIKey, APIKey: key}
}

// Refreshing returns a CredentialSource whose Get hands out Current
// credentials, so expired tokens are renewed before a provider call
func (s *Store) Refreshing() internal.CredentialSource {
	return refreshing{s}
}

type refreshing struct {
	*Store
}

func (r refreshing) Get(ctx context.Context, id internal.ProviderID) (internal.Credentials, error) {
	return r.Current(ctx, id)
}
