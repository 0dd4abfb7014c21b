package internal

import "context"

// Provider is the capability set every debrid client implements
type Provider interface {
	ID() ProviderID
	Submit(ctx context.Context, source string) (*SubmissionResult, error)
	PollStatus(ctx context.Context, jobID string) (*ProviderStatus, error)
	FetchLinks(ctx context.Context, jobID string) ([]FileEntry, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// CacheChecker is implemented by providers that can answer a pre-flight cache query
type CacheChecker interface {
	CheckCached(ctx context.Context, source string) (*CacheStatus, error)
}

// AccountInspector is implemented by providers that expose account details
type AccountInspector interface {
	Account(ctx context.Context) (*AccountInfo, error)
}

// ReadyCleaner is implemented by providers whose quota is consumed by finished jobs left behind
type ReadyCleaner interface {
	CleanupOnReady() bool
}

// KVStore is the durable key/value backend behind the credential store
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// CredentialSource hands out current credentials and refreshes token credentials
type CredentialSource interface {
	Get(ctx context.Context, id ProviderID) (Credentials, error)
	Refresh(ctx context.Context, id ProviderID) (Credentials, error)
}

// RateLimiter paces outgoing provider requests
type RateLimiter interface {
	Wait(ctx context.Context) error
	SetRate(perSecond float64)
}
