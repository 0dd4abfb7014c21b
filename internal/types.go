package internal

import (
	"time"
)

// ProviderID identifies a debrid service
type ProviderID string

const (
	ProviderAllDebrid  ProviderID = "alldebrid"
	ProviderPremiumize ProviderID = "premiumize"
	ProviderRealDebrid ProviderID = "realdebrid"
)

// CredentialKind distinguishes api-key providers from token providers
type CredentialKind int

const (
	CredentialAPIKey CredentialKind = iota
	CredentialToken
)

// Credentials holds the secret material for one provider
type Credentials struct {
	ProviderID   ProviderID     `json:"provider_id"`
	Kind         CredentialKind `json:"kind"`
	APIKey       string         `json:"api_key,omitempty"`
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ClientID     string         `json:"client_id,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
	Expiry       time.Time      `json:"expiry,omitempty"`
}

// Secret returns the primary secret used to authorize provider calls
func (c Credentials) Secret() string {
	if c.Kind == CredentialToken {
		return c.AccessToken
	}
	return c.APIKey
}

// CanRefresh reports whether the credentials carry what a token refresh needs
func (c Credentials) CanRefresh() bool {
	return c.Kind == CredentialToken && c.RefreshToken != ""
}

// SourceKind classifies a user-supplied source
type SourceKind int

const (
	SourceUnknown SourceKind = iota
	SourceMagnet
	SourceHosterURL
	SourceItemID
)

// String returns the string representation of SourceKind
func (k SourceKind) String() string {
	switch k {
	case SourceMagnet:
		return "magnet"
	case SourceHosterURL:
		return "hoster"
	case SourceItemID:
		return "item"
	default:
		return "unknown"
	}
}

// ResolutionRequest is one resolution attempt. Immutable once created.
type ResolutionRequest struct {
	ProviderID       ProviderID
	SourceLink       string
	RequestedQuality int // 0 means best available
}

// JobState is a state of the resolution state machine
type JobState int

const (
	StateCreated JobState = iota
	StateCacheCheck
	StateSubmitted
	StatePolling
	StateReady
	StateFailed
	StateFinalized
)

// String returns the string representation of JobState
func (s JobState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateCacheCheck:
		return "CacheCheck"
	case StateSubmitted:
		return "Submitted"
	case StatePolling:
		return "Polling"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateFinalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// ResolutionJob is the mutable state of an in-flight request
type ResolutionJob struct {
	JobID             string
	State             JobState
	Attempts          int
	LastPolledAt      time.Time
	ProviderRawStatus string
	Progress          float64
	Cached            *bool
	StartedAt         time.Time
}

// Variant is one encode of a resolved item
type Variant struct {
	Quality   int    `json:"quality"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
	Name      string `json:"name,omitempty"`
}

// ResolvedLink is the normalized success result
type ResolvedLink struct {
	DirectURL string     `json:"direct_url"`
	Filename  string     `json:"filename"`
	SizeBytes int64      `json:"size_bytes"`
	Variants  []Variant  `json:"variants,omitempty"`
	Provider  ProviderID `json:"provider"`
}

// Best returns the variant with the highest quality. Ties keep the first one seen.
func (l *ResolvedLink) Best() (Variant, bool) {
	if l == nil || len(l.Variants) == 0 {
		return Variant{}, false
	}
	best := l.Variants[0]
	for _, v := range l.Variants[1:] {
		if v.Quality > best.Quality {
			best = v
		}
	}
	return best, true
}

// Pick returns the best variant whose quality does not exceed max.
// A max of zero or no qualifying variant falls back to Best.
func (l *ResolvedLink) Pick(max int) (Variant, bool) {
	if max <= 0 {
		return l.Best()
	}
	var picked Variant
	found := false
	for _, v := range l.Variants {
		if v.Quality > max {
			continue
		}
		if !found || v.Quality > picked.Quality {
			picked = v
			found = true
		}
	}
	if !found {
		return l.Best()
	}
	return picked, true
}

// CacheStatus is the answer to a pre-flight cache query
type CacheStatus struct {
	Cached   bool
	Filename string
	Size     int64
}

// RawVariant is a provider-native encode entry, not yet normalized
type RawVariant struct {
	Quality    int
	Link       string
	StreamLink string
	SizeBytes  int64
	Name       string
}

// FileEntry is a provider-native file entry returned by fetchLinks or an inline result
type FileEntry struct {
	Path       string
	SizeBytes  int64
	Link       string
	StreamLink string
	Variants   []RawVariant
}

// SubmissionResult is what submit returns: a job id or an inline result.
// Created is set only when the submission made a new provider-side job;
// a job id naming something already in the account is never deleted.
type SubmissionResult struct {
	JobID   string
	Direct  []FileEntry
	Created bool
}

// IsDirect reports whether the provider resolved the source inline
func (r *SubmissionResult) IsDirect() bool {
	return r != nil && r.JobID == "" && r.Direct != nil
}

// StatusState is the provider-side progress of a job
type StatusState int

const (
	StatusPending StatusState = iota
	StatusDownloading
	StatusReady
	StatusError
)

// String returns the string representation of StatusState
func (s StatusState) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusDownloading:
		return "Downloading"
	case StatusReady:
		return "Ready"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ProviderStatus is a single pollStatus answer
type ProviderStatus struct {
	State    StatusState
	Raw      string
	Progress float64
	Err      *ResolutionError
}

// AccountInfo describes the authenticated provider account
type AccountInfo struct {
	Username  string
	Premium   bool
	ExpiresAt time.Time
}
