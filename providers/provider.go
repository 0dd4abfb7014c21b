package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"debridfetch/internal"
	"debridfetch/utils"
)

// client is the part every provider shares: a transport, a credential
// source, and the provider's identity for error attribution
type client struct {
	id         internal.ProviderID
	baseURL    string
	http       *utils.HTTPClient
	creds      internal.CredentialSource
	classifier *utils.SourceClassifier
	logger     *internal.SecureLogger
}

func newClient(id internal.ProviderID, baseURL string, httpClient *utils.HTTPClient, creds internal.CredentialSource) client {
	return client{
		id:         id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       httpClient,
		creds:      creds,
		classifier: utils.NewSourceClassifier(),
		logger:     internal.GetLogger(),
	}
}

// ID returns the provider identifier
func (c *client) ID() internal.ProviderID {
	return c.id
}

// secret loads the credential for this provider. Missing or empty
// credentials fail here, before any request is sent.
func (c *client) secret(ctx context.Context, op string) (string, error) {
	if c.creds == nil {
		return "", c.fail(internal.NewAuthError("no credential source configured"), op)
	}
	creds, err := c.creds.Get(ctx, c.id)
	if err != nil {
		if re, ok := internal.AsResolutionError(err); ok {
			return "", re
		}
		re := internal.NewAuthError("credentials unavailable").WithCause(err)
		if errors.Is(err, internal.ErrNotConfigured) {
			re = internal.NewAuthError("provider is not configured").WithCause(err).
				WithSuggestion("Run 'debridfetch auth " + string(c.id) + "' first")
		}
		return "", c.fail(re, op)
	}
	if creds.Secret() == "" {
		return "", c.fail(internal.NewAuthError("credentials are empty").
			WithSuggestion("Run 'debridfetch auth "+string(c.id)+"' first"), op)
	}
	return creds.Secret(), nil
}

// fail attributes err to this provider and operation
func (c *client) fail(err *internal.ResolutionError, op string) *internal.ResolutionError {
	if err.Provider == "" {
		err = err.WithProvider(c.id)
	}
	if err.Op == "" {
		err = err.WithOp(op)
	}
	return err
}

// transportError attributes errors returned by the HTTP client
func (c *client) transportError(err error, op string) error {
	if re, ok := internal.AsResolutionError(err); ok {
		return c.fail(re, op)
	}
	return c.fail(internal.NewProviderUnavailableError("request failed").WithCause(err), op)
}

// decode parses a provider body; a body that does not parse means the
// provider is misbehaving, not that the source is bad
func (c *client) decode(body []byte, out interface{}, op string) error {
	if err := json.Unmarshal(body, out); err != nil {
		return c.fail(internal.NewProviderUnavailableError("malformed response").WithCause(err), op)
	}
	return nil
}

// flexQuality accepts qualities sent either as numbers or as labels
type flexQuality int

func (q *flexQuality) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*q = flexQuality(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*q = 0
		return nil
	}
	*q = flexQuality(utils.ParseQuality(s))
	return nil
}

// flexInt64 accepts sizes sent either as numbers or as numeric strings
type flexInt64 int64

func (n *flexInt64) UnmarshalJSON(b []byte) error {
	var v int64
	if err := json.Unmarshal(b, &v); err == nil {
		*n = flexInt64(v)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = flexInt64(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		var parsed int64
		for _, r := range s {
			if r < '0' || r > '9' {
				break
			}
			parsed = parsed*10 + int64(r-'0')
		}
		*n = flexInt64(parsed)
	}
	return nil
}

func isVideo(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".mkv", ".mp4", ".avi", ".mov", ".m4v", ".webm", ".ts", ".wmv", ".flv", ".mpg", ".mpeg"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func lastSegment(rawURL string) string {
	rawURL = strings.SplitN(rawURL, "?", 2)[0]
	rawURL = strings.TrimRight(rawURL, "/")
	if i := strings.LastIndex(rawURL, "/"); i >= 0 {
		return rawURL[i+1:]
	}
	return rawURL
}
