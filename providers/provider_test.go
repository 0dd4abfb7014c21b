package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"debridfetch/internal"
	"debridfetch/utils"
)

const testMagnet = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=Big.Buck.Bunny"

// staticCreds hands out fixed credentials
type staticCreds struct {
	creds map[internal.ProviderID]internal.Credentials
}

func (s *staticCreds) Get(_ context.Context, id internal.ProviderID) (internal.Credentials, error) {
	c, ok := s.creds[id]
	if !ok {
		return internal.Credentials{}, internal.ErrNotConfigured
	}
	return c, nil
}

func (s *staticCreds) Refresh(ctx context.Context, id internal.ProviderID) (internal.Credentials, error) {
	return s.Get(ctx, id)
}

func apiKey(id internal.ProviderID, key string) *staticCreds {
	return &staticCreds{creds: map[internal.ProviderID]internal.Credentials{
		id: {ProviderID: id, Kind: internal.CredentialAPIKey, APIKey: key},
	}}
}

func bearer(token string) *staticCreds {
	return &staticCreds{creds: map[internal.ProviderID]internal.Credentials{
		internal.ProviderRealDebrid: {
			ProviderID:  internal.ProviderRealDebrid,
			Kind:        internal.CredentialToken,
			AccessToken: token,
			Expiry:      time.Now().Add(time.Hour),
		},
	}}
}

func testTransport() *utils.HTTPClient {
	return utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:     2 * time.Second,
		Logger:      internal.NewNopLogger(),
		RetryConfig: &utils.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1},
	})
}

func countingServer(t *testing.T, hits *int32, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		h(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEmptyCredentialsShortCircuit(t *testing.T) {
	var hits int32
	server := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	empty := &staticCreds{creds: map[internal.ProviderID]internal.Credentials{
		internal.ProviderAllDebrid:  {Kind: internal.CredentialAPIKey, APIKey: ""},
		internal.ProviderPremiumize: {Kind: internal.CredentialAPIKey, APIKey: ""},
		internal.ProviderRealDebrid: {Kind: internal.CredentialToken, AccessToken: ""},
	}}
	unconfigured := &staticCreds{}

	for _, creds := range []*staticCreds{empty, unconfigured} {
		ps := []internal.Provider{
			NewAllDebrid(server.URL, "test", testTransport(), creds),
			NewPremiumize(server.URL, testTransport(), creds),
			NewRealDebrid(server.URL, testTransport(), creds),
		}
		for _, p := range ps {
			_, err := p.Submit(context.Background(), testMagnet)
			if !internal.IsKind(err, internal.KindAuth) {
				t.Errorf("%s: expected AuthError, got %v", p.ID(), err)
			}
			if re, ok := internal.AsResolutionError(err); ok && re.Provider != p.ID() {
				t.Errorf("%s: error attributed to %q", p.ID(), re.Provider)
			}
		}
	}

	if got := atomic.LoadInt32(&hits); got != 0 {
		t.Errorf("Expected no HTTP calls, got %d", got)
	}
}

func TestUnconfiguredWrapsSentinel(t *testing.T) {
	p := NewRealDebrid("http://127.0.0.1:1", testTransport(), &staticCreds{})
	_, err := p.Submit(context.Background(), testMagnet)
	if !errors.Is(err, internal.ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured in chain, got %v", err)
	}
}

func TestMalformedSourceIsInvalid(t *testing.T) {
	p := NewAllDebrid("http://127.0.0.1:1", "test", testTransport(), apiKey(internal.ProviderAllDebrid, "k"))
	_, err := p.Submit(context.Background(), "ftp://example.com/file")
	if !internal.IsKind(err, internal.KindInvalidSource) {
		t.Errorf("Expected InvalidSource, got %v", err)
	}
}

func TestFlexQuality(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{`720`, 720},
		{`"1080p"`, 1080},
		{`"4K"`, 2160},
		{`null`, 0},
		{`{}`, 0},
	}
	for _, tt := range tests {
		var q flexQuality
		if err := q.UnmarshalJSON([]byte(tt.in)); err != nil {
			t.Errorf("UnmarshalJSON(%s) error: %v", tt.in, err)
		}
		if int(q) != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %d, want %d", tt.in, q, tt.want)
		}
	}
}

func TestFlexInt64(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{`1024`, 1024},
		{`"2048"`, 2048},
		{`1.5e3`, 1500},
		{`"abc"`, 0},
	}
	for _, tt := range tests {
		var n flexInt64
		_ = n.UnmarshalJSON([]byte(tt.in))
		if int64(n) != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %d, want %d", tt.in, n, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	creds := &staticCreds{}
	r := NewRegistry(
		NewRealDebrid("http://x", testTransport(), creds),
		NewAllDebrid("http://x", "a", testTransport(), creds),
	)

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != internal.ProviderAllDebrid || ids[1] != internal.ProviderRealDebrid {
		t.Errorf("Unexpected ids %v", ids)
	}
	if _, err := r.Get(internal.ProviderRealDebrid); err != nil {
		t.Errorf("Get failed: %v", err)
	}
	_, err := r.Get("nope")
	var ve *internal.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("Expected ValidationError for unknown provider, got %v", err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	cfg := internal.DefaultConfig()
	r := DefaultRegistry(cfg, &staticCreds{}, internal.NewNopLogger())
	for _, id := range []internal.ProviderID{internal.ProviderAllDebrid, internal.ProviderPremiumize, internal.ProviderRealDebrid} {
		p, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if _, ok := p.(internal.AccountInspector); !ok {
			t.Errorf("%s should expose account info", id)
		}
		if _, ok := p.(internal.CacheChecker); !ok {
			t.Errorf("%s should support cache checks", id)
		}
	}

	if _, ok := interface{}(&RealDebrid{}).(internal.ReadyCleaner); ok {
		t.Error("Real-Debrid torrents are kept after resolution")
	}
	if _, ok := interface{}(&AllDebrid{}).(internal.ReadyCleaner); !ok {
		t.Error("AllDebrid magnets should be cleaned up once ready")
	}
}

// dropConnection reads the request and hangs up without answering
func dropConnection(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
		conn.Close()
	}
}
