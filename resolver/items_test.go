package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"debridfetch/internal"
	"debridfetch/providers"
	"debridfetch/utils"
)

// Item ids name magnets, torrents or cloud items that already live in the
// user's account. Resolving one must leave it there, whatever the outcome.
func TestResolve_ItemIDsAreLeftInTheAccount(t *testing.T) {
	tests := []struct {
		name     string
		provider func(url string, tr *utils.HTTPClient) internal.Provider
		id       internal.ProviderID
		source   string
		routes   map[string]string
		wantKind internal.ErrorKind
		wantOK   bool
	}{
		{
			name: "alldebrid_ready",
			provider: func(url string, tr *utils.HTTPClient) internal.Provider {
				return providers.NewAllDebrid(url, "test", tr, &fakeCreds{})
			},
			id:     internal.ProviderAllDebrid,
			source: "12345678",
			routes: map[string]string{
				"/magnet/status": `{"status":"success","data":{"magnets":{"id":12345678,"status":"Ready","statusCode":4,"size":100,"downloaded":100,
					"links":[{"link":"https://uptobox.com/abc","filename":"bbb.mkv","size":100}]}}}`,
				"/link/unlock":   `{"status":"success","data":{"link":"https://cdn.alldebrid.com/dl/bbb.mkv","filename":"bbb.mkv","filesize":100}}`,
				"/magnet/delete": `{"status":"success","data":{"message":"deleted"}}`,
			},
			wantOK: true,
		},
		{
			name: "realdebrid_without_links",
			provider: func(url string, tr *utils.HTTPClient) internal.Provider {
				return providers.NewRealDebrid(url, tr, &fakeCreds{})
			},
			id:     internal.ProviderRealDebrid,
			source: "ABCDEFGH",
			routes: map[string]string{
				"/torrents/info/ABCDEFGH":   `{"id":"ABCDEFGH","status":"downloaded","progress":100,"links":[]}`,
				"/torrents/delete/ABCDEFGH": ``,
			},
			wantKind: internal.KindEmpty,
		},
		{
			name: "premiumize_cloud_item",
			provider: func(url string, tr *utils.HTTPClient) internal.Provider {
				return providers.NewPremiumize(url, tr, &fakeCreds{})
			},
			id:     internal.ProviderPremiumize,
			source: "itemABC1",
			routes: map[string]string{
				"/transfer/list":   `{"status":"success","transfers":[]}`,
				"/item/details":    `{"id":"itemABC1","name":"bbb.mkv","type":"file","size":5000,"link":"https://pm/dl/bbb.mkv"}`,
				"/transfer/delete": `{"status":"success"}`,
			},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var deletes int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.Contains(r.URL.Path, "delete") {
					atomic.AddInt32(&deletes, 1)
				}
				body, ok := tt.routes[r.URL.Path]
				if !ok {
					http.NotFound(w, r)
					return
				}
				w.Write([]byte(body))
			}))
			defer server.Close()

			transport := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
				Timeout:     time.Second,
				Logger:      internal.NewNopLogger(),
				RetryConfig: &utils.RetryConfig{MaxAttempts: 1},
			})
			r := newTestResolver(tt.provider(server.URL, transport), &fakeCreds{})

			link, err := r.Resolve(context.Background(), internal.ResolutionRequest{ProviderID: tt.id, SourceLink: tt.source}, fastPolicy())
			if tt.wantOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if link.DirectURL == "" {
					t.Error("expected a direct URL")
				}
			} else if !internal.IsKind(err, tt.wantKind) {
				t.Fatalf("expected %s, got %v", tt.wantKind, err)
			}

			// a second resolve of the same item must still find it
			if _, err2 := r.Resolve(context.Background(), internal.ResolutionRequest{ProviderID: tt.id, SourceLink: tt.source}, fastPolicy()); (err2 == nil) != (err == nil) {
				t.Errorf("second resolve changed outcome: first %v, second %v", err, err2)
			}
			if got := atomic.LoadInt32(&deletes); got != 0 {
				t.Errorf("sent %d delete calls for an item the user already owned", got)
			}
		})
	}
}
