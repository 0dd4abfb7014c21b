package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"debridfetch/internal"
)

func TestAllDebridPIN_Authorize(t *testing.T) {
	var checks int32
	mux := http.NewServeMux()
	mux.HandleFunc("/pin/get", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("agent") != "testagent" {
			t.Errorf("Expected agent param, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"status":"success","data":{"pin":"8EXC","check":"chk","expires_in":600,"user_url":"https://alldebrid.com/pin/?pin=8EXC"}}`))
	})
	mux.HandleFunc("/pin/check", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("check") != "chk" || r.URL.Query().Get("pin") != "8EXC" {
			t.Errorf("Unexpected check params %q", r.URL.RawQuery)
		}
		if atomic.AddInt32(&checks, 1) < 2 {
			w.Write([]byte(`{"status":"success","data":{"activated":false,"expires_in":590}}`))
			return
		}
		w.Write([]byte(`{"status":"success","data":{"apikey":"ad-key","activated":true,"expires_in":580}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	flow := NewAllDebridPIN(server.URL, "testagent", testHTTPClient())
	flow.SetInterval(10 * time.Millisecond)

	var shown string
	creds, err := flow.Authorize(context.Background(), func(p *PinCode) { shown = p.Pin })
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if shown != "8EXC" {
		t.Errorf("Prompt should receive the pin, got %q", shown)
	}
	if creds.APIKey != "ad-key" || creds.Kind != internal.CredentialAPIKey {
		t.Errorf("Unexpected credentials %+v", creds)
	}
	if got := atomic.LoadInt32(&checks); got != 2 {
		t.Errorf("Expected 2 checks, got %d", got)
	}
}

func TestAllDebridPIN_ErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","error":{"code":"AUTH_BAD_AGENT","message":"bad agent"}}`))
	}))
	defer server.Close()

	flow := NewAllDebridPIN(server.URL, "x", testHTTPClient())
	_, err := flow.RequestPin(context.Background())
	re, ok := internal.AsResolutionError(err)
	if !ok || re.Kind != internal.KindAuth || re.ProviderCode != "AUTH_BAD_AGENT" {
		t.Errorf("Expected AuthError with provider code, got %v", err)
	}
}

func TestAllDebridPIN_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pin/get" {
			w.Write([]byte(`{"status":"success","data":{"pin":"P","check":"C","expires_in":600}}`))
			return
		}
		w.Write([]byte(`{"status":"success","data":{"activated":false}}`))
	}))
	defer server.Close()

	flow := NewAllDebridPIN(server.URL, "x", testHTTPClient())
	flow.SetInterval(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	_, err := flow.Authorize(ctx, nil)
	if !internal.IsKind(err, internal.KindTimeout) {
		t.Errorf("Expected Timeout kind on cancellation, got %v", err)
	}
}
