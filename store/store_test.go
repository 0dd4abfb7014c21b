package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"debridfetch/internal"
)

type kv interface {
	internal.KVStore
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func exerciseKV(t *testing.T, s kv) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	if err := s.Put(ctx, "credentials/alldebrid", "one"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, "credentials/alldebrid", "two"); err != nil {
		t.Fatalf("Put overwrite failed: %v", err)
	}
	if err := s.Put(ctx, "credentials/realdebrid", "rd"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, "other", "x"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, ok, err := s.Get(ctx, "credentials/alldebrid")
	if err != nil || !ok || v != "two" {
		t.Errorf("Get = %q, %v, %v; want two", v, ok, err)
	}

	keys, err := s.Keys(ctx, "credentials/")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "credentials/alldebrid" || keys[1] != "credentials/realdebrid" {
		t.Errorf("Keys = %v", keys)
	}

	if err := s.Delete(ctx, "credentials/alldebrid"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "credentials/alldebrid"); ok {
		t.Error("Key should be gone after Delete")
	}
	if err := s.Delete(ctx, "credentials/alldebrid"); err != nil {
		t.Errorf("Deleting a missing key should not fail: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseKV(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()

	exerciseKV(t, s)
}

func TestSQLiteStore_DurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := s.Put(ctx, "credentials/premiumize", `{"api_key":"k"}`); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	v, ok, err := reopened.Get(ctx, "credentials/premiumize")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok %v, err %v", ok, err)
	}
	if v != `{"api_key":"k"}` {
		t.Errorf("Value after reopen = %q", v)
	}
	if err := reopened.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestHintCache(t *testing.T) {
	h := NewHintCache(2, time.Minute)

	h.Add(internal.ProviderAllDebrid, "magnet:a", internal.CacheStatus{Cached: true})
	h.Add(internal.ProviderPremiumize, "magnet:a", internal.CacheStatus{Cached: false})

	if st, ok := h.Get(internal.ProviderAllDebrid, "magnet:a"); !ok || !st.Cached {
		t.Errorf("Expected cached hint for alldebrid, got %v %v", st, ok)
	}
	if st, ok := h.Get(internal.ProviderPremiumize, "magnet:a"); !ok || st.Cached {
		t.Errorf("Expected uncached hint for premiumize, got %v %v", st, ok)
	}

	h.Add(internal.ProviderRealDebrid, "magnet:b", internal.CacheStatus{})
	if h.Len() != 2 {
		t.Errorf("Expected size-bounded cache of 2, got %d", h.Len())
	}

	h.Forget(internal.ProviderRealDebrid, "magnet:b")
	if _, ok := h.Get(internal.ProviderRealDebrid, "magnet:b"); ok {
		t.Error("Forgotten hint should be gone")
	}
}

func TestHintCache_Expires(t *testing.T) {
	h := NewHintCache(4, 20*time.Millisecond)
	h.Add(internal.ProviderAllDebrid, "magnet:a", internal.CacheStatus{Cached: true})

	time.Sleep(60 * time.Millisecond)

	if _, ok := h.Get(internal.ProviderAllDebrid, "magnet:a"); ok {
		t.Error("Hint should have expired")
	}
}
