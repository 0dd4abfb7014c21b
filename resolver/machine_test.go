package resolver

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"debridfetch/internal"
	"debridfetch/providers"
	"debridfetch/store"
)

const fakeID internal.ProviderID = "fake"

type pollStep struct {
	status *internal.ProviderStatus
	err    error
}

// fakeProvider replays scripted answers. The last poll step repeats forever.
type fakeProvider struct {
	mu sync.Mutex

	submitResult *internal.SubmissionResult
	submitErrs   []error
	steps        []pollStep
	links        []internal.FileEntry
	deleteErr    error
	cleanOnReady bool

	submits, polls, fetches, deletes int
	deleted                          chan string
}

func newFake() *fakeProvider {
	return &fakeProvider{
		submitResult: &internal.SubmissionResult{JobID: "job-1", Created: true},
		deleted:      make(chan string, 4),
	}
}

func (f *fakeProvider) ID() internal.ProviderID { return fakeID }

func (f *fakeProvider) Submit(ctx context.Context, source string) (*internal.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		if len(f.submitErrs) > 1 {
			f.submitErrs = f.submitErrs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	return f.submitResult, nil
}

func (f *fakeProvider) PollStatus(ctx context.Context, jobID string) (*internal.ProviderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.steps) == 0 {
		return &internal.ProviderStatus{State: internal.StatusPending, Raw: "queued"}, nil
	}
	step := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	return step.status, step.err
}

func (f *fakeProvider) FetchLinks(ctx context.Context, jobID string) ([]internal.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.links, nil
}

func (f *fakeProvider) DeleteJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.deletes++
	err := f.deleteErr
	f.mu.Unlock()
	f.deleted <- jobID
	return err
}

func (f *fakeProvider) CleanupOnReady() bool { return f.cleanOnReady }

func (f *fakeProvider) counts() (submits, polls, fetches, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.polls, f.fetches, f.deletes
}

type cachingProvider struct {
	*fakeProvider
	cached bool
	err    error
	checks int
}

func (c *cachingProvider) CheckCached(ctx context.Context, source string) (*internal.CacheStatus, error) {
	c.checks++
	if c.err != nil {
		return nil, c.err
	}
	return &internal.CacheStatus{Cached: c.cached}, nil
}

type fakeCreds struct {
	mu        sync.Mutex
	refreshes int
	err       error
}

func (c *fakeCreds) Get(ctx context.Context, id internal.ProviderID) (internal.Credentials, error) {
	return internal.Credentials{Kind: internal.CredentialAPIKey, APIKey: "key"}, nil
}

func (c *fakeCreds) Refresh(ctx context.Context, id internal.ProviderID) (internal.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	if c.err != nil {
		return internal.Credentials{}, c.err
	}
	return internal.Credentials{Kind: internal.CredentialAPIKey, APIKey: "fresh"}, nil
}

func fastPolicy() Policy {
	return Policy{
		Interval:           time.Millisecond,
		MaxInterval:        2 * time.Millisecond,
		Multiplier:         1,
		Timeout:            2 * time.Second,
		MaxTransientErrors: 3,
		CleanupTimeout:     200 * time.Millisecond,
	}
}

func status(state internal.StatusState) pollStep {
	return pollStep{status: &internal.ProviderStatus{State: state, Raw: state.String()}}
}

func video(url string) []internal.FileEntry {
	return []internal.FileEntry{{Path: "Show/episode.mkv", SizeBytes: 700, Link: url}}
}

func newTestResolver(p internal.Provider, creds internal.CredentialSource, opts ...Option) *Resolver {
	opts = append([]Option{WithLogger(internal.NewNopLogger())}, opts...)
	return New(providers.NewRegistry(p), creds, opts...)
}

func run(t *testing.T, r *Resolver, policy Policy) (*internal.ResolvedLink, Snapshot, error) {
	t.Helper()
	h := r.Start(context.Background(), internal.ResolutionRequest{ProviderID: fakeID, SourceLink: "https://host.example/file"}, policy)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("resolution did not finish")
	}
	link, err := h.Result()
	snap := h.Snapshot()
	assertValidHistory(t, snap.History)
	return link, snap, err
}

func assertValidHistory(t *testing.T, history []internal.JobState) {
	t.Helper()
	if len(history) == 0 || history[0] != internal.StateCreated {
		t.Fatalf("history must start at Created: %v", history)
	}
	for i := 1; i < len(history); i++ {
		if !canTransition(history[i-1], history[i]) {
			t.Errorf("illegal transition %s -> %s in %v", history[i-1], history[i], history)
		}
	}
	if history[len(history)-1] != internal.StateFinalized {
		t.Errorf("history must end at Finalized: %v", history)
	}
}

func states(s ...internal.JobState) []internal.JobState { return s }

func TestResolve_DirectResultSkipsPolling(t *testing.T) {
	f := newFake()
	f.submitResult = &internal.SubmissionResult{Direct: video("https://cdn.example/direct.mkv")}

	link, snap, err := run(t, newTestResolver(f, nil), fastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link.DirectURL != "https://cdn.example/direct.mkv" || link.Filename != "episode.mkv" {
		t.Errorf("unexpected link: %+v", link)
	}
	want := states(internal.StateCreated, internal.StateSubmitted, internal.StateReady, internal.StateFinalized)
	if !reflect.DeepEqual(snap.History, want) {
		t.Errorf("history = %v, want %v", snap.History, want)
	}
	if _, polls, _, deletes := f.counts(); polls != 0 || deletes != 0 {
		t.Errorf("direct result polled %d times and deleted %d times", polls, deletes)
	}
}

func TestResolve_PollsUntilReady(t *testing.T) {
	f := newFake()
	f.steps = []pollStep{status(internal.StatusPending), status(internal.StatusPending), status(internal.StatusReady)}
	f.links = []internal.FileEntry{{
		Path:      "movie.mp4",
		SizeBytes: 1000,
		Link:      "https://cdn.example/movie.mp4",
		Variants:  []internal.RawVariant{{Quality: 360, StreamLink: "https://cdn.example/360.mp4", SizeBytes: 300}},
	}}

	link, snap, err := run(t, newTestResolver(f, nil), fastPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(link.Variants) != 1 || link.Variants[0].Quality != 360 {
		t.Fatalf("unexpected variants: %+v", link.Variants)
	}
	if best, _ := link.Best(); best.URL != "https://cdn.example/360.mp4" {
		t.Errorf("best = %+v", best)
	}
	if link.DirectURL != "https://cdn.example/360.mp4" {
		t.Errorf("DirectURL = %s", link.DirectURL)
	}

	want := states(internal.StateCreated, internal.StateSubmitted, internal.StatePolling, internal.StateReady, internal.StateFinalized)
	if !reflect.DeepEqual(snap.History, want) {
		t.Errorf("history = %v, want %v", snap.History, want)
	}
	if snap.Job.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", snap.Job.Attempts)
	}
	if _, polls, fetches, deletes := f.counts(); polls != 3 || fetches != 1 || deletes != 0 {
		t.Errorf("polls=%d fetches=%d deletes=%d", polls, fetches, deletes)
	}
}

func TestResolve_CleanupFailureKeepsResult(t *testing.T) {
	f := newFake()
	f.cleanOnReady = true
	f.deleteErr = internal.NewProviderUnavailableError("delete failed")
	f.steps = []pollStep{status(internal.StatusReady)}
	f.links = video("https://cdn.example/a.mkv")

	link, _, err := run(t, newTestResolver(f, nil), fastPolicy())
	if err != nil {
		t.Fatalf("cleanup failure leaked into result: %v", err)
	}
	if link.DirectURL != "https://cdn.example/a.mkv" {
		t.Errorf("DirectURL = %s", link.DirectURL)
	}
	if _, _, _, deletes := f.counts(); deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
}

func TestResolve_CleanupFailureKeepsError(t *testing.T) {
	f := newFake()
	f.deleteErr = internal.NewProviderUnavailableError("delete failed")
	f.steps = []pollStep{{status: &internal.ProviderStatus{
		State: internal.StatusError,
		Raw:   "limit",
		Err:   internal.NewRateLimitedError("too many jobs", 0).WithProvider(fakeID),
	}}}

	_, _, err := run(t, newTestResolver(f, nil), fastPolicy())
	if !internal.IsKind(err, internal.KindRateLimited) {
		t.Fatalf("cleanup failure replaced the outcome: %v", err)
	}
	if _, _, _, deletes := f.counts(); deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
}

func TestResolve_ExistingJobIsNeverDeleted(t *testing.T) {
	tests := []struct {
		name     string
		steps    []pollStep
		links    []internal.FileEntry
		wantKind internal.ErrorKind
		wantOK   bool
	}{
		{"ready", []pollStep{status(internal.StatusReady)}, video("https://cdn.example/a.mkv"), 0, true},
		{"empty", []pollStep{status(internal.StatusReady)}, nil, internal.KindEmpty, false},
		{"provider error", []pollStep{{status: &internal.ProviderStatus{
			State: internal.StatusError,
			Err:   internal.NewInvalidSourceError("dead torrent"),
		}}}, nil, internal.KindInvalidSource, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake()
			f.cleanOnReady = true
			f.submitResult = &internal.SubmissionResult{JobID: "users-own-item"}
			f.steps = tt.steps
			f.links = tt.links

			_, snap, err := run(t, newTestResolver(f, nil), fastPolicy())
			if tt.wantOK && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.wantOK && !internal.IsKind(err, tt.wantKind) {
				t.Fatalf("expected %s, got %v", tt.wantKind, err)
			}
			if snap.Job.JobID != "users-own-item" {
				t.Errorf("JobID = %q", snap.Job.JobID)
			}
			if _, _, _, deletes := f.counts(); deletes != 0 {
				t.Errorf("deletes = %d, want 0 for a job the request did not create", deletes)
			}
		})
	}
}

func TestResolve_ProviderErrorStatus(t *testing.T) {
	f := newFake()
	f.steps = []pollStep{
		status(internal.StatusPending),
		{status: &internal.ProviderStatus{
			State: internal.StatusError,
			Raw:   "limit",
			Err:   internal.NewRateLimitedError("too many jobs", 0).WithProvider(fakeID),
		}},
	}

	_, snap, err := run(t, newTestResolver(f, nil), fastPolicy())
	re, ok := internal.AsResolutionError(err)
	if !ok || re.Kind != internal.KindRateLimited {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	if !re.IsRetryable() {
		t.Error("RateLimited must be retryable")
	}
	if got := snap.History[len(snap.History)-2]; got != internal.StateFailed {
		t.Errorf("state before Finalized = %s, want Failed", got)
	}
	if _, _, _, deletes := f.counts(); deletes != 1 {
		t.Errorf("failed job deletes = %d, want 1", deletes)
	}
}

func TestResolve_TransientPollErrors(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		max      int
		wantKind internal.ErrorKind
		wantOK   bool
	}{
		{"absorbed", 2, 3, 0, true},
		{"exhausted", 3, 2, internal.KindProviderUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake()
			for i := 0; i < tt.failures; i++ {
				f.steps = append(f.steps, pollStep{err: internal.NewProviderUnavailableError("502")})
			}
			f.steps = append(f.steps, status(internal.StatusReady))
			f.links = video("https://cdn.example/a.mkv")

			policy := fastPolicy()
			policy.MaxTransientErrors = tt.max
			_, _, err := run(t, newTestResolver(f, nil), policy)
			if tt.wantOK {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !internal.IsKind(err, tt.wantKind) {
				t.Errorf("expected %s, got %v", tt.wantKind, err)
			}
		})
	}
}

func TestResolve_TimesOut(t *testing.T) {
	f := newFake()
	policy := fastPolicy()
	policy.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, _, err := run(t, newTestResolver(f, nil), policy)
	re, ok := internal.AsResolutionError(err)
	if !ok || re.Kind != internal.KindTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if !re.IsRetryable() {
		t.Error("Timeout must be retryable")
	}
	if errors.Is(err, context.Canceled) {
		t.Error("budget timeout must not look like caller cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if _, _, _, deletes := f.counts(); deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
}

func TestResolve_MaxAttempts(t *testing.T) {
	f := newFake()
	policy := fastPolicy()
	policy.MaxAttempts = 3

	_, _, err := run(t, newTestResolver(f, nil), policy)
	if !internal.IsKind(err, internal.KindTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if _, polls, _, _ := f.counts(); polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestResolve_AuthRefreshRetriesOnce(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		f := newFake()
		f.submitErrs = []error{internal.NewAuthError("expired"), nil}
		f.submitResult = &internal.SubmissionResult{Direct: video("https://cdn.example/a.mkv")}
		creds := &fakeCreds{}

		_, _, err := run(t, newTestResolver(f, creds), fastPolicy())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if creds.refreshes != 1 {
			t.Errorf("refreshes = %d, want 1", creds.refreshes)
		}
		if submits, _, _, _ := f.counts(); submits != 2 {
			t.Errorf("submits = %d, want 2", submits)
		}
	})

	t.Run("still rejected", func(t *testing.T) {
		f := newFake()
		f.submitErrs = []error{internal.NewAuthError("revoked")}
		creds := &fakeCreds{}

		_, _, err := run(t, newTestResolver(f, creds), fastPolicy())
		if !internal.IsKind(err, internal.KindAuth) {
			t.Fatalf("expected Auth, got %v", err)
		}
		if creds.refreshes != 1 {
			t.Errorf("refreshes = %d, want 1", creds.refreshes)
		}
		if submits, _, _, _ := f.counts(); submits != 2 {
			t.Errorf("submits = %d, want 2", submits)
		}
	})

	t.Run("refresh fails", func(t *testing.T) {
		f := newFake()
		f.submitErrs = []error{internal.NewAuthError("bad key")}
		creds := &fakeCreds{err: internal.NewAuthError("api keys cannot be refreshed")}

		_, _, err := run(t, newTestResolver(f, creds), fastPolicy())
		if !internal.IsKind(err, internal.KindAuth) {
			t.Fatalf("expected Auth, got %v", err)
		}
		if submits, _, _, _ := f.counts(); submits != 1 {
			t.Errorf("submits = %d, want 1", submits)
		}
	})
}

func TestResolve_CancelStopsPolling(t *testing.T) {
	f := newFake()
	polling := make(chan struct{}, 1)
	r := newTestResolver(f, nil, WithObserver(func(tr Transition) {
		if tr.To == internal.StatePolling && tr.Job.Attempts > 0 {
			select {
			case polling <- struct{}{}:
			default:
			}
		}
	}))

	policy := fastPolicy()
	policy.Interval = 5 * time.Millisecond
	h := r.Start(context.Background(), internal.ResolutionRequest{ProviderID: fakeID, SourceLink: "magnet:?xt=urn:btih:abc"}, policy)

	select {
	case <-polling:
	case <-time.After(2 * time.Second):
		t.Fatal("job never polled")
	}
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not stop the job")
	}
	_, err := h.Result()
	if !internal.IsKind(err, internal.KindTimeout) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation error, got %v", err)
	}

	select {
	case id := <-f.deleted:
		if id != "job-1" {
			t.Errorf("deleted %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled job was not deleted")
	}

	_, pollsAtCancel, _, _ := f.counts()
	time.Sleep(30 * time.Millisecond)
	if _, polls, _, deletes := f.counts(); polls != pollsAtCancel || deletes != 1 {
		t.Errorf("after cancel: polls %d -> %d, deletes %d", pollsAtCancel, polls, deletes)
	}
}

func TestResolve_CacheCheckIsOnlyAHint(t *testing.T) {
	for _, cached := range []bool{true, false} {
		c := &cachingProvider{fakeProvider: newFake(), cached: cached}
		c.submitResult = &internal.SubmissionResult{Direct: video("https://cdn.example/a.mkv")}
		policy := fastPolicy()
		policy.CacheCheck = true

		_, snap, err := run(t, newTestResolver(c, nil), policy)
		if err != nil {
			t.Fatalf("cached=%v: %v", cached, err)
		}
		if snap.Job.Cached == nil || *snap.Job.Cached != cached {
			t.Errorf("cached=%v: recorded %v", cached, snap.Job.Cached)
		}
		want := states(internal.StateCreated, internal.StateCacheCheck, internal.StateSubmitted, internal.StateReady, internal.StateFinalized)
		if !reflect.DeepEqual(snap.History, want) {
			t.Errorf("history = %v", snap.History)
		}
		if submits, _, _, _ := c.counts(); submits != 1 {
			t.Errorf("cached=%v: submits = %d", cached, submits)
		}
	}
}

func TestResolve_CacheCheckFailureIgnored(t *testing.T) {
	c := &cachingProvider{fakeProvider: newFake(), err: internal.NewProviderUnavailableError("down")}
	c.submitResult = &internal.SubmissionResult{Direct: video("https://cdn.example/a.mkv")}
	policy := fastPolicy()
	policy.CacheCheck = true

	_, snap, err := run(t, newTestResolver(c, nil), policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Job.Cached != nil {
		t.Errorf("Cached = %v, want unknown", *snap.Job.Cached)
	}
}

func TestResolve_HintsSkipRepeatCacheChecks(t *testing.T) {
	c := &cachingProvider{fakeProvider: newFake(), cached: false}
	c.submitResult = &internal.SubmissionResult{Direct: video("https://cdn.example/a.mkv")}
	hints := store.NewHintCache(16, time.Minute)
	r := newTestResolver(c, nil, WithHints(hints))
	policy := fastPolicy()
	policy.CacheCheck = true

	run(t, r, policy)
	_, snap, _ := run(t, r, policy)

	if c.checks != 1 {
		t.Errorf("checks = %d, want 1", c.checks)
	}
	// a ready resolution marks the source as cached
	if snap.Job.Cached == nil || !*snap.Job.Cached {
		t.Errorf("second run Cached = %v, want true", snap.Job.Cached)
	}
}

func TestResolve_EmptyLinks(t *testing.T) {
	f := newFake()
	f.steps = []pollStep{status(internal.StatusReady)}
	f.links = []internal.FileEntry{{Path: "nothing.bin", SizeBytes: 10}}

	_, _, err := run(t, newTestResolver(f, nil), fastPolicy())
	if !internal.IsKind(err, internal.KindEmpty) {
		t.Fatalf("expected Empty, got %v", err)
	}
	if _, _, _, deletes := f.counts(); deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
}

func TestResolve_SubmitFailureHasNothingToClean(t *testing.T) {
	f := newFake()
	f.submitErrs = []error{internal.NewInvalidSourceError("unsupported host")}

	_, snap, err := run(t, newTestResolver(f, nil), fastPolicy())
	if !internal.IsKind(err, internal.KindInvalidSource) {
		t.Fatalf("expected InvalidSource, got %v", err)
	}
	want := states(internal.StateCreated, internal.StateFailed, internal.StateFinalized)
	if !reflect.DeepEqual(snap.History, want) {
		t.Errorf("history = %v", snap.History)
	}
	if _, _, _, deletes := f.counts(); deletes != 0 {
		t.Errorf("deletes = %d, want 0", deletes)
	}
}

func TestResolve_UnknownProvider(t *testing.T) {
	r := newTestResolver(newFake(), nil)
	_, err := r.Resolve(context.Background(), internal.ResolutionRequest{ProviderID: "nope", SourceLink: "x"}, fastPolicy())
	if !internal.IsKind(err, internal.KindInvalidSource) {
		t.Errorf("expected InvalidSource, got %v", err)
	}

	h := r.Start(context.Background(), internal.ResolutionRequest{ProviderID: "nope"}, fastPolicy())
	<-h.Done()
	if _, err := h.Result(); !internal.IsKind(err, internal.KindInvalidSource) {
		t.Errorf("handle: expected InvalidSource, got %v", err)
	}
}

func TestResolve_Metrics(t *testing.T) {
	f := newFake()
	f.steps = []pollStep{status(internal.StatusPending), status(internal.StatusReady)}
	f.links = video("https://cdn.example/a.mkv")
	m := NewMetrics(prometheus.NewRegistry())

	if _, _, err := run(t, newTestResolver(f, nil, WithMetrics(m)), fastPolicy()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("fake", "ready")); got != 1 {
		t.Errorf("ready resolutions = %v", got)
	}
	if got := testutil.ToFloat64(m.PollsTotal.WithLabelValues("fake", "Pending")); got != 1 {
		t.Errorf("pending polls = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveJobs); got != 0 {
		t.Errorf("active jobs = %v", got)
	}
}

func TestCanTransition(t *testing.T) {
	if canTransition(internal.StateReady, internal.StateFailed) {
		t.Error("Ready must only lead to Finalized")
	}
	if canTransition(internal.StateSubmitted, internal.StateCacheCheck) {
		t.Error("CacheCheck only happens before submission")
	}
	for _, s := range []internal.JobState{internal.StateCreated, internal.StatePolling, internal.StateReady} {
		if canTransition(internal.StateFinalized, s) {
			t.Errorf("Finalized -> %s allowed", s)
		}
	}
	if !canTransition(internal.StatePolling, internal.StatePolling) {
		t.Error("Polling must be able to re-poll")
	}
}
