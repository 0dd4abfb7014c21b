package resolver

import (
	"context"
	"sync"

	"debridfetch/internal"
)

// Handle is a resolution running in the background
type Handle struct {
	id     string
	req    internal.ResolutionRequest
	cancel context.CancelFunc
	done   chan struct{}
	m      *machine

	once sync.Once
	link *internal.ResolvedLink
	err  error
}

// Snapshot is a point-in-time view of a running or finished resolution
type Snapshot struct {
	ID      string
	Request internal.ResolutionRequest
	Job     internal.ResolutionJob
	History []internal.JobState
	Done    bool
	Link    *internal.ResolvedLink
	Err     error
}

// ID returns the handle id
func (h *Handle) ID() string { return h.id }

// Request returns the request the handle was started with
func (h *Handle) Request() internal.ResolutionRequest { return h.req }

// Cancel asks the resolution to stop. Polling stops promptly and any
// provider-side job is deleted in the background.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the resolution reaches Finalized
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result blocks until the resolution finishes and returns its outcome
func (h *Handle) Result() (*internal.ResolvedLink, error) {
	<-h.done
	return h.link, h.err
}

// Wait is Result bounded by ctx
func (h *Handle) Wait(ctx context.Context) (*internal.ResolvedLink, error) {
	select {
	case <-h.done:
		return h.link, h.err
	case <-ctx.Done():
		return nil, internal.NewCancelledError(ctx.Err())
	}
}

// Snapshot returns the current state without blocking
func (h *Handle) Snapshot() Snapshot {
	s := Snapshot{ID: h.id, Request: h.req}
	if h.m != nil {
		s.Job, s.History = h.m.snapshot()
	}
	select {
	case <-h.done:
		s.Done = true
		s.Link, s.Err = h.link, h.err
	default:
	}
	return s
}

func (h *Handle) finish(link *internal.ResolvedLink, err error) {
	h.once.Do(func() {
		h.link, h.err = link, err
		close(h.done)
	})
}
