package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"debridfetch/internal"
)

// validTransitions lists the edges of the resolution state machine.
// Finalized has no outgoing edges.
var validTransitions = map[internal.JobState][]internal.JobState{
	internal.StateCreated:    {internal.StateCacheCheck, internal.StateSubmitted, internal.StateFailed},
	internal.StateCacheCheck: {internal.StateSubmitted, internal.StateFailed},
	internal.StateSubmitted:  {internal.StatePolling, internal.StateReady, internal.StateFailed},
	internal.StatePolling:    {internal.StatePolling, internal.StateReady, internal.StateFailed},
	internal.StateReady:      {internal.StateFinalized},
	internal.StateFailed:     {internal.StateFinalized},
}

func canTransition(from, to internal.JobState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine is one request's trip through the state machine. Only the
// goroutine in run advances it; snapshot may be read from anywhere.
type machine struct {
	r        *Resolver
	handleID string
	req      internal.ResolutionRequest
	policy   Policy
	provider internal.Provider

	mu      sync.Mutex
	job     internal.ResolutionJob
	history []internal.JobState
}

func (m *machine) id() internal.ProviderID {
	return m.provider.ID()
}

func (m *machine) transition(to internal.JobState, err error) {
	m.mu.Lock()
	from := m.job.State
	if !canTransition(from, to) {
		m.mu.Unlock()
		m.r.logger.Error("Invalid transition %s -> %s for job %s", from, to, m.handleID)
		return
	}
	m.job.State = to
	if to != from {
		m.history = append(m.history, to)
	}
	job := m.job
	m.mu.Unlock()

	if to != from {
		m.r.logger.Debug("Job %s (%s): %s -> %s", m.handleID, m.id(), from, to)
	}
	if m.r.observer != nil {
		m.r.observer(Transition{HandleID: m.handleID, Provider: m.id(), From: from, To: to, Job: job, Err: err})
	}
}

func (m *machine) update(fn func(job *internal.ResolutionJob)) {
	m.mu.Lock()
	fn(&m.job)
	m.mu.Unlock()
}

func (m *machine) snapshot() (internal.ResolutionJob, []internal.JobState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job, append([]internal.JobState(nil), m.history...)
}

// run drives the request from Created to Finalized
func (m *machine) run(ctx context.Context) (*internal.ResolvedLink, error) {
	m.r.metrics.started()
	link, err := m.drive(ctx)
	m.r.metrics.finished(m.id(), err, m.r.now().Sub(m.job.StartedAt))

	if err != nil {
		m.r.logger.Info("Resolution %s via %s failed: %v", m.handleID, m.id(), err)
	} else {
		m.r.logger.Info("Resolution %s via %s ready: %s", m.handleID, m.id(), link.Filename)
	}
	return link, err
}

func (m *machine) drive(ctx context.Context) (*internal.ResolvedLink, error) {
	if m.policy.CacheCheck {
		m.cacheCheck(ctx)
	}

	jobCtx, cancel := context.WithTimeout(ctx, m.policy.Timeout)
	defer cancel()

	var sub *internal.SubmissionResult
	err := m.callAuthed(jobCtx, func(ctx context.Context) error {
		var err error
		sub, err = m.provider.Submit(ctx, m.req.SourceLink)
		return err
	})
	if err != nil {
		return nil, m.fail(ctx, jobCtx, "", err)
	}
	if !sub.IsDirect() && sub.JobID == "" {
		return nil, m.fail(ctx, jobCtx, "", internal.NewProviderUnavailableError("submit returned neither a job nor a result").
			WithProvider(m.id()).WithOp("submit"))
	}

	m.update(func(job *internal.ResolutionJob) { job.JobID = sub.JobID })
	m.transition(internal.StateSubmitted, nil)

	// only jobs this request created are ever deleted
	owned := ""
	if sub.Created {
		owned = sub.JobID
	}

	entries := sub.Direct
	if !sub.IsDirect() {
		m.transition(internal.StatePolling, nil)
		entries, err = m.poll(ctx, jobCtx, sub.JobID)
		if err != nil {
			return nil, m.fail(ctx, jobCtx, owned, err)
		}
	}

	link, err := Normalize(m.id(), entries, m.req.RequestedQuality)
	if err != nil {
		return nil, m.fail(ctx, jobCtx, owned, err)
	}

	m.transition(internal.StateReady, nil)
	if m.r.hints != nil {
		m.r.hints.Add(m.id(), m.req.SourceLink, internal.CacheStatus{Cached: true, Filename: link.Filename, Size: link.SizeBytes})
	}
	if owned != "" {
		if rc, ok := m.provider.(internal.ReadyCleaner); ok && rc.CleanupOnReady() {
			m.cleanup(ctx, owned, false)
		}
	}
	m.transition(internal.StateFinalized, nil)
	return link, nil
}

// cacheCheck records whether the provider already has the source. The
// answer is a hint for observers and never changes what happens next.
func (m *machine) cacheCheck(ctx context.Context) {
	cc, ok := m.provider.(internal.CacheChecker)
	if !ok {
		return
	}
	m.transition(internal.StateCacheCheck, nil)

	if m.r.hints != nil {
		if st, ok := m.r.hints.Get(m.id(), m.req.SourceLink); ok {
			cached := st.Cached
			m.update(func(job *internal.ResolutionJob) { job.Cached = &cached })
			return
		}
	}

	st, err := cc.CheckCached(ctx, m.req.SourceLink)
	if err != nil {
		m.r.logger.Debug("Cache check for job %s failed: %v", m.handleID, err)
		return
	}
	cached := st.Cached
	m.update(func(job *internal.ResolutionJob) { job.Cached = &cached })
	if m.r.hints != nil {
		m.r.hints.Add(m.id(), m.req.SourceLink, *st)
	}
}

// poll loops on pollStatus until the job is ready, fails, or runs out of budget
func (m *machine) poll(ctx, jobCtx context.Context, jobID string) ([]internal.FileEntry, error) {
	transient := 0
	var lastErr error
	for attempt := 1; ; attempt++ {
		if m.policy.MaxAttempts > 0 && attempt > m.policy.MaxAttempts {
			return nil, internal.NewTimeoutError(fmt.Sprintf("job not ready after %d polls", m.policy.MaxAttempts)).
				WithProvider(m.id()).WithOp("poll")
		}

		delay := m.policy.Delay(attempt)
		if transient > 0 {
			delay = m.policy.retryDelay(attempt, lastErr)
		}
		if err := sleep(jobCtx, delay); err != nil {
			return nil, m.deadlineError(ctx)
		}

		var st *internal.ProviderStatus
		err := m.callAuthed(jobCtx, func(ctx context.Context) error {
			var err error
			st, err = m.provider.PollStatus(ctx, jobID)
			return err
		})
		now := m.r.now()
		m.update(func(job *internal.ResolutionJob) {
			job.Attempts = attempt
			job.LastPolledAt = now
		})

		if err != nil {
			if jobCtx.Err() != nil {
				return nil, m.deadlineError(ctx)
			}
			kind, _ := internal.KindOf(err)
			if (kind == internal.KindRateLimited || kind == internal.KindProviderUnavailable) && transient < m.policy.MaxTransientErrors {
				transient++
				lastErr = err
				m.r.metrics.polled(m.id(), "transient_error")
				m.r.logger.Warn("Poll %d for job %s failed (%d/%d transient): %v", attempt, m.handleID, transient, m.policy.MaxTransientErrors, err)
				continue
			}
			return nil, err
		}
		transient = 0
		lastErr = nil

		m.update(func(job *internal.ResolutionJob) {
			job.ProviderRawStatus = st.Raw
			job.Progress = st.Progress
		})
		m.r.metrics.polled(m.id(), st.State.String())
		m.transition(internal.StatePolling, nil)

		switch st.State {
		case internal.StatusReady:
			var entries []internal.FileEntry
			err := m.callAuthed(jobCtx, func(ctx context.Context) error {
				var err error
				entries, err = m.provider.FetchLinks(ctx, jobID)
				return err
			})
			if err != nil {
				if jobCtx.Err() != nil {
					return nil, m.deadlineError(ctx)
				}
				return nil, err
			}
			return entries, nil
		case internal.StatusError:
			if st.Err != nil {
				return nil, st.Err
			}
			return nil, internal.NewProviderUnavailableError("provider reported an error: " + st.Raw).
				WithProvider(m.id()).WithOp("poll")
		}
	}
}

// deadlineError tells caller cancellation apart from the job's own budget
func (m *machine) deadlineError(ctx context.Context) error {
	if ctx.Err() != nil {
		return internal.NewCancelledError(ctx.Err()).WithProvider(m.id()).WithOp("poll")
	}
	return internal.NewTimeoutError(fmt.Sprintf("no terminal state within %s", m.policy.Timeout)).
		WithCause(context.DeadlineExceeded).WithProvider(m.id()).WithOp("poll")
}

// callAuthed runs fn and, when it fails with an AuthError, refreshes the
// provider's credentials and runs it exactly once more
func (m *machine) callAuthed(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || m.r.creds == nil || !internal.IsKind(err, internal.KindAuth) {
		return err
	}
	if _, rerr := m.r.creds.Refresh(ctx, m.id()); rerr != nil {
		m.r.logger.Debug("Credential refresh for %s failed: %v", m.id(), rerr)
		return err
	}
	m.r.metrics.authRetried(m.id())
	return fn(ctx)
}

// fail moves the job to Failed then Finalized and returns the error every
// caller sees. A job this request created is cleaned up best-effort.
func (m *machine) fail(ctx, jobCtx context.Context, jobID string, err error) error {
	var re *internal.ResolutionError
	switch {
	case ctx.Err() != nil:
		re = internal.NewCancelledError(ctx.Err()).WithProvider(m.id())
	case jobCtx.Err() != nil && !internal.IsKind(err, internal.KindTimeout):
		re = internal.NewTimeoutError(fmt.Sprintf("no terminal state within %s", m.policy.Timeout)).
			WithCause(context.DeadlineExceeded).WithProvider(m.id())
	default:
		var ok bool
		re, ok = internal.AsResolutionError(err)
		if !ok {
			re = internal.NewProviderUnavailableError("unexpected failure").WithCause(err).WithProvider(m.id())
		}
	}

	m.transition(internal.StateFailed, re)
	if jobID != "" {
		// a cancelled caller must not wait on cleanup
		m.cleanup(ctx, jobID, errors.Is(re, context.Canceled))
	}
	m.transition(internal.StateFinalized, re)
	return re
}

// cleanup calls deleteJob with its own bounded context. Failures are logged only.
func (m *machine) cleanup(ctx context.Context, jobID string, background bool) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.policy.CleanupTimeout)
	run := func() {
		defer cancel()
		err := m.provider.DeleteJob(cctx, jobID)
		m.r.metrics.cleanedUp(m.id(), err)
		if err != nil {
			m.r.logger.Warn("Cleanup of %s job %s failed: %v", m.id(), jobID, err)
		}
	}
	if background {
		go run()
		return
	}
	run()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
