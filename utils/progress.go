package utils

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// ProgressTracker renders provider-side job progress (0..100) while a job is polled
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	startTime time.Time
	percent   float64
	status    string
	updates   int
	mutex     sync.RWMutex
}

// PollSummary contains final polling statistics
type PollSummary struct {
	TotalTime   time.Duration
	Updates     int
	FinalStatus string
	Percent     float64
}

// NewProgressTracker creates a tracker drawing to w. A quiet tracker only records state.
func NewProgressTracker(label string, w io.Writer, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:     quiet,
		startTime: time.Now(),
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{bar . }} {{percent . }} {{string . "status"}} {{etime . }}`
		bar := pb.ProgressBarTemplate(tmpl).New(100)
		if w != nil {
			bar.SetWriter(w)
		}
		bar.Set("prefix", label+": ")
		bar.SetRefreshRate(250 * time.Millisecond)
		bar.Start()
		tracker.bar = bar
	}

	return tracker
}

// Update records the provider's latest status and progress
func (p *ProgressTracker) Update(percent float64, status string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.percent = percent
	p.status = status
	p.updates++

	if p.bar != nil {
		p.bar.SetCurrent(int64(percent))
		p.bar.Set("status", status)
	}
}

// Finish stops the bar and returns the polling summary
func (p *ProgressTracker) Finish() *PollSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.bar != nil && !p.bar.IsFinished() {
		p.bar.Finish()
	}

	return &PollSummary{
		TotalTime:   time.Since(p.startTime),
		Updates:     p.updates,
		FinalStatus: p.status,
		Percent:     p.percent,
	}
}

// GetCurrentStats returns the last recorded progress and status
func (p *ProgressTracker) GetCurrentStats() (percent float64, status string) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.percent, p.status
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

// String renders a one-line status for non-interactive output
func (s *PollSummary) String() string {
	return fmt.Sprintf("%s after %v (%d updates, %.0f%%)", s.FinalStatus, s.TotalTime.Round(time.Millisecond), s.Updates, s.Percent)
}
