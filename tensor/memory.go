package tensor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Snapshot is a consistent view of the accountant's counters.
type Snapshot struct {
	Current        int64            `json:"current"`
	Peak           int64            `json:"peak"`
	ByCategory     map[string]int64 `json:"by_category"`
	PeakByCategory map[string]int64 `json:"peak_by_category"`
}

// Report extends a snapshot with the observation window.
type Report struct {
	Snapshot
	Duration time.Duration `json:"duration"`
}

// Accountant tracks live bytes per category with peak tracking. It is the only
// state shared between the training loop and the background sampler, so every
// access goes through its mutex.
type Accountant struct {
	mu      sync.Mutex
	current [5]int64
	peak    [5]int64
	total   int64
	peakTot int64
	started time.Time
}

// NewAccountant creates an empty accountant.
func NewAccountant() *Accountant {
	return &Accountant{started: time.Now()}
}

// Register adds bytes to a category.
func (a *Accountant) Register(cat Category, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.current[cat] += bytes
	if a.current[cat] > a.peak[cat] {
		a.peak[cat] = a.current[cat]
	}
	a.total += bytes
	if a.total > a.peakTot {
		a.peakTot = a.total
	}
}

// Unregister removes bytes from a category.
func (a *Accountant) Unregister(cat Category, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.current[cat] -= bytes
	a.total -= bytes
}

// Current returns the live byte count for a category.
func (a *Accountant) Current(cat Category) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current[cat]
}

// Snapshot returns a consistent copy of all counters.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	by := make(map[string]int64, 5)
	peaks := make(map[string]int64, 5)
	for c := ModelWeights; c <= Temporary; c++ {
		by[c.String()] = a.current[c]
		peaks[c.String()] = a.peak[c]
	}
	return Snapshot{
		Current:        a.total,
		Peak:           a.peakTot,
		ByCategory:     by,
		PeakByCategory: peaks,
	}
}

// Report returns the counters together with the elapsed observation window.
func (a *Accountant) Report() Report {
	snap := a.Snapshot()
	return Report{
		Snapshot: snap,
		Duration: time.Since(a.started),
	}
}

// Sample logs periodic accountant snapshots until the context is cancelled.
// Run it in its own goroutine.
func (a *Accountant) Sample(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.Snapshot()
			logger.Info("memory sample",
				"activity", "memory",
				"current_bytes", snap.Current,
				"peak_bytes", snap.Peak,
				"by_category", snap.ByCategory,
			)
		}
	}
}
