package runtime

import (
	"sync"
	"time"
)

// Stats tracks runtime performance metrics
type Stats struct {
	TotalRuns      int64
	FailedRuns     int64
	AverageLatency time.Duration
	// KernelExecutions counts layer evaluations per kernel name.
	KernelExecutions map[string]int64
}

type statsRecorder struct {
	mu    sync.RWMutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{stats: Stats{KernelExecutions: make(map[string]int64)}}
}

func (r *statsRecorder) recordKernel(name string) {
	r.mu.Lock()
	r.stats.KernelExecutions[name]++
	r.mu.Unlock()
}

func (r *statsRecorder) recordRun(start time.Time, err error) {
	duration := time.Since(start)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.stats.FailedRuns++
		return
	}
	r.stats.TotalRuns++
	if r.stats.TotalRuns == 1 {
		r.stats.AverageLatency = duration
		return
	}
	oldTotal := r.stats.TotalRuns - 1
	r.stats.AverageLatency = time.Duration((int64(r.stats.AverageLatency)*oldTotal + int64(duration)) / r.stats.TotalRuns)
}

// snapshot returns a copy to avoid races
func (r *statsRecorder) snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := r.stats
	stats.KernelExecutions = make(map[string]int64, len(r.stats.KernelExecutions))
	for k, v := range r.stats.KernelExecutions {
		stats.KernelExecutions[k] = v
	}
	return stats
}
