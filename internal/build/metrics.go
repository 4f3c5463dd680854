package build

import (
	"sync"
	"time"
)

// MetricsSnapshot is a point-in-time copy of BuildMetrics.
type MetricsSnapshot struct {
	TotalBuilds         int64         `json:"totalBuilds"`
	SuccessfulBuilds    int64         `json:"successfulBuilds"`
	FailedBuilds        int64         `json:"failedBuilds"`
	CacheHits           int64         `json:"cacheHits"`
	Deferred            int64         `json:"deferred"`
	FollowUps           int64         `json:"followUps"`
	FingerprintFailures int64         `json:"fingerprintFailures"`
	AverageDuration     time.Duration `json:"averageDuration"`
	TotalDuration       time.Duration `json:"totalDuration"`
	LastBuildAt         time.Time     `json:"lastBuildAt,omitempty"`
}

// CacheHitRate returns cache hits as a percentage of all completed cycles.
func (s MetricsSnapshot) CacheHitRate() float64 {
	total := s.TotalBuilds + s.CacheHits
	if total == 0 {
		return 0.0
	}
	return float64(s.CacheHits) / float64(total) * 100.0
}

// SuccessRate returns the share of tool runs that succeeded, as a percentage.
func (s MetricsSnapshot) SuccessRate() float64 {
	if s.TotalBuilds == 0 {
		return 0.0
	}
	return float64(s.SuccessfulBuilds) / float64(s.TotalBuilds) * 100.0
}

// BuildMetrics tracks orchestrator activity for one project.
type BuildMetrics struct {
	mutex sync.RWMutex
	m     MetricsSnapshot
}

// NewBuildMetrics creates a new build metrics tracker
func NewBuildMetrics() *BuildMetrics {
	return &BuildMetrics{}
}

// RecordResult records a completed cycle. Cache hits are counted separately
// from builds since no tool ran.
func (bm *BuildMetrics) RecordResult(result BuildResult) {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	if result.FollowUp {
		bm.m.FollowUps++
	}

	switch {
	case result.Outcome == OutcomeCached:
		bm.m.CacheHits++
		return
	case !result.Invoked:
		// Fingerprint failed before any build started.
		bm.m.FingerprintFailures++
		return
	}

	bm.m.TotalBuilds++
	bm.m.TotalDuration += result.Duration
	bm.m.LastBuildAt = time.Now()
	if result.Error != nil {
		bm.m.FailedBuilds++
	} else {
		bm.m.SuccessfulBuilds++
	}
	bm.m.AverageDuration = bm.m.TotalDuration / time.Duration(bm.m.TotalBuilds)
}

// RecordDeferred counts a request coalesced into a pending follow-up.
func (bm *BuildMetrics) RecordDeferred() {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()
	bm.m.Deferred++
}

// RecordFingerprintFailure counts a request rejected because the project
// could not be fingerprinted.
func (bm *BuildMetrics) RecordFingerprintFailure() {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()
	bm.m.FingerprintFailures++
}

// GetSnapshot returns a snapshot of current metrics
func (bm *BuildMetrics) GetSnapshot() MetricsSnapshot {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()
	return bm.m
}

// Reset resets all metrics
func (bm *BuildMetrics) Reset() {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()
	bm.m = MetricsSnapshot{}
}
