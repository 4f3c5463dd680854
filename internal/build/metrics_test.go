package build

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildMetrics_RecordResult(t *testing.T) {
	tests := []struct {
		name     string
		results  []BuildResult
		expected MetricsSnapshot
	}{
		{
			name: "successful build",
			results: []BuildResult{
				{Outcome: OutcomeBuilt, Invoked: true, Duration: 100 * time.Millisecond},
			},
			expected: MetricsSnapshot{
				TotalBuilds:      1,
				SuccessfulBuilds: 1,
				AverageDuration:  100 * time.Millisecond,
				TotalDuration:    100 * time.Millisecond,
			},
		},
		{
			name: "failed build and follow-up",
			results: []BuildResult{
				{Outcome: OutcomeFailed, Invoked: true, Error: errors.New("x"), Duration: 40 * time.Millisecond},
				{Outcome: OutcomeBuilt, Invoked: true, FollowUp: true, Duration: 60 * time.Millisecond},
			},
			expected: MetricsSnapshot{
				TotalBuilds:      2,
				SuccessfulBuilds: 1,
				FailedBuilds:     1,
				FollowUps:        1,
				AverageDuration:  50 * time.Millisecond,
				TotalDuration:    100 * time.Millisecond,
			},
		},
		{
			name: "cache hit and fingerprint failure",
			results: []BuildResult{
				{Outcome: OutcomeCached},
				{Outcome: OutcomeFailed, Error: errors.New("unreadable"), FollowUp: true},
			},
			expected: MetricsSnapshot{
				CacheHits:           1,
				FingerprintFailures: 1,
				FollowUps:           1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bm := NewBuildMetrics()
			for _, r := range tt.results {
				bm.RecordResult(r)
			}

			got := bm.GetSnapshot()
			got.LastBuildAt = time.Time{}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestBuildMetrics_Rates(t *testing.T) {
	bm := NewBuildMetrics()
	assert.Equal(t, 0.0, bm.GetSnapshot().CacheHitRate())
	assert.Equal(t, 0.0, bm.GetSnapshot().SuccessRate())

	bm.RecordResult(BuildResult{Outcome: OutcomeBuilt, Invoked: true})
	bm.RecordResult(BuildResult{Outcome: OutcomeFailed, Invoked: true, Error: errors.New("x")})
	bm.RecordResult(BuildResult{Outcome: OutcomeCached})
	bm.RecordResult(BuildResult{Outcome: OutcomeCached})
	bm.RecordDeferred()

	snap := bm.GetSnapshot()
	assert.Equal(t, 50.0, snap.CacheHitRate())
	assert.Equal(t, 50.0, snap.SuccessRate())
	assert.Equal(t, int64(1), snap.Deferred)

	bm.Reset()
	assert.Equal(t, MetricsSnapshot{}, bm.GetSnapshot())
}
