package zombie

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wandbctl/internal/store"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func running(updatedAgo time.Duration, runtime *int64) store.Run {
	r := store.Run{ID: "run-1", Entity: "e", Project: "p", State: store.StateRunning, RuntimeSeconds: runtime}
	if updatedAgo >= 0 {
		t := now.Add(-updatedAgo)
		r.UpdatedAt = &t
	}
	return r
}

func secs(v int64) *int64 { return &v }

func TestRecentUpdateIsNotZombie(t *testing.T) {
	assert.Nil(t, Classify(running(5*time.Minute, nil), 15, Baseline{}, now))
}

func TestMissingUpdatedAtHasNoVerdict(t *testing.T) {
	r := running(-1, secs(999999))
	assert.Nil(t, Classify(r, 15, Baseline{AvgRuntime: 10, OK: true}, now))
}

func TestStaleIsMedium(t *testing.T) {
	c := Classify(running(20*time.Minute, nil), 15, Baseline{}, now)
	require.NotNil(t, c)
	assert.Equal(t, Medium, c.Confidence)
	assert.Equal(t, []string{"no updates for 20m"}, c.Reasons)
	assert.Equal(t, "run-1", c.Name)
}

func TestExactlyAtThresholdIsZombie(t *testing.T) {
	c := Classify(running(15*time.Minute, nil), 15, Baseline{}, now)
	require.NotNil(t, c)
	assert.Equal(t, Medium, c.Confidence)
}

func TestVeryStaleIsHigh(t *testing.T) {
	c := Classify(running(35*time.Minute, nil), 15, Baseline{}, now)
	require.NotNil(t, c)
	assert.Equal(t, High, c.Confidence)
	assert.Len(t, c.Reasons, 1)
}

func TestDoubleThresholdIsHigh(t *testing.T) {
	c := Classify(running(30*time.Minute, nil), 15, Baseline{}, now)
	require.NotNil(t, c)
	assert.Equal(t, High, c.Confidence)
}

func TestRuntimeOutlierEscalates(t *testing.T) {
	c := Classify(running(20*time.Minute, secs(10800)), 15, Baseline{AvgRuntime: 3000, OK: true}, now)
	require.NotNil(t, c)
	assert.Equal(t, High, c.Confidence)
	assert.Equal(t, []string{"no updates for 20m", "runtime 3× above average"}, c.Reasons)
}

func TestRuntimeTwiceAverageAddsReasonOnly(t *testing.T) {
	c := Classify(running(20*time.Minute, secs(7000)), 15, Baseline{AvgRuntime: 3000, OK: true}, now)
	require.NotNil(t, c)
	assert.Equal(t, Medium, c.Confidence)
	assert.Equal(t, []string{"no updates for 20m", "runtime 2× above average"}, c.Reasons)
}

func TestNoBaselineSkipsRuntimeCheck(t *testing.T) {
	c := Classify(running(20*time.Minute, secs(10800)), 15, Baseline{}, now)
	require.NotNil(t, c)
	assert.Equal(t, Medium, c.Confidence)
	assert.Len(t, c.Reasons, 1)
}

func TestConfidenceNeverDowngrades(t *testing.T) {
	c := Classify(running(40*time.Minute, secs(7000)), 15, Baseline{AvgRuntime: 3000, OK: true}, now)
	require.NotNil(t, c)
	assert.Equal(t, High, c.Confidence)
	assert.Contains(t, c.Reasons, "runtime 2× above average")
}

func TestBaselineFromUsage(t *testing.T) {
	b := BaselineFrom(store.UsageStats{FinishedRuns: 2, FinishedRuntimeSeconds: 6000, TotalRuntimeSeconds: 90000})
	assert.True(t, b.OK)
	assert.Equal(t, 3000.0, b.AvgRuntime)
	assert.False(t, BaselineFrom(store.UsageStats{}).OK)
}

func TestDetectKeepsFlaggedRuns(t *testing.T) {
	fresh := running(time.Minute, nil)
	stale := running(time.Hour, nil)
	stale.ID = "run-2"
	got := Detect([]store.Run{fresh, stale}, 15, Baseline{}, now)
	require.Len(t, got, 1)
	assert.Equal(t, "run-2", got[0].ID)
}
