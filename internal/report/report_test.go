package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wandbctl/internal/store"
)

var now = time.Date(2024, 6, 12, 15, 0, 0, 0, time.UTC)

func mk(id, project string, state store.State, runtime int64, gpus int, created time.Time) store.Run {
	return store.Run{
		ID: id, Entity: "e", Project: project, State: state,
		RuntimeSeconds: &runtime, GPUCount: &gpus, CreatedAt: &created,
	}
}

func TestSparkline(t *testing.T) {
	assert.Equal(t, "▁▁▁", Sparkline([]int64{0, 0, 0}))
	assert.Equal(t, "█", Sparkline([]int64{5}))
	assert.Equal(t, "", Sparkline(nil))
	line := []rune(Sparkline([]int64{0, 5, 2, 8, 3}))
	require.Len(t, line, 5)
	assert.Equal(t, '█', line[3])
	assert.Equal(t, ' ', line[0])
}

func TestParseLookback(t *testing.T) {
	cases := map[string]time.Duration{
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"2w":  14 * 24 * time.Hour,
		"3m":  90 * 24 * time.Hour,
		"7D":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseLookback(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "7", "d7", "1y", "-3d"} {
		_, err := ParseLookback(bad)
		assert.Error(t, err, bad)
	}
}

func TestSinceEmptyIsNil(t *testing.T) {
	s, err := Since("", now)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Since("1d", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), *s)
}

func TestProjectsAndCosts(t *testing.T) {
	runs := []store.Run{
		mk("a", "small", store.StateFinished, 3600, 1, now),
		mk("b", "small", store.StateFailed, 1800, 1, now),
		mk("c", "small", store.StateRunning, 0, 1, now),
		mk("d", "big", store.StateFinished, 7200, 4, now),
	}
	projects := Projects(runs)
	require.Len(t, projects, 2)
	want := ProjectStats{Project: "small", Runs: 3, Finished: 1, Failed: 1, Running: 1, RuntimeSeconds: 5400, GPUSeconds: 5400}
	if diff := cmp.Diff(want, projects[0]); diff != "" {
		t.Fatalf("projects[0] mismatch (-want +got):\n%s", diff)
	}

	costs := Costs(runs, 2.5)
	assert.Equal(t, "big", costs.Projects[0].Project)
	assert.InDelta(t, 8.0, costs.Projects[0].GPUHours(), 1e-9)
	assert.InDelta(t, 20.0, costs.Projects[0].Cost(2.5), 1e-9)
	assert.Equal(t, 4, costs.TotalRuns())
	assert.InDelta(t, 9.5, costs.TotalGPUHours(), 1e-9)
	assert.InDelta(t, 23.75, costs.TotalCost(), 1e-9)
}

func TestTop(t *testing.T) {
	runs := []store.Run{
		mk("long", "p", store.StateFinished, 10000, 1, now),
		mk("wide", "p", store.StateFinished, 5000, 8, now),
		mk("short", "p", store.StateFinished, 100, 1, now),
	}
	byRuntime := Top(runs, ByRuntime, 2)
	require.Len(t, byRuntime, 2)
	assert.Equal(t, "long", byRuntime[0].ID)

	byGPU := Top(runs, ByGPUHours, 10)
	require.Len(t, byGPU, 3)
	assert.Equal(t, "wide", byGPU[0].ID)
	assert.Equal(t, "long", runs[0].ID, "input order is preserved")

	_, err := ParseSortBy("memory")
	assert.Error(t, err)
}

func TestTrendsByDayFillsGaps(t *testing.T) {
	since := now.Add(-3 * 24 * time.Hour)
	runs := []store.Run{
		mk("a", "p", store.StateFinished, 60, 1, now.Add(-3*24*time.Hour)),
		mk("b", "p", store.StateFinished, 60, 1, now),
		mk("c", "p", store.StateFinished, 60, 1, now.Add(-time.Hour)),
		mk("old", "p", store.StateFinished, 60, 1, now.Add(-30*24*time.Hour)),
	}
	rep := Trends(runs, since, now, ByDay)
	var keys []string
	for _, b := range rep.Buckets {
		keys = append(keys, b.Key)
	}
	assert.Equal(t, []string{"2024-06-09", "2024-06-10", "2024-06-11", "2024-06-12"}, keys)
	assert.Equal(t, []int64{1, 0, 0, 2}, rep.RunCounts())
	assert.Equal(t, int64(3), rep.TotalRuns())
	assert.Equal(t, int64(180), rep.TotalRuntime())
	assert.InDelta(t, 1.5, rep.AverageRuns(), 1e-9)

	peak, ok := rep.Peak()
	require.True(t, ok)
	assert.Equal(t, "2024-06-12", peak.Key)
	assert.Equal(t, int64(2), peak.Runs)
}

func TestTrendsByISOWeek(t *testing.T) {
	since := now.Add(-14 * 24 * time.Hour)
	runs := []store.Run{
		mk("a", "p", store.StateFinished, 60, 1, time.Date(2024, 6, 10, 1, 0, 0, 0, time.UTC)),
		mk("b", "p", store.StateFinished, 60, 1, time.Date(2024, 6, 2, 23, 0, 0, 0, time.UTC)),
	}
	rep := Trends(runs, since, now, ByWeek)
	var keys []string
	for _, b := range rep.Buckets {
		keys = append(keys, b.Key)
	}
	assert.Equal(t, []string{"2024-W22", "2024-W23", "2024-W24"}, keys)
	assert.Equal(t, []int64{1, 0, 1}, rep.RunCounts())
}

func TestTrendsEmptyAverage(t *testing.T) {
	rep := Trends(nil, now.Add(-24*time.Hour), now, ByDay)
	assert.Zero(t, rep.AverageRuns())
	assert.Equal(t, "▁▁", Sparkline(rep.RunCounts()))
}

func TestFailures(t *testing.T) {
	runs := []store.Run{
		mk("a", "p1", store.StateFailed, 60, 1, now),
		mk("b", "p1", store.StateCrashed, 600, 1, now),
		mk("c", "p2", store.StateFailed, 7200, 1, now),
		mk("d", "p2", store.StateFinished, 7200, 1, now),
	}
	noRuntime := store.Run{ID: "e", Project: "p1", State: store.StateCrashed}
	runs = append(runs, noRuntime)

	rep := Failures(runs)
	assert.Equal(t, 5, rep.Total)
	assert.Equal(t, 4, rep.Failed)
	assert.Equal(t, 2, rep.Early)
	assert.Equal(t, 1, rep.Medium)
	assert.Equal(t, 1, rep.Late)
	assert.InDelta(t, 80.0, rep.Rate(), 1e-9)
	assert.Equal(t, []ProjectCount{{"p1", 3}, {"p2", 1}}, rep.ByProject)
}

func TestSummaryLine(t *testing.T) {
	u := store.UsageStats{TotalRuns: 4, FinishedRuns: 2, FailedRuns: 1, RunningRuns: 1, TotalRuntimeSeconds: 13200, TotalGPUSeconds: 3600 * 10}
	assert.Equal(t, "4 runs | 2 ok | 1 fail | 1 running | 3h 40m runtime | 10 GPU-hrs | 50% success", SummaryLine(u))
	assert.Equal(t, "0 runs | 0 ok | 0 fail | 0s runtime | 0 GPU-hrs | 0% success", SummaryLine(store.UsageStats{}))
}

func TestMatchRunsPrefersExactThenPrefix(t *testing.T) {
	runs := []store.Run{{ID: "abc123"}, {ID: "abc"}, {ID: "zzz999"}}
	found, missing := MatchRuns(runs, []string{"abc", "zzz", "nope"})
	require.Len(t, found, 2)
	assert.Equal(t, "abc", found[0].ID)
	assert.Equal(t, "zzz999", found[1].ID)
	assert.Equal(t, []string{"nope"}, missing)
}

func TestCompare(t *testing.T) {
	a := store.Run{ID: "run-a", Name: "alpha", State: store.StateFinished, Project: "p",
		Config:  map[string]any{"lr": json.Number("0.1"), "seed": json.Number("1")},
		Summary: map[string]any{"loss": 0.123456, "epoch": 10.0, "_runtime": 50.0}}
	b := store.Run{ID: "run-b", State: store.StateFailed, Project: "p",
		Config:  map[string]any{"lr": json.Number("0.2"), "seed": json.Number("1"), "extra": "x"},
		Summary: map[string]any{"loss": 0.5}}

	c, err := Compare([]store.Run{a, b})
	require.NoError(t, err)

	assert.Equal(t, Row{Key: "name", Values: []string{"alpha", "run-b"}}, c.Info[0])

	require.Len(t, c.Config, 3)
	assert.Equal(t, "extra", c.Config[0].Key)
	assert.Equal(t, []string{"—", "x"}, c.Config[0].Values)
	assert.Equal(t, []bool{false, true}, c.Config[0].Differs)
	assert.Equal(t, []bool{false, true}, c.Config[1].Differs)
	assert.Equal(t, []bool{false, false}, c.Config[2].Differs)

	require.Len(t, c.Metrics, 2)
	assert.Equal(t, Row{Key: "epoch", Values: []string{"10", "—"}}, c.Metrics[0])
	assert.Equal(t, Row{Key: "loss", Values: []string{"0.1235", "0.5000"}}, c.Metrics[1])

	_, err = Compare([]store.Run{a})
	assert.ErrorIs(t, err, ErrCompareCount)
}

func TestExportDropsInternalSummary(t *testing.T) {
	r := mk("a", "p", store.StateFinished, 60, 2, now)
	r.Name = "alpha"
	r.Summary = map[string]any{"loss": 0.5, "_step": 3.0}
	r.Config = map[string]any{"seed": 1}

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, Export([]store.Run{r}), false))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0]["id"])
	assert.Equal(t, map[string]any{"loss": 0.5}, got[0]["summary"])
	assert.EqualValues(t, 60, got[0]["runtime_seconds"])
	assert.Equal(t, "2024-06-12T15:00:00Z", got[0]["created_at"])
}

func TestWriteJSONPretty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, []ExportRecord{}, true))
	assert.Equal(t, "[]\n", buf.String())
}
