package preflight

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wandbctl/internal/runconfig"
	"wandbctl/internal/store"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func failing(checks []Check) []Check {
	var out []Check
	for _, c := range checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

func TestSanityBatchSizeZero(t *testing.T) {
	checks := Sanity(map[string]any{"batch_size": 0, "seed": 42})
	bad := failing(checks)
	require.Len(t, bad, 1)
	assert.Equal(t, SeverityError, bad[0].Severity)
	assert.Contains(t, bad[0].Message, "batch_size")
	assert.Equal(t, "batch_size must be positive (got 0)", bad[0].Message)
}

func TestSanityMissingSeed(t *testing.T) {
	checks := Sanity(map[string]any{"batch_size": 32, "lr": 0.001})
	bad := failing(checks)
	require.Len(t, bad, 1)
	assert.Equal(t, SeverityWarning, bad[0].Severity)
	assert.Contains(t, bad[0].Message, "seed")
}

func TestSanityRandomSeedCounts(t *testing.T) {
	checks := Sanity(map[string]any{"random_seed": 7})
	require.Len(t, checks, 1)
	assert.True(t, checks[0].Passed)
	assert.Equal(t, "Config sanity checks passed", checks[0].Message)
	assert.Equal(t, SeverityInfo, checks[0].Severity)
}

func TestSanityLearningRateAndEpochs(t *testing.T) {
	checks := Sanity(map[string]any{"learning_rate": -0.1, "epochs": 0, "seed": 1})
	bad := failing(checks)
	require.Len(t, bad, 2)
	assert.Equal(t, "learning_rate must be positive (got -0.1)", bad[0].Message)
	assert.Equal(t, "epochs must be positive (got 0)", bad[1].Message)
}

func TestSanityIgnoresNonNumeric(t *testing.T) {
	checks := Sanity(map[string]any{"batch_size": "auto", "seed": 1})
	assert.Empty(t, failing(checks))
}

func TestSanityFromParsedYAML(t *testing.T) {
	cfg, err := runconfig.LoadYAML([]byte("batch_size: 0\nseed: 42\n"))
	require.NoError(t, err)
	bad := failing(Sanity(cfg))
	require.Len(t, bad, 1)
	assert.Contains(t, bad[0].Message, "batch_size")
}

func at(d time.Duration) *time.Time { t := now.Add(-d); return &t }

func TestDuplicateCheck(t *testing.T) {
	assert.Equal(t, "No matching configs in history", DuplicateCheck(nil, now, 24*time.Hour).Message)

	old := []store.Run{{ID: "a", State: store.StateFailed, CreatedAt: at(48 * time.Hour)}}
	c := DuplicateCheck(old, now, 24*time.Hour)
	assert.True(t, c.Passed)
	assert.Equal(t, "No recent duplicate configs found", c.Message)

	ok := []store.Run{{ID: "a", State: store.StateFinished, CreatedAt: at(time.Hour)}}
	c = DuplicateCheck(ok, now, 24*time.Hour)
	assert.False(t, c.Passed)
	assert.Equal(t, SeverityWarning, c.Severity)
	assert.Equal(t, "Identical config ran 1 time(s) in last 24h", c.Message)

	mixed := []store.Run{
		{ID: "a", State: store.StateFinished, CreatedAt: at(time.Hour)},
		{ID: "b", State: store.StateCrashed, CreatedAt: at(2 * time.Hour)},
		{ID: "c", State: store.StateFailed, CreatedAt: at(72 * time.Hour)},
	}
	c = DuplicateCheck(mixed, now, 24*time.Hour)
	assert.True(t, c.Blocking())
	assert.Equal(t, "Identical config ran 2 time(s) in last 24h (1 failed)", c.Message)
}

func TestFindDuplicatesSkipsUnconfiguredAndLimits(t *testing.T) {
	cfg := map[string]any{"lr": 0.1}
	fp := runconfig.Fingerprint(cfg)
	var candidates []store.Run
	candidates = append(candidates, store.Run{ID: "none"})
	for _, id := range []string{"m1", "x", "m2", "m3"} {
		c := cfg
		if id == "x" {
			c = map[string]any{"lr": 0.2}
		}
		candidates = append(candidates, store.Run{ID: id, Config: c})
	}
	got := FindDuplicates(fp, candidates, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
}

func TestEarlyCrashCheck(t *testing.T) {
	var runs []store.Run
	short := int64(60)
	for i := 0; i < 5; i++ {
		runs = append(runs, store.Run{State: store.StateFailed, RuntimeSeconds: &short})
	}
	runs = append(runs, store.Run{State: store.StateCrashed})
	assert.True(t, EarlyCrashCheck(runs, 5, 300).Passed)

	runs = append(runs, store.Run{State: store.StateCrashed, RuntimeSeconds: &short})
	c := EarlyCrashCheck(runs, 5, 300)
	assert.False(t, c.Passed)
	assert.Equal(t, SeverityWarning, c.Severity)
	assert.Equal(t, "6 runs failed within 5 minutes (early crash pattern)", c.Message)
}

func openMirror(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunBlocksOnRecentFailedDuplicate(t *testing.T) {
	ctx := context.Background()
	m := openMirror(t)
	cfg := map[string]any{"batch_size": 32, "seed": 1}
	require.NoError(t, m.UpsertRun(ctx, store.Run{ID: "r1", Entity: "e", Project: "p", State: store.StateCrashed, CreatedAt: at(time.Hour), Config: cfg}))
	require.NoError(t, m.UpsertRun(ctx, store.Run{ID: "r2", Entity: "e", Project: "p", State: store.StateFinished, CreatedAt: at(2 * time.Hour), Config: map[string]any{"other": true}}))

	loaded, err := runconfig.LoadYAML([]byte("seed: 1\nbatch_size: 32\n"))
	require.NoError(t, err)
	res := Run(ctx, m, loaded, Options{Scope: store.Filter{Entity: "e"}}, now)

	require.NoError(t, res.HistoryErr)
	require.NotNil(t, res.Duplicate)
	assert.Equal(t, "Identical config ran 1 time(s) in last 24h (1 failed)", res.Duplicate.Message)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "r1", res.Matches[0].ID)
	require.NotNil(t, res.EarlyCrash)
	assert.True(t, res.EarlyCrash.Passed)
	assert.True(t, res.Blocked(false))
	assert.False(t, res.Blocked(true))
}

func TestRunEmptyMirrorSkipsHistory(t *testing.T) {
	res := Run(context.Background(), openMirror(t), map[string]any{"seed": 1}, DefaultOptions(), now)
	assert.Nil(t, res.Duplicate)
	assert.Nil(t, res.EarlyCrash)
	assert.False(t, res.Blocked(false))
}

type brokenHistory struct{}

func (brokenHistory) CountRuns(context.Context, store.Filter) (int, error) {
	return 0, errors.New("disk I/O error")
}
func (brokenHistory) RecentConfigured(context.Context, store.Filter, int) ([]store.Run, error) {
	return nil, nil
}
func (brokenHistory) QueryRuns(context.Context, store.Filter) ([]store.Run, error) { return nil, nil }

func TestRunHistoryErrorDoesNotBlock(t *testing.T) {
	res := Run(context.Background(), brokenHistory{}, map[string]any{"seed": 1}, DefaultOptions(), now)
	assert.EqualError(t, res.HistoryErr, "disk I/O error")
	assert.False(t, res.Blocked(false))
}

func TestRunNilHistory(t *testing.T) {
	res := Run(context.Background(), nil, map[string]any{"batch_size": -1}, DefaultOptions(), now)
	assert.Equal(t, runconfig.Fingerprint(map[string]any{"batch_size": -1}), res.Fingerprint)
	assert.True(t, res.Blocked(false))
}
