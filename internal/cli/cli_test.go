package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wandbctl/internal/store"
)

type harness struct {
	t     *testing.T
	dir   string
	cache string
	cfg   string
	now   time.Time
	stdin string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{"WANDB_API_KEY", "WANDB_ENTITY", "WANDB_PROJECT", "WANDB_BASE_URL", "WANDBCTL_CACHE", "DATABASE_URL"} {
		t.Setenv(k, "")
	}
	t.Setenv("NETRC", filepath.Join(dir, "netrc"))
	h := &harness{
		t:     t,
		dir:   dir,
		cache: filepath.Join(dir, "cache.db"),
		cfg:   filepath.Join(dir, "config.toml"),
		now:   time.Now().UTC().Truncate(time.Second),
	}
	prev := nowFunc
	nowFunc = func() time.Time { return h.now }
	t.Cleanup(func() { nowFunc = prev })
	return h
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out, &out)
	cmd.SetIn(strings.NewReader(h.stdin))
	cmd.SetArgs(append([]string{"--cache", h.cache, "--config", h.cfg}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) seed(runs ...store.Run) {
	h.t.Helper()
	m, err := store.OpenSQLite(h.cache, nil)
	require.NoError(h.t, err)
	defer m.Close()
	_, err = m.UpsertRuns(context.Background(), runs)
	require.NoError(h.t, err)
}

func (h *harness) ago(d time.Duration) *time.Time {
	t := h.now.Add(-d)
	return &t
}

func ptr[T any](v T) *T { return &v }

func (h *harness) mkRun(id, project string, state store.State, runtime int64, gpus int, created time.Duration) store.Run {
	return store.Run{
		ID:             id,
		Entity:         "me",
		Project:        project,
		Name:           "run-" + id,
		State:          state,
		CreatedAt:      h.ago(created),
		UpdatedAt:      h.ago(created),
		RuntimeSeconds: ptr(runtime),
		GPUCount:       ptr(gpus),
	}
}

func TestReportsOnEmptyCache(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"usage", "costs", "top", "trends", "failures", "projects", "duplicates"} {
		out, err := h.run(name)
		require.NoError(t, err, name)
		assert.Contains(t, out, "No cached runs. Run 'wandbctl sync' first.", name)
	}
}

func TestUsageAndSummary(t *testing.T) {
	h := newHarness(t)
	h.seed(
		h.mkRun("a1", "vision", store.StateFinished, 3600, 2, time.Hour),
		h.mkRun("a2", "vision", store.StateFailed, 120, 1, 2*time.Hour),
		h.mkRun("a3", "nlp", store.StateRunning, 600, 1, 3*time.Hour),
	)

	out, err := h.run("usage")
	require.NoError(t, err)
	assert.Contains(t, out, "Data source: cache")
	assert.Contains(t, out, "Total runs")
	assert.Contains(t, out, "GPU-hours")

	out, err = h.run("summary")
	require.NoError(t, err)
	assert.Contains(t, out, "3 runs | 1 ok | 1 fail | 1 running")
}

func TestCostsHonorsRate(t *testing.T) {
	h := newHarness(t)
	h.seed(h.mkRun("a1", "vision", store.StateFinished, 3600, 2, time.Hour))

	out, err := h.run("costs", "--rate", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "$2.00")
	assert.Contains(t, out, "Rate: $1.00/GPU-hour | Change with --rate")
}

func TestCostsDefaultRateFromSettings(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.cfg, []byte("gpu_rate = 4.0\n"), 0o644))
	h.seed(h.mkRun("a1", "vision", store.StateFinished, 3600, 1, time.Hour))

	out, err := h.run("costs")
	require.NoError(t, err)
	assert.Contains(t, out, "Rate: $4.00/GPU-hour")
}

func TestTopLimitsAndValidates(t *testing.T) {
	h := newHarness(t)
	h.seed(
		h.mkRun("a1", "vision", store.StateFinished, 100, 1, time.Hour),
		h.mkRun("a2", "vision", store.StateFinished, 900, 1, time.Hour),
		h.mkRun("a3", "vision", store.StateFinished, 500, 1, time.Hour),
	)

	out, err := h.run("top", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Showing 2 of 3 runs. Use -n to show more.")
	assert.Contains(t, out, "run-a2")
	assert.NotContains(t, out, "run-a1")

	_, err = h.run("top", "--by", "memory")
	assert.Error(t, err)
}

func TestTrendsAndFailures(t *testing.T) {
	h := newHarness(t)
	h.seed(
		h.mkRun("a1", "vision", store.StateFailed, 60, 1, 24*time.Hour),
		h.mkRun("a2", "vision", store.StateCrashed, 7200, 1, 48*time.Hour),
		h.mkRun("a3", "nlp", store.StateFinished, 300, 1, 48*time.Hour),
	)

	out, err := h.run("trends", "--last", "7d")
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 3 runs")

	_, err = h.run("trends", "--group", "month")
	assert.Error(t, err)

	out, err = h.run("failures")
	require.NoError(t, err)
	assert.Contains(t, out, "Failure rate: 66.7% (2 of 3 runs)")
	assert.Contains(t, out, "failed in under 5 minutes")
}

func TestZombiesOffline(t *testing.T) {
	h := newHarness(t)
	stuck := h.mkRun("z1", "vision", store.StateRunning, 600, 1, 3*time.Hour)
	stuck.UpdatedAt = h.ago(40 * time.Minute)
	fresh := h.mkRun("z2", "vision", store.StateRunning, 600, 1, time.Hour)
	fresh.UpdatedAt = h.ago(time.Minute)
	h.seed(stuck, fresh)

	out, err := h.run("zombies", "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, "Found 1 potential zombie run(s)")
	assert.Contains(t, out, "high")
	assert.Contains(t, out, "Verify these runs manually before terminating.")

	out, err = h.run("zombies", "--offline", "--threshold", "60")
	require.NoError(t, err)
	assert.Contains(t, out, "No zombies detected among 2 running runs.")
}

func TestZombiesOfflineNoRunning(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("zombies", "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, "No running runs found.")
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "train.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestPreflightPassesOnEmptyCache(t *testing.T) {
	h := newHarness(t)
	cfg := writeConfig(t, h.dir, "lr: 0.001\nbatch_size: 32\nseed: 7\n")

	out, err := h.run("preflight", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Config hash: ")
	assert.Contains(t, out, "All checks passed. Safe to launch.")
}

func TestPreflightBlocksOnFailedDuplicate(t *testing.T) {
	h := newHarness(t)
	cfg := writeConfig(t, h.dir, "lr: 0.001\nbatch_size: 32\nseed: 7\n")
	dup := h.mkRun("d1", "vision", store.StateCrashed, 30, 1, 2*time.Hour)
	dup.Config = map[string]any{"lr": 0.001, "batch_size": 32, "seed": 7}
	h.seed(dup)

	out, err := h.run("preflight", cfg)
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.Code)
	assert.Contains(t, out, "Identical config ran 1 time(s) in last 24h (1 failed)")
	assert.Contains(t, out, "Fix issues or run with --force")

	out, err = h.run("preflight", "--warn-only", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Preflight passed with warnings")

	out, err = h.run("preflight", "--force", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Preflight passed (forced)")
}

func TestPreflightBadConfig(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("preflight", filepath.Join(h.dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestDuplicatesGroupsIdenticalConfigs(t *testing.T) {
	h := newHarness(t)
	a := h.mkRun("d1", "vision", store.StateFinished, 30, 1, time.Hour)
	b := h.mkRun("d2", "vision", store.StateFailed, 30, 1, 2*time.Hour)
	c := h.mkRun("d3", "vision", store.StateFinished, 30, 1, 3*time.Hour)
	a.Config = map[string]any{"lr": 0.1}
	b.Config = map[string]any{"lr": 0.1}
	c.Config = map[string]any{"lr": 0.2}
	h.seed(a, b, c)

	out, err := h.run("duplicates")
	require.NoError(t, err)
	assert.Contains(t, out, "Duplicate Configs (1)")
}

func TestCleanDryRunThenConfirm(t *testing.T) {
	h := newHarness(t)
	h.seed(
		h.mkRun("old1", "vision", store.StateFinished, 30, 1, 200*24*time.Hour),
		h.mkRun("new1", "vision", store.StateFinished, 30, 1, time.Hour),
	)

	out, err := h.run("clean", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Would delete 1 runs:")

	h.stdin = "n\n"
	out, err = h.run("clean")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted")

	h.stdin = "y\n"
	out, err = h.run("clean")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 runs from cache")

	out, err = h.run("clean")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs older than 90 days found")
}

func TestExportWritesJSON(t *testing.T) {
	h := newHarness(t)
	r := h.mkRun("e1", "vision", store.StateFinished, 30, 1, time.Hour)
	r.Summary = map[string]any{"loss": 0.25, "_runtime": 30}
	h.seed(r, h.mkRun("e2", "vision", store.StateFailed, 30, 1, time.Hour))

	path := filepath.Join(h.dir, "runs.json")
	out, err := h.run("export", "-o", path, "--state", "finished")
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 1 runs to "+path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal(b, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "e1", recs[0]["id"])
	assert.Equal(t, map[string]any{"loss": 0.25}, recs[0]["summary"])
}

func TestCompare(t *testing.T) {
	h := newHarness(t)
	a := h.mkRun("c1", "vision", store.StateFinished, 30, 1, time.Hour)
	b := h.mkRun("c2", "vision", store.StateFinished, 60, 1, time.Hour)
	a.Config = map[string]any{"lr": 0.1}
	b.Config = map[string]any{"lr": 0.2}
	h.seed(a, b)

	out, err := h.run("compare", "c1", "c2")
	require.NoError(t, err)
	assert.Contains(t, out, "Config")
	assert.Contains(t, out, "0.2 *")

	_, err = h.run("compare", "c1")
	assert.Error(t, err)

	_, err = h.run("compare", "c1", "nope")
	assert.ErrorContains(t, err, "not found in cache: nope")
}

func TestStatusAndDBInit(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("db", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema ready at "+h.cache)

	out, err = h.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Cache location")
	assert.Contains(t, out, "never")
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2024-05-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), *got)

	got, err = parseSince("2d", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), *got)

	got, err = parseSince("", now)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseSince("yesterday", now)
	assert.Error(t, err)
}

// fakeWandb answers the viewer and runs queries for one project.
func fakeWandb(t *testing.T, nodes []map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var data any
		switch {
		case strings.Contains(req.Query, "viewer"):
			data = map[string]any{"viewer": map[string]any{"entity": "me"}}
		case strings.Contains(req.Query, "run(name"):
			var found any
			for _, n := range nodes {
				if n["name"] == req.Variables["name"] {
					found = n
				}
			}
			data = map[string]any{"project": map[string]any{"run": found}}
		default:
			filters, _ := req.Variables["filters"].(string)
			var edges []any
			for _, n := range nodes {
				if strings.Contains(filters, `"running"`) && n["state"] != "running" {
					continue
				}
				edges = append(edges, map[string]any{"node": n})
			}
			data = map[string]any{"project": map[string]any{"runs": map[string]any{
				"edges":    edges,
				"pageInfo": map[string]any{"hasNextPage": false},
			}}}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncThenReport(t *testing.T) {
	h := newHarness(t)
	heartbeat := h.now.Add(-time.Minute).Format(time.RFC3339)
	srv := fakeWandb(t, []map[string]any{
		{"name": "s1", "displayName": "first", "state": "finished", "createdAt": "2024-05-01T10:00:00Z", "heartbeatAt": heartbeat,
			"config": `{"lr": {"value": 0.1}}`, "summaryMetrics": `{"_runtime": 3600, "_wandb": {"gpu_count": 1}}`},
		{"name": "s2", "displayName": "second", "state": "running", "createdAt": "2024-05-02T10:00:00Z", "heartbeatAt": heartbeat,
			"config": `{}`, "summaryMetrics": `{"_runtime": 60}`},
	})
	t.Setenv("WANDB_BASE_URL", srv.URL)
	t.Setenv("WANDB_API_KEY", "key")

	out, err := h.run("sync", "-e", "me", "-p", "proj")
	require.NoError(t, err)
	assert.Contains(t, out, "Synced 2 runs to cache")

	out, err = h.run("projects")
	require.NoError(t, err)
	assert.Contains(t, out, "proj")

	out, err = h.run("zombies", "-e", "me", "-p", "proj")
	require.NoError(t, err)
	assert.Contains(t, out, "No zombies detected among 1 running runs.")

	out, err = h.run("health")
	require.NoError(t, err)
	assert.Contains(t, out, "Connected as me")
	assert.Contains(t, out, "2 runs")
}

func TestZombiesBaselineUsesResolvedEntity(t *testing.T) {
	h := newHarness(t)
	h.seed(
		h.mkRun("m1", "proj", store.StateFinished, 3000, 1, 24*time.Hour),
		store.Run{ID: "o1", Entity: "someone-else", Project: "proj", State: store.StateFinished,
			CreatedAt: h.ago(24 * time.Hour), RuntimeSeconds: ptr(int64(100000))},
	)
	srv := fakeWandb(t, []map[string]any{
		{"name": "z1", "displayName": "z", "state": "running", "createdAt": "2024-05-01T10:00:00Z",
			"heartbeatAt": h.now.Add(-20 * time.Minute).Format(time.RFC3339),
			"config": `{}`, "summaryMetrics": `{"_runtime": 10800}`},
	})
	t.Setenv("WANDB_BASE_URL", srv.URL)
	t.Setenv("WANDB_API_KEY", "key")

	out, err := h.run("zombies", "-p", "proj")
	require.NoError(t, err)
	assert.Contains(t, out, "high")
	assert.Contains(t, out, "runtime 3× above average")
}

func TestCompareKeepsArgumentOrderWithRemoteRuns(t *testing.T) {
	h := newHarness(t)
	cached := h.mkRun("c1", "proj", store.StateFinished, 30, 1, time.Hour)
	cached.Config = map[string]any{"lr": 0.1}
	h.seed(cached)
	srv := fakeWandb(t, []map[string]any{
		{"name": "r2", "displayName": "remote", "state": "finished", "createdAt": "2024-05-01T10:00:00Z",
			"heartbeatAt": "2024-05-01T11:00:00Z", "config": `{"lr": {"value": 0.2}}`, "summaryMetrics": `{"_runtime": 60}`},
	})
	t.Setenv("WANDB_BASE_URL", srv.URL)
	t.Setenv("WANDB_API_KEY", "key")

	out, err := h.run("compare", "-e", "me", "-p", "proj", "r2", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "0.1 *")
	assert.NotContains(t, out, "0.2 *")
	assert.Less(t, strings.Index(out, "remote"), strings.Index(out, "run-c1"))
}

func TestHealthNeverSyncedFails(t *testing.T) {
	h := newHarness(t)
	srv := fakeWandb(t, nil)
	t.Setenv("WANDB_BASE_URL", srv.URL)
	t.Setenv("WANDB_API_KEY", "key")

	out, err := h.run("health")
	require.NoError(t, err)
	assert.Contains(t, out, "Connected as me")
	assert.Contains(t, out, "Never synced")
	assert.Contains(t, out, "Some checks failed")
}
