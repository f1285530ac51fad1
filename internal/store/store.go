package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wandbctl/internal/runconfig"
)

// Mirror is the local copy of remote run data. It is owned by a single
// process for the duration of one command.
type Mirror interface {
	UpsertRun(ctx context.Context, r Run) error
	UpsertRuns(ctx context.Context, runs []Run) (int, error)
	GetRun(ctx context.Context, id string) (Run, error)
	QueryRuns(ctx context.Context, f Filter) ([]Run, error)
	CountRuns(ctx context.Context, f Filter) (int, error)
	UsageStats(ctx context.Context, f Filter) (UsageStats, error)
	// RecentConfigured returns up to n newest runs that carry a config.
	RecentConfigured(ctx context.Context, f Filter, n int) ([]Run, error)
	DuplicateGroups(ctx context.Context, f Filter, minCount int) ([]DuplicateGroup, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error)

	LogSync(ctx context.Context, entity, project string, runCount int) error
	LastSync(ctx context.Context, entity, project string) (*time.Time, error)
	SyncHistory(ctx context.Context, entity, project string, limit int) ([]SyncEvent, error)

	SizeBytes(ctx context.Context) (int64, error)
	Location() string
	Version(ctx context.Context) (string, error)
	Close() error
}

type Options struct {
	// Path of the SQLite file. Ignored when DSN is set.
	Path string
	// DSN selects the PostgreSQL backend.
	DSN    string
	Logger *zap.Logger
}

// Open returns the PostgreSQL mirror when a DSN is given, otherwise the
// embedded SQLite mirror at Path.
func Open(ctx context.Context, opts Options) (Mirror, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DSN != "" {
		return OpenPostgres(ctx, opts.DSN, opts.Logger)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("missing cache path")
	}
	return OpenSQLite(opts.Path, opts.Logger)
}

// placeholder renders the n-th (1-based) bind parameter.
type placeholder func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// whereClause builds an AND-ed WHERE clause from f plus any extra fixed
// conditions. timeArg converts the since bound into the backend's column type.
func whereClause(f Filter, ph placeholder, timeArg func(time.Time) any, extra ...string) (string, []any) {
	conds := append([]string{}, extra...)
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, ph(len(args))))
	}
	if f.Entity != "" {
		add("entity = %s", f.Entity)
	}
	if f.Project != "" {
		add("project = %s", f.Project)
	}
	if f.State != "" {
		add("state = %s", string(f.State))
	}
	if f.Since != nil {
		add("created_at >= %s", timeArg(*f.Since))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// configHash is the fingerprint persisted alongside each run with a config.
func configHash(cfg map[string]any) any {
	if len(cfg) == 0 {
		return nil
	}
	return runconfig.Fingerprint(cfg)
}

func encodeMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// decodeConfig keeps numbers exact so fingerprints recomputed from stored
// configs match the ones computed at ingestion.
func decodeConfig(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return m, nil
}

func decodeSummary(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return m, nil
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

const runColumns = `id, entity, project, name, state, created_at, updated_at,
	runtime_seconds, config, summary, gpu_count, synced_at`
