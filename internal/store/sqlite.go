package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLite is the default embedded mirror. Timestamps are stored as unix
// milliseconds.
type SQLite struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

func OpenSQLite(path string, log *zap.Logger) (*SQLite, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	s := &SQLite{db: db, path: path, log: log}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	log.Debug("cache opened", zap.String("path", path))
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Location() string { return s.path }

func (s *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		project TEXT NOT NULL,
		name TEXT,
		state TEXT,
		created_at INTEGER,
		updated_at INTEGER,
		runtime_seconds INTEGER,
		config TEXT,
		summary TEXT,
		gpu_count INTEGER,
		config_hash TEXT,
		synced_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_entity_project ON runs(entity, project);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	CREATE TABLE IF NOT EXISTS sync_log (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		project TEXT,
		synced_at INTEGER NOT NULL,
		run_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sync_log_scope ON sync_log(entity, project, synced_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if err := s.ensureRunColumns(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_config_hash ON runs(config_hash)")
	return err
}

// ensureRunColumns adds columns introduced after the first schema version.
func (s *SQLite) ensureRunColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(runs)")
	if err != nil {
		return err
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, ok := columns["config_hash"]; ok {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "ALTER TABLE runs ADD COLUMN config_hash TEXT"); err != nil {
		return err
	}
	return s.backfillConfigHash(ctx)
}

func (s *SQLite) backfillConfigHash(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, config FROM runs WHERE config IS NOT NULL")
	if err != nil {
		return err
	}
	type pending struct{ id, hash string }
	var todo []pending
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		cfg, err := decodeConfig(raw)
		if err != nil || len(cfg) == 0 {
			continue
		}
		todo = append(todo, pending{id: id, hash: configHash(cfg).(string)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, p := range todo {
		if _, err := s.db.ExecContext(ctx, "UPDATE runs SET config_hash = ? WHERE id = ?", p.hash, p.id); err != nil {
			return err
		}
	}
	s.log.Debug("backfilled config hashes", zap.Int("runs", len(todo)))
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) upsert(ctx context.Context, ex execer, r Run, now time.Time) error {
	cfg, err := encodeMap(r.Config)
	if err != nil {
		return fmt.Errorf("run %s: encode config: %w", r.ID, err)
	}
	sum, err := encodeMap(r.Summary)
	if err != nil {
		return fmt.Errorf("run %s: encode summary: %w", r.ID, err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO runs (id, entity, project, name, state, created_at, updated_at,
			runtime_seconds, config, summary, gpu_count, config_hash, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity=excluded.entity,
			project=excluded.project,
			name=excluded.name,
			state=excluded.state,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at,
			runtime_seconds=excluded.runtime_seconds,
			config=excluded.config,
			summary=excluded.summary,
			gpu_count=excluded.gpu_count,
			config_hash=excluded.config_hash,
			synced_at=excluded.synced_at
	`, r.ID, r.Entity, r.Project, nullIfEmpty(r.Name), string(r.State),
		millisOrNull(r.CreatedAt), millisOrNull(r.UpdatedAt),
		int64OrNull(r.RuntimeSeconds), cfg, sum, intOrNull(r.GPUCount),
		configHash(r.Config), now.UnixMilli(),
	)
	return err
}

func (s *SQLite) UpsertRun(ctx context.Context, r Run) error {
	return s.upsert(ctx, s.db, r, time.Now().UTC())
}

// UpsertRuns writes all runs in one transaction.
func (s *SQLite) UpsertRuns(ctx context.Context, runs []Run) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, r := range runs {
		if err := s.upsert(ctx, tx, r, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.log.Debug("runs upserted", zap.Int("count", len(runs)))
	return len(runs), nil
}

func (s *SQLite) where(f Filter, extra ...string) (string, []any) {
	return whereClause(f, questionMark, func(t time.Time) any { return t.UnixMilli() }, extra...)
}

func (s *SQLite) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

func (s *SQLite) QueryRuns(ctx context.Context, f Filter) ([]Run, error) {
	where, args := s.where(f)
	return s.queryRuns(ctx, "SELECT "+runColumns+" FROM runs "+where+" ORDER BY created_at DESC", args...)
}

func (s *SQLite) RecentConfigured(ctx context.Context, f Filter, n int) ([]Run, error) {
	where, args := s.where(f, "config IS NOT NULL")
	args = append(args, n)
	return s.queryRuns(ctx, "SELECT "+runColumns+" FROM runs "+where+" ORDER BY created_at DESC LIMIT ?", args...)
}

func (s *SQLite) queryRuns(ctx context.Context, q string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(sc rowScanner) (Run, error) {
	var (
		r                Run
		name, state      sql.NullString
		created, updated sql.NullInt64
		runtime, gpus    sql.NullInt64
		cfg, summary     sql.NullString
		synced           int64
	)
	if err := sc.Scan(&r.ID, &r.Entity, &r.Project, &name, &state, &created, &updated,
		&runtime, &cfg, &summary, &gpus, &synced); err != nil {
		return Run{}, err
	}
	r.Name = name.String
	r.State = State(state.String)
	r.CreatedAt = timeFromMillis(created)
	r.UpdatedAt = timeFromMillis(updated)
	if runtime.Valid {
		v := runtime.Int64
		r.RuntimeSeconds = &v
	}
	if gpus.Valid {
		v := int(gpus.Int64)
		r.GPUCount = &v
	}
	var err error
	if r.Config, err = decodeConfig(cfg.String); err != nil {
		return Run{}, fmt.Errorf("run %s: %w", r.ID, err)
	}
	if r.Summary, err = decodeSummary(summary.String); err != nil {
		return Run{}, fmt.Errorf("run %s: %w", r.ID, err)
	}
	r.SyncedAt = time.UnixMilli(synced).UTC()
	return r, nil
}

func (s *SQLite) CountRuns(ctx context.Context, f Filter) (int, error) {
	where, args := s.where(f)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs "+where, args...).Scan(&n)
	return n, err
}

func (s *SQLite) UsageStats(ctx context.Context, f Filter) (UsageStats, error) {
	where, args := s.where(f)
	var u UsageStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN state = 'finished' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'crashed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(COALESCE(runtime_seconds, 0)), 0),
			COALESCE(SUM(CASE WHEN state = 'finished' THEN COALESCE(runtime_seconds, 0) ELSE 0 END), 0),
			COALESCE(SUM(COALESCE(runtime_seconds, 0) * CASE WHEN COALESCE(gpu_count, 0) > 0 THEN gpu_count ELSE 1 END), 0),
			COUNT(DISTINCT project)
		FROM runs `+where, args...).Scan(
		&u.TotalRuns, &u.FinishedRuns, &u.FailedRuns, &u.RunningRuns, &u.CrashedRuns,
		&u.TotalRuntimeSeconds, &u.FinishedRuntimeSeconds, &u.TotalGPUSeconds, &u.ProjectCount)
	return u, err
}

func (s *SQLite) DuplicateGroups(ctx context.Context, f Filter, minCount int) ([]DuplicateGroup, error) {
	where, args := s.where(f, "config_hash IS NOT NULL")
	args = append(args, minCount)
	rows, err := s.db.QueryContext(ctx, `
		SELECT config_hash, COUNT(*),
			SUM(CASE WHEN state IN ('failed', 'crashed') THEN 1 ELSE 0 END),
			MAX(created_at), GROUP_CONCAT(id)
		FROM runs `+where+`
		GROUP BY config_hash
		HAVING COUNT(*) >= ?
		ORDER BY COUNT(*) DESC, MAX(created_at) DESC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		var latest sql.NullInt64
		var ids sql.NullString
		if err := rows.Scan(&g.ConfigHash, &g.Count, &g.Failed, &latest, &ids); err != nil {
			return nil, err
		}
		g.Latest = timeFromMillis(latest)
		g.RunIDs = splitIDs(ids.String)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) LogSync(ctx context.Context, entity, project string, runCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (id, entity, project, synced_at, run_count)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), entity, nullIfEmpty(project), time.Now().UTC().UnixMilli(), runCount)
	return err
}

func (s *SQLite) syncWhere(entity, project string) (string, []any) {
	return whereClause(Filter{Entity: entity, Project: project}, questionMark, nil)
}

func (s *SQLite) LastSync(ctx context.Context, entity, project string) (*time.Time, error) {
	where, args := s.syncWhere(entity, project)
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(synced_at) FROM sync_log "+where, args...).Scan(&last); err != nil {
		return nil, err
	}
	return timeFromMillis(last), nil
}

func (s *SQLite) SyncHistory(ctx context.Context, entity, project string, limit int) ([]SyncEvent, error) {
	where, args := s.syncWhere(entity, project)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, COALESCE(project, ''), synced_at, run_count
		FROM sync_log `+where+`
		ORDER BY synced_at DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncEvent
	for rows.Next() {
		var ev SyncEvent
		var at int64
		if err := rows.Scan(&ev.ID, &ev.Entity, &ev.Project, &at, &ev.RunCount); err != nil {
			return nil, err
		}
		ev.SyncedAt = time.UnixMilli(at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SizeBytes is the size of the database file plus its write-ahead log.
func (s *SQLite) SizeBytes(context.Context) (int64, error) {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		fi, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return 0, err
		}
		total += fi.Size()
	}
	return total, nil
}

func (s *SQLite) Version(ctx context.Context) (string, error) {
	var v string
	if err := s.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&v); err != nil {
		return "", err
	}
	return "SQLite " + v, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func millisOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func int64OrNull(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intOrNull(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
