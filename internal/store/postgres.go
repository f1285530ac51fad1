package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres mirrors runs into the wandbctl schema of a PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
	dsn  string
}

const postgresSchema = `
CREATE SCHEMA IF NOT EXISTS wandbctl;
CREATE TABLE IF NOT EXISTS wandbctl.runs (
	id TEXT PRIMARY KEY,
	entity TEXT NOT NULL,
	project TEXT NOT NULL,
	name TEXT,
	state TEXT,
	created_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ,
	runtime_seconds BIGINT,
	config JSONB,
	summary JSONB,
	gpu_count INTEGER,
	config_hash TEXT,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_runs_entity_project ON wandbctl.runs(entity, project);
CREATE INDEX IF NOT EXISTS idx_runs_state ON wandbctl.runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_created ON wandbctl.runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_config_hash ON wandbctl.runs(config_hash);
CREATE TABLE IF NOT EXISTS wandbctl.sync_log (
	id UUID PRIMARY KEY,
	entity TEXT NOT NULL,
	project TEXT,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	run_count INTEGER NOT NULL DEFAULT 0
);
`

func OpenPostgres(ctx context.Context, dsn string, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Debug("postgres mirror opened", zap.String("host", cfg.ConnConfig.Host), zap.String("database", cfg.ConnConfig.Database))
	return &Postgres{pool: pool, log: log, dsn: fmt.Sprintf("postgres://%s/%s", cfg.ConnConfig.Host, cfg.ConnConfig.Database)}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Location is the DSN without credentials.
func (p *Postgres) Location() string { return p.dsn }

func (p *Postgres) where(f Filter, extra ...string) (string, []any) {
	return whereClause(f, dollar, func(t time.Time) any { return t.UTC() }, extra...)
}

func (p *Postgres) upsertArgs(r Run, now time.Time) ([]any, error) {
	cfg, err := encodeMap(r.Config)
	if err != nil {
		return nil, fmt.Errorf("run %s: encode config: %w", r.ID, err)
	}
	sum, err := encodeMap(r.Summary)
	if err != nil {
		return nil, fmt.Errorf("run %s: encode summary: %w", r.ID, err)
	}
	return []any{r.ID, r.Entity, r.Project, nullIfEmpty(r.Name), string(r.State),
		r.CreatedAt, r.UpdatedAt, r.RuntimeSeconds, cfg, sum, r.GPUCount,
		configHash(r.Config), now}, nil
}

const pgUpsertRun = `
	INSERT INTO wandbctl.runs (id, entity, project, name, state, created_at, updated_at,
		runtime_seconds, config, summary, gpu_count, config_hash, synced_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10::jsonb,$11,$12,$13)
	ON CONFLICT (id) DO UPDATE SET
	  entity=EXCLUDED.entity,
	  project=EXCLUDED.project,
	  name=EXCLUDED.name,
	  state=EXCLUDED.state,
	  created_at=EXCLUDED.created_at,
	  updated_at=EXCLUDED.updated_at,
	  runtime_seconds=EXCLUDED.runtime_seconds,
	  config=EXCLUDED.config,
	  summary=EXCLUDED.summary,
	  gpu_count=EXCLUDED.gpu_count,
	  config_hash=EXCLUDED.config_hash,
	  synced_at=EXCLUDED.synced_at
`

func (p *Postgres) UpsertRun(ctx context.Context, r Run) error {
	args, err := p.upsertArgs(r, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, pgUpsertRun, args...)
	return err
}

// UpsertRuns writes all runs in one transaction.
func (p *Postgres) UpsertRuns(ctx context.Context, runs []Run) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, r := range runs {
		args, err := p.upsertArgs(r, now)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, pgUpsertRun, args...); err != nil {
			return 0, fmt.Errorf("run %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	p.log.Debug("runs upserted", zap.Int("count", len(runs)))
	return len(runs), nil
}

const pgRunColumns = `id, entity, project, COALESCE(name, ''), COALESCE(state, ''), created_at, updated_at,
	runtime_seconds, config::text, summary::text, gpu_count, synced_at`

func (p *Postgres) GetRun(ctx context.Context, id string) (Run, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+pgRunColumns+" FROM wandbctl.runs WHERE id=$1", id)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) QueryRuns(ctx context.Context, f Filter) ([]Run, error) {
	where, args := p.where(f)
	return p.queryRuns(ctx, "SELECT "+pgRunColumns+" FROM wandbctl.runs "+where+" ORDER BY created_at DESC NULLS LAST", args...)
}

func (p *Postgres) RecentConfigured(ctx context.Context, f Filter, n int) ([]Run, error) {
	where, args := p.where(f, "config IS NOT NULL")
	args = append(args, n)
	q := fmt.Sprintf("SELECT %s FROM wandbctl.runs %s ORDER BY created_at DESC NULLS LAST LIMIT $%d", pgRunColumns, where, len(args))
	return p.queryRuns(ctx, q, args...)
}

func (p *Postgres) queryRuns(ctx context.Context, q string, args ...any) ([]Run, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPgRun(sc rowScanner) (Run, error) {
	var (
		r            Run
		name, state  *string
		cfg, summary *string
	)
	if err := sc.Scan(&r.ID, &r.Entity, &r.Project, &name, &state, &r.CreatedAt, &r.UpdatedAt,
		&r.RuntimeSeconds, &cfg, &summary, &r.GPUCount, &r.SyncedAt); err != nil {
		return Run{}, err
	}
	if name != nil {
		r.Name = *name
	}
	if state != nil {
		r.State = State(*state)
	}
	var err error
	if cfg != nil {
		if r.Config, err = decodeConfig(*cfg); err != nil {
			return Run{}, fmt.Errorf("run %s: %w", r.ID, err)
		}
	}
	if summary != nil {
		if r.Summary, err = decodeSummary(*summary); err != nil {
			return Run{}, fmt.Errorf("run %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func (p *Postgres) CountRuns(ctx context.Context, f Filter) (int, error) {
	where, args := p.where(f)
	var n int
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM wandbctl.runs "+where, args...).Scan(&n)
	return n, err
}

func (p *Postgres) UsageStats(ctx context.Context, f Filter) (UsageStats, error) {
	where, args := p.where(f)
	var u UsageStats
	err := p.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 'finished'),
			COUNT(*) FILTER (WHERE state = 'failed'),
			COUNT(*) FILTER (WHERE state = 'running'),
			COUNT(*) FILTER (WHERE state = 'crashed'),
			COALESCE(SUM(COALESCE(runtime_seconds, 0)), 0)::bigint,
			COALESCE(SUM(runtime_seconds) FILTER (WHERE state = 'finished'), 0)::bigint,
			COALESCE(SUM(COALESCE(runtime_seconds, 0) * CASE WHEN COALESCE(gpu_count, 0) > 0 THEN gpu_count ELSE 1 END), 0)::bigint,
			COUNT(DISTINCT project)
		FROM wandbctl.runs `+where, args...).Scan(
		&u.TotalRuns, &u.FinishedRuns, &u.FailedRuns, &u.RunningRuns, &u.CrashedRuns,
		&u.TotalRuntimeSeconds, &u.FinishedRuntimeSeconds, &u.TotalGPUSeconds, &u.ProjectCount)
	return u, err
}

func (p *Postgres) DuplicateGroups(ctx context.Context, f Filter, minCount int) ([]DuplicateGroup, error) {
	where, args := p.where(f, "config_hash IS NOT NULL")
	args = append(args, minCount)
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT config_hash, COUNT(*),
			COUNT(*) FILTER (WHERE state IN ('failed', 'crashed')),
			MAX(created_at), string_agg(id, ',' ORDER BY created_at DESC)
		FROM wandbctl.runs %s
		GROUP BY config_hash
		HAVING COUNT(*) >= $%d
		ORDER BY COUNT(*) DESC, MAX(created_at) DESC NULLS LAST
	`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		var ids string
		if err := rows.Scan(&g.ConfigHash, &g.Count, &g.Failed, &g.Latest, &ids); err != nil {
			return nil, err
		}
		g.RunIDs = splitIDs(ids)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, "DELETE FROM wandbctl.runs WHERE created_at < $1", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) LogSync(ctx context.Context, entity, project string, runCount int) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO wandbctl.sync_log (id, entity, project, synced_at, run_count)
		VALUES ($1,$2,$3,$4,$5)
	`, uuid.New(), entity, nullIfEmpty(project), time.Now().UTC(), runCount)
	return err
}

func (p *Postgres) LastSync(ctx context.Context, entity, project string) (*time.Time, error) {
	where, args := whereClause(Filter{Entity: entity, Project: project}, dollar, nil)
	var last *time.Time
	if err := p.pool.QueryRow(ctx, "SELECT MAX(synced_at) FROM wandbctl.sync_log "+where, args...).Scan(&last); err != nil {
		return nil, err
	}
	return last, nil
}

func (p *Postgres) SyncHistory(ctx context.Context, entity, project string, limit int) ([]SyncEvent, error) {
	where, args := whereClause(Filter{Entity: entity, Project: project}, dollar, nil)
	args = append(args, limit)
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT id::text, entity, COALESCE(project, ''), synced_at, run_count
		FROM wandbctl.sync_log %s
		ORDER BY synced_at DESC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncEvent
	for rows.Next() {
		var ev SyncEvent
		if err := rows.Scan(&ev.ID, &ev.Entity, &ev.Project, &ev.SyncedAt, &ev.RunCount); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) SizeBytes(ctx context.Context) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(pg_total_relation_size('wandbctl.runs'), 0)
		     + COALESCE(pg_total_relation_size('wandbctl.sync_log'), 0)
	`).Scan(&n)
	return n, err
}

func (p *Postgres) Version(ctx context.Context) (string, error) {
	var v string
	if err := p.pool.QueryRow(ctx, "SHOW server_version").Scan(&v); err != nil {
		return "", err
	}
	return "PostgreSQL " + v, nil
}
