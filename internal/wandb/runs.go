package wandb

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wandbctl/internal/store"
)

const (
	DefaultPerPage = 100
	DefaultOrder   = "-created_at"
)

type ListOptions struct {
	State   store.State
	Since   *time.Time
	Order   string
	PerPage int
}

func (o ListOptions) filters() map[string]any {
	f := map[string]any{}
	if o.State != "" {
		f["state"] = string(o.State)
	}
	if o.Since != nil {
		f["createdAt"] = map[string]any{"$gte": o.Since.UTC().Format("2006-01-02T15:04:05")}
	}
	return f
}

// Skip records a fetched run that could not be normalized.
type Skip struct {
	RunID  string
	Reason string
}

func (s Skip) String() string { return s.RunID + ": " + s.Reason }

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

const runFields = `name displayName state createdAt heartbeatAt config summaryMetrics`

const runsQuery = `query Runs($entity: String!, $project: String!, $cursor: String, $perPage: Int!, $order: String, $filters: JSONString) {
	project(name: $project, entityName: $entity) {
		runs(filters: $filters, after: $cursor, first: $perPage, order: $order) {
			edges { node { ` + runFields + ` } }
			pageInfo { hasNextPage endCursor }
		}
	}
}`

const runQuery = `query Run($entity: String!, $project: String!, $name: String!) {
	project(name: $project, entityName: $entity) {
		run(name: $name) { ` + runFields + ` }
	}
}`

// RunIterator walks runs page by page, project by project. It is not
// restartable once consumed.
type RunIterator struct {
	c        *Client
	entity   string
	projects []string
	opts     ListOptions
	filters  string

	pi      int
	page    []runNode
	idx     int
	cursor  *string
	hasNext bool
	started bool

	cur   store.Run
	err   error
	skips []Skip
}

// ListRuns resolves the scope and returns an iterator over matching runs.
// With no project, every project of the entity is visited in turn.
func (c *Client) ListRuns(ctx context.Context, s Scope, opts ListOptions) (*RunIterator, error) {
	s, err := c.ResolveScope(ctx, s)
	if err != nil {
		return nil, err
	}
	projects := []string{s.Project}
	if s.Project == "" {
		if projects, err = c.ListProjects(ctx, s.Entity); err != nil {
			return nil, err
		}
	}
	if opts.PerPage <= 0 {
		opts.PerPage = DefaultPerPage
	}
	if opts.Order == "" {
		opts.Order = DefaultOrder
	}
	filters, err := marshalString(opts.filters())
	if err != nil {
		return nil, err
	}
	return &RunIterator{c: c, entity: s.Entity, projects: projects, opts: opts, filters: filters}, nil
}

// ListRunningRuns is a fresh fetch of runs in the running state.
func (c *Client) ListRunningRuns(ctx context.Context, s Scope) (*RunIterator, error) {
	return c.ListRuns(ctx, s, ListOptions{State: store.StateRunning})
}

// Next advances to the next normalized run. Records that fail to normalize
// are added to Skipped and do not stop iteration.
func (it *RunIterator) Next(ctx context.Context) bool {
	for it.err == nil {
		if it.idx < len(it.page) {
			node := it.page[it.idx]
			it.idx++
			r, err := node.toRun(it.entity, it.projects[it.pi])
			if err != nil {
				it.skips = append(it.skips, Skip{RunID: node.Name, Reason: err.Error()})
				it.c.log.Debug("skipping run", zap.String("run", node.Name), zap.Error(err))
				continue
			}
			it.cur = r
			return true
		}
		if it.started && !it.hasNext {
			it.pi++
			it.started, it.cursor = false, nil
		}
		if it.pi >= len(it.projects) {
			return false
		}
		it.fetch(ctx)
	}
	return false
}

func (it *RunIterator) fetch(ctx context.Context) {
	project := it.projects[it.pi]
	var data struct {
		Project *struct {
			Runs struct {
				Edges []struct {
					Node runNode `json:"node"`
				} `json:"edges"`
				PageInfo pageInfo `json:"pageInfo"`
			} `json:"runs"`
		} `json:"project"`
	}
	vars := map[string]any{
		"entity":  it.entity,
		"project": project,
		"cursor":  it.cursor,
		"perPage": it.opts.PerPage,
		"order":   it.opts.Order,
		"filters": it.filters,
	}
	if err := it.c.query(ctx, runsQuery, vars, &data); err != nil {
		it.err = fmt.Errorf("fetch runs for %s/%s: %w", it.entity, project, err)
		return
	}
	it.started = true
	it.page, it.idx = it.page[:0], 0
	if data.Project == nil {
		it.hasNext = false
		return
	}
	for _, e := range data.Project.Runs.Edges {
		it.page = append(it.page, e.Node)
	}
	pi := data.Project.Runs.PageInfo
	it.hasNext = pi.HasNextPage && pi.EndCursor != ""
	if it.hasNext {
		next := pi.EndCursor
		it.cursor = &next
	}
}

func (it *RunIterator) Run() store.Run { return it.cur }

func (it *RunIterator) Err() error { return it.err }

func (it *RunIterator) Skipped() []Skip { return it.skips }

// Collect drains the iterator.
func Collect(ctx context.Context, it *RunIterator) ([]store.Run, error) {
	var runs []store.Run
	for it.Next(ctx) {
		runs = append(runs, it.Run())
	}
	return runs, it.Err()
}

// GetRun fetches a single run by id.
func (c *Client) GetRun(ctx context.Context, s Scope, id string) (store.Run, error) {
	s, err := c.ResolveScope(ctx, s)
	if err != nil {
		return store.Run{}, err
	}
	if s.Project == "" {
		return store.Run{}, fmt.Errorf("get run %s: project is required", id)
	}
	var data struct {
		Project *struct {
			Run *runNode `json:"run"`
		} `json:"project"`
	}
	vars := map[string]any{"entity": s.Entity, "project": s.Project, "name": id}
	if err := c.query(ctx, runQuery, vars, &data); err != nil {
		return store.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	if data.Project == nil || data.Project.Run == nil {
		return store.Run{}, fmt.Errorf("run %s/%s/%s: %w", s.Entity, s.Project, id, store.ErrNotFound)
	}
	return data.Project.Run.toRun(s.Entity, s.Project)
}
