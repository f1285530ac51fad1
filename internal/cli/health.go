package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wandbctl/internal/output"
	"wandbctl/internal/store"
)

type healthCheck struct {
	name   string
	ok     bool
	detail string
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check W&B auth and cache state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			checks := []healthCheck{a.checkAuth(cmd.Context())}
			checks = append(checks, a.checkCache(cmd.Context())...)

			rows := make([][]string, 0, len(checks))
			allOK := true
			for _, c := range checks {
				status := "✓"
				if !c.ok {
					status = "✗"
					allOK = false
				}
				rows = append(rows, []string{c.name, status, c.detail})
			}
			a.out.Table(output.Table{Title: "Health", Headers: []string{"Check", "Status", "Details"}, Rows: rows})
			if allOK {
				a.out.Success("All checks passed")
				return nil
			}
			a.out.Warn("Some checks failed")
			return nil
		},
	}
	return cmd
}

func (a *app) checkAuth(ctx context.Context) healthCheck {
	c := healthCheck{name: "W&B Auth"}
	if a.cfg.APIKey == "" {
		c.detail = "No API key (set WANDB_API_KEY or add it to ~/.netrc)"
		return c
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	entity, err := a.client().DefaultEntity(ctx)
	if err != nil {
		c.detail = err.Error()
		return c
	}
	c.ok = true
	c.detail = "Connected as " + entity
	return c
}

func (a *app) checkCache(ctx context.Context) []healthCheck {
	cache := healthCheck{name: "Cache"}
	m, err := a.openMirror(ctx)
	if err != nil {
		cache.detail = err.Error()
		return []healthCheck{cache}
	}
	defer m.Close()

	out := []healthCheck{}
	n, err := m.CountRuns(ctx, store.Filter{})
	if err != nil {
		cache.detail = err.Error()
		return append(out, cache)
	}
	size, _ := m.SizeBytes(ctx)
	cache.ok = true
	cache.detail = fmt.Sprintf("%d runs, %s", n, output.Bytes(size))
	out = append(out, cache)

	sync := healthCheck{name: "Last Sync", detail: "Never synced"}
	if last, err := m.LastSync(ctx, "", ""); err != nil {
		sync.detail = err.Error()
	} else if last != nil {
		sync.ok = true
		sync.detail = output.TimeAgo(last, nowFunc())
	}
	out = append(out, sync)

	db := healthCheck{name: "Database"}
	if v, err := m.Version(ctx); err != nil {
		db.detail = err.Error()
	} else {
		db.ok = true
		db.detail = v
	}
	return append(out, db)
}
