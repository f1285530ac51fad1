package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wandbctl/internal/output"
	"wandbctl/internal/report"
	"wandbctl/internal/store"
	"wandbctl/internal/wandb"
)

const maxSkipLines = 10

func syncCmd() *cobra.Command {
	var (
		scope scopeFlags
		since string
		state string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch runs from W&B into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			from, err := parseSince(since, nowFunc())
			if err != nil {
				return err
			}
			_, err = a.sync(cmd.Context(), scope.resolve(a.cfg), wandb.ListOptions{State: store.State(state), Since: from})
			return err
		},
	}
	scope.bind(cmd, true)
	cmd.Flags().StringVar(&since, "since", "", "only runs created since a date (2006-01-02) or lookback (7d, 2w)")
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	return cmd
}

// parseSince accepts a calendar date, an RFC 3339 timestamp or a lookback.
func parseSince(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	t, err := report.Since(s, now)
	if err != nil {
		return nil, fmt.Errorf("invalid --since %q: use YYYY-MM-DD or a lookback like 7d", s)
	}
	return t, nil
}

// sync resolves scope before touching the network for runs or the cache.
func (a *app) sync(ctx context.Context, scope scopeFlags, opts wandb.ListOptions) (int, error) {
	c := a.client()
	resolved, err := c.ResolveScope(ctx, scope.remote())
	if err != nil {
		return 0, describeRemoteErr(err)
	}
	m, err := a.openMirror(ctx)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	target := resolved.Entity
	if resolved.Project != "" {
		target += "/" + resolved.Project
	}
	a.out.Info("Syncing runs from " + target + "...")

	it, err := c.ListRuns(ctx, resolved, opts)
	if err != nil {
		return 0, describeRemoteErr(err)
	}
	runs, err := wandb.Collect(ctx, it)
	if err != nil {
		return 0, fmt.Errorf("fetch runs: %w", err)
	}
	n, err := m.UpsertRuns(ctx, runs)
	if err != nil {
		return 0, fmt.Errorf("write cache: %w", err)
	}
	if err := m.LogSync(ctx, resolved.Entity, resolved.Project, n); err != nil {
		return n, fmt.Errorf("record sync: %w", err)
	}
	a.log.Debug("sync complete", zap.String("entity", resolved.Entity), zap.String("project", resolved.Project), zap.Int("runs", n))

	if skipped := it.Skipped(); len(skipped) > 0 {
		a.out.Warn(fmt.Sprintf("Skipped %d malformed run(s)", len(skipped)))
		for i, s := range skipped {
			if i == maxSkipLines {
				a.out.Line("  ... and %d more", len(skipped)-maxSkipLines)
				break
			}
			a.out.Line("  %s", s)
		}
	}
	a.out.Success(fmt.Sprintf("Synced %d runs to cache", n))
	return n, nil
}

func statusCmd() *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cache location, size and last sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			s := scope.resolve(a.cfg)

			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			count, err := m.CountRuns(ctx, s.filter())
			if err != nil {
				return err
			}
			size, err := m.SizeBytes(ctx)
			if err != nil {
				return err
			}
			last, err := m.LastSync(ctx, s.Entity, s.Project)
			if err != nil {
				return err
			}
			lastSync := "never"
			if last != nil {
				lastSync = output.TimeAgo(last, nowFunc())
			}
			a.out.Table(output.Table{
				Title:   "Cache Status",
				Headers: []string{"Property", "Value"},
				Rows: [][]string{
					{"Cache location", m.Location()},
					{"Cache size", output.Bytes(size)},
					{"Cached runs", fmt.Sprint(count)},
					{"Last sync", lastSync},
				},
			})

			history, err := m.SyncHistory(ctx, s.Entity, s.Project, 5)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(history))
			for _, ev := range history {
				at := ev.SyncedAt
				target := ev.Entity
				if ev.Project != "" {
					target += "/" + ev.Project
				}
				rows = append(rows, []string{output.TimeAgo(&at, nowFunc()), target, fmt.Sprint(ev.RunCount)})
			}
			a.out.Table(output.Table{Title: "Recent Syncs", Headers: []string{"When", "Scope", "Runs"}, Rows: rows, Right: []int{2}})
			return nil
		},
	}
	scope.bind(cmd, true)
	return cmd
}
