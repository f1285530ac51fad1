package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wandbctl/internal/output"
	"wandbctl/internal/store"
	"wandbctl/internal/wandb"
	"wandbctl/internal/zombie"
)

func zombiesCmd() *cobra.Command {
	var (
		scope     scopeFlags
		threshold int
		offline   bool
	)
	cmd := &cobra.Command{
		Use:   "zombies",
		Short: "Find running runs that stopped reporting",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			s := scope.resolve(a.cfg)

			if !cmd.Flags().Changed("threshold") {
				threshold = a.cfg.Zombies.ThresholdMinutes
			}
			if threshold < 1 {
				return fmt.Errorf("--threshold must be at least 1 minute")
			}

			// within is the resolved one in live mode so the baseline covers
			// the same entity as the running runs.
			within := s.filter()
			var running []store.Run
			if offline {
				running, err = a.cachedRunning(ctx, within)
			} else {
				running, within, err = a.liveRunning(ctx, s)
			}
			if err != nil {
				return err
			}
			if len(running) == 0 {
				a.out.Info("No running runs found.")
				return nil
			}

			base := a.zombieBaseline(ctx, within)
			found := zombie.Detect(running, threshold, base, nowFunc())
			if len(found) == 0 {
				a.out.Success(fmt.Sprintf("No zombies detected among %d running runs.", len(running)))
				return nil
			}

			rows := make([][]string, 0, len(found))
			for _, z := range found {
				updated := z.UpdatedAt
				rows = append(rows, []string{
					shortID(z.ID), z.Name, z.Project, output.Duration(z.RuntimeSeconds),
					output.TimeAgo(&updated, nowFunc()), string(z.Confidence), strings.Join(z.Reasons, ", "),
				})
			}
			a.out.Warn(fmt.Sprintf("Found %d potential zombie run(s)", len(found)))
			a.out.Table(output.Table{
				Title:   fmt.Sprintf("Zombie Runs (no update for %dm+)", threshold),
				Headers: []string{"Run", "Name", "Project", "Runtime", "Last Update", "Confidence", "Reasons"},
				Rows:    rows,
				Right:   []int{3},
			})
			a.out.Line("Verify these runs manually before terminating.")
			return nil
		},
	}
	scope.bind(cmd, true)
	cmd.Flags().IntVar(&threshold, "threshold", zombie.DefaultThresholdMinutes, "minutes without a heartbeat")
	cmd.Flags().BoolVar(&offline, "offline", false, "classify cached running runs without calling W&B")
	return cmd
}

// liveRunning also returns the resolved scope as a mirror filter.
func (a *app) liveRunning(ctx context.Context, s scopeFlags) ([]store.Run, store.Filter, error) {
	c := a.client()
	resolved, err := c.ResolveScope(ctx, s.remote())
	if err != nil {
		return nil, store.Filter{}, describeRemoteErr(err)
	}
	scope := store.Filter{Entity: resolved.Entity, Project: resolved.Project}
	it, err := c.ListRunningRuns(ctx, resolved)
	if err != nil {
		return nil, scope, describeRemoteErr(err)
	}
	runs, err := wandb.Collect(ctx, it)
	if err != nil {
		return nil, scope, fmt.Errorf("fetch running runs: %w", err)
	}
	return runs, scope, nil
}

func (a *app) cachedRunning(ctx context.Context, f store.Filter) ([]store.Run, error) {
	m, err := a.openMirror(ctx)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	f.State = store.StateRunning
	return m.QueryRuns(ctx, f)
}

// zombieBaseline reads finished-run runtimes from the cache. Without a
// cache the runtime comparison is skipped.
func (a *app) zombieBaseline(ctx context.Context, f store.Filter) zombie.Baseline {
	m, err := a.openMirror(ctx)
	if err != nil {
		a.log.Debug("no baseline", zap.Error(err))
		return zombie.Baseline{}
	}
	defer m.Close()
	u, err := m.UsageStats(ctx, f)
	if err != nil {
		a.log.Debug("no baseline", zap.Error(err))
		return zombie.Baseline{}
	}
	return zombie.BaselineFrom(u)
}

func shortID(id string) string {
	return store.Run{ID: id}.ShortID()
}
