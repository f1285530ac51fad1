package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"wandbctl/internal/output"
	"wandbctl/internal/report"
	"wandbctl/internal/store"
	"wandbctl/internal/wandb"
)

// reportFlags are shared by the cache-backed report commands.
type reportFlags struct {
	scope scopeFlags
	last  string
}

func (rfl *reportFlags) bind(cmd *cobra.Command, lastDefault string) {
	rfl.scope.bind(cmd, true)
	cmd.Flags().StringVar(&rfl.last, "last", lastDefault, "lookback window (24h, 7d, 2w, 1m); empty for all time")
}

func (rfl reportFlags) filter(a *app) (store.Filter, error) {
	f := rfl.scope.resolve(a.cfg).filter()
	since, err := report.Since(rfl.last, nowFunc())
	if err != nil {
		return f, err
	}
	f.Since = since
	return f, nil
}

func usageCmd() *cobra.Command {
	var (
		flags   reportFlags
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Run counts, runtime and GPU-hours from the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			f, err := flags.filter(a)
			if err != nil {
				return err
			}
			if refresh {
				if _, err := a.sync(ctx, flags.scope.resolve(a.cfg), wandb.ListOptions{Since: f.Since}); err != nil {
					return err
				}
			}
			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := a.requireRuns(ctx, m, f); err != nil {
				return done(err)
			}
			u, err := m.UsageStats(ctx, f)
			if err != nil {
				return err
			}
			title := "Usage"
			if flags.last != "" {
				title += " (last " + flags.last + ")"
			}
			a.out.Table(output.Table{
				Title:   title,
				Headers: []string{"Metric", "Value"},
				Rows: [][]string{
					{"Total runs", fmt.Sprint(u.TotalRuns)},
					{"Finished", fmt.Sprint(u.FinishedRuns)},
					{"Failed", fmt.Sprint(u.FailedRuns)},
					{"Crashed", fmt.Sprint(u.CrashedRuns)},
					{"Running", fmt.Sprint(u.RunningRuns)},
					{"Projects", fmt.Sprint(u.ProjectCount)},
					{"Total runtime", output.Seconds(u.TotalRuntimeSeconds)},
					{"GPU-hours", fmt.Sprintf("%.1f", u.GPUHours())},
				},
				Right: []int{1},
			})
			return nil
		},
	}
	flags.bind(cmd, "")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "sync from W&B before reporting")
	return cmd
}

func costsCmd() *cobra.Command {
	var (
		flags reportFlags
		rate  float64
	)
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Estimate GPU spend per project",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			if !cmd.Flags().Changed("rate") {
				rate = a.cfg.GPURate
			}
			if rate < 0 {
				return fmt.Errorf("--rate must not be negative")
			}
			f, err := flags.filter(a)
			if err != nil {
				return err
			}
			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := a.requireRuns(ctx, m, f); err != nil {
				return done(err)
			}
			runs, err := m.QueryRuns(ctx, f)
			if err != nil {
				return err
			}
			rep := report.Costs(runs, rate)
			rows := make([][]string, 0, len(rep.Projects)+1)
			for _, p := range rep.Projects {
				rows = append(rows, []string{p.Project, fmt.Sprint(p.Runs), fmt.Sprintf("%.1f", p.GPUHours()), fmt.Sprintf("$%.2f", p.Cost(rate))})
			}
			rows = append(rows, []string{"Total", fmt.Sprint(rep.TotalRuns()), fmt.Sprintf("%.1f", rep.TotalGPUHours()), fmt.Sprintf("$%.2f", rep.TotalCost())})
			a.out.Table(output.Table{
				Title:   "Estimated Costs",
				Headers: []string{"Project", "Runs", "GPU Hours", "Cost"},
				Rows:    rows,
				Right:   []int{1, 2, 3},
			})
			a.out.Line("Rate: $%.2f/GPU-hour | Change with --rate", rate)
			return nil
		},
	}
	flags.bind(cmd, "")
	cmd.Flags().Float64Var(&rate, "rate", 0, "USD per GPU-hour (default from settings, 2.50)")
	return cmd
}

func topCmd() *cobra.Command {
	var (
		flags reportFlags
		by    string
		limit int
		state string
	)
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Largest runs by runtime or GPU-hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			key, err := report.ParseSortBy(by)
			if err != nil {
				return err
			}
			if limit < 1 {
				return fmt.Errorf("-n must be at least 1")
			}
			f, err := flags.filter(a)
			if err != nil {
				return err
			}
			f.State = store.State(state)
			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := a.requireRuns(ctx, m, f); err != nil {
				return done(err)
			}
			runs, err := m.QueryRuns(ctx, f)
			if err != nil {
				return err
			}
			top := report.Top(runs, key, limit)
			rows := make([][]string, 0, len(top))
			for _, r := range top {
				rows = append(rows, []string{
					r.ShortID(), r.DisplayName(), r.Project, string(r.State),
					output.Duration(r.RuntimeSeconds), fmt.Sprint(r.GPUs()),
					fmt.Sprintf("%.1f", float64(r.GPUSeconds())/3600),
				})
			}
			a.out.Table(output.Table{
				Title:   fmt.Sprintf("Top Runs by %s", key),
				Headers: []string{"Run", "Name", "Project", "State", "Runtime", "GPUs", "GPU Hours"},
				Rows:    rows,
				Right:   []int{4, 5, 6},
			})
			a.out.Line("Showing %d of %d runs. Use -n to show more.", len(top), len(runs))
			return nil
		},
	}
	flags.bind(cmd, "")
	cmd.Flags().StringVar(&by, "by", string(report.ByRuntime), "sort key: runtime or gpu-hours")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	return cmd
}

func trendsCmd() *cobra.Command {
	var (
		flags reportFlags
		group string
	)
	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Runs and runtime per day or week",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			g, err := report.ParseGrouping(group)
			if err != nil {
				return err
			}
			if flags.last == "" {
				return fmt.Errorf("--last is required for trends")
			}
			f, err := flags.filter(a)
			if err != nil {
				return err
			}
			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := a.requireRuns(ctx, m, f); err != nil {
				return done(err)
			}
			runs, err := m.QueryRuns(ctx, f)
			if err != nil {
				return err
			}
			rep := report.Trends(runs, *f.Since, nowFunc(), g)

			rows := make([][]string, 0, len(rep.Buckets))
			for _, b := range rep.Buckets {
				rows = append(rows, []string{b.Key, fmt.Sprint(b.Runs), output.Seconds(b.RuntimeSeconds)})
			}
			a.out.Table(output.Table{
				Title:   fmt.Sprintf("Trends by %s (last %s)", g, flags.last),
				Headers: []string{string(g), "Runs", "Runtime"},
				Rows:    rows,
				Right:   []int{1, 2},
			})
			a.out.Line("Runs     %s", report.Sparkline(rep.RunCounts()))
			a.out.Line("Runtime  %s", report.Sparkline(rep.Runtimes()))
			a.out.Line("Total: %d runs, %s | Average: %.1f runs per active %s",
				rep.TotalRuns(), output.Seconds(rep.TotalRuntime()), rep.AverageRuns(), g)
			if peak, ok := rep.Peak(); ok && peak.Runs > 0 {
				a.out.Line("Peak: %s (%d runs)", peak.Key, peak.Runs)
			}
			return nil
		},
	}
	flags.bind(cmd, "30d")
	cmd.Flags().StringVar(&group, "group", string(report.ByDay), "bucket by day or week")
	return cmd
}

func failuresCmd() *cobra.Command {
	var flags reportFlags
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Failure rate and early-crash breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			f, err := flags.filter(a)
			if err != nil {
				return err
			}
			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := a.requireRuns(ctx, m, f); err != nil {
				return done(err)
			}
			runs, err := m.QueryRuns(ctx, f)
			if err != nil {
				return err
			}
			rep := report.Failures(runs)
			if rep.Failed == 0 {
				a.out.Success(fmt.Sprintf("No failed runs among %d runs", rep.Total))
				return nil
			}
			a.out.Line("Failure rate: %.1f%% (%d of %d runs)", rep.Rate(), rep.Failed, rep.Total)
			a.out.Table(output.Table{
				Title:   "Failures by Runtime",
				Headers: []string{"When", "Runs"},
				Rows: [][]string{
					{"< 5 minutes", fmt.Sprint(rep.Early)},
					{"5 minutes to 1 hour", fmt.Sprint(rep.Medium)},
					{">= 1 hour", fmt.Sprint(rep.Late)},
				},
				Right: []int{1},
			})
			rows := make([][]string, 0, len(rep.ByProject))
			for _, p := range rep.ByProject {
				rows = append(rows, []string{p.Project, fmt.Sprint(p.Count)})
			}
			a.out.Table(output.Table{Title: "Top Failing Projects", Headers: []string{"Project", "Failures"}, Rows: rows, Right: []int{1}})
			if rep.Early > 0 {
				a.out.Warn(fmt.Sprintf("%d run(s) failed in under 5 minutes; run 'wandbctl preflight' before launching", rep.Early))
			}
			return nil
		},
	}
	flags.bind(cmd, "30d")
	return cmd
}

func projectsCmd() *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Per-project run counts from the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			f := scope.resolve(a.cfg).filter()
			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := a.requireRuns(ctx, m, f); err != nil {
				return done(err)
			}
			runs, err := m.QueryRuns(ctx, f)
			if err != nil {
				return err
			}
			stats := report.Projects(runs)
			rows := make([][]string, 0, len(stats))
			for _, p := range stats {
				rows = append(rows, []string{
					p.Project, fmt.Sprint(p.Runs), fmt.Sprint(p.Finished), fmt.Sprint(p.Failed), fmt.Sprint(p.Running),
					output.Seconds(p.RuntimeSeconds), fmt.Sprintf("%.1f", p.GPUHours()),
				})
			}
			a.out.Table(output.Table{
				Title:   fmt.Sprintf("Projects (%d)", len(stats)),
				Headers: []string{"Project", "Runs", "Finished", "Failed", "Running", "Runtime", "GPU Hours"},
				Rows:    rows,
				Right:   []int{1, 2, 3, 4, 5, 6},
			})
			return nil
		},
	}
	scope.bind(cmd, false)
	return cmd
}

func summaryCmd() *cobra.Command {
	var flags reportFlags
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "One-line usage digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			f, err := flags.filter(a)
			if err != nil {
				return err
			}
			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			n, err := m.CountRuns(ctx, f)
			if err != nil {
				return err
			}
			if n == 0 {
				a.out.Line("No cached runs")
				return nil
			}
			u, err := m.UsageStats(ctx, f)
			if err != nil {
				return err
			}
			a.out.Line("%s", report.SummaryLine(u))
			return nil
		},
	}
	flags.bind(cmd, "7d")
	return cmd
}
