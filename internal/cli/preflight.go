package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wandbctl/internal/config"
	"wandbctl/internal/output"
	"wandbctl/internal/preflight"
	"wandbctl/internal/runconfig"
)

func preflightOptions(cfg config.Settings) preflight.Options {
	p := cfg.Preflight
	return preflight.Options{
		DuplicateWindow:   time.Duration(p.DuplicateWindowHours) * time.Hour,
		DuplicateLimit:    p.DuplicateLimit,
		EarlyCrashLimit:   p.EarlyCrashLimit,
		EarlyCrashRuntime: int64(p.EarlyCrashRuntimeSeconds),
	}
}

func preflightCmd() *cobra.Command {
	var (
		scope    scopeFlags
		warnOnly bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "preflight CONFIG",
		Short: "Check a run config before launch (sanity, duplicates, early crashes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			if force {
				a.out.Warn("Force mode: skipping all checks")
				a.out.Success("Preflight passed (forced)")
				return nil
			}

			cfg, err := runconfig.Load(args[0])
			if err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}
			a.out.Info(fmt.Sprintf("Checking %s (%d keys)", args[0], len(cfg)))

			opts := preflightOptions(a.cfg)
			opts.Scope = scope.resolve(a.cfg).filter()

			var res preflight.Result
			m, err := a.openMirror(ctx)
			if err != nil {
				a.out.Warn(fmt.Sprintf("Could not check cache: %v", err))
				res = preflight.Run(ctx, nil, cfg, opts, nowFunc())
			} else {
				defer m.Close()
				res = preflight.Run(ctx, m, cfg, opts, nowFunc())
			}
			if res.HistoryErr != nil {
				a.out.Warn(fmt.Sprintf("Could not check cache: %v", res.HistoryErr))
			}

			a.out.Line("Config hash: %s", res.Fingerprint)
			var problems []string
			for _, c := range res.Checks() {
				printCheck(a.out, c)
				if !c.Passed && c.Severity != preflight.SeverityInfo {
					problems = append(problems, c.Message)
				}
			}
			for _, r := range res.Matches {
				a.out.Line("  %s  %s  %s", r.ShortID(), r.State, output.TimeAgo(r.CreatedAt, nowFunc()))
			}

			switch {
			case res.Blocked(warnOnly):
				a.out.Panel(output.LevelError, "✗ Preflight failed\n\n"+bullets(problems)+"\n\nFix issues or run with --force")
				return &ExitError{Code: 1}
			case len(problems) > 0:
				a.out.Panel(output.LevelWarn, "⚠ Preflight passed with warnings\n\n"+bullets(problems))
			default:
				a.out.Panel(output.LevelSuccess, "✓ Preflight passed\n\nAll checks passed. Safe to launch.")
			}
			return nil
		},
	}
	scope.bind(cmd, true)
	cmd.Flags().BoolVar(&warnOnly, "warn-only", false, "report errors without failing")
	cmd.Flags().BoolVar(&force, "force", false, "skip all checks")
	return cmd
}

func printCheck(out output.Sink, c preflight.Check) {
	switch {
	case c.Passed:
		out.Success(c.Message)
	case c.Severity == preflight.SeverityError:
		out.Error(c.Message)
	case c.Severity == preflight.SeverityWarning:
		out.Warn(c.Message)
	default:
		out.Info(c.Message)
	}
}

func bullets(lines []string) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• " + l)
	}
	return b.String()
}

func duplicatesCmd() *cobra.Command {
	var (
		scope    scopeFlags
		minCount int
	)
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Cached runs that share an identical config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if minCount < 2 {
				return fmt.Errorf("--min must be at least 2")
			}
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
			groups, err := m.DuplicateGroups(ctx, f, minCount)
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				a.out.Success("No duplicate configs found")
				return nil
			}
			rows := make([][]string, 0, len(groups))
			for _, g := range groups {
				ids := make([]string, 0, 3)
				for i, id := range g.RunIDs {
					if i == 3 {
						ids = append(ids, fmt.Sprintf("+%d", len(g.RunIDs)-3))
						break
					}
					ids = append(ids, shortID(id))
				}
				rows = append(rows, []string{
					g.ConfigHash, fmt.Sprint(g.Count), fmt.Sprint(g.Failed),
					output.TimeAgo(g.Latest, nowFunc()), strings.Join(ids, " "),
				})
			}
			a.out.Table(output.Table{
				Title:   fmt.Sprintf("Duplicate Configs (%d)", len(groups)),
				Headers: []string{"Config Hash", "Runs", "Failed", "Latest", "Run IDs"},
				Rows:    rows,
				Right:   []int{1, 2},
			})
			return nil
		},
	}
	scope.bind(cmd, true)
	cmd.Flags().IntVar(&minCount, "min", 2, "minimum runs per config")
	return cmd
}
