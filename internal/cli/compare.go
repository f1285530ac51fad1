package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"wandbctl/internal/output"
	"wandbctl/internal/report"
	"wandbctl/internal/store"
)

func compareCmd() *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "compare RUN_ID RUN_ID [RUN_ID...]",
		Short: "Compare 2 to 5 runs side by side",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < report.MinCompare || len(args) > report.MaxCompare {
				return report.ErrCompareCount
			}
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
			candidates, err := m.QueryRuns(ctx, s.filter())
			if err != nil {
				return err
			}
			found, missing := report.MatchRuns(candidates, args)
			if len(missing) > 0 {
				// Only a fully qualified scope can fetch a single run remotely.
				if s.Entity == "" || s.Project == "" {
					return fmt.Errorf("run(s) not found in cache: %s (sync first or pass --entity and --project)", strings.Join(missing, ", "))
				}
				c := a.client()
				for _, id := range missing {
					r, err := c.GetRun(ctx, s.remote(), id)
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("run not found: %s", id)
					}
					if err != nil {
						return err
					}
					candidates = append(candidates, r)
				}
				// Match again so columns follow the order ids were given.
				found, _ = report.MatchRuns(candidates, args)
			}

			cmp, err := report.Compare(found)
			if err != nil {
				return err
			}
			headers := []string{""}
			for _, r := range cmp.Runs {
				headers = append(headers, r.ShortID())
			}
			a.out.Table(output.Table{Title: "Run Info", Headers: headers, Rows: compareRows(cmp.Info)})
			if len(cmp.Config) > 0 {
				a.out.Table(output.Table{Title: "Config", Headers: headers, Rows: compareRows(cmp.Config)})
			}
			if len(cmp.Metrics) > 0 {
				a.out.Table(output.Table{Title: "Metrics", Headers: headers, Rows: compareRows(cmp.Metrics)})
			}
			a.out.Line("* differs from the first run")
			return nil
		},
	}
	scope.bind(cmd, true)
	return cmd
}

func compareRows(rows []report.Row) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		line := []string{r.Key}
		for i, v := range r.Values {
			if i < len(r.Differs) && r.Differs[i] {
				v += " *"
			}
			line = append(line, v)
		}
		out = append(out, line)
	}
	return out
}

func exportCmd() *cobra.Command {
	var (
		flags  reportFlags
		state  string
		path   string
		pretty bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write cached runs as JSON",
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
			f.State = store.State(state)
			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			runs, err := m.QueryRuns(ctx, f)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if path != "" {
				file, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create %s: %w", path, err)
				}
				defer file.Close()
				w = file
			}
			if err := report.WriteJSON(w, report.Export(runs), pretty); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			if path != "" {
				a.out.Success(fmt.Sprintf("Exported %d runs to %s", len(runs), path))
			}
			return nil
		},
	}
	flags.bind(cmd, "")
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	cmd.Flags().StringVarP(&path, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent JSON")
	return cmd
}
