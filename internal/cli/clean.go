package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"wandbctl/internal/output"
	"wandbctl/internal/store"
)

const cleanPreview = 10

func cleanCmd() *cobra.Command {
	var (
		olderThan int
		dryRun    bool
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete cached runs older than N days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 1 {
				return fmt.Errorf("--older-than must be at least 1 day")
			}
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			now := nowFunc()
			cutoff := now.AddDate(0, 0, -olderThan)
			all, err := m.QueryRuns(ctx, store.Filter{})
			if err != nil {
				return err
			}
			var old []store.Run
			for _, r := range all {
				if r.CreatedAt != nil && r.CreatedAt.Before(cutoff) {
					old = append(old, r)
				}
			}
			if len(old) == 0 {
				a.out.Info(fmt.Sprintf("No runs older than %d days found", olderThan))
				return nil
			}

			if dryRun {
				a.out.Info(fmt.Sprintf("Would delete %d runs:", len(old)))
				for i, r := range old {
					if i == cleanPreview {
						a.out.Line("  ... and %d more", len(old)-cleanPreview)
						break
					}
					a.out.Line("  %s  %s/%s  %s", r.ShortID(), r.Entity, r.Project, output.TimeAgo(r.CreatedAt, now))
				}
				return nil
			}

			if !force {
				a.out.Warn(fmt.Sprintf("This will delete %d runs from cache", len(old)))
				if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Continue?") {
					a.out.Info("Aborted")
					return nil
				}
			}
			n, err := m.DeleteRunsBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			a.out.Success(fmt.Sprintf("Deleted %d runs from cache", n))
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThan, "older-than", 90, "age in days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be deleted")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}

// confirm reads a y/yes answer; anything else, including EOF, is no.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
