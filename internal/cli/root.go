package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wandbctl/internal/config"
	"wandbctl/internal/logging"
	"wandbctl/internal/output"
	"wandbctl/internal/store"
	"wandbctl/internal/wandb"
)

// Version is set at build time.
var Version = "dev"

type rootFlags struct {
	Cache   string
	DSN     string
	Config  string
	Verbose bool
}

var rf rootFlags

// nowFunc is replaced in tests.
var nowFunc = time.Now

// ExitError ends the process with Code. An empty Msg means the command
// already printed everything the user needs.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Msg
}

// app carries what every command needs once flags are parsed.
type app struct {
	cfg config.Settings
	log *zap.Logger
	out output.Sink
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rf = rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "wandbctl",
		Short:         "Local cache and reports for W&B runs (usage, costs, zombies, preflight)",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVar(&rf.Cache, "cache", "", "SQLite cache path (default ~/.wandbctl/cache.db, or WANDBCTL_CACHE)")
	rootCmd.PersistentFlags().StringVar(&rf.DSN, "dsn", "", "PostgreSQL DSN; uses PostgreSQL instead of SQLite (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&rf.Config, "config", "", "settings file (default ~/.wandbctl/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&rf.Verbose, "verbose", "v", false, "debug logging to stderr")

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(costsCmd())
	rootCmd.AddCommand(topCmd())
	rootCmd.AddCommand(trendsCmd())
	rootCmd.AddCommand(failuresCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(compareCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(cleanCmd())
	rootCmd.AddCommand(zombiesCmd())
	rootCmd.AddCommand(preflightCmd())
	rootCmd.AddCommand(duplicatesCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(mcpCmd())

	return rootCmd
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(rf.Config)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if rf.Cache != "" {
		cfg.CachePath = rf.Cache
	}
	if rf.DSN != "" {
		cfg.DSN = rf.DSN
	}
	log, err := logging.New(rf.Verbose)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &app{cfg: cfg, log: log, out: output.NewConsole(cmd.OutOrStdout())}, nil
}

func (a *app) close() { _ = a.log.Sync() }

func (a *app) openMirror(ctx context.Context) (store.Mirror, error) {
	m, err := store.Open(ctx, store.Options{Path: a.cfg.CachePath, DSN: a.cfg.DSN, Logger: a.log})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return m, nil
}

func (a *app) client() *wandb.Client {
	return wandb.NewClient(a.cfg.BaseURL, a.cfg.APIKey, wandb.WithLogger(a.log))
}

// scopeFlags are the --entity/--project pair most commands take.
type scopeFlags struct {
	Entity  string
	Project string
}

func (s *scopeFlags) bind(cmd *cobra.Command, withProject bool) {
	cmd.Flags().StringVarP(&s.Entity, "entity", "e", "", "W&B entity (user or team)")
	if withProject {
		cmd.Flags().StringVarP(&s.Project, "project", "p", "", "W&B project")
	}
}

// resolve falls back to the configured entity and project.
func (s scopeFlags) resolve(cfg config.Settings) scopeFlags {
	if s.Entity == "" {
		s.Entity = cfg.Entity
	}
	if s.Project == "" {
		s.Project = cfg.Project
	}
	return s
}

func (s scopeFlags) filter() store.Filter {
	return store.Filter{Entity: s.Entity, Project: s.Project}
}

func (s scopeFlags) remote() wandb.Scope {
	return wandb.Scope{Entity: s.Entity, Project: s.Project}
}

func (s scopeFlags) String() string {
	switch {
	case s.Entity == "":
		return "all entities"
	case s.Project == "":
		return s.Entity
	default:
		return s.Entity + "/" + s.Project
	}
}

// errNoCache stops a report when nothing has been synced yet.
var errNoCache = errors.New("no cached runs")

// requireRuns prints the data source line, or a hint and errNoCache when
// the scope has no cached runs.
func (a *app) requireRuns(ctx context.Context, m store.Mirror, f store.Filter) error {
	n, err := m.CountRuns(ctx, f)
	if err != nil {
		return err
	}
	if n == 0 {
		a.out.Info("No cached runs. Run 'wandbctl sync' first.")
		return errNoCache
	}
	last, err := m.LastSync(ctx, f.Entity, f.Project)
	if err != nil {
		return err
	}
	if last != nil {
		a.out.Note("Data source: cache (last sync: %s)", output.TimeAgo(last, nowFunc()))
	} else {
		a.out.Note("Data source: cache")
	}
	return nil
}

// done maps errNoCache to a clean exit.
func done(err error) error {
	if errors.Is(err, errNoCache) {
		return nil
	}
	return err
}

func describeRemoteErr(err error) error {
	switch {
	case errors.Is(err, wandb.ErrNoEntity):
		return fmt.Errorf("no entity specified and no default entity found; set WANDB_API_KEY or use --entity")
	default:
		return err
	}
}
