package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/schaermu/tagsyncd/internal/activation"
	"github.com/schaermu/tagsyncd/internal/config"
	"github.com/schaermu/tagsyncd/internal/hosting"
	"github.com/schaermu/tagsyncd/internal/state"
	tagsync "github.com/schaermu/tagsyncd/internal/sync"
	"github.com/schaermu/tagsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	interval  time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tagsyncd",
	Short: "Replicate upstream release tags onto GitHub forks",
	Long: `tagsyncd watches upstream GitHub repositories for new release tags and
creates the same tag on a fork, pointing at the fork's branch tip.

A tag is only pushed when it is new since the previous observation and the
fork branch contains every commit of the upstream branch. It can run as a
oneshot pass (via systemd timer), as a polling daemon, or as a daemon that
additionally reacts to GitHub tag webhooks.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync pass over all configured repositories",
	Long: `Sync fetches the latest tag of every configured upstream repository,
records it in the tag state and pushes new tags to forks that are up to date.

The tag state is saved after the pass. Failing to save it is fatal.`,
	RunE: runSync,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run sync passes periodically until interrupted",
	Long: `Run performs a sync pass, saves the tag state and waits for the poll
interval before the next pass. It stops on SIGINT or SIGTERM.`,
	RunE: runRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll and additionally sync on GitHub tag webhooks",
	Long: `Serve runs the poll loop and an HTTP server that listens for GitHub
create and push events announcing a new tag on a configured upstream
repository, triggering an early sync pass.

Requires serve.enabled and a webhook secret. A socket passed by systemd socket
activation is used instead of serve.listen_addr when present.`,
	RunE: runServe,
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the persisted tag state",
	RunE:  runState,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tagsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/tagsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show which tags would be pushed without creating them or saving state")
	runCmd.Flags().DurationVar(&interval, "interval", 0, "delay between passes (overrides poll.interval)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	runner, closeBackend, err := newRunner(ctx, cfg, logger, dryRun)
	if err != nil {
		return err
	}
	defer closeBackend()

	logger.Info("starting sync operation")
	summary, err := runner.RunOnce(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	logger.Info("sync completed",
		"pass_id", summary.ID,
		"entries", summary.Total(),
		"pushed", summary.Count(tagsync.OutcomePushed),
		"failed", summary.Count(tagsync.OutcomeFailed))
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	runner, closeBackend, err := newRunner(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer closeBackend()

	every := cfg.PollInterval()
	if interval > 0 {
		every = interval
	}

	logger.Info("starting poll loop", "interval", every.String(), "entries", len(cfg.Entries))
	if err := runner.Run(ctx, every); err != nil {
		logger.Error("poll loop failed", "error", err)
		return err
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is disabled (set serve.enabled: true)")
	}

	runner, closeBackend, err := newRunner(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer closeBackend()

	server, err := webhook.NewServer(cfg, runner, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	listener, err := activation.Listener("")
	if err != nil {
		return fmt.Errorf("failed to use activated socket: %w", err)
	}
	if listener != nil {
		logger.Info("using systemd-activated socket", "addr", listener.Addr().String())
	}

	if err := server.Start(ctx, listener); err != nil {
		logger.Error("serve failed", "error", err)
		return err
	}
	return nil
}

func runState(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = backend.Close()
	}()

	store, err := backend.Load()
	if err != nil {
		return fmt.Errorf("failed to load state from %s: %w", backend.Location(), err)
	}

	renderStateAsTable(cmd.OutOrStdout(), store)
	return nil
}

// renderStateAsTable prints one row per tracked repository
func renderStateAsTable(out io.Writer, store *state.Store) {
	missing := color.New(color.FgYellow).Sprint("(none)")

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"REPOSITORY", "LATEST TAG", "LATEST SHA", "PREVIOUS TAG", "PREVIOUS SHA"})
	for _, key := range store.Keys() {
		st, _ := store.Get(key.Owner, key.Repo)
		row := table.Row{key.String()}
		for _, tag := range []*state.TagInfo{st.LatestTag, st.PreviousTag} {
			if tag == nil {
				row = append(row, missing, missing)
				continue
			}
			row = append(row, tag.Name, shortSHA(tag.CommitSHA))
		}
		t.AppendRow(row)
	}
	t.AppendFooter(table.Row{"", "", "", "Repositories", store.Len()})
	t.Render()
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// newRunner wires the GitHub client, the state backend and the sync engine.
// The returned func closes the backend.
func newRunner(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) (*tagsync.Runner, func(), error) {
	token, err := cfg.Token()
	if err != nil {
		return nil, nil, err
	}
	if token == "" {
		logger.Warn("no GitHub token configured, tags cannot be created")
	}

	client, err := hosting.NewGitHubClient(hosting.NewHTTPClient(ctx, token), cfg.GitHub.APIURL)
	if err != nil {
		return nil, nil, err
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, nil, err
	}

	engine := tagsync.NewEngine(client, logger, dryRun)
	runner := tagsync.NewRunner(engine, backend, cfg.Entries, logger, dryRun)

	closeBackend := func() {
		if err := backend.Close(); err != nil {
			logger.Warn("failed to close state backend", "error", err)
		}
	}
	return runner, closeBackend, nil
}

// openBackend opens the configured state backend, creating the state
// directory if needed.
func openBackend(cfg *config.Config) (state.Backend, error) {
	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	switch cfg.State.Backend {
	case config.BackendSQLite:
		backend, err := state.NewSQLiteBackend(cfg.StateDBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open state database: %w", err)
		}
		return backend, nil
	default:
		return state.NewFileBackend(cfg.StateFilePath()), nil
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/tagsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"entries", len(cfg.Entries),
		"state_dir", cfg.Paths.StateDir,
		"state_backend", cfg.State.Backend,
		"poll_interval", cfg.PollInterval().String())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
