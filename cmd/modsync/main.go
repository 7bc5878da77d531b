package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/schaermu/modsync/internal/config"
	"github.com/schaermu/modsync/internal/errdefs"
	"github.com/schaermu/modsync/internal/fetch"
	"github.com/schaermu/modsync/internal/manifest"
	"github.com/schaermu/modsync/internal/registry"
	"github.com/schaermu/modsync/internal/selfupdate"
	"github.com/schaermu/modsync/internal/sync"
)

var (
	// Set by goreleaser
	version   = "dev"
	commit    = "none"
	date      = "unknown"
	buildMode = selfupdate.BuildModeDev

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	checkOnly bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "modsync",
	Short: "Keep a Minecraft mods directory in sync with a modpack manifest",
	Long: `modsync resolves every mod listed in a modpack manifest against Modrinth
(or a direct download URL), installs the matching files into the mods
directory, removes outdated versions and prunes files no longer listed.

Running modsync without a subcommand first updates modsync itself to the
latest release, then syncs.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runSync,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the mods directory with the manifest",
	Long: `Sync checks for a newer modsync release, then resolves each manifest entry,
downloads missing or outdated files, removes stale versions and, unless
pruning is disabled, deletes jars that belong to no entry.

A missing manifest is not an error: an example is written and sync exits.
Entry failures do not stop the other entries; the command exits non-zero
after all entries ran.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update modsync to the latest release",
	Args:  cobra.NoArgs,
	RunE:  runUpdate,
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "modsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		_, _ = fmt.Fprintf(out, "  mode:   %s\n", buildMode)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/modsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("mods-dir", "", "mods directory (default \"mods\")")
	rootCmd.PersistentFlags().String("manifest", "", "manifest file (default \"modpack.yaml\")")
	rootCmd.PersistentFlags().Bool("skip-update", false, "do not check for a newer modsync release")

	// Sync flags
	for _, c := range []*cobra.Command{rootCmd, syncCmd} {
		c.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	}

	// Update flags
	updateCmd.Flags().BoolVar(&checkOnly, "check", false, "only report whether an update is available")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := newFetchClient(cfg, logger)

	// The update runs before anything touches the mods directory. A
	// successful update never returns here: the new binary takes over.
	if cfg.SkipUpdate || dryRun {
		logger.Debug("self-update skipped", "skip_update", cfg.SkipUpdate, "dry_run", dryRun)
	} else if mgr, err := newUpdateManager(cfg, client, logger); err != nil {
		logger.Warn("self-update disabled", "error", err)
	} else if err := selfUpdate(ctx, mgr, logger); err != nil {
		return err
	}

	m, err := loadManifest(ctx, cfg, client, logger)
	if errors.Is(err, manifest.ErrNotFound) {
		return writeExample(cmd, cfg.Manifest, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	engine := sync.NewEngine(sync.Options{
		ModsDir:    cfg.ModsDir,
		Manifest:   m,
		Resolver:   newResolver(cfg, client, logger),
		Downloader: client,
		Logger:     logger,
		DryRun:     dryRun,
	})

	report, err := engine.Run(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	if failed := report.Failed(); len(failed) > 0 {
		for _, o := range failed {
			logger.Error("mod not synced", "mod", o.Entry.Name, "kind", errdefs.Kind(o.Err), "error", o.Err)
		}
		return fmt.Errorf("%d of %d mods failed to sync", len(failed), len(report.Outcomes))
	}
	if err := report.Err(); err != nil {
		return err
	}

	logger.Info("sync completed successfully", "mods", len(report.Outcomes))
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mgr, err := newUpdateManager(cfg, newFetchClient(cfg, logger), logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if checkOnly {
		release, state, err := mgr.Check(ctx)
		if err != nil {
			return fmt.Errorf("failed to check for updates: %w", err)
		}
		if state == selfupdate.StateUpdateAvailable {
			_, _ = fmt.Fprintf(out, "update available: %s -> %s\n", version, release.TagName)
		} else {
			_, _ = fmt.Fprintf(out, "modsync %s is up to date\n", version)
		}
		return nil
	}

	state, err := mgr.Run(ctx)
	if err != nil {
		if errors.Is(err, errdefs.ErrRollbackFailed) {
			logger.Error("self-update left no executable in place", "error", err)
		}
		return fmt.Errorf("update failed (%s): %w", state, err)
	}

	switch state {
	case selfupdate.StateIdle:
		_, _ = fmt.Fprintln(out, "development build, self-update disabled")
	case selfupdate.StateUpToDate:
		_, _ = fmt.Fprintf(out, "modsync %s is up to date\n", version)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig(cmd, logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Manifest
	}

	return writeExample(cmd, path, logger)
}

// updater is the part of *selfupdate.Manager that selfUpdate drives.
type updater interface {
	Run(ctx context.Context) (selfupdate.State, error)
}

// selfUpdate runs the update sequence. Errors that leave the running binary
// replaced or missing are returned so sync does not continue; every other
// failure is logged and the current binary keeps running.
func selfUpdate(ctx context.Context, u updater, logger *slog.Logger) error {
	state, err := u.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errdefs.ErrRollbackFailed):
		logger.Error("self-update left no executable in place, restore it manually", "error", err)
		return err
	case errors.Is(err, selfupdate.ErrRestartFailed):
		logger.Error("modsync was updated but the new version could not be started, run it again", "error", err)
		return err
	default:
		logger.Warn("self-update failed, continuing with current version",
			"state", state, "kind", errdefs.Kind(err), "error", err)
		return nil
	}
}

func newUpdateManager(cfg *config.Config, client *fetch.Client, logger *slog.Logger) (*selfupdate.Manager, error) {
	feed, err := selfupdate.NewGitHubFeed(client, cfg.Release.Repo,
		selfupdate.WithBaseURL(cfg.Release.URL),
		selfupdate.WithToken(cfg.GitHubToken))
	if err != nil {
		return nil, err
	}

	return selfupdate.New(selfupdate.Options{
		AppName:        "modsync",
		CurrentVersion: version,
		BuildMode:      buildMode,
		Feed:           feed,
		Fetcher:        client,
		Args:           os.Args[1:],
		Logger:         logger,
	}), nil
}

// loadManifest reads the local manifest and applies its remote overlay, if any.
// A failing overlay falls back to the local manifest.
func loadManifest(ctx context.Context, cfg *config.Config, client *fetch.Client, logger *slog.Logger) (*manifest.Manifest, error) {
	logger.Info("loading manifest", "path", cfg.Manifest)

	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return nil, err
	}

	if m.Remote != nil {
		merged, err := manifest.ApplyRemote(ctx, m, client, "")
		switch {
		case merged == nil:
			return nil, err
		case err != nil:
			logger.Warn("remote manifest unavailable, using local manifest", "error", err)
		default:
			logger.Info("applied remote manifest", "location", m.Remote.Location(""))
		}
		m = merged
	}

	logger.Debug("manifest loaded",
		"loader", m.Loader,
		"game_version", m.GameVersion,
		"mods", len(m.Mods),
		"prune", m.PruneEnabled())
	return m, nil
}

func writeExample(cmd *cobra.Command, path string, logger *slog.Logger) error {
	if err := manifest.WriteExample(path); err != nil {
		return fmt.Errorf("failed to write example manifest: %w", err)
	}
	logger.Info("wrote example manifest", "path", path)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No manifest found. An example was written to %s; edit it and run modsync again.\n", path)
	return nil
}

func newResolver(cfg *config.Config, client *fetch.Client, logger *slog.Logger) registry.Resolver {
	return &registry.Router{
		Modrinth:   registry.NewModrinth(client, cfg.Registry.URL, logger),
		CurseForge: registry.CurseForge{},
		Direct:     registry.Direct{},
	}
}

func newFetchClient(cfg *config.Config, logger *slog.Logger) *fetch.Client {
	opts := cfg.FetchOptions()
	if opts.UserAgent == "" {
		opts.UserAgent = "modsync/" + version
	}
	opts.Logger = logger
	return fetch.New(opts)
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
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = charmlog.NewWithOptions(os.Stdout, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
		})
	}

	return slog.New(handler)
}

func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	path := cfgFile
	if path == "" {
		logger.Debug("loading configuration", "path", config.DefaultPath(), "optional", true)
	} else {
		logger.Info("loading configuration", "path", path)
	}

	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"mods_dir", cfg.ModsDir,
		"manifest", cfg.Manifest,
		"registry", cfg.Registry.URL,
		"release_repo", cfg.Release.Repo,
		"skip_update", cfg.SkipUpdate)

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
