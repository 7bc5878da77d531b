package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/schaermu/modsync/internal/errdefs"
	"github.com/schaermu/modsync/internal/fetch"
)

// BuildModeDev marks binaries built outside the release pipeline. They never update themselves.
const BuildModeDev = "dev"

var (
	// ErrInvalidVersion indicates a version string is not valid semver.
	ErrInvalidVersion = errors.New("invalid semantic version")

	// ErrRestartFailed means the new binary is in place but could not be
	// started. The running process is the replaced binary and must not go on.
	ErrRestartFailed = errors.New("updated binary could not be restarted")
)

// childWaitDelay bounds how long a restarted child may take to exit after
// being interrupted before it is killed.
const childWaitDelay = 30 * time.Second

// State is a step of the update sequence.
type State string

const (
	StateIdle            State = "idle"
	StateCheckingRemote  State = "checking-remote"
	StateUpToDate        State = "up-to-date"
	StateUpdateAvailable State = "update-available"
	StateDownloading     State = "downloading"
	StateSwapping        State = "swapping"
	StateRestarting      State = "restarting"
	StateRollbackFailed  State = "rollback-failed"
)

// RollbackError means the new binary could not be moved into place and the
// previous one could not be moved back. Nothing is left at Exe; the previous
// binary is at Backup.
type RollbackError struct {
	Exe    string
	Backup string
	Err    error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("no executable at %s, previous binary left at %s: %v", e.Exe, e.Backup, e.Err)
}

// Unwrap exposes both errdefs.ErrRollbackFailed and the underlying rename errors.
func (e *RollbackError) Unwrap() []error {
	return []error{errdefs.ErrRollbackFailed, e.Err}
}

// Fetcher downloads an asset into a temp file. *fetch.Client implements it.
type Fetcher interface {
	Download(ctx context.Context, url, dir, pattern string, headers ...fetch.Header) (string, int64, error)
}

// Options configures a Manager.
type Options struct {
	AppName        string
	CurrentVersion string
	BuildMode      string
	Feed           Feed
	Fetcher        Fetcher
	Args           []string // forwarded to the new binary on restart
	Logger         *slog.Logger
}

// Manager runs the update sequence for the current process.
type Manager struct {
	app            string
	currentVersion string
	buildMode      string
	feed           Feed
	fetcher        Fetcher
	args           []string
	logger         *slog.Logger

	goos, goarch string
	executable   func() (string, error)
	rename       func(oldpath, newpath string) error
	remove       func(name string) error
	chmod        func(name string, mode os.FileMode) error
	run          func(ctx context.Context, path string, args []string) (int, error)
	exit         func(code int)
}

// New creates a Manager bound to the running executable.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	app := opts.AppName
	if app == "" {
		app = "modsync"
	}
	return &Manager{
		app:            app,
		currentVersion: opts.CurrentVersion,
		buildMode:      opts.BuildMode,
		feed:           opts.Feed,
		fetcher:        opts.Fetcher,
		args:           opts.Args,
		logger:         logger,
		goos:           runtime.GOOS,
		goarch:         runtime.GOARCH,
		executable:     resolveExecPath,
		rename:         os.Rename,
		remove:         os.Remove,
		chmod:          os.Chmod,
		run:            runChild,
		exit:           os.Exit,
	}
}

// Check compares the current version against the latest release and stops
// there. It returns StateUpToDate or StateUpdateAvailable.
func (m *Manager) Check(ctx context.Context) (*Release, State, error) {
	m.logger.Debug("checking for updates", "current", m.currentVersion)

	release, err := m.feed.Latest(ctx)
	if err != nil {
		return nil, StateCheckingRemote, err
	}

	current, err := normalizeVersion(m.currentVersion)
	if err != nil {
		return release, StateCheckingRemote, fmt.Errorf("current version: %w", err)
	}
	latest, err := normalizeVersion(release.TagName)
	if err != nil {
		return release, StateCheckingRemote, fmt.Errorf("release tag: %w: %w", errdefs.ErrMalformedResponse, err)
	}

	// Equal or older releases never trigger a reinstall or downgrade.
	if semver.Compare(latest, current) <= 0 {
		return release, StateUpToDate, nil
	}
	return release, StateUpdateAvailable, nil
}

// Run executes the full sequence: cleanup, dev-mode bypass, check, download,
// swap and restart. After a successful restart the process exits with the
// child's exit code, so Run only returns on the paths that keep the current
// binary running, or when the exit seam is replaced in tests.
//
// Every error except a *RollbackError leaves the current binary intact.
func (m *Manager) Run(ctx context.Context) (State, error) {
	exe, err := m.executable()
	if err != nil {
		return StateIdle, fmt.Errorf("resolving executable path: %w: %w", errdefs.ErrFilesystem, err)
	}

	m.cleanup(exe)

	if m.buildMode == BuildModeDev {
		m.logger.Debug("development build, skipping self-update")
		return StateIdle, nil
	}

	release, state, err := m.Check(ctx)
	if err != nil {
		return state, err
	}
	if state == StateUpToDate {
		m.logger.Debug("already up to date", "current", m.currentVersion, "latest", release.TagName)
		return state, nil
	}
	m.logger.Info("update available", "current", m.currentVersion, "latest", release.TagName)

	name, err := AssetName(m.app, m.goos, m.goarch)
	if err != nil {
		return StateUpdateAvailable, err
	}
	asset, err := findAsset(release.Assets, name)
	if err != nil {
		return StateUpdateAvailable, err
	}

	tmpPath, err := m.download(ctx, asset, filepath.Dir(exe))
	if err != nil {
		return StateDownloading, err
	}

	if err := m.swap(exe, tmpPath); err != nil {
		var rbErr *RollbackError
		if errors.As(err, &rbErr) {
			return StateRollbackFailed, err
		}
		return StateSwapping, err
	}
	m.logger.Info("updated binary, restarting", "version", release.TagName, "path", exe)

	code, err := m.run(ctx, exe, m.args)
	if err != nil {
		return StateRestarting, fmt.Errorf("restarting %s: %w: %w", exe, ErrRestartFailed, err)
	}
	m.exit(code)
	return StateRestarting, nil
}

// cleanup removes the backup left by a previous update. Failures are ignored.
func (m *Manager) cleanup(exe string) {
	backup := BackupPath(exe)
	if err := m.remove(backup); err == nil {
		m.logger.Debug("removed previous binary", "path", backup)
	}
}

// download fetches asset next to the executable so the swap is a same-filesystem rename.
func (m *Manager) download(ctx context.Context, asset *Asset, dir string) (string, error) {
	m.logger.Info("downloading update", "asset", asset.Name)

	tmpPath, size, err := m.fetcher.Download(ctx, asset.BrowserDownloadURL, dir, "."+m.app+"-update-*")
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", asset.Name, err)
	}
	if size == 0 {
		_ = m.remove(tmpPath)
		return "", fmt.Errorf("downloading %s: empty file: %w", asset.Name, errdefs.ErrInvalidArtifact)
	}

	if m.goos != "windows" {
		if err := m.chmod(tmpPath, 0755); err != nil {
			_ = m.remove(tmpPath)
			return "", fmt.Errorf("setting binary permissions: %w: %w", errdefs.ErrFilesystem, err)
		}
	}
	return tmpPath, nil
}

// swap moves exe to its backup path and tmpPath to exe. The first rename is
// a safe abort point. A failed second rename is undone by renaming the
// backup back; if that fails too, a *RollbackError is returned.
func (m *Manager) swap(exe, tmpPath string) error {
	backup := BackupPath(exe)

	if err := m.rename(exe, backup); err != nil {
		_ = m.remove(tmpPath)
		return fmt.Errorf("moving current binary aside: %w: %w", errdefs.ErrFilesystem, err)
	}

	if err := m.rename(tmpPath, exe); err != nil {
		if restoreErr := m.rename(backup, exe); restoreErr != nil {
			m.logger.Error("rollback failed, manual recovery required",
				"missing", exe, "backup", backup, "error", restoreErr)
			return &RollbackError{Exe: exe, Backup: backup, Err: errors.Join(err, restoreErr)}
		}
		_ = m.remove(tmpPath)
		m.logger.Warn("update aborted, previous binary restored", "path", exe, "error", err)
		return fmt.Errorf("installing new binary: %w: %w", errdefs.ErrFilesystem, err)
	}
	return nil
}

// resolveExecPath returns the absolute, symlink-resolved path to the currently
// running binary.
func resolveExecPath() (string, error) {
	p, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(p)
}

// runChild runs path with args and inherited standard streams, and returns
// its exit code. Cancelling ctx interrupts the child instead of killing it,
// so it can clean up its own work; it is killed after childWaitDelay.
func runChild(ctx context.Context, path string, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "MODSYNC_SKIP_UPDATE=true")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = childWaitDelay

	err := cmd.Run()
	if cmd.ProcessState != nil {
		// The child ran; its exit status wins over a cancellation error.
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code, nil
		}
		return 1, nil // killed by a signal
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}

// normalizeVersion ensures the version string has a "v" prefix as required by
// the semver package, and validates the result.
func normalizeVersion(v string) (string, error) {
	norm := strings.TrimSpace(v)
	if !strings.HasPrefix(norm, "v") {
		norm = "v" + norm
	}
	if !semver.IsValid(norm) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return norm, nil
}
