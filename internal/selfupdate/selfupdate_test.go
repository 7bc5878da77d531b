package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/modsync/internal/errdefs"
	"github.com/schaermu/modsync/internal/fetch"
)

// mockFeed implements Feed for testing.
type mockFeed struct {
	release *Release
	err     error
	called  bool
}

func (m *mockFeed) Latest(_ context.Context) (*Release, error) {
	m.called = true
	return m.release, m.err
}

// mockFetcher implements Fetcher by writing body to a temp file.
type mockFetcher struct {
	body   []byte
	err    error
	called bool
}

func (m *mockFetcher) Download(_ context.Context, _, dir, pattern string, _ ...fetch.Header) (string, int64, error) {
	m.called = true
	if m.err != nil {
		return "", 0, m.err
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()
	n, err := f.Write(m.body)
	return f.Name(), int64(n), err
}

type testEnv struct {
	dir      string
	exe      string
	feed     *mockFeed
	fetcher  *mockFetcher
	exitCode int
	exited   bool
	ranArgs  []string
}

// newTestManager builds a Manager around a fake executable in a temp dir.
func newTestManager(t *testing.T, current, latest string) (*Manager, *testEnv) {
	t.Helper()

	env := &testEnv{dir: t.TempDir(), exitCode: -1}
	env.exe = filepath.Join(env.dir, "modsync")
	if err := os.WriteFile(env.exe, []byte("old binary"), 0755); err != nil {
		t.Fatal(err)
	}

	env.feed = &mockFeed{release: &Release{
		TagName: latest,
		Assets: []Asset{
			{Name: "modsync-linux-x64", BrowserDownloadURL: "https://dl.example/modsync-linux-x64", Size: 10},
			{Name: "modsync-windows-x64.exe", BrowserDownloadURL: "https://dl.example/modsync-windows-x64.exe", Size: 10},
		},
	}}
	env.fetcher = &mockFetcher{body: []byte("new binary")}

	m := New(Options{
		AppName:        "modsync",
		CurrentVersion: current,
		BuildMode:      "release",
		Feed:           env.feed,
		Fetcher:        env.fetcher,
		Args:           []string{"sync", "--dry-run"},
	})
	m.goos, m.goarch = "linux", "amd64"
	m.executable = func() (string, error) { return env.exe, nil }
	m.run = func(_ context.Context, path string, args []string) (int, error) {
		env.ranArgs = append([]string{path}, args...)
		return 3, nil
	}
	m.exit = func(code int) {
		env.exited = true
		env.exitCode = code
	}
	return m, env
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".modsync-update-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestRun_UpdatesAndRestarts(t *testing.T) {
	m, env := newTestManager(t, "1.0.0", "v1.1.0")

	state, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state != StateRestarting {
		t.Errorf("state = %s, want %s", state, StateRestarting)
	}

	if got := readFile(t, env.exe); got != "new binary" {
		t.Errorf("executable content = %q", got)
	}
	if got := readFile(t, BackupPath(env.exe)); got != "old binary" {
		t.Errorf("backup content = %q", got)
	}
	info, err := os.Stat(env.exe)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Errorf("new binary is not executable: %v", info.Mode())
	}

	if len(env.ranArgs) != 3 || env.ranArgs[0] != env.exe || env.ranArgs[1] != "sync" || env.ranArgs[2] != "--dry-run" {
		t.Errorf("child invoked as %v", env.ranArgs)
	}
	if !env.exited || env.exitCode != 3 {
		t.Errorf("exited=%v code=%d, want child's code 3", env.exited, env.exitCode)
	}
	assertNoTempFiles(t, env.dir)
}

func TestRun_NoDowngrade(t *testing.T) {
	tests := []struct {
		name    string
		current string
		latest  string
	}{
		{name: "remote older", current: "1.0.1", latest: "1.0.0"},
		{name: "remote equal", current: "v1.0.1", latest: "1.0.1"},
		{name: "remote prerelease of current", current: "1.0.1", latest: "v1.0.1-rc.1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, env := newTestManager(t, tc.current, tc.latest)

			state, err := m.Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if state != StateUpToDate {
				t.Errorf("state = %s, want %s", state, StateUpToDate)
			}
			if env.fetcher.called || env.exited {
				t.Error("no download or restart expected")
			}
			if got := readFile(t, env.exe); got != "old binary" {
				t.Errorf("executable changed: %q", got)
			}
		})
	}
}

func TestRun_DevModeSkipsCheckButCleansUp(t *testing.T) {
	m, env := newTestManager(t, "dev", "v9.9.9")
	m.buildMode = BuildModeDev

	backup := BackupPath(env.exe)
	if err := os.WriteFile(backup, []byte("stale"), 0755); err != nil {
		t.Fatal(err)
	}

	state, err := m.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateIdle {
		t.Errorf("state = %s, want %s", state, StateIdle)
	}
	if env.feed.called {
		t.Error("dev builds must not query the release feed")
	}
	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Error("leftover backup should be removed")
	}
}

func TestRun_CleanupFailureIgnored(t *testing.T) {
	m, _ := newTestManager(t, "1.0.0", "1.0.0")
	m.remove = func(string) error { return errors.New("permission denied") }

	state, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("cleanup failure must be ignored: %v", err)
	}
	if state != StateUpToDate {
		t.Errorf("state = %s", state)
	}
}

func TestRun_UnsupportedPlatform(t *testing.T) {
	m, env := newTestManager(t, "1.0.0", "1.1.0")
	m.goos = "plan9"

	state, err := m.Run(context.Background())
	if !errors.Is(err, errdefs.ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
	if state != StateUpdateAvailable {
		t.Errorf("state = %s", state)
	}
	if env.fetcher.called {
		t.Error("no download expected")
	}
}

func TestRun_AssetMissing(t *testing.T) {
	m, _ := newTestManager(t, "1.0.0", "1.1.0")
	m.goarch = "arm64"

	_, err := m.Run(context.Background())
	if !errors.Is(err, errdefs.ErrRegistryNotFound) {
		t.Fatalf("expected ErrRegistryNotFound, got %v", err)
	}
}

func TestRun_InvalidVersions(t *testing.T) {
	m, _ := newTestManager(t, "1.0.0", "latest")
	_, err := m.Run(context.Background())
	if !errors.Is(err, errdefs.ErrMalformedResponse) || !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("bad release tag: got %v", err)
	}

	m, _ = newTestManager(t, "not-a-version", "1.0.0")
	_, err = m.Run(context.Background())
	if !errors.Is(err, ErrInvalidVersion) || errors.Is(err, errdefs.ErrMalformedResponse) {
		t.Errorf("bad current version: got %v", err)
	}
}

func TestRun_DownloadFailureKeepsBinary(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		err  error
		want error
	}{
		{name: "network", err: fmt.Errorf("GET: %w", errdefs.ErrNetwork), want: errdefs.ErrNetwork},
		{name: "empty asset", body: []byte{}, want: errdefs.ErrInvalidArtifact},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, env := newTestManager(t, "1.0.0", "1.1.0")
			env.fetcher.body = tc.body
			env.fetcher.err = tc.err

			state, err := m.Run(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if state != StateDownloading {
				t.Errorf("state = %s", state)
			}
			if got := readFile(t, env.exe); got != "old binary" {
				t.Errorf("executable changed: %q", got)
			}
			assertNoTempFiles(t, env.dir)
		})
	}
}

// failingRename wraps os.Rename and fails for the listed source paths.
func failingRename(failFrom ...string) func(string, string) error {
	return func(oldpath, newpath string) error {
		for _, p := range failFrom {
			if oldpath == p {
				return fmt.Errorf("rename %s: simulated failure", oldpath)
			}
		}
		return os.Rename(oldpath, newpath)
	}
}

func TestRun_FirstRenameFailsIsSafeAbort(t *testing.T) {
	m, env := newTestManager(t, "1.0.0", "1.1.0")
	m.rename = failingRename(env.exe)

	state, err := m.Run(context.Background())
	if !errors.Is(err, errdefs.ErrFilesystem) || errors.Is(err, errdefs.ErrRollbackFailed) {
		t.Fatalf("expected plain ErrFilesystem, got %v", err)
	}
	if state != StateSwapping {
		t.Errorf("state = %s", state)
	}
	if got := readFile(t, env.exe); got != "old binary" {
		t.Errorf("executable changed: %q", got)
	}
	assertNoTempFiles(t, env.dir)
	if env.exited {
		t.Error("must not restart")
	}
}

func TestRun_SecondRenameFailsRestoresBackup(t *testing.T) {
	m, env := newTestManager(t, "1.0.0", "1.1.0")
	rename := os.Rename
	m.rename = func(oldpath, newpath string) error {
		if newpath == env.exe && oldpath != BackupPath(env.exe) {
			return errors.New("text file busy")
		}
		return rename(oldpath, newpath)
	}

	state, err := m.Run(context.Background())
	if !errors.Is(err, errdefs.ErrFilesystem) {
		t.Fatalf("expected ErrFilesystem, got %v", err)
	}
	if errors.Is(err, errdefs.ErrRollbackFailed) {
		t.Fatal("restore succeeded, must not report rollback failure")
	}
	if state != StateSwapping {
		t.Errorf("state = %s", state)
	}

	if got := readFile(t, env.exe); got != "old binary" {
		t.Errorf("original binary not restored: %q", got)
	}
	if _, err := os.Stat(BackupPath(env.exe)); !os.IsNotExist(err) {
		t.Error("backup should no longer exist after restore")
	}
	assertNoTempFiles(t, env.dir)
}

func TestRun_RollbackFailed(t *testing.T) {
	m, env := newTestManager(t, "1.0.0", "1.1.0")
	backup := BackupPath(env.exe)
	m.rename = func(oldpath, newpath string) error {
		if newpath == env.exe {
			return errors.New("access denied")
		}
		return os.Rename(oldpath, newpath)
	}

	state, err := m.Run(context.Background())
	if state != StateRollbackFailed {
		t.Errorf("state = %s, want %s", state, StateRollbackFailed)
	}
	if !errors.Is(err, errdefs.ErrRollbackFailed) {
		t.Fatalf("expected ErrRollbackFailed, got %v", err)
	}

	var rbErr *RollbackError
	if !errors.As(err, &rbErr) {
		t.Fatalf("expected *RollbackError, got %T", err)
	}
	if rbErr.Exe != env.exe || rbErr.Backup != backup {
		t.Errorf("RollbackError paths = %s, %s", rbErr.Exe, rbErr.Backup)
	}
	if errdefs.Kind(err) != "rollback_failed" {
		t.Errorf("Kind = %s", errdefs.Kind(err))
	}

	if _, err := os.Stat(env.exe); !os.IsNotExist(err) {
		t.Error("nothing should be left at the executable path")
	}
	if got := readFile(t, backup); got != "old binary" {
		t.Errorf("backup content = %q", got)
	}
	if env.exited {
		t.Error("must not restart")
	}
}

func TestRun_RestartFailure(t *testing.T) {
	m, env := newTestManager(t, "1.0.0", "1.1.0")
	m.run = func(context.Context, string, []string) (int, error) {
		return 1, errors.New("exec format error")
	}

	state, err := m.Run(context.Background())
	if err == nil || state != StateRestarting {
		t.Fatalf("state=%s err=%v", state, err)
	}
	if !errors.Is(err, ErrRestartFailed) || errors.Is(err, errdefs.ErrRollbackFailed) {
		t.Errorf("expected ErrRestartFailed only, got %v", err)
	}
	if env.exited {
		t.Error("must not exit when the child could not start")
	}
	if got := readFile(t, env.exe); got != "new binary" {
		t.Errorf("new binary should stay installed: %q", got)
	}
}

func TestCheck(t *testing.T) {
	m, env := newTestManager(t, "1.0.0", "v1.2.0")

	release, state, err := m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != StateUpdateAvailable || release.TagName != "v1.2.0" {
		t.Errorf("state=%s release=%+v", state, release)
	}
	if env.fetcher.called {
		t.Error("Check must not download")
	}

	env.feed.err = fmt.Errorf("GET: %w", errdefs.ErrNetwork)
	if _, _, err := m.Check(context.Background()); !errors.Is(err, errdefs.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}
