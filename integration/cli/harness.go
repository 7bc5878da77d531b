//go:build integration

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/modsync/internal/testutil"
)

const (
	binaryVersion  = "v1.0.0"
	releaseRepo    = "schaermu/modsync"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the modsync binary once and runs it against an in-process
// fake of the Modrinth API, its CDN and the GitHub release feed.
type Harness struct {
	t        *testing.T
	bin      string
	workDir  string
	srv      *httptest.Server
	Registry *FakeRegistry
}

// NewHarness creates a new test harness with a fresh working directory.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	reg := NewFakeRegistry()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	reg.baseURL = srv.URL

	return &Harness{
		t:        t,
		workDir:  t.TempDir(),
		srv:      srv,
		Registry: reg,
	}
}

// BuildBinary compiles cmd/modsync as a release build.
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.bin = filepath.Join(h.t.TempDir(), "modsync")
	ldflags := fmt.Sprintf("-X main.version=%s -X main.buildMode=release", binaryVersion)

	h.t.Logf("Building %s", h.bin)
	cmd := exec.CommandContext(ctx, "go", "build", "-ldflags", ldflags, "-o", h.bin, "./cmd/modsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Path returns an absolute path inside the working directory.
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.workDir}, elem...)...)
}

// ModsDir is the mods directory every run syncs.
func (h *Harness) ModsDir() string {
	return h.Path("mods")
}

// Run executes the binary in the working directory and returns its output
// and exit code.
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.bin == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.bin, args...)
	cmd.Dir = h.workDir
	cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+h.Path("xdg"),
		"MODSYNC_MODS_DIR="+h.ModsDir(),
		"MODSYNC_MANIFEST="+h.Path("modpack.yaml"),
		"MODSYNC_REGISTRY_URL="+h.srv.URL+"/v2",
		"MODSYNC_RELEASE_URL="+h.srv.URL,
		"MODSYNC_RELEASE_REPO="+releaseRepo,
		"MODSYNC_HTTP_RETRIES=1",
		"MODSYNC_SKIP_UPDATE=false",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it exits non-zero.
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("modsync failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// WriteManifest writes modpack.yaml into the working directory.
func (h *Harness) WriteManifest(content string) {
	h.t.Helper()
	if err := os.WriteFile(h.Path("modpack.yaml"), []byte(content), 0644); err != nil {
		h.t.Fatalf("write manifest: %v", err)
	}
}

// WriteMod places a file into the mods directory.
func (h *Harness) WriteMod(name string, content []byte) {
	h.t.Helper()
	if err := os.MkdirAll(h.ModsDir(), 0755); err != nil {
		h.t.Fatalf("create mods dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.ModsDir(), name), content, 0644); err != nil {
		h.t.Fatalf("write mod: %v", err)
	}
}

// ResetMods removes the mods directory.
func (h *Harness) ResetMods() {
	h.t.Helper()
	if err := os.RemoveAll(h.ModsDir()); err != nil {
		h.t.Fatalf("reset mods dir: %v", err)
	}
}

// ModFiles lists the mods directory, sorted.
func (h *Harness) ModFiles() []string {
	h.t.Helper()
	entries, err := os.ReadDir(h.ModsDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		h.t.Fatalf("read mods dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// FileExists checks if a path exists relative to the working directory.
func (h *Harness) FileExists(elem ...string) bool {
	_, err := os.Stat(h.Path(elem...))
	return err == nil
}

// jar returns content that passes the archive signature check.
func jar(name string) []byte {
	return append([]byte{0x50, 0x4B, 0x03, 0x04}, []byte(name)...)
}

type fakeVersion struct {
	Number   string
	Game     []string
	Loaders  []string
	FileName string
}

type fakeProject struct {
	ID       string
	Slug     string
	Title    string
	Loaders  []string
	Versions []fakeVersion // newest first
}

// FakeRegistry serves the subset of the Modrinth v2 API, the file CDN and
// the GitHub latest-release endpoint that modsync uses.
type FakeRegistry struct {
	mu        sync.Mutex
	baseURL   string
	projects  []*fakeProject
	downloads map[string]int
	release   map[string]any
}

func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{
		downloads: make(map[string]int),
		release:   map[string]any{"tag_name": binaryVersion, "assets": []any{}},
	}
}

// AddProject registers a project.
func (f *FakeRegistry) AddProject(p *fakeProject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, p)
}

// Publish prepends a new version to the project with the given slug.
func (f *FakeRegistry) Publish(slug string, v fakeVersion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.projects {
		if p.Slug == slug {
			p.Versions = append([]fakeVersion{v}, p.Versions...)
			return
		}
	}
}

// SetRelease changes the latest modsync release tag.
func (f *FakeRegistry) SetRelease(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.release = map[string]any{"tag_name": tag, "assets": []any{}}
}

// Downloads returns the total number of CDN downloads served.
func (f *FakeRegistry) Downloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.downloads {
		total += n
	}
	return total
}

func (f *FakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/v2/search":
		f.search(w, r)
	case strings.HasPrefix(r.URL.Path, "/v2/project/") && strings.HasSuffix(r.URL.Path, "/version"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v2/project/"), "/version")
		f.versions(w, r, id)
	case strings.HasPrefix(r.URL.Path, "/cdn/"):
		name := strings.TrimPrefix(r.URL.Path, "/cdn/")
		f.downloads[name]++
		_, _ = w.Write(jar(name))
	case r.URL.Path == "/repos/"+releaseRepo+"/releases/latest":
		writeJSON(w, f.release)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeRegistry) search(w http.ResponseWriter, r *http.Request) {
	query := strings.ToLower(r.URL.Query().Get("query"))
	hits := []map[string]any{}
	for _, p := range f.projects {
		if strings.Contains(strings.ToLower(p.Title), query) || strings.Contains(query, strings.ToLower(p.Title)) {
			hits = append(hits, map[string]any{
				"project_id": p.ID,
				"slug":       p.Slug,
				"title":      p.Title,
				"categories": p.Loaders,
			})
		}
	}
	writeJSON(w, map[string]any{"hits": hits})
}

func (f *FakeRegistry) versions(w http.ResponseWriter, r *http.Request, id string) {
	for _, p := range f.projects {
		if p.ID != id {
			continue
		}
		out := []map[string]any{}
		for _, v := range p.Versions {
			out = append(out, map[string]any{
				"id":             p.ID + "-" + v.Number,
				"version_number": v.Number,
				"game_versions":  v.Game,
				"loaders":        v.Loaders,
				"files": []map[string]any{{
					"url":      f.baseURL + "/cdn/" + v.FileName,
					"filename": v.FileName,
					"primary":  true,
				}},
			})
		}
		writeJSON(w, out)
		return
	}
	http.NotFound(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

func sorted(names ...string) []string {
	sort.Strings(names)
	return names
}
