package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/modsync/internal/modfile"
)

// DefaultFileName is the manifest file looked up when no path is given.
const DefaultFileName = "modpack.yaml"

// ErrNotFound is returned by Load when the manifest file does not exist.
var ErrNotFound = errors.New("manifest not found")

// Loader identifies the mod loader the pack targets
type Loader string

const (
	LoaderFabric   Loader = "fabric"
	LoaderForge    Loader = "forge"
	LoaderNeoForge Loader = "neoforge"
	LoaderQuilt    Loader = "quilt"
)

// Source identifies where an entry is resolved from
type Source string

const (
	SourceModrinth   Source = "modrinth"
	SourceCurseForge Source = "curseforge"
	SourceURL        Source = "url"
)

// RemoteType identifies how a remote manifest is located
type RemoteType string

const (
	RemoteDirect RemoteType = "direct"
	RemoteGitHub RemoteType = "github"
)

// Manifest is the declarative description of the desired mods directory
type Manifest struct {
	Loader      Loader        `yaml:"modLoader"`
	GameVersion string        `yaml:"gameVersion"`
	Prune       *bool         `yaml:"prune,omitempty"`
	Keep        []string      `yaml:"keep,omitempty"`
	Mods        []Entry       `yaml:"mods"`
	Remote      *RemoteSource `yaml:"remote,omitempty"`
}

// Entry is one desired mod
type Entry struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version,omitempty"`
	Source      Source `yaml:"source,omitempty"`
	Identifier  string `yaml:"identifier,omitempty"`
	DownloadURL string `yaml:"downloadUrl,omitempty"`
	FileName    string `yaml:"fileName,omitempty"`
}

// RemoteSource points at a manifest that is fetched and overlaid on the local one
type RemoteSource struct {
	Type   RemoteType `yaml:"type"`
	URL    string     `yaml:"url,omitempty"`
	Repo   string     `yaml:"repo,omitempty"`
	Branch string     `yaml:"branch,omitempty"`
	File   string     `yaml:"file,omitempty"`
}

// BaseName returns the normalized name used to match installed files.
func (e Entry) BaseName() string {
	return modfile.BaseName(e.Name)
}

// PruneEnabled reports whether orphan files are removed. Defaults to true.
func (m *Manifest) PruneEnabled() bool {
	return m.Prune == nil || *m.Prune
}

// Load reads, parses and validates the manifest at path. A missing file is
// reported as ErrNotFound.
func Load(path string) (*Manifest, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML or JSON manifest document, applies defaults and
// validates the result. A document with a remote section only needs a valid
// remote here; ApplyRemote validates the merged manifest.
func Parse(data []byte) (*Manifest, error) {
	m, err := decode(data)
	if err != nil {
		return nil, err
	}

	if m.Remote != nil {
		if err := m.Remote.Validate(); err != nil {
			return nil, fmt.Errorf("invalid manifest: remote: %w", err)
		}
		return m, nil
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return m, nil
}

// decode parses and normalizes without validating, so partial remote
// documents can be overlaid before validation.
func decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	m.normalize()
	m.expandEnv()
	m.applyDefaults()

	return &m, nil
}

// normalize lowercases enum fields and maps accepted aliases.
func (m *Manifest) normalize() {
	m.Loader = Loader(strings.ToLower(strings.TrimSpace(string(m.Loader))))
	m.GameVersion = strings.TrimSpace(m.GameVersion)

	for i := range m.Mods {
		e := &m.Mods[i]
		e.Name = strings.TrimSpace(e.Name)
		switch strings.ToLower(strings.TrimSpace(string(e.Source))) {
		case "", "registry", "modrinth":
			e.Source = SourceModrinth
		case "direct-url", "direct", "url":
			e.Source = SourceURL
		default:
			e.Source = Source(strings.ToLower(strings.TrimSpace(string(e.Source))))
		}
	}

	if m.Remote != nil {
		m.Remote.Type = RemoteType(strings.ToLower(strings.TrimSpace(string(m.Remote.Type))))
	}
}

// expandEnv expands environment variables in URL fields
func (m *Manifest) expandEnv() {
	for i := range m.Mods {
		m.Mods[i].DownloadURL = os.ExpandEnv(m.Mods[i].DownloadURL)
	}
	if m.Remote != nil {
		m.Remote.URL = os.ExpandEnv(m.Remote.URL)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (m *Manifest) applyDefaults() {
	if m.Remote != nil && m.Remote.Type == RemoteGitHub {
		if m.Remote.Branch == "" {
			m.Remote.Branch = "main"
		}
		if m.Remote.File == "" {
			m.Remote.File = DefaultFileName
		}
	}
}

// Validate checks the manifest for errors
func (m *Manifest) Validate() error {
	switch m.Loader {
	case LoaderFabric, LoaderForge, LoaderNeoForge, LoaderQuilt:
		// valid
	case "":
		return fmt.Errorf("modLoader is required")
	default:
		return fmt.Errorf("invalid modLoader: %s (must be fabric, forge, neoforge, or quilt)", m.Loader)
	}

	if m.GameVersion == "" {
		return fmt.Errorf("gameVersion is required")
	}

	for i, e := range m.Mods {
		if e.Name == "" {
			return fmt.Errorf("mods[%d]: name is required", i)
		}
		switch e.Source {
		case SourceModrinth, SourceCurseForge:
			// valid
		case SourceURL:
			if e.DownloadURL == "" {
				return fmt.Errorf("mods[%d] (%s): downloadUrl is required for url sources", i, e.Name)
			}
		default:
			return fmt.Errorf("mods[%d] (%s): invalid source: %s (must be modrinth, curseforge, or url)", i, e.Name, e.Source)
		}
	}

	for _, pattern := range m.Keep {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("keep: invalid pattern %q: %w", pattern, err)
		}
	}

	if m.Remote != nil {
		if err := m.Remote.Validate(); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
	}

	return nil
}

// Validate checks the remote source for errors
func (r *RemoteSource) Validate() error {
	switch r.Type {
	case RemoteDirect:
		if r.URL == "" {
			return fmt.Errorf("url is required for direct remotes")
		}
	case RemoteGitHub:
		owner, name, ok := strings.Cut(r.Repo, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("repo must be in owner/name form: %q", r.Repo)
		}
	default:
		return fmt.Errorf("invalid type: %s (must be direct or github)", r.Type)
	}
	return nil
}

// KeepMatcher compiles the keep patterns into a predicate over file names.
func (m *Manifest) KeepMatcher() func(name string) bool {
	globs := make([]glob.Glob, 0, len(m.Keep))
	for _, pattern := range m.Keep {
		g, err := glob.Compile(pattern)
		if err != nil {
			continue // Validate rejects these
		}
		globs = append(globs, g)
	}
	return func(name string) bool {
		for _, g := range globs {
			if g.Match(name) {
				return true
			}
		}
		return false
	}
}

// Example returns the manifest written when none exists yet.
func Example() *Manifest {
	prune := true
	return &Manifest{
		Loader:      LoaderFabric,
		GameVersion: "1.20.1",
		Prune:       &prune,
		Mods: []Entry{
			{Name: "Fabric API"},
			{Name: "Sodium"},
			{Name: "Lithium", Version: "mc1.20.1-0.11.2"},
		},
	}
}

const exampleHeader = `# modsync manifest. Edit the mods list and run modsync again.
#
# Entries resolve against Modrinth by name unless an identifier is given.
# Use "source: url" with "downloadUrl" for mods hosted elsewhere.
`

// WriteExample writes Example() to path. An existing file is never overwritten.
func WriteExample(path string) error {
	path = os.ExpandEnv(path)

	data, err := yaml.Marshal(Example())
	if err != nil {
		return fmt.Errorf("failed to encode example manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := f.WriteString(exampleHeader + string(data)); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return f.Close()
}
