package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "modpack.yaml")

	t.Setenv("MODSYNC_TEST_HOST", "files.example.com")

	content := `
modLoader: Fabric
gameVersion: "1.20.1"
keep:
  - "*-local.jar"
mods:
  - name: Sodium
  - name: Lithium
    version: "0.11.2"
    source: registry
  - name: Iris Shaders
    identifier: YL57xq9U
  - name: My Mod
    source: direct-url
    downloadUrl: "https://${MODSYNC_TEST_HOST}/my-mod.jar"
    fileName: my-mod-1.0.jar
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Loader != LoaderFabric {
		t.Errorf("expected loader fabric, got %s", m.Loader)
	}
	if !m.PruneEnabled() {
		t.Error("prune should default to true")
	}
	if len(m.Mods) != 4 {
		t.Fatalf("expected 4 mods, got %d", len(m.Mods))
	}
	if m.Mods[0].Source != SourceModrinth {
		t.Errorf("empty source should default to modrinth, got %s", m.Mods[0].Source)
	}
	if m.Mods[1].Source != SourceModrinth {
		t.Errorf("registry alias should map to modrinth, got %s", m.Mods[1].Source)
	}
	if m.Mods[3].Source != SourceURL {
		t.Errorf("direct-url alias should map to url, got %s", m.Mods[3].Source)
	}
	if m.Mods[3].DownloadURL != "https://files.example.com/my-mod.jar" {
		t.Errorf("downloadUrl not expanded: %s", m.Mods[3].DownloadURL)
	}
	if m.Mods[2].BaseName() != "iris-shaders" {
		t.Errorf("BaseName() = %s", m.Mods[2].BaseName())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modpack.json")
	content := `{
  "modLoader": "neoforge",
  "gameVersion": "1.21.1",
  "prune": false,
  "mods": [{"name": "JEI", "version": "19.0.0"}]
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Loader != LoaderNeoForge || m.GameVersion != "1.21.1" {
		t.Errorf("unexpected manifest: %+v", m)
	}
	if m.PruneEnabled() {
		t.Error("prune: false must disable pruning")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modpack.yaml")
	if err := os.WriteFile(path, []byte("mods: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Manifest {
		return Manifest{
			Loader:      LoaderFabric,
			GameVersion: "1.20.1",
			Mods:        []Entry{{Name: "Sodium", Source: SourceModrinth}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(m *Manifest)
		wantErr bool
	}{
		{name: "valid manifest", mutate: func(m *Manifest) {}},
		{name: "empty mods list is valid", mutate: func(m *Manifest) { m.Mods = nil }},
		{name: "missing loader", mutate: func(m *Manifest) { m.Loader = "" }, wantErr: true},
		{name: "unknown loader", mutate: func(m *Manifest) { m.Loader = "rift" }, wantErr: true},
		{name: "missing game version", mutate: func(m *Manifest) { m.GameVersion = "" }, wantErr: true},
		{name: "entry without name", mutate: func(m *Manifest) { m.Mods[0].Name = "" }, wantErr: true},
		{name: "unknown source", mutate: func(m *Manifest) { m.Mods[0].Source = "ftp" }, wantErr: true},
		{name: "curseforge is accepted at load time", mutate: func(m *Manifest) { m.Mods[0].Source = SourceCurseForge }},
		{name: "url source without downloadUrl", mutate: func(m *Manifest) { m.Mods[0].Source = SourceURL }, wantErr: true},
		{name: "invalid keep glob", mutate: func(m *Manifest) { m.Keep = []string{"[unclosed"} }, wantErr: true},
		{
			name:   "github remote",
			mutate: func(m *Manifest) { m.Remote = &RemoteSource{Type: RemoteGitHub, Repo: "owner/pack"} },
		},
		{
			name:    "github remote with bad repo",
			mutate:  func(m *Manifest) { m.Remote = &RemoteSource{Type: RemoteGitHub, Repo: "pack"} },
			wantErr: true,
		},
		{
			name:    "direct remote without url",
			mutate:  func(m *Manifest) { m.Remote = &RemoteSource{Type: RemoteDirect} },
			wantErr: true,
		},
		{
			name:    "unknown remote type",
			mutate:  func(m *Manifest) { m.Remote = &RemoteSource{Type: "gitlab", URL: "x"} },
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := valid()
			tc.mutate(&m)
			err := m.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestApplyDefaults_GitHubRemote(t *testing.T) {
	m, err := Parse([]byte(`
modLoader: fabric
gameVersion: "1.20.1"
remote:
  type: GitHub
  repo: owner/pack
`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Remote.Branch != "main" {
		t.Errorf("branch default = %q, want main", m.Remote.Branch)
	}
	if m.Remote.File != DefaultFileName {
		t.Errorf("file default = %q, want %s", m.Remote.File, DefaultFileName)
	}
}

func TestKeepMatcher(t *testing.T) {
	m := &Manifest{Keep: []string{"*-local.jar", "optifine*.jar"}}
	keep := m.KeepMatcher()

	for name, want := range map[string]bool{
		"tweaks-local.jar":   true,
		"optifine_hd_u.jar":  true,
		"sodium-0.5.8.jar":   false,
		"local-tweaks.jar":   false,
		"optifine-readme.md": false,
	} {
		if got := keep(name); got != want {
			t.Errorf("keep(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)

	if err := WriteExample(path); err != nil {
		t.Fatalf("WriteExample: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("example manifest does not load: %v", err)
	}
	if len(m.Mods) != len(Example().Mods) {
		t.Errorf("example has %d mods, want %d", len(m.Mods), len(Example().Mods))
	}

	// An existing manifest is never overwritten.
	if err := WriteExample(path); err == nil {
		t.Error("expected error when manifest already exists")
	}
}
