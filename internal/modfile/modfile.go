// Package modfile names and lists the archive files inside a mods directory.
package modfile

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

// ValidExtensions are the file extensions managed as mods.
var ValidExtensions = []string{
	".jar",
}

// IsModFile returns true if the file has a managed extension and is not hidden.
func IsModFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return slices.Contains(ValidExtensions, ext)
}

// BaseName normalizes a mod name or file name for fuzzy identity matching:
// lowercase, with every run of whitespace replaced by a single hyphen.
// For example: "Sodium Extra" -> "sodium-extra"
func BaseName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	inSpace := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte('-')
			}
			inSpace = true
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// SynthesizeFileName builds the file name used for entries that carry no
// registry file name: {base-name}-{version|latest}.jar
func SynthesizeFileName(name, version string) string {
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("%s-%s.jar", BaseName(name), version)
}

// IsVariant reports whether an installed file belongs to the entry with the
// given base name. The match is a prefix match so version and loader
// suffixes added by the registry still count as the same mod.
func IsVariant(fileBase, entryBase string) bool {
	return entryBase != "" && strings.HasPrefix(fileBase, entryBase)
}

// IsRelated is the looser check used when pruning: prefix or substring.
func IsRelated(fileBase, entryBase string) bool {
	return entryBase != "" && strings.Contains(fileBase, entryBase)
}

// File is one mod archive observed in the directory.
type File struct {
	Name string // file name without directory
	Base string // BaseName(Name)
	Size int64
}

// Snapshot is the set of mod files in a directory at the start of a pass.
// Changes made during the pass are recorded with Add and Remove instead of
// listing the directory again.
type Snapshot struct {
	Dir   string
	files map[string]File
}

// Discover lists the mod files directly inside dir. Subdirectories, hidden
// files and files without a managed extension are skipped.
func Discover(dir string) (*Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{Dir: dir, files: make(map[string]File)}
	for _, entry := range entries {
		if entry.IsDir() || !IsModFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		s.Add(entry.Name(), info.Size())
	}
	return s, nil
}

// NewSnapshot builds a snapshot from known files, mainly for tests and dry runs.
func NewSnapshot(dir string, files ...File) *Snapshot {
	s := &Snapshot{Dir: dir, files: make(map[string]File)}
	for _, f := range files {
		s.Add(f.Name, f.Size)
	}
	return s
}

// Add records a file, replacing any previous record of the same name.
func (s *Snapshot) Add(name string, size int64) {
	s.files[name] = File{Name: name, Base: BaseName(name), Size: size}
}

// Remove forgets a file.
func (s *Snapshot) Remove(name string) {
	delete(s.files, name)
}

// Get returns the file with the given name.
func (s *Snapshot) Get(name string) (File, bool) {
	f, ok := s.files[name]
	return f, ok
}

// Files returns all files sorted by name.
func (s *Snapshot) Files() []File {
	out := make([]File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b File) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Variants returns the files that IsVariant matches for entryBase, sorted by name.
func (s *Snapshot) Variants(entryBase string) []File {
	var out []File
	for _, f := range s.Files() {
		if IsVariant(f.Base, entryBase) {
			out = append(out, f)
		}
	}
	return out
}

// Path returns the absolute path of name inside the snapshot directory.
func (s *Snapshot) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Len returns the number of files.
func (s *Snapshot) Len() int {
	return len(s.files)
}
