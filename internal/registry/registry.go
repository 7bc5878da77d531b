// Package registry resolves manifest entries to concrete downloadable
// artifacts. Modrinth is the only implemented registry; CurseForge entries
// fail fast and direct-URL entries bypass registries entirely.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/schaermu/modsync/internal/errdefs"
	"github.com/schaermu/modsync/internal/manifest"
	"github.com/schaermu/modsync/internal/modfile"
)

// Filters are the compatibility constraints applied to every resolution.
type Filters struct {
	Loader      string
	GameVersion string
}

// Artifact is the concrete file a manifest entry resolves to.
type Artifact struct {
	URL      string
	Version  string
	FileName string
}

// Resolver maps one manifest entry to an artifact.
type Resolver interface {
	Resolve(ctx context.Context, entry manifest.Entry, filters Filters) (*Artifact, error)
}

// Router dispatches entries to the resolver registered for their source.
type Router struct {
	Modrinth   Resolver
	CurseForge Resolver
	Direct     Resolver
}

// Resolve implements Resolver.
func (r *Router) Resolve(ctx context.Context, entry manifest.Entry, filters Filters) (*Artifact, error) {
	var target Resolver
	switch entry.Source {
	case manifest.SourceModrinth, "":
		target = r.Modrinth
	case manifest.SourceCurseForge:
		target = r.CurseForge
	case manifest.SourceURL:
		target = r.Direct
	}
	if target == nil {
		return nil, fmt.Errorf("source %q: %w", entry.Source, errdefs.ErrUnsupportedSource)
	}
	return target.Resolve(ctx, entry, filters)
}

// CurseForge is a placeholder that rejects every entry.
type CurseForge struct{}

// Resolve implements Resolver.
func (CurseForge) Resolve(_ context.Context, entry manifest.Entry, _ Filters) (*Artifact, error) {
	return nil, fmt.Errorf("%s: curseforge is not implemented: %w", entry.Name, errdefs.ErrUnsupportedSource)
}

// Direct resolves url entries from the entry itself.
type Direct struct{}

// Resolve implements Resolver.
func (Direct) Resolve(_ context.Context, entry manifest.Entry, _ Filters) (*Artifact, error) {
	if entry.DownloadURL == "" {
		return nil, fmt.Errorf("%s: url source without downloadUrl: %w", entry.Name, errdefs.ErrUnsupportedSource)
	}

	version := entry.Version
	if version == "" {
		version = "latest"
	}

	name := entry.FileName
	if name == "" {
		name = modfile.SynthesizeFileName(entry.Name, entry.Version)
	}
	if err := checkFileName(name); err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Name, err)
	}

	return &Artifact{URL: entry.DownloadURL, Version: version, FileName: name}, nil
}

// checkFileName rejects names that would escape the mods directory.
func checkFileName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("unsafe file name %q: %w", name, errdefs.ErrMalformedResponse)
	}
	return nil
}
