// Package sync converges a mods directory to the files a manifest resolves to.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/schaermu/modsync/internal/artifact"
	"github.com/schaermu/modsync/internal/errdefs"
	"github.com/schaermu/modsync/internal/fetch"
	"github.com/schaermu/modsync/internal/manifest"
	"github.com/schaermu/modsync/internal/modfile"
	"github.com/schaermu/modsync/internal/registry"
)

// tempPattern names in-flight downloads. The leading dot keeps them out of
// discovery and pruning.
const tempPattern = ".modsync-tmp-*"

// Downloader streams a URL into a new temp file. *fetch.Client implements it.
type Downloader interface {
	Download(ctx context.Context, url, dir, pattern string, headers ...fetch.Header) (string, int64, error)
}

// Options configures an Engine.
type Options struct {
	ModsDir    string
	Manifest   *manifest.Manifest
	Resolver   registry.Resolver
	Downloader Downloader
	Logger     *slog.Logger
	DryRun     bool
}

// Engine orchestrates one reconciliation pass
type Engine struct {
	modsDir    string
	manifest   *manifest.Manifest
	resolver   registry.Resolver
	downloader Downloader
	validate   func(path string) error
	logger     *slog.Logger
	dryRun     bool
}

// NewEngine creates a new sync engine
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		modsDir:    opts.ModsDir,
		manifest:   opts.Manifest,
		resolver:   opts.Resolver,
		downloader: opts.Downloader,
		validate:   artifact.Validate,
		logger:     logger,
		dryRun:     opts.DryRun,
	}
}

// Run executes the complete pass. Entry failures are recorded in the report;
// the returned error is reserved for failures that stop the whole pass: the
// mods directory cannot be prepared or listed, or ctx was cancelled.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.logger.Info("starting sync",
		"mods_dir", e.modsDir,
		"loader", e.manifest.Loader,
		"game_version", e.manifest.GameVersion,
		"entries", len(e.manifest.Mods),
		"dry_run", e.dryRun)

	snap, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	e.logger.Info("discovered mod files", "count", snap.Len())

	report := &Report{DryRun: e.dryRun}
	filters := registry.Filters{
		Loader:      string(e.manifest.Loader),
		GameVersion: e.manifest.GameVersion,
	}

	for _, entry := range e.manifest.Mods {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("sync interrupted: %w", err)
		}

		out := e.syncEntry(ctx, snap, entry, filters)
		if out.Err != nil {
			e.logger.Error("entry failed", "mod", entry.Name, "kind", errdefs.Kind(out.Err), "error", out.Err)
		}
		for _, a := range out.Actions {
			switch a.Kind {
			case ActionInstall, ActionReplace:
				report.Downloads++
			case ActionRemoveStale:
				report.Deletions++
			}
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	if e.manifest.PruneEnabled() {
		e.prune(snap, report)
	} else {
		e.logger.Debug("pruning disabled")
	}

	e.logger.Info("sync plan applied",
		"keep", report.Count(ActionKeep),
		"install", report.Count(ActionInstall),
		"replace", report.Count(ActionReplace),
		"remove_stale", report.Count(ActionRemoveStale),
		"remove_orphan", report.Count(ActionRemoveOrphan),
		"failed", len(report.Failed()))

	if e.dryRun {
		e.logger.Info("dry-run complete, no changes applied")
	}
	return report, nil
}

// snapshot lists the mods directory, creating it first outside dry-run.
func (e *Engine) snapshot() (*modfile.Snapshot, error) {
	if !e.dryRun {
		if err := os.MkdirAll(e.modsDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create mods directory: %w: %w", errdefs.ErrFilesystem, err)
		}
	}

	snap, err := modfile.Discover(e.modsDir)
	if err != nil {
		if e.dryRun && errors.Is(err, os.ErrNotExist) {
			return modfile.NewSnapshot(e.modsDir), nil
		}
		return nil, fmt.Errorf("failed to list mods directory: %w: %w", errdefs.ErrFilesystem, err)
	}
	return snap, nil
}

// syncEntry runs resolve, compare and install for one entry. Stale variants
// are removed only once the expected file is in place, so a failed download
// never costs the currently installed version.
func (e *Engine) syncEntry(ctx context.Context, snap *modfile.Snapshot, entry manifest.Entry, filters registry.Filters) Outcome {
	out := Outcome{Entry: entry}

	art, err := e.resolver.Resolve(ctx, entry, filters)
	if err != nil {
		out.Err = err
		return out
	}
	out.Artifact = art
	e.logger.Debug("resolved", "mod", entry.Name, "version", art.Version, "file", art.FileName)

	stale := e.staleVariants(snap, entry, art.FileName)

	existing, exists := e.lookup(snap, art.FileName)
	if exists && existing.Size > 0 {
		out.Actions = append(out.Actions, Action{Kind: ActionKeep, File: art.FileName})
	} else {
		kind := ActionInstall
		if exists || len(stale) > 0 {
			kind = ActionReplace
		}
		if err := e.install(ctx, snap, art, exists); err != nil {
			out.Err = err
			return out
		}
		out.Actions = append(out.Actions, Action{Kind: kind, File: art.FileName})
	}

	for _, name := range stale {
		if err := e.remove(snap, name, "stale variant", entry.Name); err != nil {
			out.Err = err
			return out
		}
		out.Actions = append(out.Actions, Action{Kind: ActionRemoveStale, File: name})
	}
	return out
}

// lookup finds the expected file. Discovery only lists managed extensions,
// so a name it skipped is checked on disk and recorded in the snapshot.
func (e *Engine) lookup(snap *modfile.Snapshot, name string) (modfile.File, bool) {
	if f, ok := snap.Get(name); ok {
		return f, true
	}
	info, err := os.Stat(snap.Path(name))
	if err != nil || !info.Mode().IsRegular() {
		return modfile.File{}, false
	}
	snap.Add(name, info.Size())
	return snap.Get(name)
}

// staleVariants returns the installed files that belong to entry but are not
// the expected file name.
func (e *Engine) staleVariants(snap *modfile.Snapshot, entry manifest.Entry, expected string) []string {
	var stale []string
	for _, f := range snap.Variants(entry.BaseName()) {
		if f.Name != expected {
			stale = append(stale, f.Name)
		}
	}
	return stale
}

// install downloads art into a temp file next to its final path, validates
// it and renames it into place. A zero-byte leftover at the final path is
// removed first.
func (e *Engine) install(ctx context.Context, snap *modfile.Snapshot, art *registry.Artifact, emptyExists bool) error {
	dst := snap.Path(art.FileName)

	if e.dryRun {
		e.logger.Info("[dry-run] would install", "file", art.FileName, "version", art.Version, "url", art.URL)
		snap.Add(art.FileName, 1)
		return nil
	}

	if emptyExists {
		e.logger.Warn("removing empty file", "file", art.FileName)
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove empty file %s: %w: %w", art.FileName, errdefs.ErrFilesystem, err)
		}
		snap.Remove(art.FileName)
	}

	e.logger.Info("downloading", "file", art.FileName, "version", art.Version)
	tmpPath, size, err := e.downloader.Download(ctx, art.URL, snap.Dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", art.FileName, err)
	}

	if err := e.validate(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("downloaded %s: %w", art.FileName, err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions on %s: %w: %w", art.FileName, errdefs.ErrFilesystem, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to install %s: %w: %w", art.FileName, errdefs.ErrFilesystem, err)
	}

	snap.Add(art.FileName, size)
	e.logger.Info("installed", "file", art.FileName, "version", art.Version)
	return nil
}

// prune removes every mod file unrelated to all entries. Files installed or
// kept this pass and files matching a keep glob are always spared.
func (e *Engine) prune(snap *modfile.Snapshot, report *Report) {
	bases := make([]string, 0, len(e.manifest.Mods))
	for _, entry := range e.manifest.Mods {
		bases = append(bases, entry.BaseName())
	}

	expected := make(map[string]bool, len(report.Outcomes))
	for _, o := range report.Outcomes {
		if o.Artifact != nil {
			expected[o.Artifact.FileName] = true
		}
	}

	keep := e.manifest.KeepMatcher()

	for _, f := range snap.Files() {
		if expected[f.Name] || keep(f.Name) || relatedToAny(f.Base, bases) {
			continue
		}
		if err := e.remove(snap, f.Name, "orphan", ""); err != nil {
			e.logger.Error("failed to prune", "file", f.Name, "error", err)
			report.pruneErrs = append(report.pruneErrs, err)
			continue
		}
		report.Orphans = append(report.Orphans, f.Name)
		report.Deletions++
	}
}

// remove deletes one file from the mods directory and the snapshot.
func (e *Engine) remove(snap *modfile.Snapshot, name, reason, mod string) error {
	attrs := []any{"file", name, "reason", reason}
	if mod != "" {
		attrs = append(attrs, "mod", mod)
	}

	if e.dryRun {
		e.logger.Info("[dry-run] would delete", attrs...)
		snap.Remove(name)
		return nil
	}

	e.logger.Info("deleting file", attrs...)
	if err := os.Remove(snap.Path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w: %w", name, errdefs.ErrFilesystem, err)
	}
	snap.Remove(name)
	return nil
}

func relatedToAny(fileBase string, entryBases []string) bool {
	for _, base := range entryBases {
		if modfile.IsRelated(fileBase, base) {
			return true
		}
	}
	return false
}
