package sync

import (
	"errors"
	"fmt"

	"github.com/schaermu/modsync/internal/manifest"
	"github.com/schaermu/modsync/internal/registry"
)

// ActionKind is what the engine did (or would do, in dry-run) to one file.
type ActionKind string

const (
	ActionKeep         ActionKind = "keep"
	ActionInstall      ActionKind = "install"
	ActionReplace      ActionKind = "replace"
	ActionRemoveStale  ActionKind = "remove-stale"
	ActionRemoveOrphan ActionKind = "remove-orphan"
)

// Action is one file operation.
type Action struct {
	Kind ActionKind
	File string // file name inside the mods directory
}

// Outcome is the result of reconciling one manifest entry. Err is set when
// the entry did not converge; other entries are unaffected.
type Outcome struct {
	Entry    manifest.Entry
	Artifact *registry.Artifact // nil when resolution failed
	Actions  []Action
	Err      error
}

// Converged reports whether the entry's expected file is in place.
func (o *Outcome) Converged() bool {
	return o.Err == nil && o.Artifact != nil
}

// Report collects the outcomes of one reconciliation pass.
type Report struct {
	DryRun    bool
	Outcomes  []Outcome
	Orphans   []string // files removed (or, in dry-run, planned for removal) by the prune pass
	Downloads int
	Deletions int

	pruneErrs []error
}

// Failed returns the outcomes that carry an error.
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err joins every entry and prune error, or returns nil for a clean pass.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.pruneErrs))
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", o.Entry.Name, o.Err))
	}
	errs = append(errs, r.pruneErrs...)
	return errors.Join(errs...)
}

// Count returns how many actions of kind the pass recorded, orphans included.
func (r *Report) Count(kind ActionKind) int {
	if kind == ActionRemoveOrphan {
		return len(r.Orphans)
	}
	n := 0
	for _, o := range r.Outcomes {
		for _, a := range o.Actions {
			if a.Kind == kind {
				n++
			}
		}
	}
	return n
}
