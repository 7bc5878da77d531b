package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/modsync/internal/fetch"
)

// DefaultGitHubRawURL serves raw repository files for github remotes.
const DefaultGitHubRawURL = "https://raw.githubusercontent.com"

// Getter fetches a document body. *fetch.Client implements it.
type Getter interface {
	GetBytes(ctx context.Context, url string, headers ...fetch.Header) ([]byte, error)
}

// Location returns the address the remote manifest is fetched from.
func (r *RemoteSource) Location(rawBaseURL string) string {
	if r.Type == RemoteDirect {
		return r.URL
	}
	if rawBaseURL == "" {
		rawBaseURL = DefaultGitHubRawURL
	}
	return fmt.Sprintf("%s/%s/%s/%s",
		strings.TrimRight(rawBaseURL, "/"), r.Repo, r.Branch, strings.TrimLeft(r.File, "/"))
}

// ApplyRemote fetches the manifest m.Remote points at and overlays its
// non-zero fields on a copy of m. When m has no remote, m is returned as is.
// On any fetch, parse or validation failure the error is returned together
// with the unchanged local manifest so callers can warn and carry on. If the
// local manifest is not valid on its own either, the manifest is nil.
func ApplyRemote(ctx context.Context, m *Manifest, g Getter, rawBaseURL string) (*Manifest, error) {
	if m.Remote == nil {
		return m, nil
	}

	merged, err := fetchOverlay(ctx, m, g, rawBaseURL)
	if err == nil {
		return merged, nil
	}

	if verr := m.Validate(); verr != nil {
		return nil, errors.Join(err, fmt.Errorf("local manifest: %w", verr))
	}
	return m, err
}

func fetchOverlay(ctx context.Context, m *Manifest, g Getter, rawBaseURL string) (*Manifest, error) {
	src := m.Remote.Location(rawBaseURL)
	data, err := g.GetBytes(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetching remote manifest %s: %w", src, err)
	}

	remote, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("remote manifest %s: %w", src, err)
	}

	merged := m.overlay(remote)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("remote manifest %s: invalid result: %w", src, err)
	}
	return merged, nil
}

// overlay returns a copy of m with every non-zero field of o applied on top.
// The remote pointer of o is ignored, so overlays never chain.
func (m *Manifest) overlay(o *Manifest) *Manifest {
	out := *m
	if o.Loader != "" {
		out.Loader = o.Loader
	}
	if o.GameVersion != "" {
		out.GameVersion = o.GameVersion
	}
	if o.Prune != nil {
		prune := *o.Prune
		out.Prune = &prune
	}
	if len(o.Keep) > 0 {
		out.Keep = append([]string(nil), o.Keep...)
	}
	if len(o.Mods) > 0 {
		out.Mods = append([]Entry(nil), o.Mods...)
	}
	return &out
}
