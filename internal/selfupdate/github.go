package selfupdate

import (
	"context"
	"fmt"
	"strings"

	"github.com/schaermu/modsync/internal/errdefs"
	"github.com/schaermu/modsync/internal/fetch"
)

// DefaultGitHubAPI is the public GitHub REST API.
const DefaultGitHubAPI = "https://api.github.com"

type (
	// Release is a published release and its downloadable assets.
	Release struct {
		TagName string
		Assets  []Asset
	}

	// Asset is a single downloadable file of a release.
	Asset struct {
		Name               string // e.g. "modsync-linux-x64"
		BrowserDownloadURL string
		Size               int64
	}

	// githubRelease is the JSON wire format of GET /repos/{owner}/{repo}/releases/latest.
	githubRelease struct {
		TagName string        `json:"tag_name"`
		Assets  []githubAsset `json:"assets"`
	}

	githubAsset struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
		Size               int64  `json:"size"`
	}

	// JSONGetter fetches and decodes a JSON document. *fetch.Client implements it.
	JSONGetter interface {
		GetJSON(ctx context.Context, url string, v any, headers ...fetch.Header) error
	}

	// Feed returns the most recent published release.
	Feed interface {
		Latest(ctx context.Context) (*Release, error)
	}

	// GitHubFeed reads the latest release of a GitHub repository.
	GitHubFeed struct {
		client  JSONGetter
		owner   string
		repo    string
		baseURL string
		token   string
	}

	// FeedOption configures a GitHubFeed during construction.
	FeedOption func(*GitHubFeed)
)

// WithBaseURL overrides the GitHub API base URL, primarily for test servers.
func WithBaseURL(base string) FeedOption {
	return func(g *GitHubFeed) {
		if base != "" {
			g.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithToken sets a GitHub token for authenticated requests (higher rate limit).
func WithToken(token string) FeedOption {
	return func(g *GitHubFeed) {
		g.token = token
	}
}

// NewGitHubFeed creates a feed for repo, given as "owner/name".
func NewGitHubFeed(client JSONGetter, repo string, opts ...FeedOption) (*GitHubFeed, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("release repository must be owner/name, got %q", repo)
	}

	g := &GitHubFeed{
		client:  client,
		owner:   owner,
		repo:    name,
		baseURL: DefaultGitHubAPI,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Latest implements Feed.
func (g *GitHubFeed) Latest(ctx context.Context) (*Release, error) {
	reqURL := fmt.Sprintf("%s/repos/%s/%s/releases/latest", g.baseURL, g.owner, g.repo)

	headers := []fetch.Header{
		{Key: "Accept", Value: "application/vnd.github+json"},
		{Key: "X-GitHub-Api-Version", Value: "2022-11-28"},
	}
	if g.token != "" {
		headers = append(headers, fetch.Header{Key: "Authorization", Value: "Bearer " + g.token})
	}

	var gr githubRelease
	if err := g.client.GetJSON(ctx, reqURL, &gr, headers...); err != nil {
		if fetch.IsNotFound(err) {
			return nil, fmt.Errorf("%s/%s has no published release: %w", g.owner, g.repo, errdefs.ErrRegistryNotFound)
		}
		return nil, fmt.Errorf("fetching latest release: %w", err)
	}
	if gr.TagName == "" {
		return nil, fmt.Errorf("latest release has no tag: %w", errdefs.ErrMalformedResponse)
	}

	r := &Release{TagName: gr.TagName, Assets: make([]Asset, 0, len(gr.Assets))}
	for _, ga := range gr.Assets {
		r.Assets = append(r.Assets, Asset(ga))
	}
	return r, nil
}

// findAsset scans the release assets for one with the given name.
func findAsset(assets []Asset, name string) (*Asset, error) {
	for i := range assets {
		if assets[i].Name == name {
			return &assets[i], nil
		}
	}
	return nil, fmt.Errorf("asset %q not found in release: %w", name, errdefs.ErrRegistryNotFound)
}
