package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/schaermu/modsync/internal/errdefs"
	"github.com/schaermu/modsync/internal/fetch"
	"github.com/schaermu/modsync/internal/manifest"
)

// DefaultModrinthURL is the public Modrinth API.
const DefaultModrinthURL = "https://api.modrinth.com/v2"

// searchLimit is how many ranked hits discovery looks at.
const searchLimit = 20

// JSONGetter fetches and decodes a JSON document. *fetch.Client implements it.
type JSONGetter interface {
	GetJSON(ctx context.Context, url string, v any, headers ...fetch.Header) error
}

type (
	// searchResponse is the wire format of GET /search.
	searchResponse struct {
		Hits []searchHit `json:"hits"`
	}

	searchHit struct {
		ProjectID  string   `json:"project_id"`
		Slug       string   `json:"slug"`
		Title      string   `json:"title"`
		Categories []string `json:"categories"`
	}

	// projectVersion is one element of GET /project/{id}/version.
	projectVersion struct {
		ID            string        `json:"id"`
		VersionNumber string        `json:"version_number"`
		GameVersions  []string      `json:"game_versions"`
		Loaders       []string      `json:"loaders"`
		Files         []versionFile `json:"files"`
	}

	versionFile struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}
)

// Modrinth resolves entries against the Modrinth v2 API.
type Modrinth struct {
	client  JSONGetter
	baseURL string
	logger  *slog.Logger
}

// NewModrinth creates a Modrinth resolver. An empty baseURL uses DefaultModrinthURL.
func NewModrinth(client JSONGetter, baseURL string, logger *slog.Logger) *Modrinth {
	if baseURL == "" {
		baseURL = DefaultModrinthURL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Modrinth{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Resolve implements Resolver. An explicit identifier skips discovery;
// otherwise the entry name is searched.
func (m *Modrinth) Resolve(ctx context.Context, entry manifest.Entry, filters Filters) (*Artifact, error) {
	projectID := entry.Identifier
	if projectID == "" {
		hit, err := m.discover(ctx, entry.Name, filters)
		if err != nil {
			return nil, err
		}
		projectID = hit.ProjectID
	}

	versions, err := m.versions(ctx, projectID, filters)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Name, err)
	}

	v, err := selectVersion(versions, filters, entry.Version)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Name, err)
	}

	file, err := pickFile(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Name, err)
	}

	return &Artifact{URL: file.URL, Version: v.VersionNumber, FileName: file.Filename}, nil
}

// discover searches by name and picks one hit.
func (m *Modrinth) discover(ctx context.Context, name string, filters Filters) (*searchHit, error) {
	facets, err := json.Marshal([][]string{
		{"categories:" + filters.Loader},
		{"versions:" + filters.GameVersion},
		{"project_type:mod"},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding facets: %w", err)
	}

	q := url.Values{}
	q.Set("query", name)
	q.Set("facets", string(facets))
	q.Set("limit", fmt.Sprint(searchLimit))

	var resp searchResponse
	if err := m.client.GetJSON(ctx, m.baseURL+"/search?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("searching %q: %w", name, err)
	}

	hit := selectHit(resp.Hits, name)
	if hit == nil {
		return nil, fmt.Errorf("no project matches %q for %s %s: %w",
			name, filters.Loader, filters.GameVersion, errdefs.ErrRegistryNotFound)
	}

	if !containsFold(hit.Categories, filters.Loader) {
		m.logger.Warn("project does not list the requested loader, using it anyway",
			"mod", name, "project", hit.Slug, "loader", filters.Loader, "categories", hit.Categories)
	}

	m.logger.Debug("discovered project", "mod", name, "project", hit.Slug, "id", hit.ProjectID)
	return hit, nil
}

// versions lists the project's versions. The loader and game version are
// passed as query filters, but selectVersion applies them again.
func (m *Modrinth) versions(ctx context.Context, projectID string, filters Filters) ([]projectVersion, error) {
	loaders, _ := json.Marshal([]string{filters.Loader})          //nolint:errcheck // []string always encodes
	gameVersions, _ := json.Marshal([]string{filters.GameVersion}) //nolint:errcheck // []string always encodes

	q := url.Values{}
	q.Set("loaders", string(loaders))
	q.Set("game_versions", string(gameVersions))

	reqURL := fmt.Sprintf("%s/project/%s/version?%s", m.baseURL, url.PathEscape(projectID), q.Encode())

	var versions []projectVersion
	if err := m.client.GetJSON(ctx, reqURL, &versions); err != nil {
		if fetch.IsNotFound(err) {
			return nil, fmt.Errorf("project %q: %w", projectID, errdefs.ErrRegistryNotFound)
		}
		return nil, fmt.Errorf("listing versions of %q: %w", projectID, err)
	}
	return versions, nil
}

// selectHit applies the discovery rules in order: exact title or slug
// match, containment either way between query and title, then the first
// (most popular) hit.
func selectHit(hits []searchHit, query string) *searchHit {
	if len(hits) == 0 {
		return nil
	}

	for i := range hits {
		if strings.EqualFold(hits[i].Title, query) || strings.EqualFold(hits[i].Slug, query) {
			return &hits[i]
		}
	}

	q := strings.ToLower(query)
	for i := range hits {
		title := strings.ToLower(hits[i].Title)
		if strings.Contains(title, q) || strings.Contains(q, title) {
			return &hits[i]
		}
	}

	return &hits[0]
}

// selectVersion picks the version to install. Registry order defines
// "latest", so the first compatible version wins when nothing is pinned.
func selectVersion(versions []projectVersion, filters Filters, pinned string) (*projectVersion, error) {
	compatible := make([]*projectVersion, 0, len(versions))
	for i := range versions {
		v := &versions[i]
		if containsFold(v.GameVersions, filters.GameVersion) && containsFold(v.Loaders, filters.Loader) {
			compatible = append(compatible, v)
		}
	}

	if pinned == "" {
		if len(compatible) == 0 {
			return nil, fmt.Errorf("no version for %s %s: %w",
				filters.Loader, filters.GameVersion, errdefs.ErrVersionIncompatible)
		}
		return compatible[0], nil
	}

	for _, v := range compatible {
		if v.VersionNumber == pinned {
			return v, nil
		}
	}

	want := trimV(pinned)
	for _, v := range compatible {
		if trimV(v.VersionNumber) == want {
			return v, nil
		}
	}

	return nil, fmt.Errorf("version %q not available for %s %s: %w",
		pinned, filters.Loader, filters.GameVersion, errdefs.ErrVersionIncompatible)
}

// pickFile returns the first file attached to v.
func pickFile(v *projectVersion) (*versionFile, error) {
	if len(v.Files) == 0 {
		return nil, fmt.Errorf("version %s has no files: %w", v.VersionNumber, errdefs.ErrVersionIncompatible)
	}

	file := &v.Files[0]
	if file.URL == "" {
		return nil, fmt.Errorf("version %s: file without url: %w", v.VersionNumber, errdefs.ErrMalformedResponse)
	}
	if err := checkFileName(file.Filename); err != nil {
		return nil, err
	}
	return file, nil
}

// trimV drops one optional leading "v" so "v1.5.0" and "1.5.0" compare equal.
func trimV(s string) string {
	if len(s) > 1 && (s[0] == 'v' || s[0] == 'V') {
		return s[1:]
	}
	return s
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(x string) bool { return strings.EqualFold(x, s) })
}
