// Package errdefs defines the error kinds shared by the resolver, the
// reconciliation engine and the self-updater. Callers wrap these with
// fmt.Errorf("...: %w", ...) and classify with errors.Is.
package errdefs

import "errors"

var (
	// ErrRegistryNotFound means a search returned no hits or an identifier is unknown.
	ErrRegistryNotFound = errors.New("not found in registry")

	// ErrVersionIncompatible means no version satisfies the loader and game version
	// filters, or a pinned version does not exist.
	ErrVersionIncompatible = errors.New("no compatible version")

	// ErrUnsupportedSource is returned for sources that have no resolver.
	ErrUnsupportedSource = errors.New("unsupported source")

	// ErrInvalidArtifact means a downloaded file is empty or not an archive.
	ErrInvalidArtifact = errors.New("invalid artifact")

	// ErrNetwork covers transport failures and non-success HTTP statuses.
	ErrNetwork = errors.New("network failure")

	// ErrMalformedResponse means a remote answered with a body that could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrFilesystem covers permission, missing path and rename failures.
	ErrFilesystem = errors.New("filesystem failure")

	// ErrUnsupportedPlatform means no release asset maps to the running OS/architecture.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrRollbackFailed means a binary swap failed halfway and the previous
	// executable could not be restored.
	ErrRollbackFailed = errors.New("rollback failed")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrRollbackFailed, "rollback_failed"},
	{ErrRegistryNotFound, "registry_not_found"},
	{ErrVersionIncompatible, "version_incompatible"},
	{ErrUnsupportedSource, "unsupported_source"},
	{ErrInvalidArtifact, "invalid_artifact"},
	{ErrMalformedResponse, "malformed_response"},
	{ErrNetwork, "network"},
	{ErrFilesystem, "filesystem"},
	{ErrUnsupportedPlatform, "unsupported_platform"},
}

// Kind returns a short label for the first error kind err wraps, "unknown"
// for unclassified errors and "" for nil.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}
