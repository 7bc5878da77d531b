// Package selfupdate replaces the running modsync binary with the latest
// GitHub release.
//
// The package is organized into three concerns:
//   - github.go: the release feed (GitHub "latest release" endpoint)
//   - platform.go: mapping of GOOS/GOARCH to release asset names
//   - selfupdate.go: the Manager that checks, downloads, swaps and restarts
//
// The swap is two renames: the running executable moves to a ".old" sibling,
// then the download moves into its place. A failure of the second rename is
// undone by moving the backup back. If that also fails, Run returns a
// *RollbackError and the caller must report it loudly.
package selfupdate
