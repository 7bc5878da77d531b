package selfupdate

import (
	"fmt"

	"github.com/schaermu/modsync/internal/errdefs"
)

var (
	osNames = map[string]string{
		"windows": "windows",
		"linux":   "linux",
		"darwin":  "macos",
	}
	archNames = map[string]string{
		"amd64": "x64",
		"arm64": "arm64",
	}
)

// AssetName returns the release asset built for goos/goarch, for example
// "modsync-linux-x64" or "modsync-windows-x64.exe". There is no fallback for
// other platforms.
func AssetName(app, goos, goarch string) (string, error) {
	osName, okOS := osNames[goos]
	arch, okArch := archNames[goarch]
	if !okOS || !okArch {
		return "", fmt.Errorf("%s/%s: %w", goos, goarch, errdefs.ErrUnsupportedPlatform)
	}

	name := fmt.Sprintf("%s-%s-%s", app, osName, arch)
	if goos == "windows" {
		name += ".exe"
	}
	return name, nil
}

// BackupPath is where the previous executable is kept during and after a swap.
func BackupPath(exe string) string {
	return exe + ".old"
}
