// Package testutil holds helpers shared by tests that need the repository
// checkout, such as the integration suite that builds the binary.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/mod/modfile"
)

// ModulePath is the module declared in the repository's go.mod.
const ModulePath = "github.com/schaermu/modsync"

// FindProjectRoot walks up from the caller's source file to the directory
// whose go.mod declares ModulePath. Other go.mod files on the way are skipped.
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	return findModuleRoot(filepath.Dir(filename), ModulePath)
}

func findModuleRoot(dir, module string) (string, error) {
	for {
		data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
		if err == nil && modfile.ModulePath(data) == module {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no go.mod for %s above %s", module, dir)
		}
		dir = parent
	}
}
