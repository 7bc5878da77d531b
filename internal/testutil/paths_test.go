package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "cmd", "modsync")); err != nil {
		t.Fatalf("cmd/modsync not found below %s: %v", root, err)
	}
}

func TestFindModuleRoot_SkipsNestedModules(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "vendor", "other")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module "+ModulePath+"\n\ngo 1.24.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "go.mod"), []byte("module example.com/other\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := findModuleRoot(nested, ModulePath)
	if err != nil {
		t.Fatal(err)
	}
	if got != root {
		t.Errorf("findModuleRoot = %s, want %s", got, root)
	}

	if _, err := findModuleRoot(nested, "example.com/missing"); err == nil {
		t.Error("expected error for unknown module")
	}
}
