package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: "unknown"},
		{name: "wrapped not found", err: fmt.Errorf("resolve sodium: %w", ErrRegistryNotFound), want: "registry_not_found"},
		{name: "double wrapped", err: fmt.Errorf("a: %w", fmt.Errorf("b: %w", ErrInvalidArtifact)), want: "invalid_artifact"},
		{name: "rollback wins over filesystem", err: errors.Join(ErrFilesystem, ErrRollbackFailed), want: "rollback_failed"},
		{name: "platform", err: ErrUnsupportedPlatform, want: "unsupported_platform"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Kind(tc.err); got != tc.want {
				t.Errorf("Kind() = %q, want %q", got, tc.want)
			}
		})
	}
}
