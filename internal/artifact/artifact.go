// Package artifact checks that a downloaded file looks like a package archive.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schaermu/modsync/internal/errdefs"
)

// zipSignature is the local file header that every zip (and jar) archive starts with.
var zipSignature = []byte{0x50, 0x4B, 0x03, 0x04}

// Validate fails with errdefs.ErrInvalidArtifact unless the file at path is
// non-empty and starts with the zip local file header. It is a structural
// check only: a corrupt archive with a correct header passes. Validate never
// modifies or removes the file.
func Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w: %w", path, errdefs.ErrFilesystem, err)
	}
	defer func() {
		_ = f.Close()
	}()

	header := make([]byte, len(zipSignature))
	_, err = io.ReadFull(f, header)
	switch {
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%s is empty: %w", path, errdefs.ErrInvalidArtifact)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%s is too short to be an archive: %w", path, errdefs.ErrInvalidArtifact)
	case err != nil:
		return fmt.Errorf("reading %s: %w: %w", path, errdefs.ErrFilesystem, err)
	}

	if !bytes.Equal(header, zipSignature) {
		return fmt.Errorf("%s has signature % x, want % x: %w", path, header, zipSignature, errdefs.ErrInvalidArtifact)
	}
	return nil
}
