// Package content reads document source files from per-user content
// directories.
package content

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrFileNotFound is returned when a document's backing file is missing.
var ErrFileNotFound = errors.New("file not found")

// Reader resolves and reads document files under a fixed content root.
type Reader struct {
	root string
}

// NewReader creates a reader rooted at the given content directory
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// UserContentPath returns the absolute content directory for a user
func (r *Reader) UserContentPath(userUUID string) string {
	return filepath.Join(r.root, userUUID)
}

// ReadFile reads the document file at path relative to the user's
// content directory. A missing file surfaces as ErrFileNotFound.
func (r *Reader) ReadFile(userUUID, path string) (string, error) {
	abs := filepath.Join(r.UserContentPath(userUUID), path)

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrFileNotFound
		}
		return "", fmt.Errorf("failed to read %s: %w", abs, err)
	}

	return string(data), nil
}
