package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TempDirWithFiles creates a temporary directory for the test, containing a
// file for each of the names provided. Each file contains its own name. The
// paths of the created files are returned in the same order.
func TempDirWithFiles(t *testing.T, names []string) (string, []string) {
	dirPath := t.TempDir()
	filePaths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dirPath, name)
		err := os.WriteFile(path, []byte(name), 0o644)
		assert.Nil(t, err, "failed to create temporary file in temporary dir")
		filePaths = append(filePaths, path)
	}

	assert.Len(t, filePaths, len(names), "Expected file paths recorded to match length of requested files")
	return dirPath, filePaths
}

// DirEntries returns the names of the entries in dir, or nil if the
// directory does not exist.
func DirEntries(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	assert.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
