package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

// TempFile creates a file with the given name inside the test's temporary directory
// and writes contents to it. The directory is removed with the test.
func TempFile(tb testing.TB, name string, contents []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	test.That(tb, os.WriteFile(path, contents, 0o600), test.ShouldBeNil)
	return path
}
