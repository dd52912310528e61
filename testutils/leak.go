package testutils

import (
	"fmt"
	"os"
	"testing"

	"go.yogatalks.dev/utils"
)

// VerifyTestMain preforms various runtime checks on code that tests run.
func VerifyTestMain(m *testing.M) {
	exitCode := m.Run()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	if err := utils.FindGoroutineLeaks(); err != nil {
		fmt.Fprintf(os.Stderr, "found goroutine leaks: %s\n", err)
		os.Exit(1)
	}
}
