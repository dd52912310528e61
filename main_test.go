package utils_test

import (
	"testing"

	"go.yogatalks.dev/utils/testutils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}
