// Package testutils provides helpers for tests of this module: leak verification,
// a backing MongoDB, assertion polling and temporary files.
package testutils

import (
	"os"
	"testing"

	"github.com/pkg/errors"
)

// NoSkipEnvVar turns skips for missing backing services into failures when set to "1".
const NoSkipEnvVar = "YOGATALKS_TEST_NO_SKIP"

func skipWithError(tb testing.TB, err error) {
	tb.Helper()
	if os.Getenv(NoSkipEnvVar) == "1" {
		tb.Fatal(err)
		return
	}
	tb.Skip(err)
}

func backingMongoDBURI() (string, error) {
	mongoURI, ok := os.LookupEnv("TEST_MONGODB_URI")
	if !ok || mongoURI == "" {
		return "", errors.New("no MongoDB URI found")
	}
	randomizeMongoDBNamespaces()
	return mongoURI, nil
}

// SkipUnlessBackingMongoDBURI verifies there is a backing MongoDB URI to use.
func SkipUnlessBackingMongoDBURI(tb testing.TB) {
	tb.Helper()
	if _, err := backingMongoDBURI(); err != nil {
		skipWithError(tb, err)
	}
}

// BackingMongoDBURI returns the backing MongoDB URI to use.
func BackingMongoDBURI(tb testing.TB) string {
	tb.Helper()
	mongoURI, err := backingMongoDBURI()
	if err != nil {
		skipWithError(tb, err)
		return ""
	}
	return mongoURI
}
