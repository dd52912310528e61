package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.viam.com/test"

	"go.yogatalks.dev/utils"
	mongoutils "go.yogatalks.dev/utils/mongo"
)

var randomizeOnce sync.Once

// registered namespaces are randomized once per test binary so parallel
// packages never share documents.
func randomizeMongoDBNamespaces() {
	randomizeOnce.Do(func() {
		mongoutils.RandomizeNamespaces()
	})
}

// BackingMongoDBClient returns a connected MongoDB client for TEST_MONGODB_URI, skipping
// the test when none is configured. The client disconnects at test cleanup.
func BackingMongoDBClient(tb testing.TB) *mongo.Client {
	tb.Helper()
	mongoURI := BackingMongoDBURI(tb)
	if mongoURI == "" {
		return nil
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(mongoURI))
	test.That(tb, err, test.ShouldBeNil)
	test.That(tb, client.Ping(connectCtx, nil), test.ShouldBeNil)
	tb.Cleanup(func() {
		utils.UncheckedError(client.Disconnect(context.Background()))
	})
	return client
}

// NewMongoDBNamespace returns a new random database and collection name
// to use for a test.
func NewMongoDBNamespace() (string, string) {
	return "test-" + utils.RandomAlphaString(5), utils.RandomAlphaString(5)
}
