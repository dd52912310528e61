package mongoutils_test

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.viam.com/test"

	mongoutils "go.yogatalks.dev/utils/mongo"
	"go.yogatalks.dev/utils/testutils"
)

func TestChangeStreamBackground(t *testing.T) {
	client := testutils.BackingMongoDBClient(t)
	dbName, collName := testutils.NewMongoDBNamespace()
	coll := client.Database(dbName).Collection(collName)

	watch := func() *options.ChangeStreamOptions {
		return options.ChangeStream().
			SetFullDocument(options.UpdateLookup).
			SetMaxAwaitTime(time.Second)
	}

	t.Run("canceled", func(t *testing.T) {
		cs, err := coll.Watch(context.Background(), []bson.D{{{"$match", bson.D{}}}}, watch())
		test.That(t, err, test.ShouldBeNil)
		defer cs.Close(context.Background())

		cancelCtx, ctxCancel := context.WithCancel(context.Background())
		results, _ := mongoutils.ChangeStreamBackground(cancelCtx, cs)
		ctxCancel()
		next := <-results
		test.That(t, next.Error, test.ShouldNotBeNil)
		for range results {
		}
	})

	t.Run("inserts in order", func(t *testing.T) {
		cs, err := coll.Watch(context.Background(), []bson.D{{{"$match", bson.D{}}}}, watch())
		test.That(t, err, test.ShouldBeNil)
		defer cs.Close(context.Background())

		cancelCtx, ctxCancel := context.WithCancel(context.Background())
		results, startToken := mongoutils.ChangeStreamBackground(cancelCtx, cs)
		defer func() {
			ctxCancel()
			for range results {
			}
		}()
		test.That(t, startToken, test.ShouldNotBeNil)

		times := 3
		docs := make([]bson.D, 0, times)
		for i := 0; i < times; i++ {
			docs = append(docs, bson.D{{"_id", primitive.NewObjectID()}})
		}
		for i := 0; i < times; i++ {
			_, err := coll.InsertOne(context.Background(), docs[i])
			test.That(t, err, test.ShouldBeNil)
		}
		for i := 0; i < times; i++ {
			next := <-results
			test.That(t, next.Error, test.ShouldBeNil)
			test.That(t, next.Event.OperationType, test.ShouldEqual, mongoutils.ChangeEventOperationTypeInsert)
			test.That(t, next.ResumeToken, test.ShouldNotResemble, startToken)
			var retDoc bson.D
			test.That(t, next.Event.FullDocument.Unmarshal(&retDoc), test.ShouldBeNil)
			test.That(t, retDoc, test.ShouldResemble, docs[i])
		}
	})
}
