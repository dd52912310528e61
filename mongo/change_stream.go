package mongoutils

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"go.yogatalks.dev/utils"
)

// A ChangeEvent represents all possible fields that a change stream response document can have.
type ChangeEvent struct {
	ID                bson.RawValue                `bson:"_id"`
	OperationType     ChangeEventOperationType     `bson:"operationType"`
	FullDocument      bson.RawValue                `bson:"fullDocument"`
	NS                ChangeEventNamespace         `bson:"ns"`
	DocumentKey       bson.D                       `bson:"documentKey"`
	UpdateDescription ChangeEventUpdateDescription `bson:"updateDescription"`
	ClusterTime       primitive.Timestamp          `bson:"clusterTime"`
}

// ChangeEventOperationType is the type of operation that occurred.
type ChangeEventOperationType string

// ChangeEvent operation types.
const (
	ChangeEventOperationTypeInsert     = ChangeEventOperationType("insert")
	ChangeEventOperationTypeDelete     = ChangeEventOperationType("delete")
	ChangeEventOperationTypeReplace    = ChangeEventOperationType("replace")
	ChangeEventOperationTypeUpdate     = ChangeEventOperationType("update")
	ChangeEventOperationTypeInvalidate = ChangeEventOperationType("invalidate")
)

// ChangeEventNamespace is the namespace (database and or collection) affected by the event.
type ChangeEventNamespace struct {
	Database   string `bson:"db"`
	Collection string `bson:"coll"`
}

// ChangeEventUpdateDescription describes the fields that were updated or removed
// by an update operation.
type ChangeEventUpdateDescription struct {
	UpdatedFields bson.D   `bson:"updatedFields"`
	RemovedFields []string `bson:"removedFields"`
}

// ChangeEventResult represents either an event happening or an error that happened
// along the way.
type ChangeEventResult struct {
	Event       *ChangeEvent
	ResumeToken bson.Raw
	Error       error
}

// ChangeStreamBackground calls Next in the background and returns once the stream has
// been polled at least once, together with the resume token at that point. Results are
// delivered until the context is done or the stream fails; the channel is then closed.
func ChangeStreamBackground(ctx context.Context, cs *mongo.ChangeStream) (<-chan ChangeEventResult, bson.Raw) {
	results := make(chan ChangeEventResult, 1)
	csStarted := make(chan bson.Raw, 1)
	sendResult := func(result ChangeEventResult) bool {
		select {
		case <-ctx.Done():
			// try once more
			select {
			case results <- result:
			default:
			}
			return false
		case results <- result:
			return true
		}
	}
	utils.PanicCapturingGo(func() {
		defer close(results)

		started := false
		markStarted := func() {
			if !started {
				started = true
				csStarted <- cs.ResumeToken()
			}
		}
		defer markStarted()

		for {
			if ctx.Err() != nil {
				sendResult(ChangeEventResult{Error: ctx.Err()})
				return
			}
			if !cs.TryNext(ctx) {
				markStarted()
				if !cs.Next(ctx) {
					sendResult(ChangeEventResult{Error: cs.Err()})
					return
				}
			}
			markStarted()

			var ce ChangeEvent
			if err := cs.Decode(&ce); err != nil {
				sendResult(ChangeEventResult{Error: err})
				return
			}
			if !sendResult(ChangeEventResult{Event: &ce, ResumeToken: cs.ResumeToken()}) {
				return
			}
		}
	})
	return results, <-csStarted
}
