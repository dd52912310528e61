package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.yogatalks.dev/utils"
	mongoutils "go.yogatalks.dev/utils/mongo"
)

func init() {
	mongoutils.MustRegisterNamespace(&MongoDBChannelDBName, &MongoDBChannelCallsCollName)
	mongoutils.MustRegisterNamespace(&MongoDBChannelDBName, &MongoDBChannelCandidatesCollName)
}

// Database and collection names used by the MongoDBChannel.
var (
	MongoDBChannelDBName             = "signaling"
	MongoDBChannelCallsCollName      = "calls"
	MongoDBChannelCandidatesCollName = "candidate_logs"

	mongodbCallsIndexes = []mongo.IndexModel{
		{
			Keys: bson.D{{callHostIDField, 1}},
		},
		{
			Keys: bson.D{{callCreatedAtField, 1}},
		},
	}
	mongodbCandidatesIndexes = []mongo.IndexModel{
		{
			Keys: bson.D{{candidateLogCallIDField, 1}},
		},
	}
)

// changeStreamBackground is replaced in tests to hold the first poll open.
var changeStreamBackground = mongoutils.ChangeStreamBackground

// A MongoDBChannel is a MongoDB signaling channel designed to be used by peers running
// in different processes. Subscriptions are backed by change streams, so the deployment
// must be a replica set.
type MongoDBChannel struct {
	activeBackgroundWorkers sync.WaitGroup
	callsColl               *mongo.Collection
	candidatesColl          *mongo.Collection
	logger                  golog.Logger

	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc func()
}

// NewMongoDBChannel returns a new MongoDB based signaling channel using the given client.
// The client remains owned by the caller.
func NewMongoDBChannel(ctx context.Context, client *mongo.Client, logger golog.Logger) (*MongoDBChannel, error) {
	db := client.Database(MongoDBChannelDBName)
	callsColl := db.Collection(MongoDBChannelCallsCollName)
	candidatesColl := db.Collection(MongoDBChannelCandidatesCollName)
	if err := mongoutils.EnsureIndexes(ctx, callsColl, mongodbCallsIndexes...); err != nil {
		return nil, newStorageError("EnsureIndexes", err)
	}
	if err := mongoutils.EnsureIndexes(ctx, candidatesColl, mongodbCandidatesIndexes...); err != nil {
		return nil, newStorageError("EnsureIndexes", err)
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &MongoDBChannel{
		callsColl:      callsColl,
		candidatesColl: candidatesColl,
		logger:         logger,
		cancelCtx:      cancelCtx,
		cancelFunc:     cancelFunc,
	}, nil
}

type mongodbSessionDescription struct {
	Type string `bson:"type"`
	SDP  string `bson:"sdp"`
}

type mongodbAnswer struct {
	StudentID string                    `bson:"student_id"`
	Answer    mongodbSessionDescription `bson:"answer"`
}

type mongodbCall struct {
	ID         string                     `bson:"_id"`
	HostID     string                     `bson:"host_id"`
	CreatedAt  time.Time                  `bson:"created_at"`
	Generation int64                      `bson:"generation"`
	Offer      *mongodbSessionDescription `bson:"offer,omitempty"`
	Answers    []mongodbAnswer            `bson:"answers"`
}

type mongodbICECandidate struct {
	Candidate        string  `bson:"candidate"`
	SDPMid           *string `bson:"sdp_mid"`
	SDPMLineIndex    *uint16 `bson:"sdp_m_line_index"`
	UsernameFragment *string `bson:"username_fragment"`
}

type mongodbCandidateLog struct {
	ID      string                `bson:"_id"`
	CallID  string                `bson:"call_id"`
	Side    string                `bson:"side"`
	Entries []mongodbICECandidate `bson:"entries"`
}

const (
	callIDField             = "_id"
	callHostIDField         = "host_id"
	callCreatedAtField      = "created_at"
	callGenerationField     = "generation"
	callOfferField          = "offer"
	callAnswersField        = "answers"
	candidateLogIDField     = "_id"
	candidateLogCallIDField = "call_id"
	candidateLogSideField   = "side"
	candidateLogEntries     = "entries"
)

func sessionDescriptionToMongo(desc webrtc.SessionDescription) mongodbSessionDescription {
	return mongodbSessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func sessionDescriptionFromMongo(desc mongodbSessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func answerFromMongo(answer mongodbAnswer) Answer {
	return Answer{ParticipantID: answer.StudentID, Answer: sessionDescriptionFromMongo(answer.Answer)}
}

func (call *mongodbCall) toCall() *Call {
	out := &Call{
		ID:        call.ID,
		HostID:    call.HostID,
		CreatedAt: call.CreatedAt,
		Answers:   make([]Answer, 0, len(call.Answers)),
	}
	if call.Offer != nil {
		offer := sessionDescriptionFromMongo(*call.Offer)
		out.Offer = &offer
	}
	for _, answer := range call.Answers {
		out.Answers = append(out.Answers, answerFromMongo(answer))
	}
	return out
}

func iceCandidateFromMongo(i mongodbICECandidate) webrtc.ICECandidateInit {
	candidate := webrtc.ICECandidateInit{
		Candidate: i.Candidate,
	}
	if i.SDPMid != nil {
		val := *i.SDPMid
		candidate.SDPMid = &val
	}
	if i.SDPMLineIndex != nil {
		val := *i.SDPMLineIndex
		candidate.SDPMLineIndex = &val
	}
	if i.UsernameFragment != nil {
		val := *i.UsernameFragment
		candidate.UsernameFragment = &val
	}
	return candidate
}

func iceCandidateToMongo(i webrtc.ICECandidateInit) mongodbICECandidate {
	return mongodbICECandidate{
		Candidate:        i.Candidate,
		SDPMid:           i.SDPMid,
		SDPMLineIndex:    i.SDPMLineIndex,
		UsernameFragment: i.UsernameFragment,
	}
}

func (ch *MongoDBChannel) checkOpen(op string) error {
	if ch.cancelCtx.Err() != nil {
		return newStorageError(op, ErrClosed)
	}
	return nil
}

// CreateCall upserts the call record and clears its offer and answers.
func (ch *MongoDBChannel) CreateCall(ctx context.Context, callID, hostID string) (CallRef, error) {
	ctx, span := trace.StartSpan(ctx, "MongoDBChannel::CreateCall")
	defer span.End()

	if callID == "" {
		return CallRef{}, errors.New("call id required")
	}
	if err := ch.checkOpen("CreateCall"); err != nil {
		return CallRef{}, err
	}
	_, err := ch.callsColl.UpdateOne(
		ctx,
		bson.D{{callIDField, callID}},
		bson.D{
			{"$set", bson.D{
				{callHostIDField, hostID},
				{callCreatedAtField, time.Now()},
				{callAnswersField, bson.A{}},
			}},
			{"$unset", bson.D{{callOfferField, ""}}},
			{"$inc", bson.D{{callGenerationField, 1}}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return CallRef{}, newStorageError("CreateCall", err)
	}
	return CallRef{ID: callID}, nil
}

// GetCall returns the stored call.
func (ch *MongoDBChannel) GetCall(ctx context.Context, callID string) (*Call, error) {
	ctx, span := trace.StartSpan(ctx, "MongoDBChannel::GetCall")
	defer span.End()

	if err := ch.checkOpen("GetCall"); err != nil {
		return nil, err
	}
	var call mongodbCall
	if err := ch.callsColl.FindOne(ctx, bson.D{{callIDField, callID}}).Decode(&call); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrapf(ErrCallNotFound, "call %q", callID)
		}
		return nil, newStorageError("GetCall", err)
	}
	return call.toCall(), nil
}

// SetOffer sets the offer of a call that has none yet.
func (ch *MongoDBChannel) SetOffer(ctx context.Context, ref CallRef, offer webrtc.SessionDescription) error {
	ctx, span := trace.StartSpan(ctx, "MongoDBChannel::SetOffer")
	defer span.End()

	if err := validateDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return err
	}
	if err := ch.checkOpen("SetOffer"); err != nil {
		return err
	}
	result, err := ch.callsColl.UpdateOne(
		ctx,
		bson.D{
			{callIDField, ref.ID},
			{callOfferField, bson.D{{"$exists", false}}},
		},
		bson.D{{"$set", bson.D{{callOfferField, sessionDescriptionToMongo(offer)}}}},
	)
	if err != nil {
		return newStorageError("SetOffer", err)
	}
	if result.MatchedCount == 0 {
		return preconditionErrorf("call %q is missing or already has an offer", ref.ID)
	}
	return nil
}

// AddAnswer atomically appends an answer to a call that has an offer.
func (ch *MongoDBChannel) AddAnswer(
	ctx context.Context,
	ref CallRef,
	participantID string,
	answer webrtc.SessionDescription,
) error {
	ctx, span := trace.StartSpan(ctx, "MongoDBChannel::AddAnswer")
	defer span.End()

	if err := validateDescription(answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}
	if err := ch.checkOpen("AddAnswer"); err != nil {
		return err
	}
	result, err := ch.callsColl.UpdateOne(
		ctx,
		bson.D{
			{callIDField, ref.ID},
			{callOfferField, bson.D{{"$exists", true}}},
		},
		bson.D{{"$push", bson.D{{callAnswersField, mongodbAnswer{
			StudentID: participantID,
			Answer:    sessionDescriptionToMongo(answer),
		}}}}},
	)
	if err != nil {
		return newStorageError("AddAnswer", err)
	}
	if result.MatchedCount == 0 {
		return preconditionErrorf("call %q is missing or has no offer to answer", ref.ID)
	}
	return nil
}

// AppendCandidate appends a candidate to the log, creating the log on first use.
func (ch *MongoDBChannel) AppendCandidate(ctx context.Context, ref LogRef, candidate webrtc.ICECandidateInit) error {
	ctx, span := trace.StartSpan(ctx, "MongoDBChannel::AppendCandidate")
	defer span.End()

	if err := ref.validate(); err != nil {
		return err
	}
	if err := ch.checkOpen("AppendCandidate"); err != nil {
		return err
	}
	_, err := ch.candidatesColl.UpdateOne(
		ctx,
		bson.D{{candidateLogIDField, ref.String()}},
		bson.D{
			{"$push", bson.D{{candidateLogEntries, iceCandidateToMongo(candidate)}}},
			{"$setOnInsert", bson.D{
				{candidateLogCallIDField, ref.CallID},
				{candidateLogSideField, string(ref.Side)},
			}},
		},
		options.Update().SetUpsert(true),
	)
	return newStorageError("AppendCandidate", err)
}

func watchDocument(ctx context.Context, coll *mongo.Collection, id string) (*mongo.ChangeStream, error) {
	return coll.Watch(ctx, []bson.D{
		{
			{"$match", bson.D{
				{"operationType", bson.D{{"$in", bson.A{
					mongoutils.ChangeEventOperationTypeInsert,
					mongoutils.ChangeEventOperationTypeUpdate,
					mongoutils.ChangeEventOperationTypeReplace,
				}}}},
				{fmt.Sprintf("documentKey.%s", callIDField), id},
			}},
		},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
}

// SubscribeToCandidates delivers every entry of the log, existing ones first. The
// subscription outlives ctx; it ends on Cancel or Close.
func (ch *MongoDBChannel) SubscribeToCandidates(
	ctx context.Context,
	ref LogRef,
	onAdded func(webrtc.ICECandidateInit),
) (Subscription, error) {
	ctx, span := trace.StartSpan(ctx, "MongoDBChannel::SubscribeToCandidates")
	defer span.End()

	if err := ref.validate(); err != nil {
		return nil, err
	}
	if err := ch.checkOpen("SubscribeToCandidates"); err != nil {
		return nil, err
	}

	// need to watch before reading to avoid a race
	cs, err := watchDocument(ctx, ch.candidatesColl, ref.String())
	if err != nil {
		return nil, newStorageError("SubscribeToCandidates", err)
	}
	var current mongodbCandidateLog
	err = ch.candidatesColl.FindOne(ctx, bson.D{{candidateLogIDField, ref.String()}}).Decode(&current)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, multierr.Combine(newStorageError("SubscribeToCandidates", err), cs.Close(ctx))
	}

	logger := ch.logger.With("log", ref.String())
	candLen := 0
	deliverNew := func(subCtx context.Context, latest mongodbCandidateLog) {
		// the full document may already contain entries of events not yet seen
		if len(latest.Entries) <= candLen {
			return
		}
		prevCandLen := candLen
		newCandLen := len(latest.Entries) - candLen
		candLen += newCandLen
		for i := 0; i < newCandLen; i++ {
			if subCtx.Err() != nil {
				return
			}
			onAdded(iceCandidateFromMongo(latest.Entries[prevCandLen+i]))
		}
	}

	return ch.subscribe(cs, logger, func(subCtx context.Context, events <-chan mongoutils.ChangeEventResult) error {
		deliverNew(subCtx, current)
		for {
			select {
			case <-subCtx.Done():
				return nil
			case next, ok := <-events:
				if !ok {
					return nil
				}
				if next.Error != nil {
					return next.Error
				}
				var latest mongodbCandidateLog
				if err := next.Event.FullDocument.Unmarshal(&latest); err != nil {
					return err
				}
				deliverNew(subCtx, latest)
			}
		}
	})
}

// SubscribeToAnswers delivers every answer of the call, existing ones first. If the
// call is reset by CreateCall, delivery starts over with the new answers.
func (ch *MongoDBChannel) SubscribeToAnswers(ctx context.Context, ref CallRef, onAdded func(Answer)) (Subscription, error) {
	ctx, span := trace.StartSpan(ctx, "MongoDBChannel::SubscribeToAnswers")
	defer span.End()

	if err := ch.checkOpen("SubscribeToAnswers"); err != nil {
		return nil, err
	}
	cs, err := watchDocument(ctx, ch.callsColl, ref.ID)
	if err != nil {
		return nil, newStorageError("SubscribeToAnswers", err)
	}
	var current mongodbCall
	if err := ch.callsColl.FindOne(ctx, bson.D{{callIDField, ref.ID}}).Decode(&current); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			err = errors.Wrapf(ErrCallNotFound, "call %q", ref.ID)
		} else {
			err = newStorageError("SubscribeToAnswers", err)
		}
		return nil, multierr.Combine(err, cs.Close(ctx))
	}

	logger := ch.logger.With("call_id", ref.ID)
	generation := current.Generation
	answersLen := 0
	deliverNew := func(subCtx context.Context, latest mongodbCall) {
		if latest.Generation != generation {
			generation = latest.Generation
			answersLen = 0
		}
		for answersLen < len(latest.Answers) {
			if subCtx.Err() != nil {
				return
			}
			answer := latest.Answers[answersLen]
			answersLen++
			onAdded(answerFromMongo(answer))
		}
	}

	return ch.subscribe(cs, logger, func(subCtx context.Context, events <-chan mongoutils.ChangeEventResult) error {
		deliverNew(subCtx, current)
		for {
			select {
			case <-subCtx.Done():
				return nil
			case next, ok := <-events:
				if !ok {
					return nil
				}
				if next.Error != nil {
					return next.Error
				}
				var latest mongodbCall
				if err := next.Event.FullDocument.Unmarshal(&latest); err != nil {
					return err
				}
				deliverNew(subCtx, latest)
			}
		}
	})
}

// subscribe owns cs from here on and closes it when the subscription ends.
func (ch *MongoDBChannel) subscribe(
	cs *mongo.ChangeStream,
	logger golog.Logger,
	deliver func(ctx context.Context, events <-chan mongoutils.ChangeEventResult) error,
) (Subscription, error) {
	// registering under mu orders the worker before any Close; the pump starts after
	// mu is released since its first poll is a round trip to the server
	ch.mu.Lock()
	if ch.cancelCtx.Err() != nil {
		ch.mu.Unlock()
		return nil, multierr.Combine(ErrClosed, cs.Close(context.Background()))
	}
	subCtx, cancel := context.WithCancel(ch.cancelCtx)
	ch.activeBackgroundWorkers.Add(1)
	ch.mu.Unlock()

	sub := &mongodbSubscription{cancel: cancel, done: make(chan struct{})}
	utils.PanicCapturingGo(func() {
		defer ch.activeBackgroundWorkers.Done()
		defer close(sub.done)
		defer utils.UncheckedErrorFunc(func() error {
			return cs.Close(context.Background())
		})

		events, _ := changeStreamBackground(subCtx, cs)
		defer func() {
			cancel()
			for range events {
			}
		}()
		if err := deliver(subCtx, events); err != nil && subCtx.Err() == nil {
			logger.Errorw("subscription ended", "error", err)
		}
	})
	return sub, nil
}

// Close cancels all subscriptions. The MongoDB client is left connected.
func (ch *MongoDBChannel) Close() error {
	ch.mu.Lock()
	ch.cancelFunc()
	ch.mu.Unlock()
	ch.activeBackgroundWorkers.Wait()
	return nil
}

type mongodbSubscription struct {
	cancel func()
	done   chan struct{}
}

func (sub *mongodbSubscription) Cancel() {
	sub.cancel()
	<-sub.done
}
