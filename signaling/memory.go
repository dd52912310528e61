package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"go.yogatalks.dev/utils"
)

// A MemoryChannel is an in-memory signaling channel designed to be used for testing and
// for deployments where every peer lives in the same process.
type MemoryChannel struct {
	mu                      sync.Mutex
	activeBackgroundWorkers sync.WaitGroup
	calls                   map[string]*memoryCall
	logs                    map[LogRef]*memoryLog
	subscriptions           map[string]*memorySubscription

	cancelCtx  context.Context
	cancelFunc func()
}

// memoryCall is a call record plus a broadcast channel closed on every change.
// generation advances whenever CreateCall resets the record.
type memoryCall struct {
	call       Call
	generation uint64
	changed    chan struct{}
}

type memoryLog struct {
	entries []webrtc.ICECandidateInit
	changed chan struct{}
}

// NewMemoryChannel returns a new, empty in-memory signaling channel.
func NewMemoryChannel() *MemoryChannel {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &MemoryChannel{
		calls:         map[string]*memoryCall{},
		logs:          map[LogRef]*memoryLog{},
		subscriptions: map[string]*memorySubscription{},
		cancelCtx:     cancelCtx,
		cancelFunc:    cancelFunc,
	}
}

func broadcast(changed *chan struct{}) {
	close(*changed)
	*changed = make(chan struct{})
}

// CreateCall upserts the call record and clears its offer and answers.
func (ch *MemoryChannel) CreateCall(ctx context.Context, callID, hostID string) (CallRef, error) {
	if callID == "" {
		return CallRef{}, errors.New("call id required")
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cancelCtx.Err() != nil {
		return CallRef{}, newStorageError("CreateCall", ErrClosed)
	}

	mc, ok := ch.calls[callID]
	if !ok {
		mc = &memoryCall{changed: make(chan struct{})}
		ch.calls[callID] = mc
	} else {
		mc.generation++
	}
	mc.call = Call{ID: callID, HostID: hostID, CreatedAt: time.Now()}
	broadcast(&mc.changed)
	return CallRef{ID: callID}, nil
}

// GetCall returns a copy of the stored call.
func (ch *MemoryChannel) GetCall(ctx context.Context, callID string) (*Call, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cancelCtx.Err() != nil {
		return nil, newStorageError("GetCall", ErrClosed)
	}
	mc, ok := ch.calls[callID]
	if !ok {
		return nil, errors.Wrapf(ErrCallNotFound, "call %q", callID)
	}
	call := mc.call
	if call.Offer != nil {
		offer := *call.Offer
		call.Offer = &offer
	}
	call.Answers = append([]Answer(nil), call.Answers...)
	return &call, nil
}

// SetOffer sets the offer of a call that has none yet.
func (ch *MemoryChannel) SetOffer(ctx context.Context, ref CallRef, offer webrtc.SessionDescription) error {
	if err := validateDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cancelCtx.Err() != nil {
		return newStorageError("SetOffer", ErrClosed)
	}
	mc, ok := ch.calls[ref.ID]
	if !ok {
		return preconditionErrorf("cannot set offer on missing call %q", ref.ID)
	}
	if mc.call.Offer != nil {
		return preconditionErrorf("call %q already has an offer", ref.ID)
	}
	mc.call.Offer = &offer
	broadcast(&mc.changed)
	return nil
}

// AddAnswer appends an answer to a call that has an offer.
func (ch *MemoryChannel) AddAnswer(
	ctx context.Context,
	ref CallRef,
	participantID string,
	answer webrtc.SessionDescription,
) error {
	if err := validateDescription(answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cancelCtx.Err() != nil {
		return newStorageError("AddAnswer", ErrClosed)
	}
	mc, ok := ch.calls[ref.ID]
	if !ok {
		return preconditionErrorf("cannot answer missing call %q", ref.ID)
	}
	if mc.call.Offer == nil {
		return preconditionErrorf("call %q has no offer to answer", ref.ID)
	}
	mc.call.Answers = append(mc.call.Answers, Answer{ParticipantID: participantID, Answer: answer})
	broadcast(&mc.changed)
	return nil
}

// must be called with mu held.
func (ch *MemoryChannel) getOrMakeLog(ref LogRef) *memoryLog {
	log, ok := ch.logs[ref]
	if !ok {
		log = &memoryLog{changed: make(chan struct{})}
		ch.logs[ref] = log
	}
	return log
}

// AppendCandidate appends a candidate to the log.
func (ch *MemoryChannel) AppendCandidate(ctx context.Context, ref LogRef, candidate webrtc.ICECandidateInit) error {
	if err := ref.validate(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cancelCtx.Err() != nil {
		return newStorageError("AppendCandidate", ErrClosed)
	}
	log := ch.getOrMakeLog(ref)
	log.entries = append(log.entries, candidate)
	broadcast(&log.changed)
	return nil
}

// SubscribeToCandidates delivers every entry of the log, existing ones first. The
// subscription outlives ctx; it ends on Cancel or Close.
func (ch *MemoryChannel) SubscribeToCandidates(
	ctx context.Context,
	ref LogRef,
	onAdded func(webrtc.ICECandidateInit),
) (Subscription, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	ch.mu.Lock()
	log := ch.getOrMakeLog(ref)
	ch.mu.Unlock()

	return ch.subscribe(func(subCtx context.Context) {
		delivered := 0
		for {
			ch.mu.Lock()
			pending := append([]webrtc.ICECandidateInit(nil), log.entries[delivered:]...)
			changed := log.changed
			ch.mu.Unlock()

			for _, cand := range pending {
				if subCtx.Err() != nil {
					return
				}
				onAdded(cand)
				delivered++
			}

			select {
			case <-subCtx.Done():
				return
			case <-changed:
			}
		}
	})
}

// SubscribeToAnswers delivers every answer of the call, existing ones first. If the
// call is reset by CreateCall, delivery starts over with the new answers.
func (ch *MemoryChannel) SubscribeToAnswers(ctx context.Context, ref CallRef, onAdded func(Answer)) (Subscription, error) {
	ch.mu.Lock()
	mc, ok := ch.calls[ref.ID]
	if !ok {
		ch.mu.Unlock()
		return nil, errors.Wrapf(ErrCallNotFound, "call %q", ref.ID)
	}
	generation := mc.generation
	ch.mu.Unlock()

	return ch.subscribe(func(subCtx context.Context) {
		delivered := 0
		for {
			ch.mu.Lock()
			if mc.generation != generation {
				generation = mc.generation
				delivered = 0
			}
			pending := append([]Answer(nil), mc.call.Answers[delivered:]...)
			changed := mc.changed
			ch.mu.Unlock()

			for _, answer := range pending {
				if subCtx.Err() != nil {
					return
				}
				onAdded(answer)
				delivered++
			}

			select {
			case <-subCtx.Done():
				return
			case <-changed:
			}
		}
	})
}

func (ch *MemoryChannel) subscribe(deliver func(ctx context.Context)) (Subscription, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cancelCtx.Err() != nil {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ch.cancelCtx)
	sub := &memorySubscription{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ch.subscriptions[sub.id] = sub
	ch.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer ch.activeBackgroundWorkers.Done()
		defer close(sub.done)
		defer func() {
			ch.mu.Lock()
			delete(ch.subscriptions, sub.id)
			ch.mu.Unlock()
		}()
		deliver(subCtx)
	})
	return sub, nil
}

func (ch *MemoryChannel) subscriptionCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subscriptions)
}

// Close cancels all subscriptions. Further operations fail.
func (ch *MemoryChannel) Close() error {
	ch.mu.Lock()
	ch.cancelFunc()
	ch.mu.Unlock()
	ch.activeBackgroundWorkers.Wait()
	return nil
}

type memorySubscription struct {
	id     string
	cancel func()
	done   chan struct{}
}

func (sub *memorySubscription) Cancel() {
	sub.cancel()
	<-sub.done
}
