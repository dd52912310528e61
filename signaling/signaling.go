// Package signaling provides the out-of-band channel peers use to exchange offers,
// answers and ICE candidates before they can talk to each other directly.
//
// A call is keyed by its course id. It carries at most one offer (written by the host)
// and any number of answers (one per joining participant). Every call also has two
// append-only candidate logs, one per side of the negotiation, which subscribers drain
// exactly once and in order, history included.
package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// Side identifies which half of a negotiation produced a candidate.
type Side string

// The two candidate logs of a call.
const (
	// SideOffer holds candidates gathered by the host.
	SideOffer = Side("offer")
	// SideAnswer holds candidates gathered by participants.
	SideAnswer = Side("answer")
)

// Validate ensures the side is one of the known values.
func (s Side) Validate() error {
	switch s {
	case SideOffer, SideAnswer:
		return nil
	default:
		return errors.Errorf("unknown candidate log side %q", string(s))
	}
}

// Opposite returns the side the peer of s writes to.
func (s Side) Opposite() Side {
	if s == SideOffer {
		return SideAnswer
	}
	return SideOffer
}

// CallRef addresses a call record.
type CallRef struct {
	ID string
}

// CandidateLog addresses one of the call's candidate logs.
func (ref CallRef) CandidateLog(side Side) LogRef {
	return LogRef{CallID: ref.ID, Side: side}
}

// LogRef addresses a single candidate log.
type LogRef struct {
	CallID string
	Side   Side
}

func (ref LogRef) String() string {
	return fmt.Sprintf("%s/%s", ref.CallID, ref.Side)
}

func (ref LogRef) validate() error {
	if ref.CallID == "" {
		return errors.New("candidate log requires a call id")
	}
	return ref.Side.Validate()
}

// Answer is a participant's response to the host's offer.
type Answer struct {
	ParticipantID string                    `json:"studentId"`
	Answer        webrtc.SessionDescription `json:"answer"`
}

// Call is the stored state of a call.
type Call struct {
	ID        string                     `json:"courseId"`
	HostID    string                     `json:"hostId,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answers   []Answer                   `json:"answers"`
	CreatedAt time.Time                  `json:"createdAt"`
}

// Ref returns a reference to the call.
func (c *Call) Ref() CallRef {
	return CallRef{ID: c.ID}
}

// A Subscription delivers added items until canceled.
type Subscription interface {
	// Cancel stops delivery and waits for any in-flight callback to return.
	// It is safe to call more than once.
	Cancel()
}

// A Channel is a store-backed signaling channel. Handlers passed to the subscribe
// methods run on a goroutine owned by the subscription and must return quickly.
type Channel interface {
	// CreateCall upserts the call record. The record ends up with no offer and no answers
	// so a host can restart a call on the same course.
	CreateCall(ctx context.Context, callID, hostID string) (CallRef, error)

	// GetCall returns the stored call or ErrCallNotFound.
	GetCall(ctx context.Context, callID string) (*Call, error)

	// SetOffer sets the call's offer. It fails with ErrPrecondition if the call does not
	// exist or already has an offer.
	SetOffer(ctx context.Context, ref CallRef, offer webrtc.SessionDescription) error

	// AddAnswer atomically appends an answer. It fails with ErrPrecondition if the call
	// does not exist or has no offer yet.
	AddAnswer(ctx context.Context, ref CallRef, participantID string, answer webrtc.SessionDescription) error

	// AppendCandidate appends a candidate to a log.
	AppendCandidate(ctx context.Context, log LogRef, candidate webrtc.ICECandidateInit) error

	// SubscribeToCandidates calls onAdded once per entry of the log, in append order,
	// starting with the entries already present.
	SubscribeToCandidates(
		ctx context.Context,
		log LogRef,
		onAdded func(webrtc.ICECandidateInit),
	) (Subscription, error)

	// SubscribeToAnswers calls onAdded once per answer of the call, in append order,
	// starting with the answers already present.
	SubscribeToAnswers(ctx context.Context, ref CallRef, onAdded func(Answer)) (Subscription, error)

	// Close cancels every subscription and releases the channel's resources.
	Close() error
}

var (
	// ErrCallNotFound is returned when a call record does not exist.
	ErrCallNotFound = errors.New("call not found")

	// ErrPrecondition is returned when a write is not valid for the call's current state.
	ErrPrecondition = errors.New("precondition failed")

	// ErrClosed is returned by a channel after Close.
	ErrClosed = errors.New("signaling channel closed")

	// ErrStorage matches every *StorageError under errors.Is.
	ErrStorage = errors.New("signaling storage error")
)

// A StorageError means the backing store could not be reached or rejected an operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("signaling storage error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the store's error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func newStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func preconditionErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrPrecondition, format, args...)
}

func validateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return errors.Errorf("expected session description of type %s but got %s", want, desc.Type)
	}
	if desc.SDP == "" {
		return errors.Errorf("%s has no sdp", want)
	}
	return nil
}
