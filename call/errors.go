package call

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoOffer is returned by JoinCall when the host has not published an offer yet.
	ErrNoOffer = errors.New("call has no offer")

	// ErrCallInProgress is returned when starting or joining while a call is active.
	ErrCallInProgress = errors.New("a call is already in progress; end it first")

	// ErrDestroyed is returned by a manager after Destroy.
	ErrDestroyed = errors.New("call manager destroyed")
)

// A SetupError is the first failure hit while starting or joining a call. Whatever was
// set up before the failure stays in place until EndCall.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("call setup failed during %s: %v", e.Op, e.Err)
}

// Unwrap returns the step's error.
func (e *SetupError) Unwrap() error {
	return e.Err
}

func newSetupError(op string, err error) error {
	return &SetupError{Op: op, Err: err}
}

// noOfferError is ErrNoOffer carrying the lookup failure that caused it, if any.
type noOfferError struct {
	courseID string
	cause    error
}

func (e *noOfferError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s for course %q: %v", ErrNoOffer, e.courseID, e.cause)
	}
	return fmt.Sprintf("%s for course %q", ErrNoOffer, e.courseID)
}

func (e *noOfferError) Is(target error) bool {
	return target == ErrNoOffer
}

func (e *noOfferError) Unwrap() error {
	return e.cause
}
