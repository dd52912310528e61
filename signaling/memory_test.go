package signaling

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v3"
	"go.viam.com/test"
)

func TestMemoryChannel(t *testing.T) {
	ch := NewMemoryChannel()
	defer func() {
		test.That(t, ch.Close(), test.ShouldBeNil)
	}()
	testChannel(t, ch)
}

func TestMemoryChannelClose(t *testing.T) {
	testChannelClose(t, NewMemoryChannel())
}

func TestMemoryChannelSubscriptionsReleased(t *testing.T) {
	ch := NewMemoryChannel()
	defer ch.Close()
	ctx := context.Background()

	ref, err := ch.CreateCall(ctx, newCallID(), "teacher-1")
	test.That(t, err, test.ShouldBeNil)
	candSub, err := ch.SubscribeToCandidates(ctx, ref.CandidateLog(SideAnswer), func(webrtc.ICECandidateInit) {})
	test.That(t, err, test.ShouldBeNil)
	answerSub, err := ch.SubscribeToAnswers(ctx, ref, func(Answer) {})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ch.subscriptionCount(), test.ShouldEqual, 2)

	candSub.Cancel()
	test.That(t, ch.subscriptionCount(), test.ShouldEqual, 1)
	answerSub.Cancel()
	answerSub.Cancel()
	test.That(t, ch.subscriptionCount(), test.ShouldEqual, 0)
}

func TestMemoryChannelAnswersAfterReset(t *testing.T) {
	ch := NewMemoryChannel()
	defer ch.Close()
	ctx := context.Background()

	ref, err := ch.CreateCall(ctx, newCallID(), "teacher-1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ch.SetOffer(ctx, ref, testOffer), test.ShouldBeNil)
	test.That(t, ch.AddAnswer(ctx, ref, "student-1", testAnswer), test.ShouldBeNil)
	test.That(t, ch.AddAnswer(ctx, ref, "student-2", testAnswer), test.ShouldBeNil)

	received := newCollector[Answer]()
	sub, err := ch.SubscribeToAnswers(ctx, ref, received.add)
	test.That(t, err, test.ShouldBeNil)
	defer sub.Cancel()
	received.waitFor(t, 2)

	_, err = ch.CreateCall(ctx, ref.ID, "teacher-1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ch.SetOffer(ctx, ref, testOffer), test.ShouldBeNil)
	test.That(t, ch.AddAnswer(ctx, ref, "student-3", testAnswer), test.ShouldBeNil)

	got := received.waitFor(t, 3)
	test.That(t, got[2].ParticipantID, test.ShouldEqual, "student-3")
}

func TestGetCallReturnsCopy(t *testing.T) {
	ch := NewMemoryChannel()
	defer ch.Close()
	ctx := context.Background()

	ref, err := ch.CreateCall(ctx, newCallID(), "teacher-1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ch.SetOffer(ctx, ref, testOffer), test.ShouldBeNil)

	call, err := ch.GetCall(ctx, ref.ID)
	test.That(t, err, test.ShouldBeNil)
	call.Offer.SDP = "mutated"
	call.Answers = append(call.Answers, Answer{ParticipantID: "intruder"})

	call, err = ch.GetCall(ctx, ref.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, call.Offer.SDP, test.ShouldEqual, fakeSDP)
	test.That(t, call.Answers, test.ShouldBeEmpty)
}
