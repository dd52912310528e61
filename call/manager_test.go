package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.yogatalks.dev/utils/media"
	"go.yogatalks.dev/utils/peer"
	"go.yogatalks.dev/utils/peer/peertest"
	"go.yogatalks.dev/utils/signaling"
	"go.yogatalks.dev/utils/testutils"
)

// fakeSessions hands out sessions over fake transports and remembers them.
type fakeSessions struct {
	candidates int

	mu         sync.Mutex
	transports []*peertest.Transport
}

func (fs *fakeSessions) factory(config webrtc.Configuration, logger golog.Logger) (*peer.Session, error) {
	transport := peertest.NewTransport(fs.candidates)
	fs.mu.Lock()
	fs.transports = append(fs.transports, transport)
	fs.mu.Unlock()
	return peer.NewSession(transport, logger), nil
}

func (fs *fakeSessions) last() *peertest.Transport {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.transports) == 0 {
		return nil
	}
	return fs.transports[len(fs.transports)-1]
}

// countingChannel counts writes and can fail some of them.
type countingChannel struct {
	signaling.Channel
	writes atomic.Int64

	failSetOffer        error
	failAppendCandidate error
	// flakyAppends fail with a storage error before the channel is reached.
	flakyAppends atomic.Int64
}

func (ch *countingChannel) CreateCall(ctx context.Context, callID, hostID string) (signaling.CallRef, error) {
	ch.writes.Inc()
	return ch.Channel.CreateCall(ctx, callID, hostID)
}

func (ch *countingChannel) SetOffer(ctx context.Context, ref signaling.CallRef, offer webrtc.SessionDescription) error {
	ch.writes.Inc()
	if ch.failSetOffer != nil {
		return ch.failSetOffer
	}
	return ch.Channel.SetOffer(ctx, ref, offer)
}

func (ch *countingChannel) AddAnswer(
	ctx context.Context,
	ref signaling.CallRef,
	participantID string,
	answer webrtc.SessionDescription,
) error {
	ch.writes.Inc()
	return ch.Channel.AddAnswer(ctx, ref, participantID, answer)
}

func (ch *countingChannel) AppendCandidate(ctx context.Context, log signaling.LogRef, candidate webrtc.ICECandidateInit) error {
	ch.writes.Inc()
	if ch.failAppendCandidate != nil {
		return ch.failAppendCandidate
	}
	if ch.flakyAppends.Dec() >= 0 {
		return &signaling.StorageError{Op: "AppendCandidate", Err: errors.New("write timed out")}
	}
	return ch.Channel.AppendCandidate(ctx, log, candidate)
}

type managerHarness struct {
	manager  *Manager
	sessions *fakeSessions
	provider *media.SyntheticProvider
}

func newHarness(t *testing.T, ch signaling.Channel, teacherID string, candidates int, opts ...ManagerOption) *managerHarness {
	t.Helper()
	sessions := &fakeSessions{candidates: candidates}
	provider := media.NewSyntheticProvider()
	opts = append([]ManagerOption{WithSessionFactory(sessions.factory)}, opts...)
	manager, err := NewManager("course-1", teacherID, ch, provider, golog.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, manager.Destroy(context.Background()), test.ShouldBeNil)
		test.That(t, provider.Close(), test.ShouldBeNil)
	})
	return &managerHarness{manager: manager, sessions: sessions, provider: provider}
}

func newMemoryChannel(t *testing.T) *signaling.MemoryChannel {
	t.Helper()
	ch := signaling.NewMemoryChannel()
	t.Cleanup(func() {
		test.That(t, ch.Close(), test.ShouldBeNil)
	})
	return ch
}

func TestNewManager(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ch := newMemoryChannel(t)
	provider := media.NewSyntheticProvider()

	_, err := NewManager("", "teacher-1", ch, provider, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewManager("course-1", "teacher-1", nil, provider, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewManager("course-1", "teacher-1", ch, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	manager, err := NewManager("course-1", "teacher-1", ch, provider, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, manager.opts.wantAudio, test.ShouldBeTrue)
	test.That(t, manager.opts.wantVideo, test.ShouldBeTrue)
	test.That(t, manager.opts.dataChannelLabel, test.ShouldEqual, peer.DataChannelLabel)
	test.That(t, manager.opts.webrtcConfig, test.ShouldResemble, peer.DefaultConfiguration)

	st := manager.State()
	test.That(t, st.Active(), test.ShouldBeFalse)
	test.That(t, st.CourseID, test.ShouldEqual, "course-1")
	test.That(t, manager.Session(), test.ShouldBeNil)
	test.That(t, manager.Destroy(context.Background()), test.ShouldBeNil)
}

func TestHostAndParticipant(t *testing.T) {
	ctx := context.Background()
	ch := newMemoryChannel(t)

	host := newHarness(t, ch, "teacher-1", 3)
	test.That(t, host.manager.StartCall(ctx), test.ShouldBeNil)

	stored, err := ch.GetCall(ctx, "course-1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stored.HostID, test.ShouldEqual, "teacher-1")
	test.That(t, stored.Offer, test.ShouldNotBeNil)
	test.That(t, stored.Offer.Type, test.ShouldEqual, webrtc.SDPTypeOffer)
	test.That(t, stored.Answers, test.ShouldBeEmpty)

	hostTransport := host.sessions.last()
	test.That(t, hostTransport.Tracks(), test.ShouldHaveLength, 2)
	test.That(t, hostTransport.DataChannels(), test.ShouldHaveLength, 1)
	test.That(t, hostTransport.DataChannels()[0].Label(), test.ShouldEqual, peer.DataChannelLabel)

	// the host's candidates are in the log before anyone subscribes
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, host.manager.State().LocalCandidates, test.ShouldHaveLength, 3)
	})

	participant := newHarness(t, ch, "", 2)
	test.That(t, participant.manager.JoinCall(ctx, "student-1"), test.ShouldBeNil)

	stored, err = ch.GetCall(ctx, "course-1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stored.Answers, test.ShouldHaveLength, 1)
	test.That(t, stored.Answers[0].ParticipantID, test.ShouldEqual, "student-1")
	test.That(t, stored.Answers[0].Answer.Type, test.ShouldEqual, webrtc.SDPTypeAnswer)

	participantTransport := participant.sessions.last()
	test.That(t, participantTransport.RemoteDescription(), test.ShouldResemble, stored.Offer)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, participantTransport.RemoteCandidates(), test.ShouldHaveLength, 3)
		test.That(tb, hostTransport.RemoteCandidates(), test.ShouldHaveLength, 2)
		test.That(tb, hostTransport.RemoteDescription(), test.ShouldNotBeNil)
	})
	test.That(t, hostTransport.RemoteDescription().Type, test.ShouldEqual, webrtc.SDPTypeAnswer)

	hostState := host.manager.State()
	test.That(t, hostState.Role, test.ShouldEqual, RoleHost)
	test.That(t, hostState.SessionState, test.ShouldEqual, peer.StateNegotiating)
	test.That(t, hostState.Offer, test.ShouldResemble, stored.Offer)
	test.That(t, hostState.Answers, test.ShouldHaveLength, 1)
	test.That(t, hostState.RemoteCandidates, test.ShouldHaveLength, 2)
	test.That(t, hostState.PublishFailures, test.ShouldEqual, 0)

	participantState := participant.manager.State()
	test.That(t, participantState.Role, test.ShouldEqual, RoleParticipant)
	test.That(t, participantState.ParticipantID, test.ShouldEqual, "student-1")
	test.That(t, participantState.LocalCandidates, test.ShouldHaveLength, 2)
	test.That(t, participantState.RemoteCandidates, test.ShouldHaveLength, 3)

	test.That(t, participant.manager.EndCall(ctx), test.ShouldBeNil)
	test.That(t, host.manager.EndCall(ctx), test.ShouldBeNil)
	test.That(t, hostTransport.Closed(), test.ShouldBeTrue)
	test.That(t, participantTransport.Closed(), test.ShouldBeTrue)
	test.That(t, host.provider.Active(), test.ShouldEqual, 0)
	test.That(t, participant.provider.Active(), test.ShouldEqual, 0)
	test.That(t, host.manager.State().Active(), test.ShouldBeFalse)

	// ending never touches the stored call
	stored, err = ch.GetCall(ctx, "course-1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stored.Offer, test.ShouldNotBeNil)
	test.That(t, stored.Answers, test.ShouldHaveLength, 1)
}

func TestHostAppliesFirstAnswerOnly(t *testing.T) {
	ctx := context.Background()
	ch := newMemoryChannel(t)

	host := newHarness(t, ch, "teacher-1", 0)
	test.That(t, host.manager.StartCall(ctx), test.ShouldBeNil)

	first := newHarness(t, ch, "", 0)
	test.That(t, first.manager.JoinCall(ctx, "student-1"), test.ShouldBeNil)
	second := newHarness(t, ch, "", 0)
	test.That(t, second.manager.JoinCall(ctx, "student-2"), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, host.manager.State().Answers, test.ShouldHaveLength, 2)
	})
	answers := host.manager.State().Answers
	test.That(t, answers[0].ParticipantID, test.ShouldEqual, "student-1")
	test.That(t, answers[1].ParticipantID, test.ShouldEqual, "student-2")

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, host.sessions.last().RemoteDescription(), test.ShouldNotBeNil)
	})
	test.That(t, *host.sessions.last().RemoteDescription(), test.ShouldResemble, answers[0].Answer)
}

func TestJoinCallWithoutOffer(t *testing.T) {
	ctx := context.Background()
	ch := &countingChannel{Channel: newMemoryChannel(t)}
	participant := newHarness(t, ch, "", 2)

	t.Run("no call", func(t *testing.T) {
		err := participant.manager.JoinCall(ctx, "student-1")
		test.That(t, errors.Is(err, ErrNoOffer), test.ShouldBeTrue)
		test.That(t, errors.Is(err, signaling.ErrCallNotFound), test.ShouldBeTrue)
		var setupErr *SetupError
		test.That(t, errors.As(err, &setupErr), test.ShouldBeTrue)
		test.That(t, setupErr.Op, test.ShouldEqual, "GetCall")
		test.That(t, ch.writes.Load(), test.ShouldEqual, 0)

		// the partial call holds media until ended
		test.That(t, participant.provider.Active(), test.ShouldEqual, 1)
		test.That(t, errors.Is(participant.manager.JoinCall(ctx, "student-1"), ErrCallInProgress), test.ShouldBeTrue)
		test.That(t, participant.manager.EndCall(ctx), test.ShouldBeNil)
		test.That(t, participant.provider.Active(), test.ShouldEqual, 0)
	})

	t.Run("call without offer", func(t *testing.T) {
		_, err := ch.Channel.CreateCall(ctx, "course-1", "teacher-1")
		test.That(t, err, test.ShouldBeNil)

		err = participant.manager.JoinCall(ctx, "student-1")
		test.That(t, errors.Is(err, ErrNoOffer), test.ShouldBeTrue)
		test.That(t, errors.Is(err, signaling.ErrCallNotFound), test.ShouldBeFalse)
		test.That(t, ch.writes.Load(), test.ShouldEqual, 0)

		stored, err := ch.GetCall(ctx, "course-1")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, stored.Answers, test.ShouldBeEmpty)
		test.That(t, participant.manager.EndCall(ctx), test.ShouldBeNil)
	})

	t.Run("participant id required", func(t *testing.T) {
		test.That(t, participant.manager.JoinCall(ctx, ""), test.ShouldNotBeNil)
		test.That(t, participant.provider.Active(), test.ShouldEqual, 0)
	})
}

func TestEndCallAfterFailedStart(t *testing.T) {
	ctx := context.Background()
	storeErr := errors.New("store unreachable")
	ch := &countingChannel{Channel: newMemoryChannel(t), failSetOffer: storeErr}
	host := newHarness(t, ch, "teacher-1", 1)

	err := host.manager.StartCall(ctx)
	var setupErr *SetupError
	test.That(t, errors.As(err, &setupErr), test.ShouldBeTrue)
	test.That(t, setupErr.Op, test.ShouldEqual, "SetOffer")
	test.That(t, errors.Is(err, storeErr), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "SetOffer")
	test.That(t, host.provider.Active(), test.ShouldEqual, 1)

	transport := host.sessions.last()
	tracks := transport.Tracks()
	test.That(t, tracks, test.ShouldHaveLength, 2)

	test.That(t, host.manager.EndCall(ctx), test.ShouldBeNil)
	test.That(t, host.provider.Active(), test.ShouldEqual, 0)
	for _, track := range tracks {
		mediaTrack, ok := track.(*media.Track)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, mediaTrack.Stopped(), test.ShouldBeTrue)
	}
	test.That(t, transport.Closed(), test.ShouldBeTrue)

	// nothing was subscribed, so no candidate ever reaches the closed session
	test.That(t, transport.RemoteCandidates(), test.ShouldBeEmpty)
	test.That(t, host.manager.EndCall(ctx), test.ShouldBeNil)

	// the manager is reusable once the store recovers
	ch.failSetOffer = nil
	test.That(t, host.manager.StartCall(ctx), test.ShouldBeNil)
	test.That(t, host.manager.EndCall(ctx), test.ShouldBeNil)
}

func TestEndCallWithoutCall(t *testing.T) {
	ctx := context.Background()
	host := newHarness(t, newMemoryChannel(t), "teacher-1", 0)
	test.That(t, host.manager.EndCall(ctx), test.ShouldBeNil)
	test.That(t, host.manager.EndCall(ctx), test.ShouldBeNil)
	test.That(t, host.manager.Destroy(ctx), test.ShouldBeNil)
	test.That(t, host.manager.Destroy(ctx), test.ShouldBeNil)
	test.That(t, errors.Is(host.manager.StartCall(ctx), ErrDestroyed), test.ShouldBeTrue)
	test.That(t, errors.Is(host.manager.JoinCall(ctx, "student-1"), ErrDestroyed), test.ShouldBeTrue)
}

func TestStartCallTwice(t *testing.T) {
	ctx := context.Background()
	ch := newMemoryChannel(t)
	host := newHarness(t, ch, "teacher-1", 0)

	test.That(t, host.manager.StartCall(ctx), test.ShouldBeNil)
	test.That(t, errors.Is(host.manager.StartCall(ctx), ErrCallInProgress), test.ShouldBeTrue)
	test.That(t, host.provider.Active(), test.ShouldEqual, 1)

	// restarting after ending replaces the stored offer
	test.That(t, host.manager.EndCall(ctx), test.ShouldBeNil)
	test.That(t, host.manager.StartCall(ctx), test.ShouldBeNil)
	stored, err := ch.GetCall(ctx, "course-1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *stored.Offer, test.ShouldResemble, *host.sessions.last().LocalDescription())
}

func TestPublishFailuresAreCounted(t *testing.T) {
	ctx := context.Background()
	ch := &countingChannel{Channel: newMemoryChannel(t), failAppendCandidate: errors.New("write rejected")}
	host := newHarness(t, ch, "teacher-1", 3)

	test.That(t, host.manager.StartCall(ctx), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, host.manager.State().PublishFailures, test.ShouldEqual, 3)
	})
	test.That(t, host.manager.State().LocalCandidates, test.ShouldBeEmpty)
}

func TestPublishRetriesStorageErrors(t *testing.T) {
	ctx := context.Background()
	ch := &countingChannel{Channel: newMemoryChannel(t)}
	ch.flakyAppends.Store(2)
	host := newHarness(t, ch, "teacher-1", 2)

	test.That(t, host.manager.StartCall(ctx), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, host.manager.State().LocalCandidates, test.ShouldHaveLength, 2)
	})
	test.That(t, host.manager.State().PublishFailures, test.ShouldEqual, 0)
	// CreateCall, SetOffer, two failed appends and two successful ones
	test.That(t, ch.writes.Load(), test.ShouldEqual, 6)
}

func TestMediaOptions(t *testing.T) {
	ctx := context.Background()
	host := newHarness(t, newMemoryChannel(t), "teacher-1", 0,
		WithMedia(true, false),
		WithDataChannelLabel("poses"),
	)
	test.That(t, host.manager.StartCall(ctx), test.ShouldBeNil)
	transport := host.sessions.last()
	test.That(t, transport.Tracks(), test.ShouldHaveLength, 1)
	test.That(t, transport.Tracks()[0].Kind(), test.ShouldEqual, webrtc.RTPCodecTypeAudio)
	test.That(t, transport.DataChannels()[0].Label(), test.ShouldEqual, "poses")

	t.Run("no media", func(t *testing.T) {
		none := newHarness(t, newMemoryChannel(t), "teacher-1", 0, WithMedia(false, false))
		err := none.manager.StartCall(ctx)
		var setupErr *SetupError
		test.That(t, errors.As(err, &setupErr), test.ShouldBeTrue)
		test.That(t, setupErr.Op, test.ShouldEqual, "AcquireMedia")
		test.That(t, errors.Is(err, media.ErrNothingRequested), test.ShouldBeTrue)
		test.That(t, none.manager.EndCall(ctx), test.ShouldBeNil)
	})
}

func TestDestroyLeavesInjectedCollaborators(t *testing.T) {
	ctx := context.Background()
	ch := newMemoryChannel(t)
	host := newHarness(t, ch, "teacher-1", 0)
	test.That(t, host.manager.StartCall(ctx), test.ShouldBeNil)
	test.That(t, host.manager.Destroy(ctx), test.ShouldBeNil)
	test.That(t, host.provider.Active(), test.ShouldEqual, 0)

	stored, err := ch.GetCall(ctx, "course-1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stored.Offer, test.ShouldNotBeNil)
}

func TestRoleString(t *testing.T) {
	test.That(t, RoleHost.String(), test.ShouldEqual, "host")
	test.That(t, RoleParticipant.String(), test.ShouldEqual, "participant")
	test.That(t, RoleNone.String(), test.ShouldEqual, "none")
	test.That(t, Role(7).String(), test.ShouldEqual, "unknown")
}
