package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v3"
	"go.viam.com/test"

	"go.yogatalks.dev/utils/media"
	"go.yogatalks.dev/utils/testutils"
)

func TestHostAndParticipantPion(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	ch := newMemoryChannel(t)
	provider := media.NewSyntheticProvider()
	defer func() {
		test.That(t, provider.Close(), test.ShouldBeNil)
	}()

	// host candidates only; nothing leaves the machine
	opts := []ManagerOption{WithWebRTCConfiguration(webrtc.Configuration{})}
	host, err := NewManager("course-1", "teacher-1", ch, provider, logger.Named("host"), opts...)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, host.Destroy(ctx), test.ShouldBeNil)
	}()
	participant, err := NewManager("course-1", "", ch, provider, logger.Named("participant"), opts...)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, participant.Destroy(ctx), test.ShouldBeNil)
	}()

	test.That(t, host.StartCall(ctx), test.ShouldBeNil)
	test.That(t, participant.JoinCall(ctx, "student-1"), test.ShouldBeNil)

	testutils.WaitForAssertionWithSleep(t, 50*time.Millisecond, 400, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, host.State().ConnectionState, test.ShouldEqual, webrtc.PeerConnectionStateConnected)
		test.That(tb, participant.State().ConnectionState, test.ShouldEqual, webrtc.PeerConnectionStateConnected)
	})

	hostState := host.State()
	test.That(t, hostState.Answers, test.ShouldHaveLength, 1)
	test.That(t, hostState.Answers[0].ParticipantID, test.ShouldEqual, "student-1")
	test.That(t, hostState.RemoteCandidates, test.ShouldNotBeEmpty)
	test.That(t, participant.State().RemoteCandidates, test.ShouldNotBeEmpty)
	test.That(t, host.Session().RemoteDescription(), test.ShouldNotBeNil)

	// the data channel can open a little after the connection
	greeting := map[string]string{"from": "teacher-1", "pose": "tree"}
	testutils.WaitForAssertionWithSleep(t, 50*time.Millisecond, 200, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, host.Session().SendMessage(greeting), test.ShouldBeNil)
	})
	testutils.WaitForAssertionWithSleep(t, 50*time.Millisecond, 200, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, participant.Session().Messages(), test.ShouldNotBeEmpty)
	})

	var received map[string]string
	test.That(t, json.Unmarshal(participant.Session().Messages()[0], &received), test.ShouldBeNil)
	test.That(t, received, test.ShouldResemble, greeting)

	test.That(t, participant.EndCall(ctx), test.ShouldBeNil)
	test.That(t, participant.State().Role, test.ShouldEqual, RoleNone)
	test.That(t, participant.Session(), test.ShouldBeNil)
}
