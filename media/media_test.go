package media

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v3"
	"go.viam.com/test"
)

func TestSyntheticProvider(t *testing.T) {
	ctx := context.Background()
	p := NewSyntheticProvider()

	_, err := p.Acquire(ctx, false, false)
	test.That(t, err, test.ShouldBeError, ErrNothingRequested)

	stream, err := p.Acquire(ctx, true, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stream.Tracks(), test.ShouldHaveLength, 2)
	test.That(t, stream.Audio.Kind(), test.ShouldEqual, webrtc.RTPCodecTypeAudio)
	test.That(t, stream.Video.Kind(), test.ShouldEqual, webrtc.RTPCodecTypeVideo)
	test.That(t, stream.Audio.StreamID(), test.ShouldEqual, stream.ID)
	test.That(t, p.Active(), test.ShouldEqual, 1)

	audioOnly, err := p.Acquire(ctx, true, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, audioOnly.Video, test.ShouldBeNil)
	test.That(t, audioOnly.Tracks(), test.ShouldHaveLength, 1)

	test.That(t, p.Release(stream), test.ShouldBeNil)
	test.That(t, stream.Audio.Stopped(), test.ShouldBeTrue)
	test.That(t, stream.Video.Stopped(), test.ShouldBeTrue)
	test.That(t, p.Release(stream), test.ShouldBeNil)
	test.That(t, p.Release(nil), test.ShouldBeNil)
	test.That(t, p.Active(), test.ShouldEqual, 1)

	test.That(t, p.Close(), test.ShouldBeNil)
	test.That(t, audioOnly.Audio.Stopped(), test.ShouldBeTrue)
	test.That(t, p.Active(), test.ShouldEqual, 0)
	_, err = p.Acquire(ctx, true, false)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAcquireCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSyntheticProvider().Acquire(ctx, true, true)
	test.That(t, err, test.ShouldBeError, context.Canceled)
}
