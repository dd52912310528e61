// Package media supplies local media streams to calls.
package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// ErrNothingRequested is returned when neither audio nor video is requested.
var ErrNothingRequested = errors.New("at least one of audio or video must be requested")

// A Provider hands out local capture streams.
type Provider interface {
	Acquire(ctx context.Context, wantAudio, wantVideo bool) (*Stream, error)
	// Release stops the stream's tracks. Releasing nil or twice is a no-op.
	Release(stream *Stream) error
}

// A Track is a local track that can be stopped more than once.
type Track struct {
	*webrtc.TrackLocalStaticSample
	stopped atomic.Bool
}

// NewTrack returns a sample track for the given codec.
func NewTrack(capability webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	return &Track{TrackLocalStaticSample: local}, nil
}

// Stop marks the track stopped.
func (t *Track) Stop() error {
	t.stopped.Store(true)
	return nil
}

// Stopped reports whether the track was stopped.
func (t *Track) Stopped() bool {
	return t.stopped.Load()
}

// A Stream groups the tracks acquired together.
type Stream struct {
	ID    string
	Audio *Track
	Video *Track
}

// Tracks returns the stream's tracks, audio first.
func (s *Stream) Tracks() []*Track {
	var tracks []*Track
	if s.Audio != nil {
		tracks = append(tracks, s.Audio)
	}
	if s.Video != nil {
		tracks = append(tracks, s.Video)
	}
	return tracks
}

// Stop stops every track of the stream.
func (s *Stream) Stop() error {
	var err error
	for _, track := range s.Tracks() {
		err = multierr.Combine(err, track.Stop())
	}
	return err
}

// A SyntheticProvider produces Opus/VP8 sample tracks without capture hardware. Callers
// may write samples to the tracks themselves.
type SyntheticProvider struct {
	mu     sync.Mutex
	active map[string]*Stream
	closed bool
}

// NewSyntheticProvider returns a provider with no active streams.
func NewSyntheticProvider() *SyntheticProvider {
	return &SyntheticProvider{active: map[string]*Stream{}}
}

// Acquire returns a new stream with the requested tracks.
func (p *SyntheticProvider) Acquire(ctx context.Context, wantAudio, wantVideo bool) (*Stream, error) {
	if !wantAudio && !wantVideo {
		return nil, ErrNothingRequested
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := &Stream{ID: uuid.NewString()}
	if wantAudio {
		track, err := NewTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream.ID)
		if err != nil {
			return nil, err
		}
		stream.Audio = track
	}
	if wantVideo {
		track, err := NewTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream.ID)
		if err != nil {
			return nil, err
		}
		stream.Video = track
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("media provider closed")
	}
	p.active[stream.ID] = stream
	return stream, nil
}

// Release stops the stream and forgets it.
func (p *SyntheticProvider) Release(stream *Stream) error {
	if stream == nil {
		return nil
	}
	p.mu.Lock()
	delete(p.active, stream.ID)
	p.mu.Unlock()
	return stream.Stop()
}

// Active returns how many streams are acquired and not yet released.
func (p *SyntheticProvider) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close releases every active stream.
func (p *SyntheticProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	active := p.active
	p.active = map[string]*Stream{}
	p.mu.Unlock()

	var err error
	for _, stream := range active {
		err = multierr.Combine(err, stream.Stop())
	}
	return err
}
