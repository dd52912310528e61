// Package peertest provides an in-memory peer.Transport for tests.
package peertest

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.yogatalks.dev/utils/peer"
)

// ErrNoRemoteDescription mirrors pion's refusal to add candidates before a remote description.
var ErrNoRemoteDescription = errors.New("remote description not set")

// A Transport records what a session asks of it and emits scripted events.
type Transport struct {
	// CandidatesPerDescription local candidates are emitted each time a local
	// description is applied, followed by gathering completion.
	CandidatesPerDescription int

	// Fail* make the matching operation fail.
	FailCreateOffer          error
	FailSetLocalDescription  error
	FailSetRemoteDescription error
	FailAddICECandidate      error

	mu               sync.Mutex
	events           chan peer.Event
	detached         bool
	closed           bool
	local            *webrtc.SessionDescription
	remote           *webrtc.SessionDescription
	remoteCandidates []webrtc.ICECandidateInit
	tracks           []webrtc.TrackLocal
	dataChannels     []*DataChannel
	gathered         int
	id               string
}

var transportCounter atomic.Int64

// NewTransport returns a transport emitting candidatesPerDescription local candidates
// for every local description.
func NewTransport(candidatesPerDescription int) *Transport {
	return &Transport{
		CandidatesPerDescription: candidatesPerDescription,
		events:                   make(chan peer.Event, 1024),
		id:                       fmt.Sprintf("fake-%d", transportCounter.Inc()),
	}
}

func (t *Transport) sdp(kind string) string {
	return fmt.Sprintf("v=0\r\no=- %s 0 IN IP4 127.0.0.1\r\ns=%s\r\nt=0 0\r\n", t.id, kind)
}

// CreateOffer returns a fake offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.FailCreateOffer != nil {
		return webrtc.SessionDescription{}, t.FailCreateOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: t.sdp("offer")}, nil
}

// CreateAnswer returns a fake answer once a remote offer is applied.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil || t.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: t.sdp("answer")}, nil
}

// SetLocalDescription records the description and emits the scripted candidates.
func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	if t.FailSetLocalDescription != nil {
		return t.FailSetLocalDescription
	}
	t.mu.Lock()
	t.local = &desc
	t.mu.Unlock()
	for i := 0; i < t.CandidatesPerDescription; i++ {
		t.Emit(peer.Event{Kind: peer.EventLocalCandidate, Candidate: t.nextCandidate()})
	}
	t.Emit(peer.Event{Kind: peer.EventGatheringComplete})
	return nil
}

func (t *Transport) nextCandidate() webrtc.ICECandidateInit {
	t.mu.Lock()
	t.gathered++
	n := t.gathered
	t.mu.Unlock()
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.%d 5000 typ host", n, n),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

// SetRemoteDescription records the description.
func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if t.FailSetRemoteDescription != nil {
		return t.FailSetRemoteDescription
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = &desc
	return nil
}

// AddICECandidate records the candidate.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if t.FailAddICECandidate != nil {
		return t.FailAddICECandidate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return ErrNoRemoteDescription
	}
	t.remoteCandidates = append(t.remoteCandidates, candidate)
	return nil
}

// AddTrack records the track.
func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return nil
}

// CreateDataChannel returns a recording data channel.
func (t *Transport) CreateDataChannel(label string) (peer.DataChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dc := NewDataChannel(label)
	t.dataChannels = append(t.dataChannels, dc)
	return dc, nil
}

// Events returns the event queue.
func (t *Transport) Events() <-chan peer.Event {
	return t.events
}

// Emit queues an event unless handlers are detached.
func (t *Transport) Emit(ev peer.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return
	}
	t.events <- ev
}

// DetachHandlers stops event emission.
func (t *Transport) DetachHandlers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
}

// Close marks the transport closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.detached {
		return errors.New("closed before handlers were detached")
	}
	t.closed = true
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// LocalDescription returns the applied local description.
func (t *Transport) LocalDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// RemoteDescription returns the applied remote description.
func (t *Transport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// RemoteCandidates returns the candidates added so far.
func (t *Transport) RemoteCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.remoteCandidates...)
}

// Tracks returns the local tracks added so far.
func (t *Transport) Tracks() []webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), t.tracks...)
}

// DataChannels returns the data channels created so far.
func (t *Transport) DataChannels() []*DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*DataChannel(nil), t.dataChannels...)
}

// A DataChannel records sent messages.
type DataChannel struct {
	label string

	mu       sync.Mutex
	sent     [][]byte
	detached bool
	closed   bool
}

// NewDataChannel returns a recording data channel.
func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label}
}

// Label returns the channel label.
func (dc *DataChannel) Label() string {
	return dc.label
}

// Send records data.
func (dc *DataChannel) Send(data []byte) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.closed {
		return errors.New("data channel closed")
	}
	dc.sent = append(dc.sent, data)
	return nil
}

// DetachHandlers marks the channel detached.
func (dc *DataChannel) DetachHandlers() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.detached = true
}

// Close marks the channel closed. It fails if handlers were not detached first.
func (dc *DataChannel) Close() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.detached {
		return errors.New("closed before handlers were detached")
	}
	dc.closed = true
	return nil
}

// Sent returns everything sent so far.
func (dc *DataChannel) Sent() [][]byte {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return append([][]byte(nil), dc.sent...)
}

// Closed reports whether Close was called.
func (dc *DataChannel) Closed() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.closed
}

// A RemoteTrack is a fake received track.
type RemoteTrack struct {
	id   string
	kind string

	mu      sync.Mutex
	stopped int
}

// NewRemoteTrack returns a fake received track.
func NewRemoteTrack(id, kind string) *RemoteTrack {
	return &RemoteTrack{id: id, kind: kind}
}

// ID returns the track id.
func (rt *RemoteTrack) ID() string { return rt.id }

// Kind returns the track kind.
func (rt *RemoteTrack) Kind() string { return rt.kind }

// Stop counts stops.
func (rt *RemoteTrack) Stop() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.stopped++
	return nil
}

// Stopped reports whether Stop was called.
func (rt *RemoteTrack) Stopped() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stopped > 0
}
