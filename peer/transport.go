// Package peer implements a peer session: one WebRTC connection together with its local
// and remote media, its data channel and the local ICE candidates it gathers.
//
// The session is written against the Transport capability interface rather than a
// concrete WebRTC stack. Transport notifications arrive as Events on a queue that the
// session drains on its own goroutine, so no transport callback ever runs session code.
package peer

import (
	"github.com/pion/webrtc/v3"
)

// A Transport is the set of peer connection capabilities a Session needs.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	CreateDataChannel(label string) (DataChannel, error)

	// Events returns the queue of transport notifications. It is never closed while the
	// transport is open.
	Events() <-chan Event

	// DetachHandlers stops the transport from producing further events.
	DetachHandlers()
	Close() error
}

// A DataChannel is a bidirectional message channel negotiated on a Transport.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	// DetachHandlers stops message delivery for this channel.
	DetachHandlers()
	Close() error
}

// A RemoteTrack is media received from the peer.
type RemoteTrack interface {
	ID() string
	Kind() string
	Stop() error
}

// A LocalTrack is media sent to the peer. Stop must be idempotent since both the
// session and the media provider that produced the track may stop it.
type LocalTrack interface {
	webrtc.TrackLocal
	Stop() error
}

// EventKind identifies what an Event carries.
type EventKind int

// Kinds of transport events.
const (
	EventLocalCandidate EventKind = iota
	EventGatheringComplete
	EventTrack
	EventDataChannel
	EventDataChannelMessage
	EventConnectionState
)

func (k EventKind) String() string {
	switch k {
	case EventLocalCandidate:
		return "local_candidate"
	case EventGatheringComplete:
		return "gathering_complete"
	case EventTrack:
		return "track"
	case EventDataChannel:
		return "data_channel"
	case EventDataChannelMessage:
		return "data_channel_message"
	case EventConnectionState:
		return "connection_state"
	default:
		return "unknown"
	}
}

// An Event is a single transport notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind            EventKind
	Candidate       webrtc.ICECandidateInit
	Track           RemoteTrack
	DataChannel     DataChannel
	Label           string
	Message         []byte
	ConnectionState webrtc.PeerConnectionState
}
