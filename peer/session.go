package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.yogatalks.dev/utils"
)

// DataChannelLabel is the label of the data channel hosts open for their participants.
const DataChannelLabel = "yoga-talks"

// State is the negotiation state of a Session.
type State int

// Session states.
const (
	StateNew State = iota
	StateLocalDescriptionSet
	StateNegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLocalDescriptionSet:
		return "local_description_set"
	case StateNegotiating:
		return "negotiating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	// ErrClosed is returned when operating on a closed session.
	ErrClosed = errors.New("peer session closed")

	// ErrNoRemoteOffer is the precondition failure of creating an answer before a remote
	// offer has been applied.
	ErrNoRemoteOffer = errors.New("precondition failed: no remote offer has been applied")

	// ErrNoDataChannel is returned when sending without a data channel.
	ErrNoDataChannel = errors.New("no data channel")
)

// A NegotiationError is a failed description operation. The session should be closed
// and negotiation restarted.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// A CandidateHandler receives a locally gathered candidate along with the type of the
// local description it was gathered for.
type CandidateHandler func(descType webrtc.SDPType, candidate webrtc.ICECandidateInit)

// A Session is a single peer connection plus the media and data attached to it.
type Session struct {
	transport Transport
	logger    golog.Logger
	workers   *utils.StoppableWorkers
	closed    atomic.Bool

	mu                sync.Mutex
	state             State
	localDescType     webrtc.SDPType
	localDescription  *webrtc.SessionDescription
	remoteDescription *webrtc.SessionDescription
	offerCandidates   []webrtc.ICECandidateInit
	answerCandidates  []webrtc.ICECandidateInit
	onLocalCandidate  CandidateHandler
	pendingRemote     []webrtc.ICECandidateInit
	localTracks       []LocalTrack
	remoteTracks      []RemoteTrack
	dataChannel       DataChannel
	messages          []json.RawMessage
	onMessage         func(json.RawMessage)
	connectionState   webrtc.PeerConnectionState
	onConnectionState func(webrtc.PeerConnectionState)
	gatheringDone     chan struct{}

	remoteQueueMu sync.Mutex
	remoteQueue   []webrtc.ICECandidateInit
	remoteWake    chan struct{}
}

// NewSession returns a session driving the given transport. The session owns the
// transport and closes it on Close.
func NewSession(transport Transport, logger golog.Logger) *Session {
	s := &Session{
		transport:     transport,
		logger:        logger,
		gatheringDone: make(chan struct{}),
		remoteWake:    make(chan struct{}, 1),
	}
	s.workers = utils.NewStoppableWorkersWith(context.Background(), s.processEvents)
	return s
}

// NewPionSession returns a session over a new pion peer connection.
func NewPionSession(config webrtc.Configuration, logger golog.Logger) (*Session, error) {
	transport, err := NewPionTransport(config, logger)
	if err != nil {
		return nil, err
	}
	return NewSession(transport, logger), nil
}

// processEvents is the only goroutine that reacts to the transport.
func (s *Session) processEvents(ctx context.Context) {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.handleEvent(ev)
		case <-s.remoteWake:
			s.remoteQueueMu.Lock()
			queued := s.remoteQueue
			s.remoteQueue = nil
			s.remoteQueueMu.Unlock()
			for _, cand := range queued {
				if ctx.Err() != nil {
					return
				}
				s.AddRemoteCandidate(cand)
			}
		}
	}
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Kind {
	case EventLocalCandidate:
		s.mu.Lock()
		descType := s.localDescType
		switch descType {
		case webrtc.SDPTypeOffer:
			s.offerCandidates = append(s.offerCandidates, ev.Candidate)
		case webrtc.SDPTypeAnswer:
			s.answerCandidates = append(s.answerCandidates, ev.Candidate)
		default:
			s.mu.Unlock()
			s.logger.Warnw("dropping candidate gathered without a local description", "candidate", ev.Candidate.Candidate)
			return
		}
		handler := s.onLocalCandidate
		s.mu.Unlock()
		if handler != nil {
			handler(descType, ev.Candidate)
		}
	case EventGatheringComplete:
		s.mu.Lock()
		select {
		case <-s.gatheringDone:
		default:
			close(s.gatheringDone)
		}
		s.mu.Unlock()
	case EventTrack:
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			utils.UncheckedError(ev.Track.Stop())
			return
		}
		s.remoteTracks = append(s.remoteTracks, ev.Track)
		s.mu.Unlock()
		s.logger.Debugw("remote track added", "id", ev.Track.ID(), "kind", ev.Track.Kind())
	case EventDataChannel:
		s.mu.Lock()
		if s.dataChannel != nil || s.state == StateClosed {
			s.mu.Unlock()
			s.logger.Debugw("closing unexpected data channel", "label", ev.DataChannel.Label())
			ev.DataChannel.DetachHandlers()
			utils.UncheckedError(ev.DataChannel.Close())
			return
		}
		s.dataChannel = ev.DataChannel
		s.mu.Unlock()
	case EventDataChannelMessage:
		if !json.Valid(ev.Message) {
			s.logger.Warnw("dropping non-JSON data channel message", "label", ev.Label)
			return
		}
		msg := json.RawMessage(append([]byte(nil), ev.Message...))
		s.mu.Lock()
		s.messages = append(s.messages, msg)
		handler := s.onMessage
		s.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	case EventConnectionState:
		s.mu.Lock()
		s.connectionState = ev.ConnectionState
		handler := s.onConnectionState
		s.mu.Unlock()
		s.logger.Debugw("connection state changed", "state", ev.ConnectionState.String())
		if handler != nil {
			handler(ev.ConnectionState)
		}
	}
}

func newNegotiationError(op string, err error) error {
	return &NegotiationError{Op: op, Err: err}
}

// setLocalLocked records the description type before handing it to the transport since
// gathering starts as soon as the transport accepts it.
func (s *Session) setLocalLocked(op string, desc webrtc.SessionDescription) error {
	prevDescType := s.localDescType
	s.localDescType = desc.Type
	if err := s.transport.SetLocalDescription(desc); err != nil {
		s.localDescType = prevDescType
		return newNegotiationError(op, err)
	}
	s.localDescription = &desc
	s.state = StateLocalDescriptionSet
	return nil
}

// CreateOffer creates an offer and applies it as the local description.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return webrtc.SessionDescription{}, newNegotiationError("CreateOffer", ErrClosed)
	case StateLocalDescriptionSet:
		return webrtc.SessionDescription{}, newNegotiationError("CreateOffer",
			errors.New("local description already set and not yet answered"))
	case StateNew, StateNegotiating:
	}

	offer, err := s.transport.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, newNegotiationError("CreateOffer", err)
	}
	if err := s.setLocalLocked("CreateOffer", offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswer creates an answer to the applied remote offer and applies it as the
// local description.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return webrtc.SessionDescription{}, newNegotiationError("CreateAnswer", ErrClosed)
	}
	if s.remoteDescription == nil || s.remoteDescription.Type != webrtc.SDPTypeOffer || s.state != StateNegotiating {
		return webrtc.SessionDescription{}, ErrNoRemoteOffer
	}

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, newNegotiationError("CreateAnswer", err)
	}
	if err := s.setLocalLocked("CreateAnswer", answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// SetLocalDescription applies a description produced elsewhere.
func (s *Session) SetLocalDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return newNegotiationError("SetLocalDescription", ErrClosed)
	}
	return s.setLocalLocked("SetLocalDescription", desc)
}

// SetRemoteDescription applies the peer's description. Remote candidates that arrived
// before it are applied right after.
func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return newNegotiationError("SetRemoteDescription", ErrClosed)
	}
	if desc.SDP == "" {
		s.mu.Unlock()
		return newNegotiationError("SetRemoteDescription", errors.New("empty session description"))
	}
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		s.mu.Unlock()
		return newNegotiationError("SetRemoteDescription", err)
	}
	s.remoteDescription = &desc
	s.state = StateNegotiating
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	for _, cand := range pending {
		s.AddRemoteCandidate(cand)
	}
	return nil
}

// AddRemoteCandidate applies a candidate from the peer. Failures are logged since late
// and duplicate candidates are expected. Candidates for a closed session are dropped.
func (s *Session) AddRemoteCandidate(candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.remoteDescription == nil {
		s.pendingRemote = append(s.pendingRemote, candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.transport.AddICECandidate(candidate); err != nil {
		s.logger.Debugw("failed to add remote candidate", "candidate", candidate.Candidate, "error", err)
	}
}

// EnqueueRemoteCandidate hands the candidate to the session's goroutine and returns
// immediately. Subscription callbacks should use it instead of AddRemoteCandidate.
func (s *Session) EnqueueRemoteCandidate(candidate webrtc.ICECandidateInit) {
	if s.closed.Load() {
		return
	}
	s.remoteQueueMu.Lock()
	s.remoteQueue = append(s.remoteQueue, candidate)
	s.remoteQueueMu.Unlock()
	select {
	case s.remoteWake <- struct{}{}:
	default:
	}
}

// OnLocalCandidate registers the handler for candidates gathered from now on and
// returns the candidates already accumulated for the current local description. No
// candidate is both returned and passed to the handler.
func (s *Session) OnLocalCandidate(handler CandidateHandler) []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLocalCandidate = handler
	switch s.localDescType {
	case webrtc.SDPTypeOffer:
		return append([]webrtc.ICECandidateInit(nil), s.offerCandidates...)
	case webrtc.SDPTypeAnswer:
		return append([]webrtc.ICECandidateInit(nil), s.answerCandidates...)
	default:
		return nil
	}
}

// OfferCandidates returns the candidates gathered while the local description was an offer.
func (s *Session) OfferCandidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.offerCandidates...)
}

// AnswerCandidates returns the candidates gathered while the local description was an answer.
func (s *Session) AnswerCandidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.answerCandidates...)
}

// GatheringComplete is closed once the transport has gathered all local candidates.
func (s *Session) GatheringComplete() <-chan struct{} {
	return s.gatheringDone
}

// AddLocalTracks sends the given tracks to the peer. The session stops them on Close.
func (s *Session) AddLocalTracks(tracks ...LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	for _, track := range tracks {
		if err := s.transport.AddTrack(track); err != nil {
			return errors.Wrapf(err, "failed to add %s track", track.Kind())
		}
		s.localTracks = append(s.localTracks, track)
	}
	return nil
}

// CreateDataChannel opens the session's data channel.
func (s *Session) CreateDataChannel(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if s.dataChannel != nil {
		return errors.Errorf("data channel %q already exists", s.dataChannel.Label())
	}
	dc, err := s.transport.CreateDataChannel(label)
	if err != nil {
		return err
	}
	s.dataChannel = dc
	return nil
}

// SendMessage sends v as JSON over the data channel.
func (s *Session) SendMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	dc := s.dataChannel
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if dc == nil {
		return ErrNoDataChannel
	}
	return dc.Send(data)
}

// Messages returns every JSON message received on the data channel so far, oldest first.
func (s *Session) Messages() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.messages...)
}

// OnMessage registers a handler for JSON messages received from now on.
func (s *Session) OnMessage(handler func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = handler
}

// OnConnectionStateChange registers a handler for connection state changes.
func (s *Session) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnectionState = handler
}

// State returns the negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionState returns the last connection state reported by the transport.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionState
}

// LocalDescription returns the applied local description, if any.
func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDescription
}

// RemoteDescription returns the applied remote description, if any.
func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteDescription
}

// RemoteTracks returns the tracks received from the peer.
func (s *Session) RemoteTracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteTrack(nil), s.remoteTracks...)
}

// Close tears the session down. Handlers are detached before anything is closed so no
// callback observes a half-closed session. Closing twice is a no-op.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.transport.DetachHandlers()
	s.mu.Lock()
	s.state = StateClosed
	s.onLocalCandidate = nil
	s.onMessage = nil
	s.onConnectionState = nil
	dc := s.dataChannel
	if dc != nil {
		dc.DetachHandlers()
	}
	localTracks := s.localTracks
	remoteTracks := s.remoteTracks
	s.localTracks = nil
	s.remoteTracks = nil
	s.mu.Unlock()

	s.workers.Stop()

	var err error
	for _, track := range localTracks {
		err = multierr.Combine(err, track.Stop())
	}
	for _, track := range remoteTracks {
		err = multierr.Combine(err, track.Stop())
	}
	if dc != nil {
		err = multierr.Combine(err, dc.Close())
	}
	return multierr.Combine(err, s.transport.Close())
}
