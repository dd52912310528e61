package peer

import (
	"context"
	"net"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pion/dtls/v2"
	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pion/sctp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.yogatalks.dev/utils"
)

// DefaultICEServers is the default set of ICE servers used to negotiate sessions.
// There is no guarantee that the defaults here will remain usable.
var DefaultICEServers = []webrtc.ICEServer{
	{
		URLs: []string{"stun:stun.l.google.com:19302"},
	},
}

// DefaultConfiguration is the standard configuration used for peer connections.
var DefaultConfiguration = webrtc.Configuration{
	ICEServers: DefaultICEServers,
}

const eventQueueSize = 256

func newWebRTCAPI(logger golog.Logger) (*webrtc.API, error) {
	m := webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&m, &i); err != nil {
		return nil, err
	}

	var settingEngine webrtc.SettingEngine
	// browsers hand out mDNS host candidates that we must be able to resolve, while we
	// keep advertising plain addresses ourselves.
	settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryOnly)
	settingEngine.SetIPFilter(func(ip net.IP) bool {
		return ip.To4() != nil
	})
	if utils.Debug.Load() {
		settingEngine.LoggerFactory = LoggerFactory{logger}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(&m),
		webrtc.WithInterceptorRegistry(&i),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// A PionTransport is a Transport backed by a pion PeerConnection.
type PionTransport struct {
	pc       *webrtc.PeerConnection
	logger   golog.Logger
	events   chan Event
	detached atomic.Bool

	closeCtx  context.Context
	closeFunc func()
}

// NewPionTransport creates a new pion peer connection with the given configuration.
func NewPionTransport(config webrtc.Configuration, logger golog.Logger) (*PionTransport, error) {
	webAPI, err := newWebRTCAPI(logger)
	if err != nil {
		return nil, err
	}
	pc, err := webAPI.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	closeCtx, closeFunc := context.WithCancel(context.Background())
	t := &PionTransport{
		pc:        pc,
		logger:    logger,
		events:    make(chan Event, eventQueueSize),
		closeCtx:  closeCtx,
		closeFunc: closeFunc,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			t.push(Event{Kind: EventGatheringComplete})
			return
		}
		t.push(Event{Kind: EventLocalCandidate, Candidate: candidate.ToJSON()})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.push(Event{Kind: EventTrack, Track: &pionRemoteTrack{track: track, receiver: receiver}})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.push(Event{Kind: EventDataChannel, DataChannel: t.wrapDataChannel(dc)})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.push(Event{Kind: EventConnectionState, ConnectionState: state})
	})
	return t, nil
}

// push blocks until the event is queued or the transport goes away.
func (t *PionTransport) push(ev Event) {
	if t.detached.Load() {
		return
	}
	select {
	case <-t.closeCtx.Done():
	case t.events <- ev:
	}
}

// CreateOffer creates an offer without applying it.
func (t *PionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer creates an answer without applying it.
func (t *PionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the description and starts gathering candidates.
func (t *PionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies the peer's description.
func (t *PionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

// AddICECandidate adds a remote candidate.
func (t *PionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// AddTrack adds a local track and starts draining its RTCP feedback.
func (t *PionTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// interceptors only run while RTCP is read
	utils.PanicCapturingGo(func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})
	return nil
}

// CreateDataChannel creates an ordered data channel with the given label.
func (t *PionTransport) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return t.wrapDataChannel(dc), nil
}

func (t *PionTransport) wrapDataChannel(dc *webrtc.DataChannel) DataChannel {
	label := dc.Label()
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.push(Event{Kind: EventDataChannelMessage, Label: label, Message: msg.Data})
	})
	dc.OnError(func(err error) {
		if errors.Is(err, sctp.ErrResetPacketInStateNotExist) || isUserInitiatedAbortChunkErr(err) {
			return
		}
		t.logger.Errorw("data channel error", "label", label, "error", err)
	})
	return &pionDataChannel{dc: dc}
}

func isUserInitiatedAbortChunkErr(err error) bool {
	return err != nil && errors.Is(err, sctp.ErrChunk) &&
		strings.Contains(err.Error(), "User Initiated Abort:")
}

// Events returns the transport's event queue.
func (t *PionTransport) Events() <-chan Event {
	return t.events
}

// DetachHandlers replaces every pion callback with a no-op.
func (t *PionTransport) DetachHandlers() {
	t.detached.Store(true)
	t.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	t.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
	t.pc.OnDataChannel(func(*webrtc.DataChannel) {})
	t.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
}

// Close closes the peer connection. Pending pushes are abandoned.
func (t *PionTransport) Close() error {
	t.closeFunc()
	// a DTLS transport already torn down by the peer is as closed as we want it
	if err := t.pc.Close(); err != nil && !errors.Is(err, dtls.ErrConnClosed) {
		return err
	}
	return nil
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionDataChannel) Label() string {
	return c.dc.Label()
}

func (c *pionDataChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *pionDataChannel) DetachHandlers() {
	c.dc.OnMessage(func(webrtc.DataChannelMessage) {})
	c.dc.OnError(func(error) {})
}

func (c *pionDataChannel) Close() error {
	return c.dc.Close()
}

type pionRemoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

func (t *pionRemoteTrack) ID() string {
	return t.track.ID()
}

func (t *pionRemoteTrack) Kind() string {
	return t.track.Kind().String()
}

func (t *pionRemoteTrack) Stop() error {
	return t.receiver.Stop()
}
