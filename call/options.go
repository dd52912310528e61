package call

import (
	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v3"

	"go.yogatalks.dev/utils/peer"
)

// A SessionFactory creates the peer session for a new call.
type SessionFactory func(config webrtc.Configuration, logger golog.Logger) (*peer.Session, error)

// managerOptions configure a Manager. Every field has a default set in
// defaultManagerOptions.
type managerOptions struct {
	// wantAudio and wantVideo select the local media acquired for a call.
	wantAudio bool
	wantVideo bool

	// newSession creates peer sessions. Defaults to pion.
	newSession SessionFactory

	// webrtcConfig is handed to newSession.
	webrtcConfig webrtc.Configuration

	// dataChannelLabel names the data channel a host opens.
	dataChannelLabel string

	// closeOnDestroy are collaborators the manager owns.
	closeOnDestroy []func() error
}

func defaultManagerOptions() managerOptions {
	return managerOptions{
		wantAudio:        true,
		wantVideo:        true,
		newSession:       peer.NewPionSession,
		webrtcConfig:     peer.DefaultConfiguration,
		dataChannelLabel: peer.DataChannelLabel,
	}
}

// ManagerOption configures a Manager.
type ManagerOption interface {
	apply(*managerOptions)
}

type funcManagerOption struct {
	f func(*managerOptions)
}

func (fmo *funcManagerOption) apply(mo *managerOptions) {
	fmo.f(mo)
}

func newFuncManagerOption(f func(*managerOptions)) *funcManagerOption {
	return &funcManagerOption{f: f}
}

// WithMedia selects which local media a call acquires. Both are on by default.
func WithMedia(audio, video bool) ManagerOption {
	return newFuncManagerOption(func(o *managerOptions) {
		o.wantAudio = audio
		o.wantVideo = video
	})
}

// WithSessionFactory replaces the pion backed session factory.
func WithSessionFactory(factory SessionFactory) ManagerOption {
	return newFuncManagerOption(func(o *managerOptions) {
		o.newSession = factory
	})
}

// WithWebRTCConfiguration sets the configuration handed to new sessions. Defaults to
// peer.DefaultConfiguration.
func WithWebRTCConfiguration(config webrtc.Configuration) ManagerOption {
	return newFuncManagerOption(func(o *managerOptions) {
		o.webrtcConfig = config
	})
}

// WithDataChannelLabel sets the label of the data channel a host opens. Defaults to
// peer.DataChannelLabel.
func WithDataChannelLabel(label string) ManagerOption {
	return newFuncManagerOption(func(o *managerOptions) {
		o.dataChannelLabel = label
	})
}

// withOwnedCloser makes Destroy close a collaborator the manager created itself.
func withOwnedCloser(closeFn func() error) ManagerOption {
	return newFuncManagerOption(func(o *managerOptions) {
		o.closeOnDestroy = append(o.closeOnDestroy, closeFn)
	})
}
