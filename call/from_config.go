package call

import (
	"context"

	"github.com/edaniels/golog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"go.yogatalks.dev/utils"
	"go.yogatalks.dev/utils/config"
	"go.yogatalks.dev/utils/media"
	"go.yogatalks.dev/utils/signaling"
)

// NewManagerFromConfig builds a manager along with the signaling channel and media
// provider described by cfg. Those collaborators belong to the manager and are closed
// by Destroy. opts are applied after the ones derived from cfg. A cfg with Debug set
// enables utils.Debug.
func NewManagerFromConfig(
	ctx context.Context,
	cfg *config.Config,
	courseID, teacherID string,
	logger golog.Logger,
	opts ...ManagerOption,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// debug logging is process wide; one debug config is enough to turn it on
	if cfg.Debug {
		utils.Debug.Store(true)
	}

	channel, closeChannel, err := NewChannelFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	provider := media.NewSyntheticProvider()

	allOpts := []ManagerOption{
		WithMedia(cfg.Media.Audio, cfg.Media.Video),
		WithWebRTCConfiguration(cfg.WebRTCConfiguration()),
		WithDataChannelLabel(cfg.WebRTC.DataChannelLabel),
		withOwnedCloser(closeChannel),
		withOwnedCloser(provider.Close),
	}
	allOpts = append(allOpts, opts...)

	manager, err := NewManager(courseID, teacherID, channel, provider, logger, allOpts...)
	if err != nil {
		return nil, multierr.Combine(err, closeChannel(), provider.Close())
	}
	return manager, nil
}

// NewChannelFromConfig opens the signaling channel cfg selects. The returned function
// closes the channel and anything opened for it.
func NewChannelFromConfig(ctx context.Context, cfg *config.Config, logger golog.Logger) (signaling.Channel, func() error, error) {
	switch cfg.Signaling.Backend {
	case config.BackendMongoDB:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Signaling.ConnectTimeout)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Signaling.MongoDBURI))
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() error {
			return client.Disconnect(context.Background())
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			utils.UncheckedError(disconnect())
			return nil, nil, err
		}
		channel, err := signaling.NewMongoDBChannel(connectCtx, client, logger)
		if err != nil {
			utils.UncheckedError(disconnect())
			return nil, nil, err
		}
		return channel, func() error {
			return multierr.Combine(channel.Close(), disconnect())
		}, nil
	default:
		channel := signaling.NewMemoryChannel()
		return channel, channel.Close, nil
	}
}
