// Package config loads the settings that wire a call manager together: which signaling
// backend to use, how peer connections reach each other and what media to send.
package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"go.yogatalks.dev/utils"
	"go.yogatalks.dev/utils/peer"
)

// EnvMongoDBURI overrides signaling.mongodb_uri so that credentials stay out of files.
const EnvMongoDBURI = "YOGATALKS_MONGODB_URI"

// Backend names a signaling channel implementation.
type Backend string

// Known backends.
const (
	BackendMemory  = Backend("memory")
	BackendMongoDB = Backend("mongodb")
)

// Config is the top level configuration.
type Config struct {
	Signaling Signaling `json:"signaling"`
	WebRTC    WebRTC    `json:"webrtc"`
	Media     Media     `json:"media"`

	// Debug routes pion's internal logs through our logger.
	Debug bool `json:"debug"`
}

// Signaling selects and configures the signaling channel.
type Signaling struct {
	Backend        Backend       `json:"backend"`
	MongoDBURI     string        `json:"mongodb_uri,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// WebRTC configures peer connections.
type WebRTC struct {
	// ICEServers replace peer.DefaultICEServers when set.
	ICEServers       []ICEServer `json:"ice_servers,omitempty"`
	DataChannelLabel string      `json:"data_channel_label"`
}

// ICEServer is a STUN or TURN server.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Media selects the local media sent on a call.
type Media struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	return Config{
		Signaling: Signaling{
			Backend:        BackendMemory,
			ConnectTimeout: 10 * time.Second,
		},
		WebRTC: WebRTC{
			DataChannelLabel: peer.DataChannelLabel,
		},
		Media: Media{
			Audio: true,
			Video: true,
		},
	}
}

// Validate ensures the configuration can be used to build a manager.
func (c *Config) Validate() error {
	switch c.Signaling.Backend {
	case BackendMemory:
	case BackendMongoDB:
		if c.Signaling.MongoDBURI == "" {
			return errors.Errorf("signaling.mongodb_uri (or %s) is required for the %q backend", EnvMongoDBURI, BackendMongoDB)
		}
	default:
		return errors.Errorf("unknown signaling backend %q", c.Signaling.Backend)
	}
	if c.Signaling.ConnectTimeout <= 0 {
		return errors.New("signaling.connect_timeout must be positive")
	}
	if !c.Media.Audio && !c.Media.Video {
		return errors.New("at least one of media.audio or media.video must be enabled")
	}
	if strings.TrimSpace(c.WebRTC.DataChannelLabel) == "" {
		return errors.New("webrtc.data_channel_label is required")
	}
	for idx, server := range c.WebRTC.ICEServers {
		if len(server.URLs) == 0 {
			return errors.Errorf("webrtc.ice_servers.%d has no urls", idx)
		}
	}
	return nil
}

// WebRTCConfiguration returns the pion configuration for new peer connections.
func (c *Config) WebRTCConfiguration() webrtc.Configuration {
	if len(c.WebRTC.ICEServers) == 0 {
		return peer.DefaultConfiguration
	}
	servers := make([]webrtc.ICEServer, 0, len(c.WebRTC.ICEServers))
	for _, server := range c.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// FromMap decodes a generic map on top of Default, applies environment overrides and
// validates the result. Durations may be given as strings like "5s".
func FromMap(raw map[string]interface{}) (*Config, error) {
	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		Result:      &cfg,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if uri := os.Getenv(EnvMongoDBURI); uri != "" {
		cfg.Signaling.MongoDBURI = uri
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromFile reads a JSON configuration file.
func LoadConfigFromFile(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %q", path)
	}
	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %q", path)
	}
	return FromMap(raw)
}

// Watch calls onChange with the reloaded configuration every time the file at path is
// written or replaced, until ctx is done. Files that fail to load are logged and skipped.
func Watch(ctx context.Context, path string, logger golog.Logger, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(watcher.Close)

	// editors often replace files, which a watch on the file itself would not survive
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := LoadConfigFromFile(abs)
			if err != nil {
				logger.Errorw("failed to reload config", "path", abs, "error", err)
				continue
			}
			logger.Debugw("config reloaded", "path", abs)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Errorw("config watcher error", "error", err)
		}
	}
}
