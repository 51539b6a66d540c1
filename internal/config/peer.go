package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrInvalidPeerConfig = errors.New("invalid peer config")

// PeerConfig drives a headless mesh peer.
type PeerConfig struct {
	SignalURL       string        `mapstructure:"signal_url"`
	Token           string        `mapstructure:"token"`
	Room            string        `mapstructure:"room"`
	DisplayName     string        `mapstructure:"display_name"`
	AvatarRef       string        `mapstructure:"avatar_ref"`
	Codec           string        `mapstructure:"codec"`
	BroadcastOnJoin bool          `mapstructure:"broadcast_on_join"`
	CandidateCap    int           `mapstructure:"candidate_cap"`
	LevelInterval   time.Duration `mapstructure:"level_interval"`
	StatusInterval  time.Duration `mapstructure:"status_interval"`
	LogLevel        string        `mapstructure:"log_level"`
	ICE             ICEConfig     `mapstructure:"ice"`
	Tone            ToneConfig    `mapstructure:"tone"`
}

type ICEConfig struct {
	STUNURLs       []string `mapstructure:"stun_urls"`
	TURNURLs       []string `mapstructure:"turn_urls"`
	TURNUsername   string   `mapstructure:"turn_username"`
	TURNCredential string   `mapstructure:"turn_credential"`
	RelayOnly      bool     `mapstructure:"relay_only"`
	Loopback       bool     `mapstructure:"loopback"`
}

// ToneConfig shapes the synthetic capture source.
type ToneConfig struct {
	Frequency float64 `mapstructure:"frequency"`
	Amplitude float64 `mapstructure:"amplitude"`
}

// LoadPeer reads config/peer.<CONFIG_ENV>.yaml, or path when set.
func LoadPeer(path string) (*PeerConfig, error) {
	fileName := path
	if fileName == "" {
		fileName = fmt.Sprintf("config/peer.%s.yaml", configEnv())
	}
	v := newViper(fileName)

	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("room", "main")
	v.SetDefault("display_name", "guest")
	v.SetDefault("codec", "json")
	v.SetDefault("broadcast_on_join", false)
	v.SetDefault("candidate_cap", 64)
	v.SetDefault("level_interval", "50ms")
	v.SetDefault("status_interval", "2s")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice.stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.turn_urls", []string{})
	v.SetDefault("ice.relay_only", false)
	v.SetDefault("ice.loopback", false)
	v.SetDefault("tone.frequency", 440.0)
	v.SetDefault("tone.amplitude", 0.5)

	readFile(v, fileName)

	var cfg PeerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse peer config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("signal_url", cfg.SignalURL).Str("room", cfg.Room).Msg("peer config")
	return &cfg, nil
}

func (c *PeerConfig) Validate() error {
	u, err := url.Parse(c.SignalURL)
	if err != nil {
		return fmt.Errorf("%w: signal_url: %v", ErrInvalidPeerConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: signal_url scheme %q", ErrInvalidPeerConfig, u.Scheme)
	}
	if c.Room == "" {
		return fmt.Errorf("%w: empty room", ErrInvalidPeerConfig)
	}
	if c.ICE.RelayOnly && len(c.ICE.TURNURLs) == 0 {
		return fmt.Errorf("%w: relay_only needs turn_urls", ErrInvalidPeerConfig)
	}
	return nil
}
