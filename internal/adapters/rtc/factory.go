package rtc

import (
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ICEConfig is the traversal-assist part of the peer configuration.
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
	RelayOnly      bool
	// Loopback gathers host candidates on the loopback interface only, for
	// peers running on one machine. It needs no STUN server.
	Loopback bool
}

func (c ICEConfig) Configuration() webrtc.Configuration {
	if len(c.STUNURLs) == 0 && len(c.TURNURLs) == 0 {
		if c.Loopback {
			return webrtc.Configuration{}
		}
		return DefaultWebRTCConfig()
	}
	var servers []webrtc.ICEServer
	if len(c.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	policy := webrtc.ICETransportPolicyAll
	if len(c.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
		if c.RelayOnly {
			policy = webrtc.ICETransportPolicyRelay
		}
	}
	return webrtc.Configuration{ICEServers: servers, ICETransportPolicy: policy}
}

// Factory builds one WebRTCConnection per remote peer from a shared API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var (
	_ core.MediaConnectionFactory = (*Factory)(nil)
	_ core.MediaConnection        = (*WebRTCConnection)(nil)
)

func NewFactory(ice ICEConfig) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if ice.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: ice.Configuration()}, nil
}

func (f *Factory) Configuration() webrtc.Configuration { return f.cfg }

func (f *Factory) NewMediaConnection(peer domain.PeerID) (core.MediaConnection, error) {
	wc, err := NewWebRTCConnection(f.api, f.cfg, peer)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return wc, nil
}
