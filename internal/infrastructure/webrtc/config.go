package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"preflight/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

var (
	ErrNoRelayServers  = errors.New("proxy enabled but no TURN servers are configured")
	ErrNoTCPRelay      = errors.New("fixed proxy mode needs a TURN server over TCP or TLS")
	ErrReceiverMissing = errors.New("receiver session is not open")
	ErrSessionOpen     = errors.New("session already open")
)

// Config configures the loopback sessions.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// Bitrates of the synthetic media in bits per second.
	VideoBitrate       int
	AudioBitrate       int
	NegotiationTimeout time.Duration
	PLIInterval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		VideoBitrate:       800_000,
		AudioBitrate:       48_000,
		NegotiationTimeout: 10 * time.Second,
		PLIInterval:        3 * time.Second,
	}
}

// iceConfiguration applies the proxy settings to the ICE servers. With the
// proxy on only relayed candidates are used; fixed mode additionally
// restricts relays to TCP and TLS so traffic can pass a restrictive
// firewall.
func iceConfiguration(servers []webrtc.ICEServer, proxy domain.ProxySettings) (webrtc.Configuration, error) {
	cfg := webrtc.Configuration{
		SDPSemantics:       webrtc.SDPSemanticsUnifiedPlan,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	if !proxy.Enabled {
		cfg.ICEServers = servers
		return cfg, nil
	}

	var relays []webrtc.ICEServer
	for _, server := range servers {
		var urls []string
		for _, url := range server.URLs {
			if !isTURN(url) {
				continue
			}
			if proxy.Mode == domain.ProxyModeFixed && !isStreamRelay(url) {
				continue
			}
			urls = append(urls, url)
		}
		if len(urls) == 0 {
			continue
		}
		relay := server
		relay.URLs = urls
		relays = append(relays, relay)
	}

	if len(relays) == 0 {
		if proxy.Mode == domain.ProxyModeFixed {
			return cfg, ErrNoTCPRelay
		}
		return cfg, ErrNoRelayServers
	}
	cfg.ICEServers = relays
	cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	return cfg, nil
}

func isTURN(url string) bool {
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}

func isStreamRelay(url string) bool {
	return strings.HasPrefix(url, "turns:") || strings.Contains(url, "transport=tcp")
}

// newAPI builds a pion API with the default codecs and interceptors
// (NACK, RTCP reports, TWCC) and the configured UDP port range.
func newAPI(cfg Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
