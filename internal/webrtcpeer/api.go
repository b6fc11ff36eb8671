// Package webrtcpeer owns server-side peer connections: offer/answer
// negotiation, trickled candidate application, and connection lifecycle.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/playtalk-labs/voicegate/internal/config"
)

// NewAPI constructs the pion API used for all server-side peer connections.
// Misconfigurations surface here at startup rather than on the first offer.
func NewAPI(cfg config.Config, logger *slog.Logger) (*webrtc.API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: newSlogLoggerFactory(logger),
	}

	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// PeerConnectionConfig converts the configured ICE servers into the pion
// representation used per connection.
func PeerConnectionConfig(servers []config.ICEServer) webrtc.Configuration {
	out := webrtc.Configuration{}
	for _, s := range servers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
