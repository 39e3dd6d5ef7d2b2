package rtc

import (
	"encoding/json"

	"camserver/main/config"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

type RtcConfig struct {
	ICEServers []webrtc.ICEServer
	MTU        int
}

type ICEServer struct {
	URLs           []string    `json:"urls"`
	Username       string      `json:"username,omitempty"`
	Credential     interface{} `json:"credential,omitempty"`
	CredentialType string      `json:"credentialType,omitempty"`
}

// GetRtcConfig assembles the ICE server set: the configured STUN server,
// plus any servers published by an external ice-config endpoint.
func GetRtcConfig(cfg config.WebRTCConfig) RtcConfig {
	servers := make([]webrtc.ICEServer, 0, 1)

	if cfg.STUNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{cfg.STUNServer},
		})
	}

	if cfg.ICEConfigURL != "" {
		servers = append(servers, fetchICEServers(cfg.ICEConfigURL)...)
	}

	return RtcConfig{
		ICEServers: servers,
		MTU:        cfg.MTU,
	}
}

func fetchICEServers(url string) []webrtc.ICEServer {
	client := resty.New()
	res, err := client.R().
		SetHeader("Accept", "application/json").
		Get(url)
	if err != nil {
		log.Err(err).Str("url", url).Msg("Failed to fetch ice config")
		return nil
	}

	var iceServers []ICEServer
	if err := json.Unmarshal(res.Body(), &iceServers); err != nil {
		log.Err(err).Str("url", url).Msg("Failed to parse ice config")
		return nil
	}

	parsedServers := make([]webrtc.ICEServer, len(iceServers))
	for i, iceServer := range iceServers {
		parsedServers[i] = webrtc.ICEServer{
			URLs:           iceServer.URLs,
			Username:       iceServer.Username,
			Credential:     iceServer.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		}
	}
	log.Info().Msgf("Got ice servers: %+v", parsedServers)
	return parsedServers
}
