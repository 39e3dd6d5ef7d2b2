package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const Version = "v1.1.0"

// ErrConfig marks an ill-formed configuration. It is only ever returned at
// load time; a configuration that passed Load is immutable and valid.
var ErrConfig = errors.New("invalid configuration")

type CameraKind string

const (
	CameraRTSP CameraKind = "rtsp"
	CameraUSB  CameraKind = "usb"
	CameraTest CameraKind = "test"
)

type EncoderKind string

const (
	EncoderSoftware EncoderKind = "software"
	EncoderHardware EncoderKind = "hardware"
)

type CameraConfig struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Kind        CameraKind  `yaml:"type"`
	URI         string      `yaml:"uri"`
	Width       int         `yaml:"width"`
	Height      int         `yaml:"height"`
	FPS         int         `yaml:"fps"`
	BitrateKbps int         `yaml:"bitrate"`
	Encoder     EncoderKind `yaml:"encoder"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type WebRTCConfig struct {
	STUNServer   string `yaml:"stun_server"`
	MaxClients   int    `yaml:"max_clients"`
	MTU          int    `yaml:"mtu"`
	ICEConfigURL string `yaml:"ice_config_url"`
}

type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Cameras []CameraConfig `yaml:"cameras"`
	WebRTC  WebRTCConfig   `yaml:"webrtc"`
}

// Load reads the YAML configuration file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	log.Info().Str("path", path).Msg("Loading configuration")

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	cfg := &Config{
		Server: ServerConfig{Bind: "0.0.0.0", Port: 8554},
		WebRTC: WebRTCConfig{MaxClients: 3, MTU: 1200},
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	applyEnvOverrides(cfg)

	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if cam.Width == 0 {
			cam.Width = 1280
		}
		if cam.Height == 0 {
			cam.Height = 720
		}
		if cam.FPS == 0 {
			cam.FPS = 30
		}
		if cam.BitrateKbps == 0 {
			cam.BitrateKbps = 2000
		}
		if cam.Encoder == "" {
			cam.Encoder = EncoderSoftware
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Info().
		Int("cameras", len(cfg.Cameras)).
		Int("port", cfg.Server.Port).
		Int("max_clients", cfg.WebRTC.MaxClients).
		Msg("Configuration loaded")

	for _, cam := range cfg.Cameras {
		log.Info().
			Str("id", cam.ID).
			Str("name", cam.Name).
			Str("type", string(cam.Kind)).
			Str("encoder", string(cam.Encoder)).
			Str("uri", cam.URI).
			Str("mode", fmt.Sprintf("%dx%d@%dfps", cam.Width, cam.Height, cam.FPS)).
			Msg("Camera configured")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if bind, hasEnv := os.LookupEnv("BIND"); hasEnv {
		cfg.Server.Bind = bind
	}
	if port, hasEnv := os.LookupEnv("PORT"); hasEnv {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		} else {
			log.Err(err).Msg("Failed to parse PORT, keeping configured value")
		}
	}
	if maxClients, hasEnv := os.LookupEnv("MAX_CLIENTS"); hasEnv {
		if parsed, err := strconv.Atoi(maxClients); err == nil {
			cfg.WebRTC.MaxClients = parsed
		} else {
			log.Err(err).Msg("Failed to parse MAX_CLIENTS, keeping configured value")
		}
	}
	if stun, hasEnv := os.LookupEnv("STUN_SERVER"); hasEnv {
		cfg.WebRTC.STUNServer = stun
	}
}

func (c *Config) validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("%w: no cameras configured", ErrConfig)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfig, c.Server.Port)
	}
	if c.WebRTC.MaxClients < 1 {
		return fmt.Errorf("%w: max_clients must be at least 1", ErrConfig)
	}
	if c.WebRTC.MTU < 576 || c.WebRTC.MTU > 9000 {
		return fmt.Errorf("%w: mtu %d out of range", ErrConfig, c.WebRTC.MTU)
	}

	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("%w: camera without id", ErrConfig)
		}
		if seen[cam.ID] {
			return fmt.Errorf("%w: duplicate camera id %q", ErrConfig, cam.ID)
		}
		seen[cam.ID] = true

		switch cam.Kind {
		case CameraRTSP, CameraUSB, CameraTest:
		default:
			return fmt.Errorf("%w: camera %q has unknown type %q", ErrConfig, cam.ID, cam.Kind)
		}
		switch cam.Encoder {
		case EncoderSoftware, EncoderHardware:
		default:
			return fmt.Errorf("%w: camera %q has unknown encoder %q", ErrConfig, cam.ID, cam.Encoder)
		}
		if cam.URI == "" && cam.Kind != CameraTest {
			return fmt.Errorf("%w: camera %q has no uri", ErrConfig, cam.ID)
		}
		if cam.Width <= 0 || cam.Height <= 0 || cam.FPS <= 0 {
			return fmt.Errorf("%w: camera %q has invalid dimensions", ErrConfig, cam.ID)
		}
	}
	return nil
}
