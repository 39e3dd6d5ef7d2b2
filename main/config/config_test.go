package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  bind: 127.0.0.1
  port: 8554

cameras:
  - id: cam_front
    name: Front
    type: rtsp
    uri: rtsp://10.0.0.5/stream1
  - id: cam_cabin
    name: Cabin
    type: usb
    uri: /dev/video0
    width: 640
    height: 480
    fps: 25
    bitrate: 1500
    encoder: hardware

webrtc:
  stun_server: stun:stun.l.google.com:19302
  max_clients: 2
  mtu: 1200
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Bind)
	assert.Equal(t, 8554, cfg.Server.Port)
	assert.Equal(t, 2, cfg.WebRTC.MaxClients)
	assert.Equal(t, "stun:stun.l.google.com:19302", cfg.WebRTC.STUNServer)

	require.Len(t, cfg.Cameras, 2)

	front := cfg.Cameras[0]
	assert.Equal(t, "cam_front", front.ID)
	assert.Equal(t, CameraRTSP, front.Kind)
	// Omitted fields pick up defaults.
	assert.Equal(t, 1280, front.Width)
	assert.Equal(t, 720, front.Height)
	assert.Equal(t, 30, front.FPS)
	assert.Equal(t, 2000, front.BitrateKbps)
	assert.Equal(t, EncoderSoftware, front.Encoder)

	cabin := cfg.Cameras[1]
	assert.Equal(t, CameraUSB, cabin.Kind)
	assert.Equal(t, 640, cabin.Width)
	assert.Equal(t, EncoderHardware, cabin.Encoder)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_CLIENTS", "7")
	t.Setenv("STUN_SERVER", "stun:stun.example.org:3478")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 7, cfg.WebRTC.MaxClients)
	assert.Equal(t, "stun:stun.example.org:3478", cfg.WebRTC.STUNServer)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no cameras", "server:\n  port: 8554\n"},
		{"duplicate ids", `
cameras:
  - {id: a, name: A, type: test}
  - {id: a, name: B, type: test}
`},
		{"unknown type", `
cameras:
  - {id: a, name: A, type: mjpeg, uri: x}
`},
		{"unknown encoder", `
cameras:
  - {id: a, name: A, type: test, encoder: quicksync}
`},
		{"rtsp without uri", `
cameras:
  - {id: a, name: A, type: rtsp}
`},
		{"bad port", `
server:
  port: 99999
cameras:
  - {id: a, name: A, type: test}
`},
		{"negative max clients", `
webrtc:
  max_clients: -1
cameras:
  - {id: a, name: A, type: test}
`},
		{"tiny mtu", `
webrtc:
  mtu: 100
cameras:
  - {id: a, name: A, type: test}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}
