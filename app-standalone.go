package main

import (
	"os"
	"time"

	"camserver/main/capture"
	"camserver/main/config"
	"camserver/main/rtc"
	"camserver/main/signaling"
	"camserver/main/supervisor"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tinyzimmer/go-gst/gst"
)

const shutdownDeadline = 5 * time.Second

func main() {

	if len(os.Args) > 1 {
		envFilePath := os.Args[1]
		godotenv.Load(envFilePath)
	}

	if os.Getenv("GO_ENV") != "release" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if os.Getenv("VERBOSE") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", config.Version).Msg("WebRTC camera server starting")

	gst.Init(nil)

	configPath, hasEnv := os.LookupEnv("CONFIG")
	if !hasEnv {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	cameras := make([]*capture.Camera, 0, len(cfg.Cameras))
	sources := make([]rtc.CameraSource, 0, len(cfg.Cameras))
	health := make([]supervisor.Camera, 0, len(cfg.Cameras))
	for _, camCfg := range cfg.Cameras {
		cam := capture.NewCamera(camCfg)
		cameras = append(cameras, cam)
		sources = append(sources, cam)
		health = append(health, cam)
	}

	manager := rtc.NewManager(sources, rtc.GetRtcConfig(cfg.WebRTC))
	sig := signaling.NewServer(cfg)

	sig.RegisterConnectHandler(func(client *signaling.Client) {
		manager.CreatePeer(client)
	})
	sig.RegisterDisconnectHandler(func(clientID string) {
		manager.RemovePeer(clientID)
	})
	sig.RegisterMessageHandler(func(clientID string, _ string, raw []byte) {
		manager.HandleMessage(clientID, raw)
	})

	if err := sig.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start signaling server")
	}

	started := 0
	for _, cam := range cameras {
		if err := cam.Start(); err != nil {
			log.Err(err).Str("camera", cam.ID()).Msg("Failed to start camera")
			continue
		}
		started++
	}
	if started == 0 {
		sig.Stop()
		log.Fatal().Msg("No cameras started successfully")
	}

	log.Info().
		Str("signaling", "ws://"+cfg.Server.Bind).
		Int("port", cfg.Server.Port).
		Int("cameras_active", started).
		Int("cameras_total", len(cameras)).
		Int("max_clients", cfg.WebRTC.MaxClients).
		Msg("Server is running")

	supervisor.Run(health, manager)

	supervisor.Shutdown(shutdownDeadline, func() {
		for _, cam := range cameras {
			cam.Stop()
		}
		sig.Stop()
		manager.Close()
	})

	log.Info().Msg("Server stopped cleanly")
}
