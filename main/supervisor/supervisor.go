package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reactivex/rxgo/v2"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

const (
	reportInterval = 30 * time.Second
	stallThreshold = 10.0 // seconds without a frame while running
)

// Camera is the health view the supervisor reads from each capture
// pipeline.
type Camera interface {
	ID() string
	Running() bool
	FrameCount() uint64
	RestartCount() uint64
	SecondsSinceLastFrame() float64
}

// PeerCounter reports live peer sessions.
type PeerCounter interface {
	PeerCount() int
}

// Run reports health every 30 seconds and blocks until SIGINT or SIGTERM.
// A second signal during shutdown forces immediate exit.
func Run(cameras []Camera, peers PeerCounter) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := rxgo.Interval(rxgo.WithDuration(reportInterval), rxgo.WithContext(ctx)).Observe()

	for {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
			go func() {
				s := <-sigCh
				log.Warn().Str("signal", s.String()).Msg("Second signal, forcing exit")
				os.Exit(1)
			}()
			return

		case <-ticks:
			report(cameras, peers)
		}
	}
}

func report(cameras []Camera, peers PeerCounter) {
	active := 0
	stalled := make([]string, 0)

	for _, cam := range cameras {
		running := cam.Running()
		age := cam.SecondsSinceLastFrame()
		if running {
			active++
		}
		if running && age > stallThreshold {
			stalled = append(stalled, cam.ID())
		}

		log.Info().
			Str("camera", cam.ID()).
			Bool("running", running).
			Uint64("frames", cam.FrameCount()).
			Uint64("restarts", cam.RestartCount()).
			Float64("last_frame_age_s", age).
			Msg("Camera status")
	}

	if len(stalled) > 0 {
		log.Warn().Strs("cameras", stalled).Msg("Stalled cameras detected")
	}

	event := log.Info().
		Int("active_cameras", active).
		Int("total_cameras", len(cameras)).
		Int("clients", peers.PeerCount())

	if cpuLoad, err := cpu.Percent(0, false); err == nil && len(cpuLoad) > 0 {
		event = event.Float64("cpu_pct", cpuLoad[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		event = event.Float64("mem_pct", vm.UsedPercent)
	}
	event.Msg("Status")
}

// Shutdown runs the teardown steps under a wall deadline; overrunning it is
// logged and reported, never waited out.
func Shutdown(deadline time.Duration, steps func()) bool {
	done := make(chan struct{})
	go func() {
		steps()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(deadline):
		log.Warn().Dur("deadline", deadline).Msg("Shutdown deadline exceeded, exiting anyway")
		return false
	}
}
