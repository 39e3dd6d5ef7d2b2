package capture

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	busPollInterval   = 500 * time.Millisecond
	shutdownTick      = 100 * time.Millisecond
	initialBackoff    = time.Second
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2
)

func newRestartBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = backoffMultiplier
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// monitor is the camera's sole thread of control after a successful Start.
// It polls the framework bus, restarts the pipeline on ERROR or EOS with
// bounded exponential backoff, and tears everything down on shutdown.
// Transient failures never escape this loop.
func (c *Camera) monitor(pipeline mediaPipeline) {
	defer close(c.monitorDone)

	bo := newRestartBackoff()
	atomic.StoreInt64(&c.backoffNanos, int64(initialBackoff))

	for {
		if c.isShutdown() {
			pipeline.teardown(stateDeadline)
			return
		}

		ev := pipeline.poll(busPollInterval)
		if ev == nil {
			continue
		}

		switch ev.kind {
		case busError:
			log.Error().
				Str("camera", c.cfg.ID).
				Str("error", ev.text).
				Str("debug", ev.debug).
				Msg("Pipeline error")

		case busEOS:
			log.Error().
				Str("camera", c.cfg.ID).
				Msg("Unexpected end of stream")

		case busWarning:
			log.Warn().
				Str("camera", c.cfg.ID).
				Str("warning", ev.text).
				Str("debug", ev.debug).
				Msg("Pipeline warning")
			continue

		case busStateChanged:
			log.Debug().
				Str("camera", c.cfg.ID).
				Str("transition", ev.text).
				Msg("Pipeline state changed")
			continue

		default:
			continue
		}

		// ERROR or EOS: destroy the pipeline and back off before relaunch.
		pipeline.teardown(stateDeadline)
		atomic.StoreInt32(&c.running, 0)
		atomic.AddUint64(&c.restartCount, 1)

		relaunched, ok := c.relaunch(bo)
		if !ok {
			return
		}
		pipeline = relaunched
		atomic.StoreInt32(&c.running, 1)
	}
}

// relaunch sleeps the current backoff and attempts a launch, doubling the
// delay (capped) on each failure. Returns false once shutdown is observed;
// the caller owns no pipeline in that case.
func (c *Camera) relaunch(bo *backoff.ExponentialBackOff) (mediaPipeline, bool) {
	for {
		delay := bo.NextBackOff()
		atomic.StoreInt64(&c.backoffNanos, int64(delay))

		log.Info().
			Str("camera", c.cfg.ID).
			Dur("backoff", delay).
			Uint64("restarts", atomic.LoadUint64(&c.restartCount)).
			Msg("Restarting pipeline after backoff")

		if !c.sleepUnlessShutdown(delay) {
			return nil, false
		}

		pipeline, err := c.launch()
		if err == nil {
			bo.Reset()
			atomic.StoreInt64(&c.backoffNanos, int64(initialBackoff))
			log.Info().Str("camera", c.cfg.ID).Msg("Pipeline relaunched")
			return pipeline, true
		}

		log.Warn().
			Str("camera", c.cfg.ID).
			Err(err).
			Msg("Pipeline relaunch failed")
	}
}

// sleepUnlessShutdown sleeps d in short ticks, returning false as soon as
// shutdown is observed.
func (c *Camera) sleepUnlessShutdown(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if c.isShutdown() {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > shutdownTick {
			remaining = shutdownTick
		}
		time.Sleep(remaining)
	}
}
