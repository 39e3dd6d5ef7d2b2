package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"camserver/main/config"

	"github.com/rs/zerolog/log"
)

// AccessUnit is one complete H264 coded frame in Annex-B byte-stream form.
// The payload is copied out of the framework buffer on emission and must not
// be mutated afterwards; sinks treat it as read-only.
type AccessUnit struct {
	Data     []byte
	PTS      time.Duration
	Keyframe bool
}

// FrameSink receives access units from a camera. Sinks run under the
// registry lock and must not block or call back into the camera.
type FrameSink func(AccessUnit)

var (
	// ErrConfig means the media framework rejected the pipeline description.
	ErrConfig = errors.New("pipeline description rejected")
	// ErrSource means the source could not be opened.
	ErrSource = errors.New("source failed to open")
)

// State is a point-in-time health view of a camera.
type State struct {
	Running               bool
	FrameCount            uint64
	SecondsSinceLastFrame float64
	RestartCount          uint64
	BackoffSeconds        float64
}

// Camera owns one source end-to-end: it renders the pipeline description,
// launches it, runs the bus monitor that supervises restarts, and fans out
// access units to registered sinks.
type Camera struct {
	cfg     config.CameraConfig
	factory pipelineFactory
	subs    *registry

	mu          sync.Mutex
	monitorDone chan struct{}

	running       int32
	shutdown      int32
	frameCount    uint64
	restartCount  uint64
	lastFrameNano int64
	backoffNanos  int64

	statFrames int64
	statBytes  int64
}

// NewCamera builds a camera for the given descriptor. The pipeline is not
// launched until Start.
func NewCamera(cfg config.CameraConfig) *Camera {
	return newCamera(cfg, newGstPipeline)
}

func newCamera(cfg config.CameraConfig, factory pipelineFactory) *Camera {
	return &Camera{
		cfg:     cfg,
		factory: factory,
		subs:    newRegistry(),
		// A camera that never produced a frame reports a growing age
		// from construction time.
		lastFrameNano: time.Now().UnixNano(),
		backoffNanos:  int64(time.Second),
	}
}

// Start launches the pipeline and the bus monitor. Idempotent; a second call
// on a running camera returns nil without a second pipeline.
func (c *Camera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if atomic.LoadInt32(&c.running) == 1 {
		log.Warn().Str("camera", c.cfg.ID).Msg("Pipeline already running")
		return nil
	}

	pipeline, err := c.launch()
	if err != nil {
		return err
	}

	atomic.StoreInt32(&c.shutdown, 0)
	atomic.StoreInt32(&c.running, 1)
	c.monitorDone = make(chan struct{})
	go c.monitor(pipeline)
	go c.reportThroughput()

	log.Info().Str("camera", c.cfg.ID).Msg("Pipeline started")
	return nil
}

// Stop signals permanent shutdown, tears the pipeline down and joins the bus
// monitor. Idempotent. Subscribers are expected to unregister themselves.
func (c *Camera) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if atomic.LoadInt32(&c.running) == 0 && c.monitorDone == nil {
		return
	}

	log.Info().Str("camera", c.cfg.ID).Msg("Stopping pipeline")
	atomic.StoreInt32(&c.shutdown, 1)
	if c.monitorDone != nil {
		<-c.monitorDone
		c.monitorDone = nil
	}
	atomic.StoreInt32(&c.running, 0)
	log.Info().Str("camera", c.cfg.ID).Msg("Pipeline stopped")
}

// RegisterFrameSink adds a sink and returns its subscription id. Ids are
// strictly increasing per camera and never reused; the sink may already be
// receiving access units in other threads before this call returns.
func (c *Camera) RegisterFrameSink(sink FrameSink) uint64 {
	return c.subs.add(sink)
}

// RemoveSubscription guarantees the sink is not invoked again after return.
// A call concurrent with a fan-out blocks until that fan-out completes.
func (c *Camera) RemoveSubscription(id uint64) {
	c.subs.remove(id)
}

// ClearSubscriptions removes every current subscription.
func (c *Camera) ClearSubscriptions() {
	c.subs.clear()
}

// SubscriberCount reports the number of registered sinks.
func (c *Camera) SubscriberCount() int {
	return c.subs.size()
}

func (c *Camera) ID() string                      { return c.cfg.ID }
func (c *Camera) Descriptor() config.CameraConfig { return c.cfg }

func (c *Camera) Running() bool {
	return atomic.LoadInt32(&c.running) == 1
}

func (c *Camera) FrameCount() uint64 {
	return atomic.LoadUint64(&c.frameCount)
}

func (c *Camera) RestartCount() uint64 {
	return atomic.LoadUint64(&c.restartCount)
}

func (c *Camera) SecondsSinceLastFrame() float64 {
	last := atomic.LoadInt64(&c.lastFrameNano)
	return time.Since(time.Unix(0, last)).Seconds()
}

func (c *Camera) State() State {
	return State{
		Running:               c.Running(),
		FrameCount:            c.FrameCount(),
		SecondsSinceLastFrame: c.SecondsSinceLastFrame(),
		RestartCount:          c.RestartCount(),
		BackoffSeconds:        time.Duration(atomic.LoadInt64(&c.backoffNanos)).Seconds(),
	}
}

// launch renders the descriptor and brings the pipeline to playing.
func (c *Camera) launch() (mediaPipeline, error) {
	desc := buildPipelineDescription(c.cfg)
	log.Info().Str("camera", c.cfg.ID).Str("pipeline", desc).Msg("Launching pipeline")

	pipeline, err := c.factory(desc, c.onSample)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := pipeline.play(); err != nil {
		pipeline.teardown(stateDeadline)
		return nil, fmt.Errorf("%w: %v", ErrSource, err)
	}
	return pipeline, nil
}

// onSample is invoked from the framework's streaming thread for every
// encoded sample. The frame clock is updated before any sink runs.
func (c *Camera) onSample(au AccessUnit) {
	atomic.AddUint64(&c.frameCount, 1)
	atomic.StoreInt64(&c.lastFrameNano, time.Now().UnixNano())
	atomic.AddInt64(&c.statFrames, 1)
	atomic.AddInt64(&c.statBytes, int64(len(au.Data)))

	c.subs.dispatch(c.cfg.ID, au)
}

func (c *Camera) isShutdown() bool {
	return atomic.LoadInt32(&c.shutdown) == 1
}

// reportThroughput logs per-second frame and byte rates while running.
func (c *Camera) reportThroughput() {
	for !c.isShutdown() {
		time.Sleep(time.Second)

		frames := atomic.SwapInt64(&c.statFrames, 0)
		bytes := atomic.SwapInt64(&c.statBytes, 0)
		if frames == 0 || !c.Running() {
			continue
		}

		log.Debug().
			Str("camera", c.cfg.ID).
			Int64("framerate", frames).
			Int64("frame_size_kb", bytes/frames/1024).
			Int64("bitrate_kb", bytes/1024).
			Send()
	}
}
