package capture

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"camserver/main/config"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/cpu"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// stateDeadline bounds how long teardown waits for the framework's state
// transition before proceeding with a warning.
const stateDeadline = 3 * time.Second

// mediaPipeline is the slice of the media framework the camera drives:
// launch, bus polling, teardown. The gst implementation is the production
// one; the bus monitor is exercised against fakes in tests.
type mediaPipeline interface {
	play() error
	poll(timeout time.Duration) *busEvent
	teardown(deadline time.Duration)
}

type pipelineFactory func(desc string, onSample func(AccessUnit)) (mediaPipeline, error)

type busEventKind int

const (
	busError busEventKind = iota
	busWarning
	busEOS
	busStateChanged
)

type busEvent struct {
	kind  busEventKind
	text  string
	debug string
}

func encoderThreads() int {
	cores, err := cpu.Counts(true)
	if err != nil || cores < 1 {
		log.Warn().Err(err).Msg("Could not read logical core count, using 1 encoder thread")
		return 1
	}
	if cores/4 < 1 {
		return 1
	}
	return cores / 4
}

func h264EncoderParts(cam config.CameraConfig) []string {
	if cam.Encoder == config.EncoderHardware {
		return []string{
			"vaapih264enc",
			"rate-control=cbr",
			"bitrate=" + strconv.Itoa(cam.BitrateKbps),
			"keyframe-period=" + strconv.Itoa(cam.FPS*2),
			"!",
			"video/x-h264,stream-format=byte-stream,alignment=au",
		}
	}
	return []string{
		"x264enc",
		"tune=zerolatency",
		"bitrate=" + strconv.Itoa(cam.BitrateKbps),
		"speed-preset=ultrafast",
		"key-int-max=" + strconv.Itoa(cam.FPS*2),
		"bframes=0",
		"b-adapt=false",
		"sliced-threads=true",
		"threads=" + strconv.Itoa(encoderThreads()),
		"!",
		"video/x-h264,stream-format=byte-stream,alignment=au,profile=baseline",
	}
}

// buildPipelineDescription renders the camera descriptor into a
// framework pipeline string. Every variant terminates in the named appsink
// that feeds the sample callback.
func buildPipelineDescription(cam config.CameraConfig) string {
	rawCaps := fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1",
		cam.Width, cam.Height, cam.FPS)

	var parts []string

	switch cam.Kind {
	case config.CameraRTSP:
		// RTSP cameras already produce H264, depay and forward.
		parts = []string{
			"rtspsrc",
			"location=" + cam.URI,
			"protocols=tcp",
			"tcp-timeout=5000000",
			"retry=3",
			"latency=0",
			"!",
			"rtph264depay",
			"!",
			"h264parse",
			"config-interval=-1",
			"!",
			"video/x-h264,stream-format=byte-stream,alignment=au",
		}

	case config.CameraUSB:
		parts = []string{
			"v4l2src",
			"device=" + cam.URI,
			"!",
			rawCaps,
			"!",
			"videoconvert",
			"!",
		}
		parts = append(parts, h264EncoderParts(cam)...)
		parts = append(parts,
			"!",
			"h264parse",
			"config-interval=-1",
		)

	case config.CameraTest:
		parts = []string{
			"videotestsrc",
			"is-live=true",
			"pattern=smpte",
			"!",
			rawCaps,
			"!",
			"videoconvert",
			"!",
			"clockoverlay",
			`font-desc="Sans 36"`,
			`time-format="%H:%M:%S"`,
			"!",
		}
		parts = append(parts, h264EncoderParts(cam)...)
		parts = append(parts,
			"!",
			"h264parse",
			"config-interval=-1",
		)
	}

	parts = append(parts,
		"!",
		"appsink",
		"name=appsink",
		"sync=false",
		"max-buffers=2",
		"drop=true",
	)

	return strings.Join(parts, " ")
}

type gstPipeline struct {
	pipeline *gst.Pipeline
}

// newGstPipeline parses the description and wires the appsink callback. The
// pipeline is left in the null state until play.
func newGstPipeline(desc string, onSample func(AccessUnit)) (mediaPipeline, error) {
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, err
	}

	sinkEl, err := pipeline.GetElementByName("appsink")
	if err != nil {
		return nil, err
	}

	sink := app.SinkFromElement(sinkEl)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				return gst.FlowEOS
			}

			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowError
			}

			onSample(AccessUnit{
				Data:     buffer.Bytes(),
				PTS:      buffer.PresentationTimestamp(),
				Keyframe: buffer.GetFlags()&gst.BufferFlagDeltaUnit == 0,
			})
			return gst.FlowOK
		},
	})

	return &gstPipeline{pipeline: pipeline}, nil
}

func (g *gstPipeline) play() error {
	return g.pipeline.SetState(gst.StatePlaying)
}

func (g *gstPipeline) poll(timeout time.Duration) *busEvent {
	msg := g.pipeline.GetPipelineBus().TimedPop(timeout)
	if msg == nil {
		return nil
	}

	switch msg.Type() {
	case gst.MessageError:
		gerr := msg.ParseError()
		return &busEvent{kind: busError, text: gerr.Error(), debug: gerr.DebugString()}

	case gst.MessageWarning:
		gerr := msg.ParseWarning()
		return &busEvent{kind: busWarning, text: gerr.Error(), debug: gerr.DebugString()}

	case gst.MessageEOS:
		return &busEvent{kind: busEOS}

	case gst.MessageStateChanged:
		// Only the pipeline element's own transitions are interesting.
		if msg.Source() != g.pipeline.GetName() {
			return nil
		}
		old, next := msg.ParseStateChanged()
		return &busEvent{
			kind: busStateChanged,
			text: fmt.Sprintf("%s -> %s", old, next),
		}
	}

	return nil
}

func (g *gstPipeline) teardown(deadline time.Duration) {
	if err := g.pipeline.SetState(gst.StateNull); err != nil {
		log.Warn().Err(err).Msg("Pipeline refused null state")
	}

	waitUntil := time.Now().Add(deadline)
	for g.pipeline.GetState() != gst.StateNull {
		if time.Now().After(waitUntil) {
			log.Warn().
				Dur("deadline", deadline).
				Msg("Pipeline state transition exceeded deadline, proceeding")
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
