package rtc

import (
	"sync/atomic"
	"time"

	"camserver/main/capture"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

// cameraTrack is the egress end of one (peer, camera) pair: a local RTP
// track plus the packetization state bound to its m-line identifiers.
//
// The closed flag is shared with the owning session. The capture-side sink
// only ever observes the peer's resources through this flag: once the
// session trips it, an in-flight sink invocation returns without touching
// the track, which is what makes removal safe to run concurrently with a
// fan-out.
type cameraTrack struct {
	cameraID   string
	track      *webrtc.TrackLocalStaticRTP
	packetizer *h264Packetizer
	startedAt  time.Time
	closed     *int32
}

// sink returns the FrameSink registered with the camera. It must stay
// short-running: the only work is packetization and a handoff to the WebRTC
// stack, which queues internally.
func (t *cameraTrack) sink() capture.FrameSink {
	return func(au capture.AccessUnit) {
		if atomic.LoadInt32(t.closed) == 1 {
			return
		}

		elapsed := time.Since(t.startedAt).Microseconds()
		timestamp := rtpTimestamp(elapsed)

		for _, packet := range t.packetizer.packetize(au.Data, timestamp) {
			if err := t.track.WriteRTP(packet); err != nil {
				log.Debug().
					Err(err).
					Str("camera", t.cameraID).
					Msg("Dropping packet for dead track")
				return
			}
		}
	}
}

// processRTCP drains the sender's RTCP stream so interceptors keep working,
// and accounts for loss feedback.
func processRTCP(sender *webrtc.RTPSender, clientID string, cameraID string) {
	go func() {
		rtcpBuf := make([]byte, 1500)

		for {
			n, _, err := sender.Read(rtcpBuf)
			if err != nil {
				return
			}

			packets, err := rtcp.Unmarshal(rtcpBuf[:n])
			if err != nil {
				continue
			}
			for _, packet := range packets {
				switch packet.(type) {
				case *rtcp.PictureLossIndication:
					log.Debug().
						Str("clientId", clientID).
						Str("camera", cameraID).
						Msg("PLI received")
				case *rtcp.TransportLayerNack:
					log.Debug().
						Str("clientId", clientID).
						Str("camera", cameraID).
						Msg("NACK received")
				}
			}
		}
	}()
}
