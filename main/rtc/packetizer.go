package rtc

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const h264ClockRate = 90000

// h264Packetizer turns one Annex-B access unit into RTP packets: NAL
// splitting and FU-A fragmentation are the payloader's job, headers carry
// the fixed ssrc and payload type assigned to the camera's m-line. The
// caller supplies the 90 kHz timestamp; it is shared by every packet of the
// access unit and the last packet carries the marker bit.
type h264Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         uint16
	payloader   *codecs.H264Payloader
	sequencer   rtp.Sequencer
}

func newH264Packetizer(ssrc uint32, payloadType uint8, mtu int) *h264Packetizer {
	return &h264Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         uint16(mtu),
		payloader:   &codecs.H264Payloader{},
		sequencer:   rtp.NewRandomSequencer(),
	}
}

func (p *h264Packetizer) packetize(accessUnit []byte, timestamp uint32) []*rtp.Packet {
	// Leave room for the 12-byte RTP header inside the MTU.
	payloads := p.payloader.Payload(p.mtu-12, accessUnit)
	packets := make([]*rtp.Packet, len(payloads))

	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets
}

// rtpTimestamp maps microseconds since session start onto the 90 kHz RTP
// clock, wrapping modulo 2^32. A late-joining peer therefore sees a
// timeline starting at zero regardless of the capture's own timestamps.
func rtpTimestamp(elapsedMicros int64) uint32 {
	return uint32(elapsedMicros * 90 / 1000)
}
