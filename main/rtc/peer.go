package rtc

import (
	"sync/atomic"
	"time"

	"camserver/main/capture"
	"camserver/main/config"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

// CameraSource is the slice of a capture camera the session manager needs:
// identity and the subscription registry.
type CameraSource interface {
	ID() string
	Descriptor() config.CameraConfig
	RegisterFrameSink(sink capture.FrameSink) uint64
	RemoveSubscription(id uint64)
}

// ClientSender delivers signaling frames to one connected client.
type ClientSender interface {
	ID() string
	Send(v interface{}) error
}

type offerMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// candidateMessage marshals a nil Candidate as an explicit null, the
// end-of-candidates marker of the signaling protocol.
type candidateMessage struct {
	Type      string  `json:"type"`
	Candidate *string `json:"candidate"`
	SDPMid    string  `json:"sdpMid,omitempty"`
}

type subscriptionRef struct {
	cameraID string
	id       uint64
}

// PeerSession is one client's WebRTC session: a peer connection carrying a
// send-only H264 track per camera, plus the subscription ids registered on
// the cameras on this peer's behalf. Created and mutated only by the
// Manager.
type PeerSession struct {
	clientID      string
	ws            ClientSender
	pc            *webrtc.PeerConnection
	mids          *midMap
	tracks        map[string]*cameraTrack
	subscriptions []subscriptionRef
	startedAt     time.Time
	negotiated    bool

	// closed gates every capture-side sink of this session; tripping it is
	// the first step of teardown.
	closed int32
}

func h264Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   h264ClockRate,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}
}

// newPeerSession builds the peer connection, adds one track and one camera
// subscription per camera, and sends the SDP offer. On error every resource
// already acquired is released before returning.
func newPeerSession(client ClientSender, cameras []CameraSource, cfg RtcConfig) (*PeerSession, error) {
	sess := &PeerSession{
		clientID:  client.ID(),
		ws:        client,
		tracks:    make(map[string]*cameraTrack),
		startedAt: time.Now(),
	}

	mediaEngine := &webrtc.MediaEngine{}
	for i := range cameras {
		if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: h264Capability(),
			PayloadType:        webrtc.PayloadType(96 + i),
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	sess.pc = pc

	// Callbacks go in before the offer is requested.
	clientID := sess.clientID
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Info().
			Str("state", state.String()).
			Str("clientId", clientID).
			Msg("ICE Connection State has changed")
	})

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		log.Debug().
			Str("state", state.String()).
			Str("clientId", clientID).
			Msg("ICE gathering state changed")

		if state == webrtc.ICEGathererStateComplete {
			if err := sess.ws.Send(candidateMessage{Type: "candidate"}); err != nil {
				log.Err(err).Str("clientId", clientID).Msg("Failed to send end-of-candidates")
			}
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		parsed := c.ToJSON()
		mid := ""
		if parsed.SDPMid != nil {
			mid = sess.mids.cameraMid(*parsed.SDPMid)
		}
		candidate := parsed.Candidate
		if err := sess.ws.Send(candidateMessage{
			Type:      "candidate",
			Candidate: &candidate,
			SDPMid:    mid,
		}); err != nil {
			log.Err(err).Str("clientId", clientID).Msg("Failed to send candidate")
		}
	})

	if err := sess.setupTracks(cameras, cfg); err != nil {
		sess.destroy(cameras)
		return nil, err
	}

	if err := sess.sendOffer(cameras); err != nil {
		sess.destroy(cameras)
		return nil, err
	}

	return sess, nil
}

// setupTracks adds one send-only H264 track per camera and registers the
// capture subscription feeding it. Camera i's packetizer stamps ssrc 1000+i
// and payload type 96+i; the track binding overwrites both with its own
// ssrc and negotiated payload type when each packet is written. The mid
// offered for camera i is the camera id.
func (s *PeerSession) setupTracks(cameras []CameraSource, cfg RtcConfig) error {
	log.Info().
		Str("clientId", s.clientID).
		Int("cameras", len(cameras)).
		Msg("Setting up video tracks")

	for i, camera := range cameras {
		desc := camera.Descriptor()

		track, err := webrtc.NewTrackLocalStaticRTP(h264Capability(), desc.ID, desc.ID)
		if err != nil {
			return err
		}

		transceiver, err := s.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return err
		}
		processRTCP(transceiver.Sender(), s.clientID, desc.ID)

		ssrc := uint32(1000 + i)
		payloadType := uint8(96 + i)

		egress := &cameraTrack{
			cameraID:   desc.ID,
			track:      track,
			packetizer: newH264Packetizer(ssrc, payloadType, cfg.MTU),
			startedAt:  s.startedAt,
			closed:     &s.closed,
		}

		s.tracks[desc.ID] = egress
		subID := camera.RegisterFrameSink(egress.sink())
		s.subscriptions = append(s.subscriptions, subscriptionRef{cameraID: desc.ID, id: subID})

		log.Info().
			Str("clientId", s.clientID).
			Str("camera", desc.ID).
			Uint32("ssrc", ssrc).
			Uint8("pt", payloadType).
			Uint64("subscription", subID).
			Msg("Added track")
	}
	return nil
}

// sendOffer generates the offer, rewrites its mids to camera ids and ships
// it to the client. The local stack keeps its own mids; the mapping lives
// for the session.
func (s *PeerSession) sendOffer(cameras []CameraSource) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return err
	}

	cameraIDs := make([]string, len(cameras))
	for i, camera := range cameras {
		cameraIDs[i] = camera.ID()
	}

	rewritten, mids, err := rewriteOfferMids(offer.SDP, cameraIDs)
	if err != nil {
		return err
	}
	s.mids = mids

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	log.Info().
		Str("clientId", s.clientID).
		Int("sdp_bytes", len(rewritten)).
		Msg("Sending SDP offer")

	return s.ws.Send(offerMessage{Type: "offer", SDP: rewritten})
}

// applyAnswer installs the remote description. Failures are logged and the
// peer is left in place so the client may retry.
func (s *PeerSession) applyAnswer(answerSDP string) {
	rewritten, err := rewriteAnswerMids(answerSDP, s.mids)
	if err != nil {
		log.Err(err).Str("clientId", s.clientID).Msg("Failed to translate answer")
		return
	}

	err = s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  rewritten,
	})
	if err != nil {
		log.Err(err).Str("clientId", s.clientID).Msg("Failed to set answer")
		return
	}

	s.negotiated = true
	log.Info().Str("clientId", s.clientID).Msg("Received SDP answer")
}

func (s *PeerSession) applyCandidate(candidate *string, sdpMid string) {
	if candidate == nil {
		log.Debug().Str("clientId", s.clientID).Msg("Remote end-of-candidates")
		return
	}

	mid := s.mids.pionMid(sdpMid)
	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: *candidate,
		SDPMid:    &mid,
	})
	if err != nil {
		log.Err(err).Str("clientId", s.clientID).Msg("Failed to add candidate")
	}
}

// destroy tears the session down: trip the sinks, drain every subscription
// off its camera, then close the peer connection. After the subscription
// removals return, no access unit can reach this session's tracks.
func (s *PeerSession) destroy(cameras []CameraSource) {
	atomic.StoreInt32(&s.closed, 1)

	byID := make(map[string]CameraSource, len(cameras))
	for _, camera := range cameras {
		byID[camera.ID()] = camera
	}

	for _, ref := range s.subscriptions {
		if camera, ok := byID[ref.cameraID]; ok {
			camera.RemoveSubscription(ref.id)
		}
	}
	s.subscriptions = nil
	s.tracks = nil

	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			log.Err(err).Str("clientId", s.clientID).Msg("Failed to close peer connection")
		}
	}
}
