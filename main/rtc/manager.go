package rtc

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager owns every peer session. The peer map lock orders after the
// signaling client-map lock and before any camera registry lock; no path
// acquires them in reverse.
type Manager struct {
	cameras []CameraSource
	cfg     RtcConfig

	peersMu sync.Mutex
	peers   map[string]*PeerSession
}

func NewManager(cameras []CameraSource, cfg RtcConfig) *Manager {
	return &Manager{
		cameras: cameras,
		cfg:     cfg,
		peers:   make(map[string]*PeerSession),
	}
}

// CreatePeer builds the session for a newly connected client and sends the
// offer. Idempotent per client id: a second call leaves the first session
// in place.
func (m *Manager) CreatePeer(client ClientSender) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	clientID := client.ID()
	if _, exists := m.peers[clientID]; exists {
		log.Warn().Str("clientId", clientID).Msg("Peer already exists")
		return
	}

	log.Info().Str("clientId", clientID).Msg("Creating peer connection")

	sess, err := newPeerSession(client, m.cameras, m.cfg)
	if err != nil {
		log.Err(err).Str("clientId", clientID).Msg("Failed to create peer")
		return
	}
	m.peers[clientID] = sess
}

// RemovePeer unregisters every subscription the peer holds, closes the
// underlying connection and drops the session. No-op for unknown ids.
func (m *Manager) RemovePeer(clientID string) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	sess, ok := m.peers[clientID]
	if !ok {
		return
	}

	log.Info().
		Str("clientId", clientID).
		Int("subscriptions", len(sess.subscriptions)).
		Msg("Removing peer")

	sess.destroy(m.cameras)
	delete(m.peers, clientID)
}

type inboundMessage struct {
	Type      string  `json:"type"`
	SDP       string  `json:"sdp"`
	Candidate *string `json:"candidate"`
	SDPMid    string  `json:"sdpMid"`
}

// HandleMessage dispatches a client's signaling frame to its session.
func (m *Manager) HandleMessage(clientID string, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Err(err).Str("clientId", clientID).Msg("Malformed peer message")
		return
	}

	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	sess, ok := m.peers[clientID]
	if !ok {
		log.Warn().Str("clientId", clientID).Msg("Peer not found for message")
		return
	}

	switch msg.Type {
	case "answer":
		sess.applyAnswer(msg.SDP)
	case "candidate":
		sess.applyCandidate(msg.Candidate, msg.SDPMid)
	case "request_stream":
		log.Info().Str("clientId", clientID).Msg("Client requesting stream, peer already created")
	default:
		log.Warn().
			Str("clientId", clientID).
			Str("type", msg.Type).
			Msg("Unknown peer message type")
	}
}

// PeerCount reports the number of live sessions.
func (m *Manager) PeerCount() int {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	return len(m.peers)
}

// Close removes every live peer; used on shutdown.
func (m *Manager) Close() {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	for clientID, sess := range m.peers {
		sess.destroy(m.cameras)
		delete(m.peers, clientID)
	}
}
