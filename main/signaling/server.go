package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"camserver/main/config"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/olebedev/emitter"
	"github.com/rs/zerolog/log"
)

// ErrSignaling means the listener could not be bound.
var ErrSignaling = errors.New("signaling listener failed")

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Trusted LAN deployment, no origin policy.
		return true
	},
}

// Client is the handle for one connected viewer. Sends are serialized on a
// per-client mutex; gorilla connections allow a single writer.
type Client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *Client) ID() string { return c.id }

// Send marshals v and delivers it as one text frame.
func (c *Client) Send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) close() {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.conn.Close()
}

type cameraInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
}

type cameraListMessage struct {
	Type    string       `json:"type"`
	Cameras []cameraInfo `json:"cameras"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Server accepts WebSocket viewers, enforces the client ceiling, assigns
// stable identifiers and forwards signaling payloads.
type Server struct {
	bind       string
	port       int
	maxClients int
	cameras    []config.CameraConfig

	events   *emitter.Emitter
	httpSrv  *http.Server
	listener net.Listener

	clientsMu sync.Mutex
	clients   map[string]*Client
	counter   uint64

	onMessage func(clientID string, msgType string, raw []byte)
}

func NewServer(cfg *config.Config) *Server {
	e := &emitter.Emitter{}
	e.Use("*", emitter.Void)

	return &Server{
		bind:       cfg.Server.Bind,
		port:       cfg.Server.Port,
		maxClients: cfg.WebRTC.MaxClients,
		cameras:    cfg.Cameras,
		events:     e,
		clients:    make(map[string]*Client),
	}
}

// RegisterConnectHandler installs the connect handler, replacing any
// previous one. Handlers run on framework threads and must not block.
func (s *Server) RegisterConnectHandler(fn func(client *Client)) {
	s.events.Off("connect")
	s.events.On("connect", func(e *emitter.Event) {
		fn(e.Args[0].(*Client))
	})
}

// RegisterDisconnectHandler installs the disconnect handler, replacing any
// previous one.
func (s *Server) RegisterDisconnectHandler(fn func(clientID string)) {
	s.events.Off("disconnect")
	s.events.On("disconnect", func(e *emitter.Event) {
		fn(e.Args[0].(string))
	})
}

// RegisterMessageHandler installs the routing target for answer, candidate
// and request_stream frames.
func (s *Server) RegisterMessageHandler(fn func(clientID string, msgType string, raw []byte)) {
	s.onMessage = fn
}

// Start binds the listener and begins accepting viewers.
func (s *Server) Start() error {
	mux := echo.New()
	mux.Use(middleware.Recover())
	mux.Any("/", func(c echo.Context) error {
		s.handleSocket(c.Response(), c.Request())
		return nil
	})

	addr := fmt.Sprintf("%s:%d", s.bind, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignaling, err)
	}

	s.listener = listener
	srv := &http.Server{Handler: mux}
	s.httpSrv = srv
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Msg("Signaling server stopped")
		}
	}()

	log.Info().Str("addr", listener.Addr().String()).Msg("Signaling server listening")
	return nil
}

// Addr reports the bound listener address; empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every live client and releases the listener. Safe after a
// partially successful Start.
func (s *Server) Stop() {
	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.clientsMu.Unlock()

	for _, client := range clients {
		client.close()
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.httpSrv.Close()
		}
		s.httpSrv = nil
	}

	log.Info().Msg("Signaling server stopped")
}

// SendToClient delivers a message to one client; a no-op when the client is
// not connected.
func (s *Server) SendToClient(clientID string, v interface{}) {
	s.clientsMu.Lock()
	client := s.clients[clientID]
	s.clientsMu.Unlock()

	if client == nil {
		return
	}
	if err := client.Send(v); err != nil {
		log.Err(err).Str("clientId", clientID).Msg("Failed to send message")
	}
}

// Broadcast sends a message to every connected client; per-client failures
// are logged, not surfaced.
func (s *Server) Broadcast(v interface{}) {
	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.clientsMu.Unlock()

	for _, client := range clients {
		if err := client.Send(v); err != nil {
			log.Err(err).Str("clientId", client.id).Msg("Broadcast failed")
		}
	}
}

// ClientCount reports the number of live sessions.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Err(err).Msg("WebSocket upgrade failed")
		return
	}

	clientID := fmt.Sprintf("client_%d", atomic.AddUint64(&s.counter, 1))
	client := &Client{id: clientID, conn: conn}

	// Admission is atomic with insertion: a rejected socket gets one error
	// frame and a close, and no handler ever observes it.
	s.clientsMu.Lock()
	if len(s.clients) >= s.maxClients {
		s.clientsMu.Unlock()
		log.Warn().
			Str("clientId", clientID).
			Int("max_clients", s.maxClients).
			Msg("Max clients reached, rejecting")
		client.Send(errorMessage{
			Type:    "error",
			Message: fmt.Sprintf("Server is full, maximum %d clients", s.maxClients),
		})
		client.close()
		return
	}
	s.clients[clientID] = client
	s.clientsMu.Unlock()

	log.Info().Str("clientId", clientID).Msg("Client connected")

	client.Send(s.cameraList())
	s.events.Emit("connect", client)

	s.readLoop(client)
}

func (s *Server) cameraList() cameraListMessage {
	msg := cameraListMessage{Type: "camera_list", Cameras: make([]cameraInfo, 0, len(s.cameras))}
	for _, cam := range s.cameras {
		msg.Cameras = append(msg.Cameras, cameraInfo{
			ID:     cam.ID,
			Name:   cam.Name,
			Width:  cam.Width,
			Height: cam.Height,
			FPS:    cam.FPS,
		})
	}
	return msg
}

// readLoop pumps text frames until the connection dies, then runs the
// disconnect path exactly once.
func (s *Server) readLoop(client *Client) {
	defer s.removeClient(client.id)

	for {
		kind, raw, err := client.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("clientId", client.id).Msg("WebSocket read ended")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.routeMessage(client.id, raw)
	}
}

func (s *Server) routeMessage(clientID string, raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Err(err).Str("clientId", clientID).Msg("Malformed signaling message")
		return
	}

	switch envelope.Type {
	case "answer", "candidate", "request_stream":
		if s.onMessage != nil {
			s.onMessage(clientID, envelope.Type, raw)
		}
	default:
		log.Warn().
			Str("clientId", clientID).
			Str("type", envelope.Type).
			Msg("Unknown message type")
	}
}

// removeClient drops the client from the map and emits the disconnect event.
// The map membership check makes the event fire exactly once per client even
// when the close and error paths race.
func (s *Server) removeClient(clientID string) {
	s.clientsMu.Lock()
	_, present := s.clients[clientID]
	delete(s.clients, clientID)
	s.clientsMu.Unlock()

	if !present {
		return
	}

	log.Info().Str("clientId", clientID).Msg("Client disconnected")
	s.events.Emit("disconnect", clientID)
}
