package signaling

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"camserver/main/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(maxClients int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Bind: "127.0.0.1", Port: 0},
		WebRTC: config.WebRTCConfig{MaxClients: maxClients, MTU: 1200},
		Cameras: []config.CameraConfig{
			{ID: "cam_front", Name: "Front", Width: 1280, Height: 720, FPS: 30},
			{ID: "cam_rear", Name: "Rear", Width: 640, Height: 480, FPS: 25},
		},
	}
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s := NewServer(cfg)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/", s.Addr()), nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestCameraListSentOnOpen(t *testing.T) {
	s := startServer(t, testConfig(3))

	conn := dial(t, s)
	defer conn.Close()

	msg := readFrame(t, conn)
	assert.Equal(t, "camera_list", msg["type"])

	cameras := msg["cameras"].([]interface{})
	require.Len(t, cameras, 2)
	first := cameras[0].(map[string]interface{})
	assert.Equal(t, "cam_front", first["id"])
	assert.Equal(t, "Front", first["name"])
	assert.EqualValues(t, 1280, first["width"])
	assert.EqualValues(t, 30, first["fps"])
}

func TestConnectHandlerReceivesIncreasingIds(t *testing.T) {
	s := startServer(t, testConfig(5))

	ids := make(chan string, 5)
	s.RegisterConnectHandler(func(client *Client) {
		ids <- client.ID()
	})

	first := dial(t, s)
	defer first.Close()
	second := dial(t, s)
	defer second.Close()

	got := []string{<-ids, <-ids}
	assert.ElementsMatch(t, []string{"client_1", "client_2"}, got)

	assert.Equal(t, 2, s.ClientCount())
}

func TestCapacityCeiling(t *testing.T) {
	s := startServer(t, testConfig(2))

	var connects int64
	s.RegisterConnectHandler(func(*Client) { atomic.AddInt64(&connects, 1) })

	first := dial(t, s)
	defer first.Close()
	readFrame(t, first)
	second := dial(t, s)
	defer second.Close()
	readFrame(t, second)

	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	third := dial(t, s)
	defer third.Close()

	msg := readFrame(t, third)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Server is full, maximum 2 clients", msg["message"])

	// The rejected socket is closed and its connect handler never ran.
	third.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := third.ReadMessage()
	assert.Error(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&connects))
	assert.Equal(t, 2, s.ClientCount())
}

func TestMessageRouting(t *testing.T) {
	s := startServer(t, testConfig(3))

	type routed struct {
		clientID string
		msgType  string
	}
	messages := make(chan routed, 10)
	s.RegisterMessageHandler(func(clientID string, msgType string, _ []byte) {
		messages <- routed{clientID, msgType}
	})

	conn := dial(t, s)
	defer conn.Close()
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"answer","sdp":"v=0"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"candidate","candidate":null}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_stream"}`)))

	for _, want := range []string{"answer", "candidate", "request_stream"} {
		select {
		case got := <-messages:
			assert.Equal(t, want, got.msgType)
			assert.Equal(t, "client_1", got.clientID)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q never routed", want)
		}
	}
}

func TestMalformedAndUnknownMessagesKeepConnectionOpen(t *testing.T) {
	s := startServer(t, testConfig(3))

	routedCount := int64(0)
	s.RegisterMessageHandler(func(string, string, []byte) { atomic.AddInt64(&routedCount, 1) })

	conn := dial(t, s)
	defer conn.Close()
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"format_disk"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"answer","sdp":"v=0"}`)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&routedCount) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.ClientCount())
}

func TestDisconnectHandlerFiresExactlyOnce(t *testing.T) {
	s := startServer(t, testConfig(3))

	disconnects := make(chan string, 10)
	s.RegisterDisconnectHandler(func(clientID string) { disconnects <- clientID })

	conn := dial(t, s)
	readFrame(t, conn)
	conn.Close()

	select {
	case id := <-disconnects:
		assert.Equal(t, "client_1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler never fired")
	}

	select {
	case <-disconnects:
		t.Fatal("disconnect handler fired twice")
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, 0, s.ClientCount())
}

func TestSendToClientUnknownIsNoop(t *testing.T) {
	s := startServer(t, testConfig(3))
	s.SendToClient("client_404", map[string]string{"type": "offer"})
}

func TestBroadcastReachesAllClients(t *testing.T) {
	s := startServer(t, testConfig(3))

	first := dial(t, s)
	defer first.Close()
	readFrame(t, first)
	second := dial(t, s)
	defer second.Close()
	readFrame(t, second)

	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	s.Broadcast(map[string]string{"type": "error", "message": "maintenance"})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readFrame(t, conn)
		assert.Equal(t, "error", msg["type"])
	}
}

func TestStopClosesClients(t *testing.T) {
	s := NewServer(testConfig(3))
	require.NoError(t, s.Start())

	conn := dial(t, s)
	defer conn.Close()
	readFrame(t, conn)

	s.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// A second Stop is safe.
	s.Stop()
}
