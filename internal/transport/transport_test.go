package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderoom/internal/protocol"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer writes every message it receives straight back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSocketEmitAndReceive(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	sock := NewSocket(wsURL(server), nil)
	received := make(chan protocol.FileContent, 1)
	sock.On(protocol.EventFileContent, func(raw json.RawMessage) {
		var fc protocol.FileContent
		if err := json.Unmarshal(raw, &fc); err == nil {
			received <- fc
		}
	})
	sock.Connect()
	defer sock.Close()

	require.Eventually(t, sock.Connected, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sock.Emit(protocol.EventFileContent, protocol.FileContent{FilePath: "main.py", Content: "print(1)"}))

	select {
	case fc := <-received:
		assert.Equal(t, "main.py", fc.FilePath)
		assert.Equal(t, "print(1)", fc.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("expected echoed file-content")
	}
}

func TestSocketEmitWhileDisconnected(t *testing.T) {
	sock := NewSocket("ws://127.0.0.1:1/ws/rooms", nil)
	err := sock.Emit(protocol.EventJoinRoom, "r1")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestChannelSendAndStatus(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	statuses := make(chan Status, 8)
	frames := make(chan []byte, 1)
	d := &ChannelDialer{BaseURL: wsURL(server)}
	ch := d.Dial(protocol.FileKey{RoomID: "r1", Path: "main.py"}, ChannelHandler{
		OnStatus: func(s Status) { statuses <- s },
		OnFrame:  func(f []byte) { frames <- f },
	})
	defer ch.Close()

	assert.Equal(t, StatusConnecting, <-statuses)
	assert.Equal(t, StatusConnected, <-statuses)

	require.True(t, ch.Send([]byte{byte(protocol.FrameSyncRequest)}))
	select {
	case f := <-frames:
		assert.Equal(t, []byte{0}, f)
	case <-time.After(2 * time.Second):
		t.Fatal("expected echoed frame")
	}
}

func TestChannelCloseBeforeConnectIsSafe(t *testing.T) {
	d := &ChannelDialer{BaseURL: "ws://127.0.0.1:1"}
	ch := d.Dial(protocol.FileKey{RoomID: "r1", Path: "main.py"}, ChannelHandler{})

	assert.False(t, ch.Send([]byte{1}))
	ch.Close()
	ch.Close()
	assert.False(t, ch.Connected())
}

func TestHTTPBase(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", HTTPBase("ws://localhost:8080"))
	assert.Equal(t, "https://example.com", HTTPBase("wss://example.com"))
	assert.Equal(t, "http://x", HTTPBase("http://x"))
}
