package collaboration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coderoom/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	frame   []byte
}

type fakeFanout struct {
	mu        sync.Mutex
	published []published
	deliver   chan published
	remote    int
	deltas    map[string]int
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{deliver: make(chan published, 8), deltas: map[string]int{}}
}

func (f *fakeFanout) Publish(_ context.Context, channel string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{channel, frame})
	return nil
}

func (f *fakeFanout) Subscribe(ctx context.Context, deliver func(string, []byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-f.deliver:
			deliver(p.channel, p.frame)
		}
	}
}

func (f *fakeFanout) Members(_ context.Context, channel string, delta int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas[channel] += delta
	return f.remote, nil
}

func (f *fakeFanout) Close() error { return nil }

func (f *fakeFanout) members(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deltas[channel]
}

func (f *fakeFanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newRelay(t *testing.T, fanout Fanout) (*SessionManager, string) {
	t.Helper()
	sm := NewSessionManager(fanout)
	sm.Start()

	r := mux.NewRouter()
	r.HandleFunc("/ws/doc/{room}", NewWebSocketHandler(sm).HandleChannelConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		sm.Shutdown()
		srv.Close()
	})
	return sm, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialChannel(t *testing.T, sm *SessionManager, base string, key protocol.FileKey, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(protocol.ChannelURL(base, key), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return len(sm.GetSessions(protocol.ChannelName(key))) == want
	}, 2*time.Second, 10*time.Millisecond)

	// Every member hears first how many others were there.
	kind, _, err := protocol.DecodeFrame(readFrame(t, conn))
	require.NoError(t, err)
	require.Equal(t, protocol.FramePeers, kind)
	return conn
}

func peersOf(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	kind, body, err := protocol.DecodeFrame(readFrame(t, conn))
	require.NoError(t, err)
	require.Equal(t, protocol.FramePeers, kind)
	var p protocol.Peers
	require.NoError(t, json.Unmarshal(body, &p))
	return p.Count
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	return data
}

func TestRelayFansOutWithinChannel(t *testing.T) {
	sm, base := newRelay(t, nil)
	key := protocol.FileKey{RoomID: "r1", Path: "main.py"}

	a := dialChannel(t, sm, base, key, 1)
	b := dialChannel(t, sm, base, key, 2)

	frame, err := protocol.EncodeFrame(protocol.FrameSyncRequest, nil)
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame))

	assert.Equal(t, frame, readFrame(t, b))
}

func TestRelayIsolatesChannels(t *testing.T) {
	sm, base := newRelay(t, nil)
	mainKey := protocol.FileKey{RoomID: "r1", Path: "main.py"}
	utilKey := protocol.FileKey{RoomID: "r1", Path: "util.py"}

	a := dialChannel(t, sm, base, mainKey, 1)
	other := dialChannel(t, sm, base, utilKey, 1)
	b := dialChannel(t, sm, base, mainKey, 2)

	frame := []byte{byte(protocol.FrameUpdate), '{', '}'}
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame))
	assert.Equal(t, frame, readFrame(t, b))

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestRelayWithdrawsPresenceOnLeave(t *testing.T) {
	sm, base := newRelay(t, nil)
	key := protocol.FileKey{RoomID: "r1", Path: "main.py"}

	a := dialChannel(t, sm, base, key, 1)
	b := dialChannel(t, sm, base, key, 2)

	announce, err := protocol.EncodeFrame(protocol.FramePresence, protocol.PresenceEntry{
		ClientID: "alice-replica",
		Clock:    4,
		State:    []byte(`{"user":{"name":"alice"}}`),
	})
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, announce))
	readFrame(t, b)

	a.Close()

	entry, ok := protocol.PeekPresence(readFrame(t, b))
	require.True(t, ok)
	assert.Equal(t, "alice-replica", entry.ClientID)
	assert.Equal(t, uint64(4), entry.Clock)
	assert.True(t, entry.Removal())
}

func TestRelaySkipsWithdrawalAfterExplicitRemoval(t *testing.T) {
	sm, base := newRelay(t, nil)
	key := protocol.FileKey{RoomID: "r1", Path: "main.py"}

	a := dialChannel(t, sm, base, key, 1)
	b := dialChannel(t, sm, base, key, 2)

	for _, entry := range []protocol.PresenceEntry{
		{ClientID: "alice-replica", Clock: 1, State: []byte(`{}`)},
		{ClientID: "alice-replica", Clock: 2, State: []byte(`null`)},
	} {
		frame, err := protocol.EncodeFrame(protocol.FramePresence, entry)
		require.NoError(t, err)
		require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame))
		readFrame(t, b)
	}

	a.Close()
	require.Eventually(t, func() bool {
		return len(sm.GetSessions(protocol.ChannelName(key))) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := b.ReadMessage()
	assert.Error(t, err)
}

func TestRelayRejectsMissingFile(t *testing.T) {
	_, base := newRelay(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/doc/r1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestRelayPublishesAndDeliversThroughFanout(t *testing.T) {
	fanout := newFakeFanout()
	sm, base := newRelay(t, fanout)
	key := protocol.FileKey{RoomID: "r1", Path: "main.py"}

	a := dialChannel(t, sm, base, key, 1)

	frame := []byte{byte(protocol.FrameUpdate), '{', '}'}
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame))
	require.Eventually(t, func() bool { return fanout.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	remote := []byte{byte(protocol.FrameSyncRequest)}
	fanout.deliver <- published{channel: protocol.ChannelName(key), frame: remote}
	assert.Equal(t, remote, readFrame(t, a))
	assert.Equal(t, 1, fanout.count())
}

func TestStatsAndCleanup(t *testing.T) {
	sm, base := newRelay(t, nil)
	key := protocol.FileKey{RoomID: "r1", Path: "main.py"}
	dialChannel(t, sm, base, key, 1)
	dialChannel(t, sm, base, key, 2)

	stats := sm.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "r1?file=main.py", stats[0].Channel)
	assert.Equal(t, 2, stats[0].Members)

	assert.Equal(t, 0, sm.cleanup(time.Now(), time.Minute))
	assert.Equal(t, 2, sm.cleanup(time.Now().Add(time.Hour), time.Minute))
	require.Eventually(t, func() bool { return len(sm.Stats()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayTellsJoinersHowManyPeers(t *testing.T) {
	fanout := newFakeFanout()
	sm, base := newRelay(t, fanout)
	key := protocol.FileKey{RoomID: "r1", Path: "main.py"}
	url := protocol.ChannelURL(base, key)

	a, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, 0, peersOf(t, a))

	fanout.mu.Lock()
	fanout.remote = 2
	fanout.mu.Unlock()

	b, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, peersOf(t, b), "one local member plus two on other instances")
	assert.Equal(t, 2, fanout.members(protocol.ChannelName(key)))

	b.Close()
	require.Eventually(t, func() bool {
		return len(sm.GetSessions(protocol.ChannelName(key))) == 1 &&
			fanout.members(protocol.ChannelName(key)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
