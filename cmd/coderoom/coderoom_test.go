package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coderoom/internal/api"
	"coderoom/internal/client/session"
	"coderoom/internal/config"
	"coderoom/internal/repository"
	"coderoom/internal/services/collaboration"
	"coderoom/internal/services/rooms"
	"coderoom/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) string {
	t.Helper()
	chat := repository.NewMemoryChatStore()
	hub := rooms.NewHub(repository.NewMemoryFileStore(), chat, nil)
	relay := collaboration.NewSessionManager(nil)
	relay.Start()

	srv := httptest.NewServer(api.SetupRoutes(api.NewHandler(chat, hub, collaboration.NewWebSocketHandler(relay), nil)))
	t.Cleanup(func() {
		hub.Shutdown()
		relay.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, server string, mode session.Mode, room, name string) (*app, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	a, err := connect(&config.ClientConfig{
		ServerURL:   server,
		DefaultFile: "main.py",
		UserColor:   colorFor(name),
		SettleDelay: 10 * time.Millisecond,
	}, out)
	require.NoError(t, err)
	t.Cleanup(a.close)

	var joinErr error
	a.loop.Call(func() { joinErr = a.sess.JoinOrCreate(mode, room, name) })
	require.NoError(t, joinErr)
	return a, out
}

func eventually(t *testing.T, a *app, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		var ok bool
		a.loop.Call(func() { ok = cond() })
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func settledOn(a *app, path string) func() bool {
	return func() bool {
		r := a.sess.Replica()
		return a.sess.Joined() && a.sess.ActiveFile() == path && !a.sess.Switching() &&
			r != nil && r.Status() == transport.StatusConnected && r.Synced()
	}
}

func TestTwoClientsEditTogether(t *testing.T) {
	server := startServer(t)
	alice, _ := startClient(t, server, session.ModeCreate, "r1", "alice")
	eventually(t, alice, settledOn(alice, "main.py"))
	bob, bobOut := startClient(t, server, session.ModeJoin, "r1", "bob")
	eventually(t, bob, settledOn(bob, "main.py"))

	require.NoError(t, alice.exec(`write print("hi")\n`))
	eventually(t, bob, func() bool { return bob.sess.Content() == "print(\"hi\")\n" })

	eventually(t, bob, func() bool {
		for _, id := range bob.sess.Roster() {
			if id.DisplayName == "alice" {
				return true
			}
		}
		return false
	})

	require.NoError(t, alice.exec("chat hello bob"))
	assert.Eventually(t, func() bool { return strings.Contains(bobOut.String(), "hello bob") }, 5*time.Second, 20*time.Millisecond)
}

func TestSwitchingFilesKeepsContentApart(t *testing.T) {
	server := startServer(t)
	alice, _ := startClient(t, server, session.ModeCreate, "r2", "alice")
	eventually(t, alice, settledOn(alice, "main.py"))

	require.NoError(t, alice.exec("mkfile util.py"))
	eventually(t, alice, func() bool { return len(alice.sess.Files()) == 2 })

	require.NoError(t, alice.exec("write x = 1"))
	require.NoError(t, alice.exec("open util.py"))
	eventually(t, alice, settledOn(alice, "util.py"))
	eventually(t, alice, func() bool { return alice.sess.Content() == "" })

	require.NoError(t, alice.exec("open main.py"))
	eventually(t, alice, settledOn(alice, "main.py"))
	eventually(t, alice, func() bool { return alice.sess.Content() == "x = 1" })
}

func TestLateJoinerGetsPeerTextOnce(t *testing.T) {
	server := startServer(t)
	alice, _ := startClient(t, server, session.ModeCreate, "r3", "alice")
	eventually(t, alice, settledOn(alice, "main.py"))
	require.NoError(t, alice.exec("write print(2)"))

	bob, _ := startClient(t, server, session.ModeJoin, "r3", "bob")
	eventually(t, bob, settledOn(bob, "main.py"))
	eventually(t, bob, func() bool { return bob.sess.Replica().Text() == "print(2)" })

	require.NoError(t, bob.exec("append !"))
	eventually(t, alice, func() bool { return alice.sess.Content() == "print(2)!" })
	eventually(t, bob, func() bool { return bob.sess.Content() == "print(2)!" })
}

func TestExecUnknownCommand(t *testing.T) {
	a := &app{out: &bytes.Buffer{}}
	assert.ErrorContains(t, a.exec("frobnicate"), "unknown command")
	assert.ErrorIs(t, a.exec("quit"), errQuit)
	assert.NoError(t, a.exec("   "))
	assert.ErrorContains(t, a.exec("open"), "usage")
}

func TestSplitCommandAndUnescape(t *testing.T) {
	name, arg := splitCommand("  WRITE  a b ")
	assert.Equal(t, "write", name)
	assert.Equal(t, "a b", arg)
	assert.Equal(t, "a\n\tb\\n", unescape(`a\n\tb\\n`))
}

func TestColorForIsStable(t *testing.T) {
	assert.Equal(t, colorFor("alice"), colorFor("alice"))
	assert.Contains(t, palette, colorFor("bob"))
}
