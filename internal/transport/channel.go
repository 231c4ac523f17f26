package transport

import (
	"github.com/gorilla/websocket"

	"coderoom/internal/protocol"
)

// ChannelHandler receives events from a replication channel. Both callbacks
// run on the channel's own goroutine.
type ChannelHandler struct {
	OnStatus func(Status)
	OnFrame  func(frame []byte)
}

// Channel is one per-file replication channel. The relay server fans every
// binary frame out to the other members of the same channel name.
type Channel struct {
	key  protocol.FileKey
	link *link
}

// ChannelDialer opens replication channels against a server base URL.
type ChannelDialer struct {
	BaseURL string
	Dialer  *websocket.Dialer
}

// Dial opens a fresh channel for key and starts connecting in the
// background. It never blocks on the network.
func (d *ChannelDialer) Dial(key protocol.FileKey, h ChannelHandler) *Channel {
	c := &Channel{key: key}
	c.link = newLink(protocol.ChannelURL(d.BaseURL, key), d.Dialer, h.OnStatus, func(kind int, data []byte) {
		if kind != websocket.BinaryMessage || h.OnFrame == nil {
			return
		}
		h.OnFrame(data)
	})
	c.link.start()
	return c
}

// Key returns the file the channel replicates.
func (c *Channel) Key() protocol.FileKey { return c.key }

// Send queues a frame; it is dropped while the channel is down.
func (c *Channel) Send(frame []byte) bool {
	return c.link.write(websocket.BinaryMessage, frame)
}

// Connected reports whether the channel is up.
func (c *Channel) Connected() bool { return c.link.isConnected() }

// Close shuts the channel down. Idempotent; safe before the first
// connection succeeds.
func (c *Channel) Close() {
	c.link.close()
}
