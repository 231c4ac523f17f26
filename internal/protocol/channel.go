package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// FileKey identifies one collaborative document: a file inside a room.
type FileKey struct {
	RoomID string `json:"roomId"`
	Path   string `json:"path"`
}

func (k FileKey) String() string { return ChannelName(k) }

// ChannelName derives the replication channel name for key. Every client
// activating the same key lands on the same name.
func ChannelName(k FileKey) string {
	return k.RoomID + "?file=" + k.Path
}

// ChannelURL builds the websocket URL of the replication channel for key
// under the server base URL (ws:// or wss://).
func ChannelURL(base string, k FileKey) string {
	base = strings.TrimRight(base, "/")
	q := url.Values{}
	q.Set("file", k.Path)
	return fmt.Sprintf("%s/ws/doc/%s?%s", base, url.PathEscape(k.RoomID), q.Encode())
}

// FrameType is the first byte of every replication frame.
type FrameType byte

const (
	FrameSyncRequest   FrameType = 0 // ask peers for their full state
	FrameUpdate        FrameType = 1 // document operations
	FramePresence      FrameType = 2 // one presence entry
	FrameQueryPresence FrameType = 3 // ask peers for their presence entry
	FramePeers         FrameType = 4 // relay to joiner: how many others share the channel
)

func (t FrameType) String() string {
	switch t {
	case FrameSyncRequest:
		return "sync-request"
	case FrameUpdate:
		return "update"
	case FramePresence:
		return "presence"
	case FrameQueryPresence:
		return "query-presence"
	case FramePeers:
		return "peers"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

// ErrEmptyFrame is returned when decoding a zero-length frame.
var ErrEmptyFrame = errors.New("empty replication frame")

// Update carries Automerge change chunks or a saved document. Only a
// replica that has synchronized with its peers sends one.
type Update struct {
	Changes []byte `json:"changes"`
}

// Peers is sent by the relay, and only by the relay, to a member right after
// it joins a channel. Count is how many other members were present, across
// every relay instance.
type Peers struct {
	Count int `json:"count"`
}

// PresenceEntry is one participant's presence slot. A null State removes the
// slot on every peer.
type PresenceEntry struct {
	ClientID string          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

// EncodeFrame serializes a replication frame. payload may be nil for frames
// without a body.
func EncodeFrame(t FrameType, payload any) ([]byte, error) {
	if payload == nil {
		return []byte{byte(t)}, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", t, err)
	}
	return append([]byte{byte(t)}, body...), nil
}

// DecodeFrame splits a frame into its type and body.
func DecodeFrame(frame []byte) (FrameType, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	return FrameType(frame[0]), frame[1:], nil
}

// PeekPresence decodes frame when it is a well-formed presence frame.
func PeekPresence(frame []byte) (PresenceEntry, bool) {
	t, body, err := DecodeFrame(frame)
	if err != nil || t != FramePresence {
		return PresenceEntry{}, false
	}
	var entry PresenceEntry
	if err := json.Unmarshal(body, &entry); err != nil || entry.ClientID == "" {
		return PresenceEntry{}, false
	}
	return entry, true
}

// Removal reports whether the entry withdraws its client's slot.
func (e PresenceEntry) Removal() bool {
	s := strings.TrimSpace(string(e.State))
	return s == "" || s == "null"
}
