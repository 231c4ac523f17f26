package session

import (
	"coderoom/internal/client/presence"
	"coderoom/internal/protocol"
)

// EventKind tells subscribers which read model changed.
type EventKind int

const (
	EventJoined EventKind = iota
	EventActiveFile
	EventSettled
	EventFiles
	EventOutput
	EventChat
	EventPresence
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventActiveFile:
		return "active-file"
	case EventSettled:
		return "settled"
	case EventFiles:
		return "files"
	case EventOutput:
		return "output"
	case EventChat:
		return "chat"
	case EventPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers on the loop. Only the fields of its
// kind are set.
type Event struct {
	Kind   EventKind
	RoomID string
	Path   string
	Files  []protocol.FileNode
	Output string
	Chat   []protocol.ChatMessage
	Roster []presence.Identity
}
