package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotJoined is returned by file operations before the room confirmed
	// the join.
	ErrNotJoined = errors.New("not joined to a room")
	// ErrAlreadyJoined is returned by JoinOrCreate once a join is under way.
	ErrAlreadyJoined = errors.New("already joined to a room")
)

// ValidationError rejects a request before anything is sent.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	switch e.Field {
	case "roomId":
		return "please enter a room ID"
	case "displayName":
		return "please enter a username"
	default:
		return fmt.Sprintf("invalid %s", e.Field)
	}
}

// ConnectionError means the room socket was not connected. The operation
// was aborted; the user retries.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: not connected to server", e.Op)
	}
	return fmt.Sprintf("%s: not connected to server: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
