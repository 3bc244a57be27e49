// Package stream defines the asynchronous byte-stream contract shared by
// gateway routes and server connections.
package stream

import (
	"errors"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/event"
)

var (
	// ErrBufferFull is returned when a write would exceed the buffer limit.
	ErrBufferFull = errors.New("stream write buffer full")

	// ErrLinkError is returned for writes on a stream whose link failed.
	ErrLinkError = errors.New("stream link error")

	// ErrNotLinked is returned for writes on a stream with no live link.
	ErrNotLinked = errors.New("stream not linked")

	// ErrClosed is returned for writes on a closed stream.
	ErrClosed = errors.New("stream closed")
)

// LinkState represents the link state of a stream.
type LinkState int32

const (
	Unlinked LinkState = iota
	Linking
	Linked
	LinkError
)

// String returns a human-readable state name.
func (s LinkState) String() string {
	switch s {
	case Unlinked:
		return "unlinked"
	case Linking:
		return "linking"
	case Linked:
		return "linked"
	case LinkError:
		return "link_error"
	default:
		return "unknown"
	}
}

// Info describes a stream's current condition.
type Info struct {
	LinkState      LinkState
	MaxElementSize int
	Channel        string // active channel, if any
}

// ByteStream is a bidirectional asynchronous stream of byte elements.
type ByteStream interface {
	// Write sends one element. The action completes when the element has
	// been handed to the link or rejected.
	Write(data []byte) *action.Action[struct{}]

	// Info returns the current stream info.
	Info() Info

	// DataEvent emits each received element.
	DataEvent() event.Source[[]byte]

	// UpdateEvent emits the new Info whenever it changes.
	UpdateEvent() event.Source[Info]

	// Restream forces the link to be re-established.
	Restream()

	// Close releases the stream.
	Close() error
}
