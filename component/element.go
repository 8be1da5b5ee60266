package component

import (
	"strings"
	"time"
)

// ElementType is the kind of a data element behind a path
type ElementType int

// Element types
const (
	ElementUnknown ElementType = iota
	ElementFile
	ElementFolder
)

func (t ElementType) String() string {
	switch t {
	case ElementFile:
		return "file"
	case ElementFolder:
		return "folder"
	default:
		return "unknown"
	}
}

// Element describes one data element offered by a supplier
type Element struct {
	Path       string      `json:"path"`
	Type       ElementType `json:"type"`
	Size       int64       `json:"size"`
	Modified   time.Time   `json:"modified"`
	Locked     bool        `json:"locked"`
	Properties Properties  `json:"properties,omitempty"`
}

// ElementEventType is what happened to an element
type ElementEventType int

// Element event types
const (
	ElementCreated ElementEventType = iota
	ElementUpdated
	ElementDeleted
	ElementMoved
	ElementLocked
	ElementUnlocked
)

// ElementEvent is pushed by a supplier to subscribed consumers
type ElementEvent struct {
	Type    ElementEventType `json:"type"`
	Path    string           `json:"path"`
	OldPath string           `json:"old_path,omitempty"`
	Element Element          `json:"element"`
}

// ProviderState is the status a supplier reports to its consumers
type ProviderState struct {
	Ready      bool       `json:"ready"`
	Message    string     `json:"message,omitempty"`
	Properties Properties `json:"properties,omitempty"`
}

// Subscription is a standing request of a consumer port for element events
type Subscription struct {
	ID        string `json:"id"`
	Port      PortID `json:"port"`
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

// Matches reports whether an event on path is covered: the subscribed path
// itself, its direct children, and with Recursive every descendant.
func (s Subscription) Matches(path string) bool {
	if path == s.Path {
		return true
	}
	prefix := s.Path
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return s.Recursive || !strings.Contains(path[len(prefix):], "/")
}

// StreamDirection tells whether a stream was read from or written to
type StreamDirection int

// Stream directions
const (
	StreamRead StreamDirection = iota
	StreamWrite
)

func (d StreamDirection) String() string {
	if d == StreamWrite {
		return "write"
	}
	return "read"
}

// StreamClosed is delivered to stream listeners when a stream closes
type StreamClosed struct {
	Connection ConnectionKey
	Path       string
	Bytes      int64
	Direction  StreamDirection
}
