package capture

import "time"

// StreamState mirrors the stream backend's connection
// states. Values match the PipeWire stream state enumeration.
type StreamState int

const (
	StreamStateError       StreamState = iota - 1
	StreamStateUnconnected             // 0
	StreamStateConnecting
	StreamStatePaused
	StreamStateStreaming
)

func (s StreamState) String() string {
	switch s {
	case StreamStateError:
		return "error"
	case StreamStateUnconnected:
		return "unconnected"
	case StreamStateConnecting:
		return "connecting"
	case StreamStatePaused:
		return "paused"
	case StreamStateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// FormatEvent reports a format settled (or re-settled) by the backend.
// Events whose MediaKind is not MediaKindVideoRaw are ignored by the
// session.
type FormatEvent struct {
	MediaKind string
	Info      VideoInfo

	// Err is set when the backend's format parameters could not be
	// parsed. This is fatal to the session: it indicates an incompatible
	// backend, not a transient condition.
	Err error
}

// MediaKindVideoRaw is the only media kind the engine captures.
const MediaKindVideoRaw = "video/raw"

// StreamHooks receive backend events. All hooks fire on the capture
// goroutine, from inside Loop.Iterate.
type StreamHooks struct {
	OnFormatChanged func(e FormatEvent)
	OnStateChanged  func(state StreamState, msg string)

	// OnBuffer borrows a ready buffer for the duration of the call. The
	// handler must hand the buffer back with Loop.Requeue exactly once,
	// on every path, or the backend starves for buffers.
	OnBuffer func(b *RawBuffer)
}

// Backend abstracts the stream backend. The production
// implementation connects a PipeWire stream; tests script their own.
type Backend interface {
	// Connect offers the given parameters for the stream identified by
	// nodeID and registers hooks for the resulting event stream.
	Connect(nodeID uint32, offer Offer, hooks StreamHooks) (Loop, error)
}

// Loop is one connected stream's cooperative event loop.
type Loop interface {
	// Iterate runs the backend's event loop once, dispatching any
	// pending hook callbacks on the calling goroutine, and returns after
	// at most timeout.
	Iterate(timeout time.Duration) error

	// Requeue returns a borrowed buffer to the backend's queue.
	Requeue(b *RawBuffer) error

	Close() error
}
