// Package capture implements a PipeWire-backed screen capture engine for
// Linux Wayland desktops. A session is negotiated through the
// xdg-desktop-portal, raw buffers are pulled from the resulting PipeWire
// stream on a dedicated capture goroutine, and decoded frames are delivered
// to the consumer over a bounded channel.
package capture

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotImplemented = errors.New("screen capture backend is not implemented on this platform")
	ErrCancelled      = errors.New("screen capture request was cancelled")
	ErrNoStreams      = errors.New("screen capture returned no streams")
	ErrInvalidOptions = errors.New("invalid screen capture options")
	ErrSetupTimeout   = errors.New("timed out waiting for the capture stream to become ready")

	// ErrUnsupportedModifier marks a DMA buffer negotiated with a non-linear
	// tiling modifier. Tiled memory cannot be read as a linear byte sequence,
	// so this ends the session rather than a single buffer.
	ErrUnsupportedModifier = errors.New("unsupported buffer modifier, only linear layout is supported")

	// ErrUnsupportedFormat marks a negotiated pixel layout outside the packed
	// RGB/BGR set the dispatcher can represent.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")

	// ErrUnsupportedTransport marks a buffer whose data transport kind the
	// extraction engine cannot read. The buffer is skipped.
	ErrUnsupportedTransport = errors.New("unsupported buffer transport kind")
)

const (
	defaultFrameRate    = 60
	defaultQueueDepth   = 4
	defaultSetupTimeout = 8 * time.Second
)

// Options configures a capture session.
type Options struct {
	// FPS is the requested frame rate. The stream offer clamps it to the
	// range the compositor accepts; see buildOffer. Default is 60.
	FPS uint32

	// ShowCursor embeds the cursor into captured frames.
	ShowCursor bool

	// QueueDepth bounds the frame delivery channel. When the consumer
	// stalls, the oldest queued frame is dropped. Default is 4.
	QueueDepth int

	// SetupTimeout bounds the wait for the capture stream to connect and
	// signal readiness during New. Default is 8s.
	SetupTimeout time.Duration

	// Logger receives session diagnostics. Default is a no-op logger.
	Logger *zap.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.QueueDepth < 0 {
		return o, fmt.Errorf("%w: QueueDepth must be >= 0", ErrInvalidOptions)
	}
	if o.FPS == 0 {
		o.FPS = defaultFrameRate
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = defaultQueueDepth
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = defaultSetupTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o, nil
}
