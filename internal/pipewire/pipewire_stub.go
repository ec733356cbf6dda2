//go:build !linux || !cgo

package pipewire

import (
	"errors"
	"time"
)

var ErrLibraryNotLoaded = errors.New("libpipewire-0.3.so.0 could not be loaded")

// Stream is a placeholder on platforms without PipeWire.
type Stream struct{}

func IsAvailable() bool { return false }

func Connect(fd int, nodeID uint32, offer Offer, hooks Hooks) (*Stream, error) {
	return nil, ErrLibraryNotLoaded
}

func (s *Stream) Iterate(timeout time.Duration) error { return ErrLibraryNotLoaded }

func (s *Stream) Close() error { return nil }
