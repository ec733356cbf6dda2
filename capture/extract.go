package capture

import (
	"bytes"
	"fmt"
	"os"

	"go2tv.app/pwgrab/internal/dmabuf"
)

// dmaSyncer brackets CPU reads of a DMA buffer with the kernel's
// cache-synchronization calls. It is a seam so tests can observe the
// bracketing without a real dma-buf descriptor.
type dmaSyncer interface {
	BeginReadAccess(fd int) error
	EndReadAccess(fd int) error
}

type kernelSyncer struct{}

func (kernelSyncer) BeginReadAccess(fd int) error { return dmabuf.BeginCPUReadAccess(fd) }
func (kernelSyncer) EndReadAccess(fd int) error   { return dmabuf.EndCPUReadAccess(fd) }

// extractor reads one frame's worth of pixel data out of a raw buffer.
type extractor struct {
	sync     dmaSyncer
	pageSize int
}

func newExtractor() *extractor {
	return &extractor{
		sync:     kernelSyncer{},
		pageSize: os.Getpagesize(),
	}
}

// extract copies the first data plane of b into an owned byte slice and
// returns it together with the buffer's presentation timestamp. A buffer
// with no data planes is skipped: (nil, 0, nil). Per-buffer failures
// (fstat, mmap, cache sync, unknown transport) are returned as errors and
// leave the session running; a non-linear modifier on a DMA buffer is
// returned as ErrUnsupportedModifier and ends the session.
func (e *extractor) extract(b *RawBuffer, info *VideoInfo) ([]byte, int64, error) {
	if len(b.Datas) < 1 {
		return nil, 0, nil
	}

	pts := b.displayTime()

	var data []byte
	switch d := b.Datas[0].(type) {
	case MemPtr:
		data = bytes.Clone(d.Bytes)
	case MemFd:
		data = bytes.Clone(d.Bytes)
	case DmaBuf:
		if info.Modifier != 0 {
			return nil, 0, fmt.Errorf("%w: modifier %#x", ErrUnsupportedModifier, info.Modifier)
		}
		var err error
		data, err = e.readDMA(d)
		if err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, fmt.Errorf("%w: %T", ErrUnsupportedTransport, b.Datas[0])
	}

	return data, pts, nil
}

// readDMA copies a DMA buffer through a transient read-only mapping. The
// allocation size comes from the descriptor itself, rounded up to the page
// size, and the copy is bracketed by begin/end CPU read access so the
// mapped bytes are coherent with whatever the device last wrote.
func (e *extractor) readDMA(d DmaBuf) ([]byte, error) {
	size, err := fdSize(d.Fd)
	if err != nil {
		return nil, fmt.Errorf("fstat dmabuf: %w", err)
	}

	length := roundUp(int(size), e.pageSize)
	mapped, err := mmapShared(d.Fd, int64(d.Offset), length)
	if err != nil {
		return nil, fmt.Errorf("mmap dmabuf: %w", err)
	}
	defer func() {
		_ = munmapShared(mapped)
	}()

	if err := e.sync.BeginReadAccess(d.Fd); err != nil {
		return nil, fmt.Errorf("dmabuf begin cpu access: %w", err)
	}

	data := make([]byte, length)
	copy(data, mapped)

	if err := e.sync.EndReadAccess(d.Fd); err != nil {
		return nil, fmt.Errorf("dmabuf end cpu access: %w", err)
	}

	return data, nil
}

func roundUp(n, multiple int) int {
	if multiple <= 0 {
		return n
	}
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + multiple - rem
}
