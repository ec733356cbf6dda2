//go:build linux

// Package dmabuf wraps the DMA_BUF_IOCTL_SYNC kernel interface. A DMA
// buffer's backing memory is not guaranteed to be cache-coherent with the
// CPU, so every CPU read of a mapped dma-buf must be bracketed by a
// begin/end access pair on its descriptor.
package dmabuf

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// struct dma_buf_sync flags, from <linux/dma-buf.h>.
const (
	syncRead  uint64 = 1 << 0
	syncStart uint64 = 0 << 2
	syncEnd   uint64 = 1 << 2
)

// _IOW('b', 0, struct dma_buf_sync)
const ioctlSync = 0x40086200

type syncArg struct {
	flags uint64
}

// BeginCPUReadAccess prepares a dma-buf descriptor for CPU reads.
func BeginCPUReadAccess(fd int) error {
	return ioctl(fd, syncStart|syncRead)
}

// EndCPUReadAccess ends a CPU read window opened by BeginCPUReadAccess.
func EndCPUReadAccess(fd int) error {
	return ioctl(fd, syncEnd|syncRead)
}

func ioctl(fd int, flags uint64) error {
	arg := syncArg{flags: flags}
	for {
		_, _, errno := unix.Syscall(
			unix.SYS_IOCTL,
			uintptr(fd),
			uintptr(ioctlSync),
			uintptr(unsafe.Pointer(&arg)),
		)
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			// The kernel documents transient failure here; retry.
		default:
			return errno
		}
	}
}
