//go:build !linux

package dmabuf

import "errors"

var errUnsupported = errors.New("dmabuf synchronization is only available on linux")

func BeginCPUReadAccess(fd int) error { return errUnsupported }

func EndCPUReadAccess(fd int) error { return errUnsupported }
