//go:build !linux

package capture

import (
	"fmt"
	"io"
)

func connect(opts Options) (uint32, io.Closer, Backend, error) {
	_ = opts
	return 0, nil, nil, fmt.Errorf("%w: no backend for this operating system", ErrNotImplemented)
}
