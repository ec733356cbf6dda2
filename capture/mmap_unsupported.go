//go:build !linux

package capture

func fdSize(fd int) (int64, error) {
	return 0, ErrNotImplemented
}

func mmapShared(fd int, offset int64, length int) ([]byte, error) {
	return nil, ErrNotImplemented
}

func munmapShared(b []byte) error {
	return nil
}
