//go:build linux

package capture

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"go2tv.app/pwgrab/internal/pipewire"
	"go2tv.app/pwgrab/internal/portal"
)

// connect negotiates a stream id through the session portal and prepares a
// PipeWire backend over the portal's remote descriptor.
func connect(opts Options) (uint32, io.Closer, Backend, error) {
	if !pipewire.IsAvailable() {
		return 0, nil, nil, pipewire.ErrLibraryNotLoaded
	}

	cursorMode := portal.CursorModeHidden
	if opts.ShowCursor {
		cursorMode = portal.CursorModeEmbedded
	}

	sess, err := portal.NewSession()
	if err != nil {
		return 0, nil, nil, fmt.Errorf("portal session: %w", err)
	}
	if sess == nil {
		return 0, nil, nil, ErrCancelled
	}

	// Close the session on any setup failure below.
	cleanupSession := true
	defer func() {
		if cleanupSession {
			_ = sess.Close()
		}
	}()

	err = sess.SelectSources(portal.SelectSourcesOptions{
		Types:      portal.SourceTypeMonitor | portal.SourceTypeWindow,
		CursorMode: cursorMode,
	})
	if err != nil {
		return 0, nil, nil, err
	}

	streams, err := sess.Start("")
	if err != nil {
		return 0, nil, nil, err
	}
	if streams == nil {
		return 0, nil, nil, ErrCancelled
	}
	if len(streams) == 0 {
		return 0, nil, nil, ErrNoStreams
	}
	selected := streams[0]

	fd, err := sess.OpenRemote()
	if err != nil {
		return 0, nil, nil, err
	}

	cleanupSession = false
	closer := closerFunc(func() error {
		return errors.Join(unix.Close(fd), sess.Close())
	})
	return selected.NodeID, closer, &pipewireBackend{fd: fd}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// pipewireBackend adapts the dlopen PipeWire bridge to the Backend seam.
// It keeps the portal's remote descriptor across connections; the bridge
// dups it per connect because the PipeWire context takes ownership of the
// descriptor it is handed.
type pipewireBackend struct {
	fd int
}

func (b *pipewireBackend) Connect(nodeID uint32, offer Offer, hooks StreamHooks) (Loop, error) {
	s, err := pipewire.Connect(b.fd, nodeID, bridgeOffer(offer), pipewire.Hooks{
		FormatChanged: func(v pipewire.Video, parseErr error) {
			if hooks.OnFormatChanged == nil {
				return
			}
			// The bridge only reports raw video formats; anything else
			// is filtered before it reaches Go.
			hooks.OnFormatChanged(FormatEvent{
				MediaKind: MediaKindVideoRaw,
				Info: VideoInfo{
					Format:   pixelFormatFromBridge(v.Format),
					Width:    v.Width,
					Height:   v.Height,
					Modifier: v.Modifier,
				},
				Err: parseErr,
			})
		},
		StateChanged: func(state int, msg string) {
			if hooks.OnStateChanged != nil {
				hooks.OnStateChanged(StreamState(state), msg)
			}
		},
		Buffer: func(info *pipewire.BufferInfo) {
			if hooks.OnBuffer != nil {
				hooks.OnBuffer(rawBufferFromBridge(info))
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return &pipewireLoop{s: s}, nil
}

// bridgeOffer translates the engine's stream offer for the bridge, so the
// advertised formats and bounds have a single source of truth here.
func bridgeOffer(o Offer) pipewire.Offer {
	formats := make([]pipewire.VideoFormat, 0, len(o.Formats))
	for _, f := range o.Formats {
		if v, ok := bridgeFormat(f); ok {
			formats = append(formats, v)
		}
	}
	return pipewire.Offer{
		Formats:        formats,
		SizeDefault:    pipewire.Rect{Width: o.SizeDefault.Width, Height: o.SizeDefault.Height},
		SizeMin:        pipewire.Rect{Width: o.SizeMin.Width, Height: o.SizeMin.Height},
		SizeMax:        pipewire.Rect{Width: o.SizeMax.Width, Height: o.SizeMax.Height},
		Rate:           pipewire.Fraction{Num: o.Rate.Num, Denom: o.Rate.Denom},
		RateMin:        pipewire.Fraction{Num: o.RateMin.Num, Denom: o.RateMin.Denom},
		RateMax:        pipewire.Fraction{Num: o.RateMax.Num, Denom: o.RateMax.Denom},
		WantHeaderMeta: o.WantHeaderMeta,
	}
}

func bridgeFormat(p PixelFormat) (pipewire.VideoFormat, bool) {
	switch p {
	case PixelFormatRGB:
		return pipewire.FormatRGB, true
	case PixelFormatBGR:
		return pipewire.FormatBGR, true
	case PixelFormatRGBx:
		return pipewire.FormatRGBx, true
	case PixelFormatBGRx:
		return pipewire.FormatBGRx, true
	case PixelFormatXBGR:
		return pipewire.FormatXBGR, true
	case PixelFormatRGBA:
		return pipewire.FormatRGBA, true
	case PixelFormatBGRA:
		return pipewire.FormatBGRA, true
	default:
		return pipewire.FormatUnknown, false
	}
}

func pixelFormatFromBridge(f pipewire.VideoFormat) PixelFormat {
	switch f {
	case pipewire.FormatRGB:
		return PixelFormatRGB
	case pipewire.FormatBGR:
		return PixelFormatBGR
	case pipewire.FormatRGBx:
		return PixelFormatRGBx
	case pipewire.FormatBGRx:
		return PixelFormatBGRx
	case pipewire.FormatXBGR:
		return PixelFormatXBGR
	case pipewire.FormatRGBA:
		return PixelFormatRGBA
	case pipewire.FormatBGRA:
		return PixelFormatBGRA
	default:
		return PixelFormatUnknown
	}
}

func rawBufferFromBridge(info *pipewire.BufferInfo) *RawBuffer {
	raw := &RawBuffer{}
	if info.NDatas >= 1 {
		switch info.Kind {
		case pipewire.DataMemPtr:
			raw.Datas = []BufferData{MemPtr{Bytes: info.Bytes}}
		case pipewire.DataMemFd:
			raw.Datas = []BufferData{MemFd{Fd: info.Fd, Bytes: info.Bytes}}
		case pipewire.DataDmaBuf:
			raw.Datas = []BufferData{DmaBuf{Fd: info.Fd, Offset: info.ChunkOffset}}
		default:
			raw.Datas = []BufferData{unknownTransport{kind: uint32(info.Kind)}}
		}
	}
	if info.HasHeader {
		raw.Metas = []Meta{{Type: MetaTypeHeader, Header: &HeaderMeta{PTS: info.PTS}}}
	}
	return raw
}

type pipewireLoop struct {
	s *pipewire.Stream
}

func (l *pipewireLoop) Iterate(timeout time.Duration) error {
	return l.s.Iterate(timeout)
}

// Requeue is a no-op: the bridge hands the dequeued pw_buffer back to the
// stream when the process callback unwinds.
func (l *pipewireLoop) Requeue(*RawBuffer) error { return nil }

func (l *pipewireLoop) Close() error { return l.s.Close() }
