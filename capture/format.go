package capture

// PixelFormat identifies a packed pixel layout. The set mirrors what the
// compositor can hand out for raw video; only packed RGB/BGR orderings, with
// or without a padding/alpha byte, are representable as frames.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGB                 // Packed RGB, 3 bytes per pixel
	PixelFormatBGR                 // Packed BGR, 3 bytes per pixel
	PixelFormatRGBx                // Packed RGB + padding byte
	PixelFormatBGRx                // Packed BGR + padding byte
	PixelFormatXBGR                // Padding byte + packed BGR
	PixelFormatRGBA                // Packed RGB + alpha byte
	PixelFormatBGRA                // Packed BGR + alpha byte
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatRGB:
		return "RGB"
	case PixelFormatBGR:
		return "BGR"
	case PixelFormatRGBx:
		return "RGBx"
	case PixelFormatBGRx:
		return "BGRx"
	case PixelFormatXBGR:
		return "xBGR"
	case PixelFormatRGBA:
		return "RGBA"
	case PixelFormatBGRA:
		return "BGRA"
	default:
		return "Unknown"
	}
}

// BytesPerPixel returns the packed size of one pixel, or 0 for formats the
// engine cannot size.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatRGB, PixelFormatBGR:
		return 3
	case PixelFormatRGBx, PixelFormatBGRx, PixelFormatXBGR, PixelFormatRGBA, PixelFormatBGRA:
		return 4
	default:
		return 0
	}
}

// VideoInfo is the format the stream backend settled on.
// It is created once per negotiation and never mutated afterwards; buffer
// extraction and dispatch read it on every frame.
type VideoInfo struct {
	Format PixelFormat
	Width  uint32
	Height uint32

	// Modifier is the buffer tiling modifier. 0 means linear memory;
	// anything else cannot be read as a byte sequence by this engine.
	Modifier uint64
}

// FrameSize returns the byte length of one packed frame.
func (v VideoInfo) FrameSize() int {
	return int(v.Width) * int(v.Height) * v.Format.BytesPerPixel()
}

// Frame is one decoded frame handed to the consumer. Data is owned by the
// frame and holds Width*Height*BytesPerPixel bytes for packed layouts.
type Frame struct {
	Format PixelFormat
	Width  int32
	Height int32

	// DisplayTime is the presentation timestamp reported by the stream,
	// in nanoseconds on the stream clock. 0 when the buffer carried no
	// header metadata.
	DisplayTime uint64

	Data []byte
}
