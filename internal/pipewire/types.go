// Package pipewire bridges a PipeWire capture stream into Go. The C
// library is loaded at runtime with dlopen so the binary starts on hosts
// without PipeWire installed; availability is probed with IsAvailable.
package pipewire

// VideoFormat is a raw video pixel format reported by the stream.
type VideoFormat int

const (
	FormatUnknown VideoFormat = iota
	FormatRGB
	FormatBGR
	FormatRGBx
	FormatBGRx
	FormatXBGR
	FormatRGBA
	FormatBGRA
)

// DataKind is a buffer data transport kind.
type DataKind int

const (
	DataUnknown DataKind = iota
	DataMemPtr
	DataMemFd
	DataDmaBuf
)

// Video is a parsed raw-video format parameter.
type Video struct {
	Format   VideoFormat
	Width    uint32
	Height   uint32
	Modifier uint64
}

// BufferInfo is a flattened view of one dequeued stream buffer. Bytes
// aliases stream-owned memory and is only valid until the buffer callback
// returns.
type BufferInfo struct {
	NDatas      uint32
	Kind        DataKind
	Fd          int
	Bytes       []byte
	MaxSize     uint32
	ChunkOffset uint32
	ChunkSize   uint32
	HasHeader   bool
	PTS         int64
}

// Hooks receive stream events. All hooks fire on the goroutine calling
// Iterate.
type Hooks struct {
	// FormatChanged reports a settled raw-video format. parseErr is set
	// when the format parameter could not be parsed.
	FormatChanged func(v Video, parseErr error)

	// StateChanged reports pw_stream_state transitions. msg carries the
	// error text for the error state.
	StateChanged func(state int, msg string)

	// Buffer borrows one ready buffer for the duration of the call; the
	// buffer is requeued to the stream when the callback returns.
	Buffer func(b *BufferInfo)
}

// Rect is a width/height pair in pixels.
type Rect struct {
	Width  uint32
	Height uint32
}

// Fraction is a frame rate as a rational number.
type Fraction struct {
	Num   uint32
	Denom uint32
}

// Offer carries the stream parameters advertised on connect. The caller
// owns all values; nothing is defaulted here.
type Offer struct {
	// Formats lists acceptable pixel layouts in preference order, best
	// first. Connect fails on an empty list.
	Formats []VideoFormat

	SizeDefault Rect
	SizeMin     Rect
	SizeMax     Rect

	Rate    Fraction
	RateMin Fraction
	RateMax Fraction

	// WantHeaderMeta requests a spa_meta_header block on every buffer so
	// frames carry a presentation timestamp.
	WantHeaderMeta bool
}
