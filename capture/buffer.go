package capture

// BufferData is one data plane of a raw buffer, tagged by transport kind.
// Exactly three transports exist: a process-local mapping, an anonymous
// shared-memory descriptor (already mapped into the process), and a
// DMA-capable descriptor that requires cache synchronization before any
// CPU read. Extraction dispatches on the concrete type.
type BufferData interface {
	transport() string
}

// MemPtr is a process-local pointer transport. Bytes covers the plane's
// declared capacity and is only valid for the duration of one buffer
// callback.
type MemPtr struct {
	Bytes []byte
}

func (MemPtr) transport() string { return "memptr" }

// MemFd is an anonymous shared-memory transport. The backend maps the
// descriptor on the consumer's behalf, so Bytes is readable directly.
type MemFd struct {
	Fd    int
	Bytes []byte
}

func (MemFd) transport() string { return "memfd" }

// DmaBuf is a DMA-capable buffer descriptor. The allocation may not be
// cache-coherent with the CPU, so reads must be bracketed by begin/end
// CPU-access synchronization on Fd.
type DmaBuf struct {
	Fd     int
	Offset uint32
}

func (DmaBuf) transport() string { return "dmabuf" }

// unknownTransport stands in for a transport kind the engine has no
// extraction path for. Kept unexported: it only exists so such buffers can
// flow through extraction and fail there instead of in the backend.
type unknownTransport struct {
	kind uint32
}

func (unknownTransport) transport() string { return "unknown" }

// MetaType tags a buffer metadata block.
type MetaType uint32

const (
	MetaTypeInvalid MetaType = iota
	MetaTypeHeader
)

// HeaderMeta is the per-buffer header metadata block carrying the
// presentation timestamp.
type HeaderMeta struct {
	Flags     uint32
	Offset    uint32
	PTS       int64
	DTSOffset int64
	Seq       uint64
}

// Meta is one entry of a buffer's metadata block list.
type Meta struct {
	Type   MetaType
	Header *HeaderMeta
}

// RawBuffer is a transient, backend-owned buffer handle. It is
// borrowed for the duration of one buffer callback and must be requeued to
// the backend afterwards; the engine never retains it.
type RawBuffer struct {
	Datas []BufferData
	Metas []Meta
}

// displayTime scans the metadata list for a header block and returns its
// presentation timestamp. A missing header is not an error; it yields 0.
func (b *RawBuffer) displayTime() int64 {
	for _, m := range b.Metas {
		if m.Type == MetaTypeHeader && m.Header != nil {
			return m.Header.PTS
		}
	}
	return 0
}
