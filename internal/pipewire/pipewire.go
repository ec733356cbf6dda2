//go:build linux

package pipewire

/*
#cgo pkg-config: libpipewire-0.3
#cgo LDFLAGS: -ldl
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>
#include <spa/buffer/meta.h>
#include <stdlib.h>
#include <string.h>
#include <dlfcn.h>

// Function pointers for dynamic loading
static void (*d_pw_init)(int *argc, char **argv[]);
static struct pw_main_loop * (*d_pw_main_loop_new)(const struct spa_dict *props);
static struct pw_loop * (*d_pw_main_loop_get_loop)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_destroy)(struct pw_main_loop *loop);
static struct pw_context * (*d_pw_context_new)(struct pw_loop *main_loop, struct pw_properties *props, size_t user_data_size);
static void (*d_pw_context_destroy)(struct pw_context *context);
static struct pw_core * (*d_pw_context_connect_fd)(struct pw_context *context, int fd, struct pw_properties *properties, size_t user_data_size);
static int (*d_pw_core_disconnect)(struct pw_core *core);
static struct pw_properties * (*d_pw_properties_new)(const char *key, ...);
static struct pw_stream * (*d_pw_stream_new)(struct pw_core *core, const char *name, struct pw_properties *props);
static void (*d_pw_stream_add_listener)(struct pw_stream *stream, struct spa_hook *listener, const struct pw_stream_events *events, void *data);
static int (*d_pw_stream_connect)(struct pw_stream *stream, enum pw_direction direction, uint32_t target_id, enum pw_stream_flags flags, const struct spa_pod **params, uint32_t n_params);
static struct pw_buffer * (*d_pw_stream_dequeue_buffer)(struct pw_stream *stream);
static int (*d_pw_stream_queue_buffer)(struct pw_stream *stream, struct pw_buffer *buffer);
static void (*d_pw_stream_destroy)(struct pw_stream *stream);

static void* pw_lib_handle = NULL;

static int load_pipewire() {
    if (pw_lib_handle != NULL) return 1;

    const char* lib_names[] = {
        "libpipewire-0.3.so.0",
        "libpipewire-0.3.so",
        NULL
    };

    for (int i = 0; lib_names[i] != NULL; i++) {
        pw_lib_handle = dlopen(lib_names[i], RTLD_NOW);
        if (pw_lib_handle) break;
    }

    if (!pw_lib_handle) return 0;

    d_pw_init = dlsym(pw_lib_handle, "pw_init");
    d_pw_main_loop_new = dlsym(pw_lib_handle, "pw_main_loop_new");
    d_pw_main_loop_get_loop = dlsym(pw_lib_handle, "pw_main_loop_get_loop");
    d_pw_main_loop_destroy = dlsym(pw_lib_handle, "pw_main_loop_destroy");
    d_pw_context_new = dlsym(pw_lib_handle, "pw_context_new");
    d_pw_context_destroy = dlsym(pw_lib_handle, "pw_context_destroy");
    d_pw_context_connect_fd = dlsym(pw_lib_handle, "pw_context_connect_fd");
    d_pw_core_disconnect = dlsym(pw_lib_handle, "pw_core_disconnect");
    d_pw_properties_new = dlsym(pw_lib_handle, "pw_properties_new");
    d_pw_stream_new = dlsym(pw_lib_handle, "pw_stream_new");
    d_pw_stream_add_listener = dlsym(pw_lib_handle, "pw_stream_add_listener");
    d_pw_stream_connect = dlsym(pw_lib_handle, "pw_stream_connect");
    d_pw_stream_dequeue_buffer = dlsym(pw_lib_handle, "pw_stream_dequeue_buffer");
    d_pw_stream_queue_buffer = dlsym(pw_lib_handle, "pw_stream_queue_buffer");
    d_pw_stream_destroy = dlsym(pw_lib_handle, "pw_stream_destroy");

    if (!d_pw_init || !d_pw_main_loop_new || !d_pw_stream_new) {
        dlclose(pw_lib_handle);
        pw_lib_handle = NULL;
        return 0;
    }

    return 1;
}

extern void on_pw_state_go(int id, int state, char *error);
extern void on_pw_format_go(int id, int parse_ok, uint32_t format, uint32_t width, uint32_t height, uint64_t modifier);

struct go_buffer_info {
    uint32_t n_datas;
    uint32_t data_type;
    int64_t  fd;
    void    *data;
    uint32_t max_size;
    uint32_t chunk_offset;
    uint32_t chunk_size;
    int      has_header;
    int64_t  pts;
};

extern void on_pw_buffer_go(int id, struct go_buffer_info *info);

struct go_stream_data {
    int id;
    struct pw_stream *stream;
    struct spa_hook stream_listener;
};

static void on_state_changed_c(void *userdata, enum pw_stream_state old, enum pw_stream_state state, const char *error) {
    struct go_stream_data *data = userdata;
    on_pw_state_go(data->id, (int)state, (char*)error);
}

static void on_param_changed_c(void *userdata, uint32_t id, const struct spa_pod *param) {
    struct go_stream_data *data = userdata;
    uint32_t media_type, media_subtype;
    struct spa_video_info_raw info;

    if (param == NULL || id != SPA_PARAM_Format) return;

    if (spa_format_parse(param, &media_type, &media_subtype) < 0) return;
    if (media_type != SPA_MEDIA_TYPE_video || media_subtype != SPA_MEDIA_SUBTYPE_raw) return;

    memset(&info, 0, sizeof(info));
    if (spa_format_video_raw_parse(param, &info) < 0) {
        on_pw_format_go(data->id, 0, 0, 0, 0, 0);
        return;
    }

    on_pw_format_go(data->id, 1, (uint32_t)info.format, info.size.width, info.size.height, (uint64_t)info.modifier);
}

static void on_process_c(void *userdata) {
    struct go_stream_data *data = userdata;
    if (!data->stream) return;

    struct pw_buffer *b = d_pw_stream_dequeue_buffer(data->stream);
    if (b == NULL) {
        return;
    }

    struct spa_buffer *buf = b->buffer;
    if (buf != NULL) {
        struct go_buffer_info info;
        memset(&info, 0, sizeof(info));

        info.n_datas = buf->n_datas;
        if (buf->n_datas > 0) {
            info.data_type = buf->datas[0].type;
            info.fd = buf->datas[0].fd;
            info.data = buf->datas[0].data;
            info.max_size = buf->datas[0].maxsize;
            if (buf->datas[0].chunk != NULL) {
                info.chunk_offset = buf->datas[0].chunk->offset;
                info.chunk_size = buf->datas[0].chunk->size;
            }
        }

        struct spa_meta *meta = spa_buffer_find_meta(buf, SPA_META_Header);
        if (meta != NULL && meta->data != NULL) {
            struct spa_meta_header *header = meta->data;
            info.has_header = 1;
            info.pts = header->pts;
        }

        on_pw_buffer_go(data->id, &info);
    }

    d_pw_stream_queue_buffer(data->stream, b);
}

static const struct pw_stream_events stream_events = {
    PW_VERSION_STREAM_EVENTS,
    .state_changed = on_state_changed_c,
    .param_changed = on_param_changed_c,
    .process = on_process_c,
};

static inline struct pw_stream * create_stream(struct pw_core *core, const char *name, struct go_stream_data *data) {
    struct pw_properties *props = d_pw_properties_new(
                PW_KEY_MEDIA_TYPE, "Video",
                PW_KEY_MEDIA_CATEGORY, "Capture",
                PW_KEY_MEDIA_ROLE, "Screen",
                NULL);

    struct pw_stream *stream = d_pw_stream_new(core, name, props);
    if (stream != NULL) {
        data->stream = stream;
        d_pw_stream_add_listener(stream, &data->stream_listener, &stream_events, data);
    }
    return stream;
}

// Negotiable stream parameters, filled in from Go so the pod and the
// caller's offer cannot drift apart.
struct stream_offer {
    uint32_t def_width, def_height;
    uint32_t min_width, min_height;
    uint32_t max_width, max_height;
    uint32_t rate_num, rate_denom;
    uint32_t rate_min_num, rate_min_denom;
    uint32_t rate_max_num, rate_max_denom;
    int want_header_meta;
};

static inline int connect_stream(struct pw_stream *stream, uint32_t target_id,
        const uint32_t *formats, uint32_t n_formats,
        const struct stream_offer *offer) {
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));
    struct spa_pod_frame f[2];
    const struct spa_pod *params[2];
    uint32_t n_params = 0;
    uint32_t i;

    spa_pod_builder_push_object(&b, &f[0], SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat);
    spa_pod_builder_add(&b,
        SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video),
        SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
        0);

    // Enum choice: default first, then the whole preference list.
    spa_pod_builder_prop(&b, SPA_FORMAT_VIDEO_format, 0);
    spa_pod_builder_push_choice(&b, &f[1], SPA_CHOICE_Enum, 0);
    spa_pod_builder_id(&b, formats[0]);
    for (i = 0; i < n_formats; i++)
        spa_pod_builder_id(&b, formats[i]);
    spa_pod_builder_pop(&b, &f[1]);

    spa_pod_builder_add(&b,
        SPA_FORMAT_VIDEO_size, SPA_POD_CHOICE_RANGE_Rectangle(
            &SPA_RECTANGLE(offer->def_width, offer->def_height),
            &SPA_RECTANGLE(offer->min_width, offer->min_height),
            &SPA_RECTANGLE(offer->max_width, offer->max_height)),
        SPA_FORMAT_VIDEO_framerate, SPA_POD_CHOICE_RANGE_Fraction(
            &SPA_FRACTION(offer->rate_num, offer->rate_denom),
            &SPA_FRACTION(offer->rate_min_num, offer->rate_min_denom),
            &SPA_FRACTION(offer->rate_max_num, offer->rate_max_denom)),
        // Only linear memory can be extracted as a byte sequence. Whether
        // the portal backend honors this is up to the backend.
        SPA_FORMAT_VIDEO_modifier, SPA_POD_Long(0),
        0);
    params[n_params++] = spa_pod_builder_pop(&b, &f[0]);

    if (offer->want_header_meta) {
        params[n_params++] = spa_pod_builder_add_object(&b,
            SPA_TYPE_OBJECT_ParamMeta, SPA_PARAM_Meta,
            SPA_PARAM_META_type, SPA_POD_Id(SPA_META_Header),
            SPA_PARAM_META_size, SPA_POD_Int(sizeof(struct spa_meta_header)));
    }

    return d_pw_stream_connect(stream,
        PW_DIRECTION_INPUT,
        target_id,
        PW_STREAM_FLAG_AUTOCONNECT |
        PW_STREAM_FLAG_MAP_BUFFERS,
        params, n_params);
}

// Accessors for Go
static inline void wrap_pw_init() { d_pw_init(NULL, NULL); }
static inline struct pw_main_loop * wrap_pw_main_loop_new() { return d_pw_main_loop_new(NULL); }
static inline struct pw_context * wrap_pw_context_new(struct pw_main_loop *loop) { return d_pw_context_new(d_pw_main_loop_get_loop(loop), NULL, 0); }
static inline struct pw_core * wrap_pw_context_connect_fd(struct pw_context *context, int fd) { return d_pw_context_connect_fd(context, fd, NULL, 0); }
static inline void wrap_pw_loop_enter(struct pw_main_loop *loop) { pw_loop_enter(d_pw_main_loop_get_loop(loop)); }
static inline void wrap_pw_loop_leave(struct pw_main_loop *loop) { pw_loop_leave(d_pw_main_loop_get_loop(loop)); }
static inline int wrap_pw_loop_iterate(struct pw_main_loop *loop, int timeout_ms) { return pw_loop_iterate(d_pw_main_loop_get_loop(loop), timeout_ms); }
static inline void wrap_pw_stream_destroy(struct pw_stream *stream) { d_pw_stream_destroy(stream); }
static inline void wrap_pw_core_disconnect(struct pw_core *core) { d_pw_core_disconnect(core); }
static inline void wrap_pw_context_destroy(struct pw_context *context) { d_pw_context_destroy(context); }
static inline void wrap_pw_main_loop_destroy(struct pw_main_loop *loop) { d_pw_main_loop_destroy(loop); }
*/
import "C"
import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

var ErrLibraryNotLoaded = errors.New("libpipewire-0.3.so.0 could not be loaded")

// Stream is one connected capture stream with its own main loop. The loop
// is driven by Iterate from a single goroutine; all hooks fire there.
type Stream struct {
	loop    *C.struct_pw_main_loop
	context *C.struct_pw_context
	core    *C.struct_pw_core
	cData   *C.struct_go_stream_data

	id      int
	hooks   Hooks
	entered bool

	closeOnce sync.Once
}

var (
	streamsMu sync.Mutex
	streams   = make(map[int]*Stream)
	nextID    = 1
	libLoaded bool
	libMu     sync.Mutex
)

// IsAvailable checks if the PipeWire C library can be loaded.
func IsAvailable() bool {
	libMu.Lock()
	defer libMu.Unlock()
	if libLoaded {
		return true
	}
	if C.load_pipewire() == 1 {
		libLoaded = true
		C.wrap_pw_init()
		return true
	}
	return false
}

// Connect builds a capture stream for the given node over an already open
// PipeWire remote descriptor, advertising the offer's formats and bounds,
// and registers hooks for its events. The descriptor is duped; the caller
// keeps ownership of fd.
func Connect(fd int, nodeID uint32, offer Offer, hooks Hooks) (*Stream, error) {
	if !IsAvailable() {
		return nil, ErrLibraryNotLoaded
	}

	s := &Stream{hooks: hooks}

	streamsMu.Lock()
	s.id = nextID
	nextID++
	streamsMu.Unlock()

	// dup fd because pw_context_connect_fd takes ownership
	dupFd, err := syscall.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("dup fd: %v", err)
	}
	defer func() {
		if dupFd >= 0 {
			_ = syscall.Close(dupFd)
		}
	}()

	cleanupOnError := func(err error) (*Stream, error) {
		_ = s.Close()
		return nil, err
	}

	s.loop = C.wrap_pw_main_loop_new()
	if s.loop == nil {
		return cleanupOnError(fmt.Errorf("failed to create main loop"))
	}

	s.context = C.wrap_pw_context_new(s.loop)
	if s.context == nil {
		return cleanupOnError(fmt.Errorf("failed to create context"))
	}

	s.core = C.wrap_pw_context_connect_fd(s.context, C.int(dupFd))
	if s.core == nil {
		return cleanupOnError(fmt.Errorf("failed to connect fd"))
	}
	dupFd = -1 // ownership was transferred to PipeWire

	name := C.CString("pwgrab-capture")
	defer C.free(unsafe.Pointer(name))

	s.cData = (*C.struct_go_stream_data)(C.malloc(C.sizeof_struct_go_stream_data))
	s.cData.id = C.int(s.id)
	s.cData.stream = nil

	stream := C.create_stream(s.core, name, s.cData)
	if stream == nil {
		return cleanupOnError(fmt.Errorf("failed to create stream"))
	}
	s.cData.stream = stream

	spaFormats := make([]C.uint32_t, 0, len(offer.Formats))
	for _, f := range offer.Formats {
		if v, ok := spaFromVideoFormat(f); ok {
			spaFormats = append(spaFormats, v)
		}
	}
	if len(spaFormats) == 0 {
		return cleanupOnError(fmt.Errorf("offer carries no usable pixel formats"))
	}

	cOffer := C.struct_stream_offer{
		def_width:        C.uint32_t(offer.SizeDefault.Width),
		def_height:       C.uint32_t(offer.SizeDefault.Height),
		min_width:        C.uint32_t(offer.SizeMin.Width),
		min_height:       C.uint32_t(offer.SizeMin.Height),
		max_width:        C.uint32_t(offer.SizeMax.Width),
		max_height:       C.uint32_t(offer.SizeMax.Height),
		rate_num:         C.uint32_t(offer.Rate.Num),
		rate_denom:       C.uint32_t(offer.Rate.Denom),
		rate_min_num:     C.uint32_t(offer.RateMin.Num),
		rate_min_denom:   C.uint32_t(offer.RateMin.Denom),
		rate_max_num:     C.uint32_t(offer.RateMax.Num),
		rate_max_denom:   C.uint32_t(offer.RateMax.Denom),
		want_header_meta: boolToC(offer.WantHeaderMeta),
	}

	res := C.connect_stream(stream, C.uint32_t(nodeID),
		&spaFormats[0], C.uint32_t(len(spaFormats)), &cOffer)
	if res < 0 {
		return cleanupOnError(fmt.Errorf("failed to connect stream: %d", int(res)))
	}

	streamsMu.Lock()
	streams[s.id] = s
	streamsMu.Unlock()

	return s, nil
}

// Iterate runs the stream's main loop once, dispatching pending events on
// the calling goroutine, and returns after at most timeout.
func (s *Stream) Iterate(timeout time.Duration) error {
	if !s.entered {
		C.wrap_pw_loop_enter(s.loop)
		s.entered = true
	}

	res := C.wrap_pw_loop_iterate(s.loop, C.int(timeout.Milliseconds()))
	if res < 0 {
		return fmt.Errorf("pw_loop_iterate failed: %d", int(res))
	}
	return nil
}

// Close tears the stream down. Must be called from the goroutine that
// drove Iterate.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.entered {
			C.wrap_pw_loop_leave(s.loop)
			s.entered = false
		}

		if s.cData != nil {
			if s.cData.stream != nil {
				C.wrap_pw_stream_destroy(s.cData.stream)
			}
			C.free(unsafe.Pointer(s.cData))
			s.cData = nil
		}
		if s.core != nil {
			C.wrap_pw_core_disconnect(s.core)
			s.core = nil
		}
		if s.context != nil {
			C.wrap_pw_context_destroy(s.context)
			s.context = nil
		}
		if s.loop != nil {
			C.wrap_pw_main_loop_destroy(s.loop)
			s.loop = nil
		}

		streamsMu.Lock()
		delete(streams, s.id)
		streamsMu.Unlock()
	})

	return nil
}

func lookupStream(id C.int) *Stream {
	streamsMu.Lock()
	defer streamsMu.Unlock()
	return streams[int(id)]
}

func boolToC(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

func spaFromVideoFormat(f VideoFormat) (C.uint32_t, bool) {
	switch f {
	case FormatRGB:
		return C.SPA_VIDEO_FORMAT_RGB, true
	case FormatBGR:
		return C.SPA_VIDEO_FORMAT_BGR, true
	case FormatRGBx:
		return C.SPA_VIDEO_FORMAT_RGBx, true
	case FormatBGRx:
		return C.SPA_VIDEO_FORMAT_BGRx, true
	case FormatXBGR:
		return C.SPA_VIDEO_FORMAT_xBGR, true
	case FormatRGBA:
		return C.SPA_VIDEO_FORMAT_RGBA, true
	case FormatBGRA:
		return C.SPA_VIDEO_FORMAT_BGRA, true
	default:
		return 0, false
	}
}

func videoFormatFromSpa(format C.uint32_t) VideoFormat {
	switch format {
	case C.SPA_VIDEO_FORMAT_RGB:
		return FormatRGB
	case C.SPA_VIDEO_FORMAT_BGR:
		return FormatBGR
	case C.SPA_VIDEO_FORMAT_RGBx:
		return FormatRGBx
	case C.SPA_VIDEO_FORMAT_BGRx:
		return FormatBGRx
	case C.SPA_VIDEO_FORMAT_xBGR:
		return FormatXBGR
	case C.SPA_VIDEO_FORMAT_RGBA:
		return FormatRGBA
	case C.SPA_VIDEO_FORMAT_BGRA:
		return FormatBGRA
	default:
		return FormatUnknown
	}
}

func dataKindFromSpa(kind C.uint32_t) DataKind {
	switch kind {
	case C.SPA_DATA_MemPtr:
		return DataMemPtr
	case C.SPA_DATA_MemFd:
		return DataMemFd
	case C.SPA_DATA_DmaBuf:
		return DataDmaBuf
	default:
		return DataUnknown
	}
}

//export on_pw_state_go
func on_pw_state_go(id C.int, state C.int, cErr *C.char) {
	s := lookupStream(id)
	if s == nil || s.hooks.StateChanged == nil {
		return
	}

	msg := ""
	if cErr != nil {
		msg = C.GoString(cErr)
	}
	s.hooks.StateChanged(int(state), msg)
}

//export on_pw_format_go
func on_pw_format_go(id C.int, parseOK C.int, format, width, height C.uint32_t, modifier C.uint64_t) {
	s := lookupStream(id)
	if s == nil || s.hooks.FormatChanged == nil {
		return
	}

	if parseOK == 0 {
		s.hooks.FormatChanged(Video{}, errors.New("spa_format_video_raw_parse failed"))
		return
	}
	s.hooks.FormatChanged(Video{
		Format:   videoFormatFromSpa(format),
		Width:    uint32(width),
		Height:   uint32(height),
		Modifier: uint64(modifier),
	}, nil)
}

//export on_pw_buffer_go
func on_pw_buffer_go(id C.int, cInfo *C.struct_go_buffer_info) {
	s := lookupStream(id)
	if s == nil || s.hooks.Buffer == nil {
		return
	}

	info := &BufferInfo{
		NDatas:      uint32(cInfo.n_datas),
		Kind:        dataKindFromSpa(cInfo.data_type),
		Fd:          int(cInfo.fd),
		MaxSize:     uint32(cInfo.max_size),
		ChunkOffset: uint32(cInfo.chunk_offset),
		ChunkSize:   uint32(cInfo.chunk_size),
		HasHeader:   cInfo.has_header != 0,
		PTS:         int64(cInfo.pts),
	}
	if cInfo.data != nil && cInfo.max_size > 0 {
		info.Bytes = unsafe.Slice((*byte)(cInfo.data), int(cInfo.max_size))
	}
	s.hooks.Buffer(info)
}
