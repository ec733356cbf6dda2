package capture

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeLoop replays a scripted event sequence, one event per Iterate call,
// on the goroutine driving the loop.
type fakeLoop struct {
	hooks StreamHooks

	mu       sync.Mutex
	events   []func(StreamHooks)
	requeued []*RawBuffer
	closed   bool
}

func (l *fakeLoop) Iterate(timeout time.Duration) error {
	l.mu.Lock()
	var ev func(StreamHooks)
	if len(l.events) > 0 {
		ev = l.events[0]
		l.events = l.events[1:]
	}
	l.mu.Unlock()

	if ev == nil {
		time.Sleep(time.Millisecond)
		return nil
	}
	ev(l.hooks)
	return nil
}

func (l *fakeLoop) Requeue(b *RawBuffer) error {
	l.mu.Lock()
	l.requeued = append(l.requeued, b)
	l.mu.Unlock()
	return nil
}

func (l *fakeLoop) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLoop) requeueCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requeued)
}

func (l *fakeLoop) drained() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events) == 0
}

// waitDrained blocks until the loop has dispatched its whole script, so a
// following Stop cannot race ahead of the scripted events.
func waitDrained(t *testing.T, l *fakeLoop) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !l.drained() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the loop script to drain")
		}
		time.Sleep(time.Millisecond)
	}
}

// fakeBackend hands out a fresh fakeLoop per Connect, replaying the same
// script each time.
type fakeBackend struct {
	script     []func(StreamHooks)
	connectErr error

	mu       sync.Mutex
	connects int
	loop     *fakeLoop
}

func (b *fakeBackend) Connect(nodeID uint32, offer Offer, hooks StreamHooks) (Loop, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connectErr != nil {
		return nil, b.connectErr
	}
	loop := &fakeLoop{
		hooks:  hooks,
		events: append([]func(StreamHooks){}, b.script...),
	}
	b.loop = loop
	b.connects++
	return loop, nil
}

func (b *fakeBackend) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *fakeBackend) lastLoop() *fakeLoop {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loop
}

func formatEvent(format PixelFormat, width, height uint32) func(StreamHooks) {
	return func(h StreamHooks) {
		h.OnFormatChanged(FormatEvent{
			MediaKind: MediaKindVideoRaw,
			Info:      VideoInfo{Format: format, Width: width, Height: height},
		})
	}
}

func bufferEvent(b *RawBuffer) func(StreamHooks) {
	return func(h StreamHooks) {
		h.OnBuffer(b)
	}
}

func memBuffer(size int, pts int64) *RawBuffer {
	return &RawBuffer{
		Datas: []BufferData{MemPtr{Bytes: make([]byte, size)}},
		Metas: []Meta{{Type: MetaTypeHeader, Header: &HeaderMeta{PTS: pts}}},
	}
}

func newTestCapturer(t *testing.T, backend Backend) *Capturer {
	t.Helper()
	c, err := newCapturer(Options{Logger: zaptest.NewLogger(t)}, 42, backend, nil)
	if err != nil {
		t.Fatalf("newCapturer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFrame(t *testing.T, c *Capturer) Frame {
	t.Helper()
	select {
	case f := <-c.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return Frame{}
}

func TestCaptureRoundTrip(t *testing.T) {
	backend := &fakeBackend{script: []func(StreamHooks){
		formatEvent(PixelFormatRGBx, 640, 360),
		bufferEvent(memBuffer(640*360*4, 12345)),
	}}
	c := newTestCapturer(t, backend)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frame := waitFrame(t, c)
	if frame.Format != PixelFormatRGBx {
		t.Errorf("frame format = %s, want RGBx", frame.Format)
	}
	if frame.Width != 640 || frame.Height != 360 {
		t.Errorf("frame size = %dx%d, want 640x360", frame.Width, frame.Height)
	}
	if len(frame.Data) != 921600 {
		t.Errorf("frame data length = %d, want 921600", len(frame.Data))
	}
	if frame.DisplayTime != 12345 {
		t.Errorf("frame display time = %d, want 12345", frame.DisplayTime)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := c.state.Load(); got != stateUninitialized {
		t.Errorf("state after Stop = %d, want uninitialized", got)
	}
	if c.fault.Load() {
		t.Error("fault flag set after clean Stop")
	}
	if backend.lastLoop().requeueCount() != 1 {
		t.Errorf("requeued %d buffers, want 1", backend.lastLoop().requeueCount())
	}
}

func TestStopTwiceIsNoOp(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestCapturer(t, backend)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	// The session was constructed but never started; the capture goroutine
	// is idle-polling. Stop must still join it cleanly.
	c := newTestCapturer(t, &fakeBackend{})
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSessionReuseAfterStop(t *testing.T) {
	backend := &fakeBackend{script: []func(StreamHooks){
		formatEvent(PixelFormatBGRx, 64, 64),
		bufferEvent(memBuffer(64*64*4, 1)),
	}}
	c := newTestCapturer(t, backend)

	for round := 1; round <= 2; round++ {
		if err := c.Start(); err != nil {
			t.Fatalf("Start round %d: %v", round, err)
		}
		waitFrame(t, c)
		if err := c.Stop(); err != nil {
			t.Fatalf("Stop round %d: %v", round, err)
		}
	}

	if got := backend.connectCount(); got != 2 {
		t.Errorf("backend connected %d times, want 2", got)
	}
}

func TestBadBufferDoesNotEndSession(t *testing.T) {
	backend := &fakeBackend{script: []func(StreamHooks){
		formatEvent(PixelFormatRGBx, 16, 16),
		bufferEvent(&RawBuffer{Datas: []BufferData{unknownTransport{kind: 99}}}),
		bufferEvent(memBuffer(16*16*4, 7)),
	}}
	c := newTestCapturer(t, backend)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frame := waitFrame(t, c)
	if frame.DisplayTime != 7 {
		t.Errorf("got frame with pts %d, want the frame after the bad buffer (pts 7)", frame.DisplayTime)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Both buffers, good and bad, must have been handed back.
	if got := backend.lastLoop().requeueCount(); got != 2 {
		t.Errorf("requeued %d buffers, want 2", got)
	}
}

func TestBufferBeforeFormatIsSkipped(t *testing.T) {
	backend := &fakeBackend{script: []func(StreamHooks){
		bufferEvent(memBuffer(1024, 3)),
		formatEvent(PixelFormatRGB, 8, 8),
		bufferEvent(memBuffer(8*8*3, 4)),
	}}
	c := newTestCapturer(t, backend)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frame := waitFrame(t, c)
	if frame.DisplayTime != 4 {
		t.Errorf("got frame with pts %d, want 4 (pre-format buffer skipped)", frame.DisplayTime)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := backend.lastLoop().requeueCount(); got != 2 {
		t.Errorf("requeued %d buffers, want 2", got)
	}
}

func TestUnsupportedModifierEndsSession(t *testing.T) {
	backend := &fakeBackend{script: []func(StreamHooks){
		func(h StreamHooks) {
			h.OnFormatChanged(FormatEvent{
				MediaKind: MediaKindVideoRaw,
				Info:      VideoInfo{Format: PixelFormatRGBx, Width: 8, Height: 8, Modifier: 0x0100000000000002},
			})
		},
		bufferEvent(&RawBuffer{Datas: []BufferData{DmaBuf{Fd: -1}}}),
	}}
	c := newTestCapturer(t, backend)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, backend.lastLoop())

	err := c.Stop()
	if !errors.Is(err, ErrUnsupportedModifier) {
		t.Fatalf("Stop error = %v, want ErrUnsupportedModifier", err)
	}
	if got := backend.lastLoop().requeueCount(); got != 1 {
		t.Errorf("requeued %d buffers, want 1", got)
	}
}

func TestFormatParseErrorEndsSession(t *testing.T) {
	backend := &fakeBackend{script: []func(StreamHooks){
		func(h StreamHooks) {
			h.OnFormatChanged(FormatEvent{
				MediaKind: MediaKindVideoRaw,
				Err:       errors.New("garbled parameters"),
			})
		},
	}}
	c := newTestCapturer(t, backend)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, backend.lastLoop())

	err := c.Stop()
	if err == nil || !strings.Contains(err.Error(), "parse negotiated format") {
		t.Fatalf("Stop error = %v, want format parse failure", err)
	}
}

func TestNonVideoFormatIgnored(t *testing.T) {
	backend := &fakeBackend{script: []func(StreamHooks){
		func(h StreamHooks) {
			h.OnFormatChanged(FormatEvent{MediaKind: "audio/raw"})
		},
	}}
	c := newTestCapturer(t, backend)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, backend.lastLoop())
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := c.Format(); ok {
		t.Error("non-video format event must not settle the session format")
	}
}

func TestStreamErrorRaisesFault(t *testing.T) {
	backend := &fakeBackend{script: []func(StreamHooks){
		func(h StreamHooks) {
			h.OnStateChanged(StreamStateError, "remote went away")
		},
	}}
	c := newTestCapturer(t, backend)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDrained(t, backend.lastLoop())

	err := c.Stop()
	if err == nil || !strings.Contains(err.Error(), "remote went away") {
		t.Fatalf("Stop error = %v, want stream error", err)
	}
	if c.fault.Load() {
		t.Error("fault flag must be cleared after Stop joins the goroutine")
	}
}

func TestConnectFailureSurfacesAtConstruction(t *testing.T) {
	wantErr := errors.New("node is gone")
	_, err := newCapturer(Options{}, 42, &fakeBackend{connectErr: wantErr}, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("newCapturer error = %v, want %v", err, wantErr)
	}
}

// blockingBackend never finishes connecting until released.
type blockingBackend struct {
	release chan struct{}
}

func (b *blockingBackend) Connect(nodeID uint32, offer Offer, hooks StreamHooks) (Loop, error) {
	<-b.release
	return nil, errors.New("released")
}

func TestSetupTimeout(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{})}
	t.Cleanup(func() { close(backend.release) })

	_, err := newCapturer(Options{SetupTimeout: 50 * time.Millisecond}, 42, backend, nil)
	if !errors.Is(err, ErrSetupTimeout) {
		t.Fatalf("newCapturer error = %v, want ErrSetupTimeout", err)
	}
}

// gatedBackend delegates to inner, except that connect attempt blockCall
// blocks until released and then fails.
type gatedBackend struct {
	inner     *fakeBackend
	blockCall int
	release   chan struct{}

	mu    sync.Mutex
	calls int
}

func (b *gatedBackend) Connect(nodeID uint32, offer Offer, hooks StreamHooks) (Loop, error) {
	b.mu.Lock()
	b.calls++
	blocked := b.calls == b.blockCall
	b.mu.Unlock()

	if blocked {
		<-b.release
		return nil, errors.New("gave up connecting")
	}
	return b.inner.Connect(nodeID, offer, hooks)
}

func TestStartAfterTimedOutStart(t *testing.T) {
	backend := &gatedBackend{
		inner: &fakeBackend{script: []func(StreamHooks){
			formatEvent(PixelFormatRGBx, 32, 32),
			bufferEvent(memBuffer(32*32*4, 1)),
		}},
		blockCall: 2,
		release:   make(chan struct{}),
	}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(backend.release) }) }
	t.Cleanup(release)

	c, err := newCapturer(Options{SetupTimeout: 50 * time.Millisecond, Logger: zaptest.NewLogger(t)}, 42, backend, nil)
	if err != nil {
		t.Fatalf("newCapturer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	waitFrame(t, c)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The respawn hangs in Connect past the deadline.
	if err := c.Start(); !errors.Is(err, ErrSetupTimeout) {
		t.Fatalf("Start error = %v, want ErrSetupTimeout", err)
	}
	if got := c.state.Load(); got != stateUninitialized {
		t.Fatalf("control word after failed Start = %d, want %d (uninitialized)", got, stateUninitialized)
	}

	// Once the backend recovers, the same session must capture again.
	release()

	if err := c.Start(); err != nil {
		t.Fatalf("Start after recovery: %v", err)
	}
	waitFrame(t, c)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop after recovery: %v", err)
	}
}

func TestFormatReportsNegotiation(t *testing.T) {
	backend := &fakeBackend{script: []func(StreamHooks){
		formatEvent(PixelFormatBGRx, 1920, 1080),
	}}
	c := newTestCapturer(t, backend)

	if _, ok := c.Format(); ok {
		t.Error("Format must report not-negotiated before any format event")
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if info, ok := c.Format(); ok {
			if info.Format != PixelFormatBGRx || info.Width != 1920 || info.Height != 1080 {
				t.Errorf("Format = %+v, want BGRx 1920x1080", info)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for format negotiation")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCloseClosesFrameChannel(t *testing.T) {
	c := newTestCapturer(t, &fakeBackend{})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-c.Frames(); ok {
		t.Error("frame channel must be closed after Close")
	}
	// Close again must not panic or re-run teardown.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
