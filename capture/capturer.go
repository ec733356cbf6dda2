package capture

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Control word values shared between the controlling goroutine and the
// capture goroutine. Only the controlling goroutine writes capturing and
// stopped; the capture goroutine polls.
const (
	stateUninitialized uint32 = iota
	stateCapturing
	stateStopped
)

const (
	// idlePollInterval paces the capture goroutine while it waits for
	// Start after connecting.
	idlePollInterval = 10 * time.Millisecond

	// loopPollTimeout bounds one iteration of the stream event loop, and
	// with it how stale a Stop or fault observation can be.
	loopPollTimeout = 100 * time.Millisecond
)

// Capturer is one capture session: a portal-negotiated stream, a dedicated
// capture goroutine hosting the stream event loop, and a bounded frame
// channel toward the consumer. At most one capture goroutine exists per
// session.
type Capturer struct {
	opts    Options
	logger  *zap.Logger
	backend Backend
	nodeID  uint32
	cleanup io.Closer

	state  atomic.Uint32
	fault  atomic.Bool
	format atomic.Pointer[VideoInfo]

	ext   *extractor
	queue *frameQueue

	mu   sync.Mutex // guards done and start/stop transitions
	done chan error

	closeOnce sync.Once
	closeErr  error
}

// loopState belongs to a single capture goroutine: the hooks write it only
// from inside Loop.Iterate, and the goroutine reads it between iterations.
// A spawn abandoned at the setup deadline keeps its own state, so it never
// races a successor.
type loopState struct {
	loop Loop
	err  error
}

// New negotiates a screen stream through the session portal, spawns the
// capture goroutine and blocks until the stream is connected and ready.
// The session starts idle; call Start to begin frame production.
func New(opts Options) (*Capturer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	nodeID, cleanup, backend, err := connect(opts)
	if err != nil {
		return nil, err
	}

	c, err := newCapturer(opts, nodeID, backend, cleanup)
	if err != nil {
		if cleanup != nil {
			_ = cleanup.Close()
		}
		return nil, err
	}
	return c, nil
}

// newCapturer wires a session around an already negotiated stream id.
func newCapturer(opts Options, nodeID uint32, backend Backend, cleanup io.Closer) (*Capturer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Capturer{
		opts:    opts,
		logger:  opts.Logger,
		backend: backend,
		nodeID:  nodeID,
		cleanup: cleanup,
		ext:     newExtractor(),
		queue:   newFrameQueue(opts.QueueDepth, opts.Logger),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.spawnLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// spawnLocked starts the capture goroutine and waits for its readiness
// handshake. The handshake channel is consumed exactly once; a negative
// ack or a deadline hit fails the spawn.
func (c *Capturer) spawnLocked() error {
	ready := make(chan error, 1)
	done := make(chan error, 1)
	abandoned := make(chan struct{})

	go func() {
		done <- c.run(ready, abandoned)
	}()

	select {
	case err := <-ready:
		if err != nil {
			<-done
			return fmt.Errorf("capture setup: %w", err)
		}
	case <-time.After(c.opts.SetupTimeout):
		select {
		case err := <-ready:
			// Connected just as the deadline fired; keep the spawn.
			if err != nil {
				<-done
				return fmt.Errorf("capture setup: %w", err)
			}
		default:
			// Still blocked connecting. Disown the spawn so it exits as
			// soon as it can, reap it in the background, and leave the
			// control word untouched so the session stays usable.
			close(abandoned)
			go func() { <-done }()
			return ErrSetupTimeout
		}
	}

	c.done = done
	return nil
}

// run is the capture goroutine: connect the stream, ack readiness, idle
// until Start, then iterate the backend's event loop until the
// control word leaves capturing or a fault is raised. An abandoned spawn
// exits before it ever iterates.
func (c *Capturer) run(ready chan<- error, abandoned <-chan struct{}) error {
	// The stream event loop is thread-affine.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	st := &loopState{}
	loop, err := c.backend.Connect(c.nodeID, buildOffer(c.opts.FPS), c.hooks(st))
	if err != nil {
		ready <- err
		return err
	}
	st.loop = loop
	defer func() {
		if err := loop.Close(); err != nil {
			c.logger.Warn("closing stream loop", zap.Error(err))
		}
	}()

	ready <- nil

	for c.state.Load() == stateUninitialized {
		select {
		case <-abandoned:
			return nil
		default:
		}
		time.Sleep(idlePollInterval)
	}

	// A control-word transition stored for a successor spawn must not start
	// this one.
	select {
	case <-abandoned:
		return nil
	default:
	}

	for c.state.Load() == stateCapturing && !c.fault.Load() {
		if err := loop.Iterate(loopPollTimeout); err != nil {
			return fmt.Errorf("stream iterate: %w", err)
		}
		if st.err != nil {
			return st.err
		}
	}

	return st.err
}

func (c *Capturer) hooks(st *loopState) StreamHooks {
	return StreamHooks{
		OnFormatChanged: func(e FormatEvent) { c.onFormatChanged(st, e) },
		OnStateChanged:  func(state StreamState, msg string) { c.onStateChanged(st, state, msg) },
		OnBuffer:        func(b *RawBuffer) { c.onBuffer(st, b) },
	}
}

func (c *Capturer) onFormatChanged(st *loopState, e FormatEvent) {
	if e.MediaKind != MediaKindVideoRaw {
		return
	}
	if e.Err != nil {
		// An unparseable format means an incompatible backend.
		// Not retried.
		st.err = fmt.Errorf("parse negotiated format: %w", e.Err)
		return
	}

	info := e.Info
	c.format.Store(&info)
	c.logger.Info("negotiated stream format",
		zap.Stringer("format", info.Format),
		zap.Uint32("width", info.Width),
		zap.Uint32("height", info.Height),
		zap.Uint64("modifier", info.Modifier),
	)
}

func (c *Capturer) onStateChanged(st *loopState, state StreamState, msg string) {
	c.logger.Debug("stream state changed", zap.Stringer("state", state))
	if state != StreamStateError {
		return
	}
	c.logger.Error("stream entered error state", zap.String("reason", msg))
	if st.err == nil {
		st.err = fmt.Errorf("stream error state: %s", msg)
	}
	c.fault.Store(true)
}

// onBuffer extracts and dispatches one borrowed buffer. The buffer is
// requeued to the backend on every path out of this function.
func (c *Capturer) onBuffer(st *loopState, b *RawBuffer) {
	defer func() {
		if err := st.loop.Requeue(b); err != nil {
			c.logger.Warn("requeue buffer", zap.Error(err))
		}
	}()

	info := c.format.Load()
	if info == nil {
		c.logger.Warn("buffer arrived before format negotiation, skipping")
		return
	}

	data, pts, err := c.ext.extract(b, info)
	if err != nil {
		if errors.Is(err, ErrUnsupportedModifier) {
			st.err = err
			return
		}
		// A single bad buffer does not end a long-running capture.
		c.logger.Warn("skipping buffer", zap.Error(err))
		return
	}
	if data == nil {
		return
	}

	frame, err := buildFrame(info, data, pts)
	if err != nil {
		st.err = err
		return
	}
	c.queue.push(frame)
}

// Start begins frame production. After a Stop, Start reconnects the stream
// negotiated at construction and resumes on the same session.
func (c *Capturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Load() == stateCapturing {
		return nil
	}
	if c.done == nil {
		if err := c.spawnLocked(); err != nil {
			return err
		}
	}
	c.state.Store(stateCapturing)
	return nil
}

// Stop halts frame production and joins the capture goroutine. The
// goroutine's exit error, if any, is logged and returned. Stop on an
// already stopped session is a no-op.
func (c *Capturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Capturer) stopLocked() error {
	if c.done == nil {
		return nil
	}

	c.state.Store(stateStopped)
	err := <-c.done
	c.done = nil

	// Reset so the session can capture again without reconstruction.
	c.state.Store(stateUninitialized)
	c.fault.Store(false)

	if err != nil {
		c.logger.Error("capture loop exited with error", zap.Error(err))
	}
	return err
}

// Frames returns the frame delivery channel. The channel is closed by
// Close; a slow consumer loses oldest frames rather than blocking capture.
func (c *Capturer) Frames() <-chan Frame {
	return c.queue.out
}

// Format returns the negotiated stream format, once known.
func (c *Capturer) Format() (VideoInfo, bool) {
	if info := c.format.Load(); info != nil {
		return *info, true
	}
	return VideoInfo{}, false
}

// Close stops capture, releases the portal session and closes the frame
// channel. The session is unusable afterwards.
func (c *Capturer) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		err := c.stopLocked()
		c.mu.Unlock()

		if c.cleanup != nil {
			err = errors.Join(err, c.cleanup.Close())
		}
		c.queue.close()
		c.closeErr = err
	})
	return c.closeErr
}
