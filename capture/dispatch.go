package capture

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// frameVariant maps a negotiated pixel layout onto the closed set of frame
// variants. Alpha formats fold onto their padded counterparts: the consumer
// treats the fourth byte as padding either way.
func frameVariant(p PixelFormat) (PixelFormat, bool) {
	switch p {
	case PixelFormatRGB, PixelFormatBGR, PixelFormatRGBx, PixelFormatBGRx, PixelFormatXBGR:
		return p, true
	case PixelFormatRGBA:
		return PixelFormatRGBx, true
	case PixelFormatBGRA:
		return PixelFormatBGRx, true
	default:
		return PixelFormatUnknown, false
	}
}

// buildFrame tags raw pixel data with its frame variant and dimensions.
func buildFrame(info *VideoInfo, data []byte, pts int64) (Frame, error) {
	variant, ok := frameVariant(info.Format)
	if !ok {
		return Frame{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, info.Format)
	}
	return Frame{
		Format:      variant,
		Width:       int32(info.Width),
		Height:      int32(info.Height),
		DisplayTime: uint64(pts),
		Data:        data,
	}, nil
}

const dropLogPeriod = time.Second

// frameQueue is the one-producer delivery channel to the consumer. Sends
// never block the capture loop: when the queue is full the oldest frame is
// dropped so delivery stays close to real time. A stalled or absent
// consumer is a warning, not a fault; capture keeps running so the consumer
// can pick the channel back up.
type frameQueue struct {
	out    chan Frame
	logger *zap.Logger

	dropped     atomic.Uint64
	lastDropLog atomic.Int64
}

func newFrameQueue(depth int, logger *zap.Logger) *frameQueue {
	return &frameQueue{
		out:    make(chan Frame, depth),
		logger: logger,
	}
}

// push enqueues a frame, dropping the oldest queued frame when full.
// Only the capture goroutine calls push.
func (q *frameQueue) push(f Frame) {
	select {
	case q.out <- f:
		return
	default:
	}

	select {
	case <-q.out:
		q.noteDrop()
	default:
	}

	select {
	case q.out <- f:
	default:
		q.noteDrop()
	}
}

func (q *frameQueue) noteDrop() {
	total := q.dropped.Add(1)
	if shouldLog(&q.lastDropLog, dropLogPeriod) {
		q.logger.Warn("dropped frame, consumer is not keeping up",
			zap.Uint64("total_dropped", total),
			zap.Int("queue_len", len(q.out)),
		)
	}
}

// close releases the consumer channel. Must not race with push; the caller
// joins the capture goroutine first.
func (q *frameQueue) close() {
	close(q.out)
}

// shouldLog rate-limits repeated diagnostics to once per period.
func shouldLog(last *atomic.Int64, period time.Duration) bool {
	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
