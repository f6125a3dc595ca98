// Package capture turns a live microphone device into a stream of
// fixed-size float32 frames and a bounded loudness metric.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/lingopal-ai/lingopal/pkg/pcm"
)

var (
	// ErrPermissionDenied reports that the user declined microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	// ErrDeviceUnavailable reports that no audio input device exists.
	ErrDeviceUnavailable = errors.New("capture: no audio input device")
)

// Device is a microphone input producing s16le mono bytes at the capture
// sample rate. Implementations map their own failure modes onto
// ErrPermissionDenied / ErrDeviceUnavailable from Start.
type Device interface {
	Start(ctx context.Context) error
	Read(p []byte) (int, error)
	Close() error
}

// Pipeline pulls device bytes, assembles 4096-sample frames, computes the
// loudness metric, and hands each frame to the registered consumer. Frame
// delivery is independent of transport state; frames with no registered
// consumer are dropped, never queued, because stale audio has no value once
// late.
type Pipeline struct {
	device Device
	logger *slog.Logger

	onFrame func([]float32)
	onError func(error)

	level atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wraps a device. The zero logger falls back to slog.Default.
func New(device Device, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{device: device, logger: logger}
}

// OnFrame registers the single frame consumer. Register before Start.
func (p *Pipeline) OnFrame(fn func([]float32)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFrame = fn
}

// OnError registers a callback invoked once if the pump fails mid-stream.
// A clean end of stream is not an error.
func (p *Pipeline) OnError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

// Start acquires the device and begins pumping frames. It fails with
// ErrPermissionDenied or ErrDeviceUnavailable (wrapped) when the device
// cannot be acquired.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("capture: already started")
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	p.started = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	if err := p.device.Start(pumpCtx); err != nil {
		cancel()
		close(p.done)
		return err
	}

	go p.pump(pumpCtx)
	return nil
}

// Level reports the most recent bounded loudness metric in [0, 1].
func (p *Pipeline) Level() float64 {
	return math.Float64frombits(p.level.Load())
}

// Stop cancels the pump and releases the device handle. Idempotent, and
// safe to call before Start.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = p.device.Close()
	if done != nil {
		<-done
	}
	p.level.Store(0)
}

func (p *Pipeline) pump(ctx context.Context) {
	defer close(p.done)

	buf := make([]byte, pcm.FrameSamples*2)
	frame := make([]float32, 0, pcm.FrameSamples)
	var carry []byte

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := p.device.Read(buf)
		if n > 0 {
			// A read may split a sample; carry the dangling byte into the
			// next read so alignment is never lost mid-stream.
			data := append(carry, buf[:n]...)
			if len(data)%2 != 0 {
				carry = []byte{data[len(data)-1]}
				data = data[:len(data)-1]
			} else {
				carry = nil
			}
			frame = append(frame, pcm.DecodePCM16(data)...)
			for len(frame) >= pcm.FrameSamples {
				p.emit(frame[:pcm.FrameSamples])
				frame = append(frame[:0], frame[pcm.FrameSamples:]...)
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			p.logger.Warn("capture: device read failed", "err", err)
			p.mu.Lock()
			onError := p.onError
			p.mu.Unlock()
			if onError != nil {
				onError(err)
			}
			return
		}
	}
}

func (p *Pipeline) emit(frame []float32) {
	p.level.Store(math.Float64bits(pcm.Level(frame)))

	p.mu.Lock()
	onFrame := p.onFrame
	p.mu.Unlock()
	if onFrame == nil {
		return
	}
	// The consumer owns the handed-off copy; the accumulator is reused.
	out := make([]float32, pcm.FrameSamples)
	copy(out, frame)
	onFrame(out)
}
