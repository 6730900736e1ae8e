package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/voxwire-ai/voxwire/pkg/audio"
)

// CaptureFrameMS is the fixed mic frame duration. Raw device periods are
// reassembled into frames of exactly this length.
const CaptureFrameMS = 100

// DefaultCaptureQueueFrames bounds the frame queue at ~3.2 s of audio.
const DefaultCaptureQueueFrames = 32

// Frame is one captured mic frame. Seq is 1-based and monotonically
// increasing for the lifetime of the Capture; gaps mean frames were dropped
// under overflow.
type Frame struct {
	Seq uint64
	PCM []byte
}

type CaptureConfig struct {
	// QueueFrames bounds the outbound frame queue. When full, the oldest
	// frame is dropped. Zero selects DefaultCaptureQueueFrames.
	QueueFrames int
}

// Capture records 16 kHz mono s16le from the default microphone, frames it
// into fixed 100 ms chunks, and delivers them on Frames. Warm spins the
// device up ahead of time with the recording gate closed; Start and Stop
// open and close the gate around the listening phase without paying device
// startup latency. The device runs until Close.
type Capture struct {
	device *malgo.Device
	format audio.Format

	frameBytes int
	frames     chan Frame
	dropped    atomic.Uint64

	mu         sync.Mutex
	assembling []byte
	seq        uint64
	started    bool
	closed     bool
}

func newCaptureCore(cfg CaptureConfig) *Capture {
	queueFrames := cfg.QueueFrames
	if queueFrames <= 0 {
		queueFrames = DefaultCaptureQueueFrames
	}
	format := audio.CaptureFormat()
	return &Capture{
		format:     format,
		frameBytes: format.BytesForDurationMS(CaptureFrameMS),
		frames:     make(chan Frame, queueFrames),
	}
}

func NewCapture(ctx *Context, cfg CaptureConfig) (*Capture, error) {
	if ctx == nil || ctx.ctx == nil {
		return nil, errors.New("audio context is not initialized")
	}
	c := newCaptureCore(cfg)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.SampleRate = uint32(c.format.SampleRate)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(c.format.Channels)
	deviceConfig.Alsa.NoMMap = 1
	deviceConfig.PerformanceProfile = malgo.LowLatency
	deviceConfig.PeriodSizeInMilliseconds = 20

	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * c.format.Channels
	device, err := malgo.InitDevice(ctx.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(pInput) < n {
				return
			}
			c.ingest(pInput[:n])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	c.device = device
	return c, nil
}

// Warm starts the device without opening the recording gate, so the first
// Start adds no device startup latency. Idempotent.
func (c *Capture) Warm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("capture is closed")
	}
	return c.startDeviceLocked()
}

// Start opens the recording gate. Idempotent while already recording.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("capture is closed")
	}
	if c.started {
		return nil
	}
	if err := c.startDeviceLocked(); err != nil {
		return err
	}
	c.started = true
	return nil
}

func (c *Capture) startDeviceLocked() error {
	if c.device == nil || c.device.IsStarted() {
		return nil
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	return nil
}

// Stop closes the recording gate and flushes any partial frame so trailing
// speech is not lost. The device keeps running warm until Close.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	if len(c.assembling) > 0 {
		c.pushLocked(c.assembling)
		c.assembling = nil
	}
	return nil
}

// Frames yields captured frames. The channel is never closed; stop reading
// when the session ends.
func (c *Capture) Frames() <-chan Frame {
	return c.frames
}

// Dropped reports frames discarded because the queue overflowed.
func (c *Capture) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Capture) Close() {
	c.mu.Lock()
	c.closed = true
	c.started = false
	c.assembling = nil
	device := c.device
	c.device = nil
	c.mu.Unlock()

	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
}

// ingest accumulates raw device periods and cuts fixed-size frames.
func (c *Capture) ingest(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed {
		return
	}
	c.assembling = append(c.assembling, pcm...)
	for len(c.assembling) >= c.frameBytes {
		frame := make([]byte, c.frameBytes)
		copy(frame, c.assembling[:c.frameBytes])
		c.assembling = c.assembling[c.frameBytes:]
		c.pushLocked(frame)
	}
}

// pushLocked queues one frame, dropping the oldest when the queue is full.
func (c *Capture) pushLocked(pcm []byte) {
	c.seq++
	frame := Frame{Seq: c.seq, PCM: pcm}
	for {
		select {
		case c.frames <- frame:
			return
		default:
		}
		select {
		case <-c.frames:
			c.dropped.Add(1)
		default:
		}
	}
}
