package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/voxwire-ai/voxwire/pkg/audio"
)

// PlaybackSource supplies PCM to the playback device. TryNext must not
// block; it is called from the audio thread.
type PlaybackSource interface {
	TryNext() ([]byte, bool)
}

// Playback renders 24 kHz mono s16le through the default speaker, pulling
// from a PlaybackSource. When no source is bound, or the source has nothing
// deliverable, the device plays silence.
type Playback struct {
	device *malgo.Device
	format audio.Format

	mu       sync.Mutex
	source   PlaybackSource
	leftover []byte
}

func NewPlayback(ctx *Context) (*Playback, error) {
	if ctx == nil || ctx.ctx == nil {
		return nil, errors.New("audio context is not initialized")
	}
	p := &Playback{
		format: audio.PlaybackFormat(),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.SampleRate = uint32(p.format.SampleRate)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(p.format.Channels)
	deviceConfig.Alsa.NoMMap = 1
	deviceConfig.PeriodSizeInFrames = uint32(p.format.SampleRate / 10)
	deviceConfig.Periods = 4

	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * p.format.Channels
	device, err := malgo.InitDevice(ctx.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			p.fill(pOutput[:int(frameCount)*bytesPerFrame])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	p.device = device
	return p, nil
}

// Bind attaches the PCM source. Call before Start; rebinding mid-stream also
// drops any buffered remainder from the previous source.
func (p *Playback) Bind(source PlaybackSource) {
	p.mu.Lock()
	p.source = source
	p.leftover = nil
	p.mu.Unlock()
}

func (p *Playback) Start() error {
	if p.device == nil {
		return errors.New("playback is closed")
	}
	if p.device.IsStarted() {
		return nil
	}
	if err := p.device.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}
	return nil
}

func (p *Playback) Stop() error {
	if p.device == nil || !p.device.IsStarted() {
		return nil
	}
	if err := p.device.Stop(); err != nil {
		return fmt.Errorf("stop playback device: %w", err)
	}
	return nil
}

// Clear drops the partially rendered chunk held back from the last fill.
// Call after clearing the source so an interrupt silences everything not
// yet submitted to the device.
func (p *Playback) Clear() {
	p.mu.Lock()
	p.leftover = nil
	p.mu.Unlock()
}

func (p *Playback) Close() {
	device := p.device
	p.device = nil
	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
}

// fill copies queued PCM into the device buffer. malgo pre-silences the
// buffer, so an early return plays silence for the remainder.
func (p *Playback) fill(out []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return
	}
	filled := 0
	for filled < len(out) {
		if len(p.leftover) > 0 {
			n := copy(out[filled:], p.leftover)
			filled += n
			p.leftover = p.leftover[n:]
			continue
		}
		chunk, ok := p.source.TryNext()
		if !ok {
			return
		}
		p.leftover = chunk
	}
}
