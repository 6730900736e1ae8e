package voxwire

import (
	"sync"

	"github.com/voxwire-ai/voxwire/pkg/audio"
)

// DefaultMinBufferMS is the playback pre-buffer floor: delivery holds until
// this much audio is queued, absorbing network jitter at turn start.
const DefaultMinBufferMS = 240

// AudioOutputConfig tunes an AudioOutput.
type AudioOutputConfig struct {
	// MinBufferMS is the pre-buffer floor in milliseconds. Zero selects
	// DefaultMinBufferMS; a negative value disables pre-buffering.
	MinBufferMS int
}

// AudioOutput is a FIFO of assistant PCM between the session read loop and
// the playback device. Chunks buffer until the pre-buffer floor is reached,
// then drain strictly in order. Clear empties everything atomically, so
// after an interrupt no stale chunk can reach the speaker.
type AudioOutput struct {
	format   audio.Format
	minBytes int

	mu       sync.Mutex
	cond     *sync.Cond
	pending  [][]byte
	buffered int
	open     bool
	ended    bool
	closed   bool

	drained chan struct{}
}

// NewAudioOutput returns an output for mono s16le PCM at the given sample
// rate.
func NewAudioOutput(sampleRate int, cfg AudioOutputConfig) *AudioOutput {
	format := audio.Format{SampleRate: sampleRate, Channels: 1, BitsPerSample: 16}
	minMS := cfg.MinBufferMS
	if minMS == 0 {
		minMS = DefaultMinBufferMS
	}
	minBytes := 0
	if minMS > 0 {
		minBytes = format.BytesForDurationMS(minMS)
	}
	out := &AudioOutput{
		format:   format,
		minBytes: minBytes,
		drained:  make(chan struct{}, 1),
	}
	out.cond = sync.NewCond(&out.mu)
	out.open = minBytes <= 0
	return out
}

// Push queues one chunk. The data is copied; the caller may reuse pcm.
func (o *AudioOutput) Push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	chunk := append([]byte(nil), pcm...)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.ended && len(o.pending) == 0 {
		// New stream after the previous one drained.
		o.ended = false
		o.open = o.minBytes <= 0
	}
	o.pending = append(o.pending, chunk)
	o.buffered += len(chunk)
	if o.buffered >= o.minBytes {
		o.open = true
	}
	o.cond.Broadcast()
}

// EndStream marks the current stream complete. Anything still below the
// pre-buffer floor is released for playback.
func (o *AudioOutput) EndStream() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.ended = true
	o.open = true
	if len(o.pending) == 0 {
		o.signalDrained()
	}
	o.cond.Broadcast()
}

// Next blocks until a chunk is available and returns it, or returns false
// once the output is closed.
func (o *AudioOutput) Next() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		if o.closed {
			return nil, false
		}
		if o.open && len(o.pending) > 0 {
			return o.popLocked(), true
		}
		o.cond.Wait()
	}
}

// TryNext returns the next chunk without blocking, or false when nothing is
// deliverable. Safe to call from an audio device callback.
func (o *AudioOutput) TryNext() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.open || len(o.pending) == 0 {
		return nil, false
	}
	return o.popLocked(), true
}

func (o *AudioOutput) popLocked() []byte {
	chunk := o.pending[0]
	o.pending = o.pending[1:]
	o.buffered -= len(chunk)
	if o.ended && len(o.pending) == 0 {
		o.signalDrained()
	}
	return chunk
}

// Clear discards everything queued and re-arms the pre-buffer floor for the
// next stream. Once Clear returns, no chunk queued before it can be
// delivered.
func (o *AudioOutput) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.pending = nil
	o.buffered = 0
	o.open = o.minBytes <= 0
	o.ended = false
	// Drop a stale drain pulse from the previous stream.
	select {
	case <-o.drained:
	default:
	}
}

// Drained pulses after the last chunk of an ended stream is handed out, and
// is closed when the output closes.
func (o *AudioOutput) Drained() <-chan struct{} {
	return o.drained
}

// BufferedMS reports queued audio in milliseconds.
func (o *AudioOutput) BufferedMS() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.format.DurationMS(o.buffered)
}

// Close releases all waiters. The output delivers nothing afterwards.
func (o *AudioOutput) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.pending = nil
	o.buffered = 0
	close(o.drained)
	o.cond.Broadcast()
}

// signalDrained is called with mu held; the closed check in every caller
// keeps the send from racing Close.
func (o *AudioOutput) signalDrained() {
	select {
	case o.drained <- struct{}{}:
	default:
	}
}
