package voxwire

// DefaultReorderWindow is how many out-of-order chunks a ReorderBuffer holds
// before declaring the gap lost and skipping ahead.
const DefaultReorderWindow = 8

// ReorderBuffer restores playback order for assistant audio chunks that
// arrive out of sequence. Chunks at or below the last released seq are
// dropped as stale; a gap that persists until the window fills is declared
// lost so playback never stalls behind a chunk that will not arrive.
//
// Sequence numbers restart at 1 for each assistant turn; call Reset between
// turns. Not safe for concurrent use.
type ReorderBuffer struct {
	window  int
	next    uint64
	pending map[uint64][]byte
	dropped uint64
}

// NewReorderBuffer returns a buffer expecting seq 1 first. A window of zero
// or less selects DefaultReorderWindow.
func NewReorderBuffer(window int) *ReorderBuffer {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	return &ReorderBuffer{
		window:  window,
		next:    1,
		pending: make(map[uint64][]byte),
	}
}

// Add accepts one chunk and returns every chunk now releasable in order.
// The slice is nil when nothing can be released yet.
func (b *ReorderBuffer) Add(seq uint64, pcm []byte) [][]byte {
	if seq < b.next {
		b.dropped++
		return nil
	}
	if seq == b.next {
		b.next++
		return b.drainRun([][]byte{pcm})
	}
	if _, dup := b.pending[seq]; dup {
		b.dropped++
		return nil
	}
	b.pending[seq] = pcm
	if len(b.pending) < b.window {
		return nil
	}

	// Window full: the missing chunk is declared lost. Resume from the
	// lowest buffered seq.
	lowest := seq
	for s := range b.pending {
		if s < lowest {
			lowest = s
		}
	}
	b.dropped += lowest - b.next
	b.next = lowest
	return b.drainRun(nil)
}

func (b *ReorderBuffer) drainRun(run [][]byte) [][]byte {
	for {
		pcm, ok := b.pending[b.next]
		if !ok {
			return run
		}
		delete(b.pending, b.next)
		b.next++
		run = append(run, pcm)
	}
}

// Reset prepares the buffer for a new turn, discarding anything pending.
func (b *ReorderBuffer) Reset() {
	b.next = 1
	b.pending = make(map[uint64][]byte)
}

// Dropped reports chunks discarded as stale, duplicate, or lost to a
// skipped gap.
func (b *ReorderBuffer) Dropped() uint64 {
	return b.dropped
}

// Pending reports chunks held waiting for an earlier seq.
func (b *ReorderBuffer) Pending() int {
	return len(b.pending)
}
