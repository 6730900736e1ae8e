package session

import (
	"strings"
	"time"
)

// Accumulated turn audio beyond this size is not archived; the transcript
// still is. Roughly six minutes of 24 kHz mono s16le.
const maxTurnArtifactBytes = 16 << 20

// assistantTurn accumulates one assistant response: outbound audio seq
// numbering, the transcript fed by the dedicated transcription stream, and
// the PCM destined for the audio artifact. Owned by the session loop; no
// locking. A turn is committed exactly once, on the upstream turn-complete
// signal, and only if it was never canceled.
type assistantTurn struct {
	id        string
	startedAt time.Time

	seq             uint64
	transcript      strings.Builder
	pcm             []byte
	artifactClipped bool

	canceled bool
}

func newAssistantTurn(id string, startedAt time.Time) *assistantTurn {
	return &assistantTurn{id: id, startedAt: startedAt}
}

// nextSeq returns the next outbound audio sequence number, starting at 1.
func (t *assistantTurn) nextSeq() uint64 {
	t.seq++
	return t.seq
}

func (t *assistantTurn) appendTranscript(delta string) {
	t.transcript.WriteString(delta)
}

func (t *assistantTurn) appendAudio(pcm []byte) {
	if t.artifactClipped {
		return
	}
	if len(t.pcm)+len(pcm) > maxTurnArtifactBytes {
		t.artifactClipped = true
		return
	}
	t.pcm = append(t.pcm, pcm...)
}

// finalTranscript returns the committed transcript text.
func (t *assistantTurn) finalTranscript() string {
	return t.transcript.String()
}
