package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WAVHeaderSize is the size of the canonical 44-byte RIFF/WAVE header.
const WAVHeaderSize = 44

// WAVHeader is the canonical 44-byte PCM WAV header.
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + Subchunk2Size
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// NewWAVHeader builds a header for the given PCM payload size and format.
func NewWAVHeader(dataSize int, f Format) WAVHeader {
	blockAlign := f.Channels * (f.BitsPerSample / 8)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}
}

// EncodeWAV wraps raw little-endian PCM in a playable WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 {
		return nil, fmt.Errorf("invalid audio format %+v", f)
	}

	header := NewWAVHeader(len(pcm), f)
	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	if _, err := buf.Write(pcm); err != nil {
		return nil, fmt.Errorf("write wav data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV parses a PCM WAV file and returns the raw payload and its format.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < WAVHeaderSize {
		return nil, Format{}, fmt.Errorf("wav data too short: %d bytes", len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, Format{}, fmt.Errorf("read wav header: %w", err)
	}

	if string(header.ChunkID[:]) != "RIFF" || string(header.Format[:]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("not a wav file")
	}
	if header.AudioFormat != 1 {
		return nil, Format{}, fmt.Errorf("unsupported wav audio format %d", header.AudioFormat)
	}
	if string(header.Subchunk2ID[:]) != "data" {
		return nil, Format{}, fmt.Errorf("unexpected wav subchunk %q", header.Subchunk2ID)
	}

	f := Format{
		SampleRate:    int(header.SampleRate),
		Channels:      int(header.NumChannels),
		BitsPerSample: int(header.BitsPerSample),
	}

	payload := data[WAVHeaderSize:]
	if int(header.Subchunk2Size) < len(payload) {
		payload = payload[:header.Subchunk2Size]
	}

	return payload, f, nil
}
