// Package audio holds PCM primitives shared by the relay, the SDK, and the
// device layer: format math for mono 16-bit little-endian streams and the
// 44-byte WAV header used when a turn is persisted as a playable artifact.
package audio

import "math"

// Format describes a raw PCM stream shape.
type Format struct {
	SampleRate    int `json:"sample_rate_hz"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// CaptureFormat is the wire format for microphone audio.
func CaptureFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// PlaybackFormat is the wire format for assistant audio.
func PlaybackFormat() Format {
	return Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// DurationMS returns the duration in milliseconds for the given byte count.
func (f Format) DurationMS(bytes int) int {
	if f.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / f.BytesPerSecond()
}

// BytesForDurationMS returns the byte count for the given duration. The result
// is rounded down to a whole sample so a slice of that length never splits a
// 16-bit frame.
func (f Format) BytesForDurationMS(ms int) int {
	n := (f.BytesPerSecond() * ms) / 1000
	align := f.Channels * (f.BitsPerSample / 8)
	if align > 0 {
		n -= n % align
	}
	return n
}

// RMSEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM, normalized to 0.0..1.0.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// PeakAmplitude returns the maximum absolute amplitude in the PCM data,
// normalized to 0.0..1.0.
func PeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 avoids overflow when negating -32768.
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// SamplesToBytes serializes int16 samples as little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// BytesToSamples parses little-endian PCM into int16 samples. A trailing odd
// byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}
