package audio

import "testing"

func TestFormat_ByteMath(t *testing.T) {
	f := CaptureFormat()

	if got := f.BytesPerSecond(); got != 32000 {
		t.Fatalf("BytesPerSecond = %d, want 32000", got)
	}
	if got := f.DurationMS(32000); got != 1000 {
		t.Fatalf("DurationMS(32000) = %d, want 1000", got)
	}
	if got := f.BytesForDurationMS(100); got != 3200 {
		t.Fatalf("BytesForDurationMS(100) = %d, want 3200", got)
	}
}

func TestFormat_BytesForDurationAligned(t *testing.T) {
	f := Format{SampleRate: 44100, Channels: 1, BitsPerSample: 16}

	n := f.BytesForDurationMS(23)
	if n%2 != 0 {
		t.Fatalf("BytesForDurationMS(23) = %d, want sample aligned", n)
	}
}

func TestRMSEnergy_Silence(t *testing.T) {
	silence := make([]byte, 640)

	if got := RMSEnergy(silence); got != 0 {
		t.Fatalf("RMSEnergy(silence) = %f, want 0", got)
	}
	if got := RMSEnergy(nil); got != 0 {
		t.Fatalf("RMSEnergy(nil) = %f, want 0", got)
	}
}

func TestRMSEnergy_FullScale(t *testing.T) {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = 32767
	}

	got := RMSEnergy(SamplesToBytes(samples))
	if got < 0.99 || got > 1.0 {
		t.Fatalf("RMSEnergy(full scale) = %f, want ~1.0", got)
	}
}

func TestPeakAmplitude_MinInt16(t *testing.T) {
	pcm := SamplesToBytes([]int16{0, -32768, 12})

	if got := PeakAmplitude(pcm); got != 1.0 {
		t.Fatalf("PeakAmplitude = %f, want 1.0", got)
	}
}

func TestSampleConversion_RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234, -4321}

	out := BytesToSamples(SamplesToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("round trip length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestBytesToSamples_OddTrailingByte(t *testing.T) {
	out := BytesToSamples([]byte{0x01, 0x02, 0x03})

	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if out[0] != 0x0201 {
		t.Fatalf("sample = %#x, want 0x0201", out[0])
	}
}
