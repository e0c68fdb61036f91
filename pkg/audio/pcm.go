// Package audio provides PCM capture, framing with sample-accurate
// timestamps, and the level math used by speech endpoint detection. All PCM
// is 16-bit signed little-endian.
package audio

import (
	"math"
)

// Format specifies the PCM format of a capture stream.
type Format struct {
	SampleRate    int `json:"sampleRate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bitsPerSample"`
}

// DefaultFormat is mono 16 kHz s16le, the format the backend expects.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// BytesPerSample returns bytes per single-channel sample frame.
func (f Format) BytesPerSample() int {
	return f.Channels * (f.BitsPerSample / 8)
}

// DurationMs returns the duration of the given byte count.
func (f Format) DurationMs(bytes int) int {
	if f.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / f.BytesPerSecond()
}

// BytesForDurationMs returns the byte count of the given duration.
func (f Format) BytesForDurationMs(ms int) int {
	return (f.BytesPerSecond() * ms) / 1000
}

// SamplesIn returns how many whole samples the byte slice holds.
func (f Format) SamplesIn(bytes int) int {
	per := f.BytesPerSample()
	if per == 0 {
		return 0
	}
	return bytes / per
}

// RMSEnergy computes the root-mean-square energy of s16le PCM, normalized
// to [0, 1].
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

// PeakAmplitude returns the maximum absolute amplitude in s16le PCM,
// normalized to [0, 1].
func PeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}
