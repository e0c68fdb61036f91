package audio

// Frame is one fixed-size chunk of captured PCM with its session-relative
// start timestamp.
type Frame struct {
	PCM        []byte
	TsStartMs  int64
	NumSamples int
	SampleRate int
}

// Peak returns the frame's maximum absolute amplitude, normalized to [0, 1].
func (f Frame) Peak() float64 {
	return PeakAmplitude(f.PCM)
}

// Framer slices a raw capture stream into fixed-size frames and stamps each
// with a sample-accurate timestamp. Timestamps derive from the cumulative
// sample count, not the wall clock, so drift never accumulates:
//
//	tsStartMs = anchorMs + totalSamplesBefore*1000/sampleRate
//
// Framer is not safe for concurrent use; it is owned by the capture
// goroutine.
type Framer struct {
	format       Format
	frameSamples int
	clock        func() int64
	anchorMs     int64
	anchored     bool
	totalSamples int64
	rem          []byte
}

// NewFramer creates a framer emitting frames of frameSamples samples each.
func NewFramer(format Format, frameSamples int) *Framer {
	if frameSamples <= 0 {
		frameSamples = 320
	}
	return &Framer{
		format:       format,
		frameSamples: frameSamples,
		rem:          make([]byte, 0, frameSamples*format.BytesPerSample()),
	}
}

// SetClock wires a session-relative millisecond clock. With a clock set,
// the first Push after an anchor reset re-derives the anchor as the clock
// reading minus the duration of the pushed audio, so device warm-up
// latency between stream start and the first capture callback does not
// shift the audio timeline.
func (f *Framer) SetClock(clock func() int64) {
	f.clock = clock
}

// ResetAnchor re-anchors the stream at the given session-relative
// millisecond, zeroing the cumulative sample count and dropping any partial
// frame. Called once per capture stream start. The anchor is provisional
// when a clock is set; the first Push refines it.
func (f *Framer) ResetAnchor(anchorMs int64) {
	f.anchorMs = anchorMs
	f.anchored = false
	f.totalSamples = 0
	f.rem = f.rem[:0]
}

// Push appends raw PCM and returns all complete frames it yields. A partial
// trailing frame is carried over to the next Push.
func (f *Framer) Push(pcm []byte) []Frame {
	if !f.anchored {
		f.anchored = true
		if f.clock != nil {
			f.anchorMs = f.clock() - int64(f.format.DurationMs(len(pcm)))
			if f.anchorMs < 0 {
				f.anchorMs = 0
			}
		}
	}
	f.rem = append(f.rem, pcm...)
	frameBytes := f.frameSamples * f.format.BytesPerSample()
	if frameBytes <= 0 {
		return nil
	}

	var frames []Frame
	for len(f.rem) >= frameBytes {
		chunk := make([]byte, frameBytes)
		copy(chunk, f.rem[:frameBytes])
		f.rem = f.rem[frameBytes:]

		ts := f.anchorMs + f.totalSamples*1000/int64(f.format.SampleRate)
		frames = append(frames, Frame{
			PCM:        chunk,
			TsStartMs:  ts,
			NumSamples: f.frameSamples,
			SampleRate: f.format.SampleRate,
		})
		f.totalSamples += int64(f.frameSamples)
	}
	return frames
}

// TotalSamples returns the cumulative emitted sample count since the last
// anchor reset.
func (f *Framer) TotalSamples() int64 {
	return f.totalSamples
}
