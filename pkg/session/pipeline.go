package session

import (
	"log/slog"
	"sync"

	"github.com/coview-labs/coview/pkg/audio"
	"github.com/coview-labs/coview/pkg/config"
	"github.com/coview-labs/coview/pkg/endpoint"
)

// micPipeline adapts mic capture to the AudioUnit interface. The device is
// opened at Start time, because that is when the platform permission prompt
// fires and when failure must surface.
type micPipeline struct {
	format       audio.Format
	frameSamples int
	sink         audio.FrameSink
	clock        func() int64
	log          *slog.Logger

	mu       sync.Mutex
	streamer *audio.Streamer
}

// NewMicPipeline builds the capture-to-sink audio path from config. The
// clock reports session-relative milliseconds; the framer uses it to
// anchor the audio timeline at the first capture callback rather than at
// device open, absorbing warm-up latency. A nil clock keeps the Start
// anchor.
func NewMicPipeline(cfg *config.Config, sink audio.FrameSink, clock func() int64, log *slog.Logger) AudioUnit {
	return &micPipeline{
		format:       audio.Format{SampleRate: cfg.SampleRate, Channels: 1, BitsPerSample: 16},
		frameSamples: cfg.FrameSamples,
		sink:         sink,
		clock:        clock,
		log:          log,
	}
}

func (m *micPipeline) Start(anchorMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamer != nil {
		return nil
	}
	src, err := audio.OpenMic(m.format)
	if err != nil {
		return err
	}
	framer := audio.NewFramer(m.format, m.frameSamples)
	framer.SetClock(m.clock)
	streamer := audio.NewStreamer(src, framer, m.sink, m.log)
	if err := streamer.Start(anchorMs); err != nil {
		_ = src.Close()
		return err
	}
	m.streamer = streamer
	return nil
}

func (m *micPipeline) Stop() {
	m.mu.Lock()
	streamer := m.streamer
	m.streamer = nil
	m.mu.Unlock()
	if streamer != nil {
		streamer.Stop()
	}
}

// WireAudio connects the mic pipeline to the detector and the channel: each
// captured frame feeds detection first, then transmission.
func WireAudio(cfg *config.Config, det *endpoint.Detector, orch *Orchestrator, log *slog.Logger) AudioUnit {
	sink := func(frame audio.Frame) {
		det.ProcessFrame(frame)
		orch.ForwardAudio(frame)
	}
	clock := func() int64 { return orch.ch.SessionElapsedMs() }
	return NewMicPipeline(cfg, sink, clock, log)
}
