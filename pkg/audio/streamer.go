package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// FrameSink consumes timestamped frames from a running capture stream.
// It is called from the capture goroutine; implementations must not block
// for long.
type FrameSink func(Frame)

// Streamer runs the capture loop: it reads raw PCM from a Source, slices it
// through a Framer and hands each frame to the sink.
type Streamer struct {
	src    Source
	framer *Framer
	sink   FrameSink
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	readErr error
}

// NewStreamer wires a source to a sink through a framer.
func NewStreamer(src Source, framer *Framer, sink FrameSink, log *slog.Logger) *Streamer {
	if log == nil {
		log = slog.Default()
	}
	return &Streamer{src: src, framer: framer, sink: sink, log: log.With("component", "audio")}
}

// Start anchors the stream at the given session-relative millisecond and
// launches the capture goroutine. Starting a running streamer is an error.
func (s *Streamer) Start(anchorMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("audio streamer already running")
	}
	s.framer.ResetAnchor(anchorMs)
	s.running = true
	s.done = make(chan struct{})
	go s.loop(s.done)
	return nil
}

func (s *Streamer) loop(done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	frames := 0
	for {
		n, err := s.src.Read(buf)
		if n > 0 {
			for _, frame := range s.framer.Push(buf[:n]) {
				if frames%50 == 0 {
					s.log.Debug("mic level", "peak", frame.Peak(), "ts_ms", frame.TsStartMs)
				}
				frames++
				s.sink(frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("capture read failed", "error", err)
				s.mu.Lock()
				s.readErr = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// Stop closes the source and waits for the capture goroutine to drain.
// Idempotent.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done := s.done
	s.mu.Unlock()

	_ = s.src.Close()
	<-done
}

// Err returns the terminal read error of the capture loop, if any.
func (s *Streamer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}
