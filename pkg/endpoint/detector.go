// Package endpoint decides when a user utterance starts and ends. It owns
// all speech-buffer state: the prefix-padding ring captured before onset,
// the in-flight utterance audio, and the unconfirmed interim transcript.
// Other components consume its events and accessors; nothing else mutates
// the buffers.
package endpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coview-labs/coview/pkg/audio"
)

// State is the per-utterance detection state.
type State int

const (
	// StateIdle means no speech is in progress.
	StateIdle State = iota
	// StateSpeaking means an utterance is active and media is streaming.
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// EndReason explains why an utterance ended.
type EndReason string

const (
	// EndSilence: sustained silence exceeded the configured timeout.
	EndSilence EndReason = "silence"
	// EndExternal: an explicit stop from the user or orchestrator.
	EndExternal EndReason = "external"
	// EndBackend: the backend triggered response generation.
	EndBackend EndReason = "backend"
	// EndError: a detection failure degraded to end-of-utterance.
	EndError EndReason = "error"
)

// Sink receives detection events. Wired once at composition time.
type Sink interface {
	// SpeechStarted fires on the idle-to-speaking transition. Audio and
	// video transmission begin here.
	SpeechStarted(prefixPCM []byte)
	// UtteranceEnded fires on the speaking-to-idle transition. Media
	// transmission stops here.
	UtteranceEnded(reason EndReason)
	// TranscriptFlushed fires when a buffered interim transcript is
	// force-finalized because the backend never confirmed it.
	TranscriptFlushed(text string, tsMs int64)
}

// Config tunes the detector. Zero values fall back to defaults.
type Config struct {
	// SpeechLevelThreshold is the normalized RMS level above which a frame
	// counts as voiced.
	SpeechLevelThreshold float64
	// SilenceTimeout ends the utterance after this much unvoiced audio.
	SilenceTimeout time.Duration
	// OrphanFlushTimeout force-finalizes an unconfirmed interim transcript.
	OrphanFlushTimeout time.Duration
	// PrefixPaddingMs of audio before onset is prepended to the utterance.
	PrefixPaddingMs int
	// Format of the incoming PCM frames.
	Format audio.Format
}

func (c *Config) applyDefaults() {
	if c.SpeechLevelThreshold <= 0 {
		c.SpeechLevelThreshold = 0.02
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 1200 * time.Millisecond
	}
	if c.OrphanFlushTimeout <= 0 {
		c.OrphanFlushTimeout = 3 * time.Second
	}
	if c.PrefixPaddingMs <= 0 {
		c.PrefixPaddingMs = 300
	}
	if c.Format.SampleRate == 0 {
		c.Format = audio.DefaultFormat()
	}
}

// Detector implements the utterance state machine. Safe for concurrent use.
type Detector struct {
	cfg  Config
	sink Sink
	log  *slog.Logger
	now  func() time.Time

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	state     State
	streaming bool // audio/video transmission signalled for this utterance
	lastVoice time.Time

	prefix    *audio.Ring
	utterance *audio.Buffer

	interim     string
	interimTsMs int64
	interimAt   time.Time
}

// New creates a detector delivering events to sink.
func New(cfg Config, sink Sink, log *slog.Logger) *Detector {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		cfg:       cfg,
		sink:      sink,
		log:       log.With("component", "endpoint"),
		now:       time.Now,
		prefix:    audio.NewRing(cfg.Format, cfg.PrefixPaddingMs),
		utterance: audio.NewBuffer(cfg.Format, 120_000), // two-minute hard cap
	}
}

// Start launches the timer loop. Must be called before processing frames.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()
	go d.timerLoop()
}

// Stop halts the timer loop. A speaking utterance is ended first so the
// pipeline never hangs mid-utterance.
func (d *Detector) Stop() {
	d.EndUtterance(EndExternal)
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
}

func (d *Detector) timerLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.checkTimers()
		}
	}
}

// ProcessFrame feeds one captured frame through the state machine.
func (d *Detector) ProcessFrame(frame audio.Frame) {
	level := audio.RMSEnergy(frame.PCM)

	d.mu.Lock()
	switch d.state {
	case StateIdle:
		d.prefix.Write(frame.PCM)
		if level < d.cfg.SpeechLevelThreshold {
			d.mu.Unlock()
			return
		}
		d.state = StateSpeaking
		d.streaming = true
		d.lastVoice = d.now()
		prefixPCM := d.prefix.Read()
		d.utterance.Clear()
		d.utterance.Write(prefixPCM)
		d.utterance.Write(frame.PCM)
		d.mu.Unlock()
		d.log.Debug("speech onset", "level", level, "ts_ms", frame.TsStartMs)
		d.sink.SpeechStarted(prefixPCM)

	case StateSpeaking:
		d.utterance.Write(frame.PCM)
		if level >= d.cfg.SpeechLevelThreshold {
			d.lastVoice = d.now()
		}
		d.mu.Unlock()
	default:
		d.mu.Unlock()
	}
}

// EndUtterance forces the speaking-to-idle transition. No-op when idle.
func (d *Detector) EndUtterance(reason EndReason) {
	d.mu.Lock()
	if d.state != StateSpeaking {
		d.mu.Unlock()
		return
	}
	d.state = StateIdle
	d.streaming = false
	d.prefix.Clear()
	d.mu.Unlock()

	d.log.Info("utterance ended", "reason", string(reason))
	d.sink.UtteranceEnded(reason)
}

// ProcessError degrades a detection failure to end-of-utterance instead of
// letting the pipeline hang.
func (d *Detector) ProcessError(err error) {
	d.log.Warn("detection failure, ending utterance", "error", err)
	d.EndUtterance(EndError)
}

// SetInterim buffers an unconfirmed interim transcript and arms the orphan
// flush timer.
func (d *Detector) SetInterim(text string, tsMs int64) {
	if text == "" {
		return
	}
	d.mu.Lock()
	d.interim = text
	d.interimTsMs = tsMs
	d.interimAt = d.now()
	d.mu.Unlock()
}

// ConfirmFinalized clears the interim buffer after the backend delivered a
// final transcript. Disarms the orphan flush.
func (d *Detector) ConfirmFinalized() {
	d.mu.Lock()
	d.interim = ""
	d.interimAt = time.Time{}
	d.mu.Unlock()
}

// Streaming reports whether media transmission is signalled on.
func (d *Detector) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// CurrentState returns the detection state.
func (d *Detector) CurrentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// UtteranceAudio returns a copy of the buffered utterance PCM, prefix
// padding included.
func (d *Detector) UtteranceAudio() []byte {
	return d.utterance.Read()
}

func (d *Detector) checkTimers() {
	d.checkSilence()
	d.checkOrphan()
}

func (d *Detector) checkSilence() {
	d.mu.Lock()
	if d.state != StateSpeaking || d.lastVoice.IsZero() {
		d.mu.Unlock()
		return
	}
	silentFor := d.now().Sub(d.lastVoice)
	if silentFor < d.cfg.SilenceTimeout {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.log.Debug("silence timeout", "silent_for", silentFor.String())
	d.EndUtterance(EndSilence)
}

// checkOrphan flushes a buffered interim transcript the backend never
// confirmed. Clearing the buffer before invoking the sink makes the flush
// exactly-once even if timers race.
func (d *Detector) checkOrphan() {
	d.mu.Lock()
	if d.interim == "" || d.interimAt.IsZero() {
		d.mu.Unlock()
		return
	}
	if d.now().Sub(d.interimAt) < d.cfg.OrphanFlushTimeout {
		d.mu.Unlock()
		return
	}
	text := d.interim
	tsMs := d.interimTsMs
	d.interim = ""
	d.interimAt = time.Time{}
	d.mu.Unlock()

	d.log.Info("orphaned interim transcript flushed", "ts_ms", tsMs)
	d.sink.TranscriptFlushed(text, tsMs)
}

// FlushInterim force-finalizes any buffered interim transcript immediately.
// Called on session teardown so buffered speech is never silently lost.
func (d *Detector) FlushInterim() {
	d.mu.Lock()
	if d.interim == "" {
		d.mu.Unlock()
		return
	}
	text := d.interim
	tsMs := d.interimTsMs
	d.interim = ""
	d.interimAt = time.Time{}
	d.mu.Unlock()
	d.sink.TranscriptFlushed(text, tsMs)
}
