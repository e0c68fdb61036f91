// Package session orchestrates the multimedia pipeline: duplex channel,
// audio capture, endpoint detection, video capture and response rendering.
// It is the sole owner of the session-active flag and the only place the
// component event surfaces are wired together.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coview-labs/coview/pkg/audio"
	"github.com/coview-labs/coview/pkg/channel"
	"github.com/coview-labs/coview/pkg/core"
	"github.com/coview-labs/coview/pkg/endpoint"
	"github.com/coview-labs/coview/pkg/metrics"
	"github.com/coview-labs/coview/pkg/protocol"
	"github.com/coview-labs/coview/pkg/render"
)

// Channel is the slice of the duplex client the orchestrator drives.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	SessionElapsedMs() int64
	SendAudioPcm(pcm []byte, tsStartMs int64, numSamples, sampleRate int) error
	SendImageFrame(jpeg []byte, tsMs int64) error
	SendTextMessage(text string, tsMs int64) error
	SendTabInfo(info protocol.TabMeta, tsMs int64) error
	BeginActiveSession() error
	EndActiveSession() error
}

// AudioUnit is the capture pipeline: Start opens the device and begins
// delivering frames, Stop releases it.
type AudioUnit interface {
	Start(anchorMs int64) error
	Stop()
}

// VideoUnit is the tab-capture pipeline.
type VideoUnit interface {
	Start(ctx context.Context) error
	Stop()
	SetMode(active bool)
	SetFPS(fps int)
}

// DetectorUnit is the endpoint detector surface the orchestrator needs.
type DetectorUnit interface {
	Start(ctx context.Context)
	Stop()
	Streaming() bool
	SetInterim(text string, tsMs int64)
	ConfirmFinalized()
	FlushInterim()
	EndUtterance(reason endpoint.EndReason)
	UtteranceAudio() []byte
}

// Observer is the UI-facing event surface. It is the only way outer layers
// observe pipeline state.
type Observer interface {
	TranscriptInterim(text string)
	TranscriptFinal(text string)
	Response(text string)
	Status(state string)
	ConnectionState(connected bool)
	ListeningStopped(reason string)
	SessionError(err error)
}

// NopObserver implements Observer with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) TranscriptInterim(string) {}
func (NopObserver) TranscriptFinal(string)   {}
func (NopObserver) Response(string)          {}
func (NopObserver) Status(string)            {}
func (NopObserver) ConnectionState(bool)     {}
func (NopObserver) ListeningStopped(string)  {}
func (NopObserver) SessionError(error)       {}

// Components bundles the pipeline pieces the orchestrator coordinates.
type Components struct {
	Channel  Channel
	Audio    AudioUnit
	Video    VideoUnit
	Detector DetectorUnit
	Renderer *render.Renderer
	Observer Observer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Orchestrator sequences startup and teardown and routes events between
// components. All public methods are safe for concurrent use.
type Orchestrator struct {
	ch       Channel
	aud      AudioUnit
	vid      VideoUnit
	det      DetectorUnit
	renderer *render.Renderer
	observer Observer
	mx       *metrics.Metrics
	log      *slog.Logger

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
}

// New creates an orchestrator over the given components.
func New(c Components) *Orchestrator {
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Orchestrator{
		ch:       c.Channel,
		aud:      c.Audio,
		vid:      c.Video,
		det:      c.Detector,
		renderer: c.Renderer,
		observer: c.Observer,
		mx:       c.Metrics,
		log:      c.Logger.With("component", "session"),
	}
}

// BindAudio attaches the audio unit after construction. The mic pipeline
// forwards frames into the orchestrator, so it cannot exist before the
// orchestrator does. Must be called before Start.
func (o *Orchestrator) BindAudio(aud AudioUnit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aud = aud
}

// Start brings the pipeline up: channel, video, audio, detection, in that
// order. Any step failing unwinds everything already started. Fails fast
// when already active.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return core.NewStateError(core.CodeAlreadyActive, "multimedia session already active")
	}
	o.active = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	if err := o.ch.Connect(runCtx); err != nil {
		o.unwind()
		return err
	}
	if err := o.vid.Start(runCtx); err != nil {
		o.unwind()
		return err
	}
	o.det.Start(runCtx)
	if err := o.aud.Start(o.ch.SessionElapsedMs()); err != nil {
		o.unwind()
		return err
	}

	o.log.Info("multimedia session started")
	return nil
}

// Stop tears the pipeline down. Safe to call at any stage, including after
// a partial start. Returns a not-active error when there is nothing to
// stop; the teardown itself always runs to completion.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return core.NewStateError(core.CodeNotActive, "multimedia session not active")
	}
	o.mu.Unlock()

	o.unwind()
	o.log.Info("multimedia session stopped")
	return nil
}

// unwind is the unconditional teardown path shared by Stop and failed
// starts. Repeatable: every step tolerates a component that never started.
func (o *Orchestrator) unwind() {
	o.det.FlushInterim()
	o.det.Stop()
	o.aud.Stop()
	o.vid.Stop()
	_ = o.ch.EndActiveSession()
	o.ch.Disconnect()

	o.mu.Lock()
	o.active = false
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.mu.Unlock()
}

// Active reports whether the session is running.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// SendText forwards a typed user message over the channel.
func (o *Orchestrator) SendText(text string) error {
	return o.ch.SendTextMessage(text, o.ch.SessionElapsedMs())
}

// SetMode switches the capture rate between idle and active.
func (o *Orchestrator) SetMode(active bool) {
	o.vid.SetMode(active)
}

// mediaGate reports whether captured media should be transmitted.
func (o *Orchestrator) mediaGate() bool {
	return o.det.Streaming() && o.ch.IsConnected()
}

// --- channel.Events ---

var _ channel.Events = (*Orchestrator)(nil)

func (o *Orchestrator) ConnectionState(connected bool) {
	o.observer.ConnectionState(connected)
}

func (o *Orchestrator) Status(msg protocol.ServerStatus) {
	o.observer.Status(msg.State)
}

func (o *Orchestrator) Response(msg protocol.ServerResponse) {
	if o.renderer != nil {
		o.renderer.UpdateAssistantStream(msg.Text)
		o.renderer.FinalizeAssistantStream()
	}
	// A response implies the backend considers the utterance answered.
	o.det.EndUtterance(endpoint.EndBackend)
	o.observer.Response(msg.Text)
}

func (o *Orchestrator) Transcript(msg protocol.ServerTranscript) {
	if msg.IsFinal {
		o.det.ConfirmFinalized()
		if o.renderer != nil {
			o.renderer.FinalizeUserInterim(msg.Text)
		}
		o.observer.TranscriptFinal(msg.Text)
		return
	}
	o.det.SetInterim(msg.Text, int64(msg.TsMs))
	if o.renderer != nil {
		o.renderer.SetUserInterim(msg.Text)
	}
	o.observer.TranscriptInterim(msg.Text)
}

func (o *Orchestrator) ConfigUpdate(msg protocol.ServerConfig) {
	o.log.Info("server capture rate applied", "fps", msg.CaptureFPS)
	o.vid.SetFPS(msg.CaptureFPS)
}

func (o *Orchestrator) Segment(msg protocol.ServerSegment) {
	o.log.Debug("segment closed",
		"start_ms", msg.SegmentStartMs, "end_ms", msg.SegmentEndMs, "path", msg.ChosenPath)
}

func (o *Orchestrator) ServerError(msg protocol.ServerError) {
	o.observer.SessionError(core.NewProtocolError(msg.Message, nil))
}

func (o *Orchestrator) ProtocolError(err error) {
	o.log.Warn("inbound frame dropped", "error", err)
}

func (o *Orchestrator) ReconnectsExhausted(err error) {
	o.observer.SessionError(err)
	if stopErr := o.Stop(); stopErr != nil {
		o.log.Debug("stop after exhausted reconnects", "error", stopErr)
	}
	o.observer.ListeningStopped("reconnects_exhausted")
}

// --- endpoint.Sink ---

var _ endpoint.Sink = (*Orchestrator)(nil)

func (o *Orchestrator) SpeechStarted(prefixPCM []byte) {
	if err := o.ch.BeginActiveSession(); err != nil {
		o.log.Warn("begin active session", "error", err)
	}
	o.mx.Utterance()
	// The prefix-padding window is sent as one chunk so the backend hears
	// the onset of speech.
	if len(prefixPCM) > 0 {
		format := audio.DefaultFormat()
		durMs := int64(format.DurationMs(len(prefixPCM)))
		ts := o.ch.SessionElapsedMs() - durMs
		if ts < 0 {
			ts = 0
		}
		_ = o.ch.SendAudioPcm(prefixPCM, ts, format.SamplesIn(len(prefixPCM)), format.SampleRate)
	}
}

func (o *Orchestrator) UtteranceEnded(reason endpoint.EndReason) {
	if err := o.ch.EndActiveSession(); err != nil {
		o.log.Warn("end active session", "error", err)
	}
	buffered := o.det.UtteranceAudio()
	o.log.Info("utterance ended",
		"reason", string(reason),
		"audio_ms", audio.DefaultFormat().DurationMs(len(buffered)))
	o.observer.ListeningStopped(string(reason))
}

func (o *Orchestrator) TranscriptFlushed(text string, tsMs int64) {
	o.mx.OrphanFlush()
	if o.renderer != nil {
		o.renderer.FinalizeUserInterim(text)
	}
	o.observer.TranscriptFinal(text)
}

// --- video.Sink ---

func (o *Orchestrator) FrameCaptured(jpeg []byte, tsMs int64) {
	_ = o.ch.SendImageFrame(jpeg, tsMs)
}

func (o *Orchestrator) TabChanged(meta protocol.TabMeta, tsMs int64) {
	_ = o.ch.SendTabInfo(meta, tsMs)
}

func (o *Orchestrator) StreamingStopped(reason error) {
	o.observer.SessionError(reason)
	o.observer.ListeningStopped(core.CodeOf(reason))
}

// ForwardAudio transmits a captured frame while an utterance is active.
// Frames outside an utterance are dropped here; the detector has already
// seen them.
func (o *Orchestrator) ForwardAudio(frame audio.Frame) {
	if o.mediaGate() {
		_ = o.ch.SendAudioPcm(frame.PCM, frame.TsStartMs, frame.NumSamples, frame.SampleRate)
	}
}
