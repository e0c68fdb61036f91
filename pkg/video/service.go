package video

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/coview-labs/coview/pkg/core"
	"github.com/coview-labs/coview/pkg/protocol"
)

// TabDescriptor identifies one capturable browser tab.
type TabDescriptor struct {
	ID    target.ID
	URL   string
	Title string
}

// Capturer is the browser-facing half of the video service. The production
// implementation speaks CDP; tests substitute a fake.
type Capturer interface {
	// ActiveTab returns the browser's currently focused page target.
	ActiveTab(ctx context.Context) (TabDescriptor, error)
	// Attach switches capture to the given target.
	Attach(ctx context.Context, id target.ID) error
	// CaptureJPEG grabs one frame of the attached target.
	CaptureJPEG(ctx context.Context) ([]byte, error)
	// Close releases the browser connection.
	Close() error
}

// Sink receives capture output and terminal signals.
type Sink interface {
	FrameCaptured(jpeg []byte, tsMs int64)
	TabChanged(meta protocol.TabMeta, tsMs int64)
	StreamingStopped(reason error)
}

// Config tunes the capture loop.
type Config struct {
	// FrameInterval is the base tick; FPS gating is applied on top.
	FrameInterval time.Duration
	// TabSwitchSettle pauses sending after a tab switch so frames captured
	// mid-switch from the wrong tab are never sent.
	TabSwitchSettle time.Duration
	// IdleFPS and ActiveFPS bound the capture rate per mode.
	IdleFPS   int
	ActiveFPS int
	// RetryBudget is the number of consecutive critical failures tolerated
	// before streaming stops.
	RetryBudget int
}

func (c *Config) applyDefaults() {
	if c.FrameInterval <= 0 {
		c.FrameInterval = 100 * time.Millisecond
	}
	if c.TabSwitchSettle <= 0 {
		c.TabSwitchSettle = 150 * time.Millisecond
	}
	if c.IdleFPS <= 0 {
		c.IdleFPS = 1
	}
	if c.ActiveFPS <= 0 {
		c.ActiveFPS = 10
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
}

// Service runs the frame loop against the monitored tab. Frames are sent to
// the sink only while the gate reports true (utterance active and channel
// ready); capture itself continues regardless so failures surface early.
type Service struct {
	cfg   Config
	cap   Capturer
	reg   *TabRegistry
	sink  Sink
	gate  func() bool
	nowMs func() int64
	log   *slog.Logger
	now   func() time.Time

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	fps         int
	settleUntil time.Time
	lastFrame   time.Time
	failures    int
	stopped     bool
}

// NewService wires a capturer to a sink. gate decides whether captured
// frames are forwarded; nowMs supplies session-relative timestamps.
func NewService(cfg Config, cap Capturer, reg *TabRegistry, sink Sink, gate func() bool, nowMs func() int64, log *slog.Logger) *Service {
	cfg.applyDefaults()
	if gate == nil {
		gate = func() bool { return true }
	}
	if nowMs == nil {
		start := time.Now()
		nowMs = func() int64 { return time.Since(start).Milliseconds() }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:   cfg,
		cap:   cap,
		reg:   reg,
		sink:  sink,
		gate:  gate,
		nowMs: nowMs,
		log:   log.With("component", "video"),
		now:   time.Now,
		fps:   cfg.IdleFPS,
	}
}

// Start attaches to the browser's active tab and launches the frame loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return core.NewStateError(core.CodeAlreadyActive, "video service already running")
	}
	s.running = true
	s.stopped = false
	s.failures = 0
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.attachActive(loopCtx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		cancel()
		return err
	}
	go s.loop(loopCtx)
	return nil
}

// Stop halts the frame loop and releases the browser connection.
// Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	_ = s.cap.Close()
}

// SetMode switches between idle and active capture rates.
func (s *Service) SetMode(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.fps = s.cfg.ActiveFPS
	} else {
		s.fps = s.cfg.IdleFPS
	}
}

// SetFPS applies a server-pushed capture rate, clamped to the active
// ceiling.
func (s *Service) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fps > s.cfg.ActiveFPS {
		fps = s.cfg.ActiveFPS
	}
	s.fps = fps
}

// FPS returns the current capture rate.
func (s *Service) FPS() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

func (s *Service) attachActive(ctx context.Context) error {
	tab, err := s.cap.ActiveTab(ctx)
	if err != nil {
		return core.NewCaptureTargetError(core.CodeTargetInvalid, "resolve active tab", err)
	}
	if IsPrivilegedURL(tab.URL) {
		return core.NewCaptureTargetError(core.CodePrivilegedURL,
			fmt.Sprintf("active tab is privileged: %s", tab.URL), nil)
	}
	if err := s.cap.Attach(ctx, tab.ID); err != nil {
		return core.NewCaptureTargetError(core.CodeTargetDetached, "attach to active tab", err)
	}
	meta := s.reg.Register(tab.ID, tab.URL, tab.Title)
	s.reg.SetActive(tab.ID)
	s.sink.TabChanged(meta, s.nowMs())
	return nil
}

// HandleTabSwitch pauses sending, reattaches to the new tab and arms the
// stabilization delay. Navigation into a privileged scheme detaches
// capture entirely.
func (s *Service) HandleTabSwitch(ctx context.Context, tab TabDescriptor) {
	if IsPrivilegedURL(tab.URL) {
		s.log.Warn("monitored tab navigated to privileged scheme, detaching", "url", tab.URL)
		s.terminate(core.NewCaptureTargetError(core.CodePrivilegedURL,
			fmt.Sprintf("tab navigated to privileged scheme: %s", tab.URL), nil))
		return
	}
	s.mu.Lock()
	s.settleUntil = s.now().Add(s.cfg.TabSwitchSettle)
	s.mu.Unlock()

	if err := s.cap.Attach(ctx, tab.ID); err != nil {
		s.log.Warn("reattach after tab switch failed", "error", err)
		s.noteFailure(ctx, core.NewCaptureTargetError(core.CodeTargetDetached, "reattach after tab switch", err))
		return
	}
	meta := s.reg.Register(tab.ID, tab.URL, tab.Title)
	s.reg.SetActive(tab.ID)
	s.sink.TabChanged(meta, s.nowMs())
}

// HandleTabClosed reacts to the monitored tab being removed.
func (s *Service) HandleTabClosed(ctx context.Context, id target.ID) {
	s.reg.Remove(id)
	s.noteFailure(ctx, core.NewCaptureTargetError(core.CodeTargetDetached, "monitored tab closed", nil))
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if now.Before(s.settleUntil) {
		s.mu.Unlock()
		return
	}
	fps := s.fps
	if fps <= 0 {
		fps = 1
	}
	minGap := time.Second / time.Duration(fps)
	if !s.lastFrame.IsZero() && now.Sub(s.lastFrame) < minGap {
		s.mu.Unlock()
		return
	}
	s.lastFrame = now
	s.mu.Unlock()

	jpeg, err := s.cap.CaptureJPEG(ctx)
	if err != nil {
		s.noteFailure(ctx, err)
		return
	}
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	if s.gate() {
		s.sink.FrameCaptured(jpeg, s.nowMs())
	}
}

// noteFailure counts consecutive capture failures and either reattaches or,
// once the budget is spent on a critical class, stops streaming with a
// reason.
func (s *Service) noteFailure(ctx context.Context, err error) {
	class := Classify(err)

	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	s.log.Warn("capture failure", "class", int(class), "consecutive", failures, "error", err)

	if failures >= s.cfg.RetryBudget && class != FailureTransient {
		s.terminate(err)
		return
	}
	if class == FailureDetached || class == FailureInvalid {
		if reErr := s.attachActive(ctx); reErr != nil {
			s.log.Warn("reattach failed", "error", reErr)
		}
	}
}

func (s *Service) terminate(reason error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.sink.StreamingStopped(reason)
}
