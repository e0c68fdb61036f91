package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coview-labs/coview/pkg/audio"
	"github.com/coview-labs/coview/pkg/broker"
	"github.com/coview-labs/coview/pkg/channel"
	"github.com/coview-labs/coview/pkg/config"
	"github.com/coview-labs/coview/pkg/core"
	"github.com/coview-labs/coview/pkg/endpoint"
	"github.com/coview-labs/coview/pkg/metrics"
	"github.com/coview-labs/coview/pkg/protocol"
	"github.com/coview-labs/coview/pkg/render"
	"github.com/coview-labs/coview/pkg/session"
	"github.com/coview-labs/coview/pkg/video"
)

var (
	historyPath string
	sessionFlag string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a capture and streaming session",
	Long: `run connects to the assistant backend, captures microphone audio and
the active browser tab, and streams both for the duration of the session.
Type a message and press enter to send text; /active toggles high-rate
capture; /links shares page links; /segment closes the current segment;
/quit exits.`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&historyPath, "history", "coview.db", "Conversation history database (empty to disable)")
	runCmd.Flags().StringVar(&sessionFlag, "session", "", "Resume the given session id instead of starting fresh")
	rootCmd.AddCommand(runCmd)
}

// orchRelay breaks the construction cycle between the orchestrator and the
// components that deliver events to it: the components are built first,
// pointed at the relay, and the orchestrator is bound before anything
// starts.
type orchRelay struct {
	orch *session.Orchestrator
}

func (r *orchRelay) bind(o *session.Orchestrator) { r.orch = o }

func (r *orchRelay) ConnectionState(connected bool)           { r.orch.ConnectionState(connected) }
func (r *orchRelay) Status(msg protocol.ServerStatus)         { r.orch.Status(msg) }
func (r *orchRelay) Response(msg protocol.ServerResponse)     { r.orch.Response(msg) }
func (r *orchRelay) Transcript(msg protocol.ServerTranscript) { r.orch.Transcript(msg) }
func (r *orchRelay) ConfigUpdate(msg protocol.ServerConfig)   { r.orch.ConfigUpdate(msg) }
func (r *orchRelay) Segment(msg protocol.ServerSegment)       { r.orch.Segment(msg) }
func (r *orchRelay) ServerError(msg protocol.ServerError)     { r.orch.ServerError(msg) }
func (r *orchRelay) ProtocolError(err error)                  { r.orch.ProtocolError(err) }
func (r *orchRelay) ReconnectsExhausted(err error)            { r.orch.ReconnectsExhausted(err) }

func (r *orchRelay) SpeechStarted(prefixPCM []byte)           { r.orch.SpeechStarted(prefixPCM) }
func (r *orchRelay) UtteranceEnded(reason endpoint.EndReason) { r.orch.UtteranceEnded(reason) }
func (r *orchRelay) TranscriptFlushed(text string, tsMs int64) {
	r.orch.TranscriptFlushed(text, tsMs)
}

func (r *orchRelay) FrameCaptured(jpeg []byte, tsMs int64) { r.orch.FrameCaptured(jpeg, tsMs) }
func (r *orchRelay) TabChanged(meta protocol.TabMeta, tsMs int64) {
	r.orch.TabChanged(meta, tsMs)
}
func (r *orchRelay) StreamingStopped(reason error) { r.orch.StreamingStopped(reason) }

// sessionControl is the slice of the orchestrator the panel side drives.
type sessionControl interface {
	Start(ctx context.Context) error
	Stop() error
	SetMode(active bool)
}

type notifier interface {
	Note(format string, args ...any)
	Fail(err error)
}

// panelSide routes broker decisions into the running session. Ownership is
// exclusive: the moment another panel becomes the owner, this panel must
// release the microphone and the tab, and it reacquires them only when
// ownership returns.
type panelSide struct {
	broker.NopPanelEvents
	ctrl sessionControl
	out  notifier
	ctx  context.Context

	mu    sync.Mutex
	self  string
	owned bool
}

func (p *panelSide) ModeChanged(active bool) {
	p.ctrl.SetMode(active)
	if active {
		p.out.Note("[active mode on]")
	} else {
		p.out.Note("[active mode off]")
	}
}

func (p *panelSide) OwnerChanged(ownerPanelID string) {
	p.handleOwner(ownerPanelID)
}

// SessionInfo snapshots carry the owner too; reconciling on them repairs a
// missed owner_changed.
func (p *panelSide) SessionInfo(info broker.SessionInfo) {
	p.handleOwner(info.OwnerPanelID)
}

func (p *panelSide) handleOwner(ownerPanelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owned := ownerPanelID == "" || ownerPanelID == p.self
	if owned == p.owned {
		return
	}
	p.owned = owned
	if !owned {
		if err := p.ctrl.Stop(); err != nil && core.CodeOf(err) != core.CodeNotActive {
			p.out.Fail(err)
			return
		}
		p.out.Note("[capture released: panel %s owns the session]", ownerPanelID)
		return
	}
	if err := p.ctrl.Start(p.ctx); err != nil && core.CodeOf(err) != core.CodeAlreadyActive {
		p.out.Fail(err)
		return
	}
	p.out.Note("[capture resumed: this panel owns the session]")
}

// startIfOwned starts capture unless ownership moved away first. Sharing
// p.mu with handleOwner keeps the initial start and a concurrent ownership
// loss from interleaving.
func (p *panelSide) startIfOwned(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owned {
		return false, nil
	}
	err := p.ctrl.Start(ctx)
	if err != nil && core.CodeOf(err) == core.CodeAlreadyActive {
		err = nil
	}
	return true, err
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := slog.Default()
	mx := metrics.New("coview")

	sessionID := sessionFlag
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	disp := newChatDisplay()
	renderer := render.New(disp, log)

	var store *render.Store
	if historyPath != "" {
		store, err = render.OpenStore(historyPath)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer store.Close()
		prior, err := store.Load(cmd.Context(), sessionID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		if len(prior) > 0 {
			if err := renderer.Restore(prior); err != nil {
				return fmt.Errorf("restore history: %w", err)
			}
			disp.Note("[restored %d turns]", len(prior))
		}
	}

	relay := &orchRelay{}

	client := channel.New(channel.Options{
		ServerURL:         cfg.ServerURL,
		SessionID:         sessionID,
		ConnectTimeout:    cfg.ConnectTimeout,
		LivenessInterval:  cfg.LivenessInterval,
		LivenessTimeout:   cfg.LivenessTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		WriteTimeout:      cfg.WriteTimeout,
		Backoff: channel.Backoff{
			Initial:    cfg.ReconnectInitialDelay,
			Max:        cfg.ReconnectMaxDelay,
			Multiplier: cfg.ReconnectMultiplier,
			Jitter:     cfg.ReconnectJitter,
		},
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		PendingQueueSize:     cfg.PendingQueueSize,
		CaptureFPS:           cfg.ActiveCaptureFPS,
		SampleRate:           cfg.SampleRate,
		Events:               relay,
		Logger:               log,
		Metrics:              mx,
	})

	format := audio.Format{SampleRate: cfg.SampleRate, Channels: 1, BitsPerSample: 16}
	det := endpoint.New(endpoint.Config{
		SpeechLevelThreshold: cfg.SpeechLevelThreshold,
		SilenceTimeout:       cfg.SilenceTimeout,
		OrphanFlushTimeout:   cfg.OrphanFlushTimeout,
		PrefixPaddingMs:      cfg.PrefixPaddingMs,
		Format:               format,
	}, relay, log)

	capturer := video.NewCDPCapturer(cfg.CDPAddr)
	gate := func() bool { return det.Streaming() && client.IsConnected() }
	vid := video.NewService(video.Config{
		FrameInterval:   cfg.FrameInterval,
		TabSwitchSettle: cfg.TabSwitchSettle,
		IdleFPS:         cfg.IdleCaptureFPS,
		ActiveFPS:       cfg.ActiveCaptureFPS,
		RetryBudget:     cfg.CaptureRetryBudget,
	}, capturer, video.NewTabRegistry(), relay, gate, client.SessionElapsedMs, log)

	obs := &consoleObserver{out: disp}
	orch := session.New(session.Components{
		Channel:  client,
		Video:    vid,
		Detector: det,
		Renderer: renderer,
		Observer: obs,
		Metrics:  mx,
		Logger:   log,
	})
	orch.BindAudio(session.WireAudio(&cfg, det, orch, log))
	relay.bind(orch)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var link *broker.Link
	var panel *panelSide
	if cfg.BrokerURL != "" {
		panel = &panelSide{ctrl: orch, out: disp, ctx: ctx, owned: true}
		link = broker.NewLink(cfg.BrokerURL, panel, log)
		panel.self = link.PanelID()
		link.SetHeartbeat(cfg.HeartbeatInterval)
		if err := link.Connect(ctx); err != nil {
			disp.Note("[broker unreachable: %v]", err)
			link = nil
			panel = nil
		} else {
			link.SetFocus(true)
			obs.report = link.ReportUpstream
			defer link.Close()
		}
	}

	// Registration makes the newest panel the owner, so capture normally
	// starts here; when ownership moved before we got this far, the panel
	// waits for it to come back instead.
	if panel == nil {
		if err := orch.Start(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
	} else if started, err := panel.startIfOwned(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	} else if !started {
		disp.Note("[capture deferred: another panel owns the session]")
	}
	defer func() {
		if orch.Active() {
			_ = orch.Stop()
		}
		if store != nil {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Save(saveCtx, sessionID, renderer.History()); err != nil {
				log.Error("save history", "error", err)
			}
		}
	}()

	watcher := video.NewWatcher(vid, capturer, time.Second, log)
	go watcher.Run(ctx)

	disp.Note("[session %s listening; /quit to exit]", sessionID)

	activeMode := false
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-lines:
			if !ok {
				return nil
			}
			text = strings.TrimSpace(text)
			switch {
			case text == "":
			case text == "/quit":
				return nil
			case text == "/segment":
				if err := client.ForceSegmentClose(); err != nil {
					disp.Fail(err)
				}
			case strings.HasPrefix(text, "/links "):
				urls := strings.Fields(strings.TrimPrefix(text, "/links "))
				if err := client.SendLinks(urls, client.SessionElapsedMs()); err != nil {
					disp.Fail(err)
				}
			case text == "/active":
				if link != nil {
					if err := link.ToggleActive(); err != nil {
						disp.Fail(err)
					}
				} else {
					activeMode = !activeMode
					orch.SetMode(activeMode)
					disp.Note("[active mode %v]", activeMode)
				}
			default:
				if err := orch.SendText(text); err != nil {
					disp.Fail(err)
				}
			}
		}
	}
}
