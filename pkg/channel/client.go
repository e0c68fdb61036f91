// Package channel implements the duplex-channel client: one websocket
// connection to the assistant backend with reconnect/backoff, liveness
// detection, send-time sequence stamping and a bounded pending queue for
// control/text frames.
//
// Ordering is best-effort across reconnects: the pending queue is flushed in
// order immediately after a reconnect, but fresh sends issued concurrently
// are not synchronized against the flush. Within one unbroken socket
// connection, frames are stamped and written under a single lock, so seq is
// strictly increasing in write order.
package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coview-labs/coview/pkg/core"
	"github.com/coview-labs/coview/pkg/metrics"
	"github.com/coview-labs/coview/pkg/protocol"
)

const (
	defaultConnectTimeout   = 30 * time.Second
	defaultLivenessInterval = 5 * time.Second
	defaultLivenessTimeout  = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Events is the inbound event surface of the channel client. Implementations
// are wired once at composition time; the client never exposes raw frames.
type Events interface {
	ConnectionState(connected bool)
	Status(msg protocol.ServerStatus)
	Response(msg protocol.ServerResponse)
	Transcript(msg protocol.ServerTranscript)
	ConfigUpdate(msg protocol.ServerConfig)
	Segment(msg protocol.ServerSegment)
	ServerError(msg protocol.ServerError)
	ProtocolError(err error)
	ReconnectsExhausted(err error)
}

// NopEvents implements Events with no-ops, for embedding.
type NopEvents struct{}

func (NopEvents) ConnectionState(bool)                 {}
func (NopEvents) Status(protocol.ServerStatus)         {}
func (NopEvents) Response(protocol.ServerResponse)     {}
func (NopEvents) Transcript(protocol.ServerTranscript) {}
func (NopEvents) ConfigUpdate(protocol.ServerConfig)   {}
func (NopEvents) Segment(protocol.ServerSegment)       {}
func (NopEvents) ServerError(protocol.ServerError)     {}
func (NopEvents) ProtocolError(error)                  {}
func (NopEvents) ReconnectsExhausted(error)            {}

// Connectivity reports whether the host believes it has network access.
// Reconnect attempts are paused while offline and resumed when Changes
// signals.
type Connectivity interface {
	Online() bool
	Changes() <-chan struct{}
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool             { return true }
func (alwaysOnline) Changes() <-chan struct{} { return nil }

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	ServerURL string
	SessionID string

	ConnectTimeout    time.Duration
	LivenessInterval  time.Duration
	LivenessTimeout   time.Duration
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration

	Backoff              Backoff
	MaxReconnectAttempts int // 0 = unlimited

	PendingQueueSize int

	// CaptureFPS and SampleRate are announced in the init frame.
	CaptureFPS int
	SampleRate int

	Events       Events
	Connectivity Connectivity
	Logger       *slog.Logger
	Metrics      *metrics.Metrics

	// Now is injectable for tests; nil uses time.Now.
	Now func() time.Time
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client owns one websocket connection to the backend. All public methods
// are safe for concurrent use and never panic; failed sends are reported
// through the returned error or dropped per media semantics.
type Client struct {
	opts   Options
	events Events
	online Connectivity
	log    *slog.Logger
	mx     *metrics.Metrics
	now    func() time.Time

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	manualClose  bool
	attempts     int
	connecting   *connectAttempt
	pending      *pendingQueue
	sessionStart time.Time
	socketDone   chan struct{}
	reconnectTmr *time.Timer

	writeMu sync.Mutex
	seq     int64

	lastRecvNano atomic.Int64

	stats Stats
}

// Stats is a point-in-time snapshot of channel counters.
type Stats struct {
	FramesSent    int64
	MediaDropped  int64
	QueueEvicted  int64
	Reconnects    int64
	ParseFailures int64
}

// New creates a channel client. Connect must be called before sending.
func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = defaultLivenessInterval
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = defaultLivenessTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	events := opts.Events
	if events == nil {
		events = NopEvents{}
	}
	online := opts.Connectivity
	if online == nil {
		online = alwaysOnline{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		opts:    opts,
		events:  events,
		online:  online,
		log:     log.With("component", "channel"),
		mx:      opts.Metrics,
		now:     now,
		pending: newPendingQueue(opts.PendingQueueSize),
	}
}

// Connect opens the websocket. It is idempotent: when already connected it
// returns immediately, and concurrent calls share a single in-flight
// attempt. Calling Connect after a manual Disconnect starts a fresh session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		attempt := c.connecting
		c.mu.Unlock()
		<-attempt.done
		return attempt.err
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	c.connecting = attempt
	c.manualClose = false
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = nil
	retry := err != nil && !c.manualClose
	c.mu.Unlock()
	attempt.err = err
	close(attempt.done)
	if retry {
		c.scheduleReconnect()
	}
	return err
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.ServerURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s (status %d): %w", c.opts.ServerURL, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("dial %s: %w", c.opts.ServerURL, err)
		}
		c.log.Warn("connect failed", "error", err)
		return core.NewNetworkError("websocket connect failed", err)
	}

	done := make(chan struct{})

	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		_ = conn.Close()
		return core.NewStateError(core.CodeNotActive, "channel closed during connect")
	}
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.socketDone = done
	if c.sessionStart.IsZero() {
		c.sessionStart = c.now()
	}
	pending := c.pending.drain()
	c.mu.Unlock()

	c.writeMu.Lock()
	c.seq = 0
	c.writeMu.Unlock()

	c.lastRecvNano.Store(c.now().UnixNano())
	c.mx.SetConnected(true)

	go c.readLoop(conn, done)
	go c.monitorLoop(conn, done)

	c.log.Info("channel connected", "url", c.opts.ServerURL, "session_id", c.opts.SessionID)
	c.events.ConnectionState(true)

	// Flush queued control/text frames in original order. Fresh sends
	// racing this flush interleave arbitrarily; best-effort by design.
	for _, frame := range pending {
		if err := c.writeStamped(conn, frame.kind, frame.build); err != nil {
			c.log.Warn("pending flush aborted", "error", err)
			break
		}
	}
	return nil
}

// Disconnect marks the closure as manual, clears timers and closes the
// socket. Safe to call at any time, including when never connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTmr != nil {
		c.reconnectTmr.Stop()
		c.reconnectTmr = nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.sessionStart = time.Time{}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		_ = conn.Close()
	}
	c.mx.SetConnected(false)
}

// IsConnected reports whether the socket is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionElapsedMs returns milliseconds since the session anchor, or 0 when
// the session has not connected yet.
func (c *Client) SessionElapsedMs() int64 {
	c.mu.Lock()
	start := c.sessionStart
	c.mu.Unlock()
	if start.IsZero() {
		return 0
	}
	return c.now().Sub(start).Milliseconds()
}

// Stats returns a snapshot of channel counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleSocketDown(conn, err)
			return
		}
		c.lastRecvNano.Store(c.now().UnixNano())
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		c.mx.ParseError()
		c.mu.Lock()
		c.stats.ParseFailures++
		c.mu.Unlock()
		c.events.ProtocolError(core.NewProtocolError("malformed inbound frame", err))
		return
	}
	switch m := msg.(type) {
	case protocol.ServerStatus:
		c.events.Status(m)
	case protocol.ServerResponse:
		c.events.Response(m)
	case protocol.ServerTranscript:
		c.events.Transcript(m)
	case protocol.ServerConfig:
		c.events.ConfigUpdate(m)
	case protocol.ServerSegment:
		c.events.Segment(m)
	case protocol.ServerError:
		c.events.ServerError(m)
	case protocol.ServerAck:
		// Acks confirm delivery only; nothing to update client-side.
	case protocol.UnknownEvent:
		c.log.Debug("unknown inbound frame", "type", m.Type)
	}
}

// monitorLoop sends keep-alive pings and force-closes a silently dead
// connection so the read loop observes an error and reconnection kicks in.
func (c *Client) monitorLoop(conn *websocket.Conn, done chan struct{}) {
	livenessTicker := time.NewTicker(c.opts.LivenessInterval)
	defer livenessTicker.Stop()

	keepAlive := c.opts.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = 20 * time.Second
	}
	pingTicker := time.NewTicker(keepAlive)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
		case <-livenessTicker.C:
			last := time.Unix(0, c.lastRecvNano.Load())
			if c.now().Sub(last) > c.opts.LivenessTimeout {
				c.log.Warn("liveness timeout, forcing close",
					"silent_for", c.now().Sub(last).String())
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleSocketDown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer socket replaced this one; stale teardown is a no-op.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	manual := c.manualClose
	c.mu.Unlock()

	_ = conn.Close()
	c.mx.SetConnected(false)
	c.events.ConnectionState(false)

	if manual {
		return
	}
	c.log.Warn("socket closed abruptly", "error", cause)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.manualClose || c.reconnectTmr != nil || c.connecting != nil {
		c.mu.Unlock()
		return
	}
	attempt := c.attempts
	if c.opts.MaxReconnectAttempts > 0 && attempt >= c.opts.MaxReconnectAttempts {
		c.mu.Unlock()
		err := core.NewNetworkError(
			fmt.Sprintf("reconnect attempts exhausted after %d tries", attempt), nil)
		c.log.Error("reconnect attempts exhausted", "attempts", attempt)
		c.events.ReconnectsExhausted(err)
		return
	}
	c.attempts++
	c.stats.Reconnects++
	delay := c.opts.Backoff.Next(attempt)
	c.reconnectTmr = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTmr = nil
		c.mu.Unlock()
		c.waitOnline()
		c.mu.Lock()
		stop := c.manualClose
		c.mu.Unlock()
		if stop {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.log.Debug("reconnect attempt failed", "attempt", attempt+1, "error", err)
		}
	})
	c.mu.Unlock()

	c.mx.Reconnect()
	c.log.Info("reconnect scheduled", "attempt", attempt+1, "delay", delay.String())
}

// waitOnline blocks until the connectivity watcher reports online, polling
// as a fallback when no change channel is available. Bounded by client
// closure, not by iteration count: offline may legitimately last hours.
func (c *Client) waitOnline() {
	for !c.online.Online() {
		c.mu.Lock()
		stop := c.manualClose
		c.mu.Unlock()
		if stop {
			return
		}
		changes := c.online.Changes()
		if changes == nil {
			time.Sleep(time.Second)
			continue
		}
		select {
		case <-changes:
		case <-time.After(5 * time.Second):
		}
	}
}

// writeStamped assigns the next sequence number and writes one frame. The
// stamp and the write happen under one lock so seq order equals wire order.
func (c *Client) writeStamped(conn *websocket.Conn, kind string, build func(seq int64) any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	frame := build(c.seq)
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return core.NewNetworkError(fmt.Sprintf("write %s frame", kind), err)
	}
	c.mu.Lock()
	c.stats.FramesSent++
	c.mu.Unlock()
	c.mx.FrameSent(kind)
	return nil
}

// sendMedia writes a media frame when connected and silently drops it
// otherwise. Stale media has no value once late, so there is no buffering
// and no backpressure.
func (c *Client) sendMedia(kind string, build func(seq int64) any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.mu.Lock()
		c.stats.MediaDropped++
		c.mu.Unlock()
		c.mx.FrameDropped(kind)
		return nil
	}
	return c.writeStamped(conn, kind, build)
}

// sendOrQueue writes a control/text frame when connected and queues it for
// the next reconnect otherwise.
func (c *Client) sendOrQueue(kind string, build func(seq int64) any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	if !connected || conn == nil {
		if c.pending.push(pendingFrame{kind: kind, build: build}) {
			c.stats.QueueEvicted++
			c.mx.QueueDrop()
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.writeStamped(conn, kind, build)
}

// SendAudioPcm sends one PCM frame. No-op while disconnected.
func (c *Client) SendAudioPcm(pcm []byte, tsStartMs int64, numSamples, sampleRate int) error {
	encoded := base64.StdEncoding.EncodeToString(pcm)
	return c.sendMedia(protocol.TypeAudioChunk, func(seq int64) any {
		return protocol.AudioChunk{
			Type:       protocol.TypeAudioChunk,
			Seq:        seq,
			TsStartMs:  tsStartMs,
			NumSamples: numSamples,
			SampleRate: sampleRate,
			Mime:       protocol.MimePCMS16LE,
			Base64:     encoded,
		}
	})
}

// SendImageFrame sends one JPEG tab snapshot. No-op while disconnected.
func (c *Client) SendImageFrame(jpeg []byte, tsMs int64) error {
	encoded := base64.StdEncoding.EncodeToString(jpeg)
	return c.sendMedia(protocol.TypeImageFrame, func(seq int64) any {
		return protocol.ImageFrame{
			Type:   protocol.TypeImageFrame,
			Seq:    seq,
			TsMs:   tsMs,
			Mime:   protocol.MimeJPEG,
			Base64: encoded,
		}
	})
}

// SendTextMessage sends a typed user message, queuing while disconnected.
func (c *Client) SendTextMessage(text string, tsMs int64) error {
	return c.sendOrQueue(protocol.TypeText, func(seq int64) any {
		return protocol.Text{Type: protocol.TypeText, Seq: seq, TsMs: tsMs, Text: text}
	})
}

// SendLinks reports detected page links, queuing while disconnected.
func (c *Client) SendLinks(links []string, tsMs int64) error {
	copied := append([]string(nil), links...)
	return c.sendOrQueue(protocol.TypeLinks, func(seq int64) any {
		return protocol.Links{Type: protocol.TypeLinks, Seq: seq, TsMs: tsMs, Links: copied}
	})
}

// SendTabInfo reports the monitored tab, queuing while disconnected.
func (c *Client) SendTabInfo(info protocol.TabMeta, tsMs int64) error {
	return c.sendOrQueue(protocol.TypeTabInfo, func(seq int64) any {
		return protocol.TabInfo{Type: protocol.TypeTabInfo, Seq: seq, TsMs: tsMs, Info: info}
	})
}

// BeginActiveSession announces an active speaking sub-session via init.
func (c *Client) BeginActiveSession() error {
	fps := c.opts.CaptureFPS
	sampleRate := c.opts.SampleRate
	sessionID := c.opts.SessionID
	return c.sendOrQueue(protocol.TypeInit, func(seq int64) any {
		return protocol.Init{
			Type:       protocol.TypeInit,
			SessionID:  sessionID,
			FPS:        fps,
			SampleRate: sampleRate,
			Seq:        seq,
		}
	})
}

// EndActiveSession closes the active speaking sub-session. The socket stays
// open.
func (c *Client) EndActiveSession() error {
	return c.sendOrQueue(protocol.TypeControl, func(seq int64) any {
		return protocol.Control{
			Type:   protocol.TypeControl,
			Action: protocol.ActionActiveSessionClosed,
			Seq:    seq,
		}
	})
}

// ForceSegmentClose asks the backend to finalize the trailing segment now.
func (c *Client) ForceSegmentClose() error {
	return c.sendOrQueue(protocol.TypeControl, func(seq int64) any {
		return protocol.Control{
			Type:   protocol.TypeControl,
			Action: protocol.ActionForceSegmentClose,
			Seq:    seq,
		}
	})
}

// PendingLen reports the number of queued control/text frames.
func (c *Client) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.len()
}

// Attempts reports the current reconnect attempt counter.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
