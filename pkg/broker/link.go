package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// PanelEvents receives broker state on the panel side.
type PanelEvents interface {
	SessionInfo(info SessionInfo)
	OwnerChanged(ownerPanelID string)
	ModeChanged(active bool)
	UpstreamState(connected bool)
}

// NopPanelEvents implements PanelEvents with no-ops, for embedding.
type NopPanelEvents struct{}

func (NopPanelEvents) SessionInfo(SessionInfo) {}
func (NopPanelEvents) OwnerChanged(string)     {}
func (NopPanelEvents) ModeChanged(bool)        {}
func (NopPanelEvents) UpstreamState(bool)      {}

// Link is the panel side of the broker protocol. It registers on connect
// and heartbeats focus state roughly once per second, transmitting only
// when focused or when the focus state flips, to minimize chatter.
type Link struct {
	id        string
	url       string
	events    PanelEvents
	log       *slog.Logger
	heartbeat time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	focused  bool
	lastSent bool
	cancel   context.CancelFunc

	writeMu sync.Mutex
}

// NewLink creates a panel link with a generated panel id.
func NewLink(brokerURL string, events PanelEvents, log *slog.Logger) *Link {
	if events == nil {
		events = NopPanelEvents{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		id:        uuid.NewString(),
		url:       brokerURL,
		events:    events,
		log:       log.With("component", "panel-link"),
		heartbeat: time.Second,
	}
}

// SetHeartbeat overrides the focus-ping interval. Must be called before
// Connect.
func (l *Link) SetHeartbeat(d time.Duration) {
	if d > 0 {
		l.heartbeat = d
	}
}

// PanelID returns this panel's generated id.
func (l *Link) PanelID() string { return l.id }

// Connect dials the broker, registers the panel and starts the read and
// heartbeat loops.
func (l *Link) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", l.url, err)
	}
	loopCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.conn = conn
	l.cancel = cancel
	l.mu.Unlock()

	if err := l.write(PanelMessage{Type: MsgPanelInit, PanelID: l.id}); err != nil {
		l.Close()
		return err
	}
	go l.readLoop(conn)
	go l.heartbeatLoop(loopCtx)
	return nil
}

// SetFocus records the panel's focus/visibility state, picked up by the
// next heartbeat.
func (l *Link) SetFocus(focused bool) {
	l.mu.Lock()
	l.focused = focused
	l.mu.Unlock()
}

// ToggleActive flips the global idle/active mode for every panel.
func (l *Link) ToggleActive() error {
	return l.write(PanelMessage{Type: MsgActiveToggle, PanelID: l.id})
}

// ReportUpstream publishes the upstream channel's connection state so the
// broker can mirror it to every panel.
func (l *Link) ReportUpstream(connected bool) error {
	return l.write(PanelMessage{Type: MsgWsState, PanelID: l.id, Active: connected})
}

// Dispose deregisters the panel and closes the connection.
func (l *Link) Dispose() {
	_ = l.write(PanelMessage{Type: MsgPanelDispose, PanelID: l.id})
	l.Close()
}

// Close tears the link down without deregistering first.
func (l *Link) Close() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (l *Link) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			focused := l.focused
			flipped := focused != l.lastSent
			l.mu.Unlock()
			if !focused && !flipped {
				continue
			}
			if err := l.write(PanelMessage{Type: MsgFocusPing, PanelID: l.id, Active: focused}); err != nil {
				return
			}
			l.mu.Lock()
			l.lastSent = focused
			l.mu.Unlock()
		}
	}
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		l.dispatch(data)
	}
}

func (l *Link) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	switch envelope.Type {
	case MsgSessionInfo:
		var info SessionInfo
		if json.Unmarshal(data, &info) == nil {
			l.events.SessionInfo(info)
		}
	case MsgOwnerChanged:
		var msg OwnerChanged
		if json.Unmarshal(data, &msg) == nil {
			l.events.OwnerChanged(msg.OwnerPanelID)
		}
	case MsgModeChanged:
		var msg ModeChanged
		if json.Unmarshal(data, &msg) == nil {
			l.events.ModeChanged(msg.Active)
		}
	case MsgWsState:
		var msg WsState
		if json.Unmarshal(data, &msg) == nil {
			l.events.UpstreamState(msg.IsConnected)
		}
	default:
		l.log.Debug("unknown broker message", "type", envelope.Type)
	}
}

func (l *Link) write(msg PanelMessage) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("panel link not connected")
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(panelWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}
