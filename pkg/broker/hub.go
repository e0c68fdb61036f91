package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coview-labs/coview/pkg/metrics"
)

const (
	panelSendBuffer  = 32
	panelWriteWait   = 5 * time.Second
	defaultInfoEvery = 15 * time.Second
)

type panel struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	lastFocus time.Time
	closeOnce sync.Once
}

// shutdown signals the write loop to exit. The send channel is never
// closed: concurrent broadcasters select against done instead, so a late
// send can never panic.
func (p *panel) shutdown() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Hub tracks registered panels, arbitrates ownership and fans state out.
type Hub struct {
	log  *slog.Logger
	mx   *metrics.Metrics
	now  func() time.Time
	info time.Duration

	mu        sync.Mutex
	panels    map[string]*panel
	owner     string
	active    bool
	upstream  bool
	idleFPS   int
	activeFPS int
}

// NewHub creates a hub broadcasting session_info every infoInterval
// (0 uses the default).
func NewHub(infoInterval time.Duration, mx *metrics.Metrics, log *slog.Logger) *Hub {
	if infoInterval <= 0 {
		infoInterval = defaultInfoEvery
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log.With("component", "broker"),
		mx:     mx,
		now:    time.Now,
		info:   infoInterval,
		panels: make(map[string]*panel),
	}
}

// Run broadcasts periodic session_info snapshots until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.info)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(h.snapshot())
		}
	}
}

// SetCaptureFPS records the idle/active capture rates advertised to
// panels in session_info.
func (h *Hub) SetCaptureFPS(idle, active int) {
	h.mu.Lock()
	h.idleFPS = idle
	h.activeFPS = active
	h.mu.Unlock()
}

// SetUpstreamState mirrors the duplex channel's connection state to all
// panels.
func (h *Hub) SetUpstreamState(connected bool) {
	h.mu.Lock()
	h.upstream = connected
	h.mu.Unlock()
	h.broadcast(WsState{Type: MsgWsState, IsConnected: connected})
}

// Owner returns the current owning panel id ("" when no panels).
func (h *Hub) Owner() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

// Active returns the global idle/active mode.
func (h *Hub) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// PanelCount returns the number of registered panels.
func (h *Hub) PanelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.panels)
}

// Serve owns one panel connection: registers it, pumps messages and cleans
// up on close. Blocks until the connection drops.
func (h *Hub) Serve(conn *websocket.Conn) {
	p := &panel{
		conn: conn,
		send: make(chan []byte, panelSendBuffer),
		done: make(chan struct{}),
	}
	go h.writeLoop(p)
	defer h.drop(p)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg PanelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug("malformed panel message dropped", "error", err)
			continue
		}
		h.handle(p, msg)
	}
}

func (h *Hub) writeLoop(p *panel) {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(panelWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handle(p *panel, msg PanelMessage) {
	switch msg.Type {
	case MsgPanelInit:
		h.register(p, msg.PanelID)
	case MsgPanelDispose:
		h.drop(p)
	case MsgFocusPing:
		h.focusPing(p, msg.Active)
	case MsgActiveToggle:
		h.toggleActive(p)
	case MsgWsState:
		// The owning panel holds the upstream channel and reports its
		// connectivity for the rest to mirror.
		h.SetUpstreamState(msg.Active)
	default:
		h.log.Debug("unknown panel message", "type", msg.Type)
	}
}

func (h *Hub) register(p *panel, id string) {
	if id == "" {
		id = uuid.NewString()
	}
	h.mu.Lock()
	p.id = id
	p.lastFocus = h.now()
	h.panels[id] = p
	h.recomputeOwnerLocked()
	snap := h.snapshotLocked()
	count := len(h.panels)
	h.mu.Unlock()

	h.mx.SetPanels(count)
	h.log.Info("panel registered", "panel_id", id, "panels", count)
	h.sendTo(p, snap)
	h.broadcastOwner()
}

func (h *Hub) drop(p *panel) {
	h.mu.Lock()
	if p.id == "" || h.panels[p.id] != p {
		h.mu.Unlock()
		p.shutdown()
		return
	}
	delete(h.panels, p.id)
	id := p.id
	p.id = ""
	h.recomputeOwnerLocked()
	count := len(h.panels)
	h.mu.Unlock()

	p.shutdown()
	h.mx.SetPanels(count)
	h.log.Info("panel disposed", "panel_id", id, "panels", count)
	h.broadcastOwner()
}

// focusPing updates the panel's focus recency. Only an active (focused or
// visible) ping can win ownership.
func (h *Hub) focusPing(p *panel, active bool) {
	h.mu.Lock()
	if p.id == "" {
		h.mu.Unlock()
		return
	}
	if active {
		p.lastFocus = h.now()
	}
	prev := h.owner
	h.recomputeOwnerLocked()
	changed := h.owner != prev
	h.mu.Unlock()
	if changed {
		h.broadcastOwner()
	}
}

func (h *Hub) toggleActive(p *panel) {
	h.mu.Lock()
	h.active = !h.active
	active := h.active
	h.mu.Unlock()
	h.log.Info("mode toggled", "active", active, "panel_id", p.id)
	h.broadcast(ModeChanged{Type: MsgModeChanged, Active: active})
}

// recomputeOwnerLocked picks the panel with the most recent focus signal.
func (h *Hub) recomputeOwnerLocked() {
	var best *panel
	for _, p := range h.panels {
		if best == nil || p.lastFocus.After(best.lastFocus) {
			best = p
		}
	}
	if best == nil {
		h.owner = ""
		return
	}
	h.owner = best.id
}

func (h *Hub) broadcastOwner() {
	h.mu.Lock()
	owner := h.owner
	h.mu.Unlock()
	if owner == "" {
		return
	}
	h.broadcast(OwnerChanged{Type: MsgOwnerChanged, OwnerPanelID: owner})
}

func (h *Hub) snapshot() SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() SessionInfo {
	ids := make([]string, 0, len(h.panels))
	for id := range h.panels {
		ids = append(ids, id)
	}
	return SessionInfo{
		Type:         MsgSessionInfo,
		OwnerPanelID: h.owner,
		Active:       h.active,
		Panels:       ids,
		IsConnected:  h.upstream,
		IdleFPS:      h.idleFPS,
		ActiveFPS:    h.activeFPS,
	}
}

func (h *Hub) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	type target struct {
		p  *panel
		id string
	}
	h.mu.Lock()
	targets := make([]target, 0, len(h.panels))
	for id, p := range h.panels {
		targets = append(targets, target{p: p, id: id})
	}
	h.mu.Unlock()
	for _, tgt := range targets {
		select {
		case <-tgt.p.done:
		case tgt.p.send <- data:
		default:
			h.log.Warn("panel send buffer full, dropping broadcast", "panel_id", tgt.id)
		}
	}
}

func (h *Hub) sendTo(p *panel, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case <-p.done:
	case p.send <- data:
	default:
	}
}
