// Package broker arbitrates shared-session ownership across UI panels.
// Exactly one panel owns microphone/camera capture at a time; the broker
// grants ownership by most-recent focus and broadcasts state to every
// registered panel.
package broker

// Panel-to-broker message types.
const (
	MsgPanelInit    = "panel_init"
	MsgPanelDispose = "panel_dispose"
	MsgFocusPing    = "focus_ping"
	MsgActiveToggle = "active_toggle"
)

// Broker-to-panel message types.
const (
	MsgSessionInfo  = "session_info"
	MsgOwnerChanged = "owner_changed"
	MsgModeChanged  = "mode_changed"
	MsgWsState      = "ws_state"
)

// PanelMessage is the single inbound envelope; fields are populated per
// Type.
type PanelMessage struct {
	Type    string `json:"type"`
	PanelID string `json:"panelId,omitempty"`
	Active  bool   `json:"active,omitempty"`
}

// SessionInfo is the full broker state snapshot, sent on registration and
// periodically.
type SessionInfo struct {
	Type         string   `json:"type"`
	OwnerPanelID string   `json:"ownerPanelId"`
	Active       bool     `json:"active"`
	Panels       []string `json:"panels"`
	IsConnected  bool     `json:"isConnected"`
	IdleFPS      int      `json:"idleFps,omitempty"`
	ActiveFPS    int      `json:"activeFps,omitempty"`
}

// OwnerChanged announces a new owning panel.
type OwnerChanged struct {
	Type         string `json:"type"`
	OwnerPanelID string `json:"ownerPanelId"`
}

// ModeChanged announces the global idle/active mode.
type ModeChanged struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// WsState mirrors the upstream duplex channel's connection state to panels.
type WsState struct {
	Type        string `json:"type"`
	IsConnected bool   `json:"isConnected"`
}
