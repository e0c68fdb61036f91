// Package protocol defines the JSON-framed wire protocol spoken over the
// duplex channel between a panel client and the assistant backend.
//
// Every frame is a JSON object with a "type" discriminator. Client frames
// carry a per-connection sequence number assigned at send time; media frames
// additionally carry timestamps relative to the session start.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client frame type values.
const (
	TypeInit       = "init"
	TypeControl    = "control"
	TypeImageFrame = "imageFrame"
	TypeAudioChunk = "audioChunk"
	TypeText       = "text"
	TypeLinks      = "links"
	TypeTabInfo    = "tabInfo"
)

// Server frame type values.
const (
	TypeStatus     = "status"
	TypeResponse   = "response"
	TypeError      = "error"
	TypeConfig     = "config"
	TypeTranscript = "transcript"
	TypeAck        = "ack"
	TypeSegment    = "segment"
)

// Control actions understood by the backend.
const (
	ActionActiveSessionClosed = "activeSessionClosed"
	ActionForceSegmentClose   = "forceSegmentClose"
)

// MIME types used for media frames.
const (
	MimeJPEG     = "image/jpeg"
	MimePCMS16LE = "audio/pcm;codec=s16le"
)

// DecodeError describes a malformed or unsupported inbound frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Init announces a new session to the backend and negotiates capture shape.
type Init struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	FPS        int    `json:"fps"`
	SampleRate int    `json:"sampleRate"`
	Seq        int64  `json:"seq"`
}

// Control carries a session-level control action.
type Control struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Seq    int64  `json:"seq"`
}

// ImageFrame is one JPEG snapshot of the monitored tab.
type ImageFrame struct {
	Type   string `json:"type"`
	Seq    int64  `json:"seq"`
	TsMs   int64  `json:"tsMs"`
	Mime   string `json:"mime"`
	Base64 string `json:"base64"`
}

// AudioChunk is one PCM frame of microphone audio.
//
// TsStartMs is derived from the cumulative sample count, not wall clock,
// so consecutive chunks tile the session timeline exactly.
type AudioChunk struct {
	Type       string `json:"type"`
	Seq        int64  `json:"seq"`
	TsStartMs  int64  `json:"tsStartMs"`
	NumSamples int    `json:"numSamples"`
	SampleRate int    `json:"sampleRate"`
	Mime       string `json:"mime"`
	Base64     string `json:"base64"`
}

// Text is a typed user message.
type Text struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	TsMs int64  `json:"tsMs"`
	Text string `json:"text"`
}

// Links reports product/page links detected on the monitored tab.
type Links struct {
	Type  string   `json:"type"`
	Seq   int64    `json:"seq"`
	TsMs  int64    `json:"tsMs"`
	Links []string `json:"links"`
}

// TabInfo describes the currently monitored tab.
type TabInfo struct {
	Type string  `json:"type"`
	Seq  int64   `json:"seq"`
	TsMs int64   `json:"tsMs"`
	Info TabMeta `json:"info"`
}

// TabMeta is the tab descriptor carried inside TabInfo.
type TabMeta struct {
	TabID string `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ServerStatus is a periodic backend status ping.
type ServerStatus struct {
	Type        string `json:"type"`
	State       string `json:"state"`
	Frames      int64  `json:"frames,omitempty"`
	Audio       int64  `json:"audio,omitempty"`
	Transcripts int64  `json:"transcripts,omitempty"`
}

// ServerResponse carries final assistant text.
type ServerResponse struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerError reports a backend-side failure for one inbound frame.
type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerConfig is a server-pushed capture configuration override.
type ServerConfig struct {
	Type       string `json:"type"`
	CaptureFPS int    `json:"captureFps"`
}

// ServerTranscript is an interim or final speech transcript.
type ServerTranscript struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	IsFinal bool    `json:"isFinal"`
	TsMs    float64 `json:"tsMs,omitempty"`
}

// ServerAck acknowledges one client frame by sequence number.
type ServerAck struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	AckType string `json:"ackType"`
}

// ServerSegment reports a finalized speech segment and the assistant's
// answer for it.
type ServerSegment struct {
	Type           string  `json:"type"`
	SegmentStartMs float64 `json:"segmentStartMs"`
	SegmentEndMs   float64 `json:"segmentEndMs"`
	Transcript     string  `json:"transcript,omitempty"`
	ResponseText   string  `json:"responseText,omitempty"`
	ChosenPath     string  `json:"chosenPath,omitempty"`
	FrameCount     int     `json:"frameCount,omitempty"`
	AudioMs        float64 `json:"audioMs,omitempty"`
}

// UnknownEvent preserves a frame whose type this client does not know.
// Unknown frames are surfaced, never treated as protocol errors, so older
// clients keep working against newer backends.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

// DecodeServerMessage parses one inbound text frame into its typed form.
// Malformed payloads return a *DecodeError; callers log and drop them.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case TypeStatus:
		var msg ServerStatus
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid status frame", "")
		}
		return msg, nil
	case TypeResponse:
		var msg ServerResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response frame", "")
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	case TypeConfig:
		var msg ServerConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid config frame", "")
		}
		if msg.CaptureFPS < 0 {
			return nil, badFrame("config.captureFps must be >= 0", "captureFps")
		}
		return msg, nil
	case TypeTranscript:
		var msg ServerTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript frame", "")
		}
		return msg, nil
	case TypeAck:
		var msg ServerAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid ack frame", "")
		}
		return msg, nil
	case TypeSegment:
		var msg ServerSegment
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid segment frame", "")
		}
		return msg, nil
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// ValidateControlAction reports whether the backend understands the action.
func ValidateControlAction(action string) error {
	switch strings.TrimSpace(action) {
	case ActionActiveSessionClosed, ActionForceSegmentClose:
		return nil
	default:
		return badFrame("unsupported control action", "action")
	}
}
