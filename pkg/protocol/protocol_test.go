package protocol

import (
	"testing"
)

func TestDecodeServerMessage_Transcript(t *testing.T) {
	raw := []byte(`{"type":"transcript","text":"add this to my list","isFinal":true,"tsMs":1234.5}`)
	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	transcript, ok := msg.(ServerTranscript)
	if !ok {
		t.Fatalf("expected ServerTranscript, got %T", msg)
	}
	if !transcript.IsFinal {
		t.Fatalf("expected final transcript")
	}
	if transcript.Text != "add this to my list" {
		t.Fatalf("unexpected text %q", transcript.Text)
	}
	if transcript.TsMs != 1234.5 {
		t.Fatalf("unexpected tsMs %v", transcript.TsMs)
	}
}

func TestDecodeServerMessage_Config(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"type":"config","captureFps":5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg, ok := msg.(ServerConfig)
	if !ok {
		t.Fatalf("expected ServerConfig, got %T", msg)
	}
	if cfg.CaptureFPS != 5 {
		t.Fatalf("unexpected captureFps %d", cfg.CaptureFPS)
	}
}

func TestDecodeServerMessage_NegativeFPSRejected(t *testing.T) {
	_, err := DecodeServerMessage([]byte(`{"type":"config","captureFps":-1}`))
	if err == nil {
		t.Fatalf("expected decode error for negative captureFps")
	}
	decodeErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if decodeErr.Param != "captureFps" {
		t.Fatalf("unexpected param %q", decodeErr.Param)
	}
}

func TestDecodeServerMessage_UnknownTypePreserved(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"type":"experimental_hint","data":42}`))
	if err != nil {
		t.Fatalf("unknown types must not error: %v", err)
	}
	unknown, ok := msg.(UnknownEvent)
	if !ok {
		t.Fatalf("expected UnknownEvent, got %T", msg)
	}
	if unknown.Type != "experimental_hint" {
		t.Fatalf("unexpected type %q", unknown.Type)
	}
	if len(unknown.Raw) == 0 {
		t.Fatalf("raw payload must be preserved")
	}
}

func TestDecodeServerMessage_InvalidJSON(t *testing.T) {
	_, err := DecodeServerMessage([]byte(`{"type":`))
	if err == nil {
		t.Fatalf("expected error for truncated json")
	}
}

func TestDecodeServerMessage_MissingType(t *testing.T) {
	_, err := DecodeServerMessage([]byte(`{"text":"hello"}`))
	if err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestDecodeServerMessage_Segment(t *testing.T) {
	raw := []byte(`{"type":"segment","segmentStartMs":100,"segmentEndMs":2100,"transcript":"hi","responseText":"hello","chosenPath":"video+text"}`)
	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	segment, ok := msg.(ServerSegment)
	if !ok {
		t.Fatalf("expected ServerSegment, got %T", msg)
	}
	if segment.SegmentEndMs != 2100 {
		t.Fatalf("unexpected end ms %v", segment.SegmentEndMs)
	}
	if segment.ChosenPath != "video+text" {
		t.Fatalf("unexpected chosenPath %q", segment.ChosenPath)
	}
}

func TestValidateControlAction(t *testing.T) {
	if err := ValidateControlAction(ActionActiveSessionClosed); err != nil {
		t.Fatalf("activeSessionClosed should validate: %v", err)
	}
	if err := ValidateControlAction(ActionForceSegmentClose); err != nil {
		t.Fatalf("forceSegmentClose should validate: %v", err)
	}
	if err := ValidateControlAction("rebootServer"); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
