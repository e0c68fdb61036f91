package render

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

type recordingDisplay struct {
	mu         sync.Mutex
	userDeltas []string
	userFinals []string
	botDeltas  []string
	botFinals  []string
	pendings   int
	replaces   int
}

func (d *recordingDisplay) UserInterim(delta string, replace bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userDeltas = append(d.userDeltas, delta)
	if replace {
		d.replaces++
	}
}

func (d *recordingDisplay) UserFinalized(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userFinals = append(d.userFinals, text)
}

func (d *recordingDisplay) AssistantPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendings++
}

func (d *recordingDisplay) AssistantStream(delta string, replace bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.botDeltas = append(d.botDeltas, delta)
	if replace {
		d.replaces++
	}
}

func (d *recordingDisplay) AssistantFinalized(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.botFinals = append(d.botFinals, text)
}

func newTestRenderer() (*Renderer, *recordingDisplay) {
	d := &recordingDisplay{}
	return New(d, slog.New(slog.NewTextHandler(io.Discard, nil))), d
}

func TestInterimAppendsOnlyDeltas(t *testing.T) {
	r, d := newTestRenderer()

	r.SetUserInterim("Hel")
	r.SetUserInterim("Hello")
	r.SetUserInterim("Hello wor")

	want := []string{"Hel", "lo", " wor"}
	if len(d.userDeltas) != len(want) {
		t.Fatalf("got %d deltas %v, want %v", len(d.userDeltas), d.userDeltas, want)
	}
	for i := range want {
		if d.userDeltas[i] != want[i] {
			t.Fatalf("delta %d = %q, want %q", i, d.userDeltas[i], want[i])
		}
	}
	if d.replaces != 0 {
		t.Fatalf("replaces = %d, want 0", d.replaces)
	}
}

func TestCorrectedInterimReplaces(t *testing.T) {
	r, d := newTestRenderer()

	r.SetUserInterim("their")
	r.SetUserInterim("there")
	if d.replaces != 1 {
		t.Fatalf("replaces = %d, want 1", d.replaces)
	}
	if last := d.userDeltas[len(d.userDeltas)-1]; last != "there" {
		t.Fatalf("replace delta = %q, want full text", last)
	}
}

func TestFinalizeProducesSingleUserEntry(t *testing.T) {
	r, d := newTestRenderer()

	r.SetUserInterim("Hel")
	r.SetUserInterim("Hello")
	r.FinalizeUserInterim("Hello")

	history := r.History()
	if len(history) != 1 {
		t.Fatalf("history = %d entries, want 1", len(history))
	}
	if history[0].Role != RoleUser || history[0].Content != "Hello" {
		t.Fatalf("entry = %+v, want user/Hello", history[0])
	}
	if len(d.userFinals) != 1 || d.userFinals[0] != "Hello" {
		t.Fatalf("UserFinalized calls = %v, want [Hello]", d.userFinals)
	}
	if d.pendings != 1 {
		t.Fatalf("AssistantPending calls = %d, want 1", d.pendings)
	}
	if r.CurrentPhase() != PhaseAssistantPending {
		t.Fatalf("phase = %v, want ASSISTANT_PENDING", r.CurrentPhase())
	}
}

func TestFullTurnRoundTrip(t *testing.T) {
	r, d := newTestRenderer()

	r.SetUserInterim("How do I exit vim")
	r.FinalizeUserInterim("How do I exit vim?")
	r.UpdateAssistantStream("Press")
	r.UpdateAssistantStream("Press :q")
	r.UpdateAssistantStream("Press :q and Enter.")
	r.FinalizeAssistantStream()

	history := r.History()
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[1].Role != RoleAssistant || history[1].Content != "Press :q and Enter." {
		t.Fatalf("assistant entry = %+v", history[1])
	}
	wantDeltas := []string{"Press", " :q", " and Enter."}
	for i, want := range wantDeltas {
		if d.botDeltas[i] != want {
			t.Fatalf("bot delta %d = %q, want %q", i, d.botDeltas[i], want)
		}
	}
	if r.CurrentPhase() != PhaseNoTurn {
		t.Fatalf("phase = %v, want NO_TURN", r.CurrentPhase())
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	r, _ := newTestRenderer()

	r.SetUserInterim("one")
	r.FinalizeUserInterim("one")
	r.UpdateAssistantStream("answer one")
	r.FinalizeAssistantStream()
	snapshot := r.History()

	r.SetUserInterim("two")
	r.FinalizeUserInterim("two")
	r.UpdateAssistantStream("answer two")
	r.FinalizeAssistantStream()
	grown := r.History()

	if len(grown) < len(snapshot) {
		t.Fatalf("history shrank: %d -> %d", len(snapshot), len(grown))
	}
	for i, old := range snapshot {
		if grown[i].Content != old.Content || grown[i].Role != old.Role {
			t.Fatalf("finalized entry %d mutated: %+v -> %+v", i, old, grown[i])
		}
	}
}

func TestResponseWithoutFinalizedUserTurn(t *testing.T) {
	r, _ := newTestRenderer()

	// Backend can respond while the user turn is still interim.
	r.SetUserInterim("quick question")
	r.UpdateAssistantStream("quick answer")
	r.FinalizeAssistantStream()

	history := r.History()
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].Role != RoleUser || history[0].Content != "quick question" {
		t.Fatalf("user entry = %+v", history[0])
	}
	if history[1].Role != RoleAssistant || history[1].Content != "quick answer" {
		t.Fatalf("assistant entry = %+v", history[1])
	}
}

func TestNewUtteranceClosesDanglingAssistantTurn(t *testing.T) {
	r, _ := newTestRenderer()

	r.SetUserInterim("first")
	r.FinalizeUserInterim("first")
	r.UpdateAssistantStream("partial answ")
	// User starts speaking again before the assistant finalizes.
	r.SetUserInterim("second")

	history := r.History()
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2 (user + closed assistant)", len(history))
	}
	if history[1].Role != RoleAssistant || history[1].Content != "partial answ" {
		t.Fatalf("assistant entry = %+v", history[1])
	}
}

// reentrantDisplay reads renderer state from inside the finalize
// callback, the way a display persisting history on each turn would.
type reentrantDisplay struct {
	NopDisplay
	r       *Renderer
	entries int
	phase   Phase
}

func (d *reentrantDisplay) AssistantFinalized(string) {
	d.entries = len(d.r.History())
	d.phase = d.r.CurrentPhase()
}

func TestDisplayMayReenterRendererOnFinalize(t *testing.T) {
	d := &reentrantDisplay{}
	r := New(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.r = r

	r.SetUserInterim("hello")
	r.FinalizeUserInterim("hello")
	r.UpdateAssistantStream("hi there")
	r.FinalizeAssistantStream()

	if d.entries != 2 {
		t.Fatalf("callback saw %d history entries, want 2", d.entries)
	}
	if d.phase != PhaseNoTurn {
		t.Fatalf("callback saw phase %v, want %v", d.phase, PhaseNoTurn)
	}

	// The interrupt path closes the turn through the same callback.
	r.SetUserInterim("next question")
	r.FinalizeUserInterim("next question")
	r.UpdateAssistantStream("partial answer")
	r.SetUserInterim("interrupting")
	if d.entries != 4 {
		t.Fatalf("callback saw %d history entries after interrupt, want 4", d.entries)
	}
}

func TestRestoreAcceptsExtension(t *testing.T) {
	r, _ := newTestRenderer()
	r.SetUserInterim("hi")
	r.FinalizeUserInterim("hi")
	r.UpdateAssistantStream("hello")
	r.FinalizeAssistantStream()

	persisted := append(r.History(),
		Entry{Role: RoleUser, Content: "more"},
		Entry{Role: RoleAssistant, Content: "sure"})
	if err := r.Restore(persisted); err != nil {
		t.Fatalf("restore of extension refused: %v", err)
	}
	if got := len(r.History()); got != 4 {
		t.Fatalf("history = %d entries after restore, want 4", got)
	}
}

func TestRestoreRefusesDivergence(t *testing.T) {
	r, _ := newTestRenderer()
	r.SetUserInterim("hi")
	r.FinalizeUserInterim("hi")
	r.UpdateAssistantStream("hello")
	r.FinalizeAssistantStream()
	before := r.History()

	diverged := []Entry{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "DIFFERENT"},
		{Role: RoleUser, Content: "more"},
	}
	if err := r.Restore(diverged); err == nil {
		t.Fatal("restore of diverged history was applied")
	}
	after := r.History()
	if len(after) != len(before) {
		t.Fatalf("refused restore mutated history: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if after[i].Content != before[i].Content {
			t.Fatalf("refused restore mutated entry %d", i)
		}
	}
}

func TestRestoreRefusesTruncation(t *testing.T) {
	r, _ := newTestRenderer()
	r.SetUserInterim("hi")
	r.FinalizeUserInterim("hi")
	r.UpdateAssistantStream("hello")
	r.FinalizeAssistantStream()

	if err := r.Restore([]Entry{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("restore shorter than live history was applied")
	}
}
