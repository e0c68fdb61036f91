// Package render turns the transcript/response event stream into an
// append-only conversation history plus incremental display updates. It
// never re-renders a whole message when a delta suffices.
package render

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Phase is the per-turn rendering state.
type Phase int

const (
	PhaseNoTurn Phase = iota
	PhaseUserInterim
	PhaseAssistantPending
	PhaseAssistantStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseNoTurn:
		return "NO_TURN"
	case PhaseUserInterim:
		return "USER_INTERIM"
	case PhaseAssistantPending:
		return "ASSISTANT_PENDING"
	case PhaseAssistantStreaming:
		return "ASSISTANT_STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Role identifies the author of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one finalized conversation turn. Immutable once appended.
type Entry struct {
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	FinalizedAt time.Time `json:"finalizedAt"`
}

// Display receives incremental updates. When replace is false the delta is
// a pure suffix of the previously shown text; when true the shown text must
// be replaced wholesale (the interim was corrected, not extended).
type Display interface {
	UserInterim(delta string, replace bool)
	UserFinalized(text string)
	AssistantPending()
	AssistantStream(delta string, replace bool)
	AssistantFinalized(text string)
}

// NopDisplay implements Display with no-ops, for embedding.
type NopDisplay struct{}

func (NopDisplay) UserInterim(string, bool)   {}
func (NopDisplay) UserFinalized(string)       {}
func (NopDisplay) AssistantPending()          {}
func (NopDisplay) AssistantStream(string, bool) {}
func (NopDisplay) AssistantFinalized(string)  {}

// Renderer drives the per-turn state machine. Safe for concurrent use.
type Renderer struct {
	display Display
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	phase     Phase
	userText  string
	botText   string
	history   []Entry
}

// New creates a renderer writing to display.
func New(display Display, log *slog.Logger) *Renderer {
	if display == nil {
		display = NopDisplay{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{
		display: display,
		log:     log.With("component", "render"),
		now:     time.Now,
	}
}

// delta returns the suffix of next past prev, or next with replace=true when
// next does not extend prev.
func delta(prev, next string) (string, bool) {
	if strings.HasPrefix(next, prev) {
		return next[len(prev):], false
	}
	return next, true
}

// SetUserInterim opens a turn if needed and shows the interim user text.
func (r *Renderer) SetUserInterim(text string) {
	r.mu.Lock()
	closedTurn := false
	var closedText string
	if r.phase == PhaseAssistantPending || r.phase == PhaseAssistantStreaming {
		// A new utterance while the assistant is mid-turn closes the old
		// turn first so history never interleaves.
		closedText = r.finalizeAssistantLocked()
		closedTurn = true
	}
	if r.phase == PhaseNoTurn {
		r.phase = PhaseUserInterim
		r.userText = ""
	}
	d, replace := delta(r.userText, text)
	r.userText = text
	r.mu.Unlock()
	if closedTurn {
		r.display.AssistantFinalized(closedText)
	}
	if d != "" || replace {
		r.display.UserInterim(d, replace)
	}
}

// FinalizeUserInterim commits the user turn to history and opens the
// pending assistant placeholder. Called with the backend's final
// transcript, which supersedes any interim text.
func (r *Renderer) FinalizeUserInterim(finalText string) {
	r.mu.Lock()
	if r.phase == PhaseNoTurn && finalText == "" {
		r.mu.Unlock()
		return
	}
	if finalText == "" {
		finalText = r.userText
	}
	r.history = append(r.history, Entry{Role: RoleUser, Content: finalText, FinalizedAt: r.now()})
	r.userText = ""
	r.botText = ""
	r.phase = PhaseAssistantPending
	r.mu.Unlock()

	r.display.UserFinalized(finalText)
	r.display.AssistantPending()
}

// UpdateAssistantStream shows the assistant's in-progress text. fullText is
// the cumulative response so far.
func (r *Renderer) UpdateAssistantStream(fullText string) {
	r.mu.Lock()
	if r.phase == PhaseNoTurn || r.phase == PhaseUserInterim {
		// Response without a finalized user turn: open an assistant turn
		// anyway rather than dropping backend output.
		if r.phase == PhaseUserInterim {
			final := r.userText
			r.history = append(r.history, Entry{Role: RoleUser, Content: final, FinalizedAt: r.now()})
			r.userText = ""
			r.mu.Unlock()
			r.display.UserFinalized(final)
			r.mu.Lock()
		}
		r.phase = PhaseAssistantStreaming
		r.botText = ""
	}
	if r.phase == PhaseAssistantPending {
		r.phase = PhaseAssistantStreaming
	}
	d, replace := delta(r.botText, fullText)
	r.botText = fullText
	r.mu.Unlock()
	if d != "" || replace {
		r.display.AssistantStream(d, replace)
	}
}

// FinalizeAssistantStream commits the assistant turn and closes the turn.
func (r *Renderer) FinalizeAssistantStream() {
	r.mu.Lock()
	if r.phase != PhaseAssistantPending && r.phase != PhaseAssistantStreaming {
		r.mu.Unlock()
		return
	}
	text := r.finalizeAssistantLocked()
	r.mu.Unlock()
	r.display.AssistantFinalized(text)
}

// finalizeAssistantLocked commits the assistant turn and returns its text.
// The caller dispatches the display callback after releasing r.mu, so
// displays may call back into the renderer.
func (r *Renderer) finalizeAssistantLocked() string {
	text := r.botText
	r.history = append(r.history, Entry{Role: RoleAssistant, Content: text, FinalizedAt: r.now()})
	r.botText = ""
	r.phase = PhaseNoTurn
	return text
}

// History returns a copy of the finalized turn list.
func (r *Renderer) History() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.history))
	copy(out, r.history)
	return out
}

// CurrentPhase returns the rendering phase.
func (r *Renderer) CurrentPhase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Restore applies a persisted history. The current history must be a prefix
// of the persisted one; on divergence the restore is refused and the
// in-memory history is left untouched.
func (r *Renderer) Restore(persisted []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(persisted) < len(r.history) {
		return fmt.Errorf("restore refused: persisted history (%d entries) shorter than live history (%d)",
			len(persisted), len(r.history))
	}
	for i, entry := range r.history {
		if persisted[i].Role != entry.Role || persisted[i].Content != entry.Content {
			return fmt.Errorf("restore refused: divergence at entry %d", i)
		}
	}
	r.history = append([]Entry(nil), persisted...)
	return nil
}
