package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	interimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	statusStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle          = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// chatDisplay renders the transcript to the terminal. Interim text is
// redrawn in place on the current line; finalized turns are committed
// with a newline and never touched again.
type chatDisplay struct {
	mu      sync.Mutex
	line    string // current in-progress line, already printed
	interim string // accumulated interim text for the current turn
	pending bool   // "thinking" placeholder is on screen
}

func newChatDisplay() *chatDisplay {
	return &chatDisplay{}
}

// redraw replaces the current terminal line with s.
func (d *chatDisplay) redraw(s string) {
	fmt.Fprintf(os.Stdout, "\r\033[K%s", s)
	d.line = s
}

// commit finishes the current line and starts a fresh one.
func (d *chatDisplay) commit(s string) {
	fmt.Fprintf(os.Stdout, "\r\033[K%s\n", s)
	d.line = ""
	d.pending = false
}

func (d *chatDisplay) UserInterim(delta string, replace bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := userLabelStyle.Render("You ") + " "
	if replace || d.line == "" {
		d.interim = ""
	}
	d.interim += delta
	d.redraw(prefix + interimStyle.Render(d.interim))
}

func (d *chatDisplay) UserFinalized(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interim = ""
	d.commit(userLabelStyle.Render("You ") + " " + text)
}

func (d *chatDisplay) AssistantPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = true
	d.redraw(assistantLabelStyle.Render("Assistant ") + " " + interimStyle.Render("…"))
}

func (d *chatDisplay) AssistantStream(delta string, replace bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if replace || d.pending {
		d.interim = ""
		d.pending = false
	}
	d.interim += delta
	d.redraw(assistantLabelStyle.Render("Assistant ") + " " + d.interim)
}

func (d *chatDisplay) AssistantFinalized(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interim = ""
	d.commit(assistantLabelStyle.Render("Assistant ") + " " + text)
}

// Note prints a dim out-of-band status line without disturbing turn state.
func (d *chatDisplay) Note(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	saved := d.line
	fmt.Fprintf(os.Stdout, "\r\033[K%s\n", statusStyle.Render(fmt.Sprintf(format, args...)))
	if saved != "" {
		fmt.Fprint(os.Stdout, saved)
		d.line = saved
	}
}

// consoleObserver surfaces session lifecycle events as dim status lines.
// Transcript and response text is already rendered through the Display
// path, so those callbacks stay silent here.
type consoleObserver struct {
	out *chatDisplay

	// report, when set, forwards connection state to the broker.
	report func(connected bool) error
}

func (c *consoleObserver) TranscriptInterim(string) {}
func (c *consoleObserver) TranscriptFinal(string)   {}
func (c *consoleObserver) Response(string)          {}

func (c *consoleObserver) Status(state string) {
	c.out.Note("[session %s]", state)
}

func (c *consoleObserver) ConnectionState(connected bool) {
	if connected {
		c.out.Note("[connected]")
	} else {
		c.out.Note("[disconnected, reconnecting]")
	}
	if c.report != nil {
		_ = c.report(connected)
	}
}

func (c *consoleObserver) ListeningStopped(reason string) {
	c.out.Note("[listening stopped: %s]", reason)
}

func (c *consoleObserver) SessionError(err error) {
	c.out.Fail(err)
}

// Fail prints a highlighted error line.
func (d *chatDisplay) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	saved := d.line
	fmt.Fprintf(os.Stdout, "\r\033[K%s\n", errorStyle.Render("error: ")+err.Error())
	if saved != "" {
		fmt.Fprint(os.Stdout, saved)
		d.line = saved
	}
}
