// Package notify renders pipeline events as styled console lines. It is
// fire-and-forget: a notifier must never block or fail the run.
package notify

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/devwspito/armada/internal/event"
)

var (
	styleInfo    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Notifier is a fire-and-forget sink for run-visible signals.
type Notifier interface {
	Notify(ev event.Event)
}

// Console writes one styled line per event to a writer (stderr by
// default, so agent output piping stays clean).
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a console notifier writing to out; nil means stderr.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stderr
	}
	return &Console{out: out}
}

// Subscribe attaches the notifier to every event on the bus.
func (c *Console) Subscribe(bus *event.Bus) {
	bus.SubscribeAll(c.Notify)
}

// Notify renders the event. Unknown event types are printed dimly rather
// than dropped.
func (c *Console) Notify(ev event.Event) {
	line := c.render(ev)
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

func (c *Console) render(ev event.Event) string {
	subject := payloadField(ev, "epic_id", "story_id", "phase", "branch")

	switch ev.Type {
	case event.TaskCreated:
		return styleInfo.Render("▶ run started") + styleDim.Render(" "+ev.TaskID)
	case event.EpicStarted:
		return styleInfo.Render("▶ epic started ") + subject
	case event.EpicCompleted:
		return styleSuccess.Render("✓ epic completed ") + subject
	case event.EpicFailed:
		return styleError.Render("✗ epic failed ") + subject + dimField(ev, "error")
	case event.StoryStarted:
		return styleInfo.Render("▶ story started ") + subject
	case event.StoryCompleted:
		return styleSuccess.Render("✓ story completed ") + subject
	case event.StoryFailed:
		return styleError.Render("✗ story failed ") + subject + dimField(ev, "reason")
	case event.StoryMerged:
		return styleSuccess.Render("⇅ story merged ") + subject
	case event.StoryConflicted:
		return styleWarn.Render("⚠ story conflicted, branch preserved ") + subject
	case event.PhaseStarted:
		return styleDim.Render("· phase " + subject)
	case event.PhaseCompleted:
		return styleDim.Render("· phase " + subject + " done")
	case event.PhaseSkipped:
		return styleDim.Render("· phase " + subject + " skipped")
	case event.PhaseFailed:
		return styleError.Render("✗ phase failed ") + subject + dimField(ev, "error")
	case event.CircuitBreakerTripped:
		return styleError.Render("✗ circuit breaker tripped, aborting run")
	case event.RunCancelled:
		return styleWarn.Render("⚠ run cancelled")
	case event.BranchRegistered, event.BranchPushed, event.BranchMerged, event.CheckpointSaved:
		return "" // too noisy for the console
	default:
		return styleDim.Render(string(ev.Type) + " " + subject)
	}
}

func payloadField(ev event.Event, keys ...string) string {
	for _, key := range keys {
		if v, ok := ev.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func dimField(ev event.Event, key string) string {
	if v, ok := ev.Payload[key].(string); ok && v != "" {
		return styleDim.Render(" (" + v + ")")
	}
	return ""
}
