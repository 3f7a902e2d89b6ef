package report

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/pterm/pterm"
)

// ConsoleReporter renders one styled line per event. On a terminal each
// category also gets a progress bar.
type ConsoleReporter struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	bar         *pterm.ProgressbarPrinter
	progress    map[string]Progress

	header   lipgloss.Style
	success  lipgloss.Style
	conflict lipgloss.Style
	noop     lipgloss.Style
	detail   lipgloss.Style
}

// NewConsoleReporter creates a reporter writing to out. Progress bars are
// only drawn when interactive is set.
func NewConsoleReporter(out io.Writer, interactive bool) *ConsoleReporter {
	r := lipgloss.NewRenderer(out)
	return &ConsoleReporter{
		out:         out,
		interactive: interactive,
		progress:    make(map[string]Progress),
		header:      r.NewStyle().Bold(true),
		success:     r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}),
		conflict:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}),
		noop:        r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"}),
		detail:      r.NewStyle().Faint(true),
	}
}

func (c *ConsoleReporter) Begin(category string, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.progress[category] = Progress{Total: total}
	c.println(c.header.Render(fmt.Sprintf("%s (%d)", category, total)))

	if c.interactive && total > 0 {
		bar, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle(category).
			WithWriter(c.out).
			WithShowElapsedTime(false).
			WithRemoveWhenDone(true).
			Start()
		if err == nil {
			c.bar = bar
		}
	}
}

func (c *ConsoleReporter) Send(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var mark string
	switch ev.Kind {
	case KindSuccess:
		mark = c.success.Render("✓")
	case KindConflict:
		mark = c.conflict.Render("✗")
	default:
		mark = c.noop.Render("-")
	}

	c.println(fmt.Sprintf("  %s %s  %s", mark, ev.Target, ev.Message))
	if ev.Detail != "" {
		for _, line := range strings.Split(strings.TrimRight(ev.Detail, "\n"), "\n") {
			c.println(c.detail.Render("      " + line))
		}
	}
}

func (c *ConsoleReporter) Advance(category string, completed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.progress[category]
	c.progress[category] = Progress{Completed: completed, Total: total}
	if c.bar != nil && completed > prev.Completed {
		c.bar.Add(completed - prev.Completed)
	}
}

func (c *ConsoleReporter) End(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bar != nil {
		_, _ = c.bar.Stop()
		c.bar = nil
	}

	p := c.progress[category]
	p.Done = true
	c.progress[category] = p
	c.println(c.noop.Render(fmt.Sprintf("  %d/%d done", p.Completed, p.Total)))
}

// println writes a line, letting pterm redraw an active progress bar below it.
func (c *ConsoleReporter) println(line string) {
	if c.bar != nil {
		pterm.Fprintln(c.out, line)
		return
	}
	_, _ = fmt.Fprintln(c.out, line)
}
