package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Checklist renders step snapshots as a checklist redrawn in place.
// Pending steps are muted, running steps show a braille spinner,
// done steps show a checkmark, failed steps show a red x.
type Checklist struct {
	w io.Writer

	mu            sync.Mutex
	snap          stepSnapshot
	started       bool
	renderedLines int
	frame         int
	stop          chan struct{}
	once          sync.Once
}

func NewChecklist(w io.Writer) *Checklist {
	return &Checklist{w: w, stop: make(chan struct{})}
}

func (c *Checklist) OnSnapshot(snap stepSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snap = snap
	c.redraw()
	if !c.started {
		c.started = true
		go c.spin()
	}
}

// Close stops the spinner and leaves the last frame on screen.
func (c *Checklist) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
}

func (c *Checklist) spin() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.redraw()
			c.mu.Unlock()
		}
	}
}

// redraw reprints all lines in place. Caller must hold c.mu.
func (c *Checklist) redraw() {
	lines := make([]string, 0, len(c.snap.Steps)+len(c.snap.Warnings))
	for _, s := range c.snap.Steps {
		icon, label := c.stepStyle(s)
		line := fmt.Sprintf("  %s %s", icon, label)
		if s.Runs > 1 {
			line += " " + Muted(fmt.Sprintf("attempt %d", s.Runs))
		}
		if s.Message != "" {
			line += " " + Muted(s.Message)
		}
		lines = append(lines, line)
	}
	for _, w := range c.snap.Warnings {
		lines = append(lines, "  "+WarnMsg("%s", w))
	}

	if c.renderedLines > 0 {
		fmt.Fprintf(c.w, "\033[%dA", c.renderedLines)
	}
	for _, line := range lines {
		fmt.Fprintf(c.w, "\r%s\033[K\n", line)
	}
	for i := len(lines); i < c.renderedLines; i++ {
		fmt.Fprint(c.w, "\r\033[K\n")
	}
	c.renderedLines = max(len(lines), c.renderedLines)
}

func (c *Checklist) stepStyle(s stepState) (icon, label string) {
	switch s.Status {
	case stepRunning:
		return Accent(spinFrames[c.frame]), s.Title
	case stepDone:
		return Success("✓"), s.Title
	case stepFailed:
		return Error("✗"), Error(s.Title)
	default:
		return Muted("●"), Muted(s.Title)
	}
}
