// Package progress reports step progress of plan execution. Trackers are
// safe to advance from forked goroutines.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Callback receives progress updates.
type Callback func(op string, current, total int, message string)

// Noop is a no-op callback for default behavior.
func Noop(op string, current, total int, message string) {}

// Progress counts completed steps of one operation.
type Progress struct {
	Op      string
	Total   int
	current atomic.Int64
	cb      Callback
}

// New creates a new Progress tracker.
func New(op string, total int, cb Callback) *Progress {
	if cb == nil {
		cb = Noop
	}
	return &Progress{Op: op, Total: total, cb: cb}
}

// Increment advances the progress and calls the callback.
func (p *Progress) Increment(message string) {
	n := p.current.Add(1)
	p.cb(p.Op, int(n), p.Total, message)
}

// Done marks the operation as complete.
func (p *Progress) Done(message string) {
	p.current.Store(int64(p.Total))
	p.cb(p.Op, p.Total, p.Total, message)
}

// Current returns the current progress value.
func (p *Progress) Current() int {
	return int(p.current.Load())
}

// Terminal renders a single-line progress bar.
type Terminal struct {
	mu          sync.Mutex
	writer      io.Writer
	lastLineLen int
	enabled     bool
}

// NewTerminal creates a progress bar writing to w.
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	return &Terminal{writer: w, enabled: enabled}
}

// Callback returns a Callback drawing on this terminal.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int, message string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.enabled {
			t.render(op, current, total, message)
		}
	}
}

func (t *Terminal) render(op string, current, total int, message string) {
	if total <= 0 {
		total = 1
	}
	if current > total {
		current = total
	}
	const barWidth = 30
	filled := barWidth * current / total
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	clear := "\r"
	if t.lastLineLen > 0 {
		clear = "\r" + strings.Repeat(" ", t.lastLineLen) + "\r"
	}
	line := fmt.Sprintf("%s [%s] %d/%d (%.0f%%)", op, bar, current, total, float64(current)/float64(total)*100)
	if message != "" {
		line += " " + message
	}
	fmt.Fprint(t.writer, clear+line)
	t.lastLineLen = len(line)
}

// Done ends the bar line with message.
func (t *Terminal) Done(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	clear := "\r" + strings.Repeat(" ", t.lastLineLen) + "\r"
	fmt.Fprintln(t.writer, clear+message)
	t.lastLineLen = 0
}

// SetEnabled enables or disables the progress bar.
func (t *Terminal) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}
