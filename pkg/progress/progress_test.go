package progress

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgress_Increment(t *testing.T) {
	var calls []int
	p := New("apply", 3, func(op string, current, total int, message string) {
		assert.Equal(t, "apply", op)
		assert.Equal(t, 3, total)
		calls = append(calls, current)
	})

	p.Increment("one")
	p.Increment("two")
	assert.Equal(t, 2, p.Current())
	p.Done("")
	assert.Equal(t, []int{1, 2, 3}, calls)
	assert.Equal(t, 3, p.Current())
}

func TestProgress_NilCallback(t *testing.T) {
	p := New("apply", 1, nil)
	assert.NotPanics(t, func() { p.Increment("x") })
}

func TestProgress_Concurrent(t *testing.T) {
	p := New("apply", 50, nil)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Increment("")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, p.Current())
}

func TestTerminal_Render(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, true)
	cb := term.Callback()

	cb("apply", 5, 10, "write a.txt")
	out := buf.String()
	assert.Contains(t, out, "apply")
	assert.Contains(t, out, "5/10")
	assert.Contains(t, out, "50%")
	assert.Contains(t, out, "write a.txt")

	buf.Reset()
	term.Done("applied")
	assert.Contains(t, buf.String(), "applied\n")
}

func TestTerminal_Clamps(t *testing.T) {
	var buf bytes.Buffer
	cb := NewTerminal(&buf, true).Callback()
	cb("apply", 12, 10, "")
	assert.Contains(t, buf.String(), "10/10 (100%)")
}

func TestTerminal_Disabled(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, false)
	term.Callback()("apply", 1, 2, "")
	term.Done("done")
	assert.Empty(t, buf.String())

	term.SetEnabled(true)
	term.Callback()("apply", 1, 2, "")
	assert.NotEmpty(t, buf.String())
}
