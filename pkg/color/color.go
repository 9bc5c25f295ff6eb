// Package color provides terminal color output for the txfs CLI.
// It respects the NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/jvs-project/txfs/pkg/model"
)

var (
	state struct {
		mu      sync.RWMutex
		once    sync.Once
		enabled bool
	}
)

// Init decides once whether output is colored. NO_COLOR, TERM=dumb, the
// --no-color flag and a stdout that is not a terminal all turn it off.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		_, noColor := os.LookupEnv("NO_COLOR")
		on := !noColor && os.Getenv("TERM") != "dumb" && !noColorFlag && IsTerminal(os.Stdout)
		state.mu.Lock()
		state.enabled = on
		state.mu.Unlock()
	})
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.enabled
}

// Disable turns off color output.
func Disable() { set(false) }

// Enable turns on color output.
func Enable() { set(true) }

func set(on bool) {
	Init(false)
	state.mu.Lock()
	state.enabled = on
	state.mu.Unlock()
}

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Cyan    = "\033[36m"
)

func wrap(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + Reset
}

// Success formats a success message in green.
func Success(s string) string { return wrap(Green, s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return Success(fmt.Sprintf(format, args...)) }

// Error formats an error message in red.
func Error(s string) string { return wrap(Red, s) }

// Warning formats a warning message in yellow.
func Warning(s string) string { return wrap(Yellow, s) }

// TxID formats a transaction identifier.
func TxID(s string) string { return wrap(Cyan, s) }

// Path formats a filesystem path.
func Path(s string) string { return wrap(Blue, s) }

// Header formats a header in bold.
func Header(s string) string { return wrap(Bold, s) }

// Dim formats secondary information.
func Dim(s string) string { return wrap(DimCode, s) }

// State colors a transaction state by outcome: committed green, aborted
// red, in doubt yellow.
func State(s model.TransactionState) string {
	switch s {
	case model.StateCommittedOrCompleted:
		return Success(s.String())
	case model.StateAborted:
		return Error(s.String())
	case model.StateInDoubt:
		return Warning(s.String())
	}
	return s.String()
}
