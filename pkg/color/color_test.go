package color

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jvs-project/txfs/pkg/model"
)

func withColor(t *testing.T, on bool) {
	t.Helper()
	prev := Enabled()
	set(on)
	t.Cleanup(func() { set(prev) })
}

func TestEnableDisable(t *testing.T) {
	withColor(t, true)
	assert.True(t, Enabled())
	Disable()
	assert.False(t, Enabled())
	Enable()
	assert.True(t, Enabled())
}

func TestFormatters(t *testing.T) {
	withColor(t, true)
	tests := []struct {
		name string
		fn   func(string) string
		code string
	}{
		{"Success", Success, Green},
		{"Error", Error, Red},
		{"Warning", Warning, Yellow},
		{"TxID", TxID, Cyan},
		{"Path", Path, Blue},
		{"Header", Header, Bold},
		{"Dim", Dim, DimCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code+"x"+Reset, tt.fn("x"))
		})
	}
	assert.Equal(t, Green+"ok 3"+Reset, Successf("ok %d", 3))
}

func TestFormattersDisabled(t *testing.T) {
	withColor(t, false)
	assert.Equal(t, "x", Error("x"))
	assert.Equal(t, "x", TxID("x"))
	assert.Equal(t, "Aborted", State(model.StateAborted))
}

func TestState(t *testing.T) {
	withColor(t, true)
	assert.Equal(t, Green+model.StateCommittedOrCompleted.String()+Reset, State(model.StateCommittedOrCompleted))
	assert.Equal(t, Red+model.StateAborted.String()+Reset, State(model.StateAborted))
	assert.Equal(t, Yellow+model.StateInDoubt.String()+Reset, State(model.StateInDoubt))
	assert.Equal(t, model.StateActive.String(), State(model.StateActive))
}

func TestIsTerminal_RegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	assert.False(t, IsTerminal(f))
}
