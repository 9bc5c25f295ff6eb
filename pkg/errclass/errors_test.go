package errclass_test

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/jvs-project/txfs/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxError_Error(t *testing.T) {
	err := errclass.ErrAborted.WithMessage("commit failed")
	assert.Equal(t, "E_TX_ABORTED: commit failed", err.Error())
}

func TestTxError_Error_WithoutMessage(t *testing.T) {
	err := &errclass.TxError{Code: "E_TEST"}
	assert.Equal(t, "E_TEST", err.Error())
}

func TestTxError_Error_WithCause(t *testing.T) {
	err := errclass.ErrInDoubt.WithMessage("tx 1").Wrap(fs.ErrPermission)
	assert.Equal(t, "E_TX_IN_DOUBT: tx 1: permission denied", err.Error())
}

func TestTxError_Is(t *testing.T) {
	err := errclass.ErrTransactionalConflict.WithMessage("specific message")
	require.True(t, errors.Is(err, errclass.ErrTransactionalConflict))
	require.False(t, errors.Is(err, errclass.ErrJailViolation))
}

func TestTxError_Is_BaseClassMatchesSubtypes(t *testing.T) {
	subtypes := []*errclass.TxError{
		errclass.ErrAborted,
		errclass.ErrInDoubt,
		errclass.ErrTransactionalConflict,
		errclass.ErrJailViolation,
		errclass.ErrInvalidState,
		errclass.ErrForkFailed,
	}
	for _, sub := range subtypes {
		t.Run(sub.Code, func(t *testing.T) {
			err := sub.WithMessage("x")
			assert.ErrorIs(t, err, errclass.ErrTransactional)
			assert.False(t, errors.Is(errclass.ErrTransactional, sub), "base must not match a subtype")
		})
	}
}

func TestTxError_Is_WithStandardError(t *testing.T) {
	err := errclass.ErrAborted.WithMessage("test")
	require.False(t, errors.Is(err, errors.New("some error")))
	require.False(t, errors.Is(errors.New("some error"), err))
}

func TestTxError_Unwrap(t *testing.T) {
	cause := fs.ErrNotExist
	err := errclass.ErrTransactional.Wrap(cause)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.ErrorIs(t, wrapped, errclass.ErrTransactional)
}

func TestTxError_WithMessage_DoesNotMutateBase(t *testing.T) {
	base := errclass.ErrJailViolation
	err := base.WithMessagef("path %s", "/etc/passwd")

	assert.Equal(t, "path /etc/passwd", err.Message)
	assert.Empty(t, base.Message)
	assert.Equal(t, base.Code, err.Code)
	assert.Equal(t, errclass.DefaultHelpLink, err.HelpLink)
}

func TestTxError_WithHelpLink(t *testing.T) {
	err := errclass.ErrAborted.WithHelpLink("https://example.invalid/aborted")
	assert.Equal(t, "https://example.invalid/aborted", err.HelpLink)
	assert.Equal(t, errclass.DefaultHelpLink, errclass.ErrAborted.HelpLink)
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"direct", errclass.ErrAborted.WithMessage("x"), "E_TX_ABORTED"},
		{"wrapped", fmt.Errorf("ctx: %w", errclass.ErrInDoubt), "E_TX_IN_DOUBT"},
		{"plain", errors.New("plain"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errclass.Code(tt.err))
		})
	}
}
