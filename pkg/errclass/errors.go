// Package errclass defines the stable, machine-readable error classes raised
// by transactions, the kernel transaction manager and the filesystem adapter.
package errclass

import "fmt"

// DefaultHelpLink is attached to every class unless overridden.
const DefaultHelpLink = "https://github.com/jvs-project/txfs/blob/main/docs/errors.md"

// TxError is a coded transactional error. All classes are subtypes of
// ErrTransactional: errors.Is(err, ErrTransactional) holds for any *TxError.
type TxError struct {
	Code     string
	Message  string
	HelpLink string
	Cause    error
}

func (e *TxError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *TxError) Unwrap() error {
	return e.Cause
}

// Is matches by code; the base class matches every *TxError.
func (e *TxError) Is(target error) bool {
	t, ok := target.(*TxError)
	if !ok {
		return false
	}
	return e.Code == t.Code || t.Code == ErrTransactional.Code
}

// WithMessage returns a new TxError with the same Code but a specific message.
func (e *TxError) WithMessage(msg string) *TxError {
	return &TxError{Code: e.Code, Message: msg, HelpLink: e.HelpLink, Cause: e.Cause}
}

// WithMessagef returns a new TxError with a formatted message.
func (e *TxError) WithMessagef(format string, args ...any) *TxError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Wrap returns a copy of e carrying cause.
func (e *TxError) Wrap(cause error) *TxError {
	return &TxError{Code: e.Code, Message: e.Message, HelpLink: e.HelpLink, Cause: cause}
}

// WithHelpLink returns a copy of e pointing at a different diagnostic URI.
func (e *TxError) WithHelpLink(uri string) *TxError {
	return &TxError{Code: e.Code, Message: e.Message, HelpLink: uri, Cause: e.Cause}
}

// Code returns the class code of err, or "" if err is not a *TxError.
func Code(err error) string {
	for err != nil {
		if te, ok := err.(*TxError); ok {
			return te.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// All stable error classes.
var (
	ErrTransactional         = &TxError{Code: "E_TRANSACTIONAL", HelpLink: DefaultHelpLink}
	ErrAborted               = &TxError{Code: "E_TX_ABORTED", HelpLink: DefaultHelpLink}
	ErrInDoubt               = &TxError{Code: "E_TX_IN_DOUBT", HelpLink: DefaultHelpLink}
	ErrTransactionalConflict = &TxError{Code: "E_TX_CONFLICT", HelpLink: DefaultHelpLink}
	ErrJailViolation         = &TxError{Code: "E_JAIL_VIOLATION", HelpLink: DefaultHelpLink}
	ErrInvalidState          = &TxError{Code: "E_TX_INVALID_STATE", HelpLink: DefaultHelpLink}
	ErrForkFailed            = &TxError{Code: "E_FORK_FAILED", HelpLink: DefaultHelpLink}
	ErrNoTransaction         = &TxError{Code: "E_NO_TRANSACTION", HelpLink: DefaultHelpLink}
)
