package ktm

import (
	"errors"

	"github.com/jvs-project/txfs/pkg/errclass"
)

var (
	// ErrInDoubt means the commit could not be confirmed: part of the
	// journal was applied before a failure.
	ErrInDoubt = errors.New("ktm: commit outcome in doubt")
	// ErrTimeout is the abort reason of a transaction whose timeout fired.
	ErrTimeout = errors.New("ktm: transaction timed out")
	// ErrNotActive is returned by operations on a finished transaction.
	ErrNotActive = errors.New("ktm: transaction is not active")
	// ErrInvalidHandle is returned by operations on a closed or zero handle.
	ErrInvalidHandle = errors.New("ktm: invalid handle")
	// ErrWrongHandleKind is returned when Commit is called on a dependent
	// clone or Complete on a top-level handle.
	ErrWrongHandleKind = errors.New("ktm: operation not valid for this handle kind")
	// ErrDependentNotComplete aborts a commit that found an open
	// RollbackIfNotComplete clone.
	ErrDependentNotComplete = errors.New("ktm: dependent transaction not complete")
	// ErrDependentRolledBack dooms a transaction whose clone rolled back.
	ErrDependentRolledBack = errors.New("ktm: dependent transaction rolled back")
	// ErrSharingViolation is returned when an open conflicts with the share
	// mode of another open handle on the same file.
	ErrSharingViolation = errors.New("ktm: sharing violation")
	// ErrNotEmpty is returned when removing a non-empty directory.
	ErrNotEmpty = errors.New("ktm: directory not empty")
	// ErrTransactionalConflict is the conflict class shared with callers.
	ErrTransactionalConflict = errclass.ErrTransactionalConflict
)
