package model

import (
	"fmt"
	"time"
)

// IsolationLevel is the isolation requested for a kernel transaction.
type IsolationLevel string

const (
	IsolationUnspecified     IsolationLevel = "unspecified"
	IsolationChaos           IsolationLevel = "chaos"
	IsolationReadUncommitted IsolationLevel = "read_uncommitted"
	IsolationReadCommitted   IsolationLevel = "read_committed"
	IsolationRepeatableRead  IsolationLevel = "repeatable_read"
	IsolationSerializable    IsolationLevel = "serializable"
	IsolationSnapshot        IsolationLevel = "snapshot"
)

// Valid reports whether l is a known isolation level.
func (l IsolationLevel) Valid() bool {
	switch l {
	case IsolationUnspecified, IsolationChaos, IsolationReadUncommitted, IsolationReadCommitted,
		IsolationRepeatableRead, IsolationSerializable, IsolationSnapshot:
		return true
	}
	return false
}

// ScopeMode decides how a new transaction relates to the ambient one.
type ScopeMode string

const (
	// ModeRequired joins the ambient transaction as a dependent, or starts a
	// new top-level transaction when there is none.
	ModeRequired ScopeMode = "required"
	// ModeRequiresNew always starts an independent top-level transaction.
	ModeRequiresNew ScopeMode = "requires_new"
	// ModeSuppress runs without any transaction.
	ModeSuppress ScopeMode = "suppress"
)

// Valid reports whether m is a known scope mode.
func (m ScopeMode) Valid() bool {
	return m == ModeRequired || m == ModeRequiresNew || m == ModeSuppress
}

// DependentCloneOption is the policy of a dependent clone towards its
// parent's commit.
type DependentCloneOption string

const (
	// BlockCommitUntilComplete makes the parent commit wait for the clone.
	BlockCommitUntilComplete DependentCloneOption = "block_commit_until_complete"
	// RollbackIfNotComplete aborts the parent commit if the clone is still open.
	RollbackIfNotComplete DependentCloneOption = "rollback_if_not_complete"
)

// Valid reports whether o is a known dependent clone option.
func (o DependentCloneOption) Valid() bool {
	return o == BlockCommitUntilComplete || o == RollbackIfNotComplete
}

// TransactionState is the lifecycle state of a transaction.
type TransactionState int

const (
	StateDefault TransactionState = iota
	StateActive
	StateInDoubt
	StateCommittedOrCompleted
	StateAborted
	StateDisposed
)

// String returns the string representation of a TransactionState.
func (s TransactionState) String() string {
	switch s {
	case StateDefault:
		return "Default"
	case StateActive:
		return "Active"
	case StateInDoubt:
		return "InDoubt"
	case StateCommittedOrCompleted:
		return "CommittedOrCompleted"
	case StateAborted:
		return "Aborted"
	case StateDisposed:
		return "Disposed"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// TransactionOptions configures a transaction created by the transaction
// manager. It is copied on use; later changes by the caller have no effect.
type TransactionOptions struct {
	IsolationLevel  IsolationLevel
	Mode            ScopeMode
	Fork            bool
	Timeout         time.Duration
	AsyncCommit     bool
	AsyncRollback   bool
	DependentOption DependentCloneOption
	// WaitForDependents makes Complete block until every dependent task
	// enlisted on the transaction has finished.
	WaitForDependents bool
	CustomContext     map[string]any
}

// DefaultOptions returns Required, ReadCommitted, BlockCommitUntilComplete
// and no timeout.
func DefaultOptions() TransactionOptions {
	return TransactionOptions{
		IsolationLevel:  IsolationReadCommitted,
		Mode:            ModeRequired,
		DependentOption: BlockCommitUntilComplete,
	}
}

// Normalize fills zero fields with defaults and deep-copies CustomContext.
func (o TransactionOptions) Normalize() TransactionOptions {
	d := DefaultOptions()
	if o.IsolationLevel == "" {
		o.IsolationLevel = d.IsolationLevel
	}
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.DependentOption == "" {
		o.DependentOption = d.DependentOption
	}
	if o.CustomContext != nil {
		cc := make(map[string]any, len(o.CustomContext))
		for k, v := range o.CustomContext {
			cc[k] = v
		}
		o.CustomContext = cc
	}
	return o
}

// Validate checks enum fields and the timeout.
func (o TransactionOptions) Validate() error {
	if !o.IsolationLevel.Valid() {
		return fmt.Errorf("invalid isolation level %q", o.IsolationLevel)
	}
	if !o.Mode.Valid() {
		return fmt.Errorf("invalid scope mode %q", o.Mode)
	}
	if !o.DependentOption.Valid() {
		return fmt.Errorf("invalid dependent option %q", o.DependentOption)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", o.Timeout)
	}
	return nil
}
