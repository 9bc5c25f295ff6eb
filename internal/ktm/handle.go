package ktm

import (
	"fmt"
	"sync"
	"time"

	"github.com/jvs-project/txfs/pkg/model"
)

// Handle owns one reference to a kernel transaction. A top-level handle can
// commit; a dependent handle completes its clone. Close is idempotent and is
// a no-op on a zero or nil handle.
type Handle struct {
	tx  *kernelTx
	dep *dependent

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// IsValid reports whether the handle refers to a kernel transaction and has
// not been closed.
func (h *Handle) IsValid() bool {
	if h == nil || h.tx == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// ID returns the kernel transaction identifier shared by all its handles.
func (h *Handle) ID() string {
	if h == nil || h.tx == nil {
		return ""
	}
	return h.tx.id
}

// IsDependent reports whether h is a dependent clone.
func (h *Handle) IsDependent() bool {
	return h != nil && h.dep != nil
}

// Isolation returns the isolation level the transaction was begun with.
func (h *Handle) Isolation() model.IsolationLevel {
	if h == nil || h.tx == nil {
		return ""
	}
	return h.tx.isolation
}

// Status returns the kernel transaction status.
func (h *Handle) Status() Status {
	if h == nil || h.tx == nil {
		return StatusAborted
	}
	return h.tx.statusNow()
}

// Age returns how long ago the kernel transaction began.
func (h *Handle) Age() time.Duration {
	if h == nil || h.tx == nil {
		return 0
	}
	return time.Since(h.tx.began)
}

func (h *Handle) check() error {
	if !h.IsValid() {
		return ErrInvalidHandle
	}
	return nil
}

// Commit replays the transaction's journal. Only top-level handles commit.
func (h *Handle) Commit() error {
	if err := h.check(); err != nil {
		return err
	}
	if h.dep != nil {
		return fmt.Errorf("%w: commit on dependent clone", ErrWrongHandleKind)
	}
	return h.tx.commit()
}

// Complete marks a dependent clone as finished so the parent may commit.
func (h *Handle) Complete() error {
	if err := h.check(); err != nil {
		return err
	}
	if h.dep == nil {
		return fmt.Errorf("%w: complete on top-level handle", ErrWrongHandleKind)
	}
	return h.tx.completeDependent(h.dep)
}

// Rollback aborts the kernel transaction. On a dependent clone it dooms the
// whole transaction.
func (h *Handle) Rollback() error {
	if err := h.check(); err != nil {
		return err
	}
	if h.dep != nil {
		h.tx.rollbackDependent(h.dep)
		return nil
	}
	return h.tx.rollback(nil)
}

// CloneDependent returns a new handle on the same kernel transaction whose
// completion gates the parent's commit according to option.
func (h *Handle) CloneDependent(option model.DependentCloneOption) (*Handle, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	if !option.Valid() {
		option = model.BlockCommitUntilComplete
	}
	dep := &dependent{option: option}
	if err := h.tx.addHandle(dep); err != nil {
		return nil, err
	}
	return &Handle{tx: h.tx, dep: dep}, nil
}

// Close releases the handle. Closing an open dependent rolls it back;
// closing the last handle of an uncommitted transaction rolls it back.
func (h *Handle) Close() error {
	if h == nil || h.tx == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		if h.dep != nil {
			h.tx.rollbackDependent(h.dep)
		}
		h.tx.releaseHandle()
	})
	return nil
}
