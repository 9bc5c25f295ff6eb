package ktm

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/model"
	"github.com/jvs-project/txfs/pkg/uuidutil"
)

// Status is the outcome state of a kernel transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitting
	StatusCommitted
	StatusAborted
	StatusInDoubt
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	case StatusInDoubt:
		return "in_doubt"
	default:
		return "unknown"
	}
}

type depState int

const (
	depOpen depState = iota
	depCompleted
	depRolledBack
)

type dependent struct {
	option model.DependentCloneOption
	state  depState
}

type kernelTx struct {
	mgr         *Manager
	id          string
	isolation   model.IsolationLevel
	description string
	staging     string
	began       time.Time
	logger      *logging.Logger
	timer       *time.Timer

	mu         syncCond
	status     Status
	abortErr   error
	handles    int
	dependents []*dependent
	nodes      map[string]*node
	journal    []op
	shadowSeq  int
}

func newKernelTx(m *Manager, id, staging string, opts BeginOptions) *kernelTx {
	tx := &kernelTx{
		mgr:         m,
		id:          id,
		isolation:   opts.Isolation,
		description: opts.Description,
		staging:     staging,
		began:       time.Now(),
		logger:      m.logger.With("ktm_tx", uuidutil.Short(id)),
		handles:     1,
		nodes:       make(map[string]*node),
	}
	tx.mu.init()
	return tx
}

// activeLocked returns the reason the transaction cannot accept work, or nil.
func (tx *kernelTx) activeLocked() error {
	switch tx.status {
	case StatusActive:
		return nil
	case StatusAborted:
		if tx.abortErr != nil {
			return fmt.Errorf("%w: %w", ErrNotActive, tx.abortErr)
		}
	}
	return fmt.Errorf("%w (%s)", ErrNotActive, tx.status)
}

func (tx *kernelTx) statusNow() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

func (tx *kernelTx) addHandle(dep *dependent) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	tx.handles++
	if dep != nil {
		tx.dependents = append(tx.dependents, dep)
	}
	return nil
}

// releaseHandle drops one reference. The last handle of a transaction that
// never committed rolls it back.
func (tx *kernelTx) releaseHandle() {
	tx.mu.Lock()
	tx.handles--
	last := tx.handles == 0 && tx.status == StatusActive
	tx.mu.Unlock()
	if last {
		tx.rollback(errors.New("last handle closed before commit"))
	}
}

func (tx *kernelTx) completeDependent(dep *dependent) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if dep.state != depOpen {
		return fmt.Errorf("%w: dependent already finished", ErrNotActive)
	}
	if err := tx.activeLocked(); err != nil {
		return err
	}
	dep.state = depCompleted
	tx.mu.Broadcast()
	return nil
}

func (tx *kernelTx) rollbackDependent(dep *dependent) {
	tx.mu.Lock()
	if dep.state != depOpen {
		tx.mu.Unlock()
		return
	}
	dep.state = depRolledBack
	active := tx.status == StatusActive
	tx.mu.Broadcast()
	tx.mu.Unlock()
	if active {
		tx.rollback(ErrDependentRolledBack)
	}
}

// rollback aborts an active transaction and discards its staging. It is a
// no-op for transactions that already finished.
func (tx *kernelTx) rollback(reason error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != StatusActive {
		if tx.status == StatusAborted {
			return nil
		}
		return fmt.Errorf("rollback: %w", tx.activeLocked())
	}
	return tx.abortLocked(reason, model.EventRollback)
}

func (tx *kernelTx) expire() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status == StatusActive {
		tx.logger.Warn("kernel transaction timed out", map[string]any{"age": time.Since(tx.began).String()})
		_ = tx.abortLocked(ErrTimeout, model.EventTimeout)
	}
}

func (tx *kernelTx) abortLocked(reason error, event model.LogEventType) error {
	tx.status = StatusAborted
	tx.abortErr = reason
	if tx.timer != nil {
		tx.timer.Stop()
	}
	tx.mu.Broadcast()

	err := os.RemoveAll(tx.staging)
	tx.mgr.forget(tx)

	details := map[string]any{"journal": len(tx.journal)}
	if reason != nil {
		details["reason"] = reason.Error()
	}
	tx.mgr.record(event, tx, details)
	tx.logger.Debug("kernel transaction aborted", details)
	if err != nil {
		return fmt.Errorf("discard staging: %w", err)
	}
	return nil
}

// commit waits for blocking dependents, validates base files, and replays
// the journal.
func (tx *kernelTx) commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for {
		if err := tx.activeLocked(); err != nil {
			return err
		}
		waiting := false
		for _, dep := range tx.dependents {
			if dep.state != depOpen {
				continue
			}
			if dep.option == model.RollbackIfNotComplete {
				_ = tx.abortLocked(ErrDependentNotComplete, model.EventRollback)
				return ErrDependentNotComplete
			}
			waiting = true
		}
		if !waiting {
			break
		}
		tx.mu.Wait()
	}

	tx.status = StatusCommitting
	if tx.timer != nil {
		tx.timer.Stop()
	}

	if err := tx.validateBasesLocked(); err != nil {
		_ = tx.abortLocked(err, model.EventRollback)
		return err
	}

	applied, err := tx.applyLocked()
	if err != nil {
		if applied == 0 {
			_ = tx.abortLocked(err, model.EventRollback)
			return err
		}
		tx.status = StatusInDoubt
		tx.abortErr = err
		os.RemoveAll(tx.staging)
		tx.mgr.forget(tx)
		tx.mgr.record(model.EventInDoubt, tx, map[string]any{
			"journal": len(tx.journal),
			"applied": applied,
			"reason":  err.Error(),
		})
		tx.mu.Broadcast()
		return fmt.Errorf("%w: %d of %d changes applied: %w", ErrInDoubt, applied, len(tx.journal), err)
	}

	tx.status = StatusCommitted
	os.RemoveAll(tx.staging)
	tx.mgr.forget(tx)
	tx.mgr.record(model.EventCommit, tx, map[string]any{
		"journal":  len(tx.journal),
		"duration": time.Since(tx.began).String(),
	})
	tx.mu.Broadcast()
	tx.logger.Debug("kernel transaction committed", map[string]any{"journal": len(tx.journal)})
	return nil
}
