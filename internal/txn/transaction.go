package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/jvs-project/txfs/internal/ktm"
	"github.com/jvs-project/txfs/pkg/errclass"
	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/metrics"
	"github.com/jvs-project/txfs/pkg/model"
)

// Transaction is one unit of work over a kernel transaction handle, either
// a top-level handle or a dependent clone of its parent's.
type Transaction struct {
	nativeID string
	depth    int
	topLevel bool
	opts     model.TransactionOptions
	logger   *logging.Logger
	metrics  *metrics.Registry

	mu         sync.Mutex
	state      model.TransactionState
	completing bool
	handle     *ktm.Handle
	dependents []*DependentTask

	onDispose   func(*Transaction)
	releaseOnce sync.Once
	disposeOnce sync.Once
}

func newTransaction(h *ktm.Handle, depth int, topLevel bool, opts model.TransactionOptions, logger *logging.Logger, reg *metrics.Registry) *Transaction {
	t := &Transaction{
		nativeID: h.ID(),
		depth:    depth,
		topLevel: topLevel,
		opts:     opts,
		metrics:  reg,
		state:    model.StateActive,
		handle:   h,
	}
	t.logger = logger.WithFields(map[string]any{"tx": t.LocalIdentifier(), "depth": depth})
	return t
}

// LocalIdentifier is "<native-id>:<depth>". Dependent clones share their
// parent's native id.
func (t *Transaction) LocalIdentifier() string {
	return fmt.Sprintf("%s:%d", t.nativeID, t.depth)
}

// State returns the current lifecycle state.
func (t *Transaction) State() model.TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Depth is the transaction's position in its activity, starting at 1.
func (t *Transaction) Depth() int { return t.depth }

// IsTopLevel reports whether the transaction owns a top-level kernel
// transaction rather than a dependent clone.
func (t *Transaction) IsTopLevel() bool { return t.topLevel }

// Options returns the options the transaction was created with.
func (t *Transaction) Options() model.TransactionOptions { return t.opts }

// CustomContext returns the caller-supplied key/value context.
func (t *Transaction) CustomContext() map[string]any { return t.opts.CustomContext }

// Handle returns the kernel handle while the transaction is Active and nil
// otherwise.
func (t *Transaction) Handle() *ktm.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != model.StateActive {
		return nil
	}
	return t.handle
}

// EnlistDependent registers a task the transaction may wait for before
// completing.
func (t *Transaction) EnlistDependent(task *DependentTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dependents = append(t.dependents, task)
}

// DependentErrors combines the failures of enlisted tasks that have
// finished.
func (t *Transaction) DependentErrors() error {
	t.mu.Lock()
	tasks := append([]*DependentTask(nil), t.dependents...)
	t.mu.Unlock()

	var errs error
	for _, task := range tasks {
		select {
		case <-task.Done():
			errs = multierr.Append(errs, task.Err())
		default:
		}
	}
	return errs
}

func (t *Transaction) waitDependents() error {
	t.mu.Lock()
	tasks := append([]*DependentTask(nil), t.dependents...)
	t.mu.Unlock()

	var errs error
	for _, task := range tasks {
		errs = multierr.Append(errs, task.Wait())
	}
	return errs
}

// Complete commits a top-level transaction or completes a dependent one.
// The transaction never stays Active: it ends CommittedOrCompleted, InDoubt
// or Aborted. Only one Complete may run at a time.
func (t *Transaction) Complete() error {
	t.mu.Lock()
	if t.state != model.StateActive || t.completing {
		state := t.state
		t.mu.Unlock()
		return errclass.ErrInvalidState.WithMessagef("complete %s in state %s", t.LocalIdentifier(), state)
	}
	t.completing = true
	t.mu.Unlock()

	start := time.Now()
	var depErr error
	if t.opts.WaitForDependents {
		t.logger.Debug("waiting for dependent tasks")
		depErr = t.waitDependents()
	}

	var err error
	if t.topLevel {
		err = t.handle.Commit()
	} else {
		err = t.handle.Complete()
	}
	t.metrics.RecordCommit(time.Since(start))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.completing = false
	switch {
	case err == nil:
		t.state = model.StateCommittedOrCompleted
		t.metrics.RecordOutcome("committed")
		t.logger.Debug("transaction completed", map[string]any{"age": t.handle.Age().String()})
		if depErr != nil {
			return errclass.ErrForkFailed.WithMessagef("dependents of %s failed", t.LocalIdentifier()).Wrap(depErr)
		}
		return nil
	case errors.Is(err, ktm.ErrInDoubt):
		t.state = model.StateInDoubt
		t.metrics.RecordOutcome("in_doubt")
		t.logger.ErrorErr("transaction outcome in doubt", err)
		return errclass.ErrInDoubt.WithMessagef("complete %s", t.LocalIdentifier()).Wrap(multierr.Append(err, depErr))
	default:
		if rbErr := t.handle.Rollback(); rbErr != nil {
			t.logger.WarnErr("rollback after failed complete", rbErr)
		}
		t.state = model.StateAborted
		t.metrics.RecordOutcome("aborted")
		t.logger.Debug("transaction aborted on complete", map[string]any{"error": err.Error()})
		return errclass.ErrAborted.WithMessagef("complete %s", t.LocalIdentifier()).Wrap(multierr.Append(err, depErr))
	}
}

// Rollback aborts the transaction. The state becomes Aborted even when the
// kernel rollback fails; that failure is returned afterwards.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case model.StateDisposed:
		return errclass.ErrInvalidState.WithMessagef("rollback %s after dispose", t.LocalIdentifier())
	case model.StateAborted:
		return nil
	}

	prev := t.state
	err := t.handle.Rollback()
	t.state = model.StateAborted
	if prev == model.StateActive {
		t.metrics.RecordOutcome("aborted")
		t.logger.Debug("transaction rolled back")
	} else {
		t.logger.Debug("rollback after outcome", map[string]any{"previous": prev.String()})
	}
	if err != nil {
		return errclass.ErrTransactional.WithMessagef("rollback %s", t.LocalIdentifier()).Wrap(err)
	}
	return nil
}

// releaseScope runs the on-dispose callback at most once.
func (t *Transaction) releaseScope() {
	t.releaseOnce.Do(func() {
		if t.onDispose != nil {
			t.onDispose(t)
		}
	})
}

// Dispose rolls back an Active transaction, releases it from its activity
// and closes the handle. Repeated calls do nothing.
func (t *Transaction) Dispose() {
	t.disposeOnce.Do(func() {
		if t.State() == model.StateActive {
			if err := t.Rollback(); err != nil {
				t.logger.WarnErr("rollback on dispose", err)
			}
		}
		t.releaseScope()
		if err := t.handle.Close(); err != nil {
			t.logger.WarnErr("close transaction handle", err)
		}
		t.mu.Lock()
		t.state = model.StateDisposed
		t.mu.Unlock()
	})
}

func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction(%s, %s)", t.LocalIdentifier(), t.State())
}
