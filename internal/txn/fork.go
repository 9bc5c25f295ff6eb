package txn

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/multierr"

	"github.com/jvs-project/txfs/pkg/errclass"
	"github.com/jvs-project/txfs/pkg/model"
)

// Body is a unit of transactional work. The context carries the activity
// and the ambient kernel handle.
type Body func(ctx context.Context) error

// DependentTask is work running on another goroutine whose outcome must be
// observed at a join point.
type DependentTask struct {
	name string
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Go runs fn on a new goroutine and returns its task. Panics in fn are
// recovered into errclass.ErrForkFailed.
func Go(name string, fn func() error) *DependentTask {
	t := newDependentTask(name)
	go func() {
		t.finish(safeCall(name, fn))
	}()
	return t
}

func newDependentTask(name string) *DependentTask {
	return &DependentTask{name: name, done: make(chan struct{})}
}

// Name identifies the task in errors and logs.
func (t *DependentTask) Name() string { return t.name }

// Done is closed when the task finishes.
func (t *DependentTask) Done() <-chan struct{} { return t.done }

// Err returns the task's failure, or nil while it is still running.
func (t *DependentTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task finishes and returns its failure.
func (t *DependentTask) Wait() error {
	<-t.done
	return t.Err()
}

// WaitContext is Wait bounded by ctx.
func (t *DependentTask) WaitContext(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *DependentTask) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

func safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errclass.ErrForkFailed.WithMessagef("%s panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	return fn()
}

// Fork runs body for a ShouldFork transaction on a new goroutine. The
// goroutine enters the fork scope, runs body with the transaction ambient,
// completes it on success, and always closes the scope and disposes the
// transaction. The task is enlisted on the creating activity. Forks started
// inside body are joined before the transaction completes.
func Fork(ctx context.Context, created *CreatedTransaction, body Body) *DependentTask {
	tx := created.Transaction()
	task := newDependentTask(tx.LocalIdentifier())
	created.Activity().EnlistDependentTask(task)

	go func() {
		err := runForked(ctx, created, body)
		created.manager.metrics.RecordFork(err == nil)
		if err != nil {
			tx.logger.WarnErr("forked transaction failed", err)
		}
		task.finish(err)
	}()
	return task
}

func runForked(ctx context.Context, created *CreatedTransaction, body Body) error {
	tx := created.Transaction()
	defer tx.Dispose()

	scope, fctx := created.GetForkScope(ctx)
	defer scope.Close()

	bodyErr := safeCall(tx.LocalIdentifier(), func() error { return body(fctx) })
	// Forks started by body are enlisted on the scope's activity, not the
	// creator's, so they are joined here.
	if joinErr := scope.Activity().Join(ctx); joinErr != nil {
		bodyErr = multierr.Append(bodyErr, fmt.Errorf("forked work: %w", joinErr))
	}
	if bodyErr != nil {
		return errclass.ErrForkFailed.WithMessagef("fork %s", tx.LocalIdentifier()).Wrap(bodyErr)
	}
	if err := tx.Complete(); err != nil {
		return errclass.ErrForkFailed.WithMessagef("fork %s", tx.LocalIdentifier()).Wrap(err)
	}
	return nil
}

// Run executes body in a transaction created from opts: it completes the
// transaction when body succeeds, rolls it back when body fails, and always
// disposes it. A ShouldFork transaction is handed to Fork and Run returns
// at once. AsyncCommit and AsyncRollback move the outcome onto a task
// enlisted on the activity.
//
// When Run creates the outermost transaction of its activity, it also joins
// the tasks forked underneath before returning, so their failures reach the
// caller.
func Run(ctx context.Context, tm *TransactionManager, opts model.TransactionOptions, body Body) error {
	created, err := tm.CreateTransaction(ctx, opts)
	if err != nil {
		return err
	}
	if created == nil {
		return safeCall("suppressed", func() error { return body(Suppress(ctx)) })
	}
	if created.ShouldFork() {
		Fork(ctx, created, body)
		return nil
	}

	tx := created.Transaction()
	activity := created.Activity()
	outermost := tx.Depth() == 1

	bodyErr := safeCall(tx.LocalIdentifier(), func() error { return body(created.Context()) })

	async := (bodyErr == nil && opts.AsyncCommit) || (bodyErr != nil && opts.AsyncRollback)
	if async {
		tx.releaseScope()
		task := Go(tx.LocalIdentifier(), func() error {
			defer tx.Dispose()
			if bodyErr != nil {
				return tx.Rollback()
			}
			return tx.Complete()
		})
		activity.EnlistDependentTask(task)
		return bodyErr
	}

	var outcome error
	if bodyErr != nil {
		outcome = tx.Rollback()
	} else {
		outcome = tx.Complete()
	}
	tx.Dispose()

	err = multierr.Append(bodyErr, outcome)
	if outermost {
		if joinErr := activity.Join(ctx); joinErr != nil {
			err = multierr.Append(err, fmt.Errorf("forked work: %w", joinErr))
		}
	}
	return err
}
