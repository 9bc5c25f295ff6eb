package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/jvs-project/txfs/internal/ktm"
	"github.com/jvs-project/txfs/pkg/errclass"
	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/metrics"
	"github.com/jvs-project/txfs/pkg/model"
)

// TransactionManager creates transactions on the activity of the calling
// context.
type TransactionManager struct {
	kernel     *ktm.Manager
	activities *ActivityManager
	logger     *logging.Logger
	metrics    *metrics.Registry
}

// Config holds optional collaborators of a TransactionManager.
type Config struct {
	Logger     *logging.Logger
	Metrics    *metrics.Registry
	Activities *ActivityManager
}

// NewTransactionManager returns a manager that begins kernel transactions
// on kernel.
func NewTransactionManager(kernel *ktm.Manager, cfg Config) *TransactionManager {
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Activities == nil {
		cfg.Activities = NewActivityManager(cfg.Logger)
	}
	return &TransactionManager{
		kernel:     kernel,
		activities: cfg.Activities,
		logger:     cfg.Logger.With("component", "txn"),
		metrics:    cfg.Metrics,
	}
}

// Kernel returns the kernel transaction manager.
func (m *TransactionManager) Kernel() *ktm.Manager { return m.kernel }

// Activities returns the activity manager.
func (m *TransactionManager) Activities() *ActivityManager { return m.activities }

// CreatedTransaction is the result of CreateTransaction.
type CreatedTransaction struct {
	tx         *Transaction
	shouldFork bool
	activity   *Activity
	ctx        context.Context
	manager    *TransactionManager
}

// Transaction returns the new, Active transaction.
func (c *CreatedTransaction) Transaction() *Transaction { return c.tx }

// ShouldFork reports whether the transaction must run on another goroutine
// through GetForkScope.
func (c *CreatedTransaction) ShouldFork() bool { return c.shouldFork }

// Activity returns the activity the transaction was created on.
func (c *CreatedTransaction) Activity() *Activity { return c.activity }

// Context returns the context to run the transaction's work in. For a
// non-forked transaction it carries the activity and the ambient handle;
// for a forked one it carries only the creating activity.
func (c *CreatedTransaction) Context() context.Context { return c.ctx }

// GetForkScope binds a fresh activity to ctx, pushes the forked transaction
// on it and sets it as the ambient transaction. The scope must be closed
// when the forked work ends.
func (c *CreatedTransaction) GetForkScope(ctx context.Context) (*ForkScope, context.Context) {
	a, fctx := c.manager.activities.NewActivity(ctx)
	a.Push(c.tx)
	fctx = ktm.ContextWithHandle(fctx, c.tx.Handle())
	c.tx.logger.Debug("fork scope entered", map[string]any{"activity": a.id})
	return &ForkScope{activity: a, tx: c.tx}, fctx
}

// ForkScope pops a forked transaction from its activity on Close.
type ForkScope struct {
	activity *Activity
	tx       *Transaction
	once     sync.Once
}

// Activity returns the activity the scope bound.
func (s *ForkScope) Activity() *Activity { return s.activity }

// Close pops the transaction. Repeated calls do nothing.
func (s *ForkScope) Close() {
	s.once.Do(func() {
		popActivity(s.activity, s.tx)
	})
}

func popActivity(a *Activity, tx *Transaction) {
	if popped := a.Pop(); popped != tx {
		panic(fmt.Sprintf("txn: activity %s popped %s, want %s", a.id, popped.LocalIdentifier(), tx.LocalIdentifier()))
	}
}

// CreateTransaction creates a transaction according to opts. It returns
// nil without error for ModeSuppress; run the suppressed work under
// Suppress(ctx).
func (m *TransactionManager) CreateTransaction(ctx context.Context, opts model.TransactionOptions) (*CreatedTransaction, error) {
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, errclass.ErrTransactional.WithMessage("invalid transaction options").Wrap(err)
	}
	if opts.Mode == model.ModeSuppress {
		return nil, nil
	}

	activity, actx := m.activities.GetCurrentActivity(ctx)
	count := activity.Count()
	depth := count + 1
	logger := m.logger.With("activity", activity.id)

	var (
		tx         *Transaction
		shouldFork bool
	)
	if count == 0 || opts.Mode == model.ModeRequiresNew {
		h, err := m.kernel.Begin(ktm.BeginOptions{
			Isolation:   opts.IsolationLevel,
			Timeout:     opts.Timeout,
			Description: fmt.Sprintf("activity %s depth %d", activity.id, depth),
		})
		if err != nil {
			return nil, errclass.ErrTransactional.WithMessage("begin kernel transaction").Wrap(err)
		}
		tx = newTransaction(h, depth, true, opts, logger, m.metrics)
		if count == 0 {
			if opts.Fork {
				tx.logger.Warn("fork requested on a top-most transaction; running synchronously")
			}
		} else {
			shouldFork = opts.Fork
		}
	} else {
		current, _ := activity.CurrentTransaction()
		h := current.Handle()
		if !h.IsValid() {
			panic(fmt.Sprintf("txn: current transaction %s has no active handle", current.LocalIdentifier()))
		}
		dep, err := h.CloneDependent(opts.DependentOption)
		if err != nil {
			return nil, errclass.ErrTransactional.WithMessagef("clone dependent of %s", current.LocalIdentifier()).Wrap(err)
		}
		tx = newTransaction(dep, depth, false, opts, logger, m.metrics)
		shouldFork = opts.Fork
	}

	created := &CreatedTransaction{
		tx:         tx,
		shouldFork: shouldFork,
		activity:   activity,
		ctx:        actx,
		manager:    m,
	}
	if !shouldFork {
		activity.Push(tx)
		tx.onDispose = func(t *Transaction) { popActivity(activity, t) }
		created.ctx = ktm.ContextWithHandle(actx, tx.Handle())
	}

	m.metrics.RecordCreated(tx.IsTopLevel())
	tx.logger.Debug("transaction created", map[string]any{
		"top_level": tx.IsTopLevel(),
		"fork":      shouldFork,
		"isolation": string(opts.IsolationLevel),
	})
	return created, nil
}

// CreateDefaultTransaction is CreateTransaction with model.DefaultOptions.
func (m *TransactionManager) CreateDefaultTransaction(ctx context.Context) (*CreatedTransaction, error) {
	return m.CreateTransaction(ctx, model.DefaultOptions())
}

// CurrentTransaction returns the current transaction of the activity bound
// to ctx.
func (m *TransactionManager) CurrentTransaction(ctx context.Context) (*Transaction, bool) {
	a, ok := ActivityFromContext(ctx)
	if !ok {
		return nil, false
	}
	return a.CurrentTransaction()
}

// CurrentTopTransaction returns the outermost transaction of the activity
// bound to ctx.
func (m *TransactionManager) CurrentTopTransaction(ctx context.Context) (*Transaction, bool) {
	a, ok := ActivityFromContext(ctx)
	if !ok {
		return nil, false
	}
	return a.TopTransaction()
}

// Count returns the depth of the activity bound to ctx.
func (m *TransactionManager) Count(ctx context.Context) int {
	a, ok := ActivityFromContext(ctx)
	if !ok {
		return 0
	}
	return a.Count()
}

// EnlistDependentTask registers task with the activity bound to ctx.
func (m *TransactionManager) EnlistDependentTask(ctx context.Context, task *DependentTask) error {
	a, ok := ActivityFromContext(ctx)
	if !ok {
		return errclass.ErrNoTransaction.WithMessage("no activity bound to context")
	}
	a.EnlistDependentTask(task)
	return nil
}

// Suppress returns a context with no ambient transaction and a fresh
// activity, so transactions created under it are independent top-level
// ones.
func Suppress(ctx context.Context) context.Context {
	return context.WithValue(ktm.WithoutHandle(ctx), activityKey{}, newActivity())
}
