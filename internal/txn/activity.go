package txn

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/uuidutil"
)

type activityKey struct{}

// Activity is the stack of transactions of one logical call context, plus
// the dependent tasks forked from it that have not been joined.
type Activity struct {
	id string

	mu    sync.Mutex
	stack []*Transaction
	tasks []*DependentTask
}

func newActivity() *Activity {
	return &Activity{id: uuidutil.Short(uuidutil.NewV4())}
}

// ID identifies the activity in logs.
func (a *Activity) ID() string { return a.id }

// Push makes tx the current transaction.
func (a *Activity) Push(tx *Transaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stack = append(a.stack, tx)
}

// Pop removes and returns the current transaction. Popping an empty
// activity is a programming error and panics.
func (a *Activity) Pop() *Transaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.stack) == 0 {
		panic(fmt.Sprintf("txn: pop on empty activity %s", a.id))
	}
	tx := a.stack[len(a.stack)-1]
	a.stack[len(a.stack)-1] = nil
	a.stack = a.stack[:len(a.stack)-1]
	return tx
}

// Count returns the number of pushed transactions.
func (a *Activity) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.stack)
}

// TopTransaction returns the outermost transaction.
func (a *Activity) TopTransaction() (*Transaction, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.stack) == 0 {
		return nil, false
	}
	return a.stack[0], true
}

// CurrentTransaction returns the most recently pushed transaction.
func (a *Activity) CurrentTransaction() (*Transaction, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.stack) == 0 {
		return nil, false
	}
	return a.stack[len(a.stack)-1], true
}

// EnlistDependentTask tracks task until the next Join and registers it with
// the top transaction so that transaction can wait for it.
func (a *Activity) EnlistDependentTask(task *DependentTask) {
	a.mu.Lock()
	a.tasks = append(a.tasks, task)
	var top *Transaction
	if len(a.stack) > 0 {
		top = a.stack[0]
	}
	a.mu.Unlock()
	if top != nil {
		top.EnlistDependent(task)
	}
}

// Outstanding returns the number of enlisted tasks not yet joined.
func (a *Activity) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// Join waits for every enlisted task and returns their combined failures.
// If ctx ends first, the context error is returned along with the failures
// seen so far, and unfinished tasks stay enlisted.
func (a *Activity) Join(ctx context.Context) error {
	a.mu.Lock()
	tasks := append([]*DependentTask(nil), a.tasks...)
	a.mu.Unlock()

	var (
		mu       sync.Mutex
		failures error
		joined   = make(map[*DependentTask]bool, len(tasks))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			select {
			case <-task.Done():
				mu.Lock()
				failures = multierr.Append(failures, task.Err())
				joined[task] = true
				mu.Unlock()
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	waitErr := g.Wait()

	a.mu.Lock()
	remaining := a.tasks[:0]
	for _, task := range a.tasks {
		if !joined[task] {
			remaining = append(remaining, task)
		}
	}
	a.tasks = remaining
	a.mu.Unlock()

	return multierr.Append(failures, waitErr)
}

// ActivityManager resolves the Activity bound to a context.
type ActivityManager struct {
	logger *logging.Logger
}

// NewActivityManager returns an ActivityManager.
func NewActivityManager(logger *logging.Logger) *ActivityManager {
	if logger == nil {
		logger = logging.Global()
	}
	return &ActivityManager{logger: logger}
}

// GetCurrentActivity returns the activity bound to ctx, binding a new one if
// there is none. Callers must keep using the returned context to see the
// same activity again.
func (m *ActivityManager) GetCurrentActivity(ctx context.Context) (*Activity, context.Context) {
	if a, ok := ActivityFromContext(ctx); ok {
		return a, ctx
	}
	return m.NewActivity(ctx)
}

// NewActivity binds a fresh, empty activity to ctx.
func (m *ActivityManager) NewActivity(ctx context.Context) (*Activity, context.Context) {
	a := newActivity()
	m.logger.Debug("activity created", map[string]any{"activity": a.id})
	return a, context.WithValue(ctx, activityKey{}, a)
}

// ActivityFromContext returns the activity bound to ctx, if any.
func ActivityFromContext(ctx context.Context) (*Activity, bool) {
	a, ok := ctx.Value(activityKey{}).(*Activity)
	return a, ok && a != nil
}
