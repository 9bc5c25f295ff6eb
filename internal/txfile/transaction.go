// Package txfile performs file and directory operations under a
// transaction, confined to a directory jail. Nothing it does is visible to
// other processes until the transaction completes, and all of it is undone
// on rollback.
package txfile

import (
	"context"
	"errors"
	"syscall"

	"github.com/jvs-project/txfs/internal/ktm"
	"github.com/jvs-project/txfs/internal/txn"
	"github.com/jvs-project/txfs/pkg/errclass"
	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/metrics"
	"github.com/jvs-project/txfs/pkg/pathutil"
)

// FileTransaction is the transactional filesystem adapter.
type FileTransaction struct {
	tx      *txn.Transaction
	handle  *ktm.Handle
	jail    pathutil.Jail
	logger  *logging.Logger
	metrics *metrics.Registry
}

// New returns an adapter working under tx.
func New(tx *txn.Transaction, jail pathutil.Jail, logger *logging.Logger) *FileTransaction {
	if logger == nil {
		logger = logging.Global()
	}
	return &FileTransaction{
		tx:      tx,
		jail:    jail,
		logger:  logger.WithFields(map[string]any{"component": "txfile", "tx": tx.LocalIdentifier()}),
		metrics: metrics.Default(),
	}
}

// FromContext returns an adapter working under the ambient kernel
// transaction of ctx.
func FromContext(ctx context.Context, jail pathutil.Jail) (*FileTransaction, error) {
	h, ok := ktm.HandleFromContext(ctx)
	if !ok {
		return nil, errclass.ErrNoTransaction.WithMessage("no ambient transaction in context")
	}
	return &FileTransaction{
		handle:  h,
		jail:    jail,
		logger:  logging.Global().WithFields(map[string]any{"component": "txfile", "ktm_tx": h.ID()}),
		metrics: metrics.Default(),
	}, nil
}

// WithMetrics replaces the registry operations are counted on.
func (ft *FileTransaction) WithMetrics(reg *metrics.Registry) *FileTransaction {
	ft.metrics = reg
	return ft
}

// Jail returns the adapter's jail.
func (ft *FileTransaction) Jail() pathutil.Jail { return ft.jail }

// IsInAllowedDir reports whether path is inside the jail.
func (ft *FileTransaction) IsInAllowedDir(path string) bool {
	return ft.jail.IsInAllowedDir(path)
}

// GetFullPath resolves a path, relative ones against the jail root, and
// checks it against the jail.
func (ft *FileTransaction) GetFullPath(path string) (string, error) {
	if err := ft.jail.Check(path); err != nil {
		return "", err
	}
	return ft.jail.Resolve(path)
}

// prepare checks the jail first, then that the transaction is still
// active, and returns the resolved path with the kernel handle.
func (ft *FileTransaction) prepare(path string) (string, *ktm.Handle, error) {
	full, err := ft.GetFullPath(path)
	if err != nil {
		return "", nil, err
	}
	h, err := ft.native()
	if err != nil {
		return "", nil, err
	}
	return full, h, nil
}

func (ft *FileTransaction) native() (*ktm.Handle, error) {
	if ft.tx != nil {
		if h := ft.tx.Handle(); h != nil {
			return h, nil
		}
		return nil, errclass.ErrInvalidState.WithMessagef("transaction %s is %s", ft.tx.LocalIdentifier(), ft.tx.State())
	}
	if !ft.handle.IsValid() {
		return nil, errclass.ErrInvalidState.WithMessage("ambient transaction handle is closed")
	}
	return ft.handle, nil
}

// translate classifies a kernel failure. Conflicts keep their own class;
// everything else becomes ErrTransactional carrying the underlying error.
func translate(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var txErr *errclass.TxError
	if errors.As(err, &txErr) && !errors.Is(err, ktm.ErrTransactionalConflict) {
		return err
	}
	if errors.Is(err, ktm.ErrTransactionalConflict) {
		return errclass.ErrTransactionalConflict.WithMessagef("%s %s", op, path).Wrap(err)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errclass.ErrTransactional.WithMessagef("%s %s (errno %d)", op, path, int(errno)).Wrap(err)
	}
	return errclass.ErrTransactional.WithMessagef("%s %s", op, path).Wrap(err)
}

// observe counts the operation and logs failures.
func (ft *FileTransaction) observe(op, path string, err error) error {
	ft.metrics.RecordFileOp(op, err == nil)
	if err != nil {
		ft.logger.Debug("file operation failed", map[string]any{"op": op, "path": path, "error": err.Error()})
	}
	return err
}
