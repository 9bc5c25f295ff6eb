package ktm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jvs-project/txfs/internal/audit"
	"github.com/jvs-project/txfs/internal/lock"
	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/model"
	"github.com/jvs-project/txfs/pkg/uuidutil"
)

// Options configures a Manager.
type Options struct {
	// StagingDir holds per-transaction shadow files. Defaults to a
	// "txfs-staging" directory under os.TempDir().
	StagingDir string
	// Log receives one record per transaction outcome. Defaults to audit.Nop.
	Log audit.Appender
	// Locks is the path ownership table. Defaults to a private table.
	Locks *lock.Manager
	// Logger defaults to the global logger.
	Logger *logging.Logger
	// Fsync makes commit fsync every directory it touched.
	Fsync bool
}

// BeginOptions configures a new top-level kernel transaction.
type BeginOptions struct {
	Isolation   model.IsolationLevel
	Timeout     time.Duration
	Description string
}

// Manager creates kernel transactions and owns the state they share: the
// path lock table and the table of open files.
type Manager struct {
	opts   Options
	locks  *lock.Manager
	log    audit.Appender
	logger *logging.Logger
	shares *shareTable

	mu     sync.Mutex
	active map[string]*kernelTx
}

// NewManager creates the staging directory and returns a ready Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.StagingDir == "" {
		opts.StagingDir = filepath.Join(os.TempDir(), "txfs-staging")
	}
	if err := os.MkdirAll(opts.StagingDir, 0700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if opts.Log == nil {
		opts.Log = audit.Nop{}
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewManager()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	return &Manager{
		opts:   opts,
		locks:  opts.Locks,
		log:    opts.Log,
		logger: opts.Logger.With("component", "ktm"),
		shares: newShareTable(),
		active: make(map[string]*kernelTx),
	}, nil
}

// Begin starts a top-level kernel transaction and returns its first handle.
func (m *Manager) Begin(opts BeginOptions) (*Handle, error) {
	if opts.Isolation == "" {
		opts.Isolation = model.IsolationReadCommitted
	}
	id := uuidutil.NewV4()
	staging := filepath.Join(m.opts.StagingDir, id)
	if err := os.Mkdir(staging, 0700); err != nil {
		return nil, fmt.Errorf("create transaction staging dir: %w", err)
	}

	tx := newKernelTx(m, id, staging, opts)

	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()

	if opts.Timeout > 0 {
		tx.timer = time.AfterFunc(opts.Timeout, tx.expire)
	}

	m.record(model.EventBegin, tx, map[string]any{
		"timeout":     opts.Timeout.String(),
		"description": opts.Description,
	})
	tx.logger.Debug("kernel transaction started")
	return &Handle{tx: tx}, nil
}

// ActiveCount returns the number of transactions that have neither
// committed nor aborted.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Locks exposes the path ownership table.
func (m *Manager) Locks() *lock.Manager {
	return m.locks
}

// Close rolls back every active transaction.
func (m *Manager) Close() error {
	m.mu.Lock()
	txs := make([]*kernelTx, 0, len(m.active))
	for _, tx := range m.active {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	for _, tx := range txs {
		tx.rollback(ErrNotActive)
	}
	return nil
}

func (m *Manager) forget(tx *kernelTx) {
	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
	m.locks.ReleaseAll(tx.id)
}

func (m *Manager) record(event model.LogEventType, tx *kernelTx, details map[string]any) {
	if err := m.log.Append(event, tx.id, tx.isolation, details); err != nil {
		m.logger.WarnErr("append transaction log", err, map[string]any{"event": string(event), "ktm_tx": tx.id})
	}
}
