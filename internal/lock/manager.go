// Package lock tracks which kernel transaction owns a staged path so that two
// transactions never stage conflicting changes to the same file.
package lock

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jvs-project/txfs/pkg/errclass"
	"github.com/jvs-project/txfs/pkg/model"
)

// Manager is an in-process table of path ownership.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]*model.PathLock
	fences map[string]int64
}

// NewManager creates an empty lock table.
func NewManager() *Manager {
	return &Manager{
		locks:  make(map[string]*model.PathLock),
		fences: make(map[string]int64),
	}
}

// Acquire takes ownership of path for txID. Re-acquiring a path already held
// by txID is a no-op that returns the existing record.
func (m *Manager) Acquire(path, txID string) (*model.PathLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := filepath.Clean(path)
	if rec, ok := m.locks[key]; ok {
		if rec.TransactionID == txID {
			return rec, nil
		}
		return nil, errclass.ErrTransactionalConflict.WithMessagef(
			"%s is locked by transaction %s", key, rec.TransactionID)
	}

	m.fences[key]++
	rec := &model.PathLock{
		Path:          key,
		TransactionID: txID,
		AcquiredAt:    time.Now().UTC(),
		FencingToken:  m.fences[key],
	}
	m.locks[key] = rec
	return rec, nil
}

// Check reports a conflict if path is held by a transaction other than txID,
// without acquiring it.
func (m *Manager) Check(path, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.locks[filepath.Clean(path)]; ok && rec.TransactionID != txID {
		return errclass.ErrTransactionalConflict.WithMessagef(
			"%s is locked by transaction %s", rec.Path, rec.TransactionID)
	}
	return nil
}

// CheckTree is Check for path and every locked descendant of it.
func (m *Manager) CheckTree(path, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root := filepath.Clean(path)
	prefix := root + string(filepath.Separator)
	for key, rec := range m.locks {
		if rec.TransactionID == txID {
			continue
		}
		if key == root || strings.HasPrefix(key, prefix) {
			return errclass.ErrTransactionalConflict.WithMessagef(
				"%s is locked by transaction %s", key, rec.TransactionID)
		}
	}
	return nil
}

// Release drops ownership of path if txID holds it.
func (m *Manager) Release(path, txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := filepath.Clean(path)
	if rec, ok := m.locks[key]; ok && rec.TransactionID == txID {
		delete(m.locks, key)
	}
}

// ReleaseAll drops every lock held by txID and returns how many were held.
func (m *Manager) ReleaseAll(txID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, rec := range m.locks {
		if rec.TransactionID == txID {
			delete(m.locks, key)
			n++
		}
	}
	return n
}

// ValidateFencing checks if the provided fencing token matches the current lock.
func (m *Manager) ValidateFencing(path string, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.locks[filepath.Clean(path)]
	if !ok {
		return errclass.ErrTransactionalConflict.WithMessagef("%s is not locked", path)
	}
	if rec.FencingToken != token {
		return errclass.ErrTransactionalConflict.WithMessagef(
			"fencing token for %s: expected %d, got %d", path, rec.FencingToken, token)
	}
	return nil
}

// Status returns the current lock state of path.
func (m *Manager) Status(path string) (model.LockState, *model.PathLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.locks[filepath.Clean(path)]
	if !ok {
		return model.LockStateFree, nil
	}
	cp := *rec
	return model.LockStateHeld, &cp
}

// Held lists the paths held by txID in sorted order.
func (m *Manager) Held(txID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for key, rec := range m.locks {
		if rec.TransactionID == txID {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
