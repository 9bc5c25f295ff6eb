package ktm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jvs-project/txfs/pkg/fsutil"
)

var (
	errIsDir  = errors.New("is a directory")
	errNotDir = errors.New("not a directory")
)

// Attributes describe a path in a transaction's view.
type Attributes struct {
	Exists  bool
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// GetFullPath returns the absolute, cleaned form of path.
func GetFullPath(path string) (string, error) {
	if path == "" {
		return "", &fs.PathError{Op: "fullpath", Path: path, Err: fs.ErrInvalid}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// lockedTx validates the handle and path, then returns the transaction with
// its mutex held.
func (h *Handle) lockedTx(path string) (*kernelTx, string, error) {
	if err := h.check(); err != nil {
		return nil, "", err
	}
	p, err := GetFullPath(path)
	if err != nil {
		return nil, "", err
	}
	tx := h.tx
	tx.mu.Lock()
	if err := tx.activeLocked(); err != nil {
		tx.mu.Unlock()
		return nil, "", err
	}
	return tx, p, nil
}

// requireParentLocked fails unless the parent of p is a directory in the
// transaction's view.
func (tx *kernelTx) requireParentLocked(op, p string) error {
	pv, err := tx.resolveLocked(filepath.Dir(p))
	if err != nil {
		return err
	}
	switch pv.kind {
	case kindDir:
		return nil
	case kindFile:
		return &fs.PathError{Op: op, Path: p, Err: errNotDir}
	}
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

// checkBaseLocked fails when a staged path changed on disk since the
// transaction first touched it.
func (tx *kernelTx) checkBaseLocked(p string) error {
	n, ok := tx.nodes[p]
	if !ok || n.base == nil {
		return nil
	}
	changed, err := n.base.changed()
	if err != nil {
		return err
	}
	if changed {
		return ErrTransactionalConflict.WithMessagef("%s was modified outside transaction %s", n.base.path, tx.id)
	}
	return nil
}

// baseForLocked captures the on-disk state backing p, or nil when the
// transaction's own staging hides it.
func (tx *kernelTx) baseForLocked(p string, v view) (*baseStat, error) {
	if v.real != "" {
		return statBase(v.real)
	}
	if real, ok := tx.backingLocked(p); ok {
		return statBase(real)
	}
	return nil, nil
}

// CreateFile opens path inside the transaction. Opens that may change the
// file copy it into a shadow first; the original stays untouched until
// commit.
func (h *Handle) CreateFile(path string, mode FileMode, access Access, share Share) (*File, error) {
	if access&AccessReadWrite == 0 {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrInvalid}
	}
	if mode == ModeAppend && access.canRead() {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrInvalid}
	}
	tx, p, err := h.lockedTx(path)
	if err != nil {
		return nil, err
	}
	defer tx.mu.Unlock()

	v, err := tx.resolveLocked(p)
	if err != nil {
		return nil, err
	}
	if v.kind == kindDir {
		return nil, &fs.PathError{Op: "open", Path: p, Err: errIsDir}
	}
	exists := v.kind == kindFile
	switch {
	case mode == ModeCreateNew && exists:
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrExist}
	case (mode == ModeOpen || mode == ModeTruncate) && !exists:
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	if !exists {
		if err := tx.requireParentLocked("open", p); err != nil {
			return nil, err
		}
	}
	if err := tx.checkBaseLocked(p); err != nil {
		return nil, err
	}

	writes := access.canWrite() || mode.writes(exists)
	content := v.contentPath()
	if writes {
		content, err = tx.shadowForWriteLocked(p, v, !exists || mode.truncates())
		if err != nil {
			return nil, err
		}
	}

	flags := os.O_RDONLY
	switch {
	case access == AccessReadWrite:
		flags = os.O_RDWR
	case access.canWrite():
		flags = os.O_WRONLY
	}
	if writes && mode.truncates() {
		flags |= os.O_TRUNC
	}
	if mode == ModeAppend {
		flags |= os.O_APPEND
	}

	entry, err := tx.mgr.shares.acquire(p, access, share)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(content, flags, 0644)
	if err != nil {
		tx.mgr.shares.release(p, entry)
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return &File{tx: tx, path: p, f: f, access: access, entry: entry}, nil
}

// shadowForWriteLocked returns the shadow file backing writes to p, creating
// it on first write. Existing content is copied unless empty is set.
func (tx *kernelTx) shadowForWriteLocked(p string, v view, empty bool) (string, error) {
	if n, ok := tx.nodes[p]; ok && n.kind == kindFile && n.shadow != "" {
		return n.shadow, nil
	}
	if _, err := tx.mgr.locks.Acquire(p, tx.id); err != nil {
		return "", err
	}

	n := &node{kind: kindFile, origin: v.real}
	if prev, ok := tx.nodes[p]; ok {
		n.base = prev.base
	} else {
		base, err := tx.baseForLocked(p, v)
		if err != nil {
			return "", err
		}
		n.base = base
	}

	shadow := tx.newShadowLocked()
	if v.kind == kindFile && !empty {
		shared, err := fsutil.CloneFile(v.contentPath(), shadow)
		if err != nil {
			return "", fmt.Errorf("shadow %s: %w", p, err)
		}
		tx.logger.Debug("shadow created", map[string]any{"path": p, "reflink": shared})
	} else if err := os.WriteFile(shadow, nil, 0644); err != nil {
		return "", fmt.Errorf("shadow %s: %w", p, err)
	}
	n.shadow = shadow

	if err := tx.stageLocked(p, n); err != nil {
		os.Remove(shadow)
		return "", err
	}
	tx.recordLocked(op{kind: opWrite, path: p, shadow: shadow})
	return shadow, nil
}

// DeleteFile removes a file inside the transaction.
func (h *Handle) DeleteFile(path string) error {
	tx, p, err := h.lockedTx(path)
	if err != nil {
		return err
	}
	defer tx.mu.Unlock()

	v, err := tx.resolveLocked(p)
	if err != nil {
		return err
	}
	switch v.kind {
	case kindAbsent:
		return &fs.PathError{Op: "delete", Path: p, Err: fs.ErrNotExist}
	case kindDir:
		return &fs.PathError{Op: "delete", Path: p, Err: errIsDir}
	}
	if err := tx.checkBaseLocked(p); err != nil {
		return err
	}
	if err := tx.mgr.shares.checkDelete(p); err != nil {
		return err
	}

	n := &node{kind: kindAbsent}
	if prev, ok := tx.nodes[p]; ok {
		n.base = prev.base
	} else if n.base, err = tx.baseForLocked(p, v); err != nil {
		return err
	}
	if err := tx.stageLocked(p, n); err != nil {
		return err
	}
	tx.recordLocked(op{kind: opRemove, path: p})
	return nil
}

// CreateDirectory creates a single directory inside the transaction. The
// parent must already exist in the transaction's view.
func (h *Handle) CreateDirectory(path string) error {
	tx, p, err := h.lockedTx(path)
	if err != nil {
		return err
	}
	defer tx.mu.Unlock()

	v, err := tx.resolveLocked(p)
	if err != nil {
		return err
	}
	if v.exists() {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if err := tx.requireParentLocked("mkdir", p); err != nil {
		return err
	}

	n := &node{kind: kindDir}
	if prev, ok := tx.nodes[p]; ok {
		n.base = prev.base
	} else if n.base, err = tx.baseForLocked(p, v); err != nil {
		return err
	}
	if err := tx.stageLocked(p, n); err != nil {
		return err
	}
	tx.recordLocked(op{kind: opMkdir, path: p})
	return nil
}

// RemoveDirectory removes an empty directory inside the transaction.
func (h *Handle) RemoveDirectory(path string) error {
	tx, p, err := h.lockedTx(path)
	if err != nil {
		return err
	}
	defer tx.mu.Unlock()

	v, err := tx.resolveLocked(p)
	if err != nil {
		return err
	}
	switch v.kind {
	case kindAbsent:
		return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrNotExist}
	case kindFile:
		return &fs.PathError{Op: "rmdir", Path: p, Err: errNotDir}
	}
	children, err := tx.childrenLocked(p, v)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return &fs.PathError{Op: "rmdir", Path: p, Err: ErrNotEmpty}
	}
	if err := tx.mgr.locks.CheckTree(p, tx.id); err != nil {
		return err
	}

	n := &node{kind: kindAbsent}
	if prev, ok := tx.nodes[p]; ok {
		n.base = prev.base
	}
	if err := tx.stageLocked(p, n); err != nil {
		return err
	}
	tx.recordLocked(op{kind: opRmdir, path: p})
	return nil
}

// MoveFile renames a file or directory inside the transaction. The
// destination must not exist.
func (h *Handle) MoveFile(src, dst string) error {
	if err := h.check(); err != nil {
		return err
	}
	d, err := GetFullPath(dst)
	if err != nil {
		return err
	}
	tx, s, err := h.lockedTx(src)
	if err != nil {
		return err
	}
	defer tx.mu.Unlock()

	if s == d {
		return nil
	}
	if strings.HasPrefix(d, s+string(filepath.Separator)) {
		return &os.LinkError{Op: "move", Old: s, New: d, Err: fs.ErrInvalid}
	}

	sv, err := tx.resolveLocked(s)
	if err != nil {
		return err
	}
	if !sv.exists() {
		return &os.LinkError{Op: "move", Old: s, New: d, Err: fs.ErrNotExist}
	}
	dv, err := tx.resolveLocked(d)
	if err != nil {
		return err
	}
	if dv.exists() {
		return &os.LinkError{Op: "move", Old: s, New: d, Err: fs.ErrExist}
	}
	if err := tx.requireParentLocked("move", d); err != nil {
		return err
	}
	if err := tx.checkBaseLocked(s); err != nil {
		return err
	}
	if err := tx.mgr.shares.checkDelete(s); err != nil {
		return err
	}
	if sv.kind == kindDir {
		if err := tx.mgr.locks.CheckTree(s, tx.id); err != nil {
			return err
		}
	}
	if _, err := tx.mgr.locks.Acquire(s, tx.id); err != nil {
		return err
	}

	moved := &node{kind: sv.kind, shadow: sv.shadow, origin: sv.real}
	if prev, ok := tx.nodes[s]; ok {
		moved.base = prev.base
	} else if sv.kind == kindFile {
		if moved.base, err = tx.baseForLocked(s, sv); err != nil {
			return err
		}
	}
	if sv.kind == kindDir {
		if err := tx.rekeyLocked(s, d); err != nil {
			return err
		}
	}
	if err := tx.stageLocked(d, moved); err != nil {
		return err
	}
	tx.nodes[s] = &node{kind: kindAbsent}
	tx.recordLocked(op{kind: opRename, path: s, target: d})
	return nil
}

// Stat returns the attributes of path in the transaction's view.
func (h *Handle) Stat(path string) (Attributes, error) {
	tx, p, err := h.lockedTx(path)
	if err != nil {
		return Attributes{}, err
	}
	defer tx.mu.Unlock()

	v, err := tx.resolveLocked(p)
	if err != nil || !v.exists() {
		return Attributes{}, err
	}
	attrs := Attributes{Exists: true, IsDir: v.kind == kindDir}
	if src := v.contentPath(); src != "" {
		if info, err := os.Stat(src); err == nil {
			attrs.ModTime = info.ModTime()
			if !info.IsDir() {
				attrs.Size = info.Size()
			}
		}
	}
	return attrs, nil
}

// ReadDir lists a directory in the transaction's view, sorted by name.
func (h *Handle) ReadDir(path string) ([]DirEntry, error) {
	tx, p, err := h.lockedTx(path)
	if err != nil {
		return nil, err
	}
	defer tx.mu.Unlock()

	v, err := tx.resolveLocked(p)
	if err != nil {
		return nil, err
	}
	switch v.kind {
	case kindAbsent:
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
	case kindFile:
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: errNotDir}
	}
	return tx.childrenLocked(p, v)
}
