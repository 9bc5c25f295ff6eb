package ktm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type nodeKind int

const (
	kindAbsent nodeKind = iota
	kindFile
	kindDir
)

// baseStat is what a staged path looked like on disk when the transaction
// first touched it.
type baseStat struct {
	path    string
	exists  bool
	size    int64
	modTime time.Time
}

func statBase(path string) (*baseStat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &baseStat{path: path}, nil
		}
		return nil, err
	}
	return &baseStat{path: path, exists: true, size: info.Size(), modTime: info.ModTime()}, nil
}

func (b *baseStat) changed() (bool, error) {
	cur, err := statBase(b.path)
	if err != nil {
		return false, err
	}
	if cur.exists != b.exists {
		return true, nil
	}
	return b.exists && (cur.size != b.size || !cur.modTime.Equal(b.modTime)), nil
}

// node is the transaction's view of one path. A file node's content lives in
// shadow when staged, otherwise at origin. A directory node with an origin
// is a moved real directory whose unstaged children resolve under origin.
type node struct {
	kind   nodeKind
	shadow string
	origin string
	base   *baseStat
}

// view is the resolved state of a path as seen by the transaction.
type view struct {
	kind   nodeKind
	shadow string
	real   string
}

func (v view) exists() bool { return v.kind != kindAbsent }

// contentPath is where a file view's bytes currently live.
func (v view) contentPath() string {
	if v.shadow != "" {
		return v.shadow
	}
	return v.real
}

func (tx *kernelTx) resolveLocked(p string) (view, error) {
	if n, ok := tx.nodes[p]; ok {
		return n.view(), nil
	}
	real, ok := tx.backingLocked(p)
	if !ok {
		return view{kind: kindAbsent}, nil
	}
	return statReal(real)
}

// backingLocked maps an unstaged path to the real path holding its content.
// It reports false when an ancestor's staged state hides the path.
func (tx *kernelTx) backingLocked(p string) (string, bool) {
	if _, ok := tx.nodes[p]; ok {
		return "", false
	}
	for child, dir := p, filepath.Dir(p); dir != child; child, dir = dir, filepath.Dir(dir) {
		n, ok := tx.nodes[dir]
		if !ok {
			continue
		}
		if n.kind != kindDir || n.origin == "" {
			return "", false
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return "", false
		}
		return filepath.Join(n.origin, rel), true
	}
	return p, true
}

func (n *node) view() view {
	switch n.kind {
	case kindFile:
		return view{kind: kindFile, shadow: n.shadow, real: n.origin}
	case kindDir:
		return view{kind: kindDir, real: n.origin}
	}
	return view{kind: kindAbsent}
}

func statReal(p string) (view, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscallENOTDIR) {
			return view{kind: kindAbsent}, nil
		}
		return view{}, err
	}
	if info.IsDir() {
		return view{kind: kindDir, real: p}, nil
	}
	return view{kind: kindFile, real: p}, nil
}

// stageLocked takes the path lock for p and records n as its new state.
func (tx *kernelTx) stageLocked(p string, n *node) error {
	if _, err := tx.mgr.locks.Acquire(p, tx.id); err != nil {
		return err
	}
	tx.nodes[p] = n
	return nil
}

// childrenLocked lists the names visible under directory p.
func (tx *kernelTx) childrenLocked(p string, v view) ([]DirEntry, error) {
	seen := make(map[string]bool)
	var out []DirEntry

	add := func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		cv, err := tx.resolveLocked(filepath.Join(p, name))
		if err != nil {
			return err
		}
		if cv.exists() {
			out = append(out, DirEntry{Name: name, IsDir: cv.kind == kindDir})
		}
		return nil
	}

	if v.real != "" {
		entries, err := os.ReadDir(v.real)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read dir %s: %w", v.real, err)
		}
		for _, e := range entries {
			if err := add(e.Name()); err != nil {
				return nil, err
			}
		}
	}

	prefix := p + string(filepath.Separator)
	if strings.HasSuffix(p, string(filepath.Separator)) {
		prefix = p
	}
	for key := range tx.nodes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if rest == "" || strings.ContainsRune(rest, filepath.Separator) {
			continue
		}
		if err := add(rest); err != nil {
			return nil, err
		}
	}
	sortEntries(out)
	return out, nil
}

// rekeyLocked moves every staged node under src so it lives under dst.
func (tx *kernelTx) rekeyLocked(src, dst string) error {
	prefix := src + string(filepath.Separator)
	moved := make(map[string]*node)
	for key, n := range tx.nodes {
		if strings.HasPrefix(key, prefix) {
			moved[dst+string(filepath.Separator)+key[len(prefix):]] = n
			delete(tx.nodes, key)
		}
	}
	for key, n := range moved {
		if err := tx.stageLocked(key, n); err != nil {
			return err
		}
	}
	return nil
}

func (tx *kernelTx) validateBasesLocked() error {
	for p, n := range tx.nodes {
		if n.base == nil {
			continue
		}
		changed, err := n.base.changed()
		if err != nil {
			return fmt.Errorf("validate %s: %w", p, err)
		}
		if changed {
			return ErrTransactionalConflict.WithMessagef(
				"%s was modified outside transaction %s", n.base.path, tx.id)
		}
	}
	return nil
}

func (tx *kernelTx) newShadowLocked() string {
	tx.shadowSeq++
	return filepath.Join(tx.staging, fmt.Sprintf("%06d.shadow", tx.shadowSeq))
}
