package ktm

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// FileMode selects how CreateFile treats an existing or missing file.
type FileMode int

const (
	// ModeCreateNew fails if the file exists.
	ModeCreateNew FileMode = iota
	// ModeCreate creates the file or truncates an existing one.
	ModeCreate
	// ModeOpen fails if the file does not exist.
	ModeOpen
	// ModeOpenOrCreate opens the file, creating it empty if missing.
	ModeOpenOrCreate
	// ModeTruncate opens an existing file and truncates it.
	ModeTruncate
	// ModeAppend opens or creates the file and positions writes at its end.
	ModeAppend
)

func (m FileMode) String() string {
	switch m {
	case ModeCreateNew:
		return "create_new"
	case ModeCreate:
		return "create"
	case ModeOpen:
		return "open"
	case ModeOpenOrCreate:
		return "open_or_create"
	case ModeTruncate:
		return "truncate"
	case ModeAppend:
		return "append"
	}
	return "unknown"
}

// writes reports whether the mode alters the file regardless of access.
func (m FileMode) writes(exists bool) bool {
	switch m {
	case ModeCreateNew, ModeCreate, ModeTruncate, ModeAppend:
		return true
	case ModeOpenOrCreate:
		return !exists
	}
	return false
}

func (m FileMode) truncates() bool {
	return m == ModeCreate || m == ModeTruncate
}

// Access is the access requested on an opened file.
type Access int

const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

func (a Access) canRead() bool  { return a&AccessRead != 0 }
func (a Access) canWrite() bool { return a&AccessWrite != 0 }

// Share is the access other opens of the same path may request while the
// file stays open.
type Share int

const (
	ShareNone  Share = 0
	ShareRead  Share = 1
	ShareWrite Share = 2
	// ShareDelete permits deleting or moving the path while it is open.
	ShareDelete Share = 4

	ShareReadWrite = ShareRead | ShareWrite
)

type shareEntry struct {
	access Access
	share  Share
}

// shareTable tracks open files per path across every transaction of a
// Manager.
type shareTable struct {
	mu   sync.Mutex
	open map[string]map[*shareEntry]struct{}
}

func newShareTable() *shareTable {
	return &shareTable{open: make(map[string]map[*shareEntry]struct{})}
}

func compatible(held *shareEntry, access Access, share Share) bool {
	if access.canRead() && held.share&ShareRead == 0 {
		return false
	}
	if access.canWrite() && held.share&ShareWrite == 0 {
		return false
	}
	if held.access.canRead() && share&ShareRead == 0 {
		return false
	}
	if held.access.canWrite() && share&ShareWrite == 0 {
		return false
	}
	return true
}

func (s *shareTable) acquire(path string, access Access, share Share) (*shareEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for held := range s.open[path] {
		if !compatible(held, access, share) {
			return nil, fmt.Errorf("%w: %s", ErrSharingViolation, path)
		}
	}
	e := &shareEntry{access: access, share: share}
	if s.open[path] == nil {
		s.open[path] = make(map[*shareEntry]struct{})
	}
	s.open[path][e] = struct{}{}
	return e, nil
}

func (s *shareTable) release(path string, e *shareEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open[path], e)
	if len(s.open[path]) == 0 {
		delete(s.open, path)
	}
}

// checkDelete fails when an open file on path does not permit deletion.
func (s *shareTable) checkDelete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for held := range s.open[path] {
		if held.share&ShareDelete == 0 {
			return fmt.Errorf("%w: %s is open", ErrSharingViolation, path)
		}
	}
	return nil
}

// File is a stream over a transacted file. Writes land in the transaction's
// shadow copy and become visible to others only when it commits.
type File struct {
	tx     *kernelTx
	path   string
	f      *os.File
	access Access
	entry  *shareEntry

	once sync.Once
}

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.path }

func (f *File) usable() error {
	f.tx.mu.Lock()
	defer f.tx.mu.Unlock()
	return f.tx.activeLocked()
}

// Read reads from the transaction's view of the file.
func (f *File) Read(p []byte) (int, error) {
	if !f.access.canRead() {
		return 0, fmt.Errorf("read %s: %w", f.path, os.ErrPermission)
	}
	if err := f.usable(); err != nil {
		return 0, err
	}
	return f.f.Read(p)
}

// Write writes to the shadow copy.
func (f *File) Write(p []byte) (int, error) {
	if !f.access.canWrite() {
		return 0, fmt.Errorf("write %s: %w", f.path, os.ErrPermission)
	}
	if err := f.usable(); err != nil {
		return 0, err
	}
	return f.f.Write(p)
}

// WriteString is a convenience wrapper around Write.
func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Seek sets the offset for the next Read or Write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	return f.f.Seek(offset, whence)
}

// Close releases the file and its share reservation.
func (f *File) Close() error {
	var err error
	f.once.Do(func() {
		err = f.f.Close()
		f.tx.mgr.shares.release(f.path, f.entry)
	})
	return err
}

var _ io.ReadWriteSeeker = (*File)(nil)

// DirEntry is one child of a directory in a transaction's view.
type DirEntry struct {
	Name  string
	IsDir bool
}

func sortEntries(entries []DirEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
