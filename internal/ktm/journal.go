package ktm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jvs-project/txfs/pkg/fsutil"
)

type opKind int

const (
	opMkdir opKind = iota
	opWrite
	opRemove
	opRmdir
	opRename
)

func (k opKind) String() string {
	switch k {
	case opMkdir:
		return "mkdir"
	case opWrite:
		return "write"
	case opRemove:
		return "remove"
	case opRmdir:
		return "rmdir"
	case opRename:
		return "rename"
	}
	return "unknown"
}

// op is one journal entry, replayed in order at commit. Paths are the
// transaction's view at the time the entry was recorded, which is also the
// real layout at that point of the replay.
type op struct {
	kind   opKind
	path   string
	target string
	shadow string
}

func (o op) String() string {
	if o.kind == opRename {
		return fmt.Sprintf("%s %s -> %s", o.kind, o.path, o.target)
	}
	return fmt.Sprintf("%s %s", o.kind, o.path)
}

func (tx *kernelTx) recordLocked(o op) {
	tx.journal = append(tx.journal, o)
}

// applyLocked replays the journal and returns how many entries took effect.
func (tx *kernelTx) applyLocked() (int, error) {
	touched := make(map[string]bool)
	for i, o := range tx.journal {
		if err := applyOp(o); err != nil {
			return i, fmt.Errorf("apply %s: %w", o, err)
		}
		touched[filepath.Dir(o.path)] = true
		if o.target != "" {
			touched[filepath.Dir(o.target)] = true
		}
	}
	if tx.mgr.opts.Fsync {
		dirs := make([]string, 0, len(touched))
		for d := range touched {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)
		for _, d := range dirs {
			if _, err := os.Stat(d); err != nil {
				continue
			}
			if err := fsutil.FsyncDir(d); err != nil {
				return len(tx.journal), err
			}
		}
	}
	return len(tx.journal), nil
}

func applyOp(o op) error {
	switch o.kind {
	case opMkdir:
		return os.Mkdir(o.path, 0755)
	case opWrite:
		return fsutil.MoveFile(o.shadow, o.path)
	case opRemove, opRmdir:
		return os.Remove(o.path)
	case opRename:
		return os.Rename(o.path, o.target)
	}
	return fmt.Errorf("unknown journal entry %d", o.kind)
}
