package txfile

import (
	"io/fs"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/jvs-project/txfs/internal/ktm"
)

// CreateDirectory creates path and any missing ancestors. It reports true
// when the directory already existed and false when it was created now.
// Ancestors created before a failure are left in place for the transaction
// to commit or roll back.
func (ft *FileTransaction) CreateDirectory(path string) (bool, error) {
	full, h, err := ft.prepare(path)
	if err != nil {
		return false, ft.observe("mkdir", path, err)
	}
	existed, err := ft.createDirectory(h, full)
	return existed, ft.observe("mkdir", full, err)
}

func (ft *FileTransaction) createDirectory(h *ktm.Handle, full string) (bool, error) {
	var missing []string
	for cur := full; ; {
		attrs, err := h.Stat(cur)
		if err != nil {
			return false, translate("mkdir", cur, err)
		}
		if attrs.Exists {
			if !attrs.IsDir {
				return false, translate("mkdir", cur, &fs.PathError{Op: "mkdir", Path: cur, Err: fs.ErrExist})
			}
			break
		}
		missing = append(missing, cur)
		parent := filepath.Dir(cur)
		if parent == cur || !ft.jail.IsInAllowedDir(parent) {
			break
		}
		cur = parent
	}
	if len(missing) == 0 {
		return true, nil
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if err := h.CreateDirectory(missing[i]); err != nil {
			return false, translate("mkdir", missing[i], err)
		}
	}
	ft.logger.Debug("created directories", map[string]any{"path": full, "created": len(missing)})
	return false, nil
}

// DirectoryExists reports whether path is a directory in the transaction's
// view.
func (ft *FileTransaction) DirectoryExists(path string) (bool, error) {
	full, h, err := ft.prepare(path)
	if err != nil {
		return false, err
	}
	attrs, err := h.Stat(full)
	if err != nil {
		return false, translate("stat", full, err)
	}
	return attrs.Exists && attrs.IsDir, nil
}

// DeleteDirectory removes a directory. Without recursive the directory must
// be empty. With recursive the tree is removed depth first; a failure does
// not stop the walk, and the result is true only if everything was removed.
// The error combines every failure.
func (ft *FileTransaction) DeleteDirectory(path string, recursive bool) (bool, error) {
	full, h, err := ft.prepare(path)
	if err != nil {
		return false, ft.observe("rmdir", path, err)
	}
	if !recursive {
		err := translate("rmdir", full, h.RemoveDirectory(full))
		return err == nil, ft.observe("rmdir", full, err)
	}
	ok, err := ft.deleteTree(h, full)
	return ok, ft.observe("rmdir", full, err)
}

func (ft *FileTransaction) deleteTree(h *ktm.Handle, dir string) (bool, error) {
	entries, err := h.ReadDir(dir)
	if err != nil {
		return false, translate("readdir", dir, err)
	}

	var errs error
	for _, e := range entries {
		child := filepath.Join(dir, e.Name)
		if e.IsDir {
			if _, err := ft.deleteTree(h, child); err != nil {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		if err := h.DeleteFile(child); err != nil {
			errs = multierr.Append(errs, translate("delete", child, err))
		}
	}
	if err := h.RemoveDirectory(dir); err != nil {
		errs = multierr.Append(errs, translate("rmdir", dir, err))
	}
	return errs == nil, errs
}

// MoveDirectory moves a directory tree. When newPath is an existing
// directory the tree keeps its name inside it. An existing target is
// replaced only when overwrite is set.
func (ft *FileTransaction) MoveDirectory(path, newPath string, overwrite bool) error {
	full, h, err := ft.prepare(path)
	if err != nil {
		return ft.observe("move_dir", path, err)
	}
	attrs, err := h.Stat(full)
	if err != nil {
		return ft.observe("move_dir", full, translate("move_dir", full, err))
	}
	if !attrs.Exists || !attrs.IsDir {
		return ft.observe("move_dir", full, translate("move_dir", full, &fs.PathError{Op: "move_dir", Path: full, Err: fs.ErrNotExist}))
	}
	return ft.observe("move_dir", full, ft.move("move_dir", full, newPath, overwrite))
}
