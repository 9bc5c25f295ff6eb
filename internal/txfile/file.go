package txfile

import (
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/jvs-project/txfs/internal/ktm"
)

// Create creates or truncates a file and opens it for reading and writing.
func (ft *FileTransaction) Create(path string) (*ktm.File, error) {
	return ft.Open(path, ktm.ModeCreate, ktm.AccessReadWrite, ktm.ShareNone)
}

// Open opens a file under the transaction.
func (ft *FileTransaction) Open(path string, mode ktm.FileMode, access ktm.Access, share ktm.Share) (*ktm.File, error) {
	full, h, err := ft.prepare(path)
	if err != nil {
		return nil, ft.observe("open", path, err)
	}
	f, err := h.CreateFile(full, mode, access, share)
	return f, ft.observe("open", full, translate("open", full, err))
}

// Delete removes a file.
func (ft *FileTransaction) Delete(path string) error {
	full, h, err := ft.prepare(path)
	if err != nil {
		return ft.observe("delete", path, err)
	}
	return ft.observe("delete", full, translate("delete", full, h.DeleteFile(full)))
}

// Exists reports whether path is a file in the transaction's view.
func (ft *FileTransaction) Exists(path string) (bool, error) {
	full, h, err := ft.prepare(path)
	if err != nil {
		return false, err
	}
	attrs, err := h.Stat(full)
	if err != nil {
		return false, translate("stat", full, err)
	}
	return attrs.Exists && !attrs.IsDir, nil
}

// Move moves a file. When dst is an existing directory the file keeps its
// name inside it; otherwise dst is the full target path and its missing
// parent directories are created.
func (ft *FileTransaction) Move(src, dst string) error {
	err := ft.move("move", src, dst, false)
	return ft.observe("move", src, err)
}

// move is shared by Move and MoveDirectory.
func (ft *FileTransaction) move(op, src, dst string, overwrite bool) error {
	from, h, err := ft.prepare(src)
	if err != nil {
		return err
	}
	to, err := ft.GetFullPath(dst)
	if err != nil {
		return err
	}

	srcAttrs, err := h.Stat(from)
	if err != nil {
		return translate(op, from, err)
	}
	if !srcAttrs.Exists {
		return translate(op, from, &fs.PathError{Op: op, Path: from, Err: fs.ErrNotExist})
	}

	dstAttrs, err := h.Stat(to)
	if err != nil {
		return translate(op, to, err)
	}
	if dstAttrs.Exists && dstAttrs.IsDir {
		to = filepath.Join(to, filepath.Base(from))
		if err := ft.jail.Check(to); err != nil {
			return err
		}
		if dstAttrs, err = h.Stat(to); err != nil {
			return translate(op, to, err)
		}
	} else if parent := filepath.Dir(to); ft.jail.IsInAllowedDir(parent) {
		if _, err := ft.createDirectory(h, parent); err != nil {
			return err
		}
	}

	if dstAttrs.Exists {
		if !overwrite {
			return translate(op, to, &fs.PathError{Op: op, Path: to, Err: fs.ErrExist})
		}
		if dstAttrs.IsDir {
			if _, err := ft.deleteTree(h, to); err != nil {
				return err
			}
		} else if err := h.DeleteFile(to); err != nil {
			return translate(op, to, err)
		}
	}

	ft.logger.Debug("move", map[string]any{"from": from, "to": to})
	return translate(op, from, h.MoveFile(from, to))
}

// ReadAllText reads a whole file as text. A UTF-8 or UTF-16 byte order mark
// selects the decoding; without one the content is read as UTF-8.
func (ft *FileTransaction) ReadAllText(path string) (string, error) {
	return ft.ReadAllTextEncoding(path, unicode.UTF8)
}

// ReadAllTextEncoding reads a whole file decoded with enc. A byte order
// mark, if present, overrides enc.
func (ft *FileTransaction) ReadAllTextEncoding(path string, enc encoding.Encoding) (string, error) {
	f, err := ft.Open(path, ktm.ModeOpen, ktm.AccessRead, ktm.ShareRead)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := transform.NewReader(f, unicode.BOMOverride(enc.NewDecoder()))
	data, err := io.ReadAll(r)
	if err != nil {
		return "", ft.observe("read", path, translate("read", f.Name(), err))
	}
	return string(data), nil
}

// ReadAllLines reads a file and splits it into lines. Line endings are
// "\n" or "\r\n"; a final line ending does not produce an empty line.
func (ft *FileTransaction) ReadAllLines(path string) ([]string, error) {
	text, err := ft.ReadAllText(path)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return []string{}, nil
	}
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines, nil
}

// WriteAllText creates or truncates path and writes contents as UTF-8.
func (ft *FileTransaction) WriteAllText(path, contents string) error {
	f, err := ft.Open(path, ktm.ModeCreate, ktm.AccessWrite, ktm.ShareNone)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(contents); err != nil {
		f.Close()
		return ft.observe("write", path, translate("write", f.Name(), err))
	}
	return translate("write", f.Name(), f.Close())
}

// WriteAllTextEncoding is WriteAllText with contents encoded by enc.
func (ft *FileTransaction) WriteAllTextEncoding(path, contents string, enc encoding.Encoding) error {
	encoded, err := enc.NewEncoder().String(contents)
	if err != nil {
		return translate("encode", path, err)
	}
	return ft.WriteAllText(path, encoded)
}
