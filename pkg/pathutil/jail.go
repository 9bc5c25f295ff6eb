// Package pathutil provides the directory jail used to sandbox transactional
// filesystem operations.
package pathutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/jvs-project/txfs/pkg/errclass"
)

var drivePrefix = regexp.MustCompile(`^[a-zA-Z]:`)

// Jail restricts paths to a root directory. The zero value is disabled and
// allows everything. A Jail is read-only after construction.
type Jail struct {
	Enabled bool
	Root    string
	// FollowSymlinks resolves symlinks of existing path prefixes before the
	// containment test, so a link inside Root pointing outside is rejected.
	FollowSymlinks bool
}

// NewJail returns an enabled jail rooted at the cleaned absolute form of root.
func NewJail(root string) (Jail, error) {
	abs, err := filepath.Abs(normalizeSeparators(root))
	if err != nil {
		return Jail{}, errclass.ErrJailViolation.WithMessagef("cannot resolve jail root %q", root).Wrap(err)
	}
	return Jail{Enabled: true, Root: abs}, nil
}

// Disabled returns a jail that allows every path.
func Disabled() Jail {
	return Jail{}
}

// IsInAllowedDir reports whether path resolves to Root or a descendant of it.
// Relative paths are resolved against Root. Device and UNC prefixes
// (\\?\, \\.\) and bare root markers are always outside.
func (j Jail) IsInAllowedDir(path string) bool {
	if !j.Enabled {
		return true
	}
	resolved, ok := j.resolve(path)
	if !ok {
		return false
	}
	root := j.root()
	if j.FollowSymlinks {
		if r, err := filepath.EvalSymlinks(root); err == nil {
			root = r
		}
		resolved = resolveClosestAncestor(resolved)
	}
	return isWithin(root, resolved)
}

// Check returns ErrJailViolation when path is outside the jail.
func (j Jail) Check(path string) error {
	if j.IsInAllowedDir(path) {
		return nil
	}
	return errclass.ErrJailViolation.WithMessagef("path escapes jail root %s: %s", j.Root, path)
}

// Resolve returns the absolute, normalized form of path. Relative paths are
// joined to Root when the jail is enabled and to the working directory
// otherwise. It does not check containment.
func (j Jail) Resolve(path string) (string, error) {
	if j.Enabled {
		if rejected(path) {
			return "", errclass.ErrJailViolation.WithMessagef("device or root-relative path not allowed: %s", path)
		}
		resolved, _ := j.resolve(path)
		return resolved, nil
	}
	p := norm.NFC.String(normalizeSeparators(path))
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errclass.ErrTransactional.WithMessagef("cannot resolve %q", path).Wrap(err)
	}
	return abs, nil
}

func (j Jail) root() string {
	return filepath.Clean(norm.NFC.String(normalizeSeparators(j.Root)))
}

func (j Jail) resolve(path string) (string, bool) {
	if path == "" || rejected(path) {
		return "", false
	}
	p := norm.NFC.String(normalizeSeparators(path))
	if drivePrefix.MatchString(p) && !drivePrefix.MatchString(j.root()) {
		return "", false
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(j.root(), p)
	}
	return filepath.Clean(p), true
}

// rejected matches \\?\, \\.\, UNC shares and the bare or root-relative
// backslash forms.
func rejected(path string) bool {
	return strings.HasPrefix(path, `\`) ||
		strings.HasPrefix(path, `//?/`) ||
		strings.HasPrefix(path, `//./`)
}

func normalizeSeparators(path string) string {
	if filepath.Separator == '/' {
		return strings.ReplaceAll(path, `\`, "/")
	}
	return strings.ReplaceAll(path, "/", `\`)
}

func isWithin(root, target string) bool {
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

// resolveClosestAncestor walks up from path to find the closest existing
// ancestor, resolves it, then appends the remaining components.
func resolveClosestAncestor(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved
	}
	if !os.IsNotExist(err) {
		return filepath.Clean(path)
	}
	dir := filepath.Dir(path)
	if dir == path {
		return path
	}
	return filepath.Join(resolveClosestAncestor(dir), filepath.Base(path))
}
