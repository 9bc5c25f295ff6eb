package ktm_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jvs-project/txfs/internal/audit"
	"github.com/jvs-project/txfs/internal/ktm"
	"github.com/jvs-project/txfs/pkg/errclass"
	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *ktm.Manager {
	t.Helper()
	mgr, err := ktm.NewManager(ktm.Options{
		StagingDir: filepath.Join(t.TempDir(), "staging"),
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func begin(t *testing.T, mgr *ktm.Manager) *ktm.Handle {
	t.Helper()
	h, err := mgr.Begin(ktm.BeginOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func writeFile(t *testing.T, h *ktm.Handle, path, content string) {
	t.Helper()
	f, err := h.CreateFile(path, ktm.ModeCreate, ktm.AccessWrite, ktm.ShareNone)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func readFile(t *testing.T, h *ktm.Handle, path string) string {
	t.Helper()
	f, err := h.CreateFile(path, ktm.ModeOpen, ktm.AccessRead, ktm.ShareRead)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestCreateFile_InvisibleUntilCommit(t *testing.T) {
	mgr := newManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	h := begin(t, mgr)
	writeFile(t, h, path, "hello")

	assert.NoFileExists(t, path)
	assert.Equal(t, "hello", readFile(t, h, path))

	require.NoError(t, h.Commit())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, ktm.StatusCommitted, h.Status())
	assert.Zero(t, mgr.ActiveCount())
}

func TestCreateFile_CopyOnWrite(t *testing.T) {
	mgr := newManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("base"), 0644))

	h := begin(t, mgr)
	f, err := h.CreateFile(path, ktm.ModeAppend, ktm.AccessWrite, ktm.ShareNone)
	require.NoError(t, err)
	_, err = f.WriteString("+more")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, _ := os.ReadFile(path)
	assert.Equal(t, "base", string(data))
	assert.Equal(t, "base+more", readFile(t, h, path))

	require.NoError(t, h.Commit())
	data, _ = os.ReadFile(path)
	assert.Equal(t, "base+more", string(data))
}

func TestCreateFile_Modes(t *testing.T) {
	mgr := newManager(t)
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.txt")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))
	h := begin(t, mgr)

	_, err := h.CreateFile(existing, ktm.ModeCreateNew, ktm.AccessWrite, ktm.ShareNone)
	assert.ErrorIs(t, err, fs.ErrExist)

	_, err = h.CreateFile(filepath.Join(dir, "missing.txt"), ktm.ModeOpen, ktm.AccessRead, ktm.ShareRead)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = h.CreateFile(filepath.Join(dir, "nodir", "a.txt"), ktm.ModeCreate, ktm.AccessWrite, ktm.ShareNone)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = h.CreateFile(dir, ktm.ModeOpen, ktm.AccessRead, ktm.ShareRead)
	assert.Error(t, err)

	f, err := h.CreateFile(existing, ktm.ModeTruncate, ktm.AccessWrite, ktm.ShareNone)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	attrs, err := h.Stat(existing)
	require.NoError(t, err)
	assert.True(t, attrs.Exists)
	assert.Zero(t, attrs.Size)
}

func TestRollback_DiscardsChanges(t *testing.T) {
	mgr := newManager(t)
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep"), 0644))

	h := begin(t, mgr)
	writeFile(t, h, filepath.Join(dir, "new.txt"), "new")
	require.NoError(t, h.DeleteFile(keep))
	require.NoError(t, h.CreateDirectory(filepath.Join(dir, "sub")))

	require.NoError(t, h.Rollback())
	assert.Equal(t, ktm.StatusAborted, h.Status())

	assert.NoFileExists(t, filepath.Join(dir, "new.txt"))
	assert.FileExists(t, keep)
	assert.NoDirExists(t, filepath.Join(dir, "sub"))

	_, err := h.CreateFile(keep, ktm.ModeOpen, ktm.AccessRead, ktm.ShareRead)
	assert.ErrorIs(t, err, ktm.ErrNotActive)
}

func TestDeleteFile(t *testing.T) {
	mgr := newManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	h := begin(t, mgr)
	require.NoError(t, h.DeleteFile(path))

	attrs, err := h.Stat(path)
	require.NoError(t, err)
	assert.False(t, attrs.Exists)
	assert.FileExists(t, path)

	assert.ErrorIs(t, h.DeleteFile(path), fs.ErrNotExist)

	require.NoError(t, h.Commit())
	assert.NoFileExists(t, path)
}

func TestMoveFile_File(t *testing.T) {
	mgr := newManager(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0644))

	h := begin(t, mgr)
	require.NoError(t, h.MoveFile(src, dst))
	assert.Equal(t, "content", readFile(t, h, dst))

	attrs, err := h.Stat(src)
	require.NoError(t, err)
	assert.False(t, attrs.Exists)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), nil, 0644))
	err = h.MoveFile(dst, filepath.Join(dir, "other.txt"))
	assert.ErrorIs(t, err, fs.ErrExist)

	require.NoError(t, h.Commit())
	assert.NoFileExists(t, src)
	data, _ := os.ReadFile(dst)
	assert.Equal(t, "content", string(data))
}

func TestMoveFile_Errors(t *testing.T) {
	mgr := newManager(t)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0755))

	h := begin(t, mgr)
	tests := []struct {
		name     string
		src, dst string
		want     error
	}{
		{"missing source", filepath.Join(dir, "missing.txt"), filepath.Join(dir, "x.txt"), fs.ErrNotExist},
		{"into itself", filepath.Join(dir, "a"), filepath.Join(dir, "a", "b"), fs.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.MoveFile(tt.src, tt.dst)
			var linkErr *os.LinkError
			require.ErrorAs(t, err, &linkErr)
			assert.Equal(t, "move", linkErr.Op)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHandle_Age(t *testing.T) {
	mgr := newManager(t)
	h := begin(t, mgr)
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, h.Age(), 5*time.Millisecond)

	var nilHandle *ktm.Handle
	assert.Zero(t, nilHandle.Age())
}

func TestMoveFile_DirectoryCarriesChildren(t *testing.T) {
	mgr := newManager(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("b"), 0644))

	h := begin(t, mgr)
	writeFile(t, h, filepath.Join(src, "c.txt"), "c")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, h.MoveFile(src, dst))

	entries, err := h.ReadDir(dst)
	require.NoError(t, err)
	assert.Equal(t, []ktm.DirEntry{
		{Name: "a.txt"},
		{Name: "c.txt"},
		{Name: "nested", IsDir: true},
	}, entries)
	assert.Equal(t, "b", readFile(t, h, filepath.Join(dst, "nested", "b.txt")))
	assert.Equal(t, "c", readFile(t, h, filepath.Join(dst, "c.txt")))

	err = h.MoveFile(dst, filepath.Join(dst, "nested", "loop"))
	assert.ErrorIs(t, err, fs.ErrInvalid)

	require.NoError(t, h.Commit())
	assert.NoDirExists(t, src)
	for name, want := range map[string]string{"a.txt": "a", "c.txt": "c", "nested/b.txt": "b"} {
		data, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestDirectories(t *testing.T) {
	mgr := newManager(t)
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")

	h := begin(t, mgr)
	require.NoError(t, h.CreateDirectory(sub))
	assert.ErrorIs(t, h.CreateDirectory(sub), fs.ErrExist)
	assert.ErrorIs(t, h.CreateDirectory(filepath.Join(dir, "x", "y")), fs.ErrNotExist)

	writeFile(t, h, filepath.Join(sub, "f.txt"), "f")
	assert.ErrorIs(t, h.RemoveDirectory(sub), ktm.ErrNotEmpty)

	require.NoError(t, h.DeleteFile(filepath.Join(sub, "f.txt")))
	entries, err := h.ReadDir(sub)
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, h.RemoveDirectory(sub))

	attrs, err := h.Stat(sub)
	require.NoError(t, err)
	assert.False(t, attrs.Exists)

	require.NoError(t, h.CreateDirectory(sub))
	require.NoError(t, h.Commit())
	assert.DirExists(t, sub)
	assert.NoFileExists(t, filepath.Join(sub, "f.txt"))
}

func TestConflict_BetweenTransactions(t *testing.T) {
	mgr := newManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("base"), 0644))

	first := begin(t, mgr)
	second := begin(t, mgr)
	writeFile(t, first, path, "first")

	_, err := second.CreateFile(path, ktm.ModeCreate, ktm.AccessWrite, ktm.ShareNone)
	assert.ErrorIs(t, err, errclass.ErrTransactionalConflict)
	assert.ErrorIs(t, second.DeleteFile(path), errclass.ErrTransactionalConflict)

	// Readers outside the writer see the committed content.
	assert.Equal(t, "base", readFile(t, second, path))

	require.NoError(t, first.Commit())
	writeFile(t, second, path, "second")
	require.NoError(t, second.Commit())

	data, _ := os.ReadFile(path)
	assert.Equal(t, "second", string(data))
}

func TestConflict_ExternalWriter(t *testing.T) {
	mgr := newManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("base"), 0644))

	h := begin(t, mgr)
	writeFile(t, h, path, "tx")

	require.NoError(t, os.WriteFile(path, []byte("outside change"), 0644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	err := h.Commit()
	assert.ErrorIs(t, err, errclass.ErrTransactionalConflict)
	assert.Equal(t, ktm.StatusAborted, h.Status())

	data, _ := os.ReadFile(path)
	assert.Equal(t, "outside change", string(data))
}

func TestCommit_InDoubtAfterPartialApply(t *testing.T) {
	mgr := newManager(t)
	root := t.TempDir()
	keep := filepath.Join(root, "one")
	gone := filepath.Join(root, "two")
	require.NoError(t, os.Mkdir(keep, 0755))
	require.NoError(t, os.Mkdir(gone, 0755))

	h := begin(t, mgr)
	writeFile(t, h, filepath.Join(keep, "a.txt"), "a")
	writeFile(t, h, filepath.Join(gone, "b.txt"), "b")

	require.NoError(t, os.RemoveAll(gone))

	err := h.Commit()
	require.ErrorIs(t, err, ktm.ErrInDoubt)
	assert.Equal(t, ktm.StatusInDoubt, h.Status())
	assert.FileExists(t, filepath.Join(keep, "a.txt"))
}

func TestCommit_AbortsWhenNothingApplied(t *testing.T) {
	mgr := newManager(t)
	gone := filepath.Join(t.TempDir(), "two")
	require.NoError(t, os.Mkdir(gone, 0755))

	h := begin(t, mgr)
	writeFile(t, h, filepath.Join(gone, "b.txt"), "b")
	require.NoError(t, os.RemoveAll(gone))

	err := h.Commit()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ktm.ErrInDoubt)
	assert.Equal(t, ktm.StatusAborted, h.Status())
}

func TestTimeout_AbortsTransaction(t *testing.T) {
	mgr := newManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")

	h, err := mgr.Begin(ktm.BeginOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	defer h.Close()
	writeFile(t, h, path, "x")

	require.Eventually(t, func() bool {
		return h.Status() == ktm.StatusAborted
	}, time.Second, 5*time.Millisecond)

	err = h.Commit()
	assert.ErrorIs(t, err, ktm.ErrNotActive)
	assert.ErrorIs(t, err, ktm.ErrTimeout)
	assert.NoFileExists(t, path)
}

func TestDependent_BlockCommitUntilComplete(t *testing.T) {
	mgr := newManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")

	h := begin(t, mgr)
	dep, err := h.CloneDependent(model.BlockCommitUntilComplete)
	require.NoError(t, err)
	assert.True(t, dep.IsDependent())
	assert.Equal(t, h.ID(), dep.ID())

	committed := make(chan error, 1)
	go func() { committed <- h.Commit() }()

	select {
	case <-committed:
		t.Fatal("commit returned while dependent was open")
	case <-time.After(50 * time.Millisecond):
	}

	writeFile(t, dep, path, "from dependent")
	require.NoError(t, dep.Complete())
	require.NoError(t, dep.Close())

	select {
	case err := <-committed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("commit did not finish after dependent completed")
	}
	data, _ := os.ReadFile(path)
	assert.Equal(t, "from dependent", string(data))
}

func TestDependent_RollbackIfNotComplete(t *testing.T) {
	mgr := newManager(t)
	h := begin(t, mgr)
	dep, err := h.CloneDependent(model.RollbackIfNotComplete)
	require.NoError(t, err)
	defer dep.Close()

	err = h.Commit()
	assert.ErrorIs(t, err, ktm.ErrDependentNotComplete)
	assert.Equal(t, ktm.StatusAborted, h.Status())
}

func TestDependent_RollbackDoomsTransaction(t *testing.T) {
	mgr := newManager(t)
	h := begin(t, mgr)
	dep, err := h.CloneDependent(model.BlockCommitUntilComplete)
	require.NoError(t, err)

	require.NoError(t, dep.Rollback())
	require.NoError(t, dep.Close())

	err = h.Commit()
	assert.ErrorIs(t, err, ktm.ErrDependentRolledBack)
}

func TestDependent_WrongHandleKind(t *testing.T) {
	mgr := newManager(t)
	h := begin(t, mgr)
	dep, err := h.CloneDependent(model.BlockCommitUntilComplete)
	require.NoError(t, err)
	defer dep.Close()

	assert.ErrorIs(t, dep.Commit(), ktm.ErrWrongHandleKind)
	assert.ErrorIs(t, h.Complete(), ktm.ErrWrongHandleKind)
}

func TestClose_LastHandleRollsBack(t *testing.T) {
	mgr := newManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")

	h, err := mgr.Begin(ktm.BeginOptions{})
	require.NoError(t, err)
	writeFile(t, h, path, "x")
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.False(t, h.IsValid())
	assert.Equal(t, ktm.StatusAborted, h.Status())
	assert.Zero(t, mgr.ActiveCount())
	assert.ErrorIs(t, h.Commit(), ktm.ErrInvalidHandle)
}

func TestSharingViolation(t *testing.T) {
	mgr := newManager(t)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	h := begin(t, mgr)
	f, err := h.CreateFile(path, ktm.ModeOpen, ktm.AccessRead, ktm.ShareNone)
	require.NoError(t, err)

	_, err = h.CreateFile(path, ktm.ModeOpen, ktm.AccessRead, ktm.ShareRead)
	assert.ErrorIs(t, err, ktm.ErrSharingViolation)
	assert.ErrorIs(t, h.DeleteFile(path), ktm.ErrSharingViolation)

	require.NoError(t, f.Close())
	g, err := h.CreateFile(path, ktm.ModeOpen, ktm.AccessRead, ktm.ShareRead)
	require.NoError(t, err)
	require.NoError(t, g.Close())
}

func TestAuditLog_RecordsOutcomes(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "tx.jsonl")
	appender := audit.NewFileAppender(logPath)
	mgr, err := ktm.NewManager(ktm.Options{
		StagingDir: filepath.Join(t.TempDir(), "staging"),
		Log:        appender,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)

	committed, err := mgr.Begin(ktm.BeginOptions{Isolation: model.IsolationSerializable})
	require.NoError(t, err)
	require.NoError(t, committed.Commit())
	require.NoError(t, committed.Close())

	rolled, err := mgr.Begin(ktm.BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, rolled.Rollback())
	require.NoError(t, rolled.Close())

	records, err := appender.Records()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, model.EventBegin, records[0].EventType)
	assert.Equal(t, model.IsolationSerializable, records[0].Isolation)
	assert.Equal(t, model.EventCommit, records[1].EventType)
	assert.Equal(t, model.EventRollback, records[3].EventType)

	n, err := appender.Verify()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestContextHandle(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	_, ok := ktm.HandleFromContext(ctx)
	assert.False(t, ok)

	h := begin(t, mgr)
	inner := ktm.ContextWithHandle(ctx, h)
	got, ok := ktm.HandleFromContext(inner)
	require.True(t, ok)
	assert.Same(t, h, got)

	_, ok = ktm.HandleFromContext(ktm.WithoutHandle(inner))
	assert.False(t, ok)

	_, ok = ktm.HandleFromContext(ctx)
	assert.False(t, ok, "parent context keeps its own ambient handle")

	require.NoError(t, h.Close())
	_, ok = ktm.HandleFromContext(inner)
	assert.False(t, ok, "closed handles are not ambient")
}

func TestGetFullPath(t *testing.T) {
	p, err := ktm.GetFullPath("a/../b.txt")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p))
	assert.Equal(t, "b.txt", filepath.Base(p))

	_, err = ktm.GetFullPath("")
	assert.True(t, errors.Is(err, fs.ErrInvalid))
}
