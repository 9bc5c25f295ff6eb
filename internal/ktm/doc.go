// Package ktm is an in-process kernel transaction manager.
//
// A kernel transaction stages every file and directory mutation made through
// one of its handles: written files go to copy-on-write shadow files in a
// per-transaction staging directory, and an overlay of path nodes gives the
// transaction read-your-writes visibility. Nothing is visible to
// non-transacted observers until Commit replays the journal against the real
// filesystem. Rollback discards the staging directory.
//
// Lifecycle:
//
//	h, err := mgr.Begin(ktm.BeginOptions{Timeout: time.Minute})
//	defer h.Close()                  // rolls back if still active
//	f, err := h.CreateFile(path, ktm.ModeCreate, ktm.AccessWrite, ktm.ShareNone)
//	...
//	err = h.Commit()
//
// Dependent clones share the kernel transaction of their parent. A clone
// created with BlockCommitUntilComplete makes the parent's Commit wait until
// the clone completes or rolls back; RollbackIfNotComplete makes that Commit
// abort instead. Rolling back a clone dooms the whole transaction.
//
// Two kernel transactions never stage the same path: the second one gets an
// errclass.ErrTransactionalConflict. A file changed by a non-transacted
// writer after the transaction first staged it is also reported as a
// conflict, at open time or at commit.
//
// Commit failures before the first journal entry is applied abort the
// transaction; failures after that leave the filesystem partially updated
// and are reported as ErrInDoubt.
package ktm
