// Package txfs provides the library API for transactional filesystem work.
//
// A Client owns one kernel transaction manager, its transaction log and the
// directory jail every file operation is confined to. Work runs through
// Run, which creates a transaction from the given options, hands the body a
// FileTransaction bound to it, and completes or rolls it back depending on
// the body's result.
//
// # Nesting and forking
//
// Calling Run from inside a body joins the ambient transaction as a
// dependent clone (ModeRequired) or starts an independent one
// (ModeRequiresNew). Setting Fork on a nested call runs the body on its own
// goroutine; the outermost Run waits for forked bodies before it returns and
// reports their failures.
//
//	client, err := txfs.Open(root, txfs.Options{})
//	defer client.Close()
//
//	err = client.Run(ctx, model.DefaultOptions(), func(ctx context.Context, fs *txfile.FileTransaction) error {
//	    if err := fs.WriteAllText("report.txt", body); err != nil {
//	        return err
//	    }
//	    return client.Run(ctx, txfs.Forked(), func(ctx context.Context, fs *txfile.FileTransaction) error {
//	        _, err := fs.CreateDirectory("archive")
//	        return err
//	    })
//	})
//
// # Concurrency Safety
//
//   - A Client is safe for concurrent use.
//   - A FileTransaction belongs to the body it was handed to; forked bodies
//     get their own.
//   - Two transactions touching the same path conflict; the later one fails
//     with ErrTransactionalConflict instead of blocking.
package txfs
