package txfs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/jvs-project/txfs/internal/audit"
	"github.com/jvs-project/txfs/internal/ktm"
	"github.com/jvs-project/txfs/internal/txfile"
	"github.com/jvs-project/txfs/internal/txn"
	"github.com/jvs-project/txfs/pkg/config"
	"github.com/jvs-project/txfs/pkg/errclass"
	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/metrics"
	"github.com/jvs-project/txfs/pkg/model"
	"github.com/jvs-project/txfs/pkg/pathutil"
	"github.com/jvs-project/txfs/pkg/webhook"
)

// Client provides transactional filesystem operations under one root.
type Client struct {
	root    string
	cfg     *config.Config
	jail    pathutil.Jail
	logger  *logging.Logger
	metrics *metrics.Registry
	log     *audit.FileAppender
	kernel  *ktm.Manager
	tm      *txn.TransactionManager
	hooks   *webhook.Client
}

// Options configures Open.
type Options struct {
	Config  *config.Config    // nil loads .txfs/config.yaml under the root
	Logger  *logging.Logger   // nil builds one from the logging section
	Metrics *metrics.Registry // nil uses metrics.Default()
}

// FileFunc is the body of a transaction.
type FileFunc func(ctx context.Context, fs *txfile.FileTransaction) error

// Open creates a Client rooted at root.
func Open(root string, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(root)
		if err != nil {
			return nil, fmt.Errorf("txfs open: %w", err)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("txfs open: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg)
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.Default()
	}

	jail, err := cfg.BuildJail(root)
	if err != nil {
		return nil, fmt.Errorf("txfs open: %w", err)
	}

	kopts := ktm.Options{
		StagingDir: cfg.StagingDir(root),
		Logger:     logger,
		Fsync:      cfg.KTM.Fsync,
	}
	var txlog *audit.FileAppender
	if p := cfg.LogPath(root); p != "" {
		txlog = audit.NewFileAppender(p)
		kopts.Log = txlog
	}
	kernel, err := ktm.NewManager(kopts)
	if err != nil {
		return nil, fmt.Errorf("txfs open: %w", err)
	}

	var hooks *webhook.Client
	if len(cfg.Webhooks.Hooks) > 0 {
		hooks = webhook.NewClient(&cfg.Webhooks, logger)
	}

	logger.Debug("client opened", map[string]any{"root": root, "jail": jail.Root})
	return &Client{
		root:    root,
		cfg:     cfg,
		jail:    jail,
		logger:  logger,
		metrics: reg,
		log:     txlog,
		kernel:  kernel,
		tm:      txn.NewTransactionManager(kernel, txn.Config{Logger: logger, Metrics: reg}),
		hooks:   hooks,
	}, nil
}

// NewLogger builds a logger from the logging section of cfg.
func NewLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	l := logging.NewLogger(level)
	if cfg.Logging.Format == string(logging.FormatText) {
		l.SetFormat(logging.FormatText)
	}
	return l
}

// Root returns the directory the client was opened on.
func (c *Client) Root() string { return c.root }

// Config returns the effective configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// Jail returns the jail every FileTransaction is confined to.
func (c *Client) Jail() pathutil.Jail { return c.jail }

// Manager returns the transaction manager.
func (c *Client) Manager() *txn.TransactionManager { return c.tm }

// Metrics returns the registry the client records on.
func (c *Client) Metrics() *metrics.Registry { return c.metrics }

// TransactionLog returns the transaction log, or nil when it is disabled.
func (c *Client) TransactionLog() *audit.FileAppender { return c.log }

// DefaultOptions returns the transaction defaults from the configuration.
func (c *Client) DefaultOptions() model.TransactionOptions {
	return c.cfg.TransactionOptions()
}

// Forked returns the default options with Fork set.
func Forked() model.TransactionOptions {
	opts := model.DefaultOptions()
	opts.Fork = true
	return opts
}

// Run executes fn in a transaction created from opts. fn receives nil for
// ModeSuppress. The outcome of a synchronous top-level transaction is sent
// to the configured webhooks.
func (c *Client) Run(ctx context.Context, opts model.TransactionOptions, fn FileFunc) error {
	topLevel := c.tm.Count(ctx) == 0 || opts.Mode == model.ModeRequiresNew
	var txID string
	err := txn.Run(ctx, c.tm, opts, func(ctx context.Context) error {
		tx, ok := c.tm.CurrentTransaction(ctx)
		if !ok {
			return fn(ctx, nil)
		}
		txID = tx.LocalIdentifier()
		return fn(ctx, c.bind(tx))
	})
	if topLevel && txID != "" && !opts.Fork && !opts.AsyncCommit && !opts.AsyncRollback {
		c.notify(txID, err)
	}
	return err
}

func (c *Client) notify(txID string, err error) {
	if c.hooks == nil {
		return
	}
	state := model.StateCommittedOrCompleted
	switch {
	case errors.Is(err, errclass.ErrInDoubt):
		state = model.StateInDoubt
	case err != nil:
		state = model.StateAborted
	}
	if sendErr := c.hooks.SendOutcome(txID, c.root, state, err, true); sendErr != nil {
		c.logger.WarnErr("queue outcome notification", sendErr)
	}
}

// Fork runs fn in a dependent transaction on its own goroutine and returns
// the task tracking it. It must be called from inside a Run body.
func (c *Client) Fork(ctx context.Context, fn FileFunc) (*txn.DependentTask, error) {
	if c.tm.Count(ctx) == 0 {
		return nil, errclass.ErrNoTransaction.WithMessage("fork outside a transaction")
	}
	created, err := c.tm.CreateTransaction(ctx, Forked())
	if err != nil {
		return nil, err
	}
	return txn.Fork(ctx, created, func(ctx context.Context) error {
		return fn(ctx, c.bind(created.Transaction()))
	}), nil
}

// FileSystem returns a FileTransaction for the current transaction of ctx.
func (c *Client) FileSystem(ctx context.Context) (*txfile.FileTransaction, error) {
	tx, ok := c.tm.CurrentTransaction(ctx)
	if !ok {
		return nil, errclass.ErrNoTransaction.WithMessage("no current transaction")
	}
	return c.bind(tx), nil
}

// WithActivity binds an activity to ctx unless one is bound already. Bind
// one before a top-level Run with AsyncCommit or AsyncRollback so Join can
// find the outcome task afterwards.
func (c *Client) WithActivity(ctx context.Context) context.Context {
	_, actx := c.tm.Activities().GetCurrentActivity(ctx)
	return actx
}

// Join waits for the tasks enlisted on the activity of ctx, such as
// asynchronous commits.
func (c *Client) Join(ctx context.Context) error {
	a, ok := txn.ActivityFromContext(ctx)
	if !ok {
		return nil
	}
	return a.Join(ctx)
}

// Close rolls back every transaction still active and flushes pending
// notifications.
func (c *Client) Close() error {
	err := c.kernel.Close()
	if c.hooks != nil {
		err = multierr.Append(err, c.hooks.Close())
	}
	return err
}

func (c *Client) bind(tx *txn.Transaction) *txfile.FileTransaction {
	return txfile.New(tx, c.jail, c.logger).WithMetrics(c.metrics)
}
