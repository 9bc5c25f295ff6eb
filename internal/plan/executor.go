package plan

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jvs-project/txfs/internal/ktm"
	"github.com/jvs-project/txfs/internal/txfile"
	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/model"
	"github.com/jvs-project/txfs/pkg/progress"
	"github.com/jvs-project/txfs/pkg/template"
	"github.com/jvs-project/txfs/pkg/txfs"
)

// Result summarizes an applied plan.
type Result struct {
	Description string        `json:"description,omitempty"`
	Steps       int           `json:"steps"`
	Executed    int           `json:"executed"`
	Committed   bool          `json:"committed"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

// Executor applies plans through a client.
type Executor struct {
	client   *txfs.Client
	logger   *logging.Logger
	progress progress.Callback
}

// NewExecutor returns an executor reporting step progress to cb.
func NewExecutor(client *txfs.Client, logger *logging.Logger, cb progress.Callback) *Executor {
	if logger == nil {
		logger = logging.Global()
	}
	return &Executor{client: client, logger: logger.With("component", "plan"), progress: cb}
}

type run struct {
	*Executor
	expand   *template.Expander
	progress *progress.Progress
}

// Apply runs every step of p in one top-level transaction. Either all of
// the plan's changes become visible or none do.
func (e *Executor) Apply(ctx context.Context, p *Plan) (*Result, error) {
	opts, err := p.Options.apply(e.client.DefaultOptions())
	if err != nil {
		return nil, err
	}
	opts.Mode = model.ModeRequiresNew

	r := &run{
		Executor: e,
		expand:   template.New(time.Now(), p.Vars),
		progress: progress.New("apply", p.Count(), e.progress),
	}
	start := time.Now()
	err = e.client.Run(ctx, opts, func(ctx context.Context, fs *txfile.FileTransaction) error {
		return r.steps(ctx, fs, p.Steps)
	})

	res := &Result{
		Description: p.Description,
		Steps:       p.Count(),
		Executed:    r.progress.Current(),
		Committed:   err == nil,
		Duration:    time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
		e.logger.WarnErr("plan rolled back", err, map[string]any{"executed": res.Executed})
		return res, err
	}
	e.logger.Info("plan applied", map[string]any{"steps": res.Steps, "duration": res.Duration.String()})
	return res, nil
}

func (r *run) steps(ctx context.Context, fs *txfile.FileTransaction, steps []Step) error {
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.step(ctx, fs, s); err != nil {
			return fmt.Errorf("%s step %d: %w", s.Op, i, err)
		}
	}
	return nil
}

func (r *run) step(ctx context.Context, fs *txfile.FileTransaction, s Step) error {
	switch s.Op {
	case OpNested:
		opts := model.DefaultOptions()
		if s.Mode != "" {
			opts.Mode = model.ScopeMode(s.Mode)
		}
		return r.client.Run(ctx, opts, func(ctx context.Context, fs *txfile.FileTransaction) error {
			return r.steps(ctx, fs, s.Steps)
		})
	case OpFork:
		_, err := r.client.Fork(ctx, func(ctx context.Context, fs *txfile.FileTransaction) error {
			return r.steps(ctx, fs, s.Steps)
		})
		return err
	case OpParallel:
		return r.parallel(ctx, s.Steps)
	}

	path, to, text := r.expand.Expand(s.Path), r.expand.Expand(s.To), r.expand.Expand(s.Text)
	err := leaf(fs, s, path, to, text)
	if err == nil {
		r.progress.Increment(fmt.Sprintf("%s %s", s.Op, path))
	}
	return err
}

// parallel forks one dependent transaction per branch and waits for all of
// them, so later steps see their changes.
func (r *run) parallel(ctx context.Context, branches []Step) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range branches {
		task, err := r.client.Fork(ctx, func(ctx context.Context, fs *txfile.FileTransaction) error {
			return r.step(ctx, fs, branch)
		})
		if err != nil {
			return fmt.Errorf("branch %d: %w", i, err)
		}
		g.Go(func() error { return task.WaitContext(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("parallel branch failed: %w", err)
	}
	return nil
}

func leaf(fs *txfile.FileTransaction, s Step, path, to, text string) error {
	switch s.Op {
	case OpWrite:
		return fs.WriteAllText(path, text)
	case OpAppend:
		f, err := fs.Open(path, ktm.ModeAppend, ktm.AccessWrite, ktm.ShareNone)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(text); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case OpMkdir:
		_, err := fs.CreateDirectory(path)
		return err
	case OpDelete:
		return fs.Delete(path)
	case OpRmdir:
		_, err := fs.DeleteDirectory(path, s.Recursive)
		return err
	case OpMove:
		return fs.Move(path, to)
	case OpMoveDir:
		return fs.MoveDirectory(path, to, s.Overwrite)
	}
	return fmt.Errorf("unknown op %q", s.Op)
}
