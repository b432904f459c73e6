package dispatch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/logging"
	"github.com/tetratelabs/wazerocore/internal/metrics"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// Executor runs the deferred results of host functions.
type Executor interface {
	// Execute runs task, usually on another goroutine. It may block until the executor has capacity, or run task
	// on the calling goroutine.
	Execute(task func())
}

// GoExecutor runs each task on a new goroutine.
type GoExecutor struct{}

// Execute implements Executor.
func (GoExecutor) Execute(task func()) {
	go task()
}

// GroupExecutor runs tasks on at most a fixed number of goroutines. A task submitted while all of them are busy
// runs on the submitting goroutine, so deferred results nested in a running task never wait for its slot.
type GroupExecutor struct {
	g errgroup.Group
}

// NewGroupExecutor returns an executor running at most limit tasks at once. A negative limit means no limit.
func NewGroupExecutor(limit int) *GroupExecutor {
	e := &GroupExecutor{}
	e.g.SetLimit(limit)
	return e
}

// Execute implements Executor.
func (e *GroupExecutor) Execute(task func()) {
	if !e.g.TryGo(func() error {
		task()
		return nil
	}) {
		task()
	}
}

// Wait blocks until every submitted task returned.
func (e *GroupExecutor) Wait() {
	_ = e.g.Wait()
}

// runPending runs p on exec and waits for its results.
//
// The call thread chain of ctx moves with p: it is detached here, attached on the executor goroutine while p runs,
// and attached back here afterwards, so that calls nested in p, and traps they raise, belong to the same protected
// call. A panic raised by p, including the jump of a trap, is re-raised on this goroutine.
func runPending(ctx context.Context, exec Executor, name string, p vmctx.Pending) ([]api.Value, error) {
	metrics.DeferredCall()
	tok, err := traps.Take(ctx)
	if err != nil {
		if traps.State(ctx) != nil {
			return nil, err
		}
		tok = nil
	}

	var (
		values   []api.Value
		perr     error
		back     *traps.Token
		panicked interface{}
		done     = make(chan struct{})
	)
	exec.Execute(func() {
		defer close(done)
		taskCtx := ctx
		if tok != nil {
			if taskCtx, err = traps.Restore(ctx, tok); err != nil {
				perr = err
				return
			}
			defer func() {
				if back, err = traps.Take(taskCtx); err != nil {
					logging.Logger().Error("deferred call left its chain attached", zap.String("function", name), zap.Error(err))
				}
			}()
		}
		defer func() {
			panicked = recover()
		}()
		values, perr = p(taskCtx)
	})
	<-done

	if back != nil {
		if _, err := traps.Restore(ctx, back); err != nil {
			panic(err)
		}
	}
	if panicked != nil {
		panic(panicked)
	}
	return values, perr
}
