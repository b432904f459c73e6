package traps

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/logging"
	"github.com/tetratelabs/wazerocore/internal/metrics"
)

// DefaultMaxCallDepth is the call depth past which a StackOverflow trap is raised.
const DefaultMaxCallDepth = 10000

// Options configure a protected call.
type Options struct {
	// Handler is consulted for faults raised by guest code before they are converted into traps.
	Handler api.TrapHandler
	// MaxDepth is the call depth limit of a new chain. Nested calls keep the limit of their chain.
	MaxDepth uint32
}

func (o *Options) handler() api.TrapHandler {
	if o == nil {
		return nil
	}
	return o.Handler
}

func (o *Options) maxDepth() uint32 {
	if o == nil || o.MaxDepth == 0 {
		return DefaultMaxCallDepth
	}
	return o.MaxDepth
}

// Thread is the chain of protected calls a goroutine is running. The chain is only reachable through the
// context.Context of a protected call, and only the state at top may push a nested call.
type Thread struct {
	top      atomic.Pointer[CallThreadState]
	maxDepth uint32
	// frames are the functions entered on the chain, outermost first. Only the goroutine running the top of the
	// chain touches them.
	frames []shadowFrame
}

// shadowFrame is a function entered with Enter.
type shadowFrame struct {
	entry uintptr
	name  string
}

// Top returns the innermost state of the chain, nil while detached.
func (t *Thread) Top() *CallThreadState {
	return t.top.Load()
}

// jmpBuf is the jump target armed by one protected call. Panicking with it resumes that call only.
type jmpBuf struct {
	state *CallThreadState
}

// CallThreadState is the state of one in-flight protected call.
type CallThreadState struct {
	jmp     *jmpBuf
	prev    *CallThreadState
	handler api.TrapHandler
	// unwind is the pending reason of a non-local exit targeting jmp.
	unwind *UnwindReason

	thread *Thread
	// depth is the number of guest or host frames entered by this call, starting at base, the depth of prev.
	depth, base      uint32
	prevPanicOnFault bool
}

// Prev returns the enclosing call of the same chain, or nil.
func (s *CallThreadState) Prev() *CallThreadState {
	return s.prev
}

// Thread returns the chain this call belongs to.
func (s *CallThreadState) Thread() *Thread {
	return s.thread
}

// Depth returns the current call depth.
func (s *CallThreadState) Depth() uint32 {
	return s.depth
}

type ctxKey struct{}

// State returns the call thread state ctx was created for, or nil outside protected calls.
func State(ctx context.Context) *CallThreadState {
	s, _ := ctx.Value(ctxKey{}).(*CallThreadState)
	return s
}

// push links a new state on top of the chain ctx belongs to. A ctx that does not own the top of its chain, ex. one
// captured by another goroutine, starts a new chain.
func push(ctx context.Context, opts *Options) (*CallThreadState, context.Context) {
	s := &CallThreadState{handler: opts.handler()}
	s.jmp = &jmpBuf{state: s}

	if prev := State(ctx); prev != nil {
		th := prev.thread
		if th.top.CompareAndSwap(prev, s) {
			s.prev, s.thread, s.depth, s.base = prev, th, prev.depth, prev.depth
			return s, context.WithValue(ctx, ctxKey{}, s)
		}
	}

	th := &Thread{maxDepth: opts.maxDepth()}
	th.top.Store(s)
	s.thread = th
	metrics.ThreadInit()
	return s, context.WithValue(ctx, ctxKey{}, s)
}

// pop restores the enclosing state as the top of the chain. Frames aborted by a trap are dropped with it, which
// re-arms the call depth limit of the enclosing state.
func (s *CallThreadState) pop() {
	th := s.thread
	if !th.top.CompareAndSwap(s, s.prev) {
		logging.Logger().Warn("call thread state is not the top of its chain on exit", zap.Uint32("depth", s.depth))
		return
	}
	th.truncate(s.base)
}

func (t *Thread) truncate(depth uint32) {
	if uint32(len(t.frames)) > depth {
		clear(t.frames[depth:])
		t.frames = t.frames[:depth]
	}
}

// shadowFrames returns a copy of the frames entered on the chain up to s, innermost first.
func (s *CallThreadState) shadowFrames() []shadowFrame {
	frames := s.thread.frames
	if n := int(s.depth); n < len(frames) {
		frames = frames[:n]
	}
	ret := make([]shadowFrame, len(frames))
	for i, f := range frames {
		ret[len(frames)-1-i] = f
	}
	return ret
}

var (
	errNotTop       = errors.New("call thread state is not the top of its chain")
	errTokenUsed    = errors.New("token already restored")
	errNotDetached  = errors.New("chain is already attached")
	errNoCallThread = errors.New("context has no call thread state")
)

// Token holds a chain detached by Take until it is spliced back by Restore.
type Token struct {
	thread *Thread
	top    *CallThreadState
	used   atomic.Bool
}

// Take detaches the chain of ctx so that it can move to another goroutine. ctx must belong to the top of its chain.
// While detached, no call can be pushed on the chain.
func Take(ctx context.Context) (*Token, error) {
	s := State(ctx)
	if s == nil {
		return nil, errNoCallThread
	}
	if !s.thread.top.CompareAndSwap(s, nil) {
		return nil, errNotTop
	}
	return &Token{thread: s.thread, top: s}, nil
}

// Restore reattaches a chain detached by Take, on the calling goroutine. The returned context belongs to the
// restored top and must be used for calls nested in it.
func Restore(ctx context.Context, t *Token) (context.Context, error) {
	if !t.used.CompareAndSwap(false, true) {
		return ctx, errTokenUsed
	}
	if !t.thread.top.CompareAndSwap(nil, t.top) {
		return ctx, errNotDetached
	}
	return context.WithValue(ctx, ctxKey{}, t.top), nil
}

// Enter accounts for one more frame on the call stack of ctx and raises a StackOverflow trap past the depth limit.
// entry is the entry PC of the function entered and name the name its guest frames are reported under, which
// distinguishes functions sharing their code. Calls outside a protected call are not accounted.
func Enter(ctx context.Context, entry uintptr, name string) {
	s := State(ctx)
	if s == nil {
		return
	}
	if s.depth >= s.thread.maxDepth {
		RaiseLibTrap(ctx, api.TrapCodeStackOverflow)
	}
	th := s.thread
	th.truncate(s.depth)
	th.frames = append(th.frames, shadowFrame{entry: entry, name: name})
	s.depth++
}

// Leave reverts Enter once the frame returned. Frames aborted by a trap are not left: the state that
// recovers the trap is discarded with their depth.
func Leave(ctx context.Context) {
	if s := State(ctx); s != nil && s.depth > 0 {
		s.depth--
		s.thread.truncate(s.depth)
	}
}
