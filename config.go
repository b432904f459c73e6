package wazerocore

import (
	"go.uber.org/zap"

	"github.com/tetratelabs/wazerocore/internal/dispatch"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig.
//
// Note: RuntimeConfig is immutable. Each WithXXX function returns a new instance including the corresponding change.
type RuntimeConfig struct {
	maxCallDepth       uint32
	memoryGuardSize    uint64
	memoryReservation  uint64
	closeOnContextDone bool
	executor           Executor
	logger             *zap.Logger
	metrics            bool
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &RuntimeConfig{
	maxCallDepth:    traps.DefaultMaxCallDepth,
	memoryGuardSize: defaultMemoryGuardSize,
	metrics:         true,
}

// NewRuntimeConfig returns the default configuration: guard pages after each memory when GuardPagesSupported, a
// call depth limit of 10000 frames, deferred host results run on new goroutines and metrics enabled.
func NewRuntimeConfig() *RuntimeConfig {
	return engineLessConfig.clone()
}

// clone makes a deep copy of this runtime config.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithMaxCallDepth sets the number of nested function frames past which a call fails with a StackOverflow trap.
// Zero restores the default.
func (c *RuntimeConfig) WithMaxCallDepth(depth uint32) *RuntimeConfig {
	if depth == 0 {
		depth = traps.DefaultMaxCallDepth
	}
	ret := c.clone()
	ret.maxCallDepth = depth
	return ret
}

// WithMemoryGuardSize sets the size of the inaccessible region reserved after each linear memory. Accesses landing
// in it fault and are converted into HeapAccessOutOfBounds traps.
//
// Zero disables guard pages: memories are allocated on the Go heap and every access is checked explicitly. This is
// also the behavior on platforms without virtual memory support.
func (c *RuntimeConfig) WithMemoryGuardSize(size uint64) *RuntimeConfig {
	ret := c.clone()
	ret.memoryGuardSize = size
	return ret
}

// WithMemoryReservation sets the address space reserved for each guarded memory, excluding the guard. Zero, the
// default, reserves the maximum length of each memory. Growing past the reservation fails.
func (c *RuntimeConfig) WithMemoryReservation(size uint64) *RuntimeConfig {
	ret := c.clone()
	ret.memoryReservation = size
	return ret
}

// WithCloseOnContextDone ensures the executions of functions to be terminated under one of the following
// circumstances:
//
//   - context.Context passed to the Call method of api.Function is canceled during execution. (i.e. ctx by
//     context.WithCancel)
//   - context.Context passed to the Call method of api.Function reaches timeout during execution. (i.e. ctx by
//     context.WithTimeout or context.WithDeadline)
//
// The termination is observed at the next interrupt check of compiled code and fails the call with an Interrupt
// trap. The instance is terminated: its memories become inaccessible and further calls fail with
// api.ErrInstanceClosed.
func (c *RuntimeConfig) WithCloseOnContextDone(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.closeOnContextDone = enabled
	return ret
}

// WithExecutor sets the executor running the deferred results of suspendable host functions. Defaults to a new
// goroutine per deferred result.
func (c *RuntimeConfig) WithExecutor(e Executor) *RuntimeConfig {
	ret := c.clone()
	ret.executor = e
	return ret
}

// WithLogger sets the logger of the runtime. Defaults to a no-op logger.
//
// Note: Trap handling runs without a runtime, so it logs to a process-wide logger. NewRuntimeWithConfig replaces
// that logger with l, and the last runtime created with a logger wins.
func (c *RuntimeConfig) WithLogger(l *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	ret.logger = l
	return ret
}

// WithMetrics toggles call metrics. Trap and fault counters are always recorded.
func (c *RuntimeConfig) WithMetrics(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.metrics = enabled
	return ret
}

func (c *RuntimeConfig) memoryConfig() vmctx.MemoryConfig {
	return vmctx.MemoryConfig{GuardSize: c.memoryGuardSize, Reservation: c.memoryReservation}
}

// Executor runs the deferred results of suspendable host functions.
type Executor interface {
	// Execute runs task, usually on another goroutine. It may block until the executor has capacity, or run task
	// on the calling goroutine.
	Execute(task func())
}

// GroupExecutor is an Executor running deferred results on at most a fixed number of goroutines. A deferred result
// submitted while they are all busy runs on the calling goroutine.
type GroupExecutor struct {
	*dispatch.GroupExecutor
}

// NewGroupExecutor returns an executor running at most limit tasks at once. A negative limit means no limit.
func NewGroupExecutor(limit int) *GroupExecutor {
	return &GroupExecutor{dispatch.NewGroupExecutor(limit)}
}
