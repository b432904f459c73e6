package wazerocore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/vmctx"
)

const (
	instanceOpen uint32 = iota
	// instanceTerminated instances were interrupted: their memories are inaccessible once no call is running.
	instanceTerminated
	// instanceClosed instances also release their memories once no call is running.
	instanceClosed
)

// ErrTerminated is the cause of the Interrupt trap of a call aborted by Instance.Interrupt with a nil error.
var ErrTerminated = errors.New("instance terminated")

// Instance is an instantiated module: the execution context of its compiled functions and the memories, tables
// and globals they use.
type Instance struct {
	name string
	r    *runtime
	vm   *vmctx.ExecutionContext

	functions     []*function
	exports       map[string]*function
	memories      []*vmctx.MemoryInstance
	memoryExports map[string]uint32
	tableExports  map[string]uint32
	globalExports map[string]uint32

	// active counts the calls running against this instance, including nested ones.
	active      atomic.Int32
	state       atomic.Uint32
	releaseOnce sync.Once
}

// Name is the module name of the instance.
func (i *Instance) Name() string {
	return i.name
}

// ExportedFunction returns the function added with ModuleBuilder.NewFunction under name, or nil.
func (i *Instance) ExportedFunction(name string) api.Function {
	f, ok := i.exports[name]
	if !ok {
		return nil
	}
	return f
}

// Function returns the defined function at index, or nil.
func (i *Instance) Function(index uint32) api.Function {
	if index >= uint32(len(i.functions)) {
		return nil
	}
	return i.functions[index]
}

// Memory returns the memory exported under name, or nil.
func (i *Instance) Memory(name string) api.Memory {
	idx, ok := i.memoryExports[name]
	if !ok {
		return nil
	}
	return i.vm.Memory(idx)
}

// Table returns the table exported under name, or nil.
func (i *Instance) Table(name string) *vmctx.Table {
	idx, ok := i.tableExports[name]
	if !ok {
		return nil
	}
	return i.vm.Table(idx)
}

// Global returns the global exported under name, or nil. Mutable globals are also an api.MutableGlobal.
func (i *Instance) Global(name string) api.Global {
	idx, ok := i.globalExports[name]
	if !ok {
		return nil
	}
	return i.vm.Global(idx)
}

// ExecutionContext returns the context compiled functions of this instance run against.
func (i *Instance) ExecutionContext() *vmctx.ExecutionContext {
	return i.vm
}

// Interrupt terminates the instance: running calls fail with an Interrupt trap caused by err, or ErrTerminated
// if nil, at their next interrupt check. Memories become inaccessible once no call is running, and later calls
// fail with api.ErrInstanceClosed.
func (i *Instance) Interrupt(err error) {
	if err == nil {
		err = ErrTerminated
	}
	if !i.state.CompareAndSwap(instanceOpen, instanceTerminated) {
		return
	}
	i.vm.Interrupt(err)
	i.r.logger.Debug("instance terminated", zap.String("module", i.name), zap.Error(err))
	if i.active.Load() == 0 {
		i.settle()
	}
}

// Close implements api.Closer. Running calls fail with an Interrupt trap at their next interrupt check and
// resources are released once they unwound.
func (i *Instance) Close(context.Context) error {
	if i.state.Swap(instanceClosed) == instanceClosed {
		return nil
	}
	i.vm.Interrupt(api.ErrInstanceClosed)
	i.r.unregister(i)
	if i.active.Load() == 0 {
		i.settle()
	}
	return nil
}

// enter accounts for a call of the function name, failing if the instance isn't open.
func (i *Instance) enter(name string) error {
	i.active.Add(1)
	if i.state.Load() != instanceOpen {
		i.exit()
		return &api.ValidationError{
			Phase:    api.PhaseInstance,
			Kind:     api.KindInstanceClosed,
			Function: name,
			Detail:   fmt.Sprintf("instance %s is closed", i.name),
		}
	}
	return nil
}

// exit ends a call started with enter. The last call leaving a terminated instance settles it.
func (i *Instance) exit() {
	if i.active.Add(-1) == 0 && i.state.Load() != instanceOpen {
		i.settle()
	}
}

// settle makes the memories of a terminated instance inaccessible, and releases them when it is closed.
func (i *Instance) settle() {
	for _, m := range i.memories {
		if err := m.Protect(); err != nil {
			i.r.logger.Warn("protecting memory failed", zap.String("module", i.name), zap.Error(err))
		}
	}
	if i.state.Load() == instanceClosed {
		i.release()
	}
}

// release frees the memories and invalidates the execution context.
func (i *Instance) release() {
	i.releaseOnce.Do(func() {
		i.vm.Close()
		for _, m := range i.memories {
			if err := m.Close(); err != nil {
				i.r.logger.Warn("releasing memory failed", zap.String("module", i.name), zap.Error(err))
			}
		}
	})
}
