package wazerocore

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/dispatch"
	"github.com/tetratelabs/wazerocore/internal/logging"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/internal/wasm"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// Runtime binds host functions and instantiates modules of compiled guest functions. Functions and instances of
// one runtime share a store: function references and signature ids are only valid within it.
//
// Ex.
//
//	ctx := context.Background()
//	r := wazerocore.NewRuntime(ctx)
//	defer r.Close(ctx) // This closes everything this Runtime created.
//
//	inst, _ := r.NewModuleBuilder("math").NewFunction("div", div).Instantiate(ctx)
//	results, err := inst.ExportedFunction("div").Call(ctx, api.ValueI32(10), api.ValueI32(2))
type Runtime interface {
	// NewModuleBuilder lets you create an instance out of compiled guest functions.
	NewModuleBuilder(moduleName string) ModuleBuilder

	// NewHostFunction binds goFunc as a host function with a signature inferred from its Go type.
	//
	// goFunc may accept a context.Context then a *vmctx.ExecutionContext, which is the context of the calling guest
	// function or nil, followed by params of type int32, uint32, int64, uint64, float32, float64,
	// *vmctx.CalleeRecord (funcref) or interface{} (externref). Results use the same types, and a trailing error
	// result aborts the call with a User trap.
	NewHostFunction(name string, goFunc interface{}) (api.Function, error)

	// NewDynamicHostFunction binds fn as a host function of type ft. The values fn returns are validated against
	// ft.Results: a mismatch fails the call with an *api.ValidationError.
	NewDynamicHostFunction(name string, ft *api.FunctionType, fn vmctx.DynamicFunc, opts ...HostOption) (api.Function, error)

	// Closer closes all the instances that have been initialized in this Runtime.
	api.Closer
}

// NewRuntime returns a runtime with a configuration from NewRuntimeConfig.
func NewRuntime(ctx context.Context) Runtime {
	return NewRuntimeWithConfig(ctx, NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a runtime with the given configuration.
func NewRuntimeWithConfig(_ context.Context, config *RuntimeConfig) Runtime {
	if config == nil {
		panic(fmt.Errorf("unsupported wazerocore.RuntimeConfig implementation: %v", config))
	}
	logger := config.logger
	if logger != nil {
		// Process-wide: see RuntimeConfig.WithLogger.
		logging.SetLogger(logger)
	} else {
		logger = logging.Logger()
	}
	r := &runtime{
		config:    config,
		store:     vmctx.NewStore(wasm.NewSignatureRegistry()),
		logger:    logger,
		instances: map[*Instance]struct{}{},
	}
	logger.Debug("runtime created",
		zap.Uint64("store", r.store.ID()),
		zap.Uint32("max_call_depth", config.maxCallDepth),
		zap.Uint64("memory_guard_size", config.memoryGuardSize))
	return r
}

// runtime allows decoupling of public interfaces from internal representation.
type runtime struct {
	config *RuntimeConfig
	store  *vmctx.Store
	logger *zap.Logger

	mu        sync.Mutex
	instances map[*Instance]struct{}
	closed    bool
}

// NewModuleBuilder implements Runtime.NewModuleBuilder
func (r *runtime) NewModuleBuilder(moduleName string) ModuleBuilder {
	return &moduleBuilder{r: r, moduleName: moduleName, exportedFunctions: map[string]uint32{}}
}

// NewHostFunction implements Runtime.NewHostFunction
func (r *runtime) NewHostFunction(name string, goFunc interface{}) (api.Function, error) {
	rec, err := dispatch.NewStatic(name, goFunc, r.store, false)
	if err != nil {
		return nil, err
	}
	return &function{r: r, record: rec}, nil
}

// NewDynamicHostFunction implements Runtime.NewDynamicHostFunction
func (r *runtime) NewDynamicHostFunction(name string, ft *api.FunctionType, fn vmctx.DynamicFunc, opts ...HostOption) (api.Function, error) {
	o := hostOptions{executor: r.config.executor}
	for _, opt := range opts {
		opt(&o)
	}
	dopts := dispatch.DynamicOptions{MaySuspend: o.maySuspend}
	if o.executor != nil {
		dopts.Executor = o.executor
	}
	rec, err := dispatch.NewDynamic(name, ft, fn, r.store, dopts)
	if err != nil {
		return nil, err
	}
	return &function{r: r, record: rec}, nil
}

// Close implements api.Closer
func (r *runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	instances := make([]*Instance, 0, len(r.instances))
	for i := range r.instances {
		instances = append(instances, i)
	}
	r.mu.Unlock()

	var errs []error
	for _, i := range instances {
		if err := i.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Debug("runtime closed", zap.Uint64("store", r.store.ID()), zap.Int("instances", len(instances)))
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "closing %d instances failed", len(errs))
	}
	return nil
}

// register tracks i until it is closed.
func (r *runtime) register(i *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Errorf("%s: runtime is closed", i.name)
	}
	r.instances[i] = struct{}{}
	return nil
}

func (r *runtime) unregister(i *Instance) {
	r.mu.Lock()
	delete(r.instances, i)
	r.mu.Unlock()
}

// HostOption configures a dynamic host function.
type HostOption func(*hostOptions)

type hostOptions struct {
	maySuspend bool
	executor   Executor
}

// WithMaySuspend declares the function may return a deferred result with vmctx.Defer. A function not declared as
// suspendable returning one fails the call with api.ErrNotSuspendable.
func WithMaySuspend(enabled bool) HostOption {
	return func(o *hostOptions) {
		o.maySuspend = enabled
	}
}

// WithHostExecutor overrides the executor of RuntimeConfig.WithExecutor for one function.
func WithHostExecutor(e Executor) HostOption {
	return func(o *hostOptions) {
		o.executor = e
	}
}

// InitTraps installs the process-wide trap handling with a predicate deciding if a faulting program counter belongs
// to guest code. A nil predicate only accepts functions bound by ModuleBuilder.NewFunction.
//
// Only the first call has an effect. It is called lazily with a nil predicate by the first call into a function.
func InitTraps(isGuestPC func(pc uintptr) bool) {
	traps.Init(isGuestPC)
}

// FuncRef returns a funcref value referencing fn, which must be a function of this package. A nil fn is the null
// reference.
func FuncRef(fn api.Function) api.Value {
	if fn == nil {
		return api.ValueFuncref(nil)
	}
	f, ok := fn.(*function)
	if !ok {
		panic(fmt.Errorf("unsupported api.Function implementation: %T", fn))
	}
	return api.ValueFuncref(f.record)
}
