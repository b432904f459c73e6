package vs

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazerocore"
	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/builtins"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// The functions of MathWasm, compiled by hand.
var (
	mathDiv = func(_ context.Context, _ *vmctx.ExecutionContext, x, y int32) int32 {
		return builtins.I32DivS(x, y)
	}
	mathLoad = func(_ context.Context, vm *vmctx.ExecutionContext, addr uint32) uint32 {
		return builtins.I32Load(vm, addr, 0)
	}
)

// NewWazerocoreRuntime returns a runtime ignoring the wasm it is initialized with: it instantiates the compiled
// functions of MathWasm instead, on memories configured by config.
func NewWazerocoreRuntime(name string, config *wazerocore.RuntimeConfig) Runtime {
	return &wazerocoreRuntime{name: name, config: config}
}

type wazerocoreRuntime struct {
	name    string
	config  *wazerocore.RuntimeConfig
	runtime wazerocore.Runtime
	inst    *wazerocore.Instance
}

func (w *wazerocoreRuntime) Name() string {
	return w.name
}

func (w *wazerocoreRuntime) Init(ctx context.Context, _ []byte, funcNames ...string) (err error) {
	w.runtime = wazerocore.NewRuntimeWithConfig(ctx, w.config)
	if w.inst, err = w.runtime.NewModuleBuilder("math").
		NewMemory("memory", 1, 1).
		NewFunction("div", mathDiv).
		NewFunction("load", mathLoad).
		Instantiate(ctx); err != nil {
		return
	}
	for _, funcName := range funcNames {
		if w.inst.ExportedFunction(funcName) == nil {
			return fmt.Errorf("%s is not an exported function", funcName)
		}
	}
	return
}

func (w *wazerocoreRuntime) Call(ctx context.Context, funcName string, params ...uint32) (uint32, error) {
	values := make([]api.Value, len(params))
	for i, p := range params {
		values[i] = api.ValueI32(int32(p))
	}
	results, err := w.inst.ExportedFunction(funcName).Call(ctx, values...)
	if err != nil {
		return 0, err
	}
	return uint32(results[0].I32()), nil
}

func (w *wazerocoreRuntime) Close() error {
	if r := w.runtime; r != nil {
		w.runtime = nil
		return r.Close(context.Background())
	}
	return nil
}
