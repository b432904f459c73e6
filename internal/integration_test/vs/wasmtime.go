//go:build amd64 && cgo

package vs

import (
	"context"
	"fmt"

	"github.com/bytecodealliance/wasmtime-go"
)

func init() {
	runtimes = append(runtimes, NewWasmtimeRuntime)
}

// NewWasmtimeRuntime returns wasmtime, through cgo.
func NewWasmtimeRuntime() Runtime {
	return &wasmtimeRuntime{funcs: map[string]*wasmtime.Func{}}
}

type wasmtimeRuntime struct {
	store *wasmtime.Store
	funcs map[string]*wasmtime.Func
}

func (w *wasmtimeRuntime) Name() string {
	return "wasmtime"
}

func (w *wasmtimeRuntime) Init(_ context.Context, wasm []byte, funcNames ...string) error {
	w.store = wasmtime.NewStore(wasmtime.NewEngine())
	module, err := wasmtime.NewModule(w.store.Engine, wasm)
	if err != nil {
		return err
	}
	instance, err := wasmtime.NewInstance(w.store, module, nil)
	if err != nil {
		return err
	}
	for _, funcName := range funcNames {
		fn := instance.GetFunc(w.store, funcName)
		if fn == nil {
			return fmt.Errorf("%s is not an exported function", funcName)
		}
		w.funcs[funcName] = fn
	}
	return nil
}

func (w *wasmtimeRuntime) Call(_ context.Context, funcName string, params ...uint32) (uint32, error) {
	iParams := make([]interface{}, len(params))
	for i, p := range params {
		iParams[i] = int32(p)
	}
	result, err := w.funcs[funcName].Call(w.store, iParams...)
	if err != nil {
		return 0, err
	}
	return uint32(result.(int32)), nil
}

// Close releases nothing: there's no close function for wasmtime stores, only garbage collection.
func (w *wasmtimeRuntime) Close() error {
	w.store = nil
	w.funcs = nil
	return nil
}
