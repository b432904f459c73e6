//go:build amd64 && cgo && !windows

package vs

import (
	"context"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

func init() {
	runtimes = append(runtimes, NewWasmerRuntime)
}

// NewWasmerRuntime returns wasmer, through cgo.
func NewWasmerRuntime() Runtime {
	return &wasmerRuntime{funcs: map[string]*wasmer.Function{}}
}

type wasmerRuntime struct {
	store    *wasmer.Store
	module   *wasmer.Module
	instance *wasmer.Instance
	funcs    map[string]*wasmer.Function
}

func (w *wasmerRuntime) Name() string {
	return "wasmer"
}

func (w *wasmerRuntime) Init(_ context.Context, wasm []byte, funcNames ...string) (err error) {
	w.store = wasmer.NewStore(wasmer.NewEngine())
	if w.module, err = wasmer.NewModule(w.store, wasm); err != nil {
		return
	}
	if w.instance, err = wasmer.NewInstance(w.module, wasmer.NewImportObject()); err != nil {
		return
	}
	for _, funcName := range funcNames {
		var fn *wasmer.Function
		if fn, err = w.instance.Exports.GetRawFunction(funcName); err != nil {
			return
		} else if fn == nil {
			return fmt.Errorf("%s is not an exported function", funcName)
		}
		w.funcs[funcName] = fn
	}
	return
}

func (w *wasmerRuntime) Call(_ context.Context, funcName string, params ...uint32) (uint32, error) {
	iParams := make([]interface{}, len(params))
	for i, p := range params {
		iParams[i] = int32(p)
	}
	result, err := w.funcs[funcName].Call(iParams...)
	if err != nil {
		return 0, err
	}
	return uint32(result.(int32)), nil
}

func (w *wasmerRuntime) Close() error {
	if w.instance != nil {
		w.instance.Close()
	}
	if w.module != nil {
		w.module.Close()
	}
	if w.store != nil {
		w.store.Close()
	}
	w.instance, w.module, w.store, w.funcs = nil, nil, nil, nil
	return nil
}
