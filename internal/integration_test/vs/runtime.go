// Package vs compares the traps of wazerocore with those of other WebAssembly runtimes running the same module.
package vs

import (
	"context"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"

	"github.com/tetratelabs/wazerocore/api"
)

// MathWasm is a module exporting "div", i32.div_s of its two params, and "load", i32.load of its param from a
// memory of one page which can't grow.
var MathWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type section: i32i32_i32, i32_i32
	0x01, 0x0c, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x01, 0x7f, 0x01, 0x7f,
	// function section
	0x03, 0x03, 0x02, 0x00, 0x01,
	// memory section: min 1, max 1
	0x05, 0x04, 0x01, 0x01, 0x01, 0x01,
	// export section
	0x07, 0x0e, 0x02, 0x03, 'd', 'i', 'v', 0x00, 0x00, 0x04, 'l', 'o', 'a', 'd', 0x00, 0x01,
	// code section
	0x0a, 0x11, 0x02,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6d, 0x0b,
	0x07, 0x00, 0x20, 0x00, 0x28, 0x02, 0x00, 0x0b,
}

// FuncNames are the functions exported by MathWasm.
var FuncNames = []string{"div", "load"}

// Runtime runs MathWasm.
type Runtime interface {
	Name() string
	Init(ctx context.Context, wasm []byte, funcNames ...string) error
	// Call calls funcName with i32 params, returning its i32 result.
	Call(ctx context.Context, funcName string, params ...uint32) (uint32, error)
	io.Closer
}

// Case is a call of MathWasm which traps.
type Case struct {
	Name     string
	FuncName string
	Params   []uint32
	Code     api.TrapCode
}

// TrapCases are the calls every runtime must fail with the message of Code.
var TrapCases = []Case{
	{Name: "divide by zero", FuncName: "div", Params: []uint32{10, 0}, Code: api.TrapCodeIntegerDivisionByZero},
	{Name: "division overflow", FuncName: "div", Params: []uint32{0x80000000, 0xffffffff}, Code: api.TrapCodeIntegerOverflow},
	{Name: "load past memory", FuncName: "load", Params: []uint32{65536}, Code: api.TrapCodeHeapAccessOutOfBounds},
	{Name: "load straddling memory", FuncName: "load", Params: []uint32{65534}, Code: api.TrapCodeHeapAccessOutOfBounds},
}

// NewWazeroRuntime returns the wazero interpreter, which runs on every platform.
func NewWazeroRuntime() Runtime {
	return &wazeroRuntime{funcs: map[string]wazeroapi.Function{}}
}

type wazeroRuntime struct {
	runtime wazero.Runtime
	funcs   map[string]wazeroapi.Function
}

func (w *wazeroRuntime) Name() string {
	return "wazero"
}

func (w *wazeroRuntime) Init(ctx context.Context, wasm []byte, funcNames ...string) error {
	w.runtime = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	mod, err := w.runtime.Instantiate(ctx, wasm)
	if err != nil {
		return err
	}
	for _, funcName := range funcNames {
		fn := mod.ExportedFunction(funcName)
		if fn == nil {
			return fmt.Errorf("%s is not an exported function", funcName)
		}
		w.funcs[funcName] = fn
	}
	return nil
}

func (w *wazeroRuntime) Call(ctx context.Context, funcName string, params ...uint32) (uint32, error) {
	raw := make([]uint64, len(params))
	for i, p := range params {
		raw[i] = uint64(p)
	}
	results, err := w.funcs[funcName].Call(ctx, raw...)
	if err != nil {
		return 0, err
	}
	return uint32(results[0]), nil
}

func (w *wazeroRuntime) Close() error {
	if r := w.runtime; r != nil {
		w.runtime = nil
		return r.Close(context.Background())
	}
	return nil
}
