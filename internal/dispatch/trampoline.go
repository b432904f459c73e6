package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// trampolines caches one vmctx.Trampoline per Go function type.
var trampolines struct {
	byType sync.Map // reflect.Type -> vmctx.Trampoline
	group  singleflight.Group
}

// fastTrampolines are hand-written for the shapes compiled code uses the most, avoiding reflection.
var fastTrampolines = map[reflect.Type]vmctx.Trampoline{
	reflect.TypeOf((func(context.Context, *vmctx.ExecutionContext))(nil)): func(ctx context.Context, vm *vmctx.ExecutionContext, callee *vmctx.CalleeRecord, _ []uint64) {
		callee.Body.(func(context.Context, *vmctx.ExecutionContext))(ctx, vm)
	},
	reflect.TypeOf((func(context.Context, *vmctx.ExecutionContext) uint32)(nil)): func(ctx context.Context, vm *vmctx.ExecutionContext, callee *vmctx.CalleeRecord, slots []uint64) {
		slots[0] = uint64(callee.Body.(func(context.Context, *vmctx.ExecutionContext) uint32)(ctx, vm))
	},
	reflect.TypeOf((func(context.Context, *vmctx.ExecutionContext, uint32) uint32)(nil)): func(ctx context.Context, vm *vmctx.ExecutionContext, callee *vmctx.CalleeRecord, slots []uint64) {
		slots[0] = uint64(callee.Body.(func(context.Context, *vmctx.ExecutionContext, uint32) uint32)(ctx, vm, uint32(slots[0])))
	},
	reflect.TypeOf((func(context.Context, *vmctx.ExecutionContext, uint32, uint32) uint32)(nil)): func(ctx context.Context, vm *vmctx.ExecutionContext, callee *vmctx.CalleeRecord, slots []uint64) {
		slots[0] = uint64(callee.Body.(func(context.Context, *vmctx.ExecutionContext, uint32, uint32) uint32)(ctx, vm, uint32(slots[0]), uint32(slots[1])))
	},
	reflect.TypeOf((func(context.Context, *vmctx.ExecutionContext, int32, int32) int32)(nil)): func(ctx context.Context, vm *vmctx.ExecutionContext, callee *vmctx.CalleeRecord, slots []uint64) {
		slots[0] = uint64(uint32(callee.Body.(func(context.Context, *vmctx.ExecutionContext, int32, int32) int32)(ctx, vm, int32(slots[0]), int32(slots[1]))))
	},
	reflect.TypeOf((func(context.Context, *vmctx.ExecutionContext, uint64) uint64)(nil)): func(ctx context.Context, vm *vmctx.ExecutionContext, callee *vmctx.CalleeRecord, slots []uint64) {
		slots[0] = callee.Body.(func(context.Context, *vmctx.ExecutionContext, uint64) uint64)(ctx, vm, slots[0])
	},
	reflect.TypeOf((func(context.Context, *vmctx.ExecutionContext, uint64, uint64) uint64)(nil)): func(ctx context.Context, vm *vmctx.ExecutionContext, callee *vmctx.CalleeRecord, slots []uint64) {
		slots[0] = callee.Body.(func(context.Context, *vmctx.ExecutionContext, uint64, uint64) uint64)(ctx, vm, slots[0], slots[1])
	},
}

// trampolineFor returns the trampoline of functions of the type of sig, building it on first use. Concurrent
// bindings of the same type share one build.
func trampolineFor(sig *signature) vmctx.Trampoline {
	if t, ok := fastTrampolines[sig.typ]; ok {
		return t
	}
	if t, ok := trampolines.byType.Load(sig.typ); ok {
		return t.(vmctx.Trampoline)
	}
	// reflect.Type strings can collide across packages, so the identity of the type is part of the key.
	key := fmt.Sprintf("%s@%p", sig.typ, sig.typ)
	t, _, _ := trampolines.group.Do(key, func() (interface{}, error) {
		if t, ok := trampolines.byType.Load(sig.typ); ok {
			return t, nil
		}
		t := reflectTrampoline(sig)
		trampolines.byType.Store(sig.typ, t)
		return t, nil
	})
	return t.(vmctx.Trampoline)
}

// reflectTrampoline returns a trampoline calling functions of the type of sig with reflection.
func reflectTrampoline(sig *signature) vmctx.Trampoline {
	pOffset := sig.paramOffset()
	numIn := sig.typ.NumIn()
	numResults := len(sig.ft.Results)
	in := make([]reflect.Type, numIn)
	for i := range in {
		in[i] = sig.typ.In(i)
	}

	return func(ctx context.Context, vm *vmctx.ExecutionContext, callee *vmctx.CalleeRecord, slots []uint64) {
		args := make([]reflect.Value, numIn)
		if sig.hasContext {
			args[0] = reflect.ValueOf(&ctx).Elem()
		}
		if sig.hasExecContext {
			args[1] = reflect.ValueOf(vm)
		}
		for i := pOffset; i < numIn; i++ {
			v, err := toGo(callee.Store, in[i], slots[i-pOffset])
			if err != nil {
				raiseValidation(ctx, err, callee.Name)
			}
			args[i] = v
		}

		rets := reflect.ValueOf(callee.Body).Call(args)
		if sig.hasErrorResult {
			if err, _ := rets[numResults].Interface().(error); err != nil {
				traps.RaiseUserTrap(ctx, err)
			}
		}
		for i := 0; i < numResults; i++ {
			raw, err := fromGo(callee.Store, rets[i])
			if err != nil {
				raiseValidation(ctx, err, callee.Name)
			}
			slots[i] = raw
		}
	}
}
