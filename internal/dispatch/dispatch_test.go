package dispatch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/internal/wasm"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// testCtx is an arbitrary, non-default context.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

var (
	i32         = api.ValueTypeI32
	i32_i32     = &api.FunctionType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}}
	i32i32_i32  = &api.FunctionType{Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}}
	v_i32       = &api.FunctionType{Results: []api.ValueType{i32}}
	errHostFunc = errors.New("host failed")
)

func newStore() *vmctx.Store {
	return vmctx.NewStore(wasm.NewSignatureRegistry())
}

// invoke calls r in a protected call with the given raw params, returning the raw slots.
func invoke(t *testing.T, r *vmctx.CalleeRecord, caller *vmctx.ExecutionContext, params ...uint64) ([]uint64, error) {
	slots := make([]uint64, r.Type.SlotCount())
	copy(slots, params)
	err := traps.CatchTraps(testCtx, nil, func(ctx context.Context) {
		r.Invoke(ctx, caller, slots)
	})
	return slots, err
}

func guestAdd(_ context.Context, _ *vmctx.ExecutionContext, x, y uint32) uint32 {
	return x + y
}

func TestNewStatic_Guest(t *testing.T) {
	store := newStore()
	r, err := NewStatic("add", guestAdd, store, true)
	require.NoError(t, err)

	require.Equal(t, vmctx.FunctionKindStatic, r.Kind)
	require.True(t, r.Guest)
	require.Equal(t, "add", r.Name)
	require.Equal(t, store, r.Store)
	require.True(t, r.Type.Equal(i32i32_i32))
	require.True(t, traps.IsRegisteredGuestPC(r.Code))

	id, err := store.Signatures.Register(i32i32_i32)
	require.NoError(t, err)
	require.Equal(t, id, r.SignatureID)

	// The common guest shape uses its hand-written trampoline.
	fast := fastTrampolines[reflect.TypeOf(guestAdd)]
	require.NotNil(t, fast)
	require.Equal(t, reflect.ValueOf(fast).Pointer(), reflect.ValueOf(r.Trampoline).Pointer())

	vm := vmctx.New("test", vmctx.Shape{}, store)
	slots, err := invoke(t, r.Bind(vm), nil, 2, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(5), slots[0])
}

func TestNewStatic_Host(t *testing.T) {
	store := newStore()

	t.Run("no context", func(t *testing.T) {
		r, err := NewStatic("neg", func(v int32) int32 { return -v }, store, false)
		require.NoError(t, err)
		require.False(t, r.Guest)
		require.False(t, traps.IsRegisteredGuestPC(r.Code))

		slots, err := invoke(t, r, nil, api.EncodeI32(7))
		require.NoError(t, err)
		require.Equal(t, api.EncodeI32(-7), slots[0])
	})

	t.Run("context and execution context", func(t *testing.T) {
		caller := vmctx.New("caller", vmctx.Shape{}, store)
		var seenVM *vmctx.ExecutionContext
		var seenState bool
		r, err := NewStatic("inspect", func(ctx context.Context, vm *vmctx.ExecutionContext, f float32, d float64) float64 {
			seenVM = vm
			seenState = traps.State(ctx) != nil
			return float64(f) + d
		}, store, false)
		require.NoError(t, err)

		slots, err := invoke(t, r, caller, api.EncodeF32(1.5), api.EncodeF64(2.25))
		require.NoError(t, err)
		require.Equal(t, 3.75, api.DecodeF64(slots[0]))
		require.Equal(t, caller, seenVM)
		require.True(t, seenState)
	})

	t.Run("multiple results", func(t *testing.T) {
		r, err := NewStatic("swap", func(x uint32, y uint64) (uint64, uint32) { return y, x }, store, false)
		require.NoError(t, err)

		slots, err := invoke(t, r, nil, 1, 2)
		require.NoError(t, err)
		require.Equal(t, []uint64{2, 1}, slots)
	})

	t.Run("error raises user trap", func(t *testing.T) {
		r, err := NewStatic("fail", func() (uint32, error) { return 0, errHostFunc }, store, false)
		require.NoError(t, err)

		_, err = invoke(t, r, nil)
		var trap *api.Trap
		require.ErrorAs(t, err, &trap)
		require.Equal(t, api.TrapKindUser, trap.Kind)
		require.ErrorIs(t, err, errHostFunc)
	})

	t.Run("nil error returns", func(t *testing.T) {
		r, err := NewStatic("ok", func() (uint32, error) { return 9, nil }, store, false)
		require.NoError(t, err)

		slots, err := invoke(t, r, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(9), slots[0])
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewStatic("bad", func(string) {}, store, false)
		require.EqualError(t, err, "bad param[0] is unsupported: string")

		var nilFn func()
		_, err = NewStatic("nil", nilFn, store, false)
		require.EqualError(t, err, "nil is a nil function")
	})
}

func TestNewStatic_References(t *testing.T) {
	store := newStore()
	target, err := NewStatic("target", func() {}, store, false)
	require.NoError(t, err)

	var seenRef *vmctx.CalleeRecord
	var seenExt interface{}
	r, err := NewStatic("refs", func(f *vmctx.CalleeRecord, ext interface{}) (*vmctx.CalleeRecord, interface{}) {
		seenRef, seenExt = f, ext
		return f, "returned"
	}, store, false)
	require.NoError(t, err)

	fh, err := store.FuncrefHandle(target)
	require.NoError(t, err)
	eh := store.ExternrefHandle("passed")

	slots, err := invoke(t, r, nil, fh, eh)
	require.NoError(t, err)
	require.Equal(t, target, seenRef)
	require.Equal(t, "passed", seenExt)
	require.Equal(t, fh, slots[0])
	v, ok := store.Externref(slots[1])
	require.True(t, ok)
	require.Equal(t, "returned", v)

	// An unknown handle is rejected locally.
	_, err = invoke(t, r, nil, 1000, 0)
	require.ErrorIs(t, err, api.ErrForeignReference)
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "refs", verr.Function)
}

func TestTrampolineFor_Dedup(t *testing.T) {
	store := newStore()
	type shape = func(context.Context, uint32, uint64, float32) float64

	var wg sync.WaitGroup
	records := make([]*vmctx.CalleeRecord, 16)
	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := NewStatic("f", shape(func(context.Context, uint32, uint64, float32) float64 { return 0 }), store, false)
			if err != nil {
				panic(err)
			}
			records[i] = r
		}(i)
	}
	wg.Wait()

	exp := reflect.ValueOf(records[0].Trampoline).Pointer()
	for _, r := range records[1:] {
		require.Equal(t, exp, reflect.ValueOf(r.Trampoline).Pointer())
	}
	cached, ok := trampolines.byType.Load(reflect.TypeOf(shape(nil)))
	require.True(t, ok)
	require.Equal(t, exp, reflect.ValueOf(cached).Pointer())
}

func TestNewDynamic(t *testing.T) {
	store := newStore()

	tests := []struct {
		name        string
		ft          *api.FunctionType
		fn          vmctx.DynamicFunc
		params      []uint64
		expected    []uint64
		expectedErr string
	}{
		{
			name: "returns",
			ft:   i32_i32,
			fn: func(_ context.Context, _ *vmctx.ExecutionContext, params []api.Value) (vmctx.HostResult, error) {
				return vmctx.Ready(api.ValueI32(params[0].I32() * 2)), nil
			},
			params:   []uint64{21},
			expected: []uint64{42},
		},
		{
			name: "too many results",
			ft:   v_i32,
			fn: func(context.Context, *vmctx.ExecutionContext, []api.Value) (vmctx.HostResult, error) {
				return vmctx.Ready(api.ValueI32(1), api.ValueI32(2)), nil
			},
			expectedErr: "[host] result_mismatch in too many results: expected 1 results, but returned 2",
		},
		{
			name: "wrong result type",
			ft:   v_i32,
			fn: func(context.Context, *vmctx.ExecutionContext, []api.Value) (vmctx.HostResult, error) {
				return vmctx.Ready(api.ValueI64(1)), nil
			},
			expectedErr: "[host] result_mismatch in wrong result type: result[0] expected i32, but returned i64",
		},
		{
			name: "error",
			ft:   v_i32,
			fn: func(context.Context, *vmctx.ExecutionContext, []api.Value) (vmctx.HostResult, error) {
				return vmctx.HostResult{}, errHostFunc
			},
			expectedErr: "wasm error: host failed",
		},
		{
			name: "deferred but not suspendable",
			ft:   v_i32,
			fn: func(context.Context, *vmctx.ExecutionContext, []api.Value) (vmctx.HostResult, error) {
				return vmctx.Defer(func(context.Context) ([]api.Value, error) { return nil, nil }), nil
			},
			expectedErr: "[host] not_suspendable in deferred but not suspendable: returned a deferred result, but was not declared as suspendable",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewDynamic(tc.name, tc.ft, tc.fn, store, DynamicOptions{})
			require.NoError(t, err)
			require.Equal(t, vmctx.FunctionKindDynamic, r.Kind)

			slots, err := invoke(t, r, nil, tc.params...)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, slots[:len(tc.expected)])
		})
	}
}

func TestNewDynamic_ResultMismatchIsLocal(t *testing.T) {
	store := newStore()
	r, err := NewDynamic("two", v_i32, func(context.Context, *vmctx.ExecutionContext, []api.Value) (vmctx.HostResult, error) {
		return vmctx.Ready(api.ValueI32(1), api.ValueI32(2)), nil
	}, store, DynamicOptions{})
	require.NoError(t, err)

	resumed := false
	err = traps.CatchTraps(testCtx, nil, func(ctx context.Context) {
		r.Invoke(ctx, nil, make([]uint64, 1))
		resumed = true
	})
	require.ErrorIs(t, err, api.ErrResultMismatch)
	var trap *api.Trap
	require.False(t, errors.As(err, &trap), "validation errors are not traps")
	require.False(t, resumed)
}

func TestNewDynamic_Deferred(t *testing.T) {
	store := newStore()
	exec := NewGroupExecutor(2)
	defer exec.Wait()

	double, err := NewStatic("double", func(v uint32) uint32 { return v * 2 }, store, false)
	require.NoError(t, err)

	r, err := NewDynamic("async", i32_i32, func(_ context.Context, _ *vmctx.ExecutionContext, params []api.Value) (vmctx.HostResult, error) {
		x := params[0]
		return vmctx.Defer(func(ctx context.Context) ([]api.Value, error) {
			// Nested calls run on the chain moved to the executor.
			slots := []uint64{x.Bits()}
			double.Invoke(ctx, nil, slots)
			return []api.Value{api.ValueI32(int32(slots[0]))}, nil
		}), nil
	}, store, DynamicOptions{MaySuspend: true, Executor: exec})
	require.NoError(t, err)

	var state *traps.CallThreadState
	err = traps.CatchTraps(testCtx, nil, func(ctx context.Context) {
		state = traps.State(ctx)
		slots := []uint64{4}
		r.Invoke(ctx, nil, slots)
		require.Equal(t, uint64(8), slots[0])
		require.Equal(t, state, state.Thread().Top(), "chain is attached back")
	})
	require.NoError(t, err)
}

func TestNewDynamic_DeferredTrap(t *testing.T) {
	store := newStore()
	r, err := NewDynamic("async", v_i32, func(context.Context, *vmctx.ExecutionContext, []api.Value) (vmctx.HostResult, error) {
		return vmctx.Defer(func(ctx context.Context) ([]api.Value, error) {
			traps.RaiseLibTrap(ctx, api.TrapCodeUnreachableCodeReached)
			return nil, nil
		}), nil
	}, store, DynamicOptions{MaySuspend: true})
	require.NoError(t, err)

	_, err = invoke(t, r, nil)
	require.ErrorIs(t, err, &api.Trap{Kind: api.TrapKindLib, Code: api.TrapCodeUnreachableCodeReached})
}

func TestNewDynamic_DeferredError(t *testing.T) {
	store := newStore()
	r, err := NewDynamic("async", v_i32, func(context.Context, *vmctx.ExecutionContext, []api.Value) (vmctx.HostResult, error) {
		return vmctx.Defer(func(ctx context.Context) ([]api.Value, error) {
			return nil, errHostFunc
		}), nil
	}, store, DynamicOptions{MaySuspend: true})
	require.NoError(t, err)

	_, err = invoke(t, r, nil)
	require.ErrorIs(t, err, errHostFunc)
}

func TestNewDynamic_Invalid(t *testing.T) {
	store := newStore()
	_, err := NewDynamic("nil", v_i32, nil, store, DynamicOptions{})
	require.EqualError(t, err, "nil is a nil function")
	_, err = NewDynamic("untyped", nil, func(context.Context, *vmctx.ExecutionContext, []api.Value) (vmctx.HostResult, error) {
		return vmctx.HostResult{}, nil
	}, store, DynamicOptions{})
	require.EqualError(t, err, "untyped has no function type")
}

func TestCallIndirect(t *testing.T) {
	store := newStore()
	add, err := NewStatic("add", guestAdd, store, true)
	require.NoError(t, err)
	vm := vmctx.New("test", vmctx.Shape{}, store)
	add = add.Bind(vm)

	table, err := vmctx.NewTable(api.ValueTypeFuncref, 2, nil)
	require.NoError(t, err)
	require.True(t, table.Set(0, add))

	addID, err := store.Signatures.Register(i32i32_i32)
	require.NoError(t, err)
	otherID, err := store.Signatures.Register(v_i32)
	require.NoError(t, err)

	tests := []struct {
		name     string
		index    uint32
		expected vmctx.SignatureID
		code     api.TrapCode
	}{
		{name: "ok", index: 0, expected: addID},
		{name: "bad signature", index: 0, expected: otherID, code: api.TrapCodeBadSignature},
		{name: "null", index: 1, expected: addID, code: api.TrapCodeIndirectCallToNull},
		{name: "out of bounds", index: 2, expected: addID, code: api.TrapCodeTableOutOfBounds},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			slots := []uint64{20, 22}
			err := traps.CatchTraps(testCtx, nil, func(ctx context.Context) {
				CallIndirect(ctx, vm, table, tc.index, tc.expected, slots)
			})
			if tc.code == api.TrapCodeNone {
				require.NoError(t, err)
				require.Equal(t, uint64(42), slots[0])
				return
			}
			require.ErrorIs(t, err, &api.Trap{Kind: api.TrapKindLib, Code: tc.code})
		})
	}
}

func TestCallRef_ForeignStore(t *testing.T) {
	store, other := newStore(), newStore()
	add, err := NewStatic("add", guestAdd, other, true)
	require.NoError(t, err)
	// Same structural type, registered first in both stores, so the ids are equal.
	id, err := store.Signatures.Register(i32i32_i32)
	require.NoError(t, err)
	require.Equal(t, add.SignatureID, id)

	vm := vmctx.New("test", vmctx.Shape{}, store)
	err = traps.CatchTraps(testCtx, nil, func(ctx context.Context) {
		CallRef(ctx, vm, add, id, []uint64{1, 2})
	})
	require.ErrorIs(t, err, &api.Trap{Kind: api.TrapKindLib, Code: api.TrapCodeBadSignature})
}
