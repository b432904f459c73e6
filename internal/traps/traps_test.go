package traps

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/logging"
	"github.com/tetratelabs/wazerocore/internal/platform"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

var (
	guestDiv = func(a, b int32) int32 {
		return a / b
	}
	guestLoad = func(base unsafe.Pointer, offset uintptr) uint32 {
		return *(*uint32)(unsafe.Add(base, offset))
	}
	hostDiv = func(a, b int32) int32 {
		return a / b
	}
)

func init() {
	RegisterGuestFunction(guestDiv, "test.div")
	RegisterGuestFunction(guestLoad, "test.load")
}

func TestInit_idempotent(t *testing.T) {
	for i := 0; i < 10; i++ {
		Init(nil)
		Init(func(uintptr) bool { return false })
	}
	require.Equal(t, int32(1), Installs())
	// the predicate of the first call is kept
	require.True(t, IsGuestPC(reflectPC(guestDiv)))
}

func TestCatchTraps_returns(t *testing.T) {
	var inner *CallThreadState
	err := CatchTraps(testCtx, nil, func(ctx context.Context) {
		inner = State(ctx)
		require.NotNil(t, inner)
		require.Nil(t, inner.Prev())
		require.Equal(t, inner, inner.Thread().Top())
	})
	require.NoError(t, err)
	require.Nil(t, inner.Thread().Top())
	require.Nil(t, State(testCtx))
}

func TestCatchTraps_libTrap(t *testing.T) {
	tests := []struct {
		name  string
		raise func(ctx context.Context)
		code  api.TrapCode
	}{
		{
			name:  "with context",
			raise: func(ctx context.Context) { RaiseLibTrap(ctx, api.TrapCodeIntegerDivisionByZero) },
			code:  api.TrapCodeIntegerDivisionByZero,
		},
		{
			name:  "without context",
			raise: func(context.Context) { Raise(api.TrapCodeUnreachableCodeReached) },
			code:  api.TrapCodeUnreachableCodeReached,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			reached := false
			err := CatchTraps(testCtx, nil, func(ctx context.Context) {
				tc.raise(ctx)
				reached = true
			})
			require.False(t, reached)

			var trap *api.Trap
			require.True(t, errors.As(err, &trap))
			require.Equal(t, api.TrapKindLib, trap.Kind)
			require.Equal(t, tc.code, trap.Code)
			require.NotEmpty(t, trap.Backtrace.PCs())
		})
	}
}

func TestCatchTraps_userTrap(t *testing.T) {
	userErr := errors.New("exit")
	err := CatchTraps(testCtx, nil, func(ctx context.Context) {
		RaiseUserTrap(ctx, userErr)
	})

	var trap *api.Trap
	require.True(t, errors.As(err, &trap))
	require.Equal(t, api.TrapKindUser, trap.Kind)
	require.ErrorIs(t, err, userErr)
	require.Equal(t, "wasm error: exit", err.Error())
}

func TestCatchTraps_validationError(t *testing.T) {
	verr := api.NewValidationError(api.PhaseHost, api.KindResultMismatch, "h", "expected 1 results, but got 2")
	err := CatchTraps(testCtx, nil, func(ctx context.Context) {
		RaiseValidation(ctx, verr)
	})
	require.Equal(t, verr, err)

	var trap *api.Trap
	require.False(t, errors.As(err, &trap))
}

func TestCatchTraps_userErrorWrappingValidationError(t *testing.T) {
	verr := api.NewValidationError(api.PhaseHost, api.KindResultMismatch, "h", "expected 1 results, but got 2")
	userErr := fmt.Errorf("wrap: %w", verr)
	err := CatchTraps(testCtx, nil, func(ctx context.Context) {
		RaiseUserTrap(ctx, userErr)
	})

	var trap *api.Trap
	require.True(t, errors.As(err, &trap))
	require.Equal(t, api.TrapKindUser, trap.Kind)
	require.ErrorIs(t, err, userErr)
}

func TestCatchTraps_outOfMemory(t *testing.T) {
	cause := errors.New("cannot allocate memory")
	err := CatchTraps(testCtx, nil, func(context.Context) {
		RaiseOutOfMemory(cause)
	})

	var trap *api.Trap
	require.True(t, errors.As(err, &trap))
	require.Equal(t, api.TrapKindOutOfMemory, trap.Kind)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "wasm error: out of memory", err.Error())
}

func TestCatchTraps_hostPanicResumed(t *testing.T) {
	var th *Thread
	require.PanicsWithValue(t, "boom", func() {
		_ = CatchTraps(testCtx, nil, func(ctx context.Context) {
			th = State(ctx).Thread()
			panic("boom")
		})
	})
	require.Nil(t, th.Top())
}

func TestCatchTraps_nested(t *testing.T) {
	var innerErr error
	err := CatchTraps(testCtx, nil, func(ctx context.Context) {
		outer := State(ctx)
		innerErr = CatchTraps(ctx, nil, func(ctx context.Context) {
			inner := State(ctx)
			require.Equal(t, outer, inner.Prev())
			require.Equal(t, inner, outer.Thread().Top())
			RaiseLibTrap(ctx, api.TrapCodeBadSignature)
		})
		// the outer call is unaffected and still the top of the chain
		require.Equal(t, outer, outer.Thread().Top())
	})
	require.NoError(t, err)
	require.ErrorIs(t, innerErr, &api.Trap{Kind: api.TrapKindLib, Code: api.TrapCodeBadSignature})
}

func TestCatchTraps_hostPanicThroughNested(t *testing.T) {
	require.PanicsWithValue(t, "boom", func() {
		_ = CatchTraps(testCtx, nil, func(ctx context.Context) {
			_ = CatchTraps(ctx, nil, func(ctx context.Context) {
				panic("boom")
			})
			t.Fatal("host panic must not be swallowed by the inner call")
		})
	})
}

func TestCatchTraps_staleContextStartsNewChain(t *testing.T) {
	err := CatchTraps(testCtx, nil, func(ctx context.Context) {
		outer := State(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, CatchTraps(ctx, nil, func(ctx2 context.Context) {
				// ctx is owned by the parked outer call, so this is nested in it
				require.Equal(t, outer, State(ctx2).Prev())
			}))
		}()
		wg.Wait()

		inner := CatchTraps(ctx, nil, func(context.Context) {})
		require.NoError(t, inner)

		// a context whose state is not the top of its chain starts a new chain
		require.NoError(t, CatchTraps(ctx, nil, func(ctx2 context.Context) {
			require.NoError(t, CatchTraps(ctx, nil, func(ctx3 context.Context) {
				require.Nil(t, State(ctx3).Prev())
				require.NotEqual(t, outer.Thread(), State(ctx3).Thread())
			}))
			require.Equal(t, State(ctx2), outer.Thread().Top())
		}))
	})
	require.NoError(t, err)
}

func TestCatchTraps_threadIsolation(t *testing.T) {
	const goroutines = 16
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	release := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = CatchTraps(testCtx, nil, func(ctx context.Context) {
				<-release
				if i%2 == 0 {
					RaiseLibTrap(ctx, api.TrapCodeUnreachableCodeReached)
				}
			})
		}()
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if i%2 == 0 {
			require.ErrorIs(t, err, &api.Trap{Kind: api.TrapKindLib, Code: api.TrapCodeUnreachableCodeReached})
		} else {
			require.NoError(t, err)
		}
	}
}

func TestTakeRestore(t *testing.T) {
	err := CatchTraps(testCtx, nil, func(ctx context.Context) {
		s := State(ctx)
		token, err := Take(ctx)
		require.NoError(t, err)
		require.Nil(t, s.Thread().Top())

		// the detached chain can't be pushed on
		require.NoError(t, CatchTraps(ctx, nil, func(ctx2 context.Context) {
			require.Nil(t, State(ctx2).Prev())
		}))

		done := make(chan error)
		var back *Token
		go func() {
			restored, err := Restore(context.Background(), token)
			require.NoError(t, err)
			require.Equal(t, s, s.Thread().Top())

			done <- CatchTraps(restored, nil, func(ctx context.Context) {
				require.Equal(t, s, State(ctx).Prev())
				RaiseLibTrap(ctx, api.TrapCodeIntegerOverflow)
			})
			back, err = Take(restored)
			require.NoError(t, err)
			close(done)
		}()
		require.ErrorIs(t, <-done, &api.Trap{Kind: api.TrapKindLib, Code: api.TrapCodeIntegerOverflow})
		<-done

		_, err = Restore(ctx, token)
		require.EqualError(t, err, "token already restored")
		_, err = Restore(ctx, back)
		require.NoError(t, err)
		require.Equal(t, s, s.Thread().Top())
	})
	require.NoError(t, err)
}

func TestTake_notTop(t *testing.T) {
	_, err := Take(testCtx)
	require.EqualError(t, err, "context has no call thread state")

	err = CatchTraps(testCtx, nil, func(ctx context.Context) {
		require.NoError(t, CatchTraps(ctx, nil, func(context.Context) {
			_, err := Take(ctx)
			require.EqualError(t, err, "call thread state is not the top of its chain")
		}))
	})
	require.NoError(t, err)
}

func TestEnter_stackOverflow(t *testing.T) {
	var depth uint32
	var recurse func(ctx context.Context)
	recurse = func(ctx context.Context) {
		Enter(ctx, 0, "")
		depth = State(ctx).Depth()
		recurse(ctx)
		Leave(ctx)
	}
	err := CatchTraps(testCtx, &Options{MaxDepth: 50}, recurse)
	require.ErrorIs(t, err, &api.Trap{Kind: api.TrapKindLib, Code: api.TrapCodeStackOverflow})
	require.Equal(t, uint32(50), depth)

	// the limit is re-armed for the next call
	err = CatchTraps(testCtx, &Options{MaxDepth: 50}, func(ctx context.Context) {
		for i := 0; i < 40; i++ {
			Enter(ctx, 0, "")
		}
		for i := 0; i < 40; i++ {
			Leave(ctx)
		}
		require.Zero(t, State(ctx).Depth())
	})
	require.NoError(t, err)
}

func TestEnter_nestedInheritsDepth(t *testing.T) {
	err := CatchTraps(testCtx, &Options{MaxDepth: 3}, func(ctx context.Context) {
		Enter(ctx, 0, "")
		Enter(ctx, 0, "")
		err := CatchTraps(ctx, nil, func(ctx context.Context) {
			require.Equal(t, uint32(2), State(ctx).Depth())
			Enter(ctx, 0, "")
			Enter(ctx, 0, "")
		})
		require.ErrorIs(t, err, &api.Trap{Kind: api.TrapKindLib, Code: api.TrapCodeStackOverflow})
		require.Equal(t, uint32(2), State(ctx).Depth())
	})
	require.NoError(t, err)
}

func TestCatchTraps_guestDivideByZero(t *testing.T) {
	err := CatchTraps(testCtx, nil, func(ctx context.Context) {
		guestDiv(10, 0)
	})

	var trap *api.Trap
	require.True(t, errors.As(err, &trap))
	require.Equal(t, api.TrapKindWasm, trap.Kind)
	require.Equal(t, api.TrapCodeIntegerDivisionByZero, trap.Code)
	require.True(t, IsRegisteredGuestPC(trap.PC))

	frames := trap.Backtrace.Frames()
	require.NotEmpty(t, frames)
	require.Equal(t, "test.div", frames[0].Function)
}

func TestCatchTraps_sharedCodeFrameNames(t *testing.T) {
	entry := reflectPC(guestDiv)

	tests := []struct {
		name     string
		enter    []string
		expected []string
	}{
		{name: "one name", enter: []string{"a.div"}, expected: []string{"a.div"}},
		{name: "other name", enter: []string{"b.div"}, expected: []string{"b.div"}},
		{name: "nested", enter: []string{"a.div", "b.div"}, expected: []string{"b.div"}},
		{name: "not entered", expected: []string{"test.div"}},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			err := CatchTraps(testCtx, nil, func(ctx context.Context) {
				for _, name := range tc.enter {
					Enter(ctx, entry, name)
				}
				guestDiv(10, 0)
			})

			var trap *api.Trap
			require.True(t, errors.As(err, &trap))
			var names []string
			for _, f := range trap.Backtrace.Frames() {
				names = append(names, f.Function)
			}
			require.Equal(t, tc.expected, names)
		})
	}

	t.Run("frames left", func(t *testing.T) {
		err := CatchTraps(testCtx, nil, func(ctx context.Context) {
			Enter(ctx, entry, "a.div")
			Leave(ctx)
			guestDiv(10, 0)
		})

		var trap *api.Trap
		require.True(t, errors.As(err, &trap))
		require.Equal(t, "test.div", trap.Backtrace.Frames()[0].Function)
	})
}

func TestCatchTraps_hostDivideByZeroResumed(t *testing.T) {
	captured := capturePanic(func() {
		_ = CatchTraps(testCtx, nil, func(ctx context.Context) {
			hostDiv(10, 0)
		})
	})
	err, ok := captured.(runtime.Error)
	require.True(t, ok)
	require.EqualError(t, err, "runtime error: integer divide by zero")
}

func TestCatchTraps_guestHeapFault(t *testing.T) {
	if !platform.MemoryReservationSupported {
		t.Skip()
	}
	region, err := platform.ReserveMemory(2 * 65536)
	require.NoError(t, err)
	defer platform.ReleaseMemory(region) //nolint
	require.NoError(t, platform.CommitMemory(region, 65536))
	unregister := RegisterHeap(uintptr(unsafe.Pointer(&region[0])), uintptr(len(region)))
	defer unregister()

	base := unsafe.Pointer(&region[0])
	err = CatchTraps(testCtx, nil, func(ctx context.Context) {
		require.Zero(t, guestLoad(base, 65532))
		guestLoad(base, 65534)
	})

	var trap *api.Trap
	require.True(t, errors.As(err, &trap))
	require.Equal(t, api.TrapKindWasm, trap.Kind)
	require.Equal(t, api.TrapCodeHeapAccessOutOfBounds, trap.Code)
	require.NotEmpty(t, trap.Backtrace.Frames())
	require.Equal(t, "test.load", trap.Backtrace.Frames()[0].Function)
}

func TestCatchTraps_trapHandler(t *testing.T) {
	defer logging.SetLogger(nil)
	core, logs := observer.New(zapcore.WarnLevel)
	logging.SetLogger(zap.New(core))

	t.Run("not consumed", func(t *testing.T) {
		var seen *api.Fault
		err := CatchTraps(testCtx, &Options{Handler: func(f *api.Fault) bool {
			seen = f
			return false
		}}, func(ctx context.Context) {
			guestDiv(1, 0)
		})
		require.ErrorIs(t, err, &api.Trap{Kind: api.TrapKindWasm, Code: api.TrapCodeIntegerDivisionByZero})
		require.NotNil(t, seen)
		require.NotZero(t, seen.PC)
	})

	t.Run("consumed is forwarded", func(t *testing.T) {
		captured := capturePanic(func() {
			_ = CatchTraps(testCtx, &Options{Handler: func(*api.Fault) bool { return true }}, func(ctx context.Context) {
				guestDiv(1, 0)
			})
		})
		_, ok := captured.(runtime.Error)
		require.True(t, ok)
		require.Equal(t, 1, logs.FilterMessage("fault consumed by trap handler").Len())
	})

	t.Run("double fault", func(t *testing.T) {
		captured := capturePanic(func() {
			_ = CatchTraps(testCtx, nil, func(ctx context.Context) {
				// enclosing calls forward a double fault too
				_ = CatchTraps(ctx, &Options{Handler: func(*api.Fault) bool { panic("handler") }}, func(ctx context.Context) {
					guestDiv(1, 0)
				})
			})
		})
		double, ok := captured.(*DoubleFault)
		require.True(t, ok)
		require.Equal(t, "handler", double.Payload)
	})
}

func TestCatchTraps_restoresPanicOnFault(t *testing.T) {
	old := debug.SetPanicOnFault(false)
	defer debug.SetPanicOnFault(old)

	require.NoError(t, CatchTraps(testCtx, nil, func(ctx context.Context) {
		require.True(t, debug.SetPanicOnFault(true))
	}))
	require.False(t, debug.SetPanicOnFault(false))
}

func TestInHeap(t *testing.T) {
	unregisterA := RegisterHeap(0x1000, 0x1000)
	unregisterB := RegisterHeap(0x8000, 0x100)
	require.True(t, InHeap(0x1000))
	require.True(t, InHeap(0x1fff))
	require.False(t, InHeap(0x2000))
	require.True(t, InHeap(0x80ff))
	require.False(t, InHeap(0x0fff))

	unregisterA()
	unregisterA()
	require.False(t, InHeap(0x1000))
	require.True(t, InHeap(0x8000))
	unregisterB()
	require.False(t, InHeap(0x8000))
}

func TestFaultingPC_noPanic(t *testing.T) {
	var pcs [8]uintptr
	n := runtime.Callers(0, pcs[:])
	require.Zero(t, faultingPC(pcs[:n]))
}

func reflectPC(fn func(a, b int32) int32) uintptr {
	return RegisterGuestFunction(fn, "test.div")
}

func capturePanic(fn func()) (captured interface{}) {
	defer func() { captured = recover() }()
	fn()
	return
}
