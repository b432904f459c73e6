package traps

import (
	"runtime"
	"strings"
	"sync"

	"github.com/tetratelabs/wazerocore/api"
)

const maxBacktraceDepth = 64

// programCounters are reused across captures as runtime.Callers needs a buffer.
var programCounters = sync.Pool{
	New: func() interface{} {
		return &[maxBacktraceDepth]uintptr{}
	},
}

// captureBacktrace captures the program counters of the calling goroutine, starting at the caller of the function
// calling captureBacktrace when skip is 1. Frames are resolved lazily.
func captureBacktrace(skip int) *api.Backtrace {
	buf := programCounters.Get().(*[maxBacktraceDepth]uintptr)
	n := runtime.Callers(skip+2, buf[:])
	pcs := make([]uintptr, n)
	copy(pcs, buf[:n])
	programCounters.Put(buf)
	return api.NewBacktrace(pcs, resolveGuestFrames)
}

// resolveGuestFrames returns the frames of registered guest functions, innermost first. Frames inlined into the
// same guest function are reported once.
func resolveGuestFrames(pcs []uintptr) []api.Frame {
	return resolveShadowedFrames(pcs, nil)
}

// withShadowFrames returns bt resolving guest frame names from shadow, the functions entered on the chain when bt
// was captured, innermost first.
func withShadowFrames(bt *api.Backtrace, shadow []shadowFrame) *api.Backtrace {
	return api.NewBacktrace(bt.PCs(), func(pcs []uintptr) []api.Frame {
		return resolveShadowedFrames(pcs, shadow)
	})
}

// resolveShadowedFrames resolves pcs like resolveGuestFrames. Each guest frame takes its name from the next entry
// of shadow with the same entry PC, as functions registered under several names share their code. Frames missing
// from shadow use their registered name.
func resolveShadowedFrames(pcs []uintptr, shadow []shadowFrame) []api.Frame {
	var ret []api.Frame
	var last uintptr
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if name, ok := guestEntryName(f.Entry); ok && f.Entry != last {
			for i, sf := range shadow {
				if sf.entry == f.Entry {
					name, shadow = sf.name, shadow[i+1:]
					break
				}
			}
			ret = append(ret, api.Frame{Function: name, Symbol: f.Function, PC: f.PC, File: f.File, Line: f.Line})
		}
		last = f.Entry
		if !more {
			break
		}
	}
	return ret
}

// faultingPC returns the program counter of the frame that raised the panic being recovered, given the program
// counters captured inside the deferred function recovering it. Runtime frames between runtime.gopanic and the
// faulting frame, ex. runtime.sigpanic or runtime.panicdivide, are skipped.
func faultingPC(pcs []uintptr) uintptr {
	frames := runtime.CallersFrames(pcs)
	panicking := false
	for {
		f, more := frames.Next()
		switch {
		case !panicking:
			panicking = f.Function == "runtime.gopanic"
		case !strings.HasPrefix(f.Function, "runtime."):
			return f.PC
		}
		if !more {
			return 0
		}
	}
}
