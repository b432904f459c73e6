// Package traps implements protected calls: the per-goroutine chain of call thread states, the non-local exit of
// a guest call with a typed reason, and the conversion of Go runtime faults raised by guest code into traps.
//
// A protected call arms panic-on-fault for its goroutine and recovers every panic raised below it. Explicit traps
// store their reason in the innermost call thread state and panic with that state's jump token, so the frame that
// armed it, and only that frame, resumes with the reason.
package traps

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tetratelabs/wazerocore/internal/logging"
)

// process is the process-wide fault handling state. It is written once by Init.
var process struct {
	once      sync.Once
	installs  atomic.Int32
	isGuestPC func(pc uintptr) bool
}

// Init installs the process-wide fault classification, using isGuestPC to decide if a faulting program counter
// belongs to guest code. A nil isGuestPC uses the registry of RegisterGuestFunction.
//
// Only the first call has an effect. CatchTraps calls Init(nil) if the embedder didn't.
func Init(isGuestPC func(pc uintptr) bool) {
	process.once.Do(func() {
		custom := isGuestPC != nil
		if !custom {
			isGuestPC = IsRegisteredGuestPC
		}
		process.isGuestPC = isGuestPC
		process.installs.Add(1)
		logging.Logger().Debug("trap handling initialized", zap.Bool("custom_guest_pc", custom))
	})
}

// Installs returns how many times the process-wide state was installed, which is at most one.
func Installs() int32 {
	return process.installs.Load()
}

// IsGuestPC reports whether pc belongs to guest code according to the predicate installed by Init.
func IsGuestPC(pc uintptr) bool {
	Init(nil)
	return process.isGuestPC(pc)
}
