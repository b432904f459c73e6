package traps

import (
	"reflect"
	"runtime"
	"sort"
	"sync"
)

// guestFunctions maps the entry PC of each registered guest function to its name.
var guestFunctions sync.Map

// helpers holds the entry PC of runtime helpers called by guest code, ex. memory accessors. Faults they raise are
// guest faults, but they don't appear in backtraces.
var helpers sync.Map

// RegisterGuestFunction records fn, which must be a func value, as guest code so faults it raises are converted
// into traps and its frames appear in backtraces under name. It returns the entry PC of fn.
//
// Closures created from the same function literal share their code, so they share one registration.
func RegisterGuestFunction(fn interface{}, name string) uintptr {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		panic("BUG: RegisterGuestFunction with non-function " + v.Kind().String())
	}
	pc := funcEntry(v)
	guestFunctions.Store(pc, name)
	return pc
}

// RegisterHelper records fn, which must be a func value, as a runtime helper of guest code: faults it raises are
// converted into traps as if raised by its guest caller.
func RegisterHelper(fn interface{}) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		panic("BUG: RegisterHelper with non-function " + v.Kind().String())
	}
	helpers.Store(funcEntry(v), struct{}{})
}

func funcEntry(v reflect.Value) uintptr {
	pc := v.Pointer()
	if f := runtime.FuncForPC(pc); f != nil {
		pc = f.Entry()
	}
	return pc
}

// IsRegisteredGuestPC reports whether pc is inside a function registered with RegisterGuestFunction or
// RegisterHelper.
func IsRegisteredGuestPC(pc uintptr) bool {
	f := runtime.FuncForPC(pc)
	if f == nil {
		return false
	}
	if _, ok := helpers.Load(f.Entry()); ok {
		return true
	}
	_, ok := guestEntryName(f.Entry())
	return ok
}

func guestEntryName(entry uintptr) (string, bool) {
	v, ok := guestFunctions.Load(entry)
	if !ok {
		return "", false
	}
	return v.(string), true
}

type heapRange struct {
	start, end uintptr
}

// heaps are the reserved address ranges of guarded linear memories, sorted by start.
var heaps struct {
	mu     sync.RWMutex
	ranges []heapRange
}

// RegisterHeap records [start, start+size) as linear memory, including its guard region, so that faults on it
// are classified as out of bounds memory accesses. The returned function unregisters it.
func RegisterHeap(start, size uintptr) (unregister func()) {
	r := heapRange{start: start, end: start + size}
	heaps.mu.Lock()
	i := sort.Search(len(heaps.ranges), func(i int) bool { return heaps.ranges[i].start >= start })
	heaps.ranges = append(heaps.ranges, heapRange{})
	copy(heaps.ranges[i+1:], heaps.ranges[i:])
	heaps.ranges[i] = r
	heaps.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			heaps.mu.Lock()
			defer heaps.mu.Unlock()
			for i := range heaps.ranges {
				if heaps.ranges[i] == r {
					heaps.ranges = append(heaps.ranges[:i], heaps.ranges[i+1:]...)
					return
				}
			}
		})
	}
}

// InHeap reports whether addr is inside a registered heap.
func InHeap(addr uintptr) bool {
	heaps.mu.RLock()
	defer heaps.mu.RUnlock()
	i := sort.Search(len(heaps.ranges), func(i int) bool { return heaps.ranges[i].end > addr })
	return i < len(heaps.ranges) && heaps.ranges[i].start <= addr
}
