package vmctx

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tetratelabs/wazerocore/api"
)

// Reference is an element of a Table: a *CalleeRecord in a funcref table, any host value in an externref table,
// and nil for null.
type Reference = interface{}

// Table is a table of references.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type Table struct {
	mu        sync.RWMutex
	typ       api.ValueType
	elements  []Reference
	max       *uint32
	observers []func()
}

// NewTable returns a table of minElements null references of the given reference type.
func NewTable(typ api.ValueType, minElements uint32, maxElements *uint32) (*Table, error) {
	if !api.IsReference(typ) {
		return nil, errors.Errorf("table type %s is not a reference type", api.ValueTypeName(typ))
	}
	if maxElements != nil && minElements > *maxElements {
		return nil, errors.Errorf("table size minimum must not be greater than maximum")
	}
	return &Table{typ: typ, elements: make([]Reference, minElements), max: maxElements}, nil
}

// Type returns the reference type of the elements.
func (t *Table) Type() api.ValueType {
	return t.typ
}

// Size returns the current number of elements.
func (t *Table) Size() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.elements))
}

// Base returns the address of the first element, zero for an empty table.
func (t *Table) Base() uintptr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.elements) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&t.elements[0]))
}

// OnGrow registers fn to be called after the elements were reallocated.
func (t *Table) OnGrow(fn func()) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Get returns the element at i, false when out of bounds.
func (t *Table) Get(i uint32) (Reference, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if uint64(i) >= uint64(len(t.elements)) {
		return nil, false
	}
	return t.elements[i], true
}

// Funcref returns the function at i. inBounds is false past the end of the table.
func (t *Table) Funcref(i uint32) (r *CalleeRecord, inBounds bool) {
	v, ok := t.Get(i)
	if !ok {
		return nil, false
	}
	r, _ = v.(*CalleeRecord)
	return r, true
}

// Set replaces the element at i, false when out of bounds or when v doesn't match the element type.
func (t *Table) Set(i uint32, v Reference) bool {
	if !t.accepts(v) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(i) >= uint64(len(t.elements)) {
		return false
	}
	t.elements[i] = v
	return true
}

func (t *Table) accepts(v Reference) bool {
	if v == nil || t.typ == api.ValueTypeExternref {
		return true
	}
	_, ok := v.(*CalleeRecord)
	return ok
}

// Grow appends delta elements initialized to init and returns the previous size, false if the table would grow past
// its maximum.
//
// See https://webassembly.github.io/spec/core/exec/instructions.html#xref-syntax-instructions-syntax-instr-table-mathsf-table-grow-x
func (t *Table) Grow(delta uint32, init Reference) (previous uint32, ok bool) {
	if !t.accepts(init) {
		return 0, false
	}
	t.mu.Lock()
	previous = uint32(len(t.elements))
	if delta == 0 {
		t.mu.Unlock()
		return previous, true
	}
	newLen := uint64(previous) + uint64(delta)
	if newLen >= 1<<32 || (t.max != nil && newLen > uint64(*t.max)) {
		t.mu.Unlock()
		return 0, false
	}
	elements := make([]Reference, newLen)
	copy(elements, t.elements)
	for i := previous; uint64(i) < newLen; i++ {
		elements[i] = init
	}
	t.elements = elements
	observers := t.observers
	t.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
	return previous, true
}

// Fill sets n elements starting at offset to v, false when the range is out of bounds.
func (t *Table) Fill(offset uint32, v Reference, n uint32) bool {
	if !t.accepts(v) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(offset)+uint64(n) > uint64(len(t.elements)) {
		return false
	}
	fill := t.elements[uint64(offset) : uint64(offset)+uint64(n)]
	for i := range fill {
		fill[i] = v
	}
	return true
}

// CopyTable copies n elements of src at srcOffset to dst at dstOffset, false when either range is out of bounds or
// the element types differ. Overlapping ranges of the same table are copied as if through a temporary buffer.
func CopyTable(dst *Table, dstOffset uint32, src *Table, srcOffset, n uint32) bool {
	if dst.typ != src.typ {
		return false
	}
	switch {
	case dst == src:
		dst.mu.Lock()
		defer dst.mu.Unlock()
	case uintptr(unsafe.Pointer(dst)) < uintptr(unsafe.Pointer(src)):
		// Tables are locked in address order, so copies in opposite directions don't deadlock.
		dst.mu.Lock()
		defer dst.mu.Unlock()
		src.mu.RLock()
		defer src.mu.RUnlock()
	default:
		src.mu.RLock()
		defer src.mu.RUnlock()
		dst.mu.Lock()
		defer dst.mu.Unlock()
	}
	so, do, cnt := uint64(srcOffset), uint64(dstOffset), uint64(n)
	if so+cnt > uint64(len(src.elements)) || do+cnt > uint64(len(dst.elements)) {
		return false
	}
	copy(dst.elements[do:do+cnt], src.elements[so:so+cnt])
	return true
}

func (t *Table) String() string {
	return fmt.Sprintf("table(%s, %d)", api.ValueTypeName(t.typ), t.Size())
}
