package vmctx

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/traps"
)

// ExecutionContext is the per-instance state compiled functions receive as their first argument after the context.
//
// The arena is a slice of words laid out by Offsets which mirrors the typed regions: function records hold the code
// entry and signature id of the typed CalleeRecord, memory and table descriptors hold the current base and length
// of the typed instance, and globals live in the arena itself. Descriptors are updated when the instance they
// describe grows, so code reading the arena sees the current base and length.
type ExecutionContext struct {
	offsets Offsets
	words   []uint64
	name    string
	store   *Store

	imported  []*CalleeRecord
	functions []*CalleeRecord
	memories  []*MemoryInstance
	tables    []*Table
	globals   []globalType
	builtins  []Builtin

	handler api.TrapHandler

	mu    sync.Mutex
	cause error
}

type globalType struct {
	typ     api.ValueType
	mutable bool
	defined bool
}

// New returns a context of the given shape owned by store. Every region must be filled with the setters before
// the context runs code.
func New(name string, shape Shape, store *Store) *ExecutionContext {
	o := NewOffsets(shape)
	vm := &ExecutionContext{
		offsets:   o,
		words:     make([]uint64, o.Size()/WordSize),
		name:      name,
		store:     store,
		imported:  make([]*CalleeRecord, shape.ImportedFunctions),
		functions: make([]*CalleeRecord, shape.Functions),
		memories:  make([]*MemoryInstance, shape.Memories),
		tables:    make([]*Table, shape.Tables),
		globals:   make([]globalType, shape.Globals),
		builtins:  make([]Builtin, shape.Builtins),
	}
	vm.words[HeaderMagicOffset.word()] = Magic
	if store != nil {
		vm.words[HeaderStoreIDOffset.word()] = store.ID()
	}
	return vm
}

// Name is the name of the instance the context belongs to.
func (vm *ExecutionContext) Name() string {
	return vm.name
}

// Offsets returns the layout of the arena.
func (vm *ExecutionContext) Offsets() *Offsets {
	return &vm.offsets
}

// Store returns the store owning this context.
func (vm *ExecutionContext) Store() *Store {
	return vm.store
}

// Arena returns the address of the first word of the arena.
func (vm *ExecutionContext) Arena() uintptr {
	return uintptr(unsafe.Pointer(&vm.words[0]))
}

// Word returns the word at offset o of the arena.
func (vm *ExecutionContext) Word(o Offset) uint64 {
	return atomic.LoadUint64(&vm.words[o.word()])
}

func (vm *ExecutionContext) setWord(o Offset, v uint64) {
	atomic.StoreUint64(&vm.words[o.word()], v)
}

// Live reports whether the context was not closed.
func (vm *ExecutionContext) Live() bool {
	return vm.Word(HeaderMagicOffset) == Magic
}

// SetImportedFunction fills the record of imported function i.
func (vm *ExecutionContext) SetImportedFunction(i uint32, r *CalleeRecord) {
	vm.imported[i] = r
	vm.setRecord(vm.offsets.ImportedFunction(i), r)
}

// SetFunction fills the record of defined function i.
func (vm *ExecutionContext) SetFunction(i uint32, r *CalleeRecord) {
	vm.functions[i] = r
	vm.setRecord(vm.offsets.Function(i), r)
}

func (vm *ExecutionContext) setRecord(o Offset, r *CalleeRecord) {
	var env uintptr
	if r.Env != nil {
		env = uintptr(unsafe.Pointer(r.Env))
	}
	vm.setWord(o+FunctionRecordCodeOffset, uint64(r.Code))
	vm.setWord(o+FunctionRecordEnvOffset, uint64(env))
	vm.setWord(o+FunctionRecordSignatureOffset, uint64(r.SignatureID))
}

// ImportedFunction returns the record of imported function i.
func (vm *ExecutionContext) ImportedFunction(i uint32) *CalleeRecord {
	return vm.imported[i]
}

// Function returns the record of defined function i.
func (vm *ExecutionContext) Function(i uint32) *CalleeRecord {
	return vm.functions[i]
}

// SetMemory attaches memory i. Its descriptor follows the memory as it grows.
func (vm *ExecutionContext) SetMemory(i uint32, m *MemoryInstance) {
	vm.memories[i] = m
	publish := func() {
		vm.setWord(vm.offsets.MemoryBase(i), uint64(m.Base()))
		vm.setWord(vm.offsets.MemoryLength(i), m.Length())
	}
	publish()
	m.OnGrow(publish)
}

// Memory returns memory i.
func (vm *ExecutionContext) Memory(i uint32) *MemoryInstance {
	return vm.memories[i]
}

// MemoryBase returns the base address of memory i as last published in the arena.
func (vm *ExecutionContext) MemoryBase(i uint32) uintptr {
	return uintptr(vm.Word(vm.offsets.MemoryBase(i)))
}

// MemoryLength returns the length in bytes of memory i as last published in the arena.
func (vm *ExecutionContext) MemoryLength(i uint32) uint64 {
	return vm.Word(vm.offsets.MemoryLength(i))
}

// SetTable attaches table i. Its descriptor follows the table as it grows.
func (vm *ExecutionContext) SetTable(i uint32, t *Table) {
	vm.tables[i] = t
	publish := func() {
		vm.setWord(vm.offsets.TableBase(i), uint64(t.Base()))
		vm.setWord(vm.offsets.TableLength(i), uint64(t.Size()))
	}
	publish()
	t.OnGrow(publish)
}

// Table returns table i.
func (vm *ExecutionContext) Table(i uint32) *Table {
	return vm.tables[i]
}

// TableBase returns the elements address of table i as last published in the arena.
func (vm *ExecutionContext) TableBase(i uint32) uintptr {
	return uintptr(vm.Word(vm.offsets.TableBase(i)))
}

// TableLength returns the length of table i as last published in the arena.
func (vm *ExecutionContext) TableLength(i uint32) uint32 {
	return uint32(vm.Word(vm.offsets.TableLength(i)))
}

// DefineGlobal declares global i with its initial raw value.
func (vm *ExecutionContext) DefineGlobal(i uint32, typ api.ValueType, mutable bool, init uint64) {
	vm.globals[i] = globalType{typ: typ, mutable: mutable, defined: true}
	vm.setWord(vm.offsets.Global(i), init)
}

// GlobalSlot returns the arena slot of global i. Compiled code reads and writes it directly.
func (vm *ExecutionContext) GlobalSlot(i uint32) *uint64 {
	return &vm.words[vm.offsets.Global(i).word()]
}

// Global returns global i as an api.Global, which is also an api.MutableGlobal when the global is mutable.
func (vm *ExecutionContext) Global(i uint32) api.Global {
	g := &global{vm: vm, index: i}
	if vm.globals[i].mutable {
		return &mutableGlobal{g}
	}
	return g
}

// SetBuiltin installs builtin i, publishing its code entry in the arena.
func (vm *ExecutionContext) SetBuiltin(i uint32, b Builtin) {
	vm.builtins[i] = b
	vm.setWord(vm.offsets.Builtin(i), uint64(reflect.ValueOf(b).Pointer()))
}

// Builtin returns builtin i.
func (vm *ExecutionContext) Builtin(i uint32) Builtin {
	return vm.builtins[i]
}

// SetTrapHandler sets the handler consulted for faults raised by the guest code of this context.
func (vm *ExecutionContext) SetTrapHandler(h api.TrapHandler) {
	vm.handler = h
}

// TrapHandler returns the handler set with SetTrapHandler, nil by default.
func (vm *ExecutionContext) TrapHandler() api.TrapHandler {
	return vm.handler
}

// Interrupt requests running code to stop at its next interrupt check with a Lib trap caused by cause.
func (vm *ExecutionContext) Interrupt(cause error) {
	vm.mu.Lock()
	if vm.cause == nil {
		vm.cause = cause
	}
	vm.mu.Unlock()
	vm.setWord(HeaderInterruptOffset, 1)
}

// Interrupted reports whether Interrupt was called since the last ClearInterrupt.
func (vm *ExecutionContext) Interrupted() bool {
	return vm.Word(HeaderInterruptOffset) != 0
}

// InterruptCause returns the cause passed to the first Interrupt, nil if not interrupted.
func (vm *ExecutionContext) InterruptCause() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.cause
}

// ClearInterrupt resets the interrupt flag.
func (vm *ExecutionContext) ClearInterrupt() {
	vm.mu.Lock()
	vm.cause = nil
	vm.mu.Unlock()
	vm.setWord(HeaderInterruptOffset, 0)
}

// CheckInterrupt raises an Interrupt trap in the protected call of ctx if the context was interrupted.
func (vm *ExecutionContext) CheckInterrupt(ctx context.Context) {
	if vm.Word(HeaderInterruptOffset) != 0 {
		traps.RaiseLibTrapCause(ctx, api.TrapCodeInterrupt, vm.InterruptCause())
	}
}

// Validate returns an error if a region of the context was not filled.
func (vm *ExecutionContext) Validate() error {
	for i, r := range vm.imported {
		if r == nil {
			return errors.Errorf("%s: imported function[%d] is not set", vm.name, i)
		}
	}
	for i, r := range vm.functions {
		if r == nil {
			return errors.Errorf("%s: function[%d] is not set", vm.name, i)
		}
	}
	for i, m := range vm.memories {
		if m == nil {
			return errors.Errorf("%s: memory[%d] is not set", vm.name, i)
		}
	}
	for i, t := range vm.tables {
		if t == nil {
			return errors.Errorf("%s: table[%d] is not set", vm.name, i)
		}
	}
	for i, g := range vm.globals {
		if !g.defined {
			return errors.Errorf("%s: global[%d] is not set", vm.name, i)
		}
	}
	for i, b := range vm.builtins {
		if b == nil {
			return errors.Errorf("%s: builtin[%d] is not set", vm.name, i)
		}
	}
	return nil
}

// Close invalidates the context. Records bound to it must no longer be called.
func (vm *ExecutionContext) Close() {
	vm.setWord(HeaderMagicOffset, 0)
}

type global struct {
	vm    *ExecutionContext
	index uint32
}

// Type implements api.Global.
func (g *global) Type() api.ValueType {
	return g.vm.globals[g.index].typ
}

// Get implements api.Global.
func (g *global) Get() uint64 {
	return atomic.LoadUint64(g.vm.GlobalSlot(g.index))
}

func (g *global) String() string {
	return api.ValueFromBits(g.Type(), g.Get()).String()
}

type mutableGlobal struct {
	*global
}

// Set implements api.MutableGlobal.
func (g *mutableGlobal) Set(v uint64) {
	atomic.StoreUint64(g.vm.GlobalSlot(g.index), v)
}
