// Package vmctx defines the execution context compiled functions receive, the callee records they call through and
// the raw slot calling convention shared by trampolines, builtins and the invocation bridge.
//
// The layout of an ExecutionContext is a word arena whose region offsets are computed once per module shape by
// NewOffsets. Code generators address it through Offsets, and Go code through the typed accessors of
// ExecutionContext.
package vmctx

// Offset represents an offset in bytes into the arena of an ExecutionContext.
type Offset int32

// U32 encodes an Offset as uint32 for convenience.
func (o Offset) U32() uint32 {
	return uint32(o)
}

// I64 encodes an Offset as int64 for convenience.
func (o Offset) I64() int64 {
	return int64(o)
}

// word returns the index of the arena word at this offset.
func (o Offset) word() int {
	return int(o) / WordSize
}

const (
	// WordSize is the size of each arena slot.
	WordSize = 8

	// HeaderMagicOffset holds Magic, to detect a stale or foreign context pointer.
	HeaderMagicOffset Offset = 0
	// HeaderInterruptOffset is non-zero once the context was interrupted.
	HeaderInterruptOffset Offset = 8
	// HeaderStoreIDOffset holds the ID of the store that owns the context.
	HeaderStoreIDOffset Offset = 16
	// HeaderSize is the size of the fixed header preceding the regions.
	HeaderSize = 24

	// FunctionRecordSize is the size of an imported or defined function record:
	//	code entry, environment, signature id
	FunctionRecordSize = 3 * WordSize
	// FunctionRecordCodeOffset is the offset of the code entry within a function record.
	FunctionRecordCodeOffset Offset = 0
	// FunctionRecordEnvOffset is the offset of the callee environment within a function record.
	FunctionRecordEnvOffset Offset = 8
	// FunctionRecordSignatureOffset is the offset of the signature id within a function record.
	FunctionRecordSignatureOffset Offset = 16

	// MemoryDescriptorSize is the size of a memory descriptor: base pointer, current length in bytes.
	MemoryDescriptorSize = 2 * WordSize
	// TableDescriptorSize is the size of a table descriptor: elements pointer, current length.
	TableDescriptorSize = 2 * WordSize
	// GlobalSize is the size of a global slot.
	GlobalSize = WordSize
	// BuiltinSize is the size of a builtin table entry: its code entry.
	BuiltinSize = WordSize

	// Magic is stored at HeaderMagicOffset of every live context: "vmctx" in ASCII.
	Magic = 0x766d637478
)

// Shape is the number of entries of each region of an ExecutionContext, fixed per module.
type Shape struct {
	ImportedFunctions uint32
	Functions         uint32
	Memories          uint32
	Tables            uint32
	Globals           uint32
	Builtins          uint32
}

// Offsets are the offsets of each region of an ExecutionContext of one Shape. They are computed once per module
// and shared between the code generator and the runtime.
//
// The layout is
//
//	header               HeaderSize
//	imported functions   ImportedFunctions * FunctionRecordSize
//	functions            Functions * FunctionRecordSize
//	memories             Memories * MemoryDescriptorSize
//	tables               Tables * TableDescriptorSize
//	globals              Globals * GlobalSize
//	builtins             Builtins * BuiltinSize
type Offsets struct {
	Shape

	ImportedFunctionsBegin Offset
	FunctionsBegin         Offset
	MemoriesBegin          Offset
	TablesBegin            Offset
	GlobalsBegin           Offset
	BuiltinsBegin          Offset
	TotalSize              Offset
}

// NewOffsets computes the Offsets of an ExecutionContext of the given shape.
func NewOffsets(s Shape) Offsets {
	o := Offsets{Shape: s}
	o.ImportedFunctionsBegin = HeaderSize
	o.FunctionsBegin = o.ImportedFunctionsBegin + Offset(s.ImportedFunctions)*FunctionRecordSize
	o.MemoriesBegin = o.FunctionsBegin + Offset(s.Functions)*FunctionRecordSize
	o.TablesBegin = o.MemoriesBegin + Offset(s.Memories)*MemoryDescriptorSize
	o.GlobalsBegin = o.TablesBegin + Offset(s.Tables)*TableDescriptorSize
	o.BuiltinsBegin = o.GlobalsBegin + Offset(s.Globals)*GlobalSize
	o.TotalSize = o.BuiltinsBegin + Offset(s.Builtins)*BuiltinSize
	return o
}

// Size returns the size of total bytes of the arena.
func (o *Offsets) Size() int {
	return int(o.TotalSize)
}

// ImportedFunction returns the offset of the record of the imported function i.
func (o *Offsets) ImportedFunction(i uint32) Offset {
	return o.ImportedFunctionsBegin + Offset(i)*FunctionRecordSize
}

// Function returns the offset of the record of the defined function i.
func (o *Offsets) Function(i uint32) Offset {
	return o.FunctionsBegin + Offset(i)*FunctionRecordSize
}

// MemoryBase returns the offset of the base pointer of memory i.
func (o *Offsets) MemoryBase(i uint32) Offset {
	return o.MemoriesBegin + Offset(i)*MemoryDescriptorSize
}

// MemoryLength returns the offset of the length in bytes of memory i.
func (o *Offsets) MemoryLength(i uint32) Offset {
	return o.MemoryBase(i) + WordSize
}

// TableBase returns the offset of the elements pointer of table i.
func (o *Offsets) TableBase(i uint32) Offset {
	return o.TablesBegin + Offset(i)*TableDescriptorSize
}

// TableLength returns the offset of the length of table i.
func (o *Offsets) TableLength(i uint32) Offset {
	return o.TableBase(i) + WordSize
}

// Global returns the offset of the slot of global i.
func (o *Offsets) Global(i uint32) Offset {
	return o.GlobalsBegin + Offset(i)*GlobalSize
}

// Builtin returns the offset of the entry of builtin i.
func (o *Offsets) Builtin(i uint32) Offset {
	return o.BuiltinsBegin + Offset(i)*BuiltinSize
}
