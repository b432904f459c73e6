package wazerocore

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/builtins"
	"github.com/tetratelabs/wazerocore/internal/dispatch"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// ModuleBuilder is a way to define an instance out of compiled guest functions, linear memories, tables and
// globals. Each definition is numbered in the order it is added, per kind: that number is the index compiled code
// uses to reach it through its *vmctx.ExecutionContext.
//
// Ex. Below defines and instantiates a module named "math" with one memory and one function reading it:
//
//	load := func(_ context.Context, vm *vmctx.ExecutionContext, addr uint32) uint32 {
//		return builtins.I32Load(vm, addr, 0)
//	}
//	inst, _ := r.NewModuleBuilder("math").
//		NewMemory("memory", 1, 1).
//		NewFunction("load", load).
//		Instantiate(ctx)
//
// Note: Errors are deferred until Instantiate.
type ModuleBuilder interface {
	// ImportFunction appends fn to the imported functions. fn must have been created by the same Runtime: a host
	// function or an exported function of another instance.
	ImportFunction(fn api.Function) ModuleBuilder

	// NewFunction appends a compiled guest function exported under name. body must be a func accepting a
	// context.Context and a *vmctx.ExecutionContext, followed by the params of the function.
	//
	// Faults raised while body runs, ex. an access to an inaccessible page of a guarded memory, are converted into
	// Wasm traps, and body appears in trap backtraces as "moduleName.name".
	NewFunction(name string, body interface{}) ModuleBuilder

	// NewMemory appends a linear memory of minPages growable to maxPages, exported under name if not empty.
	NewMemory(name string, minPages, maxPages uint32) ModuleBuilder

	// NewTable appends a table of type typ. Elements of a funcref table are initialized from the functions named,
	// in order from index zero: names of imported functions or of functions added with NewFunction.
	NewTable(typ api.ValueType, minElements uint32, maxElements *uint32, elements ...string) ModuleBuilder

	// ExportTable exports the table at index under name.
	ExportTable(name string, index uint32) ModuleBuilder

	// NewGlobal appends a global with the raw initial value init, exported under name if not empty.
	NewGlobal(name string, typ api.ValueType, mutable bool, init uint64) ModuleBuilder

	// WithTrapHandler sets the handler consulted for faults raised by the guest functions of the instance.
	WithTrapHandler(h api.TrapHandler) ModuleBuilder

	// Instantiate binds the definitions to a new instance.
	Instantiate(ctx context.Context) (*Instance, error)
}

type functionDefinition struct {
	name string
	body interface{}
}

type memoryDefinition struct {
	name               string
	minPages, maxPages uint32
}

type tableDefinition struct {
	typ         api.ValueType
	minElements uint32
	maxElements *uint32
	elements    []string
}

type globalDefinition struct {
	name    string
	typ     api.ValueType
	mutable bool
	init    uint64
}

// moduleBuilder implements ModuleBuilder
type moduleBuilder struct {
	r                 *runtime
	moduleName        string
	imports           []*function
	functions         []functionDefinition
	exportedFunctions map[string]uint32
	memories          []memoryDefinition
	tables            []tableDefinition
	exportedTables    map[string]uint32
	globals           []globalDefinition
	handler           api.TrapHandler
	err               error
}

func (b *moduleBuilder) fail(err error) ModuleBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// ImportFunction implements ModuleBuilder.ImportFunction
func (b *moduleBuilder) ImportFunction(fn api.Function) ModuleBuilder {
	f, ok := fn.(*function)
	if !ok || f == nil {
		return b.fail(errors.Errorf("%s: imported function %T is not a function of this package", b.moduleName, fn))
	}
	if f.r != b.r {
		return b.fail(errors.Errorf("%s: imported function %s is owned by another runtime", b.moduleName, f.Name()))
	}
	b.imports = append(b.imports, f)
	return b
}

// NewFunction implements ModuleBuilder.NewFunction
func (b *moduleBuilder) NewFunction(name string, body interface{}) ModuleBuilder {
	if _, ok := b.exportedFunctions[name]; ok {
		return b.fail(errors.Errorf("%s: function %s is already defined", b.moduleName, name))
	}
	b.exportedFunctions[name] = uint32(len(b.functions))
	b.functions = append(b.functions, functionDefinition{name: name, body: body})
	return b
}

// NewMemory implements ModuleBuilder.NewMemory
func (b *moduleBuilder) NewMemory(name string, minPages, maxPages uint32) ModuleBuilder {
	b.memories = append(b.memories, memoryDefinition{name: name, minPages: minPages, maxPages: maxPages})
	return b
}

// NewTable implements ModuleBuilder.NewTable
func (b *moduleBuilder) NewTable(typ api.ValueType, minElements uint32, maxElements *uint32, elements ...string) ModuleBuilder {
	b.tables = append(b.tables, tableDefinition{typ: typ, minElements: minElements, maxElements: maxElements, elements: elements})
	return b
}

// ExportTable implements ModuleBuilder.ExportTable
func (b *moduleBuilder) ExportTable(name string, index uint32) ModuleBuilder {
	if b.exportedTables == nil {
		b.exportedTables = map[string]uint32{}
	}
	b.exportedTables[name] = index
	return b
}

// NewGlobal implements ModuleBuilder.NewGlobal
func (b *moduleBuilder) NewGlobal(name string, typ api.ValueType, mutable bool, init uint64) ModuleBuilder {
	b.globals = append(b.globals, globalDefinition{name: name, typ: typ, mutable: mutable, init: init})
	return b
}

// WithTrapHandler implements ModuleBuilder.WithTrapHandler
func (b *moduleBuilder) WithTrapHandler(h api.TrapHandler) ModuleBuilder {
	b.handler = h
	return b
}

// Instantiate implements ModuleBuilder.Instantiate
func (b *moduleBuilder) Instantiate(context.Context) (*Instance, error) {
	if b.err != nil {
		return nil, b.err
	}
	for name, index := range b.exportedTables {
		if index >= uint32(len(b.tables)) {
			return nil, errors.Errorf("%s: exported table %s has index %d, but there are %d tables", b.moduleName, name, index, len(b.tables))
		}
	}

	store := b.r.store
	vm := vmctx.New(b.moduleName, vmctx.Shape{
		ImportedFunctions: uint32(len(b.imports)),
		Functions:         uint32(len(b.functions)),
		Memories:          uint32(len(b.memories)),
		Tables:            uint32(len(b.tables)),
		Globals:           uint32(len(b.globals)),
		Builtins:          builtins.Count,
	}, store)

	i := &Instance{
		name:          b.moduleName,
		r:             b.r,
		vm:            vm,
		exports:       make(map[string]*function, len(b.functions)),
		memoryExports: map[string]uint32{},
		tableExports:  b.exportedTables,
		globalExports: map[string]uint32{},
	}
	if err := b.instantiate(i); err != nil {
		i.release()
		return nil, err
	}
	if err := b.r.register(i); err != nil {
		i.release()
		return nil, err
	}

	b.r.logger.Debug("instantiated",
		zap.String("module", b.moduleName),
		zap.Int("imports", len(b.imports)),
		zap.Int("functions", len(b.functions)),
		zap.Int("memories", len(b.memories)),
		zap.Int("tables", len(b.tables)),
		zap.Int("globals", len(b.globals)))
	return i, nil
}

// instantiate fills the execution context of i. Resources allocated before an error are released by the caller.
func (b *moduleBuilder) instantiate(i *Instance) error {
	vm, store := i.vm, b.r.store
	byName := make(map[string]*vmctx.CalleeRecord, len(b.imports)+len(b.functions))

	for idx, imp := range b.imports {
		vm.SetImportedFunction(uint32(idx), imp.record)
		byName[imp.Name()] = imp.record
	}

	i.functions = make([]*function, len(b.functions))
	for idx, def := range b.functions {
		rec, err := dispatch.NewStatic(b.moduleName+"."+def.name, def.body, store, true)
		if err != nil {
			return errors.Wrapf(err, "%s: function[%d]", b.moduleName, idx)
		}
		rec = rec.Bind(vm)
		vm.SetFunction(uint32(idx), rec)
		f := &function{r: b.r, record: rec, instance: i}
		i.functions[idx] = f
		i.exports[def.name] = f
		byName[def.name] = rec
	}

	cfg := b.r.config.memoryConfig()
	for idx, def := range b.memories {
		m, err := vmctx.NewMemoryInstance(def.minPages, def.maxPages, cfg)
		if err != nil {
			return errors.Wrapf(err, "%s: memory[%d]", b.moduleName, idx)
		}
		i.memories = append(i.memories, m)
		vm.SetMemory(uint32(idx), m)
		if def.name != "" {
			i.memoryExports[def.name] = uint32(idx)
		}
	}

	for idx, def := range b.tables {
		t, err := vmctx.NewTable(def.typ, def.minElements, def.maxElements)
		if err != nil {
			return errors.Wrapf(err, "%s: table[%d]", b.moduleName, idx)
		}
		if uint32(len(def.elements)) > t.Size() {
			return errors.Errorf("%s: table[%d] has %d elements, but a size of %d", b.moduleName, idx, len(def.elements), t.Size())
		}
		for e, name := range def.elements {
			rec, ok := byName[name]
			if !ok {
				return errors.Errorf("%s: table[%d] element[%d] references unknown function %s", b.moduleName, idx, e, name)
			}
			if !t.Set(uint32(e), rec) {
				return errors.Errorf("%s: table[%d] element[%d] can't hold function %s", b.moduleName, idx, e, name)
			}
		}
		vm.SetTable(uint32(idx), t)
	}

	for idx, def := range b.globals {
		vm.DefineGlobal(uint32(idx), def.typ, def.mutable, def.init)
		if def.name != "" {
			i.globalExports[def.name] = uint32(idx)
		}
	}

	if err := builtins.Install(vm); err != nil {
		return err
	}
	vm.SetTrapHandler(b.handler)
	return vm.Validate()
}
