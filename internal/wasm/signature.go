// Package wasm holds the store-level registries shared by every instance of a runtime.
package wasm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// maximumFunctionTypes represents the limit on the number of function types in a store.
const maximumFunctionTypes = 1 << 27

// SignatureRegistry assigns a stable vmctx.SignatureID to each structural function type. Two types with the same
// params and results always get the same ID, which is what indirect calls compare.
type SignatureRegistry struct {
	mu    sync.RWMutex
	ids   map[string]vmctx.SignatureID
	types []*api.FunctionType

	// maximumFunctionTypes is fixed to 2^27 but is a field for testability.
	maximumFunctionTypes int
}

// NewSignatureRegistry returns an empty registry.
func NewSignatureRegistry() *SignatureRegistry {
	return &SignatureRegistry{ids: map[string]vmctx.SignatureID{}, maximumFunctionTypes: maximumFunctionTypes}
}

// Register implements the same method as documented on vmctx.SignatureRegistry.
func (r *SignatureRegistry) Register(ft *api.FunctionType) (vmctx.SignatureID, error) {
	if ft == nil {
		return vmctx.UninitializedSignatureID, errors.New("nil function type")
	}
	key := ft.String()
	r.mu.RLock()
	id, ok := r.ids[key]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok = r.ids[key]; ok {
		return id, nil
	}
	if len(r.types) >= r.maximumFunctionTypes {
		return vmctx.UninitializedSignatureID, errors.New("too many function types in a store")
	}
	id = vmctx.SignatureID(len(r.types))
	r.ids[key] = id
	// Copy so that later changes to the caller's type don't alter the registered one.
	r.types = append(r.types, &api.FunctionType{
		Params:  append([]api.ValueType(nil), ft.Params...),
		Results: append([]api.ValueType(nil), ft.Results...),
	})
	return id, nil
}

// Lookup implements the same method as documented on vmctx.SignatureRegistry.
func (r *SignatureRegistry) Lookup(id vmctx.SignatureID) (*api.FunctionType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if uint64(id) >= uint64(len(r.types)) {
		return nil, false
	}
	return r.types[id], true
}

// Len returns the number of registered types.
func (r *SignatureRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

var _ vmctx.SignatureRegistry = (*SignatureRegistry)(nil)
