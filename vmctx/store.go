package vmctx

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazerocore/api"
)

var storeIDs atomic.Uint64

// Store owns the signature registry and the reference handles of every instance and host function of one runtime.
// Reference values cross the raw slot convention as handles: zero is null and any other value is issued by the
// store that owns the referenced object.
type Store struct {
	id         uint64
	Signatures SignatureRegistry

	mu             sync.RWMutex
	funcrefs       []*CalleeRecord
	funcrefHandles map[*CalleeRecord]uint64
	externrefs     []interface{}
}

// NewStore returns an empty store using the given signature registry.
func NewStore(signatures SignatureRegistry) *Store {
	return &Store{
		id:             storeIDs.Add(1),
		Signatures:     signatures,
		funcrefHandles: map[*CalleeRecord]uint64{},
	}
}

// ID is unique per process.
func (s *Store) ID() uint64 {
	return s.id
}

// FuncrefHandle returns the handle of a function reference, zero for nil. Records of another store are rejected.
func (s *Store) FuncrefHandle(r *CalleeRecord) (uint64, error) {
	if r == nil {
		return 0, nil
	}
	if r.Store != s {
		return 0, s.foreign(r)
	}
	s.mu.RLock()
	h, ok := s.funcrefHandles[r]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.funcrefHandles[r]; !ok {
		s.funcrefs = append(s.funcrefs, r)
		h = uint64(len(s.funcrefs))
		s.funcrefHandles[r] = h
	}
	return h, nil
}

// Funcref returns the record of a handle issued by FuncrefHandle, nil for zero.
func (s *Store) Funcref(h uint64) (*CalleeRecord, bool) {
	if h == 0 {
		return nil, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h > uint64(len(s.funcrefs)) {
		return nil, false
	}
	return s.funcrefs[h-1], true
}

// ExternrefHandle returns a new handle for a host value, zero for nil. Handles live as long as the store.
func (s *Store) ExternrefHandle(v interface{}) uint64 {
	if v == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externrefs = append(s.externrefs, v)
	return uint64(len(s.externrefs))
}

// Externref returns the host value of a handle issued by ExternrefHandle, nil for zero.
func (s *Store) Externref(h uint64) (interface{}, bool) {
	if h == 0 {
		return nil, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h > uint64(len(s.externrefs)) {
		return nil, false
	}
	return s.externrefs[h-1], true
}

func (s *Store) foreign(r *CalleeRecord) error {
	return &api.ValidationError{
		Phase:    api.PhaseEncode,
		Kind:     api.KindForeignReference,
		Function: r.Name,
		Detail:   fmt.Sprintf("function reference owned by store %d used in store %d", storeID(r.Store), s.id),
	}
}

func storeID(s *Store) uint64 {
	if s == nil {
		return 0
	}
	return s.id
}
