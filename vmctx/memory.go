package vmctx

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/platform"
	"github.com/tetratelabs/wazerocore/internal/traps"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	MemoryPageSize = uint32(65536)
	// MemoryLimitPages is maximum number of pages defined (2^16).
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
	MemoryLimitPages = uint32(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16

	// DefaultMemoryGuardSize is the size of the inaccessible region reserved after the maximum length of a memory.
	DefaultMemoryGuardSize = uint64(MemoryPageSize)
)

// ErrCommitFailed is the cause of a grow within the limits of a memory whose pages couldn't be made accessible.
var ErrCommitFailed = errors.New("committing memory failed")

// commitMemory is replaced in tests to simulate an exhausted host.
var commitMemory = platform.CommitMemory

// MemoryConfig configures how a MemoryInstance is backed.
type MemoryConfig struct {
	// GuardSize is the size of the inaccessible region after the reservation. Zero disables the reservation: the
	// memory is a Go heap buffer and every access is checked explicitly.
	GuardSize uint64
	// Reservation is the size of the address space reserved for the memory, excluding the guard. Zero reserves the
	// maximum length of the memory. Growing past the reservation fails.
	Reservation uint64
}

// MemoryInstance is a linear memory.
//
// When guarded, the memory is a reservation of address space followed by a guard region, of which only the
// current length is accessible: an access past the length faults, and the fault is converted into a trap by the
// protected call running it. Otherwise, accesses are checked explicitly against the length.
type MemoryInstance struct {
	mu sync.Mutex

	// region is the reservation including the guard, nil when not guarded.
	region []byte
	// buffer is the accessible memory.
	buffer []byte
	// base is the address of the first byte, stable for the life of a guarded memory.
	base   atomic.Uintptr
	length atomic.Uint64

	min, max   uint32
	limit      uint64
	unregister func()
	observers  []func()
	closed     bool
}

// NewMemoryInstance returns a memory of minPages pages which can grow up to maxPages.
func NewMemoryInstance(minPages, maxPages uint32, cfg MemoryConfig) (*MemoryInstance, error) {
	if maxPages > MemoryLimitPages {
		return nil, errors.Errorf("max %d pages (%s) over limit of %d pages (%s)", maxPages,
			PagesToUnitOfBytes(maxPages), MemoryLimitPages, PagesToUnitOfBytes(MemoryLimitPages))
	}
	if minPages > maxPages {
		return nil, errors.Errorf("min %d pages (%s) > max %d pages (%s)", minPages,
			PagesToUnitOfBytes(minPages), maxPages, PagesToUnitOfBytes(maxPages))
	}

	m := &MemoryInstance{min: minPages, max: maxPages, limit: uint64(maxPages) << MemoryPageSizeInBits}
	if cfg.Reservation != 0 && cfg.Reservation < m.limit {
		m.limit = cfg.Reservation &^ uint64(MemoryPageSize-1)
	}
	minBytes := uint64(minPages) << MemoryPageSizeInBits
	if minBytes > m.limit {
		return nil, errors.Errorf("min %d pages (%s) over reservation of %d bytes", minPages,
			PagesToUnitOfBytes(minPages), m.limit)
	}

	if platform.MemoryReservationSupported && cfg.GuardSize > 0 {
		region, err := platform.ReserveMemory(int(m.limit + cfg.GuardSize))
		if err != nil {
			return nil, err
		}
		if err = platform.CommitMemory(region, int(minBytes)); err != nil {
			_ = platform.ReleaseMemory(region)
			return nil, err
		}
		m.region = region
		m.buffer = region[:minBytes]
		start := uintptr(unsafe.Pointer(&region[0]))
		m.base.Store(start)
		m.unregister = traps.RegisterHeap(start, uintptr(len(region)))
	} else {
		m.buffer = make([]byte, minBytes)
		m.storeBase()
	}
	m.length.Store(minBytes)
	return m, nil
}

// PagesToUnitOfBytes converts the pages to a human-readable form similar to what's specified. Ex. 1 -> "64Ki"
func PagesToUnitOfBytes(pages uint32) string {
	k := pages * 64
	if k < 1024 {
		return itoa(k) + " Ki"
	}
	m := k / 1024
	if m < 1024 {
		return itoa(m) + " Mi"
	}
	g := m / 1024
	if g < 1024 {
		return itoa(g) + " Gi"
	}
	return itoa(g/1024) + " Ti"
}

func itoa(v uint32) string {
	var b [10]byte
	i := len(b)
	for {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			return string(b[i:])
		}
	}
}

func (m *MemoryInstance) storeBase() {
	if len(m.buffer) == 0 {
		m.base.Store(0)
		return
	}
	m.base.Store(uintptr(unsafe.Pointer(&m.buffer[0])))
}

// Guarded reports whether accesses past the length fault instead of being checked explicitly.
func (m *MemoryInstance) Guarded() bool {
	return m.region != nil
}

// Base is the address of the first byte of the memory, zero for an empty unguarded memory.
func (m *MemoryInstance) Base() uintptr {
	return m.base.Load()
}

// Length is the current length in bytes.
func (m *MemoryInstance) Length() uint64 {
	return m.length.Load()
}

// Reserved is the length in bytes that can be addressed without an explicit check: the reservation including
// the guard when guarded, or the length otherwise.
func (m *MemoryInstance) Reserved() uint64 {
	if m.region != nil {
		return uint64(len(m.region))
	}
	return m.length.Load()
}

// Pages returns the current length in pages.
func (m *MemoryInstance) Pages() uint32 {
	return uint32(m.length.Load() >> MemoryPageSizeInBits)
}

// Max returns the maximum length in pages.
func (m *MemoryInstance) Max() uint32 {
	return m.max
}

// OnGrow registers fn to be called after the length or base of the memory changed.
func (m *MemoryInstance) OnGrow(fn func()) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Size implements the same method as documented on api.Memory.
func (m *MemoryInstance) Size() uint32 {
	return uint32(m.length.Load())
}

// Grow implements the same method as documented on api.Memory.
func (m *MemoryInstance) Grow(delta uint32) (previousPages uint32, ok bool) {
	previousPages, ok, _ = m.GrowChecked(delta)
	return
}

// GrowChecked is like Grow, but also returns an error wrapping ErrCommitFailed when the memory could grow, but the
// host couldn't provide its pages.
func (m *MemoryInstance) GrowChecked(delta uint32) (previousPages uint32, ok bool, err error) {
	m.mu.Lock()
	currentPages := m.Pages()
	if delta == 0 {
		m.mu.Unlock()
		return currentPages, true, nil
	}
	newPages := uint64(currentPages) + uint64(delta)
	newBytes := newPages << MemoryPageSizeInBits
	if m.closed || newPages > uint64(m.max) || newBytes > m.limit {
		m.mu.Unlock()
		return 0, false, nil
	}

	if m.region != nil {
		if err = commitMemory(m.region, int(newBytes)); err != nil {
			m.mu.Unlock()
			return 0, false, errors.Wrapf(ErrCommitFailed, "growing to %d pages: %v", newPages, err)
		}
		m.buffer = m.region[:newBytes]
	} else {
		m.buffer = append(m.buffer, make([]byte, newBytes-uint64(len(m.buffer)))...)
		m.storeBase()
	}
	m.length.Store(newBytes)
	observers := m.observers
	m.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
	return currentPages, true, nil
}

// Bytes returns the accessible memory. The slice is invalid after Grow on an unguarded memory.
func (m *MemoryInstance) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer
}

// hasSize returns true if Len is sufficient for byteCount at the given offset.
func (m *MemoryInstance) hasSize(offset uint32, byteCount uint64) bool {
	return uint64(offset)+byteCount <= m.length.Load()
}

// ReadUint32Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Bytes()[offset:]), true
}

// WriteUint32Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Bytes()[offset:], v)
	return true
}

// Read implements the same method as documented on api.Memory.
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(offset, uint64(byteCount)) {
		return nil, false
	}
	return m.Bytes()[offset : offset+byteCount : offset+byteCount], true
}

// Write implements the same method as documented on api.Memory.
func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.hasSize(offset, uint64(len(val))) {
		return false
	}
	copy(m.Bytes()[offset:], val)
	return true
}

// Protect makes the memory inaccessible after an instance was terminated: guarded accesses fault, unguarded ones
// fail their explicit check.
func (m *MemoryInstance) Protect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var err error
	if m.region != nil {
		err = platform.ProtectMemory(m.region)
	}
	m.buffer = m.buffer[:0]
	m.length.Store(0)
	observers := m.observers
	m.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
	return err
}

// Close releases the memory. It must not be running guest code.
func (m *MemoryInstance) Close() error {
	if err := m.Protect(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.region == nil {
		m.buffer = nil
		return nil
	}
	m.unregister()
	region := m.region
	m.region = nil
	return platform.ReleaseMemory(region)
}

var _ api.Memory = (*MemoryInstance)(nil)
