// Package platform includes the OS-specific memory reservation used for guarded linear memories.
package platform

import "errors"

// ReserveMemory reserves size bytes of address space with no access rights. A prefix of the returned region
// is made accessible with CommitMemory; touching the rest faults.
//
// See https://man7.org/linux/man-pages/man2/mmap.2.html for mmap API and flags.
func ReserveMemory(size int) ([]byte, error) {
	if size == 0 {
		panic(errors.New("BUG: ReserveMemory with zero length"))
	}
	return reserveMemory(size)
}

// CommitMemory makes the first n bytes of a reserved region readable and writable.
func CommitMemory(region []byte, n int) error {
	if n > len(region) {
		panic(errors.New("BUG: CommitMemory beyond reservation"))
	}
	if n == 0 {
		return nil
	}
	return commitMemory(region[:n])
}

// ProtectMemory removes all access rights from a reserved region. Any later access faults.
func ProtectMemory(region []byte) error {
	if len(region) == 0 {
		panic(errors.New("BUG: ProtectMemory with zero length"))
	}
	return protectMemory(region)
}

// ReleaseMemory unmaps a reserved region.
func ReleaseMemory(region []byte) error {
	if len(region) == 0 {
		panic(errors.New("BUG: ReleaseMemory with zero length"))
	}
	return releaseMemory(region)
}
