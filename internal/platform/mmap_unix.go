//go:build unix && !tinygo

package platform

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MemoryReservationSupported is true when ReserveMemory can reserve guarded address space.
const MemoryReservationSupported = true

func reserveMemory(size int) ([]byte, error) {
	// Anonymous as this is not an actual file, but a memory,
	// Private as this is in-process memory region.
	// NoReserve as most of the region stays inaccessible.
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|mapNoReserve)
	if err != nil {
		return nil, errors.Wrapf(err, "reserving %d bytes", size)
	}
	return b, nil
}

func commitMemory(b []byte) error {
	return errors.Wrap(unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE), "mprotect read-write")
}

func protectMemory(b []byte) error {
	return errors.Wrap(unix.Mprotect(b, unix.PROT_NONE), "mprotect none")
}

func releaseMemory(b []byte) error {
	return errors.Wrap(unix.Munmap(b), "munmap")
}
