//go:build !unix || tinygo

package platform

import (
	"fmt"
	"runtime"
)

// MemoryReservationSupported is true when ReserveMemory can reserve guarded address space.
const MemoryReservationSupported = false

var errUnsupported = fmt.Errorf("memory reservation unsupported on GOOS=%s. Use explicit bounds checks instead.", runtime.GOOS)

func reserveMemory(int) ([]byte, error) {
	return nil, errUnsupported
}

func commitMemory([]byte) error {
	return errUnsupported
}

func protectMemory([]byte) error {
	return errUnsupported
}

func releaseMemory([]byte) error {
	return errUnsupported
}
