//go:build !unix || tinygo

package wazerocore

// GuardPagesSupported is true when linear memories can be reserved with guard pages, so that out of bounds
// accesses fault instead of being checked explicitly.
const GuardPagesSupported = false

const defaultMemoryGuardSize = uint64(0)
