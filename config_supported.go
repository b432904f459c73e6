//go:build unix && !tinygo

package wazerocore

import "github.com/tetratelabs/wazerocore/vmctx"

// GuardPagesSupported is true when linear memories can be reserved with guard pages, so that out of bounds
// accesses fault instead of being checked explicitly.
const GuardPagesSupported = true

const defaultMemoryGuardSize = vmctx.DefaultMemoryGuardSize
