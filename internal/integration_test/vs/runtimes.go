package vs

import "github.com/tetratelabs/wazerocore"

// runtimes are the other runtimes available on this platform.
var runtimes = []func() Runtime{NewWazeroRuntime}

// Runtimes returns the other runtimes available on this platform, followed by wazerocore with and without guard
// pages.
func Runtimes() []Runtime {
	ret := make([]Runtime, 0, len(runtimes)+2)
	for _, newRuntime := range runtimes {
		ret = append(ret, newRuntime())
	}
	ret = append(ret, NewWazerocoreRuntime("wazerocore-heap", wazerocore.NewRuntimeConfig().WithMemoryGuardSize(0)))
	if wazerocore.GuardPagesSupported {
		ret = append(ret, NewWazerocoreRuntime("wazerocore-guarded", wazerocore.NewRuntimeConfig()))
	}
	return ret
}
