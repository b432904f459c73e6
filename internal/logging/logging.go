// Package logging holds the process logger and the zap fields used to log calls across the call boundary. This
// is in an independent package to avoid dependency cycles.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tetratelabs/wazerocore/api"
)

var logger atomic.Pointer[zap.Logger]

// Logger returns the process logger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	logger.CompareAndSwap(nil, zap.NewNop())
	return logger.Load()
}

// SetLogger replaces the process logger. A nil logger restores the no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// Values returns a field logging typed values in the text format, ex. [i32(1) i64(2)].
func Values(key string, values []api.Value) zap.Field {
	return zap.Array(key, valueArray(values))
}

// Signature returns a field logging a function type, ex. "i32i32_i32".
func Signature(ft *api.FunctionType) zap.Field {
	if ft == nil {
		return zap.Skip()
	}
	return zap.Stringer("signature", ft)
}

type valueArray []api.Value

func (a valueArray) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, v := range a {
		enc.AppendString(v.String())
	}
	return nil
}
