// Package dispatch binds Go functions to callee records: it infers the WebAssembly signature of static functions,
// builds the trampolines that move values between raw slots and Go calls, validates the results of dynamic host
// functions and checks the signature of indirect calls.
package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// Below are reflection code to get the interface type used to parse functions and set values.

var (
	goContextType   = reflect.TypeOf((*context.Context)(nil)).Elem()
	execContextType = reflect.TypeOf((*vmctx.ExecutionContext)(nil))
	calleeType      = reflect.TypeOf((*vmctx.CalleeRecord)(nil))
	externrefType   = reflect.TypeOf((*interface{})(nil)).Elem()
	errorType       = reflect.TypeOf((*error)(nil)).Elem()
)

// signature is the calling convention of a static Go function.
type signature struct {
	typ reflect.Type
	ft  *api.FunctionType
	// hasContext is set when param[0] is a context.Context.
	hasContext bool
	// hasExecContext is set when the param after the optional context is a *vmctx.ExecutionContext.
	hasExecContext bool
	// hasErrorResult is set when the last result is an error.
	hasErrorResult bool
}

// paramOffset is the index of the first WebAssembly param of the Go function.
func (s *signature) paramOffset() int {
	n := 0
	if s.hasContext {
		n++
	}
	if s.hasExecContext {
		n++
	}
	return n
}

// parseSignature returns the signature of fn or errs if it cannot be called from WebAssembly.
//
// Guest functions must accept a context.Context and a *vmctx.ExecutionContext, in that order, and cannot return an
// error. Host functions may accept neither, only the context, or both, and may return a trailing error.
func parseSignature(name string, fn reflect.Value, guest bool) (*signature, error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is a %s, but should be a Func", name, fn.Kind().String())
	}
	p := fn.Type()
	s := &signature{typ: p}

	pCount := p.NumIn()
	if pCount > 0 && p.In(0) == goContextType {
		s.hasContext = true
		if pCount > 1 && p.In(1) == execContextType {
			s.hasExecContext = true
		}
	}
	if guest && !s.hasExecContext {
		return nil, fmt.Errorf("%s must accept a context.Context and a *vmctx.ExecutionContext as param[0] and param[1]", name)
	}
	pOffset := s.paramOffset()

	rCount := p.NumOut()
	if rCount > 0 && p.Out(rCount-1) == errorType {
		if guest {
			return nil, fmt.Errorf("%s result[%d] is an error, which is unsupported", name, rCount-1)
		}
		s.hasErrorResult = true
		rCount--
	}

	s.ft = &api.FunctionType{Params: make([]api.ValueType, pCount-pOffset), Results: make([]api.ValueType, rCount)}
	for i := range s.ft.Params {
		pI := p.In(i + pOffset)
		if t, ok := getTypeOf(pI); ok {
			s.ft.Params[i] = t
			continue
		}

		// Now, we will definitely err, decide which message is best
		switch pI {
		case goContextType:
			return nil, fmt.Errorf("%s param[%d] is a %s, which may be defined only once as param[0]", name, i+pOffset, pI)
		case execContextType:
			return nil, fmt.Errorf("%s param[%d] is a %s, which may be defined only once after a context.Context", name, i+pOffset, pI)
		}
		return nil, fmt.Errorf("%s param[%d] is unsupported: %s", name, i+pOffset, pI.Kind())
	}

	for i := range s.ft.Results {
		rI := p.Out(i)
		if t, ok := getTypeOf(rI); ok {
			s.ft.Results[i] = t
			continue
		}
		if rI == errorType {
			return nil, fmt.Errorf("%s result[%d] is an error, which is only supported as the last result", name, i)
		}
		return nil, fmt.Errorf("%s result[%d] is unsupported: %s", name, i, rI.Kind())
	}
	return s, nil
}

func getTypeOf(t reflect.Type) (api.ValueType, bool) {
	switch t {
	case calleeType:
		return api.ValueTypeFuncref, true
	case externrefType:
		return api.ValueTypeExternref, true
	}
	switch t.Kind() {
	case reflect.Float64:
		return api.ValueTypeF64, true
	case reflect.Float32:
		return api.ValueTypeF32, true
	case reflect.Int32, reflect.Uint32:
		return api.ValueTypeI32, true
	case reflect.Int64, reflect.Uint64:
		return api.ValueTypeI64, true
	default:
		return 0x00, false
	}
}
