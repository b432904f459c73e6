package dispatch

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// NewStatic binds body as a static function of store.
//
// A guest body is compiled code: its signature is func(context.Context, *vmctx.ExecutionContext, params...)
// results, it is registered as guest code so faults it raises become traps, and it is bound to an
// ExecutionContext with vmctx.CalleeRecord.Bind. A host body may omit the execution context or both leading params
// and may return a trailing error, which raises a User trap.
//
// Params and results are int32 or uint32 for i32, int64 or uint64 for i64, float32, float64, *vmctx.CalleeRecord
// for funcref and interface{} for externref.
func NewStatic(name string, body interface{}, store *vmctx.Store, guest bool) (*vmctx.CalleeRecord, error) {
	fn := reflect.ValueOf(body)
	sig, err := parseSignature(name, fn, guest)
	if err != nil {
		return nil, err
	}
	if fn.IsNil() {
		return nil, errors.Errorf("%s is a nil function", name)
	}
	id, err := store.Signatures.Register(sig.ft)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}

	r := &vmctx.CalleeRecord{
		SignatureID: id,
		Kind:        vmctx.FunctionKindStatic,
		Type:        sig.ft,
		Trampoline:  trampolineFor(sig),
		Body:        body,
		Name:        name,
		Guest:       guest,
		Store:       store,
	}
	if guest {
		r.Code = traps.RegisterGuestFunction(body, name)
	} else {
		r.Code = fn.Pointer()
	}
	return r, nil
}

// raiseValidation aborts the protected call of ctx with err attributed to the function name. Errors that are not
// a *api.ValidationError raise a User trap.
func raiseValidation(ctx context.Context, err error, name string) {
	verr, ok := err.(*api.ValidationError)
	if !ok {
		traps.RaiseUserTrap(ctx, err)
		return
	}
	if verr.Function == "" {
		ret := *verr
		ret.Function = name
		verr = &ret
	}
	traps.RaiseValidation(ctx, verr)
}
