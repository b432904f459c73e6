package dispatch

import (
	"fmt"
	"math"
	"reflect"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// EncodeValue returns the slot encoding of v, as a value of type t owned by store.
func EncodeValue(store *vmctx.Store, t api.ValueType, v api.Value) (uint64, error) {
	if v.Type() != t {
		return 0, &api.ValidationError{
			Phase:  api.PhaseEncode,
			Kind:   api.KindTypeMismatch,
			Detail: fmt.Sprintf("expected %s, but was %s", api.ValueTypeName(t), api.ValueTypeName(v.Type())),
		}
	}
	switch t {
	case api.ValueTypeFuncref:
		if v.Ref() == nil {
			return 0, nil
		}
		r, ok := v.Ref().(*vmctx.CalleeRecord)
		if !ok {
			return 0, &api.ValidationError{
				Phase:  api.PhaseEncode,
				Kind:   api.KindTypeMismatch,
				Detail: fmt.Sprintf("funcref holds %T, which is not a function reference", v.Ref()),
			}
		}
		return store.FuncrefHandle(r)
	case api.ValueTypeExternref:
		return store.ExternrefHandle(v.Ref()), nil
	}
	return v.Bits(), nil
}

// DecodeValue returns the value of type t encoded in a slot owned by store.
func DecodeValue(store *vmctx.Store, t api.ValueType, raw uint64) (api.Value, error) {
	switch t {
	case api.ValueTypeFuncref:
		r, ok := store.Funcref(raw)
		if !ok {
			return api.Value{}, unknownHandle(t, raw)
		}
		if r == nil {
			return api.ValueFuncref(nil), nil
		}
		return api.ValueFuncref(r), nil
	case api.ValueTypeExternref:
		v, ok := store.Externref(raw)
		if !ok {
			return api.Value{}, unknownHandle(t, raw)
		}
		return api.ValueExternref(v), nil
	}
	return api.ValueFromBits(t, raw), nil
}

func unknownHandle(t api.ValueType, raw uint64) error {
	return &api.ValidationError{
		Phase:  api.PhaseDecode,
		Kind:   api.KindForeignReference,
		Detail: fmt.Sprintf("%s handle %d was not issued by this store", api.ValueTypeName(t), raw),
	}
}

// EncodeParams validates params against ft and writes them to slots, which must have room for ft.SlotCount().
func EncodeParams(store *vmctx.Store, name string, ft *api.FunctionType, params []api.Value, slots []uint64) error {
	if len(params) != len(ft.Params) {
		return &api.ValidationError{
			Phase:    api.PhaseCall,
			Kind:     api.KindArityMismatch,
			Function: name,
			Detail:   fmt.Sprintf("expected %d params, but passed %d", len(ft.Params), len(params)),
		}
	}
	for i, t := range ft.Params {
		raw, err := EncodeValue(store, t, params[i])
		if err != nil {
			return paramError(err, name, i)
		}
		slots[i] = raw
	}
	return nil
}

// DecodeResults reads the results of ft from slots.
func DecodeResults(store *vmctx.Store, name string, ft *api.FunctionType, slots []uint64) ([]api.Value, error) {
	if len(ft.Results) == 0 {
		return nil, nil
	}
	results := make([]api.Value, len(ft.Results))
	for i, t := range ft.Results {
		v, err := DecodeValue(store, t, slots[i])
		if err != nil {
			return nil, resultError(err, name, i)
		}
		results[i] = v
	}
	return results, nil
}

// decodeParams reads the params of ft from slots.
func decodeParams(store *vmctx.Store, name string, ft *api.FunctionType, slots []uint64) ([]api.Value, error) {
	params := make([]api.Value, len(ft.Params))
	for i, t := range ft.Params {
		v, err := DecodeValue(store, t, slots[i])
		if err != nil {
			return nil, paramError(err, name, i)
		}
		params[i] = v
	}
	return params, nil
}

// encodeResults validates the results returned by a host function against ft and writes them to slots.
func encodeResults(store *vmctx.Store, name string, ft *api.FunctionType, results []api.Value, slots []uint64) error {
	if len(results) != len(ft.Results) {
		return &api.ValidationError{
			Phase:    api.PhaseHost,
			Kind:     api.KindResultMismatch,
			Function: name,
			Detail:   fmt.Sprintf("expected %d results, but returned %d", len(ft.Results), len(results)),
		}
	}
	for i, t := range ft.Results {
		if results[i].Type() != t {
			return &api.ValidationError{
				Phase:    api.PhaseHost,
				Kind:     api.KindResultMismatch,
				Function: name,
				Detail: fmt.Sprintf("result[%d] expected %s, but returned %s", i,
					api.ValueTypeName(t), api.ValueTypeName(results[i].Type())),
			}
		}
		raw, err := EncodeValue(store, t, results[i])
		if err != nil {
			return resultError(err, name, i)
		}
		slots[i] = raw
	}
	return nil
}

func paramError(err error, name string, i int) error {
	if verr, ok := err.(*api.ValidationError); ok {
		ret := *verr
		if ret.Phase == api.PhaseEncode {
			ret.Phase = api.PhaseCall
		}
		ret.Function = name
		ret.Detail = fmt.Sprintf("param[%d] %s", i, verr.Detail)
		return &ret
	}
	return err
}

func resultError(err error, name string, i int) error {
	if verr, ok := err.(*api.ValidationError); ok {
		ret := *verr
		ret.Function = name
		ret.Detail = fmt.Sprintf("result[%d] %s", i, verr.Detail)
		return &ret
	}
	return err
}

// toGo converts a slot into a Go value of type t, as the interpreter did for host functions.
func toGo(store *vmctx.Store, t reflect.Type, raw uint64) (reflect.Value, error) {
	switch t {
	case calleeType:
		r, ok := store.Funcref(raw)
		if !ok {
			return reflect.Value{}, unknownHandle(api.ValueTypeFuncref, raw)
		}
		return reflect.ValueOf(&r).Elem(), nil
	case externrefType:
		v, ok := store.Externref(raw)
		if !ok {
			return reflect.Value{}, unknownHandle(api.ValueTypeExternref, raw)
		}
		return reflect.ValueOf(&v).Elem(), nil
	}
	val := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Float32:
		val.SetFloat(float64(math.Float32frombits(uint32(raw))))
	case reflect.Float64:
		val.SetFloat(math.Float64frombits(raw))
	case reflect.Uint32:
		val.SetUint(uint64(uint32(raw)))
	case reflect.Uint64:
		val.SetUint(raw)
	case reflect.Int32:
		val.SetInt(int64(int32(raw)))
	case reflect.Int64:
		val.SetInt(int64(raw))
	}
	return val, nil
}

// fromGo converts a Go result into its slot encoding.
func fromGo(store *vmctx.Store, ret reflect.Value) (uint64, error) {
	switch ret.Type() {
	case calleeType:
		return store.FuncrefHandle(ret.Interface().(*vmctx.CalleeRecord))
	case externrefType:
		return store.ExternrefHandle(ret.Interface()), nil
	}
	switch ret.Kind() {
	case reflect.Float32:
		return uint64(math.Float32bits(float32(ret.Float()))), nil
	case reflect.Float64:
		return math.Float64bits(ret.Float()), nil
	case reflect.Uint32:
		return ret.Uint(), nil
	case reflect.Uint64:
		return ret.Uint(), nil
	case reflect.Int32:
		return uint64(uint32(ret.Int())), nil
	case reflect.Int64:
		return uint64(ret.Int()), nil
	}
	panic("BUG: invalid return type")
}
