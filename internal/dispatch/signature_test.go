package dispatch

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/vmctx"
)

func TestParseSignature(t *testing.T) {
	i32, i64, f32, f64 := api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64
	tests := []struct {
		name              string
		inputFunc         interface{}
		guest             bool
		expectedType      *api.FunctionType
		expectContext     bool
		expectVM          bool
		expectErrorResult bool
	}{
		{
			name:         "nullary",
			inputFunc:    func() {},
			expectedType: &api.FunctionType{Params: []api.ValueType{}, Results: []api.ValueType{}},
		},
		{
			name:         "all supported params and i32 result",
			inputFunc:    func(uint32, uint64, float32, float64) uint32 { return 0 },
			expectedType: &api.FunctionType{Params: []api.ValueType{i32, i64, f32, f64}, Results: []api.ValueType{i32}},
		},
		{
			name:          "context and multiple results",
			inputFunc:     func(context.Context, int32) (int64, float64) { return 0, 0 },
			expectedType:  &api.FunctionType{Params: []api.ValueType{i32}, Results: []api.ValueType{i64, f64}},
			expectContext: true,
		},
		{
			name:          "execution context",
			inputFunc:     func(context.Context, *vmctx.ExecutionContext, uint32) {},
			expectedType:  &api.FunctionType{Params: []api.ValueType{i32}, Results: []api.ValueType{}},
			expectContext: true,
			expectVM:      true,
		},
		{
			name:              "error result",
			inputFunc:         func(uint32) (uint32, error) { return 0, nil },
			expectedType:      &api.FunctionType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}},
			expectErrorResult: true,
		},
		{
			name:         "references",
			inputFunc:    func(*vmctx.CalleeRecord, interface{}) interface{} { return nil },
			expectedType: &api.FunctionType{Params: []api.ValueType{api.ValueTypeFuncref, api.ValueTypeExternref}, Results: []api.ValueType{api.ValueTypeExternref}},
		},
		{
			name:          "guest",
			inputFunc:     func(context.Context, *vmctx.ExecutionContext, uint32, uint32) uint32 { return 0 },
			guest:         true,
			expectedType:  &api.FunctionType{Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}},
			expectContext: true,
			expectVM:      true,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			sig, err := parseSignature(tc.name, reflect.ValueOf(tc.inputFunc), tc.guest)
			require.NoError(t, err)
			require.Equal(t, tc.expectedType, sig.ft)
			require.Equal(t, tc.expectContext, sig.hasContext)
			require.Equal(t, tc.expectVM, sig.hasExecContext)
			require.Equal(t, tc.expectErrorResult, sig.hasErrorResult)
		})
	}
}

func TestParseSignature_Errors(t *testing.T) {
	tests := []struct {
		name        string
		input       interface{}
		guest       bool
		expectedErr string
	}{
		{
			name:        "not a func",
			input:       struct{}{},
			expectedErr: "not a func is a struct, but should be a Func",
		},
		{
			name:        "unsupported param",
			input:       func(uint32, string) {},
			expectedErr: "unsupported param param[1] is unsupported: string",
		},
		{
			name:        "unsupported result",
			input:       func() string { return "" },
			expectedErr: "unsupported result result[0] is unsupported: string",
		},
		{
			name:        "context not first",
			input:       func(uint32, context.Context) {},
			expectedErr: "context not first param[1] is a context.Context, which may be defined only once as param[0]",
		},
		{
			name:        "execution context without context",
			input:       func(*vmctx.ExecutionContext) {},
			expectedErr: "execution context without context param[0] is a *vmctx.ExecutionContext, which may be defined only once after a context.Context",
		},
		{
			name:        "error not last",
			input:       func() (error, uint32) { return nil, 0 },
			expectedErr: "error not last result[0] is an error, which is only supported as the last result",
		},
		{
			name:        "guest without execution context",
			input:       func(context.Context, uint32) uint32 { return 0 },
			guest:       true,
			expectedErr: "guest without execution context must accept a context.Context and a *vmctx.ExecutionContext as param[0] and param[1]",
		},
		{
			name:        "guest error result",
			input:       func(context.Context, *vmctx.ExecutionContext) error { return nil },
			guest:       true,
			expectedErr: "guest error result result[0] is an error, which is unsupported",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseSignature(tc.name, reflect.ValueOf(tc.input), tc.guest)
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}
