package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-meter/errors"
)

// CallWithTypes calls an export whose signature is described with WIT
// primitive types. Go values are lowered to core values on the way in and
// lifted back on the way out. A single result is returned as-is, several as
// []any, none as nil. Only scalar types are supported; instrumented modules
// are called on their core signature.
func (i *WazeroInstance) CallWithTypes(ctx context.Context, funcName string, paramTypes []wit.Type, resultTypes []wit.Type, params ...any) (any, error) {
	if len(params) != len(paramTypes) {
		return nil, errors.InvalidInput(errors.PhaseRuntime,
			fmt.Sprintf("%s takes %d params, got %d", funcName, len(paramTypes), len(params)))
	}

	fn := i.GetExportedFunction(funcName)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", funcName)
	}

	n := max(len(paramTypes), len(resultTypes))
	if cap(i.stackBuf) < n {
		i.stackBuf = make([]uint64, n)
	}
	stack := i.stackBuf[:n]
	for k, t := range paramTypes {
		v, err := lowerValue(t, params[k])
		if err != nil {
			return nil, errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
				Path(funcName, fmt.Sprintf("param[%d]", k)).
				GoType(fmt.Sprintf("%T", params[k])).
				WitType(TypeName(t)).
				Cause(err).
				Build()
		}
		stack[k] = v
	}

	i.beginCall()
	if err := fn.CallWithStack(ctx, stack); err != nil {
		return nil, i.classify(ctx, funcName, err)
	}

	switch len(resultTypes) {
	case 0:
		return nil, nil
	case 1:
		return liftValue(resultTypes[0], stack[0])
	}
	out := make([]any, len(resultTypes))
	for k, t := range resultTypes {
		v, err := liftValue(t, stack[k])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func lowerValue(t wit.Type, v any) (uint64, error) {
	switch t.(type) {
	case wit.Bool:
		if b, ok := v.(bool); ok {
			if b {
				return 1, nil
			}
			return 0, nil
		}
	case wit.U8:
		if x, ok := v.(uint8); ok {
			return uint64(x), nil
		}
	case wit.S8:
		if x, ok := v.(int8); ok {
			return api.EncodeI32(int32(x)), nil
		}
	case wit.U16:
		if x, ok := v.(uint16); ok {
			return uint64(x), nil
		}
	case wit.S16:
		if x, ok := v.(int16); ok {
			return api.EncodeI32(int32(x)), nil
		}
	case wit.U32:
		if x, ok := v.(uint32); ok {
			return api.EncodeU32(x), nil
		}
	case wit.S32:
		switch x := v.(type) {
		case int32:
			return api.EncodeI32(x), nil
		case int:
			if x >= math.MinInt32 && x <= math.MaxInt32 {
				return api.EncodeI32(int32(x)), nil
			}
			return 0, fmt.Errorf("%d overflows s32", x)
		}
	case wit.U64:
		if x, ok := v.(uint64); ok {
			return x, nil
		}
	case wit.S64:
		switch x := v.(type) {
		case int64:
			return api.EncodeI64(x), nil
		case int:
			return api.EncodeI64(int64(x)), nil
		}
	case wit.F32:
		if x, ok := v.(float32); ok {
			return api.EncodeF32(x), nil
		}
	case wit.F64:
		if x, ok := v.(float64); ok {
			return api.EncodeF64(x), nil
		}
	case wit.Char:
		if x, ok := v.(rune); ok {
			return api.EncodeU32(uint32(x)), nil
		}
	default:
		return 0, fmt.Errorf("unsupported type %s", TypeName(t))
	}
	return 0, fmt.Errorf("cannot lower %T as %s", v, TypeName(t))
}

func liftValue(t wit.Type, v uint64) (any, error) {
	switch t.(type) {
	case wit.Bool:
		return v != 0, nil
	case wit.U8:
		return uint8(v), nil
	case wit.S8:
		return int8(v), nil
	case wit.U16:
		return uint16(v), nil
	case wit.S16:
		return int16(v), nil
	case wit.U32:
		return api.DecodeU32(v), nil
	case wit.S32:
		return api.DecodeI32(v), nil
	case wit.U64:
		return v, nil
	case wit.S64:
		return int64(v), nil
	case wit.F32:
		return api.DecodeF32(v), nil
	case wit.F64:
		return api.DecodeF64(v), nil
	case wit.Char:
		return rune(api.DecodeU32(v)), nil
	}
	return nil, errors.Unsupported(errors.PhaseRuntime, "result type "+TypeName(t))
}

// CoreType maps a core value type to the WIT type its values are exchanged as.
func CoreType(vt api.ValueType) (wit.Type, bool) {
	switch vt {
	case api.ValueTypeI32:
		return wit.S32{}, true
	case api.ValueTypeI64:
		return wit.S64{}, true
	case api.ValueTypeF32:
		return wit.F32{}, true
	case api.ValueTypeF64:
		return wit.F64{}, true
	}
	return nil, false
}

// CoreTypes maps a slice of core value types with CoreType.
func CoreTypes(vts []api.ValueType) ([]wit.Type, error) {
	out := make([]wit.Type, len(vts))
	for k, vt := range vts {
		t, ok := CoreType(vt)
		if !ok {
			return nil, errors.Unsupported(errors.PhaseRuntime, "value type "+api.ValueTypeName(vt))
		}
		out[k] = t
	}
	return out, nil
}

// ParseValue parses s as a value of type t, e.g. a command-line argument.
func ParseValue(t wit.Type, s string) (any, error) {
	switch t.(type) {
	case wit.Bool:
		return strconv.ParseBool(s)
	case wit.U32:
		x, err := strconv.ParseUint(s, 0, 32)
		return uint32(x), err
	case wit.S32:
		x, err := strconv.ParseInt(s, 0, 32)
		return int32(x), err
	case wit.U64:
		return strconv.ParseUint(s, 0, 64)
	case wit.S64:
		return strconv.ParseInt(s, 0, 64)
	case wit.F32:
		x, err := strconv.ParseFloat(s, 32)
		return float32(x), err
	case wit.F64:
		return strconv.ParseFloat(s, 64)
	}
	return nil, errors.Unsupported(errors.PhaseConfig, "argument type "+TypeName(t))
}

// TypeName returns the WIT spelling of a primitive type.
func TypeName(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	}
	return fmt.Sprintf("%T", t)
}
