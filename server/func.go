package server

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"strings"

	"stream-rpc/protocol"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	kwargsType  = reflect.TypeOf(map[string]any(nil))
)

// fnType is a validated function signature.
type fnType struct {
	fn       reflect.Value
	withCtx  bool // first parameter is a context.Context
	params   []reflect.Type
	variadic bool
	kwargs   bool // the only parameter is map[string]any and receives named arguments
	result   bool // has a non-error return value
	errOut   bool // last return value is an error
}

// Func 通过反射把普通函数适配成 Handler
//
// Accepted signatures take an optional leading context.Context, then any
// number of parameters (variadic allowed), and return one of: nothing, a
// value, an error, or a value and an error. Decoded arguments are converted
// to the parameter types; a map[string]any sole parameter receives named
// arguments.
func Func(fn any) (protocol.Handler, error) {
	ft, err := inspect(fn)
	if err != nil {
		return nil, err
	}
	return ft.call, nil
}

// FuncName returns the unqualified name of fn as the runtime reports it.
func FuncName(fn any) string {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return ""
	}
	f := runtime.FuncForPC(rv.Pointer())
	if f == nil {
		return ""
	}
	name := strings.TrimSuffix(f.Name(), "-fm")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func inspect(fn any) (*fnType, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, fmt.Errorf("server: %T is not a function", fn)
	}
	typ := rv.Type()
	ft := &fnType{fn: rv, variadic: typ.IsVariadic()}

	for i := 0; i < typ.NumIn(); i++ {
		in := typ.In(i)
		if i == 0 && in == contextType {
			ft.withCtx = true
			continue
		}
		ft.params = append(ft.params, in)
	}
	ft.kwargs = len(ft.params) == 1 && !ft.variadic && ft.params[0] == kwargsType

	switch typ.NumOut() {
	case 0:
	case 1:
		if typ.Out(0) == errorType {
			ft.errOut = true
		} else {
			ft.result = true
		}
	case 2:
		if typ.Out(1) != errorType {
			return nil, fmt.Errorf("server: second result of %s must be error", typ)
		}
		ft.result, ft.errOut = true, true
	default:
		return nil, fmt.Errorf("server: %s returns too many values", typ)
	}
	return ft, nil
}

func (ft *fnType) call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	in := make([]reflect.Value, 0, len(args)+1)
	if ft.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}

	switch {
	case ft.kwargs && len(args) == 0:
		if kwargs == nil {
			kwargs = map[string]any{}
		}
		in = append(in, reflect.ValueOf(kwargs))
	case len(kwargs) > 0:
		return nil, fmt.Errorf("named arguments are not accepted")
	default:
		converted, err := ft.convertArgs(args)
		if err != nil {
			return nil, err
		}
		in = append(in, converted...)
	}

	out := ft.fn.Call(in)
	var (
		result any
		err    error
	)
	if ft.result {
		result = out[0].Interface()
	}
	if ft.errOut {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	return result, err
}

func (ft *fnType) convertArgs(args []any) ([]reflect.Value, error) {
	n := len(ft.params)
	if ft.variadic {
		if len(args) < n-1 {
			return nil, fmt.Errorf("takes at least %d arguments (%d given)", n-1, len(args))
		}
	} else if len(args) != n {
		return nil, fmt.Errorf("takes %d arguments (%d given)", n, len(args))
	}

	out := make([]reflect.Value, len(args))
	for i, arg := range args {
		t := ft.paramType(i)
		v, err := convert(arg, t)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func (ft *fnType) paramType(i int) reflect.Type {
	n := len(ft.params)
	if ft.variadic && i >= n-1 {
		return ft.params[n-1].Elem()
	}
	return ft.params[i]
}

// convert turns a decoded Value into a value of type t.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use null as %s", t)
	}

	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		elem, err := convert(v, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(elem)
		return p, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := integral(v)
		out := reflect.New(t).Elem()
		if !ok || out.OverflowInt(n) {
			break
		}
		out.SetInt(n)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, ok := integral(v)
		out := reflect.New(t).Elem()
		if !ok || n < 0 || out.OverflowUint(uint64(n)) {
			break
		}
		out.SetUint(uint64(n))
		return out, nil
	case reflect.Float32, reflect.Float64:
		out := reflect.New(t).Elem()
		switch n := v.(type) {
		case float64:
			out.SetFloat(n)
			return out, nil
		case int64:
			out.SetFloat(float64(n))
			return out, nil
		}
	case reflect.String:
		if s, ok := v.(string); ok {
			out := reflect.New(t).Elem()
			out.SetString(s)
			return out, nil
		}
	case reflect.Slice, reflect.Array:
		items, ok := v.([]any)
		if !ok {
			break
		}
		var out reflect.Value
		if t.Kind() == reflect.Slice {
			out = reflect.MakeSlice(t, len(items), len(items))
		} else {
			if len(items) != t.Len() {
				return reflect.Value{}, fmt.Errorf("need %d elements for %s, got %d", t.Len(), t, len(items))
			}
			out = reflect.New(t).Elem()
		}
		for i, item := range items {
			e, err := convert(item, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(e)
		}
		return out, nil
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok || t.Key().Kind() != reflect.String {
			break
		}
		out := reflect.MakeMapWithSize(t, len(m))
		for k, item := range m {
			e, err := convert(item, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), e)
		}
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}

// integral returns v as an int64 when it is a whole number.
func integral(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
			return int64(n), true
		}
	}
	return 0, false
}
