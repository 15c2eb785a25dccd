package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooMuchArguments = errors.New("too much arguments")
	ErrMissingArgument  = errors.New("missing value for required argument")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// InvalidParamsError is returned when params can't be decoded into method arguments
type InvalidParamsError struct {
	Err error
}

func (e *InvalidParamsError) Error() string {
	return e.Err.Error()
}

func (e *InvalidParamsError) Unwrap() error {
	return e.Err
}

type methodHandler struct {
	in  []reflect.Type
	out []reflect.Type
	fn  reflect.Value
}

func getMethodTypes(fn interface{}) (methodHandler, error) {
	return getMethodValueTypes(reflect.ValueOf(fn))
}

func getMethodValueTypes(fn reflect.Value) (methodHandler, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	fnType := fn.Type()
	numIn := fnType.NumIn()
	in := make([]reflect.Type, numIn)
	for i := 0; i < numIn; i++ {
		in[i] = fnType.In(i)
	}
	// first input argument must be context.Context
	if numIn == 0 || in[0] != contextType {
		return methodHandler{}, ErrMustHaveContext
	}

	numOut := fnType.NumOut()
	out := make([]reflect.Type, numOut)
	for i := 0; i < numOut; i++ {
		out[i] = fnType.Out(i)
	}

	// function must contain error as a last return value
	if numOut == 0 || !out[numOut-1].Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}

	// function can return only one value
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	return methodHandler{in, out, fn}, nil
}

// MethodsOf collects exported methods of receiver that fit NewHandler as namespace_methodName,
// for example GetAccount becomes fork_getAccount. Methods of other shapes are skipped.
func MethodsOf(namespace string, receiver any) Methods {
	methods := make(Methods)
	value := reflect.ValueOf(receiver)
	recvType := value.Type()
	for i := 0; i < recvType.NumMethod(); i++ {
		method := recvType.Method(i)
		if !method.IsExported() {
			continue
		}
		fn := value.Method(i)
		if _, err := getMethodValueTypes(fn); err != nil {
			continue
		}
		methods[namespace+"_"+lowerFirst(method.Name)] = fn.Interface()
	}
	return methods
}

func lowerFirst(name string) string {
	if name == "" {
		return name
	}
	runes := []rune(name)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := extractArgumentsFromJSONparamsArray(h.in[1:], params)
	if err != nil {
		return nil, &InvalidParamsError{Err: err}
	}

	// prepend context.Context
	args = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)

	// call function
	results := h.fn.Call(args)

	// check error
	var outError error
	if !results[len(results)-1].IsNil() {
		errVal, ok := results[len(results)-1].Interface().(error)
		if !ok {
			return nil, ErrMustReturnError
		}
		outError = errVal
	}

	if len(results) == 1 {
		return nil, outError
	} else {
		return results[0].Interface(), outError
	}
}

// extractArgumentsFromJSONparamsArray decodes positional params.
// Pointer arguments are optional and stay nil when omitted or null, all others are required.
func extractArgumentsFromJSONparamsArray(in []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(in) {
		return nil, ErrTooMuchArguments
	}

	args := make([]reflect.Value, len(in))
	for i, argType := range in {
		arg := reflect.New(argType)
		omitted := i >= len(params) || isNull(params[i])
		if omitted && argType.Kind() != reflect.Pointer {
			return nil, fmt.Errorf("%w %d", ErrMissingArgument, i)
		}
		if !omitted {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, err
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
