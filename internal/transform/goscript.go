package transform

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/GoCodeAlone/yaegi/interp"
	"github.com/GoCodeAlone/yaegi/stdlib"

	"github.com/pitabwire/doorhub/model"
)

// EntryPoint is the function every Go transform must declare.
const EntryPoint = "ToDTO"

// goTransform runs an interpreted ToDTO function.
type goTransform struct {
	fn func(any) (any, error)
}

// CompileGo interprets Go transform source. The source must declare
//
//	func ToDTO(api map[string]any) map[string]any
//
// or one of the accepted variants: func(any) any, or either form with a
// trailing error result.
func CompileGo(source string) (model.Transform, error) {
	pkgName, err := ValidateSource(source)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(allowedSymbols()); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	if _, err := evalSafe(i, source); err != nil {
		return nil, fmt.Errorf("failed to compile transform: %w", err)
	}

	v, err := evalSafe(i, pkgName+"."+EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", EntryPoint, err)
	}

	fn, err := adapt(v)
	if err != nil {
		return nil, err
	}
	return &goTransform{fn: fn}, nil
}

// ToDTO calls the interpreted function. Panics are converted to errors by the
// caller's Guard.
func (g *goTransform) ToDTO(_ context.Context, api any) any {
	out, err := g.fn(api)
	if err != nil {
		panic(err)
	}
	return out
}

// adapt turns the interpreted value into a uniform call signature.
func adapt(v reflect.Value) (func(any) (any, error), error) {
	switch fn := v.Interface().(type) {
	case func(map[string]any) map[string]any:
		return func(api any) (any, error) {
			m, _ := api.(map[string]any)
			return fn(m), nil
		}, nil
	case func(map[string]any) (map[string]any, error):
		return func(api any) (any, error) {
			m, _ := api.(map[string]any)
			return fn(m)
		}, nil
	case func(any) any:
		return func(api any) (any, error) { return fn(api), nil }, nil
	case func(any) (any, error):
		return fn, nil
	}
	return reflectAdapter(v)
}

// reflectAdapter handles functions whose interpreted type does not assert
// directly, typically named map types declared inside the script.
func reflectAdapter(v reflect.Value) (func(any) (any, error), error) {
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", EntryPoint)
	}
	t := v.Type()
	if t.NumIn() != 1 || t.NumOut() < 1 || t.NumOut() > 2 {
		return nil, fmt.Errorf("%s has unsupported signature %s", EntryPoint, t)
	}
	in := t.In(0)
	return func(api any) (any, error) {
		arg := reflect.Zero(in)
		if api != nil {
			av := reflect.ValueOf(api)
			if !av.Type().ConvertibleTo(in) {
				return nil, fmt.Errorf("%s cannot accept %T", EntryPoint, api)
			}
			arg = av.Convert(in)
		}
		results := v.Call([]reflect.Value{arg})
		var err error
		if len(results) == 2 && !results[1].IsNil() {
			err, _ = results[1].Interface().(error)
		}
		return results[0].Interface(), err
	}, nil
}

// allowedSymbols filters the yaegi stdlib export table down to
// AllowedPackages so that a disallowed import fails at interpretation time
// too, not only in ValidateSource.
func allowedSymbols() interp.Exports {
	out := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		// Keys have the form "import/path/pkgname".
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		if IsPackageAllowed(key[:idx]) {
			out[key] = syms
		}
	}
	return out
}

func evalSafe(i *interp.Interpreter, src string) (v reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during evaluation: %v", r)
		}
	}()
	return i.Eval(src)
}
