package safe

import (
	"fmt"
	"reflect"

	"PPChat/logger"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required collaborators during construction.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// SafeGo starts a new goroutine that recovers from panic,
// so that one misbehaving connection doesn't crash the process.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name, nil)
		f()
	}()
}

// Call runs f and converts a panic into an error.
func Call(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
		}
	}()
	return f()
}

// Recover logs a recovered panic; use with defer.
func Recover(name string, onPanic func(error)) {
	if r := recover(); r != nil {
		err := errs.ErrPanic(r)
		logger.Error("panic recovered", zap.String("where", name), zap.Error(err))
		if onPanic != nil {
			onPanic(err)
		}
	}
}
