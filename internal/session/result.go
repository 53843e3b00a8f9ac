// AngelaMos | 2026
// result.go

package session

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyInitialized = errors.New("session manager already initialized")
	ErrDisposed           = errors.New("session manager disposed")
	ErrProviderPanic      = errors.New("identity provider panicked")
)

// Result is the outcome of an imperative operation. Provider failures are
// reported here instead of being returned as errors.
type Result[T any] struct {
	Success bool
	Data    T
	Error   error
}

func succeed[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func fail[T any](err error) Result[T] {
	return Result[T]{Error: err}
}

// invoke runs a provider call, turning a panic into ErrProviderPanic.
func invoke[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			out = zero
			err = fmt.Errorf("%w: %v", ErrProviderPanic, r)
		}
	}()
	return fn()
}
