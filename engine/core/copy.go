package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// deepCopyMap returns a deep copy of the provided map[string]any.
func deepCopyMap(m map[string]any) (map[string]any, error) {
	copiedInterface := deepcopy.Copy(m)
	copied, ok := copiedInterface.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to copy map")
	}
	return copied, nil
}

// DeepCopy creates a deep copy of the supplied value. Params and Result (and
// their pointer forms) are special-cased so the copy retains the concrete
// type instead of devolving into the plain map returned by the deepcopy
// library. Nil maps and nil pointers are treated as absent and yield the
// zero value of T.
func DeepCopy[T any](v T) (T, error) {
	var zero T

	switch src := any(v).(type) {
	case Params:
		return deepCopyParams(src, zero)
	case Result:
		return deepCopyResult(src, zero)
	case *Params:
		return deepCopyParamsPtr(src, zero)
	case *Result:
		return deepCopyResultPtr(src, zero)
	default:
		return deepCopyGeneric(v, zero)
	}
}

func deepCopyParams[T any](src Params, zero T) (T, error) {
	if src == nil {
		return zero, nil
	}
	copied, err := deepCopyMap(map[string]any(src))
	if err != nil {
		return zero, fmt.Errorf("failed to copy Params type: %w", err)
	}
	dst := Params(copied)
	result, ok := any(dst).(T)
	if !ok {
		return zero, fmt.Errorf("failed to cast Params to type %T", zero)
	}
	return result, nil
}

func deepCopyResult[T any](src Result, zero T) (T, error) {
	if src == nil {
		return zero, nil
	}
	copied, err := deepCopyMap(map[string]any(src))
	if err != nil {
		return zero, fmt.Errorf("failed to copy Result type: %w", err)
	}
	dst := Result(copied)
	result, ok := any(dst).(T)
	if !ok {
		return zero, fmt.Errorf("failed to cast Result to type %T", zero)
	}
	return result, nil
}

func deepCopyParamsPtr[T any](src *Params, zero T) (T, error) {
	if src == nil || *src == nil {
		return zero, nil
	}
	copied, err := deepCopyMap(map[string]any(*src))
	if err != nil {
		return zero, fmt.Errorf("failed to copy *Params type: %w", err)
	}
	dst := Params(copied)
	result, ok := any(&dst).(T)
	if !ok {
		return zero, fmt.Errorf("failed to cast *Params to type %T", zero)
	}
	return result, nil
}

func deepCopyResultPtr[T any](src *Result, zero T) (T, error) {
	if src == nil || *src == nil {
		return zero, nil
	}
	copied, err := deepCopyMap(map[string]any(*src))
	if err != nil {
		return zero, fmt.Errorf("failed to copy *Result type: %w", err)
	}
	dst := Result(copied)
	result, ok := any(&dst).(T)
	if !ok {
		return zero, fmt.Errorf("failed to cast *Result to type %T", zero)
	}
	return result, nil
}

func deepCopyGeneric[T any](v T, zero T) (T, error) {
	copied := deepcopy.Copy(v)
	result, ok := copied.(T)
	if !ok {
		return zero, fmt.Errorf("failed to cast copied value to type %T", zero)
	}
	return result, nil
}
