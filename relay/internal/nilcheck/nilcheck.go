// Package nilcheck detects nil values hidden behind interfaces.
package nilcheck

import "reflect"

// Interface reports whether value is nil, including typed-nil pointers stored
// in an interface.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}

// Any reports whether at least one of the values is nil.
func Any(values ...any) bool {
	for _, value := range values {
		if Interface(value) {
			return true
		}
	}

	return false
}
