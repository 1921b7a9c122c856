//go:build debug_mem_utils

package memutils

import "fmt"

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(fmt.Sprintf("region metadata failed validation: %+v", err))
	}
}

// DebugValidationEnabled reports whether the debug_mem_utils build tag is present
const DebugValidationEnabled = true
