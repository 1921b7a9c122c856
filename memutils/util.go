package memutils

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer type that byte offsets and sizes can be expressed in
type Number interface {
	constraints.Integer
}

// CheckPow2 returns ErrNotPowerOfTwo, annotated with name, if number is not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return errors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// CheckAlignment returns ErrInvalidAlignment, annotated with name, if alignment cannot be used
// with AlignUp
func CheckAlignment[T Number](alignment T, name string) error {
	if alignment <= 0 {
		return errors.Wrapf(ErrInvalidAlignment, "%s is %d", name, alignment)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment. Vertex strides are frequently not
// powers of two, so non-power-of-two alignments are supported through a slower path.
func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}

	if alignment&(alignment-1) == 0 {
		return (value + int(alignment) - 1) & int(^(alignment - 1))
	}

	return ((value + int(alignment) - 1) / int(alignment)) * int(alignment)
}
