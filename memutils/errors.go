package memutils

import "github.com/cockroachdb/errors"

// ErrNotPowerOfTwo is returned from CheckPow2 if the number being tested is not a power of two
var ErrNotPowerOfTwo = errors.New("number must be a power of two")

// ErrInvalidAlignment is returned from CheckAlignment when an alignment is zero or negative
var ErrInvalidAlignment = errors.New("alignment must be greater than zero")
