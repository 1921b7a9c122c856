package meshheap

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// ErrOutOfSpace is returned when a shared buffer cannot hold a new mesh, even after compaction
// and growth have been attempted
var ErrOutOfSpace = errors.New("mesh heap is out of space")

// ErrGrowthFailed is returned when the device could not provide a larger shared buffer. Errors
// that match it always match ErrOutOfSpace as well, with either errors.Is implementation.
var ErrGrowthFailed = errors.New("shared buffer growth failed")

// ErrInvalidSubresource is returned for subresource indices other than gpu.SubresourceVertex and
// gpu.SubresourceIndex, and for data that does not fit the mesh's range
var ErrInvalidSubresource = errors.New("invalid subresource")

// ErrUseAfterDestroy is returned from every mesh operation performed after the mesh has been
// deallocated or its heap cleared
var ErrUseAfterDestroy = errors.New("transient mesh has been destroyed")

// ErrStaleRead is returned when reading a mesh whose range has been reclaimed
var ErrStaleRead = ErrUseAfterDestroy

// ErrUnsupported is returned when the device cannot perform the requested operation
var ErrUnsupported = errors.New("operation not supported by the device")

// ErrForeignMesh is returned when a mesh is passed to a heap that did not create it
var ErrForeignMesh = errors.New("transient mesh belongs to a different heap")

var ErrInvalidArgument = errors.New("invalid argument")

// ErrHeapDestroyed is returned from every heap operation performed after Destroy
var ErrHeapDestroyed = errors.New("mesh heap has been destroyed")

// markedError matches a set of sentinels through an Is method, so that both the standard library
// and cockroachdb errors.Is find them, while still unwrapping to the underlying cause
type markedError struct {
	cause     error
	sentinels []error
}

func markError(cause error, sentinels ...error) error {
	return &markedError{cause: cause, sentinels: sentinels}
}

func (e *markedError) Error() string { return e.cause.Error() }
func (e *markedError) Unwrap() error { return e.cause }

func (e *markedError) Is(target error) bool {
	return slices.Contains(e.sentinels, target)
}
