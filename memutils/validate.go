package memutils

// Validatable is anything that can check its own internal consistency. Region metadata and mesh
// heaps both implement it, so that DebugValidate can check them after every mutation in builds
// with the debug_mem_utils tag.
type Validatable interface {
	Validate() error
}
