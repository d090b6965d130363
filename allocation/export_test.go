package allocation

import "testing"

// SetAllocatorFor swaps the allocator factory until the test ends.
func SetAllocatorFor(t testing.TB, f func(Recognition) (Allocator, error)) {
	prev := allocatorFor
	allocatorFor = f
	t.Cleanup(func() { allocatorFor = prev })
}
