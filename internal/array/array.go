// Package array implements a growable, index-addressed sequence for tables
// the virtual FAT engine addresses by stable index. It backs the FAT's
// cluster table (vfat.FAT); the directory entry bytes and the
// cluster-to-host mapping table are kept in plain slices and maps instead.
//
// This mirrors the original vvfat engine's `array_t` (see
// original_source/vvfat.h), which keeps a `char *pointer` that may be
// reallocated by `realloc()` as the array grows. Go's garbage collector
// makes that reallocation safe to do with a plain slice, but the hazard it
// protects against is the same one Go code runs into: a pointer into the
// backing store is only valid until the next growth. Callers of Array must
// hold indices, never *T obtained from a previous Get/GetNext call, across a
// call that might grow the array.
package array

// Array is a growable sequence of T with amortized-constant append.
//
// Capacity doubles on overflow, same as the original's array_clone_expand.
// Unlike append-based growth, the doubling is explicit here so the grow
// points are easy to reason about when auditing pointer-stability hazards.
type Array[T any] struct {
	items []T
	next  int
}

// New creates an empty Array with room for at least initialCapacity elements
// before the first growth.
func New[T any](initialCapacity int) *Array[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &Array[T]{items: make([]T, initialCapacity)}
}

// Len returns the number of elements appended so far (not the capacity).
func (a *Array[T]) Len() int {
	return a.next
}

// Get returns a pointer to the element at index. The pointer is valid only
// until the next call to GetNext or Remove that triggers a growth; callers
// that need to hold a reference across such a call must re-resolve it by
// index afterward.
func (a *Array[T]) Get(index int) *T {
	if index < 0 || index >= a.next {
		return nil
	}
	return &a.items[index]
}

// GetNext appends a new zero-valued element, growing the backing store if
// necessary, and returns a pointer to it along with its index.
func (a *Array[T]) GetNext() (*T, int) {
	if a.next >= len(a.items) {
		a.grow()
	}
	index := a.next
	a.next++
	return &a.items[index], index
}

func (a *Array[T]) grow() {
	newCap := len(a.items) * 2
	if newCap == 0 {
		newCap = 1
	}
	grown := make([]T, newCap)
	copy(grown, a.items)
	a.items = grown
}

// Remove deletes count elements starting at index, shifting everything after
// them down. This invalidates every index greater than or equal to index;
// callers that keep index-based cross-references (e.g. mapping.DirIndex)
// into regions at or after the removal point must fix them up themselves.
func (a *Array[T]) Remove(index, count int) {
	if count <= 0 || index < 0 || index >= a.next {
		return
	}
	end := index + count
	if end > a.next {
		end = a.next
	}
	copy(a.items[index:], a.items[end:a.next])
	a.next -= end - index
}

// IndexOf returns the index of the element at the given address within this
// array's CURRENT backing store, or -1 if ptr doesn't point into it. Because
// growth reallocates the backing store, a ptr obtained before the most
// recent growth will never match and always returns -1; this is intentional
// since such a pointer is stale.
func (a *Array[T]) IndexOf(ptr *T) int {
	if ptr == nil || len(a.items) == 0 {
		return -1
	}
	for i := range a.items[:a.next] {
		if &a.items[i] == ptr {
			return i
		}
	}
	return -1
}

// RollBack discards the last count appended elements.
func (a *Array[T]) RollBack(count int) {
	a.next -= count
	if a.next < 0 {
		a.next = 0
	}
}

// Reset empties the array without releasing its backing store.
func (a *Array[T]) Reset() {
	a.next = 0
}

// Slice returns the live portion of the backing store. The returned slice
// aliases Array's storage and is invalidated by any subsequent growth.
func (a *Array[T]) Slice() []T {
	return a.items[:a.next]
}
