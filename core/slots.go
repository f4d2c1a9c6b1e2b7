package core

// slotTable maps opaque integer handles to live values. Handle zero is never
// issued. The low 32 bits hold index+1 and the high 32 bits a generation
// that changes every time an index is reused, so a stale handle returned by
// the host cannot reach a newer occupant. Not safe for concurrent use; the
// engine guards it with its own mutex.
type slotTable[T any] struct {
	entries []slotEntry[T]
	free    []uint32
	live    int
}

type slotEntry[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

func (t *slotTable[T]) insert(value T) uint64 {
	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.entries = append(t.entries, slotEntry[T]{})
		index = uint32(len(t.entries) - 1)
	}
	entry := &t.entries[index]
	entry.generation++
	entry.value = value
	entry.occupied = true
	t.live++
	return uint64(entry.generation)<<32 | uint64(index+1)
}

func (t *slotTable[T]) lookup(handle uint64) (*slotEntry[T], uint32, bool) {
	low := uint32(handle)
	if low == 0 || int(low) > len(t.entries) {
		return nil, 0, false
	}
	index := low - 1
	entry := &t.entries[index]
	if !entry.occupied || entry.generation != uint32(handle>>32) {
		return nil, 0, false
	}
	return entry, index, true
}

func (t *slotTable[T]) get(handle uint64) (T, bool) {
	entry, _, ok := t.lookup(handle)
	if !ok {
		var zero T
		return zero, false
	}
	return entry.value, true
}

// take removes the value so a second take of the same handle fails.
func (t *slotTable[T]) take(handle uint64) (T, bool) {
	var zero T
	entry, index, ok := t.lookup(handle)
	if !ok {
		return zero, false
	}
	value := entry.value
	entry.value = zero
	entry.occupied = false
	t.free = append(t.free, index)
	t.live--
	return value, true
}

// drain empties the table and returns every live value.
func (t *slotTable[T]) drain() []T {
	out := make([]T, 0, t.live)
	var zero T
	for index := range t.entries {
		entry := &t.entries[index]
		if !entry.occupied {
			continue
		}
		out = append(out, entry.value)
		entry.value = zero
		entry.occupied = false
		t.free = append(t.free, uint32(index))
	}
	t.live = 0
	return out
}

func (t *slotTable[T]) len() int {
	return t.live
}
