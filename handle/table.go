package handle

import (
	"fmt"
)

// Table maps handles to objects. Slots are reused, but every reuse
// bumps the generation so old handles stop resolving.
//
// Table is not safe for concurrent use.
type Table[T any] struct {
	owner   Owner
	entries []entry[T]
	free    []uint32
	count   int
}

type entry[T any] struct {
	generation uint16
	used       bool
	value      T
}

func NewTable[T any](owner Owner) *Table[T] {
	return &Table[T]{owner: owner}
}

func (t *Table[T]) Owner() Owner {
	return t.owner
}

func (t *Table[T]) Len() int {
	return t.count
}

func (t *Table[T]) Insert(value T) Handle {
	var slot uint32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		slot = uint32(len(t.entries))
		t.entries = append(t.entries, entry[T]{})
	}
	e := &t.entries[slot]
	e.generation++
	if e.generation == 0 {
		// generation zero is reserved, so a zero Handle never resolves
		e.generation = 1
	}
	e.used = true
	e.value = value
	t.count++
	return Handle{
		Owner:      t.owner,
		Generation: e.generation,
		Slot:       slot,
	}
}

func (t *Table[T]) lookup(h Handle) (*entry[T], error) {
	if h.Owner != t.owner {
		return nil, fmt.Errorf("handle %s is owned by %s, not by %s", h, h.Owner, t.owner)
	}
	if int(h.Slot) >= len(t.entries) {
		return nil, fmt.Errorf("handle %s is out of range", h)
	}
	e := &t.entries[h.Slot]
	if !e.used || e.generation != h.Generation {
		return nil, fmt.Errorf("handle %s is stale", h)
	}
	return e, nil
}

func (t *Table[T]) Get(h Handle) (T, error) {
	e, err := t.lookup(h)
	if err != nil {
		var zeroValue T
		return zeroValue, err
	}
	return e.value, nil
}

func (t *Table[T]) Remove(h Handle) (T, error) {
	e, err := t.lookup(h)
	if err != nil {
		var zeroValue T
		return zeroValue, err
	}
	value := e.value
	var zeroValue T
	e.value = zeroValue
	e.used = false
	t.free = append(t.free, h.Slot)
	t.count--
	return value, nil
}

// Range calls fn for every live entry until fn returns false.
func (t *Table[T]) Range(fn func(Handle, T) bool) {
	for slot := range t.entries {
		e := &t.entries[slot]
		if !e.used {
			continue
		}
		h := Handle{Owner: t.owner, Generation: e.generation, Slot: uint32(slot)}
		if !fn(h, e.value) {
			return
		}
	}
}
