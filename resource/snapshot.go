package resource

import (
	"github.com/wippyai/wasm-agent/errors"
)

// Snapshot returns the owned entries of the table in handle-slot order.
// Borrows are frame-scoped and never part of a snapshot.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries)-len(t.freeList))
	for i := range t.entries {
		e := &t.entries[i]
		if e.valid && e.source == 0 {
			out = append(out, e.export(makeHandle(i, e.gen)))
		}
	}
	return out
}

// Generations returns the generation of every slot, free ones included.
// Passed to Restore it keeps handles issued after the restore from aliasing
// handles that were dropped before the snapshot.
func (t *Table) Generations() []uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]uint8, len(t.entries))
	for i := range t.entries {
		out[i] = t.entries[i].gen
	}
	return out
}

// Restore loads entries into an empty table, preserving their handles,
// owners and lifecycle tags. Free slots take their generation from
// generations; without it they start at the highest generation restored.
// Nothing is written unless every entry is valid.
func (t *Table) Restore(entries []Entry, generations []uint8) error {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		return errClosed
	}
	if len(t.entries) != len(t.freeList) {
		t.mu.Unlock()
		return errors.ResourceError(0, "restore into a non-empty table")
	}
	if len(generations) > MaxEntries {
		t.mu.Unlock()
		return errors.LimitExceeded(errors.PhaseResource, "resource entries", uint64(len(generations)), MaxEntries)
	}

	size := len(generations)
	var maxGen uint8
	seen := make(map[int]struct{}, len(entries))
	for _, e := range entries {
		if e.Handle == 0 {
			t.mu.Unlock()
			return errors.ResourceError(0, "restore of null handle")
		}
		if e.IsBorrow() {
			t.mu.Unlock()
			return errors.ResourceError(uint32(e.Handle), "borrowed handles cannot be restored")
		}
		switch e.State {
		case StateAllocated, StateReady, StateActive:
		default:
			t.mu.Unlock()
			return errors.ResourceError(uint32(e.Handle), "cannot restore in state %s", e.State)
		}
		slot := e.Handle.slot()
		if _, dup := seen[slot]; dup {
			t.mu.Unlock()
			return errors.ResourceError(uint32(e.Handle), "duplicate slot in snapshot")
		}
		seen[slot] = struct{}{}
		if slot >= size {
			size = slot + 1
		}
		if g := e.Handle.gen(); g > maxGen {
			maxGen = g
		}
	}

	t.entries = make([]entry, size)
	t.freeList = t.freeList[:0]
	for i := range t.entries {
		if i < len(generations) {
			t.entries[i].gen = generations[i]
		} else {
			t.entries[i].gen = maxGen
		}
	}
	for _, e := range entries {
		t.entries[e.Handle.slot()] = entry{
			value:  e.Value,
			typeID: e.TypeID,
			rep:    e.Rep,
			owner:  e.Owner,
			state:  e.State,
			gen:    e.Handle.gen(),
			valid:  true,
		}
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		if !t.entries[i].valid {
			t.freeList = append(t.freeList, i)
		}
	}
	t.mu.Unlock()

	for _, e := range entries {
		if e.State != StateAllocated {
			t.notify(Event{Type: EventCreated, Handle: e.Handle, TypeID: e.TypeID, Owner: e.Owner, Value: e.Value})
		}
	}
	return nil
}
