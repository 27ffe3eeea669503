package resource

import (
	"sync"

	"github.com/wippyai/wasm-agent/errors"
)

// Table maps handles to host values and tracks their lifecycle.
// It is safe for concurrent use; an Agent is normally its only writer.
type Table struct {
	entries   []entry
	freeList  []int
	observers []Observer
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	closed    bool
}

type entry struct {
	value   any
	source  Handle
	scope   Scope
	typeID  uint32
	rep     uint32
	borrows uint32
	owner   Owner
	holder  Owner
	state   State
	gen     uint8
	valid   bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries:  make([]entry, 0, 64),
		freeList: make([]int, 0, 16),
	}
}

var errClosed = errors.New(errors.PhaseResource, errors.KindClosed).
	Detail("resource table closed").
	Build()

// lookup returns the live slot for h. Caller holds mu.
func (t *Table) lookup(h Handle) *entry {
	if h == 0 {
		return nil
	}
	idx := h.slot()
	if idx < 0 || idx >= len(t.entries) {
		return nil
	}
	e := &t.entries[idx]
	if !e.valid || e.gen != h.gen() {
		return nil
	}
	return e
}

// insert places e in a free slot and returns its handle. Caller holds mu.
func (t *Table) insert(e entry) (Handle, error) {
	e.valid = true
	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		e.gen = t.entries[idx].gen + 1
		t.entries[idx] = e
		return makeHandle(idx, e.gen), nil
	}
	if len(t.entries) >= MaxEntries {
		return 0, errors.LimitExceeded(errors.PhaseResource, "resource entries", uint64(len(t.entries)+1), MaxEntries)
	}
	t.entries = append(t.entries, e)
	return makeHandle(len(t.entries)-1, 0), nil
}

// release invalidates the slot of h. Caller holds mu.
func (t *Table) release(h Handle) {
	idx := h.slot()
	gen := t.entries[idx].gen
	t.entries[idx] = entry{gen: gen}
	t.freeList = append(t.freeList, idx)
}

func (t *Table) create(typeID uint32, value any, rep uint32, state State) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, errClosed
	}
	h, err := t.insert(entry{
		typeID: typeID,
		value:  value,
		rep:    rep,
		state:  state,
		owner:  OwnerHost,
	})
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if state != StateAllocated {
		t.notify(Event{Type: EventCreated, Handle: h, TypeID: typeID, Value: value})
	}
	return h, nil
}

// Allocate stores value and returns an owned handle in state Ready, owned by
// the host until transferred.
func (t *Table) Allocate(typeID uint32, value any) (Handle, error) {
	return t.create(typeID, value, 0, StateReady)
}

// AllocateFromRep creates an owned handle for a guest representation, as
// done by resource.new.
func (t *Table) AllocateFromRep(typeID uint32, rep uint32) (Handle, error) {
	return t.create(typeID, nil, rep, StateReady)
}

// Reserve creates an entry in state Allocated. It is not usable until
// Attach completes it.
func (t *Table) Reserve(typeID uint32) (Handle, error) {
	return t.create(typeID, nil, 0, StateAllocated)
}

// Attach completes a reserved entry, moving it to Ready.
func (t *Table) Attach(h Handle, value any, rep uint32) error {
	t.mu.Lock()
	e := t.lookup(h)
	if e == nil {
		t.mu.Unlock()
		return errors.ResourceError(uint32(h), "invalid handle")
	}
	if e.state != StateAllocated {
		state := e.state
		t.mu.Unlock()
		return errors.ResourceError(uint32(h), "cannot attach in state %s", state)
	}
	e.value = value
	e.rep = rep
	e.state = StateReady
	ev := Event{Type: EventCreated, Handle: h, TypeID: e.typeID, Value: value}
	t.mu.Unlock()

	t.notify(ev)
	return nil
}

// resolve follows a borrow to its source entry. Caller holds mu.
func (t *Table) resolve(h Handle) *entry {
	e := t.lookup(h)
	if e == nil {
		return nil
	}
	if e.source != 0 {
		return t.lookup(e.source)
	}
	return e
}

// Get returns the value behind a usable handle. Borrows resolve to the value
// of their source.
func (t *Table) Get(h Handle) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.lookup(h)
	if e == nil || !e.state.Live() {
		return nil, false
	}
	if e.source != 0 {
		src := t.lookup(e.source)
		if src == nil {
			return nil, false
		}
		return src.value, true
	}
	return e.value, true
}

// GetTyped retrieves a value only if it matches the expected type.
func (t *Table) GetTyped(h Handle, typeID uint32) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.lookup(h)
	if e == nil || !e.state.Live() || e.typeID != typeID {
		return nil, false
	}
	if src := t.resolve(h); src != nil {
		return src.value, true
	}
	return nil, false
}

// Rep returns the guest representation behind a usable handle.
func (t *Table) Rep(h Handle) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.lookup(h)
	if e == nil || !e.state.Live() {
		return 0, false
	}
	if src := t.resolve(h); src != nil {
		return src.rep, true
	}
	return 0, false
}

// TypeID returns the type of a handle that has not been dropped.
func (t *Table) TypeID(h Handle) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.lookup(h)
	if e == nil {
		return 0, false
	}
	return e.typeID, true
}

// State returns the lifecycle tag of h. Handles that are no longer in the
// table report Dropped.
func (t *Table) State(h Handle) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e := t.lookup(h); e != nil {
		return e.state
	}
	return StateDropped
}

// Lookup returns a copy of the entry for h.
func (t *Table) Lookup(h Handle) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.lookup(h)
	if e == nil {
		return Entry{}, false
	}
	return e.export(h), true
}

func (e *entry) export(h Handle) Entry {
	return Entry{
		Value:   e.value,
		Handle:  h,
		Source:  e.source,
		Scope:   e.scope,
		TypeID:  e.typeID,
		Rep:     e.rep,
		Borrows: e.borrows,
		Owner:   e.owner,
		Holder:  e.holder,
		State:   e.state,
	}
}

// Transfer moves an owned handle to newOwner, leaving it Active. Handles
// with outstanding borrows cannot move.
func (t *Table) Transfer(h Handle, newOwner Owner) error {
	t.mu.Lock()
	e := t.lookup(h)
	switch {
	case e == nil:
		t.mu.Unlock()
		return errors.ResourceError(uint32(h), "invalid handle")
	case e.source != 0:
		t.mu.Unlock()
		return errors.ResourceError(uint32(h), "cannot transfer a borrowed handle")
	case e.state != StateReady && e.state != StateActive:
		state := e.state
		t.mu.Unlock()
		return errors.ResourceError(uint32(h), "cannot transfer in state %s", state)
	case e.borrows > 0:
		n := e.borrows
		t.mu.Unlock()
		return errors.ResourceError(uint32(h), "cannot transfer with %d outstanding borrows", n)
	}
	e.owner = newOwner
	e.state = StateActive
	ev := Event{Type: EventTransferred, Handle: h, TypeID: e.typeID, Owner: newOwner, Value: e.value}
	t.mu.Unlock()

	t.notify(ev)
	return nil
}

// Borrow creates a transient handle to h held by holder and tied to scope.
// Borrowing a borrow borrows its source. The source must not be dropped or
// pending drop.
func (t *Table) Borrow(h Handle, holder Owner, scope Scope) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, errClosed
	}
	e := t.lookup(h)
	if e == nil {
		t.mu.Unlock()
		return 0, errors.ResourceError(uint32(h), "cannot borrow: handle dropped or invalid")
	}
	srcHandle := h
	if e.source != 0 {
		srcHandle = e.source
		e = t.lookup(srcHandle)
		if e == nil {
			t.mu.Unlock()
			return 0, errors.ResourceError(uint32(h), "cannot borrow: source dropped")
		}
	}
	if e.state != StateReady && e.state != StateActive {
		state := e.state
		t.mu.Unlock()
		return 0, errors.ResourceError(uint32(h), "cannot borrow in state %s", state)
	}

	typeID := e.typeID
	value := e.value
	b, err := t.insert(entry{
		typeID: typeID,
		source: srcHandle,
		scope:  scope,
		state:  StateBorrowed,
		holder: holder,
		owner:  e.owner,
	})
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	// insert may grow the slice, so the source is looked up again.
	t.lookup(srcHandle).borrows++
	t.mu.Unlock()

	t.notify(Event{Type: EventBorrowed, Handle: b, TypeID: typeID, Owner: holder, Value: value})
	return b, nil
}

// returnBorrow releases borrow entry h and finishes a pending drop of its
// source if this was the last borrow. Caller holds mu; events are appended.
func (t *Table) returnBorrow(h Handle, e *entry, events []Event) []Event {
	src := e.source
	typeID := e.typeID
	holder := e.holder
	t.release(h)
	events = append(events, Event{Type: EventBorrowReturned, Handle: h, TypeID: typeID, Owner: holder})

	s := t.lookup(src)
	if s == nil {
		return events
	}
	if s.borrows > 0 {
		s.borrows--
	}
	if s.borrows == 0 && s.state == StatePendingDrop {
		events = append(events, Event{Type: EventDropped, Handle: src, TypeID: s.typeID, Owner: s.owner, Value: s.value})
		t.release(src)
	}
	return events
}

// ReleaseScope invalidates every borrow created in scope and returns how
// many were released.
func (t *Table) ReleaseScope(scope Scope) int {
	if scope == 0 {
		return 0
	}

	t.mu.Lock()
	var events []Event
	n := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.valid && e.source != 0 && e.scope == scope {
			events = t.returnBorrow(makeHandle(i, e.gen), e, events)
			n++
		}
	}
	t.mu.Unlock()

	t.dispatch(events)
	return n
}

// ReleaseBorrows returns the given borrow handles, skipping any that are
// already gone. It returns how many were released.
func (t *Table) ReleaseBorrows(handles []Handle) int {
	t.mu.Lock()
	var events []Event
	n := 0
	for _, h := range handles {
		e := t.lookup(h)
		if e == nil || e.source == 0 {
			continue
		}
		events = t.returnBorrow(h, e, events)
		n++
	}
	t.mu.Unlock()

	t.dispatch(events)
	return n
}

// Drop ends a handle. A borrow is returned to its source. An owned handle
// with outstanding borrows moves to PendingDrop and is destroyed when the
// last borrow is returned; otherwise it is destroyed immediately.
func (t *Table) Drop(h Handle) error {
	t.mu.Lock()
	e := t.lookup(h)
	if e == nil {
		t.mu.Unlock()
		return errors.ResourceError(uint32(h), "drop of dropped or invalid handle")
	}

	if e.source != 0 {
		events := t.returnBorrow(h, e, nil)
		t.mu.Unlock()
		t.dispatch(events)
		return nil
	}

	switch e.state {
	case StatePendingDrop:
		t.mu.Unlock()
		return errors.ResourceError(uint32(h), "drop already pending")
	case StateAllocated:
		t.release(h)
		t.mu.Unlock()
		return nil
	}

	if e.borrows > 0 {
		e.state = StatePendingDrop
		t.mu.Unlock()
		return nil
	}

	ev := Event{Type: EventDropped, Handle: h, TypeID: e.typeID, Owner: e.owner, Value: e.value}
	t.release(h)
	t.mu.Unlock()

	t.dispatch([]Event{ev})
	return nil
}

// Len returns the number of entries in the table, borrows included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries) - len(t.freeList)
}

// LiveCount returns the number of owned entries that have not been dropped.
func (t *Table) LiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.entries {
		if e.valid && e.source == 0 {
			n++
		}
	}
	return n
}

// BorrowCount returns the number of outstanding borrow entries.
func (t *Table) BorrowCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.entries {
		if e.valid && e.source != 0 {
			n++
		}
	}
	return n
}

// Each iterates over all entries until fn returns false.
func (t *Table) Each(fn func(Entry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.entries {
		e := &t.entries[i]
		if e.valid {
			if !fn(e.export(makeHandle(i, e.gen))) {
				break
			}
		}
	}
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Clear drops every entry, calling Drop on values that implement Dropper.
func (t *Table) Clear() {
	t.mu.Lock()
	var events []Event
	for i := range t.entries {
		e := &t.entries[i]
		if !e.valid {
			continue
		}
		h := makeHandle(i, e.gen)
		if e.source != 0 {
			events = append(events, Event{Type: EventBorrowReturned, Handle: h, TypeID: e.typeID, Owner: e.holder})
		} else if e.state != StateAllocated {
			events = append(events, Event{Type: EventDropped, Handle: h, TypeID: e.typeID, Owner: e.owner, Value: e.value})
		}
		t.release(h)
	}
	t.mu.Unlock()

	t.dispatch(events)
}

// Close drops all entries and rejects further allocation.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.Clear()
	return nil
}

// dispatch runs destructors for dropped values and notifies observers.
func (t *Table) dispatch(events []Event) {
	for _, ev := range events {
		if ev.Type == EventDropped {
			if d, ok := ev.Value.(Dropper); ok {
				d.Drop()
			}
		}
		t.notify(ev)
	}
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
