package resource

import "strconv"

// Handle is an opaque reference to a resource in a table.
// Handle 0 is reserved and always invalid.
//
// The low 24 bits select a table slot and the high 8 bits carry the slot
// generation, so a handle to a dropped entry never aliases a later one.
type Handle uint32

const (
	slotBits = 24
	slotMask = 1<<slotBits - 1

	// MaxEntries bounds the number of slots a table can address.
	MaxEntries = slotMask
)

func makeHandle(slot int, gen uint8) Handle {
	return Handle(uint32(gen)<<slotBits | uint32(slot+1))
}

func (h Handle) slot() int  { return int(h&slotMask) - 1 }
func (h Handle) gen() uint8 { return uint8(h >> slotBits) }

// Owner identifies who is responsible for dropping an owned handle.
// OwnerHost is the embedder; component instances use their instance id.
type Owner uint32

const OwnerHost Owner = 0

// Scope ties borrow entries to the call frame that created them.
// Scope 0 means unscoped.
type Scope uint64

// State is the lifecycle tag of a handle.
type State uint8

const (
	StateAllocated State = iota
	StateReady
	StateActive
	StateBorrowed
	StatePendingDrop
	StateDropped
)

var stateNames = [...]string{
	StateAllocated:   "allocated",
	StateReady:       "ready",
	StateActive:      "active",
	StateBorrowed:    "borrowed",
	StatePendingDrop: "pending-drop",
	StateDropped:     "dropped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Live reports whether a handle in state s may be used by its holder.
func (s State) Live() bool {
	return s == StateReady || s == StateActive || s == StateBorrowed
}

// Event types for resource lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
	EventBorrowed
	EventBorrowReturned
	EventTransferred
)

// Event represents a resource lifecycle event.
type Event struct {
	Value  any
	Handle Handle
	TypeID uint32
	Owner  Owner
	Type   EventType
}

// Observer receives notifications about resource lifecycle events.
// Notifications are delivered after the table lock is released.
type Observer interface {
	OnResourceEvent(Event)
}

// Dropper is optionally implemented by resource values that need cleanup.
type Dropper interface {
	Drop()
}

// Entry is an exported copy of a table entry. Source, Scope and Holder are
// set for borrow entries; Borrows counts outstanding borrows of an owned one.
type Entry struct {
	Value   any
	Handle  Handle
	Source  Handle
	Scope   Scope
	TypeID  uint32
	Rep     uint32
	Borrows uint32
	Owner   Owner
	Holder  Owner
	State   State
}

// IsBorrow reports whether the entry is a transient borrow.
func (e Entry) IsBorrow() bool { return e.Source != 0 }
