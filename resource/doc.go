// Package resource provides the handle table behind own and borrow values.
//
// Every handle carries a lifecycle tag:
//
//	Allocated   reserved, not yet usable
//	Ready       owned, held by its creator (the host by default)
//	Active      owned, transferred to an instance
//	Borrowed    transient borrow tied to a call frame scope
//	PendingDrop owner dropped it while borrows were outstanding
//	Dropped     gone; every later use fails
//
// # Ownership
//
//	table := resource.NewTable()
//	h, _ := table.Allocate(fileTypeID, file)
//	_ = table.Transfer(h, resource.Owner(instanceID))
//
// # Borrows
//
// Borrows are separate entries pointing at their source. They belong to a
// Scope, normally a call frame id, and ReleaseScope invalidates all of them
// when the frame pops whether or not the callee dropped them:
//
//	b, _ := table.Borrow(h, resource.Owner(callee), resource.Scope(frameID))
//	...
//	table.ReleaseScope(resource.Scope(frameID)) // b is now Dropped
//
// Dropping an owned handle with outstanding borrows moves it to PendingDrop;
// the destructor runs when the last borrow returns.
//
// # Observers
//
// Observers see Created, Dropped, Borrowed, BorrowReturned and Transferred
// events after the table lock is released. Values implementing Dropper have
// Drop called when their entry is destroyed.
//
// # Migration
//
// Snapshot and Restore copy owned entries between tables with identical
// handles and lifecycle tags.
package resource
