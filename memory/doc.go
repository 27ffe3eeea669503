// Package memory provides linear-memory providers for the canonical value bridge.
//
// Linear is an in-process, bounds-checked byte region with a bump allocator
// capped at a configured maximum, suitable for embedded targets and tests.
// WrapWazero adapts a wazero api.Memory, and WrapRealloc adapts a guest
// cabi_realloc export, for hosts that run guest memory under wazero.
package memory
