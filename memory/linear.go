package memory

import (
	"encoding/binary"

	"github.com/wippyai/wasm-agent/errors"
)

// PageSize is the WebAssembly page size in bytes.
const PageSize = 65536

// reserved keeps address 0 unallocated so a zero pointer is never valid.
const reserved = 8

// Linear is a growable byte region bounded by a hard limit. It implements
// wasmagent.Memory, wasmagent.MemorySizer and wasmagent.Allocator.
//
// Allocation is a bump pointer. Frees of the most recent allocation roll the
// pointer back, so a sequence of allocations released in reverse order
// restores the region exactly.
type Linear struct {
	buf   []byte
	limit uint32
	next  uint32
	inUse uint32
}

// NewLinear creates a memory of initial bytes that may grow up to limit bytes.
func NewLinear(initial, limit uint32) *Linear {
	if initial > limit {
		initial = limit
	}
	return &Linear{
		buf:   make([]byte, initial),
		limit: limit,
		next:  reserved,
	}
}

// Size returns the current size in bytes.
func (m *Linear) Size() uint32 { return uint32(len(m.buf)) }

// Limit returns the maximum size in bytes.
func (m *Linear) Limit() uint32 { return m.limit }

// InUse returns the number of bytes currently handed out by Alloc.
func (m *Linear) InUse() uint32 { return m.inUse }

// Grow extends the memory by delta bytes, returning the previous size.
func (m *Linear) Grow(delta uint32) (uint32, bool) {
	old := uint32(len(m.buf))
	if delta > m.limit-old {
		return old, false
	}
	m.buf = append(m.buf, make([]byte, delta)...)
	return old, true
}

func (m *Linear) check(offset, length uint32) error {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(m.buf)) {
		return errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
			Detail("access [%d, %d) beyond memory size %d", offset, end, len(m.buf)).
			Value(offset).
			Build()
	}
	return nil
}

func (m *Linear) Read(offset uint32, length uint32) ([]byte, error) {
	if err := m.check(offset, length); err != nil {
		return nil, err
	}
	return m.buf[offset : offset+length], nil
}

func (m *Linear) Write(offset uint32, data []byte) error {
	if err := m.check(offset, uint32(len(data))); err != nil {
		return err
	}
	copy(m.buf[offset:], data)
	return nil
}

func (m *Linear) ReadU8(offset uint32) (uint8, error) {
	if err := m.check(offset, 1); err != nil {
		return 0, err
	}
	return m.buf[offset], nil
}

func (m *Linear) ReadU16(offset uint32) (uint16, error) {
	if err := m.check(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.buf[offset:]), nil
}

func (m *Linear) ReadU32(offset uint32) (uint32, error) {
	if err := m.check(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.buf[offset:]), nil
}

func (m *Linear) ReadU64(offset uint32) (uint64, error) {
	if err := m.check(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.buf[offset:]), nil
}

func (m *Linear) WriteU8(offset uint32, value uint8) error {
	if err := m.check(offset, 1); err != nil {
		return err
	}
	m.buf[offset] = value
	return nil
}

func (m *Linear) WriteU16(offset uint32, value uint16) error {
	if err := m.check(offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.buf[offset:], value)
	return nil
}

func (m *Linear) WriteU32(offset uint32, value uint32) error {
	if err := m.check(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.buf[offset:], value)
	return nil
}

func (m *Linear) WriteU64(offset uint32, value uint64) error {
	if err := m.check(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.buf[offset:], value)
	return nil
}

// Alloc reserves size bytes aligned to align, growing the memory within its
// limit when needed.
func (m *Linear) Alloc(size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	ptr := (uint64(m.next) + uint64(align) - 1) &^ (uint64(align) - 1)
	end := ptr + uint64(size)
	if end > uint64(m.limit) {
		return 0, errors.New(errors.PhaseMemory, errors.KindAllocation).
			Detail("failed to allocate %d bytes (align %d): limit %d reached", size, align, m.limit).
			Build()
	}
	if end > uint64(len(m.buf)) {
		if _, ok := m.Grow(uint32(end) - uint32(len(m.buf))); !ok {
			return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
		}
	}
	m.next = uint32(end)
	m.inUse += size
	return uint32(ptr), nil
}

// Free releases an allocation. Only the most recent allocation returns its
// space to the bump pointer; other frees are accounted but not reused.
func (m *Linear) Free(ptr, size, _ uint32) {
	if ptr == 0 {
		return
	}
	if size > m.inUse {
		size = m.inUse
	}
	m.inUse -= size
	if ptr+size == m.next {
		m.next = ptr
	}
	if m.inUse == 0 {
		m.next = reserved
	}
}
