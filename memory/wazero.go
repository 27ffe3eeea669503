package memory

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/wasm-agent/errors"
)

// Wazero adapts a wazero api.Memory to wasmagent.Memory.
type Wazero struct {
	Mem api.Memory
}

// WrapWazero wraps mem, returning nil for a nil memory.
func WrapWazero(mem api.Memory) *Wazero {
	if mem == nil {
		return nil
	}
	return &Wazero{Mem: mem}
}

func outOfBounds(offset, length uint32) error {
	return errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
		Detail("wazero memory access out of bounds: offset=%d, length=%d", offset, length).
		Value(offset).
		Build()
}

// Size returns the current memory size in bytes.
func (m *Wazero) Size() uint32 { return m.Mem.Size() }

func (m *Wazero) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.Mem.Read(offset, length)
	if !ok {
		return nil, outOfBounds(offset, length)
	}
	return data, nil
}

func (m *Wazero) Write(offset uint32, data []byte) error {
	if !m.Mem.Write(offset, data) {
		return outOfBounds(offset, uint32(len(data)))
	}
	return nil
}

func (m *Wazero) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.Mem.ReadByte(offset)
	if !ok {
		return 0, outOfBounds(offset, 1)
	}
	return v, nil
}

func (m *Wazero) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.Mem.ReadUint16Le(offset)
	if !ok {
		return 0, outOfBounds(offset, 2)
	}
	return v, nil
}

func (m *Wazero) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.Mem.ReadUint32Le(offset)
	if !ok {
		return 0, outOfBounds(offset, 4)
	}
	return v, nil
}

func (m *Wazero) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.Mem.ReadUint64Le(offset)
	if !ok {
		return 0, outOfBounds(offset, 8)
	}
	return v, nil
}

func (m *Wazero) WriteU8(offset uint32, value uint8) error {
	if !m.Mem.WriteByte(offset, value) {
		return outOfBounds(offset, 1)
	}
	return nil
}

func (m *Wazero) WriteU16(offset uint32, value uint16) error {
	if !m.Mem.WriteUint16Le(offset, value) {
		return outOfBounds(offset, 2)
	}
	return nil
}

func (m *Wazero) WriteU32(offset uint32, value uint32) error {
	if !m.Mem.WriteUint32Le(offset, value) {
		return outOfBounds(offset, 4)
	}
	return nil
}

func (m *Wazero) WriteU64(offset uint32, value uint64) error {
	if !m.Mem.WriteUint64Le(offset, value) {
		return outOfBounds(offset, 8)
	}
	return nil
}

// Realloc adapts a guest cabi_realloc export to wasmagent.Allocator.
type Realloc struct {
	Ctx context.Context
	Fn  api.Function
}

// WrapRealloc wraps fn, returning nil for a nil function.
func WrapRealloc(ctx context.Context, fn api.Function) *Realloc {
	if fn == nil {
		return nil
	}
	return &Realloc{Ctx: ctx, Fn: fn}
}

// Alloc allocates through cabi_realloc(0, 0, align, size).
func (a *Realloc) Alloc(size, align uint32) (uint32, error) {
	results, err := a.Fn.Call(a.Ctx, 0, 0, api.EncodeU32(align), api.EncodeU32(size))
	if err != nil {
		return 0, errors.Wrap(errors.PhaseMemory, errors.KindAllocation, err, "cabi_realloc")
	}
	if len(results) == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}
	return api.DecodeU32(results[0]), nil
}

// Free releases through cabi_realloc(ptr, size, align, 0).
func (a *Realloc) Free(ptr, size, align uint32) {
	_, _ = a.Fn.Call(a.Ctx, api.EncodeU32(ptr), api.EncodeU32(size), api.EncodeU32(align), 0)
}
