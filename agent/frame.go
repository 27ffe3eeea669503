package agent

import (
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/resource"
)

// label is an open structured block.
type label struct {
	start  uint32 // pc of the block instruction
	end    uint32 // pc of the matching end
	height uint32 // operand height at entry
	arity  uint8  // values carried by a branch
	loop   bool
}

// CallFrame is one activation. Frames reference their caller by index in
// the call stack, never by pointer.
type CallFrame struct {
	Locals   []uint64
	Operands []uint64
	Borrows  []resource.Handle // borrows lowered into this frame
	labels   []label

	Scope       resource.Scope
	Instance    InstanceID
	Function    uint32
	IP          uint32
	ResumeIP    uint32 // caller IP to return to
	Caller      int    // caller frame index, -1 for the host
	CallSiteID  uint32
	ReturnArity int
}

func (f *CallFrame) push(v uint64) { f.Operands = append(f.Operands, v) }

func (f *CallFrame) pop() uint64 {
	n := len(f.Operands) - 1
	v := f.Operands[n]
	f.Operands = f.Operands[:n]
	return v
}

// peek returns the operand depth slots below the top.
func (f *CallFrame) peek(depth int) uint64 {
	return f.Operands[len(f.Operands)-1-depth]
}

// popN removes and returns the top n operands in stack order.
func (f *CallFrame) popN(n int) []uint64 {
	start := len(f.Operands) - n
	out := make([]uint64, n)
	copy(out, f.Operands[start:])
	f.Operands = f.Operands[:start]
	return out
}

func (f *CallFrame) clone() CallFrame {
	c := *f
	c.Locals = append([]uint64(nil), f.Locals...)
	c.Operands = append([]uint64(nil), f.Operands...)
	c.Borrows = append([]resource.Handle(nil), f.Borrows...)
	c.labels = append([]label(nil), f.labels...)
	return c
}

// callStack is a bounded arena of frames.
type callStack struct {
	frames []CallFrame
	limit  int
}

func newCallStack(limit int) callStack {
	initial := limit
	if initial > 64 {
		initial = 64
	}
	return callStack{frames: make([]CallFrame, 0, initial), limit: limit}
}

func (s *callStack) depth() int { return len(s.frames) }

func (s *callStack) push(f CallFrame) error {
	if len(s.frames) >= s.limit {
		return errors.CallStackExhausted(len(s.frames)+1, s.limit)
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *callStack) top() *CallFrame { return &s.frames[len(s.frames)-1] }

func (s *callStack) pop() CallFrame {
	n := len(s.frames) - 1
	f := s.frames[n]
	s.frames[n] = CallFrame{}
	s.frames = s.frames[:n]
	return f
}

func (s *callStack) snapshot() []CallFrame {
	out := make([]CallFrame, len(s.frames))
	for i := range s.frames {
		out[i] = s.frames[i].clone()
	}
	return out
}

func (s *callStack) restore(frames []CallFrame) {
	s.frames = append(s.frames[:0], frames...)
}

func (s *callStack) borrows() []resource.Handle {
	var out []resource.Handle
	for i := range s.frames {
		out = append(out, s.frames[i].Borrows...)
	}
	return out
}
