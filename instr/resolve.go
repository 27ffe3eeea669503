package instr

import (
	"strconv"

	"github.com/wippyai/wasm-agent/errors"
)

// Resolve fills Else and End for every structured instruction of every
// function. It only checks nesting; the rest of validation is assumed done.
// Resolving an already resolved module is a no-op.
func Resolve(m *Module) error {
	for i := range m.Functions {
		f := &m.Functions[i]
		if f.resolved {
			continue
		}
		if err := resolveBody(f.Body); err != nil {
			return errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err,
				"function "+functionName(f, i))
		}
		f.resolved = true
	}
	return nil
}

func functionName(f *Function, i int) string {
	if f.Name != "" {
		return f.Name
	}
	return "#" + strconv.Itoa(i)
}

func resolveBody(body []Instruction) error {
	var stack []uint32
	for pc := range body {
		in := &body[pc]
		switch in.Op {
		case Block, Loop, If:
			stack = append(stack, uint32(pc))
		case Else:
			if len(stack) == 0 || body[stack[len(stack)-1]].Op != If {
				return errors.InvalidInput(errors.PhaseLoad, "else at %d without if", pc)
			}
			open := &body[stack[len(stack)-1]]
			open.Else = uint32(pc)
		case End:
			if len(stack) == 0 {
				// closes the function body
				in.End = uint32(pc)
				continue
			}
			openIdx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			open := &body[openIdx]
			open.End = uint32(pc)
			if open.Op == If {
				if open.Else == 0 {
					open.Else = uint32(pc)
				} else {
					body[open.Else].End = uint32(pc)
				}
			}
			in.End = uint32(pc)
		}
	}
	if len(stack) > 0 {
		return errors.InvalidInput(errors.PhaseLoad, "%d unclosed blocks, first at %d", len(stack), stack[0])
	}
	return nil
}
