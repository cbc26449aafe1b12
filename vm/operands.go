package vm

import (
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/values"
)

// local reads local slot idx of the active frame (slot 0 is the receiver).
func local(f *fiber.Fiber, frame *fiber.Frame, idx uint32) values.Value {
	return f.Stack[frame.Base+int(idx)]
}

func setLocal(f *fiber.Fiber, frame *fiber.Frame, idx uint32, v values.Value) {
	f.Stack[frame.Base+int(idx)] = v
}

func constant(frame *fiber.Frame, idx uint32) values.Value {
	return frame.Block.Proto.Constants[idx]
}

func upvalue(frame *fiber.Frame, idx uint32) values.Value {
	return frame.Block.Upvalues[idx]
}

// topOfTuple returns the value at the base of the current in-flight
// tuple: sp - have, i.e. the receiver of a just-assembled send tuple.
func topOfTuple(f *fiber.Fiber) values.Value {
	have := f.VarCount()
	return f.Stack[f.SP-have]
}

// tupleSlice returns the have values of the current in-flight tuple, in
// push order.
func tupleSlice(f *fiber.Fiber) []values.Value {
	have := f.VarCount()
	out := make([]values.Value, have)
	copy(out, f.Stack[f.SP-have:f.SP])
	return out
}
