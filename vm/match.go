package vm

import (
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/opcodes"
	"github.com/wudi/sigil/values"
)

// execMatch implements MATCH: test the in-flight tuple's receiver against
// the Shape constant named by the instruction's operand, then replace the
// tuple with a single boolean result. Match arms compile to MATCH followed
// by POP_JUMP_IF_FALSE/TRUE, same as any other boolean guard; the receiver
// itself is expected to live in a local slot the arm can reload afterward,
// not on the tuple, so MATCH is free to consume it like any other
// single-result primitive.
func (e *Engine) execMatch(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	receiver := topOfTuple(f)
	want := constant(frame, inst.Op1)
	wantShape, ok := want.AsShape()
	if !ok {
		return ctrlAdvance, errTypeMismatch("MATCH constant is not a shape")
	}

	matched := false
	if rec, ok := receiver.AsRecord(); ok {
		matched = rec.Shape == wantShape
	}
	return e.replaceTuple(f, values.Bool(matched))
}
