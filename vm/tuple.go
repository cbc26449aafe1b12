package vm

import (
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/opcodes"
	"github.com/wudi/sigil/values"
)

// execTuple implements TUPLE: push the current count cell's
// value as a data value and reset the count to zero, opening a new tuple.
func (e *Engine) execTuple(f *fiber.Fiber) (ctrl, error) {
	have := f.VarCount()
	if f.SP+1 >= len(f.Stack) {
		return ctrlAdvance, errOverflow("stack overflow in TUPLE")
	}
	f.Stack[f.SP] = values.Int(int64(have))
	f.SP++
	f.Stack[f.SP] = values.Int(0)
	return ctrlAdvance, nil
}

// execCons implements CONS: concatenate two adjacent tuples by moving the
// upper one down by one cell and adding the two counts.
func (e *Engine) execCons(f *fiber.Fiber) (ctrl, error) {
	upperHave := f.VarCount()
	// The lower tuple's count cell sits just below the upper tuple.
	lowerCellIdx := f.SP - upperHave - 1
	if lowerCellIdx < 0 {
		return ctrlAdvance, errTypeMismatch("CONS requires a lower tuple boundary")
	}
	lowerHave := int(f.Stack[lowerCellIdx].AsNumber())

	// Shift the upper tuple's values down over the lower tuple's count
	// cell, which is being retired.
	for i := 0; i < upperHave; i++ {
		f.Stack[lowerCellIdx+i] = f.Stack[lowerCellIdx+1+i]
	}
	f.SP--
	f.Stack[f.SP] = values.Int(int64(lowerHave + upperHave))
	return ctrlAdvance, nil
}

// execPack implements PACK: gathers the current in-flight tuple into a
// single List value, the inverse of a splat.
func (e *Engine) execPack(f *fiber.Fiber, inst opcodes.Instruction) (ctrl, error) {
	items := tupleSlice(f)
	f.PopN(len(items))
	return ctrlAdvance, f.Push(values.NewList(&values.List{Items: items}))
}

// execTrim implements the generic TRIM want opcode: compares
// the actual tuple length ("have") against the static expected arity
// ("want") and rewrites the send site to a specialized form.
func (e *Engine) execTrim(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	want := int(inst.Op1)
	have := f.VarCount()
	applyTrim(f, have, want)

	code := frame.Block.Proto.Bytecode
	switch {
	case have == want:
		code[f.IP] = opcodes.Instruction{Opcode: opcodes.OP_TRIM_EXACTLY, Op1: inst.Op1}
	case have-want >= 1 && have-want <= 9:
		code[f.IP] = opcodes.Instruction{Opcode: opcodes.OP_TRIM_DOWN, Op1: inst.Op1, Op2: uint32(have - want)}
	case want-have >= 1 && want-have <= 9:
		code[f.IP] = opcodes.Instruction{Opcode: opcodes.OP_TRIM_UP, Op1: inst.Op1, Op2: uint32(want - have)}
	default:
		// Delta out of the one-shot specialization range: stays generic.
	}
	return ctrlAdvance, nil
}

// execTrimExactly is the one-shot specialization for have == want. A
// cache miss (observed have != want) restores the generic TRIM opcode.
func (e *Engine) execTrimExactly(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	want := int(inst.Op1)
	have := f.VarCount()
	if have != want {
		frame.Block.Proto.Bytecode[f.IP] = opcodes.Instruction{Opcode: opcodes.OP_TRIM, Op1: inst.Op1}
		return e.execTrim(f, frame, frame.Block.Proto.Bytecode[f.IP])
	}
	return ctrlAdvance, nil
}

func (e *Engine) execTrimDown(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	want := int(inst.Op1)
	have := f.VarCount()
	if have-want != int(inst.Op2) {
		frame.Block.Proto.Bytecode[f.IP] = opcodes.Instruction{Opcode: opcodes.OP_TRIM, Op1: inst.Op1}
		return e.execTrim(f, frame, frame.Block.Proto.Bytecode[f.IP])
	}
	applyTrim(f, have, want)
	return ctrlAdvance, nil
}

func (e *Engine) execTrimUp(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	want := int(inst.Op1)
	have := f.VarCount()
	if want-have != int(inst.Op2) {
		frame.Block.Proto.Bytecode[f.IP] = opcodes.Instruction{Opcode: opcodes.OP_TRIM, Op1: inst.Op1}
		return e.execTrim(f, frame, frame.Block.Proto.Bytecode[f.IP])
	}
	applyTrim(f, have, want)
	return ctrlAdvance, nil
}

// applyTrim pads with nil (have < want) or discards (have > want) so the
// tuple has exactly want values, leaving the var cell consistent.
func applyTrim(f *fiber.Fiber, have, want int) {
	switch {
	case have == want:
		return
	case have > want:
		f.PopN(have - want)
	default:
		for i := 0; i < want-have; i++ {
			_ = f.Push(values.Nil)
		}
	}
}
