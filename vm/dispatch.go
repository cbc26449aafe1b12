package vm

import (
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/opcodes"
	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/values"
)

// dispatch executes one instruction and reports how the loop in Run
// should advance. Every case here is logically one opcode handler; they
// are collected into a single switch rather than literal tail-calling
// functions because Go has no guaranteed tail-call elimination — the
// for-loop in Run plays the role a tail-call chain would otherwise play.
func (e *Engine) dispatch(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	switch inst.Opcode {
	case opcodes.OP_NOP:
		return ctrlAdvance, nil

	case opcodes.OP_DUP:
		have := f.VarCount()
		v := f.Stack[f.SP-have]
		if err := f.Push(v); err != nil {
			return ctrlAdvance, err
		}
		return ctrlAdvance, nil

	case opcodes.OP_SWAP:
		have := f.VarCount()
		if have < 2 {
			return ctrlAdvance, errTypeMismatch("SWAP requires two values in flight")
		}
		a, b := f.SP-have, f.SP-have+1
		f.Stack[a], f.Stack[b] = f.Stack[b], f.Stack[a]
		return ctrlAdvance, nil

	case opcodes.OP_POP_N:
		f.PopN(int(inst.Op1))
		return ctrlAdvance, nil

	case opcodes.OP_CONSTANT:
		if err := f.Push(constant(frame, inst.Op1)); err != nil {
			return ctrlAdvance, err
		}
		return ctrlAdvance, nil

	case opcodes.OP_PUSH_NIL:
		return ctrlAdvance, f.Push(values.Nil)
	case opcodes.OP_PUSH_UNDEFINED:
		return ctrlAdvance, f.Push(values.Undefined)
	case opcodes.OP_PUSH_TRUE:
		return ctrlAdvance, f.Push(values.Bool(true))
	case opcodes.OP_PUSH_FALSE:
		return ctrlAdvance, f.Push(values.Bool(false))

	case opcodes.OP_LOAD_LOCAL:
		return ctrlAdvance, f.Push(local(f, frame, inst.Op1))
	case opcodes.OP_STORE_LOCAL:
		have := f.VarCount()
		setLocal(f, frame, inst.Op1, f.Stack[f.SP-have])
		return ctrlAdvance, nil
	case opcodes.OP_POP_STORE_LOCAL:
		have := f.VarCount()
		setLocal(f, frame, inst.Op1, f.Stack[f.SP-have])
		f.PopN(1)
		return ctrlAdvance, nil
	case opcodes.OP_LOAD_UPVALUE:
		return ctrlAdvance, f.Push(upvalue(frame, inst.Op1))

	case opcodes.OP_JUMP:
		f.IP = int(inst.Op1)
		return ctrlJump, nil
	case opcodes.OP_LOOP:
		f.IP = int(inst.Op1)
		return ctrlJump, nil
	case opcodes.OP_JUMP_IF_FALSE:
		if !topOfTuple(f).Truthy() {
			f.IP = int(inst.Op1)
			return ctrlJump, nil
		}
		return ctrlAdvance, nil
	case opcodes.OP_JUMP_IF_TRUE:
		if topOfTuple(f).Truthy() {
			f.IP = int(inst.Op1)
			return ctrlJump, nil
		}
		return ctrlAdvance, nil
	case opcodes.OP_POP_JUMP_IF_FALSE:
		v := topOfTuple(f)
		f.PopN(1)
		if !v.Truthy() {
			f.IP = int(inst.Op1)
			return ctrlJump, nil
		}
		return ctrlAdvance, nil
	case opcodes.OP_POP_JUMP_IF_TRUE:
		v := topOfTuple(f)
		f.PopN(1)
		if v.Truthy() {
			f.IP = int(inst.Op1)
			return ctrlJump, nil
		}
		return ctrlAdvance, nil

	case opcodes.OP_BLOCK:
		p, ok := proto.AsPrototype(constant(frame, inst.Op1))
		if !ok {
			return ctrlAdvance, errTypeMismatch("BLOCK constant is not a prototype")
		}
		locals := f.Stack[frame.Base : frame.Base+p.NSlots]
		blk := proto.NewBlock(p, locals, frame.Block)
		return ctrlAdvance, f.Push(blk.Value())

	case opcodes.OP_RECORD:
		return e.execRecord(f, frame, inst)
	case opcodes.OP_SHAPE:
		return e.execShape(f, frame, inst)
	case opcodes.OP_LIST:
		return e.execList(f, frame, inst)

	case opcodes.OP_TUPLE:
		return e.execTuple(f)
	case opcodes.OP_CONS:
		return e.execCons(f)
	case opcodes.OP_PACK:
		return e.execPack(f, inst)
	case opcodes.OP_TRIM:
		return e.execTrim(f, frame, inst)
	case opcodes.OP_TRIM_EXACTLY:
		return e.execTrimExactly(f, frame, inst)
	case opcodes.OP_TRIM_DOWN:
		return e.execTrimDown(f, frame, inst)
	case opcodes.OP_TRIM_UP:
		return e.execTrimUp(f, frame, inst)

	case opcodes.OP_RETURN:
		e.doReturn(f)
		if f.State == fiber.StateDone {
			return ctrlDone, nil
		}
		return ctrlJump, nil

	case opcodes.OP_MATCH:
		return e.execMatch(f, frame, inst)

	case opcodes.OP_SEND:
		return e.execSend(f, frame, inst)
	case opcodes.OP_SEND_BLOCK, opcodes.OP_LOCALSEND_BLOCK:
		return e.execSendBlockCached(f, frame, inst, false)
	case opcodes.OP_TAILSEND_BLOCK, opcodes.OP_LOCALTAILSEND_BLOCK:
		return e.execSendBlockCached(f, frame, inst, true)
	case opcodes.OP_SEND_NATIVE:
		return e.execSendNativeCached(f, frame, inst)
	case opcodes.OP_SEND_PROPERTY:
		return e.execSendPropertyCached(f, frame, inst)
	case opcodes.OP_SEND_CONSTANT:
		return e.execSendConstantCached(f, frame, inst)
	case opcodes.OP_MATCHSEND_BLOCK, opcodes.OP_MATCHTAILSEND_BLOCK:
		return e.execMatchSend(f, frame, inst, inst.Opcode == opcodes.OP_MATCHTAILSEND_BLOCK)

	case opcodes.OP_SEND_PRIMITIVE_CALL_MESSAGE:
		return e.execCallMessage(f, frame, inst)

	default:
		if isPrimitiveOpcode(inst.Opcode) {
			return e.execPrimitive(f, frame, inst)
		}
		return ctrlAdvance, errTypeMismatch("opcode not implemented: " + inst.Opcode.String())
	}
}
