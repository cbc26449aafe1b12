package vm

import (
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/opcodes"
	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/registry"
	"github.com/wudi/sigil/values"
)

// sendSite resolves a send instruction's 16-bit operand into the message
// name, cache slot, and whether the compiler marked this site tail-call
// eligible.
func sendSite(frame *fiber.Frame, inst opcodes.Instruction) (message string, slot *proto.CacheSlot, tailAllowed bool) {
	idx, tail := opcodes.SendOperand(inst.Op1)
	p := frame.Block.Proto
	msgVal := p.Constants[idx]
	sig, _ := msgVal.AsSigil()
	if int(idx) >= len(p.SendCaches) {
		// Cache slots are allocated lazily, one per constant-pool entry.
		caches := make([]proto.CacheSlot, len(p.Constants))
		copy(caches, p.SendCaches)
		p.SendCaches = caches
	}
	return sig.Name, &p.SendCaches[idx], tail
}

// execSend is the slow path: resolve the message against the receiver's
// type through the global table, and on a hit rewrite the send site in
// place to a specialized opcode.
func (e *Engine) execSend(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	message, slot, tailAllowed := sendSite(frame, inst)
	receiver := topOfTuple(f)
	recvType := receiver.TypeName()

	resolved, gen, ok := e.Messages.Resolve(message, recvType)
	if !ok {
		return ctrlAdvance, errMissingSpec("no specialization for " + message + " on " + recvType)
	}

	if resolved.Kind == registry.SpecBlock {
		if blk, ok := proto.AsBlock(resolved.Callable); ok {
			resolved.HasLocalOffset = blk.Proto.Source == frame.Block.Proto.Source
			if resolved.HasLocalOffset {
				resolved.LocalOffset = blk.Proto.Offset
			}
		}
	}
	*slot = proto.CacheSlot{Message: message, ReceiverType: recvType, Spec: resolved, Generation: gen, Filled: true}

	// Only worth trying the polymorphic cache when this receiver type's own
	// entry is itself a local (same-source) block: MATCHSEND_BLOCK's rows
	// are built exclusively from local specializations, so if recvType
	// isn't one of them the match would always miss and bounce straight
	// back here, rewriting SEND<->MATCHSEND_BLOCK forever.
	if resolved.Kind == registry.SpecBlock && resolved.HasLocalOffset {
		if entries, ok := e.buildMatchEntries(message, frame); ok {
			slot.MatchEntries = entries
			newOp := opcodes.OP_MATCHSEND_BLOCK
			if tailAllowed {
				newOp = opcodes.OP_MATCHTAILSEND_BLOCK
			}
			frame.Block.Proto.Bytecode[f.IP] = opcodes.Instruction{Opcode: newOp, Op1: inst.Op1}
			return e.dispatchSpecialized(f, frame, frame.Block.Proto.Bytecode[f.IP])
		}
	}

	newOp := specializedOpcode(resolved, frame, tailAllowed)
	frame.Block.Proto.Bytecode[f.IP] = opcodes.Instruction{Opcode: newOp, Op1: inst.Op1}
	return e.dispatchSpecialized(f, frame, frame.Block.Proto.Bytecode[f.IP])
}

// buildMatchEntries looks for a polymorphic inline-cache opportunity: a
// message with 2-4 distinct block specializations, all defined in the
// caller's own source (frame.Block.Proto.Source). When found it returns
// the up-to-four (type, block, offset) rows a MATCHSEND_BLOCK/
// MATCHTAILSEND_BLOCK cache slot needs; otherwise ok is false and the
// caller falls back to the single-specialization path.
func (e *Engine) buildMatchEntries(message string, frame *fiber.Frame) (entries []proto.MatchEntry, ok bool) {
	specs := e.Messages.BlockSpecializations(message)
	for recvType, spec := range specs {
		blk, isBlock := proto.AsBlock(spec.Callable)
		if !isBlock || blk.Proto.Source != frame.Block.Proto.Source {
			continue
		}
		entries = append(entries, proto.MatchEntry{
			ReceiverType: recvType,
			Block:        blk,
			LocalOffset:  blk.Proto.Offset,
			HasOffset:    true,
		})
		if len(entries) == 4 {
			break
		}
	}
	if len(entries) < 2 {
		return nil, false
	}
	return entries, true
}

// specializedOpcode picks the rewritten opcode for a freshly resolved
// registry entry.
func specializedOpcode(entry registry.Spec, frame *fiber.Frame, tailAllowed bool) opcodes.Opcode {
	switch entry.Kind {
	case registry.SpecBlock:
		local := entry.HasLocalOffset
		switch {
		case local && tailAllowed:
			return opcodes.OP_LOCALTAILSEND_BLOCK
		case local:
			return opcodes.OP_LOCALSEND_BLOCK
		case tailAllowed:
			return opcodes.OP_TAILSEND_BLOCK
		default:
			return opcodes.OP_SEND_BLOCK
		}
	case registry.SpecNative:
		return opcodes.OP_SEND_NATIVE
	case registry.SpecProperty:
		return opcodes.OP_SEND_PROPERTY
	case registry.SpecConstant:
		return opcodes.OP_SEND_CONSTANT
	default:
		return opcodes.OP_SEND
	}
}

// dispatchSpecialized re-enters the newly written instruction immediately,
// without advancing IP first.
func (e *Engine) dispatchSpecialized(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	return e.dispatch(f, frame, inst)
}

// cacheValid checks the two cache-miss conditions: generation match and
// receiver-type match.
func cacheValid(slot *proto.CacheSlot, gen func() uint64, recvType string) bool {
	return slot.Filled && slot.Generation == gen() && slot.ReceiverType == recvType
}

// execSendBlockCached implements SEND_BLOCK/LOCALSEND_BLOCK/
// TAILSEND_BLOCK/LOCALTAILSEND_BLOCK. On a cache miss it falls back to the
// slow-path SEND opcode, re-resolving and rewriting.
func (e *Engine) execSendBlockCached(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction, tail bool) (ctrl, error) {
	_, slot, _ := sendSite(frame, inst)
	receiver := topOfTuple(f)
	recvType := receiver.TypeName()
	if !cacheValid(slot, e.Messages.Generation, recvType) {
		return e.fallbackToSend(f, frame, inst)
	}
	blk, ok := proto.AsBlock(slot.Spec.Callable)
	if !ok {
		return e.fallbackToSend(f, frame, inst)
	}
	have := f.VarCount()
	ip := blk.Proto.Offset
	if slot.Spec.HasLocalOffset {
		ip = slot.Spec.LocalOffset
	}
	var err error
	if tail {
		err = e.tailCallBlockAt(f, blk, have, ip)
	} else {
		err = e.callBlockAt(f, blk, have, ip)
	}
	if err != nil {
		return ctrlAdvance, err
	}
	return ctrlJump, nil
}

func (e *Engine) execSendNativeCached(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	_, slot, _ := sendSite(frame, inst)
	recvType := topOfTuple(f).TypeName()
	if !cacheValid(slot, e.Messages.Generation, recvType) {
		return e.fallbackToSend(f, frame, inst)
	}
	nat, ok := proto.AsNative(slot.Spec.Callable)
	if !ok {
		return e.fallbackToSend(f, frame, inst)
	}
	return e.callNative(f, nat)
}

func (e *Engine) callNative(f *fiber.Fiber, nat *proto.Native) (ctrl, error) {
	have := f.VarCount()
	argv := tupleSlice(f)
	f.PopN(have)
	reentrant := f.PendingReentrant()
	result, err := nat.Fn(proto.NativeCall{
		Argv:      argv,
		Reentrant: reentrant,
		Push:      func(v values.Value) { _ = f.Push(v) },
	})
	if err != nil {
		return ctrlAdvance, err
	}
	switch result.Status {
	case values.StatusValid:
		for _, v := range result.Values {
			if perr := f.Push(v); perr != nil {
				return ctrlAdvance, perr
			}
		}
		return ctrlAdvance, nil
	case values.StatusTimeout:
		f.Suspend(f.IP, result.Values[0])
		return ctrlSuspend, nil
	default:
		return ctrlAdvance, errTypeMismatch("native call failed")
	}
}

func (e *Engine) execSendPropertyCached(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	_, slot, _ := sendSite(frame, inst)
	receiver := topOfTuple(f)
	recvType := receiver.TypeName()
	if !cacheValid(slot, e.Messages.Generation, recvType) {
		return e.fallbackToSend(f, frame, inst)
	}
	rec, ok := receiver.AsRecord()
	if !ok {
		return ctrlAdvance, errTypeMismatch("SEND_PROPERTY on non-record receiver")
	}
	idx := rec.Shape.FieldIndex(slot.Spec.PropertyKey)
	if idx < 0 {
		return ctrlAdvance, errMissingSpec("record has no field " + slot.Spec.PropertyKey)
	}
	have := f.VarCount()
	f.PopN(have)
	return ctrlAdvance, f.Push(rec.Fields[idx])
}

func (e *Engine) execSendConstantCached(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	_, slot, _ := sendSite(frame, inst)
	recvType := topOfTuple(f).TypeName()
	if !cacheValid(slot, e.Messages.Generation, recvType) {
		return e.fallbackToSend(f, frame, inst)
	}
	have := f.VarCount()
	f.PopN(have)
	return ctrlAdvance, f.Push(slot.Spec.Constant)
}

// fallbackToSend rewrites the site back to the generic SEND opcode and
// re-executes it.
func (e *Engine) fallbackToSend(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	frame.Block.Proto.Bytecode[f.IP] = opcodes.Instruction{Opcode: opcodes.OP_SEND, Op1: inst.Op1}
	return e.execSend(f, frame, frame.Block.Proto.Bytecode[f.IP])
}

// execMatchSend implements MATCHSEND_BLOCK/MATCHTAILSEND_BLOCK: up to four
// (type, block, offset) triples checked by receiver type, enabling inline
// polymorphic dispatch without a full table probe.
func (e *Engine) execMatchSend(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction, tail bool) (ctrl, error) {
	_, slot, _ := sendSite(frame, inst)
	recvType := topOfTuple(f).TypeName()
	if slot.Generation != e.Messages.Generation() {
		return e.fallbackToSend(f, frame, inst)
	}
	for _, m := range slot.MatchEntries {
		if m.ReceiverType == recvType {
			have := f.VarCount()
			ip := m.Block.Proto.Offset
			if m.HasOffset {
				ip = m.LocalOffset
			}
			var err error
			if tail {
				err = e.tailCallBlockAt(f, m.Block, have, ip)
			} else {
				err = e.callBlockAt(f, m.Block, have, ip)
			}
			if err != nil {
				return ctrlAdvance, err
			}
			return ctrlJump, nil
		}
	}
	return e.fallbackToSend(f, frame, inst)
}

// execCallMessage implements SEND_PRIMITIVE_CALL_MESSAGE: a value-of-kind
// message is itself called. It never shuffles the stack before the call
// commits: the callee sits at slot have-1 (the top of the tuple) and the
// true receiver plus any other arguments are the have-1 values below it,
// all read by index. SP and the var cell are left untouched until the
// callee's dispatch actually commits, so a suspension that re-enters this
// same opcode re-observes the exact stack it started with, rather than an
// already-shrunk tuple from a prior, incomplete attempt.
func (e *Engine) execCallMessage(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	have := f.VarCount()
	if have < 1 {
		return ctrlAdvance, errTypeMismatch("CALL_MESSAGE requires a callee value")
	}
	callee := f.Stack[f.SP-1]
	argHave := have - 1
	base := f.SP - have

	switch callee.Kind() {
	case values.KindBlock:
		blk, _ := proto.AsBlock(callee)
		// callBlock can't suspend: it either pushes a new frame or fails
		// outright, so committing the shrink here is safe.
		f.SP--
		f.Stack[f.SP] = values.Int(int64(argHave))
		if err := e.callBlock(f, blk, argHave); err != nil {
			return ctrlAdvance, err
		}
		return ctrlJump, nil
	case values.KindNative:
		nat, _ := proto.AsNative(callee)
		// Native calls may suspend, so argv is read by index rather than
		// through callNative's PopN-then-call sequence: nothing commits
		// until the call reports a definite outcome.
		argv := append([]values.Value{}, f.Stack[base:base+argHave]...)
		reentrant := f.PendingReentrant()
		result, err := nat.Fn(proto.NativeCall{
			Argv:      argv,
			Reentrant: reentrant,
			Push:      func(v values.Value) { _ = f.Push(v) },
		})
		if err != nil {
			return ctrlAdvance, err
		}
		switch result.Status {
		case values.StatusValid:
			f.PopN(have)
			for _, v := range result.Values {
				if perr := f.Push(v); perr != nil {
					return ctrlAdvance, perr
				}
			}
			return ctrlAdvance, nil
		case values.StatusTimeout:
			f.Suspend(f.IP, result.Values[0])
			return ctrlSuspend, nil
		default:
			return ctrlAdvance, errTypeMismatch("native call failed")
		}
	default:
		return ctrlAdvance, errTypeMismatch("value is not callable")
	}
}
