package vm

import (
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/values"
)

// callBlock performs a non-tail call to blk with the have values already
// assembled at the top of f's stack (receiver at index base). It pushes a
// new frame header and positions execution at the callee's first
// instruction.
func (e *Engine) callBlock(f *fiber.Fiber, blk *proto.Block, have int) error {
	return e.callBlockAt(f, blk, have, blk.Proto.Offset)
}

// callBlockAt is callBlock with the entry IP supplied by the caller
// instead of re-derived from blk.Proto.Offset: the local-call fast path
// (LOCALSEND_BLOCK/LOCALTAILSEND_BLOCK, and MATCHSEND_BLOCK rows for
// same-source callees) caches this offset on the inline-cache slot
// itself at resolve time, so a cached local call never has to follow
// blk.Proto to find its entry point.
func (e *Engine) callBlockAt(f *fiber.Fiber, blk *proto.Block, have int, ip int) error {
	base := f.SP - have
	if base+blk.Proto.NSlots+1 >= len(f.Stack) {
		return errOverflow("stack overflow on call")
	}
	f.PushFrame(fiber.Frame{Base: base, Block: blk, ReturnIP: f.IP + 1, ReturnFB: len(f.Frames) - 1})
	// Open a fresh tuple scope for the callee body above its locals.
	f.SP = base + blk.Proto.NArgs
	f.Stack[f.SP] = values.Int(0)
	f.IP = ip
	return nil
}

// tailCallBlock overwrites the current frame in place: the
// new callee's arguments are moved down to the current frame base and the
// frame header (ReturnIP/ReturnFB) is left untouched, so the frame chain
// never grows.
func (e *Engine) tailCallBlock(f *fiber.Fiber, blk *proto.Block, have int) error {
	return e.tailCallBlockAt(f, blk, have, blk.Proto.Offset)
}

// tailCallBlockAt is tailCallBlock with the entry IP supplied by the
// caller; see callBlockAt.
func (e *Engine) tailCallBlockAt(f *fiber.Fiber, blk *proto.Block, have int, ip int) error {
	frame := f.CurrentFrame()
	argsStart := f.SP - have
	copy(f.Stack[frame.Base:frame.Base+have], f.Stack[argsStart:argsStart+have])
	frame.Block = blk
	f.SP = frame.Base + blk.Proto.NArgs
	if f.SP >= len(f.Stack) {
		return errOverflow("stack overflow on tail call")
	}
	f.Stack[f.SP] = values.Int(0)
	f.IP = ip
	return nil
}

// doReturn implements RETURN: copies the returning tuple down
// over the frame being retired, restores the caller's register state, and
// folds the returned count into the preceding (caller-side) tuple's
// count. If the call stack becomes empty, the fiber finishes with an
// ok-prefixed result array.
func (e *Engine) doReturn(f *fiber.Fiber) {
	returning := tupleSlice(f)
	completed := f.PopFrame()
	if completed == nil {
		f.Finish(values.Valid(append([]values.Value{values.Ok}, returning...)...), values.Nil)
		return
	}

	if f.CurrentFrame() == nil {
		result := append([]values.Value{values.Ok}, returning...)
		f.Finish(values.Valid(result...), values.Nil)
		return
	}

	outerIdx := completed.Base - 1
	outerCount := 0
	if outerIdx >= 0 {
		outerCount = int(f.Stack[outerIdx].AsNumber())
	}
	copy(f.Stack[completed.Base:completed.Base+len(returning)], returning)
	f.SP = completed.Base + len(returning)
	f.Stack[f.SP] = values.Int(int64(outerCount + len(returning)))
	f.IP = completed.ReturnIP
}
