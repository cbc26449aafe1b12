package vm

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/sigil/channel"
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/opcodes"
	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/registry"
	"github.com/wudi/sigil/values"
)

func newTestEngine() *Engine {
	return New(DefaultConfig(), slog.New(slog.NewTextHandler(nopWriter{}, nil)))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newEntryFiber(p *proto.Prototype, args ...values.Value) *fiber.Fiber {
	blk := proto.NewBlock(p, make([]values.Value, p.NSlots), nil)
	return fiber.New(opcodes.StackMax, blk, args)
}

func TestArithmeticPrimitiveAdd(t *testing.T) {
	e := newTestEngine()
	p := &proto.Prototype{
		Source: &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots: 1,
		Constants: []values.Value{
			values.Number(3),
			values.Number(4),
		},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_CONSTANT, Op1: 1},
			{Opcode: opcodes.OP_SEND_PRIMITIVE_ADD},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(p)
	e.Run(f)

	require.Equal(t, fiber.StateDone, f.State)
	require.Len(t, f.Result.Values, 2)
	assert.Equal(t, values.Ok, f.Result.Values[0])
	assert.Equal(t, values.Number(7), f.Result.Values[1])
}

func TestDivisionByZeroOverflow(t *testing.T) {
	e := newTestEngine()
	p := &proto.Prototype{
		Source:    &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.Number(1), values.Number(0)},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_CONSTANT, Op1: 1},
			{Opcode: opcodes.OP_SEND_PRIMITIVE_DIV},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(p)
	e.Run(f)

	require.Equal(t, fiber.StateDone, f.State)
	assert.Equal(t, values.StatusInvalid, f.Result.Status)
	assert.Equal(t, 1, e.Errors.Len())
}

func TestTupleConsAndTrim(t *testing.T) {
	e := newTestEngine()
	p := &proto.Prototype{
		Source:    &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.Number(1), values.Number(2), values.Number(3)},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_TUPLE},
			{Opcode: opcodes.OP_CONSTANT, Op1: 1},
			{Opcode: opcodes.OP_CONSTANT, Op1: 2},
			{Opcode: opcodes.OP_CONS},
			{Opcode: opcodes.OP_TRIM, Op1: 2},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(p)
	e.Run(f)

	require.Equal(t, fiber.StateDone, f.State)
	require.Len(t, f.Result.Values, 3)
	assert.Equal(t, values.Number(1), f.Result.Values[1])
	assert.Equal(t, values.Number(2), f.Result.Values[2])
}

func TestTrimPadsWithNil(t *testing.T) {
	e := newTestEngine()
	p := &proto.Prototype{
		Source:    &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.Number(1)},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_TRIM, Op1: 3},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(p)
	e.Run(f)

	require.Len(t, f.Result.Values, 4)
	assert.Equal(t, values.Number(1), f.Result.Values[1])
	assert.Equal(t, values.Nil, f.Result.Values[2])
	assert.Equal(t, values.Nil, f.Result.Values[3])
}

func TestSendResolvesAndSpecializesToNative(t *testing.T) {
	e := newTestEngine()
	var seenArgv []values.Value
	native := &proto.Native{
		Name: "shout",
		Fn: func(call proto.NativeCall) (values.ResultPair, error) {
			seenArgv = call.Argv
			return values.Valid(values.NewString("OK")), nil
		},
	}
	e.Messages.Define("shout", values.KindString.String(), registry.Spec{Kind: registry.SpecNative, Callable: native.Value()})

	p := &proto.Prototype{
		Source:    &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.NewString("hi"), values.NewSigil("shout")},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_SEND, Op1: 1},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(p)
	e.Run(f)

	require.Equal(t, fiber.StateDone, f.State)
	require.Len(t, f.Result.Values, 2)
	assert.Equal(t, values.NewString("OK"), f.Result.Values[1])
	require.Len(t, seenArgv, 1)
	assert.Equal(t, values.NewString("hi"), seenArgv[0])

	assert.Equal(t, opcodes.OP_SEND_NATIVE, p.Bytecode[1].Opcode, "a resolved send site rewrites itself in place")
}

func TestSendFallsBackOnReceiverTypeMismatch(t *testing.T) {
	e := newTestEngine()
	callCount := 0
	native := &proto.Native{
		Name: "id",
		Fn: func(call proto.NativeCall) (values.ResultPair, error) {
			callCount++
			return values.Valid(call.Argv[0]), nil
		},
	}
	e.Messages.Define("id", values.KindString.String(), registry.Spec{Kind: registry.SpecNative, Callable: native.Value()})
	e.Messages.Define("id", values.KindNumber.String(), registry.Spec{Kind: registry.SpecNative, Callable: native.Value()})

	p := &proto.Prototype{
		Source:    &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.NewString("hi"), values.NewSigil("id")},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_SEND, Op1: 1},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f1 := newEntryFiber(p)
	e.Run(f1)
	require.Equal(t, fiber.StateDone, f1.State)
	assert.Equal(t, 1, callCount)
	assert.Equal(t, opcodes.OP_SEND_NATIVE, p.Bytecode[1].Opcode)

	// A second, independent clone of the same prototype sends the same
	// message against a Number receiver: the cached slot was filled for
	// String, so this must miss and re-resolve rather than misdispatch.
	p2 := p.Clone()
	p2.Constants[0] = values.Number(9)
	f2 := newEntryFiber(p2)
	e.Run(f2)
	require.Equal(t, fiber.StateDone, f2.State)
	assert.Equal(t, 2, callCount)
	assert.Equal(t, values.Number(9), f2.Result.Values[1])
}

func TestMatchOpcode(t *testing.T) {
	e := newTestEngine()
	shape := &values.Shape{Keys: []string{"x"}}
	p := &proto.Prototype{
		Source:    &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.NewShape(shape)},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_MATCH, Op1: 0},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	rec := values.NewRecord(&values.Record{Shape: shape, Fields: []values.Value{values.Number(1)}})
	f := newEntryFiber(p, rec)
	e.Run(f)

	require.Len(t, f.Result.Values, 2)
	assert.Equal(t, values.Bool(true), f.Result.Values[1])
}

func TestMatchOpcodeOnShapeMismatch(t *testing.T) {
	e := newTestEngine()
	wantShape := &values.Shape{Keys: []string{"x"}}
	actualShape := &values.Shape{Keys: []string{"y"}}
	p := &proto.Prototype{
		Source:    &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.NewShape(wantShape)},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_MATCH, Op1: 0},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	rec := values.NewRecord(&values.Record{Shape: actualShape, Fields: []values.Value{values.Number(1)}})
	f := newEntryFiber(p, rec)
	e.Run(f)

	require.Len(t, f.Result.Values, 2)
	assert.Equal(t, values.Bool(false), f.Result.Values[1])
}

func TestChanPutAndTake(t *testing.T) {
	e := newTestEngine()
	ch := channel.New(1)

	putP := &proto.Prototype{
		Source:    &proto.Source{Name: "put", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.Number(42)},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_SEND_PRIMITIVE_CHAN_PUT},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	putF := newEntryFiber(putP, ch.Value())
	e.Run(putF)
	require.Equal(t, fiber.StateDone, putF.State)
	require.Len(t, putF.Result.Values, 2)
	assert.Equal(t, ch.Value(), putF.Result.Values[1], "a successful put pushes the channel, enabling chained sends")

	takeP := &proto.Prototype{
		Source: &proto.Source{Name: "take", Tokens: map[int]proto.Token{}},
		NSlots: 1,
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_SEND_PRIMITIVE_CHAN_TAKE},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	takeF := newEntryFiber(takeP, ch.Value())
	e.Run(takeF)
	require.Equal(t, fiber.StateDone, takeF.State)
	require.Len(t, takeF.Result.Values, 3)
	assert.Equal(t, values.Ok, takeF.Result.Values[1], "a successful take prepends ok before the drained values")
	assert.Equal(t, values.Number(42), takeF.Result.Values[2])
}

func TestChanTakeTimesOutAfterRetriesExhausted(t *testing.T) {
	e := newTestEngine()
	ch := channel.New(1)

	p := &proto.Prototype{
		Source: &proto.Source{Name: "take", Tokens: map[int]proto.Token{}},
		NSlots: 1,
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_SEND_PRIMITIVE_CHAN_TAKE},
		},
	}
	f := newEntryFiber(p, ch.Value())
	frame := f.CurrentFrame()

	for i := 0; i < opcodes.ChannelTakeTries; i++ {
		ctl, err := e.execChanTake(f)
		require.NoError(t, err)
		assert.Equal(t, ctrlSuspend, ctl)
		assert.Equal(t, fiber.StateSuspended, f.State)
		f.Resume()
	}

	ctl, err := e.execChanTake(f)
	require.NoError(t, err)
	assert.Equal(t, ctrlAdvance, ctl)
	assert.Equal(t, values.Timeout, f.Stack[f.SP-1])
	_ = frame
}

func TestUseAwaitsCompletedFiber(t *testing.T) {
	e := newTestEngine()
	targetP := &proto.Prototype{
		Source: &proto.Source{Name: "target", Tokens: map[int]proto.Token{}},
		NSlots: 1,
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_RETURN},
		},
	}
	target := newEntryFiber(targetP)
	e.Run(target)
	require.Equal(t, fiber.StateDone, target.State)

	callerP := &proto.Prototype{
		Source: &proto.Source{Name: "caller", Tokens: map[int]proto.Token{}},
		NSlots: 1,
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_SEND_PRIMITIVE_USE},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	caller := newEntryFiber(callerP, values.Tagged(values.KindFiber, target))
	e.Run(caller)

	require.Equal(t, fiber.StateDone, caller.State)
	require.Len(t, caller.Result.Values, 2)
	assert.Equal(t, values.Ok, caller.Result.Values[1])
}

func TestRecordConstructionAndPropertySend(t *testing.T) {
	e := newTestEngine()
	shape := &values.Shape{Keys: []string{"x", "y"}}
	e.Messages.Define("x", "Record:"+shapeAddr(shape), registry.Spec{Kind: registry.SpecProperty, PropertyKey: "x"})

	p := &proto.Prototype{
		Source: &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots: 1,
		Constants: []values.Value{
			values.NewString("x"), values.NewString("y"),
			values.Number(10), values.Number(20),
			values.NewShape(shape),
			values.NewSigil("x"),
		},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 2},
			{Opcode: opcodes.OP_CONSTANT, Op1: 3},
			{Opcode: opcodes.OP_RECORD, Op1: 4},
			{Opcode: opcodes.OP_SEND, Op1: 5},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(p)
	e.Run(f)

	require.Equal(t, fiber.StateDone, f.State)
	require.Len(t, f.Result.Values, 2)
	assert.Equal(t, values.Number(10), f.Result.Values[1])
}

func TestSendBuildsMatchCacheForSameSourceBlockSpecializations(t *testing.T) {
	e := newTestEngine()
	source := &proto.Source{Name: "poke.src", Tokens: map[int]proto.Token{}}

	numProto := &proto.Prototype{
		Source: source, NArgs: 1, NSlots: 1,
		Constants: []values.Value{values.NewString("num")},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	strProto := &proto.Prototype{
		Source: source, NArgs: 1, NSlots: 1,
		Constants: []values.Value{values.NewString("str")},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	numBlock := proto.NewBlock(numProto, nil, nil)
	strBlock := proto.NewBlock(strProto, nil, nil)
	e.Messages.Define("poke", values.KindNumber.String(), registry.Spec{Kind: registry.SpecBlock, Callable: numBlock.Value()})
	e.Messages.Define("poke", values.KindString.String(), registry.Spec{Kind: registry.SpecBlock, Callable: strBlock.Value()})

	callProto := &proto.Prototype{
		Source: source,
		NSlots: 1,
		Constants: []values.Value{
			values.Number(5),
			values.NewSigil("poke"),
		},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_SEND, Op1: 1},
			{Opcode: opcodes.OP_RETURN},
		},
	}

	numF := newEntryFiber(callProto)
	e.Run(numF)
	require.Equal(t, fiber.StateDone, numF.State)
	require.Len(t, numF.Result.Values, 2)
	assert.Equal(t, values.NewString("num"), numF.Result.Values[1])
	assert.Equal(t, opcodes.OP_MATCHSEND_BLOCK, callProto.Bytecode[1].Opcode,
		"2 same-source block specializations rewrite the send site to the polymorphic cache")

	// Same send site, now driven by a String receiver: the cache slot was
	// already rewritten to OP_MATCHSEND_BLOCK by the run above, so this
	// exercises the polymorphic dispatch loop picking the matching entry
	// rather than re-resolving from scratch.
	strCallProto := callProto.Clone()
	strCallProto.Constants[0] = values.NewString("hi")
	strF := newEntryFiber(strCallProto)
	e.Run(strF)
	require.Equal(t, fiber.StateDone, strF.State)
	require.Len(t, strF.Result.Values, 2)
	assert.Equal(t, values.NewString("str"), strF.Result.Values[1])
	assert.Equal(t, opcodes.OP_MATCHSEND_BLOCK, strCallProto.Bytecode[1].Opcode)
}

func TestMatchSendFallsBackOnReceiverTypeNotInCache(t *testing.T) {
	e := newTestEngine()
	source := &proto.Source{Name: "poke.src", Tokens: map[int]proto.Token{}}

	numProto := &proto.Prototype{
		Source: source, NArgs: 1, NSlots: 1,
		Bytecode: []opcodes.Instruction{{Opcode: opcodes.OP_RETURN}},
	}
	strProto := &proto.Prototype{
		Source: source, NArgs: 1, NSlots: 1,
		Bytecode: []opcodes.Instruction{{Opcode: opcodes.OP_RETURN}},
	}
	numBlock := proto.NewBlock(numProto, nil, nil)
	strBlock := proto.NewBlock(strProto, nil, nil)
	e.Messages.Define("poke", values.KindNumber.String(), registry.Spec{Kind: registry.SpecBlock, Callable: numBlock.Value()})
	e.Messages.Define("poke", values.KindString.String(), registry.Spec{Kind: registry.SpecBlock, Callable: strBlock.Value()})

	callProto := &proto.Prototype{
		Source: source,
		NSlots: 1,
		Constants: []values.Value{
			values.Number(5),
			values.NewSigil("poke"),
		},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_SEND, Op1: 1},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(callProto)
	e.Run(f)
	require.Equal(t, opcodes.OP_MATCHSEND_BLOCK, callProto.Bytecode[1].Opcode)

	// A List receiver was never registered for "poke": the match cache
	// misses and the generic resolver reports the same failure a fresh
	// SEND would have.
	listProto := callProto.Clone()
	listProto.Constants[0] = values.NewList(&values.List{})
	listF := newEntryFiber(listProto)
	e.Run(listF)
	require.Equal(t, fiber.StateDone, listF.State)
	assert.Equal(t, values.StatusInvalid, listF.Result.Status)
}

func TestSendDoesNotBuildMatchCacheWhenCurrentReceiverIsNotLocal(t *testing.T) {
	e := newTestEngine()
	callerSource := &proto.Source{Name: "caller.src", Tokens: map[int]proto.Token{}}
	otherSource := &proto.Source{Name: "other.src", Tokens: map[int]proto.Token{}}

	// Two block specializations share otherSource (foreign to the call
	// site below), and only the String spec shares the caller's source.
	foreignA := proto.NewBlock(&proto.Prototype{
		Source: otherSource, NArgs: 1, NSlots: 1,
		Bytecode: []opcodes.Instruction{{Opcode: opcodes.OP_RETURN}},
	}, nil, nil)
	foreignB := proto.NewBlock(&proto.Prototype{
		Source: otherSource, NArgs: 1, NSlots: 1,
		Bytecode: []opcodes.Instruction{{Opcode: opcodes.OP_RETURN}},
	}, nil, nil)
	localStr := proto.NewBlock(&proto.Prototype{
		Source: callerSource, NArgs: 1, NSlots: 1,
		Constants: []values.Value{values.NewString("local")},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_RETURN},
		},
	}, nil, nil)

	e.Messages.Define("poke", values.KindNumber.String(), registry.Spec{Kind: registry.SpecBlock, Callable: foreignA.Value()})
	e.Messages.Define("poke", values.KindList.String(), registry.Spec{Kind: registry.SpecBlock, Callable: foreignB.Value()})
	e.Messages.Define("poke", values.KindString.String(), registry.Spec{Kind: registry.SpecBlock, Callable: localStr.Value()})

	// Resolving against a Number receiver: BlockSpecializations would find
	// 2 same-source (otherSource) entries, but the Number receiver's own
	// spec is foreign to this caller, so the send must stay monomorphic
	// instead of rewriting to a match cache it could never hit.
	callProto := &proto.Prototype{
		Source: callerSource,
		NSlots: 1,
		Constants: []values.Value{
			values.Number(5),
			values.NewSigil("poke"),
		},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_SEND, Op1: 1},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(callProto)
	e.Run(f)
	require.Equal(t, fiber.StateDone, f.State)
	assert.Equal(t, opcodes.OP_SEND_BLOCK, callProto.Bytecode[1].Opcode,
		"a non-local resolved entry must not switch the site to the match cache")
}

func TestCallMessageDispatchesBlockCallee(t *testing.T) {
	e := newTestEngine()
	source := &proto.Source{Name: "t", Tokens: map[int]proto.Token{}}
	calleeProto := &proto.Prototype{
		Source: source, NArgs: 1, NSlots: 1,
		Constants: []values.Value{values.NewString("called")},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	callee := proto.NewBlock(calleeProto, nil, nil)

	p := &proto.Prototype{
		Source:    source,
		NSlots:    1,
		Constants: []values.Value{values.Number(1), callee.Value()},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_CONSTANT, Op1: 1},
			{Opcode: opcodes.OP_SEND_PRIMITIVE_CALL_MESSAGE},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(p)
	e.Run(f)

	require.Equal(t, fiber.StateDone, f.State)
	require.Len(t, f.Result.Values, 2)
	assert.Equal(t, values.NewString("called"), f.Result.Values[1])
}

func TestCallMessageRejectsNonCallableValue(t *testing.T) {
	e := newTestEngine()
	p := &proto.Prototype{
		Source:    &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.Number(1), values.Number(2)},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_CONSTANT, Op1: 1},
			{Opcode: opcodes.OP_SEND_PRIMITIVE_CALL_MESSAGE},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(p)
	e.Run(f)

	require.Equal(t, fiber.StateDone, f.State)
	assert.Equal(t, values.StatusInvalid, f.Result.Status)
}

// TestCallMessageNativeSuspendPreservesStackForRetry locks in the fix for a
// latent suspend/retry hazard: a suspending native callee must not have its
// var cell or args shrunk before the call commits, because a timed-out
// attempt re-enters SEND_PRIMITIVE_CALL_MESSAGE at the same IP and must see
// the same stack it started with.
func TestCallMessageNativeSuspendPreservesStackForRetry(t *testing.T) {
	e := newTestEngine()
	calls := 0
	var seenArgv [][]values.Value
	native := &proto.Native{
		Name: "maybe",
		Fn: func(call proto.NativeCall) (values.ResultPair, error) {
			calls++
			seenArgv = append(seenArgv, call.Argv)
			if calls == 1 {
				return values.TimeoutPair(values.NewString("retry-tag")), nil
			}
			return values.Valid(values.NewString("done")), nil
		},
	}

	p := &proto.Prototype{
		Source:    &proto.Source{Name: "t", Tokens: map[int]proto.Token{}},
		NSlots:    1,
		Constants: []values.Value{values.Number(7), native.Value()},
		Bytecode: []opcodes.Instruction{
			{Opcode: opcodes.OP_CONSTANT, Op1: 0},
			{Opcode: opcodes.OP_CONSTANT, Op1: 1},
			{Opcode: opcodes.OP_SEND_PRIMITIVE_CALL_MESSAGE},
			{Opcode: opcodes.OP_RETURN},
		},
	}
	f := newEntryFiber(p)

	e.Run(f)
	require.Equal(t, fiber.StateSuspended, f.State)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, f.VarCount(), "the arg+callee tuple must be untouched across a suspended attempt")

	f.Resume()
	e.Run(f)
	require.Equal(t, fiber.StateDone, f.State)
	require.Equal(t, 2, calls)
	require.Len(t, seenArgv, 2)
	assert.Equal(t, seenArgv[0], seenArgv[1], "the retried call must see the identical argv the first attempt saw")
	require.Len(t, f.Result.Values, 2)
	assert.Equal(t, values.NewString("done"), f.Result.Values[1])
}

func shapeAddr(s *values.Shape) string {
	v := values.NewRecord(&values.Record{Shape: s})
	typ := v.TypeName()
	return typ[len("Record:"):]
}
