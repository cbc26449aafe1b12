package vm

import (
	"context"
	"runtime"

	"github.com/wudi/sigil/channel"
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/opcodes"
	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/values"
)

// isPrimitiveOpcode reports whether op is one of the one-opcode-per-
// primitive sends: these never consult the message table, since the
// compiler already proved the operation's identity at compile time.
func isPrimitiveOpcode(op opcodes.Opcode) bool {
	return op >= opcodes.OP_SEND_PRIMITIVE_ADD && op <= opcodes.OP_SEND_PRIMITIVE_CALL_MESSAGE
}

// execPrimitive dispatches a primitive send to its handler. Each handler
// reads its operands from the current in-flight tuple (receiver first)
// and leaves one value in its place, except SPLAT (the list's items),
// CONS (the joined tuple), USE (the target's result values) and a
// successful CHAN_TAKE (ok followed by the drained values).
func (e *Engine) execPrimitive(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	switch inst.Opcode {
	case opcodes.OP_SEND_PRIMITIVE_ADD:
		return e.arith(f, func(a, b float64) float64 { return a + b })
	case opcodes.OP_SEND_PRIMITIVE_SUB:
		return e.arith(f, func(a, b float64) float64 { return a - b })
	case opcodes.OP_SEND_PRIMITIVE_MUL:
		return e.arith(f, func(a, b float64) float64 { return a * b })
	case opcodes.OP_SEND_PRIMITIVE_DIV:
		return e.divmod(f, false)
	case opcodes.OP_SEND_PRIMITIVE_MOD:
		return e.divmod(f, true)

	case opcodes.OP_SEND_PRIMITIVE_LT:
		return e.compare(f, func(a, b float64) bool { return a < b })
	case opcodes.OP_SEND_PRIMITIVE_LTE:
		return e.compare(f, func(a, b float64) bool { return a <= b })
	case opcodes.OP_SEND_PRIMITIVE_GT:
		return e.compare(f, func(a, b float64) bool { return a > b })
	case opcodes.OP_SEND_PRIMITIVE_GTE:
		return e.compare(f, func(a, b float64) bool { return a >= b })
	case opcodes.OP_SEND_PRIMITIVE_EQ:
		return e.eq(f)

	case opcodes.OP_SEND_PRIMITIVE_BAND:
		return e.bitwise(f, func(a, b int64) int64 { return a & b })
	case opcodes.OP_SEND_PRIMITIVE_BOR:
		return e.bitwise(f, func(a, b int64) int64 { return a | b })
	case opcodes.OP_SEND_PRIMITIVE_BXOR:
		return e.bitwise(f, func(a, b int64) int64 { return a ^ b })
	case opcodes.OP_SEND_PRIMITIVE_LSH:
		return e.bitwise(f, func(a, b int64) int64 { return a << uint(b) })
	case opcodes.OP_SEND_PRIMITIVE_RSH:
		return e.bitwise(f, func(a, b int64) int64 { return a >> uint(b) })

	case opcodes.OP_SEND_PRIMITIVE_LOGICAL_AND:
		return e.logical(f, func(a, b bool) bool { return a && b })
	case opcodes.OP_SEND_PRIMITIVE_LOGICAL_OR:
		return e.logical(f, func(a, b bool) bool { return a || b })

	case opcodes.OP_SEND_PRIMITIVE_CONCAT:
		return e.concat(f)
	case opcodes.OP_SEND_PRIMITIVE_TYPE:
		return e.typeOf(f)
	case opcodes.OP_SEND_PRIMITIVE_SPLAT:
		return e.splat(f)
	case opcodes.OP_SEND_PRIMITIVE_CONS:
		return e.execCons(f)

	case opcodes.OP_SEND_PRIMITIVE_USE:
		return e.execUse(f)
	case opcodes.OP_SEND_PRIMITIVE_SPAWN:
		return e.execSpawn(f, frame)
	case opcodes.OP_SEND_PRIMITIVE_CHAN_PUT:
		return e.execChanPut(f)
	case opcodes.OP_SEND_PRIMITIVE_CHAN_TAKE:
		return e.execChanTake(f)

	default:
		return ctrlAdvance, errTypeMismatch("unhandled primitive opcode: " + inst.Opcode.String())
	}
}

func (e *Engine) operands2(f *fiber.Fiber) (a, b values.Value, ok bool) {
	have := f.VarCount()
	if have != 2 {
		return values.Nil, values.Nil, false
	}
	a = f.Stack[f.SP-2]
	b = f.Stack[f.SP-1]
	return a, b, true
}

func (e *Engine) replaceTuple(f *fiber.Fiber, result values.Value) (ctrl, error) {
	have := f.VarCount()
	f.PopN(have)
	return ctrlAdvance, f.Push(result)
}

func (e *Engine) arith(f *fiber.Fiber, op func(a, b float64) float64) (ctrl, error) {
	a, b, ok := e.operands2(f)
	if !ok || !a.IsNumber() || !b.IsNumber() {
		return ctrlAdvance, errTypeMismatch("arithmetic primitive requires two numbers")
	}
	return e.replaceTuple(f, values.Number(op(a.AsNumber(), b.AsNumber())))
}

func (e *Engine) divmod(f *fiber.Fiber, mod bool) (ctrl, error) {
	a, b, ok := e.operands2(f)
	if !ok || !a.IsNumber() || !b.IsNumber() {
		return ctrlAdvance, errTypeMismatch("division primitive requires two numbers")
	}
	if b.AsNumber() == 0 {
		return ctrlAdvance, errOverflow("division by zero")
	}
	if mod {
		ai, bi := int64(a.AsNumber()), int64(b.AsNumber())
		return e.replaceTuple(f, values.Int(ai%bi))
	}
	return e.replaceTuple(f, values.Number(a.AsNumber()/b.AsNumber()))
}

func (e *Engine) compare(f *fiber.Fiber, op func(a, b float64) bool) (ctrl, error) {
	a, b, ok := e.operands2(f)
	if !ok || !a.IsNumber() || !b.IsNumber() {
		return ctrlAdvance, errTypeMismatch("comparison primitive requires two numbers")
	}
	return e.replaceTuple(f, values.Bool(op(a.AsNumber(), b.AsNumber())))
}

func (e *Engine) eq(f *fiber.Fiber) (ctrl, error) {
	a, b, ok := e.operands2(f)
	if !ok {
		return ctrlAdvance, errTypeMismatch("eq primitive requires two values")
	}
	return e.replaceTuple(f, values.Bool(a.Equal(b)))
}

func (e *Engine) bitwise(f *fiber.Fiber, op func(a, b int64) int64) (ctrl, error) {
	a, b, ok := e.operands2(f)
	if !ok || !a.IsNumber() || !b.IsNumber() {
		return ctrlAdvance, errTypeMismatch("bitwise primitive requires two numbers")
	}
	return e.replaceTuple(f, values.Int(op(int64(a.AsNumber()), int64(b.AsNumber()))))
}

func (e *Engine) logical(f *fiber.Fiber, op func(a, b bool) bool) (ctrl, error) {
	a, b, ok := e.operands2(f)
	if !ok {
		return ctrlAdvance, errTypeMismatch("logical primitive requires two values")
	}
	return e.replaceTuple(f, values.Bool(op(a.Truthy(), b.Truthy())))
}

func (e *Engine) concat(f *fiber.Fiber) (ctrl, error) {
	a, b, ok := e.operands2(f)
	if !ok {
		return ctrlAdvance, errTypeMismatch("concat primitive requires two values")
	}
	as, aok := a.AsString()
	bs, bok := b.AsString()
	if !aok || !bok {
		return ctrlAdvance, errTypeMismatch("concat primitive requires two strings")
	}
	return e.replaceTuple(f, values.NewString(as+bs))
}

func (e *Engine) typeOf(f *fiber.Fiber) (ctrl, error) {
	have := f.VarCount()
	if have != 1 {
		return ctrlAdvance, errTypeMismatch("type primitive requires one value")
	}
	v := f.Stack[f.SP-1]
	return e.replaceTuple(f, values.NewSigil(v.TypeName()))
}

// splat unpacks a List value's items back into the in-flight tuple, the
// inverse of PACK.
func (e *Engine) splat(f *fiber.Fiber) (ctrl, error) {
	have := f.VarCount()
	if have != 1 {
		return ctrlAdvance, errTypeMismatch("splat primitive requires one value")
	}
	v := f.Stack[f.SP-1]
	list, ok := v.AsList()
	if !ok {
		return ctrlAdvance, errTypeMismatch("splat primitive requires a list")
	}
	f.PopN(1)
	for _, item := range list.Items {
		if err := f.Push(item); err != nil {
			return ctrlAdvance, err
		}
	}
	return ctrlAdvance, nil
}

// execUse awaits another fiber's completion (one of the four suspension
// points a handler may hit alongside spawn/put/take). Its receiver is the
// target fiber; it yields until that fiber reaches StateDone, then
// replaces the in-flight tuple with the target's ok-prefixed result.
func (e *Engine) execUse(f *fiber.Fiber) (ctrl, error) {
	have := f.VarCount()
	if have != 1 {
		return ctrlAdvance, errTypeMismatch("use primitive requires one fiber value")
	}
	v := f.Stack[f.SP-1]
	if v.Kind() != values.KindFiber {
		return ctrlAdvance, errTypeMismatch("use primitive requires a fiber value")
	}
	target, _ := v.Data.(*fiber.Fiber)

	if target.State != fiber.StateDone {
		if suspended := e.yieldOrTimeout(f, v); suspended {
			return ctrlSuspend, nil
		}
		return e.replaceTuple(f, values.Timeout)
	}
	f.ClearReentrant()
	f.ClearRetries()
	f.PopN(1)
	for _, rv := range target.Result.Values {
		if err := f.Push(rv); err != nil {
			return ctrlAdvance, err
		}
	}
	return ctrlAdvance, nil
}

// execSpawn creates a new fiber running the receiver block with the
// remaining in-flight values as its arguments, and pushes the new fiber
// value (the spawn site itself never blocks past admission control: see
// fiber.Scheduler.Spawn).
func (e *Engine) execSpawn(f *fiber.Fiber, frame *fiber.Frame) (ctrl, error) {
	have := f.VarCount()
	if have < 1 {
		return ctrlAdvance, errTypeMismatch("spawn primitive requires a block receiver")
	}
	blockVal := f.Stack[f.SP-have]
	blk, ok := proto.AsBlock(blockVal)
	if !ok {
		return ctrlAdvance, errTypeMismatch("spawn primitive requires a block")
	}
	args := append([]values.Value{}, f.Stack[f.SP-have+1:f.SP]...)
	f.PopN(have)

	child, err := e.Spawn(context.Background(), blk, args)
	if err != nil {
		return ctrlAdvance, err
	}
	return ctrlAdvance, f.Push(values.Tagged(values.KindFiber, child))
}

// execChanPut implements the put primitive: receiver is a channel, the
// remaining in-flight values are what to put. Capacity pushback is one of
// the suspension points a handler may hit.
func (e *Engine) execChanPut(f *fiber.Fiber) (ctrl, error) {
	have := f.VarCount()
	if have < 1 {
		return ctrlAdvance, errTypeMismatch("chan put primitive requires a channel receiver")
	}
	chVal := f.Stack[f.SP-have]
	ch, ok := channel.AsChannel(chVal)
	if !ok {
		return ctrlAdvance, errTypeMismatch("chan put primitive requires a channel")
	}
	payload := append([]values.Value{}, f.Stack[f.SP-have+1:f.SP]...)

	if ch.StillReferences(f.ID.String()) {
		// A resumed put whose values already landed on a prior attempt
		// (the fiber suspended again before seeing the result): don't
		// re-append, just report success.
		f.ClearReentrant()
		f.ClearRetries()
		return e.replaceTuple(f, chVal)
	}
	if ch.TryPut(f.ID.String(), payload) {
		f.ClearReentrant()
		f.ClearRetries()
		return e.replaceTuple(f, chVal)
	}
	if suspended := e.yieldOrTimeout(f, chVal); suspended {
		return ctrlSuspend, nil
	}
	return e.replaceTuple(f, values.Timeout)
}

// execChanTake implements the take primitive: receiver is a channel; an
// optional second in-flight value gives the count wanted (default 1).
// Empty-closed yields none; open-with-no-data yields timeout after
// opcodes.ChannelTakeTries retries.
func (e *Engine) execChanTake(f *fiber.Fiber) (ctrl, error) {
	have := f.VarCount()
	if have < 1 {
		return ctrlAdvance, errTypeMismatch("chan take primitive requires a channel receiver")
	}
	chVal := f.Stack[f.SP-have]
	ch, ok := channel.AsChannel(chVal)
	if !ok {
		return ctrlAdvance, errTypeMismatch("chan take primitive requires a channel")
	}
	want := 1
	if have >= 2 {
		if n := f.Stack[f.SP-have+1]; n.IsNumber() {
			want = int(n.AsNumber())
		}
	}

	drained, closedEmpty := ch.TryTake(want)
	if len(drained) > 0 {
		f.ClearReentrant()
		f.ClearRetries()
		have := f.VarCount()
		f.PopN(have)
		if err := f.Push(values.Ok); err != nil {
			return ctrlAdvance, err
		}
		for _, v := range drained {
			if err := f.Push(v); err != nil {
				return ctrlAdvance, err
			}
		}
		return ctrlAdvance, nil
	}
	if closedEmpty {
		return e.replaceTuple(f, values.None)
	}
	if suspended := e.yieldOrTimeout(f, chVal); suspended {
		return ctrlSuspend, nil
	}
	return e.replaceTuple(f, values.Timeout)
}

// yieldOrTimeout is the shared bounded-retry suspension helper for
// use/put/take. It suspends f against tag and schedules one requeue
// attempt while the fiber has retries left (opcodes.ChannelTakeTries);
// once exhausted it reports false so the caller can settle with a
// timeout value instead of waiting forever.
func (e *Engine) yieldOrTimeout(f *fiber.Fiber, tag values.Value) bool {
	if f.RetryCount >= opcodes.ChannelTakeTries {
		f.ClearRetries()
		return false
	}
	f.Suspend(f.IP, tag)
	go func(sched *fiber.Scheduler, fb *fiber.Fiber) {
		runtime.Gosched()
		sched.Requeue(fb)
	}(e.Sched, f)
	return true
}
