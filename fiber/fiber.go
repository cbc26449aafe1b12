// Package fiber implements cooperatively scheduled fibers and the
// multi-worker scheduler that drives them.
// A fiber owns its stack exclusively; workers only ever touch the fiber
// currently assigned to them. Resuming a suspended fiber is delegated to
// a Runner so this package has no dependency on the dispatch loop itself.
package fiber

import (
	"github.com/google/uuid"

	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/values"
)

// State is a fiber's lifecycle state.
type State int

const (
	StateNew State = iota
	StateRunning
	StateSuspended
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDone:
		return "done"
	default:
		return "?"
	}
}

// Frame is the three-cell call-frame header plus its base, as laid out on
// the fiber's own stack.
type Frame struct {
	Base     int // index of local slot 0 (the receiver) on Stack
	Block    *proto.Block
	ReturnIP int
	ReturnFB int // -1 at the bottom frame
}

// Fiber is a heap object: its own stack buffer plus the register-resident
// state (sp/fp/ip/kbase) published there whenever the fiber suspends.
type Fiber struct {
	ID uuid.UUID

	Stack []values.Value
	SP    int // index of the var cell: *sp == in-flight tuple count
	IP    int
	Frames []Frame // frame chain, last element is the active frame

	Flags uint32
	State State

	// ReentrantTag identifies what a suspended fiber is waiting on: a
	// channel value, a fiber value (spawn/use), or values.Invalid when
	// not suspended.
	ReentrantTag values.Value

	Result   values.ResultPair
	FinalEnv values.Value
	Params   []values.Value

	WorkerID int

	// RetryCount tracks how many times the current suspension has been
	// retried against its reentrant tag, bounding channel/fiber waits at
	// opcodes.ChannelTakeTries rather than spinning forever.
	RetryCount int

	done chan struct{} // closed by Finish; lets a caller block on completion
}

// New allocates a fiber with a fixed-size, non-resizing stack.
func New(stackMax int, block *proto.Block, args []values.Value) *Fiber {
	f := &Fiber{
		ID:           uuid.New(),
		Stack:        make([]values.Value, stackMax),
		SP:           0,
		State:        StateNew,
		ReentrantTag: values.Invalid,
		Params:       args,
		done:         make(chan struct{}),
	}
	f.Frames = append(f.Frames, Frame{Base: 0, Block: block, ReturnIP: -1, ReturnFB: -1})
	for i, a := range args {
		f.Stack[i] = a
	}
	f.SP = len(args)
	f.Stack[f.SP] = values.Int(int64(len(args)))
	return f
}

// CurrentFrame returns the active (topmost) call frame.
func (f *Fiber) CurrentFrame() *Frame {
	if len(f.Frames) == 0 {
		return nil
	}
	return &f.Frames[len(f.Frames)-1]
}

// PushFrame pushes a new frame header, used by non-tail calls.
func (f *Fiber) PushFrame(fr Frame) { f.Frames = append(f.Frames, fr) }

// PopFrame removes and returns the active frame, or nil if the chain is
// already empty (the fiber is done).
func (f *Fiber) PopFrame() *Frame {
	n := len(f.Frames)
	if n == 0 {
		return nil
	}
	fr := f.Frames[n-1]
	f.Frames = f.Frames[:n-1]
	return &fr
}

// VarCount reads the var cell at the top of stack: the count of values
// pushed since the last tuple boundary.
func (f *Fiber) VarCount() int {
	return int(f.Stack[f.SP].AsNumber())
}

func (f *Fiber) SetVarCount(n int) { f.Stack[f.SP] = values.Int(int64(n)) }

// Push writes v at sp and advances sp, then re-establishes the var cell
// one slot further out at the new top, incrementing the in-flight tuple
// count by one.
func (f *Fiber) Push(v values.Value) error {
	if f.SP+1 >= len(f.Stack) {
		return ErrOverflow
	}
	have := f.VarCount()
	f.Stack[f.SP] = v
	f.SP++
	f.Stack[f.SP] = values.Int(int64(have + 1))
	return nil
}

// PopN discards the top n values of the in-flight tuple, decrementing the
// var cell by n. It never pops past the start of the tuple.
func (f *Fiber) PopN(n int) {
	have := f.VarCount()
	if n > have {
		n = have
	}
	f.SP -= n
	f.SetVarCount(have - n)
}

// ErrOverflow is returned by stack-space guards.
var ErrOverflow = overflowError{}

type overflowError struct{}

func (overflowError) Error() string { return "stack overflow" }

// Publish writes the register-resident state back so external observers
// (GC, inspector) see a consistent view.
// Go's garbage collector is precise and needs no such cooperation, but the
// fiber struct fields already *are* the published state: Publish is a
// no-op retained only as the named seam the dispatch loop calls at every
// signal check and suspension point, documenting where the handoff to
// other observers logically occurs.
func (f *Fiber) Publish() {}

// Suspend transitions the fiber to suspended with the given reentrant
// tag, rewinding IP to ip (the start of the send site being waited on),
// so that on resume the same opcode re-enters and re-evaluates its
// condition.
func (f *Fiber) Suspend(ip int, tag values.Value) {
	f.IP = ip
	f.ReentrantTag = tag
	f.RetryCount++
	f.State = StateSuspended
	f.Publish()
}

// Resume marks the fiber running again. It leaves the reentrant tag in
// place: the handler that re-enters observes it via PendingReentrant to
// decide whether the awaited condition is satisfied, and clears it itself.
func (f *Fiber) Resume() {
	f.State = StateRunning
}

// ClearRetries resets the retry counter once a wait resolves, so the next,
// unrelated suspension starts its own bounded retry window.
func (f *Fiber) ClearRetries() { f.RetryCount = 0 }

// PendingReentrant returns the tag a resuming handler should inspect,
// without clearing it — clearing happens only once the handler decides
// the wait is over.
func (f *Fiber) PendingReentrant() values.Value { return f.ReentrantTag }

func (f *Fiber) ClearReentrant() { f.ReentrantTag = values.Invalid }

// Finish transitions the fiber to done with its final result pair and
// final environment, then closes the done channel so any caller blocked
// in Wait unblocks.
func (f *Fiber) Finish(result values.ResultPair, finalEnv values.Value) {
	f.Result = result
	f.FinalEnv = finalEnv
	f.State = StateDone
	f.Publish()
	close(f.done)
}

// Wait blocks until the fiber reaches StateDone.
func (f *Fiber) Wait() { <-f.done }
