// Package vm implements the dispatch loop and every opcode handler,
// fusing hot dispatch, polymorphic inline caches, the tuple-passing
// convention, and cooperative fiber suspension.
package vm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wudi/sigil/channel"
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/opcodes"
	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/registry"
	"github.com/wudi/sigil/values"
	"github.com/wudi/sigil/verr"
)

// Config tunes engine resource limits, loadable from YAML
// by the CLI front end.
type Config struct {
	StackMax         int `yaml:"stack_max"`
	Workers          int `yaml:"workers"`
	MaxInFlightFiber int `yaml:"max_in_flight_fibers"`
	ChannelCapacity  int `yaml:"channel_capacity"`
}

// DefaultConfig mirrors the engine's fixed sizing defaults.
func DefaultConfig() Config {
	return Config{
		StackMax:         opcodes.StackMax,
		Workers:          1,
		MaxInFlightFiber: 256,
		ChannelCapacity:  1,
	}
}

// Signal is the worker signal word a fiber checks at NEXT_CHECKED
// transitions.
type Signal int

const (
	SignalNone Signal = iota
	SignalCollect
	SignalTerminate
)

// Engine owns the global message table, error log, and fiber scheduler.
// It implements fiber.Runner so the scheduler can resume any fiber
// without depending on the dispatch loop's internals.
type Engine struct {
	Config   Config
	Messages *registry.MessageTable
	Errors   *verr.Log
	Sched    *fiber.Scheduler
	Log      *slog.Logger

	signal Signal // checked non-blocking by check-signal; set by GC/admin callers
}

// New constructs an engine with the given config, wiring its own
// scheduler.
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		Config:   cfg,
		Messages: registry.NewMessageTable(),
		Errors:   &verr.Log{},
		Log:      logger,
	}
	e.Sched = fiber.NewScheduler(e, cfg.Workers, cfg.MaxInFlightFiber)
	return e
}

// RaiseSignal sets the worker signal word observed by check-signal. A real collector/admin goroutine would call this; tests and the
// CLI call it to exercise collect/terminate handling deterministically.
func (e *Engine) RaiseSignal(s Signal) { e.signal = s }

func (e *Engine) checkSignal(f *fiber.Fiber) (stop bool, err error) {
	switch e.signal {
	case SignalCollect:
		f.Publish()
		e.signal = SignalNone
		return false, nil
	case SignalTerminate:
		f.Publish()
		trace := e.walkTrace(f)
		ferr := verr.New(verr.Term, "cooperative terminate", topFrameToken(f), f.WorkerID).WithTrace(trace)
		e.Errors.Report(ferr)
		f.Finish(values.InvalidPair(values.Invalid), values.Nil)
		return true, nil
	default:
		return false, nil
	}
}

// Spawn creates a new fiber running block with args and hands it to the
// scheduler.
func (e *Engine) Spawn(ctx context.Context, block *proto.Block, args []values.Value) (*fiber.Fiber, error) {
	f := fiber.New(e.Config.StackMax, block, args)
	if err := e.Sched.Spawn(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// NewChannel constructs a channel using the engine's default capacity,
// backing the native `t` message that constructs channel values.
func (e *Engine) NewChannel() *channel.Channel {
	return channel.New(e.Config.ChannelCapacity)
}

// Run resumes f until it suspends or completes (implements fiber.Runner).
// This is the dispatch loop itself: a flat for-loop over register-
// resident ip/fp/sp rather than literal mutually tail-calling functions,
// since Go gives no tail-call guarantee between opcode handlers (see
// DESIGN.md for why this is the faithful rendering of handler chaining).
func (e *Engine) Run(f *fiber.Fiber) {
	f.State = fiber.StateRunning
	for {
		if stop, err := e.checkSignal(f); stop {
			if err != nil {
				e.Log.Error("fiber terminated", "fiber", f.ID, "err", err)
			}
			return
		}

		frame := f.CurrentFrame()
		if frame == nil {
			f.Finish(values.Valid(values.Ok), values.Nil)
			return
		}

		code := frame.Block.Proto.Bytecode
		if f.IP < 0 || f.IP >= len(code) {
			e.doReturn(f)
			if f.State == fiber.StateDone {
				return
			}
			continue
		}

		inst := code[f.IP]
		ctrl, err := e.dispatch(f, frame, inst)
		if err != nil {
			e.handlePanic(f, err)
			return
		}
		switch ctrl {
		case ctrlAdvance:
			f.IP++
		case ctrlJump:
			// IP already set by the handler.
		case ctrlSuspend:
			return
		case ctrlDone:
			return
		}
	}
}

type ctrl int

const (
	ctrlAdvance ctrl = iota
	ctrlJump
	ctrlSuspend
	ctrlDone
)

func (e *Engine) handlePanic(f *fiber.Fiber, err error) {
	trace := e.walkTrace(f)
	var kind verr.Kind
	switch err.(type) {
	case overflowTagged:
		kind = verr.Overflow
	case missingSpecTagged:
		kind = verr.SpecializationMissing
	case typeMismatchTagged:
		kind = verr.TypeMismatch
	default:
		kind = verr.Panic
	}
	ferr := verr.New(kind, err.Error(), topFrameToken(f), f.WorkerID).WithTrace(trace)
	e.Errors.Report(ferr)
	if kind == verr.Panic || kind == verr.SpecializationMissing {
		f.Finish(values.ResultPair{Status: values.StatusInvalid, Values: []values.Value{values.Err, errValue(ferr)}}, values.Nil)
	} else {
		f.Finish(values.InvalidPair(errValue(ferr)), values.Nil)
	}
}

func errValue(e *verr.Error) values.Value { return values.Tagged(values.KindErr, e) }

// walkTrace renders one verr.Frame per active call frame, from innermost
// to outermost. The innermost frame's instruction pointer is the fiber's
// live IP; each frame below that resumes at the ReturnIP recorded in the
// frame above it.
func (e *Engine) walkTrace(f *fiber.Fiber) []verr.Frame {
	var frames []verr.Frame
	ip := f.IP
	for i := len(f.Frames) - 1; i >= 0; i-- {
		fr := f.Frames[i]
		if fr.Block == nil {
			continue
		}
		src := fr.Block.Proto.Source
		tok := src.Tokens[ip]
		frames = append(frames, verr.Frame{Source: src.Name, Line: tok.Line, Col: tok.Col, Lexeme: tok.Lexeme})
		ip = fr.ReturnIP
	}
	return frames
}

func topFrameToken(f *fiber.Fiber) verr.Frame {
	frame := f.CurrentFrame()
	if frame == nil || frame.Block == nil {
		return verr.Frame{Source: "?"}
	}
	src := frame.Block.Proto.Source
	tok, ok := src.Tokens[f.IP]
	if !ok {
		return verr.Frame{Source: src.Name}
	}
	return verr.Frame{Source: src.Name, Line: tok.Line, Col: tok.Col, Lexeme: tok.Lexeme}
}

type overflowTagged struct{ error }
type missingSpecTagged struct{ error }
type typeMismatchTagged struct{ error }

func errOverflow(msg string) error        { return overflowTagged{fmt.Errorf("%s", msg)} }
func errMissingSpec(msg string) error      { return missingSpecTagged{fmt.Errorf("%s", msg)} }
func errTypeMismatch(msg string) error     { return typeMismatchTagged{fmt.Errorf("%s", msg)} }
