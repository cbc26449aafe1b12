// Package stdlib registers the small set of native messages the CLI and
// tests bootstrap against a fresh engine: output, and channel
// construction. Grounded on wudi-hey/stdlib's own
// Bootstrap-a-StandardLibrary-of-natives-into-a-registry shape, scaled
// down to this engine's message table instead of a class/function
// table.
package stdlib

import (
	"fmt"
	"io"

	"github.com/wudi/sigil/channel"
	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/registry"
	"github.com/wudi/sigil/values"
)

// printableTypes lists the receiver types `print` is registered against:
// every scalar kind a literal can carry.
var printableTypes = []string{
	values.KindString.String(),
	values.KindNumber.String(),
	values.KindSigil.String(),
	values.KindNil.String(),
	values.KindUndefined.String(),
	values.KindOk.String(),
	values.KindNone.String(),
}

// Bootstrap registers this package's natives into messages, writing
// `print` output to w. newChannel constructs a fresh engine-backed
// channel value; stdlib takes it as a callback rather than an *vm.Engine
// so this package never needs to import package vm, the same
// import-avoidance shape proto.NativeCall uses for its own Push callback.
func Bootstrap(messages *registry.MessageTable, w io.Writer, newChannel func() values.Value) {
	print := &proto.Native{
		Name: "print",
		Fn: func(call proto.NativeCall) (values.ResultPair, error) {
			if len(call.Argv) == 0 {
				return values.Valid(values.Nil), nil
			}
			fmt.Fprintln(w, call.Argv[0].String())
			return values.Valid(call.Argv[0]), nil
		},
	}
	for _, t := range printableTypes {
		messages.Define("print", t, registry.Spec{Kind: registry.SpecNative, Callable: print.Value()})
	}

	// `t` on nil constructs a fresh channel, since there is no literal
	// syntax for one.
	makeChannel := &proto.Native{
		Name: "t",
		Fn: func(call proto.NativeCall) (values.ResultPair, error) {
			return values.Valid(newChannel()), nil
		},
	}
	messages.Define("t", values.KindNil.String(), registry.Spec{Kind: registry.SpecNative, Callable: makeChannel.Value()})

	registerChannelNatives(messages)
}

// registerChannelNatives wires the channel module's remaining native
// messages onto the Channel receiver type: close, and the three boolean
// state queries. Each is a thin SEND_NATIVE shim over the corresponding
// channel.Channel method, so dispatch never needs a special-cased opcode
// for them the way put/take do.
func registerChannelNatives(messages *registry.MessageTable) {
	closeChan := &proto.Native{
		Name: "close",
		Fn: func(call proto.NativeCall) (values.ResultPair, error) {
			ch, ok := channel.AsChannel(call.Argv[0])
			if !ok {
				return values.InvalidPair(values.Invalid), nil
			}
			ch.Close()
			return values.Valid(call.Argv[0]), nil
		},
	}
	isClosed := &proto.Native{
		Name: "is\\closed",
		Fn: func(call proto.NativeCall) (values.ResultPair, error) {
			ch, ok := channel.AsChannel(call.Argv[0])
			if !ok {
				return values.InvalidPair(values.Invalid), nil
			}
			return values.Valid(values.Bool(ch.IsClosed())), nil
		},
	}
	isFull := &proto.Native{
		Name: "is\\full",
		Fn: func(call proto.NativeCall) (values.ResultPair, error) {
			ch, ok := channel.AsChannel(call.Argv[0])
			if !ok {
				return values.InvalidPair(values.Invalid), nil
			}
			return values.Valid(values.Bool(ch.IsFull())), nil
		},
	}
	isEmpty := &proto.Native{
		Name: "is\\empty",
		Fn: func(call proto.NativeCall) (values.ResultPair, error) {
			ch, ok := channel.AsChannel(call.Argv[0])
			if !ok {
				return values.InvalidPair(values.Invalid), nil
			}
			return values.Valid(values.Bool(ch.IsEmpty())), nil
		},
	}

	messages.Define("close", "Channel", registry.Spec{Kind: registry.SpecNative, Callable: closeChan.Value()})
	messages.Define("is\\closed", "Channel", registry.Spec{Kind: registry.SpecNative, Callable: isClosed.Value()})
	messages.Define("is\\full", "Channel", registry.Spec{Kind: registry.SpecNative, Callable: isFull.Value()})
	messages.Define("is\\empty", "Channel", registry.Spec{Kind: registry.SpecNative, Callable: isEmpty.Value()})
}
