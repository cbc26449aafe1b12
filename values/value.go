// Package values implements the tagged runtime value representation shared
// by every other package in the engine: a fixed-width scalar wrapping either
// an inline datum (numbers, sigils) or a pointer to a heap payload (strings,
// records, blocks, fibers, channels...).
//
// A genuine NaN-boxed encoding is left as an implementation
// choice; this package exposes only the external contract the rest of the
// engine relies on: a Kind query and Equal/Identical comparisons. The
// internal representation is a small tagged struct rather than a boxed
// float64, which keeps the Go code readable without changing any observable
// behavior.
package values

import (
	"fmt"
	"math"
)

// Kind identifies the tag of a Value.
type Kind byte

const (
	KindNil Kind = iota
	KindUndefined
	KindOk
	KindErr
	KindNone
	KindInvalid
	KindTimeout

	KindNumber
	KindSigil
	KindString
	KindRecord
	KindShape
	KindList
	KindBlock
	KindNative
	KindPrototype
	KindFiber
	KindChannel
	KindBox
	KindPrimitive
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindUndefined:
		return "undefined"
	case KindOk:
		return "ok"
	case KindErr:
		return "err"
	case KindNone:
		return "none"
	case KindInvalid:
		return "invalid"
	case KindTimeout:
		return "timeout"
	case KindNumber:
		return "number"
	case KindSigil:
		return "sigil"
	case KindString:
		return "string"
	case KindRecord:
		return "record"
	case KindShape:
		return "shape"
	case KindList:
		return "list"
	case KindBlock:
		return "block"
	case KindNative:
		return "native"
	case KindPrototype:
		return "prototype"
	case KindFiber:
		return "fiber"
	case KindChannel:
		return "channel"
	case KindBox:
		return "box"
	case KindPrimitive:
		return "primitive"
	default:
		return "?"
	}
}

// Value is a tagged scalar. Number and Sigil are stored inline (num/sym);
// every other kind carries its payload through Data, which holds a pointer
// into a heap object owned elsewhere (Record, Block, Fiber, Channel, ...).
type Value struct {
	kind Kind
	num  float64
	sym  *Sigil
	Data interface{}
}

// Sigil is an interned symbolic atom: a message name or a bare constant
// sigil. Equality between sigils is pointer identity once interned.
type Sigil struct {
	Name string
}

// Record is a key/value object instance of some Shape.
type Record struct {
	Shape  *Shape
	Fields []Value
}

// Shape describes the field layout shared by every Record created from it,
// mirroring how the source language keys property reads by position once a
// shape has been observed at a send site.
type Shape struct {
	Keys []string
}

// FieldIndex returns the slot for key, or -1 if the shape does not have it.
func (s *Shape) FieldIndex(key string) int {
	for i, k := range s.Keys {
		if k == key {
			return i
		}
	}
	return -1
}

// List is a growable, non-resizing-stack-backed sequence value (distinct
// from the fiber's fixed stack buffer — lists live on the heap).
type List struct {
	Items []Value
}

// Box is an opaque foreign datum a native may stash state in.
type Box struct {
	Tag  string
	Data interface{}
}

var (
	Nil       = Value{kind: KindNil}
	Undefined = Value{kind: KindUndefined}
	Ok        = Value{kind: KindOk}
	Err       = Value{kind: KindErr}
	None      = Value{kind: KindNone}
	Invalid   = Value{kind: KindInvalid}
	Timeout   = Value{kind: KindTimeout}
)

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

func Int(i int64) Value { return Number(float64(i)) }

func Bool(b bool) Value {
	if b {
		return Number(1)
	}
	return Number(0)
}

func NewSigil(name string) Value { return Value{kind: KindSigil, sym: &Sigil{Name: name}} }

func NewString(s string) Value { return Value{kind: KindString, Data: s} }

func NewRecord(r *Record) Value { return Value{kind: KindRecord, Data: r} }

func NewShape(s *Shape) Value { return Value{kind: KindShape, Data: s} }

func NewList(l *List) Value { return Value{kind: KindList, Data: l} }

func NewBox(b *Box) Value { return Value{kind: KindBox, Data: b} }

// Tagged builds a Value of an arbitrary pointer Kind (Block, Native,
// Prototype, Fiber, Channel, Primitive) wrapping data. It exists so that
// packages which must not be imported by values (proto, fiber, channel —
// avoiding an import cycle) can still construct Values of those kinds.
func Tagged(kind Kind, data interface{}) Value { return Value{kind: kind, Data: data} }

// Primitive tags a bare opcode as a registry entry's value, bypassing a
// full call when a message resolves directly to an opcode.
func Primitive(op uint32) Value { return Value{kind: KindPrimitive, num: float64(op)} }

func (v Value) AsPrimitive() (uint32, bool) {
	if v.kind != KindPrimitive {
		return 0, false
	}
	return uint32(v.num), true
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNumber() bool { return v.kind == KindNumber }

func (v Value) AsNumber() float64 {
	if v.kind != KindNumber {
		panic("value is not a number")
	}
	return v.num
}

func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil, KindUndefined, KindNone, KindInvalid:
		return false
	case KindNumber:
		return v.num != 0
	default:
		return true
	}
}

func (v Value) AsString() (string, bool) {
	s, ok := v.Data.(string)
	return s, ok && v.kind == KindString
}

func (v Value) AsSigil() (*Sigil, bool) {
	if v.kind != KindSigil {
		return nil, false
	}
	return v.sym, true
}

func (v Value) AsRecord() (*Record, bool) {
	r, ok := v.Data.(*Record)
	return r, ok && v.kind == KindRecord
}

func (v Value) AsList() (*List, bool) {
	l, ok := v.Data.(*List)
	return l, ok && v.kind == KindList
}

func (v Value) AsShape() (*Shape, bool) {
	s, ok := v.Data.(*Shape)
	return s, ok && v.kind == KindShape
}

// Identical implements bitwise equality, used for interned kinds and
// scalars alike.
func (v Value) Identical(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num || (math.IsNaN(v.num) && math.IsNaN(o.num))
	case KindSigil:
		return v.sym == o.sym
	case KindString:
		a, _ := v.AsString()
		b, _ := o.AsString()
		return a == b
	default:
		return v.Data == o.Data
	}
}

// Equal implements structural equality for interned/composite kinds,
// falling back to Identical for scalars and pointer kinds without a
// natural structural form.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindRecord:
		ra, _ := v.AsRecord()
		rb, _ := o.AsRecord()
		if ra.Shape != rb.Shape || len(ra.Fields) != len(rb.Fields) {
			return false
		}
		for i := range ra.Fields {
			if !ra.Fields[i].Equal(rb.Fields[i]) {
				return false
			}
		}
		return true
	case KindList:
		la, _ := v.AsList()
		lb, _ := o.AsList()
		if len(la.Items) != len(lb.Items) {
			return false
		}
		for i := range la.Items {
			if !la.Items[i].Equal(lb.Items[i]) {
				return false
			}
		}
		return true
	default:
		return v.Identical(o)
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindUndefined:
		return "undefined"
	case KindOk:
		return "ok"
	case KindErr:
		return "err"
	case KindNone:
		return "none"
	case KindInvalid:
		return "invalid"
	case KindTimeout:
		return "timeout"
	case KindNumber:
		return fmt.Sprintf("%g", v.num)
	case KindSigil:
		return "\\" + v.sym.Name
	case KindString:
		s, _ := v.AsString()
		return s
	default:
		return fmt.Sprintf("<%s>", v.kind)
	}
}

// TypeName returns the message-dispatch receiver-type key for v: the
// identity the message table indexes specializations under.
func (v Value) TypeName() string {
	switch v.kind {
	case KindRecord:
		r, _ := v.AsRecord()
		return "Record:" + fmt.Sprintf("%p", r.Shape)
	case KindChannel:
		// Channels dispatch under the key their payload reports.
		if n, ok := v.Data.(interface{ TypeName() string }); ok {
			return n.TypeName()
		}
		return v.kind.String()
	default:
		return v.kind.String()
	}
}

// ResultPair is the tagged result every handler, native call, and fiber
// resume produces: a status plus its payload, never a Go panic.
type ResultPair struct {
	Status Status
	Values []Value
}

// Status tags a ResultPair's disposition.
type Status byte

const (
	StatusValid Status = iota
	StatusTimeout
	StatusInvalid
)

func Valid(vs ...Value) ResultPair   { return ResultPair{Status: StatusValid, Values: vs} }
func TimeoutPair(v Value) ResultPair { return ResultPair{Status: StatusTimeout, Values: []Value{v}} }
func InvalidPair(v Value) ResultPair { return ResultPair{Status: StatusInvalid, Values: []Value{v}} }
