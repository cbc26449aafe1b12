package vm

import (
	"github.com/wudi/sigil/fiber"
	"github.com/wudi/sigil/opcodes"
	"github.com/wudi/sigil/values"
)

// execShape implements SHAPE: build a Shape from the string keys in the
// current in-flight tuple.
func (e *Engine) execShape(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	items := tupleSlice(f)
	keys := make([]string, len(items))
	for i, v := range items {
		s, ok := v.AsString()
		if !ok {
			return ctrlAdvance, errTypeMismatch("SHAPE key must be a string")
		}
		keys[i] = s
	}
	f.PopN(len(items))
	return ctrlAdvance, f.Push(values.NewShape(&values.Shape{Keys: keys}))
}

// execRecord implements RECORD: build a Record from a Shape constant plus
// the current in-flight tuple of field values, in shape order.
func (e *Engine) execRecord(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	shapeVal := constant(frame, inst.Op1)
	shape, ok := shapeVal.AsShape()
	if !ok {
		return ctrlAdvance, errTypeMismatch("RECORD constant is not a shape")
	}
	items := tupleSlice(f)
	if len(items) != len(shape.Keys) {
		return ctrlAdvance, errTypeMismatch("RECORD field count does not match shape")
	}
	f.PopN(len(items))
	return ctrlAdvance, f.Push(values.NewRecord(&values.Record{Shape: shape, Fields: items}))
}

// execList implements LIST: gather the current in-flight tuple into a
// heap-allocated List value.
func (e *Engine) execList(f *fiber.Fiber, frame *fiber.Frame, inst opcodes.Instruction) (ctrl, error) {
	items := tupleSlice(f)
	f.PopN(len(items))
	return ctrlAdvance, f.Push(values.NewList(&values.List{Items: items}))
}
